// Copyright (c) 2018-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigma

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// Scheme is a privacy scheme.
type Scheme int

const (
	// SchemeSigma is the Sigma scheme.
	SchemeSigma Scheme = iota

	// SchemeZerocoinV2 is the Zerocoin V2 scheme replaced by Sigma.
	SchemeZerocoinV2
)

var schemeStrings = map[Scheme]string{
	SchemeSigma:      "sigma",
	SchemeZerocoinV2: "zerocoin-v2",
}

// String returns the Scheme as a human-readable name.
func (s Scheme) String() string {
	if str, ok := schemeStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Scheme (%d)", int(s))
}

// Operation is a privacy operation.
type Operation int

const (
	// OpMint creates private coins.
	OpMint Operation = iota

	// OpSpend redeems private coins.
	OpSpend

	// OpRemint converts Zerocoin V2 coins to Sigma coins.
	OpRemint
)

var operationStrings = map[Operation]string{
	OpMint:   "mint",
	OpSpend:  "spend",
	OpRemint: "remint",
}

// String returns the Operation as a human-readable name.
func (o Operation) String() string {
	if str, ok := operationStrings[o]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Operation (%d)", int(o))
}

// Policy selects between the mempool and the block inclusion rules.  The
// mempool rules are never stricter than the block rules.
type Policy int

const (
	// PolicyMempool applies to transactions entering the mempool.
	PolicyMempool Policy = iota

	// PolicyBlock applies to transactions of a connected block.
	PolicyBlock
)

// String returns the Policy as a human-readable name.
func (p Policy) String() string {
	switch p {
	case PolicyMempool:
		return "mempool"
	case PolicyBlock:
		return "block"
	}
	return fmt.Sprintf("Unknown Policy (%d)", int(p))
}

// Spend describes the privacy operation of a single transaction.  Value only
// matters for Sigma spends.  A zero TxHash marks a spend whose transaction is
// unknown, which is never treated as a duplicate.
type Spend struct {
	TxHash    chainhash.Hash
	Scheme    Scheme
	Op        Operation
	Inputs    uint32
	Value     btcutil.Amount
	ModulusV1 bool
}

// Accumulator is the running total of Sigma spends at a height.
type Accumulator struct {
	Height int32
	Inputs uint32
	Value  btcutil.Amount
}

// gracefulPeriod returns the number of blocks after the Sigma start block
// during which the Zerocoin V2 operation is still accepted under the policy.
func gracefulPeriod(params *chaincfg.SigmaParams, op Operation, policy Policy) int32 {
	switch {
	case op == OpMint && policy == PolicyMempool:
		return params.ZerocoinV2MintMempoolGracefulPeriod
	case op == OpMint:
		return params.ZerocoinV2MintGracefulPeriod
	case policy == PolicyMempool:
		return params.ZerocoinV2SpendMempoolGracefulPeriod
	}
	return params.ZerocoinV2SpendGracefulPeriod
}

// CheckSchemeAllowed returns an error when the operation of the scheme is not
// accepted at the passed height under the policy.
//
// Sigma mints and spends are accepted from the Sigma start block on.
// Zerocoin V2 mints and spends are accepted before it and for a graceful
// period after it, where the mempool period is at least as long as the block
// period.  Remints are accepted within the remint window that opens at the
// Sigma start block.  Nothing Zerocoin is accepted once Zerocoin is disabled.
func CheckSchemeAllowed(params *chaincfg.Params, height int32, scheme Scheme,
	op Operation, policy Policy) error {

	s := &params.Sigma
	if op == OpRemint {
		if height < s.StartBlock {
			str := fmt.Sprintf("remint at height %d before the "+
				"Sigma start block %d", height, s.StartBlock)
			return ruleError(ErrSchemeNotActive, str)
		}
		windowEnd := s.StartBlock + s.ZerocoinToSigmaRemintWindowSize
		if height >= windowEnd {
			str := fmt.Sprintf("remint at height %d after the "+
				"remint window closed at height %d", height,
				windowEnd)
			return ruleError(ErrRemintWindowClosed, str)
		}
		return nil
	}

	switch scheme {
	case SchemeSigma:
		if height < s.StartBlock {
			str := fmt.Sprintf("sigma %v at height %d before the "+
				"start block %d", op, height, s.StartBlock)
			return ruleError(ErrSchemeNotActive, str)
		}
		return nil

	case SchemeZerocoinV2:
		if s.DisableZerocoinStartBlock > 0 &&
			height >= s.DisableZerocoinStartBlock {

			str := fmt.Sprintf("zerocoin %v at height %d after "+
				"zerocoin was disabled at height %d", op, height,
				s.DisableZerocoinStartBlock)
			return ruleError(ErrZerocoinDisabled, str)
		}
		if height < s.StartBlock {
			return nil
		}
		periodEnd := s.StartBlock + gracefulPeriod(s, op, policy)
		if height >= periodEnd {
			str := fmt.Sprintf("zerocoin %v at height %d after the "+
				"%v graceful period ended at height %d", op,
				height, policy, periodEnd)
			return ruleError(ErrGracePeriodExpired, str)
		}
		return nil
	}

	str := fmt.Sprintf("unknown scheme %v", scheme)
	return ruleError(ErrInvalidSpend, str)
}

// modulusV1StopBlock returns the height from which first modulus Zerocoin
// spends are refused under the policy.
func modulusV1StopBlock(params *chaincfg.SigmaParams, policy Policy) int32 {
	if policy == PolicyMempool {
		return params.ModulusV1MempoolStopBlock
	}
	return params.ModulusV1StopBlock
}

// CheckModulus returns an error when a Zerocoin V2 operation on a coin of
// the passed accumulator modulus is not accepted at the height under the
// policy.
//
// Mints switch to the second modulus at the modulus V2 start block.  Spends
// and remints of first modulus coins stay valid until the stop block of the
// policy, where the mempool stops first.
func CheckModulus(params *chaincfg.Params, height int32, op Operation,
	modulusV1 bool, policy Policy) error {

	s := &params.Sigma
	if !modulusV1 {
		if height < s.ModulusV2StartBlock {
			str := fmt.Sprintf("zerocoin %v of a second modulus "+
				"coin at height %d before the modulus v2 start "+
				"block %d", op, height, s.ModulusV2StartBlock)
			return ruleError(ErrSchemeNotActive, str)
		}
		return nil
	}

	stop := modulusV1StopBlock(s, policy)
	if op == OpMint {
		stop = s.ModulusV2StartBlock
	}
	if height >= stop {
		str := fmt.Sprintf("zerocoin %v of a first modulus coin at "+
			"height %d, retired for the %v at height %d", op,
			height, policy, stop)
		return ruleError(ErrModulusRetired, str)
	}
	return nil
}

// checkInputCount ensures a transaction only carries several spend inputs
// once that is allowed.
func checkInputCount(params *chaincfg.Params, height int32, spend *Spend) error {
	if spend.Op != OpSpend || spend.Inputs <= 1 {
		return nil
	}
	start := params.Sigma.MultipleSpendInputsInOneTxStartBlock
	if height < start {
		str := fmt.Sprintf("transaction spends %d inputs at height %d "+
			"before multiple inputs are allowed at height %d",
			spend.Inputs, height, start)
		return ruleError(ErrSpendLimitExceeded, str)
	}
	return nil
}

// checkDuplicate ensures the spend transaction is not in the passed set of
// transactions already accepted at the height.
func checkDuplicate(params *chaincfg.Params, height int32,
	seen map[chainhash.Hash]struct{}, spend *Spend) error {

	if spend.TxHash == (chainhash.Hash{}) ||
		height < params.Sigma.DontAllowDupTxsStartBlock {

		return nil
	}
	if _, ok := seen[spend.TxHash]; ok {
		str := fmt.Sprintf("spend transaction %v already accepted at "+
			"height %d", spend.TxHash, height)
		return ruleError(ErrDuplicateSpend, str)
	}
	return nil
}

// isLimited returns whether the spend counts against the Sigma spend limits.
func isLimited(spend *Spend) bool {
	return spend.Scheme == SchemeSigma && spend.Op == OpSpend
}

// checkTransactionLimits ensures a single Sigma spend does not exceed the
// per-transaction limits.
func checkTransactionLimits(s *chaincfg.SigmaParams, spend *Spend) error {
	if spend.Value < 0 {
		str := fmt.Sprintf("spend value %v is negative", spend.Value)
		return ruleError(ErrInvalidSpend, str)
	}
	if spend.Inputs > s.MaxInputPerTransaction {
		str := fmt.Sprintf("transaction spends %d sigma inputs, "+
			"more than the maximum of %d", spend.Inputs,
			s.MaxInputPerTransaction)
		return ruleError(ErrSpendLimitExceeded, str)
	}
	if spend.Value > s.MaxValueSpendPerTransaction {
		str := fmt.Sprintf("transaction spends %v in sigma, more "+
			"than the maximum of %v", spend.Value,
			s.MaxValueSpendPerTransaction)
		return ruleError(ErrSpendLimitExceeded, str)
	}
	return nil
}

// checkBlockLimits ensures adding the spend to the accumulator does not
// exceed the per-block limits.
func checkBlockLimits(s *chaincfg.SigmaParams, acc *Accumulator, spend *Spend) error {
	if spend.Inputs > s.MaxInputPerBlock-acc.Inputs {
		str := fmt.Sprintf("block would spend %d sigma inputs, more "+
			"than the maximum of %d", uint64(acc.Inputs)+
			uint64(spend.Inputs), s.MaxInputPerBlock)
		return ruleError(ErrSpendLimitExceeded, str)
	}
	if spend.Value > s.MaxValueSpendPerBlock-acc.Value {
		str := fmt.Sprintf("block would spend %v in sigma, more than "+
			"the maximum of %v", acc.Value+spend.Value,
			s.MaxValueSpendPerBlock)
		return ruleError(ErrSpendLimitExceeded, str)
	}
	return nil
}

// checkSpend runs every check of a spend against the accumulator without
// modifying it.
func checkSpend(params *chaincfg.Params, acc *Accumulator, spend *Spend,
	policy Policy) error {

	err := CheckSchemeAllowed(params, acc.Height, spend.Scheme, spend.Op,
		policy)
	if err != nil {
		return err
	}
	if spend.Scheme == SchemeZerocoinV2 {
		err := CheckModulus(params, acc.Height, spend.Op,
			spend.ModulusV1, policy)
		if err != nil {
			return err
		}
	}
	if err := checkInputCount(params, acc.Height, spend); err != nil {
		return err
	}
	if !isLimited(spend) {
		return nil
	}
	if err := checkTransactionLimits(&params.Sigma, spend); err != nil {
		return err
	}
	return checkBlockLimits(&params.Sigma, acc, spend)
}

// CheckBlockSpends ensures the spends of a block at the passed height respect
// the scheme windows along with the per-transaction and per-block limits, and
// that no spend transaction appears twice.
func CheckBlockSpends(params *chaincfg.Params, height int32, spends []Spend,
	policy Policy) error {

	acc := Accumulator{Height: height}
	seen := make(map[chainhash.Hash]struct{}, len(spends))
	for i := range spends {
		spend := &spends[i]
		err := checkDuplicate(params, height, seen, spend)
		if err == nil {
			err = checkSpend(params, &acc, spend, policy)
		}
		if err != nil {
			return fmt.Errorf("spend %d: %w", i, err)
		}
		seen[spend.TxHash] = struct{}{}
		if isLimited(spend) {
			acc.Inputs += spend.Inputs
			acc.Value += spend.Value
		}
	}
	return nil
}

// Ledger tracks the Sigma spends accepted for the next block and enforces
// the spend limits on them.  Checking and committing a spend is atomic so
// concurrent callers can never exceed a limit together.
//
// A Ledger is safe for concurrent access.
type Ledger struct {
	params  *chaincfg.Params
	metrics *ledgerMetrics

	mtx  sync.Mutex
	acc  Accumulator
	seen map[chainhash.Hash]struct{}
}

// NewLedger returns a ledger for the passed network parameters.  The running
// totals start empty and are bound to the first height a spend is offered
// at.
func NewLedger(params *chaincfg.Params) *Ledger {
	return &Ledger{
		params:  params,
		metrics: newLedgerMetrics(params.Name),
		acc:     Accumulator{Height: -1},
		seen:    make(map[chainhash.Hash]struct{}),
	}
}

// advanceTo starts new running totals when the passed height is above the
// tracked one.  Totals only ever move forward so a caller lagging behind can
// never wipe the totals of a later height.
//
// This function MUST be called with the ledger lock held.
func (l *Ledger) advanceTo(height int32) {
	if height <= l.acc.Height {
		return
	}
	log.Tracef("Resetting sigma spend totals from height %d to %d",
		l.acc.Height, height)
	l.acc = Accumulator{Height: height}
	clear(l.seen)
	l.metrics.SetTotals(l.acc)
}

// TryAcceptSpend checks the spend against the rules at the passed height and
// adds it to the running totals on success.  A rejected spend leaves the
// totals untouched.  Spends for a height below the tracked one are rejected
// with ErrStaleHeight.
func (l *Ledger) TryAcceptSpend(height int32, spend *Spend, policy Policy) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.advanceTo(height)

	var err error
	if height < l.acc.Height {
		str := fmt.Sprintf("spend offered for height %d while the "+
			"totals track height %d", height, l.acc.Height)
		err = ruleError(ErrStaleHeight, str)
	} else {
		err = checkDuplicate(l.params, height, l.seen, spend)
	}
	if err == nil {
		err = checkSpend(l.params, &l.acc, spend, policy)
	}
	l.metrics.ObserveSpend(policy, err)
	if err != nil {
		log.Debugf("Rejected %v %v at height %d: %v", spend.Scheme,
			spend.Op, height, err)
		return err
	}

	if spend.TxHash != (chainhash.Hash{}) {
		l.seen[spend.TxHash] = struct{}{}
	}
	if isLimited(spend) {
		l.acc.Inputs += spend.Inputs
		l.acc.Value += spend.Value
		l.metrics.SetTotals(l.acc)
	}
	return nil
}

// ConnectBlock moves the running totals to the block following the connected
// block at the passed height.  When the connected block is not above the
// previous tip, as after a reorganization to a shorter chain with more work,
// the totals accepted so far are carried over to the new height instead of
// being reset, so the spends already accepted still count against the caps.
func (l *Ledger) ConnectBlock(height int32) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	next := height + 1
	if next > l.acc.Height {
		l.advanceTo(next)
		return
	}
	log.Debugf("Carrying sigma spend totals of height %d over to height %d",
		l.acc.Height, next)
	l.acc.Height = next
	l.metrics.SetTotals(l.acc)
}

// Totals returns a snapshot of the running totals.
func (l *Ledger) Totals() Accumulator {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.acc
}
