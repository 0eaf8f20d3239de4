// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
	"github.com/zcoinofficial/zcoind/dandelion"
	"github.com/zcoinofficial/zcoind/sigma"
)

// testBaseTime is the timestamp of the first header of every test chain.
const testBaseTime = 1500000000

// nopNotifier discards relay requests.
type nopNotifier struct{}

func (nopNotifier) RelayStem(*chainhash.Hash, dandelion.PeerID) {}
func (nopNotifier) BroadcastFluff(*chainhash.Hash)              {}

// testParams returns regression test parameters with a short confirmation
// window and Sigma active from height 1.
func testParams(name string) *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.Name = name
	params.MinerConfirmationWindow = 4
	params.RuleChangeActivationThreshold = 3
	params.Sigma.StartBlock = 1
	params.Dandelion.FluffPercent = 0
	return &params
}

// newTestManager returns a started manager for the passed parameters.
func newTestManager(t *testing.T, params *chaincfg.Params) *Manager {
	t.Helper()

	router := dandelion.New(&dandelion.Config{
		Params:   params,
		Notifier: nopNotifier{},
		Clock:    clock.NewMock(),
		Rand:     rand.New(rand.NewSource(1)),
	})
	m, err := New(&Config{ChainParams: params, Router: router})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { m.Stop() })
	return m
}

// headerAfter returns a header extending prev, or the first header when prev
// is nil.
func headerAfter(prev *wire.BlockHeader, version int32, bits uint32) *wire.BlockHeader {
	header := &wire.BlockHeader{
		Version:   version,
		Timestamp: time.Unix(testBaseTime, 0),
		Bits:      bits,
	}
	if prev != nil {
		header.PrevBlock = prev.BlockHash()
		header.Timestamp = prev.Timestamp.Add(10 * time.Minute)
	}
	return header
}

// requireRuleError asserts the error is a blockchain.RuleError with the
// passed code.
func requireRuleError(t *testing.T, err error, code blockchain.ErrorCode) {
	t.Helper()

	var rErr blockchain.RuleError
	if !errors.As(err, &rErr) {
		t.Fatalf("unexpected error type %T: %v", err, err)
	}
	if rErr.ErrorCode != code {
		t.Fatalf("unexpected error code: got %v, want %v",
			rErr.ErrorCode, code)
	}
}

// TestProcessHeader ensures headers are connected to known parents only and
// must carry the required difficulty.
func TestProcessHeader(t *testing.T) {
	params := testParams("netsync-headers")
	m := newTestManager(t, params)
	require.Nil(t, m.Tip())

	// A first header must not reference a parent.
	orphan := headerAfter(nil, 4, params.PowLimitBits)
	orphan.PrevBlock = chainhash.DoubleHashH([]byte("unknown"))
	_, err := m.ProcessHeader(orphan)
	requireRuleError(t, err, blockchain.ErrMissingParent)

	genesis := headerAfter(nil, 4, params.PowLimitBits)
	node, err := m.ProcessHeader(genesis)
	require.NoError(t, err)
	require.Equal(t, int32(0), node.Height())

	_, err = m.ProcessHeader(genesis)
	requireRuleError(t, err, blockchain.ErrDuplicateBlock)

	// Regression test networks never retarget, so the difficulty must
	// match the parent.
	bad := headerAfter(genesis, 4, 0x1d00ffff)
	_, err = m.ProcessHeader(bad)
	requireRuleError(t, err, blockchain.ErrUnexpectedDifficulty)

	prev := genesis
	for i := 1; i <= 5; i++ {
		header := headerAfter(prev, 4, params.PowLimitBits)
		node, err := m.ProcessHeader(header)
		require.NoError(t, err)
		require.Equal(t, int32(i), node.Height())
		prev = header
	}
	tip := m.Tip()
	require.NotNil(t, tip)
	require.Equal(t, int32(5), tip.Height())
	require.Equal(t, prev.BlockHash(), tip.Hash())

	// A competing header with less work is indexed without becoming the
	// best header.
	side := headerAfter(genesis, 4, params.PowLimitBits)
	side.Nonce = 1
	node, err = m.ProcessHeader(side)
	require.NoError(t, err)
	require.Equal(t, int32(1), node.Height())
	require.Equal(t, int32(5), m.Tip().Height())
}

// TestProcessHeaderContext ensures headers must be after the median time of
// their parents and carry a version the network still accepts.
func TestProcessHeaderContext(t *testing.T) {
	params := testParams("netsync-header-context")
	params.BIP0034Height = 1
	m := newTestManager(t, params)

	genesis := headerAfter(nil, 1, params.PowLimitBits)
	_, err := m.ProcessHeader(genesis)
	require.NoError(t, err)

	stale := headerAfter(genesis, 4, params.PowLimitBits)
	stale.Timestamp = genesis.Timestamp
	_, err = m.ProcessHeader(stale)
	requireRuleError(t, err, blockchain.ErrTimeTooOld)

	_, err = m.ProcessHeader(headerAfter(genesis, 1, params.PowLimitBits))
	requireRuleError(t, err, blockchain.ErrBlockVersionTooOld)

	node, err := m.ProcessHeader(headerAfter(genesis, 2, params.PowLimitBits))
	require.NoError(t, err)
	require.Equal(t, int32(1), node.Height())
}

// TestIsCurrent ensures the header chain is current once it carries the
// minimum chain work and its tip is less than a day old.
func TestIsCurrent(t *testing.T) {
	params := testParams("netsync-current")
	params.MinimumChainWork = new(big.Int).Mul(
		blockchain.CalcWork(params.PowLimitBits), big.NewInt(3))

	mock := clock.NewMock()
	mock.Set(time.Unix(testBaseTime, 0).Add(time.Hour))
	router := dandelion.New(&dandelion.Config{
		Params:   params,
		Notifier: nopNotifier{},
		Clock:    mock,
	})
	m, err := New(&Config{ChainParams: params, Router: router, Clock: mock})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { m.Stop() })

	require.False(t, m.IsCurrent())

	var prev *wire.BlockHeader
	for i := 0; i < 3; i++ {
		require.False(t, m.IsCurrent(), "header %d", i)
		header := headerAfter(prev, 4, params.PowLimitBits)
		_, err := m.ProcessHeader(header)
		require.NoError(t, err)
		prev = header
	}
	require.True(t, m.IsCurrent())

	// The tip gets too old.
	mock.Set(prev.Timestamp.Add(24*time.Hour + time.Second))
	require.False(t, m.IsCurrent())

	require.NoError(t, m.Stop())
	require.False(t, m.IsCurrent())
}

// TestDeploymentActivation ensures signalling headers move a deployment to
// active.
func TestDeploymentActivation(t *testing.T) {
	params := testParams("netsync-deployments")
	m := newTestManager(t, params)

	csvBit := params.Deployments[chaincfg.DeploymentCSV].BitNumber
	version := int32(0x20000000 | (1 << csvBit))

	var prev *wire.BlockHeader
	for i := 0; i < 16; i++ {
		header := headerAfter(prev, version, params.PowLimitBits)
		_, err := m.ProcessHeader(header)
		require.NoError(t, err)
		prev = header
	}

	state, err := m.DeploymentState(chaincfg.DeploymentCSV)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdActive, state)

	state, err = m.DeploymentState(chaincfg.DeploymentSegwit)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdStarted, state)
}

// TestProcessTransaction ensures Sigma spends are limited per block and
// accepted transactions are routed.
func TestProcessTransaction(t *testing.T) {
	params := testParams("netsync-transactions")
	m := newTestManager(t, params)
	m.NewPeer(1, true)

	genesis := headerAfter(nil, 4, params.PowLimitBits)
	_, err := m.ProcessHeader(genesis)
	require.NoError(t, err)

	spend := func(i int, inputs uint32) *TxDesc {
		return &TxDesc{
			Hash: chainhash.DoubleHashH([]byte{byte(i)}),
			From: dandelion.LocalPeer,
			Spend: &sigma.Spend{
				Scheme: sigma.SchemeSigma,
				Op:     sigma.OpSpend,
				Inputs: inputs,
				Value:  btcutil.Amount(inputs) * btcutil.SatoshiPerBitcoin,
			},
		}
	}

	decision, err := m.ProcessTransaction(spend(1, 30))
	require.NoError(t, err)
	require.Equal(t, dandelion.ActionStem, decision.Action)
	require.Equal(t, dandelion.PeerID(1), decision.Destination)

	// The second spend would exceed the input limit of the block.
	_, err = m.ProcessTransaction(spend(2, 30))
	var sErr sigma.RuleError
	require.True(t, errors.As(err, &sErr), "unexpected error %v", err)
	require.Equal(t, sigma.ErrSpendLimitExceeded, sErr.ErrorCode)

	// A transaction without a privacy operation is only routed.
	decision, err = m.ProcessTransaction(&TxDesc{
		Hash: chainhash.DoubleHashH([]byte("plain")),
		From: dandelion.LocalPeer,
	})
	require.NoError(t, err)
	require.Equal(t, dandelion.ActionStem, decision.Action)

	// A new best header starts a new block.
	_, err = m.ProcessHeader(headerAfter(genesis, 4, params.PowLimitBits))
	require.NoError(t, err)
	_, err = m.ProcessTransaction(spend(2, 30))
	require.NoError(t, err)

	// The stem transaction is fluffed by a peer.
	hash := chainhash.DoubleHashH([]byte{byte(2)})
	require.True(t, m.ProcessFluffedTransaction(&hash))
	require.False(t, m.ProcessFluffedTransaction(&hash))
}

// TestRepeatedAnnouncement ensures a transaction announced again by other
// peers is ignored without being charged against the block limits again.
func TestRepeatedAnnouncement(t *testing.T) {
	params := testParams("netsync-repeated")
	m := newTestManager(t, params)
	m.NewPeer(1, true)

	genesis := headerAfter(nil, 4, params.PowLimitBits)
	_, err := m.ProcessHeader(genesis)
	require.NoError(t, err)

	spend := func(name string) *TxDesc {
		return &TxDesc{
			Hash: chainhash.DoubleHashH([]byte(name)),
			From: dandelion.LocalPeer,
			Spend: &sigma.Spend{
				Scheme: sigma.SchemeSigma,
				Op:     sigma.OpSpend,
				Inputs: 20,
				Value:  20 * btcutil.SatoshiPerBitcoin,
			},
		}
	}

	tx := spend("repeated")
	for peer := dandelion.PeerID(2); peer <= 4; peer++ {
		tx.From = peer
		decision, err := m.ProcessTransaction(tx)
		require.NoError(t, err)
		if peer == 2 {
			require.Equal(t, dandelion.ActionStem, decision.Action)
			continue
		}
		require.Equal(t, dandelion.ActionIgnore, decision.Action)
	}

	// Only the first announcement counts, so another spend still fits.
	decision, err := m.ProcessTransaction(spend("distinct"))
	require.NoError(t, err)
	require.Equal(t, dandelion.ActionStem, decision.Action)

	// The caller's spend is left as it was.
	require.Equal(t, chainhash.Hash{}, tx.Spend.TxHash)
}

// TestStop ensures requests after shutdown are refused.
func TestStop(t *testing.T) {
	params := testParams("netsync-stop")
	m := newTestManager(t, params)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	_, err := m.ProcessHeader(headerAfter(nil, 4, params.PowLimitBits))
	require.ErrorIs(t, err, ErrShuttingDown)
	_, err = m.ProcessTransaction(&TxDesc{})
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Nil(t, m.Tip())
}

// TestNewRequiresConfig ensures the manager refuses incomplete configs.
func TestNewRequiresConfig(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
	_, err = New(&Config{ChainParams: testParams("netsync-config")})
	require.Error(t, err)
}
