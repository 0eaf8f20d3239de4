// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"
	"time"

	btcchain "github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// HashToBig converts a chainhash.Hash into a big.Int that can be used to
// perform math comparisons.
func HashToBig(hash *chainhash.Hash) *big.Int {
	return btcchain.HashToBig(hash)
}

// CompactToBig converts a compact representation of a whole number N to an
// unsigned 32-bit number.  The representation is similar to IEEE754 floating
// point numbers.
//
// Like IEEE754 floating point, there are three basic components: the sign,
// the exponent, and the mantissa.  They are broken out as follows:
//
// - the most significant 8 bits represent the unsigned base 256 exponent
// - bit 23 (the 24th bit) represents the sign bit
// - the least significant 23 bits represent the mantissa
//
//	-------------------------------------------------
//	|   Exponent     |    Sign    |    Mantissa     |
//	-------------------------------------------------
//	| 8 bits [31-24] | 1 bit [23] | 23 bits [22-00] |
//	-------------------------------------------------
//
// The formula to calculate N is:
//
//	N = (-1^sign) * mantissa * 256^(exponent-3)
func CompactToBig(compact uint32) *big.Int {
	return btcchain.CompactToBig(compact)
}

// BigToCompact converts a whole number N to a compact representation using
// an unsigned 32-bit number.  The compact representation only provides 23 bits
// of precision, so values larger than (2^23 - 1) only encode the most
// significant digits of the number.  See CompactToBig for details.
func BigToCompact(n *big.Int) uint32 {
	return btcchain.BigToCompact(n)
}

// CalcWork calculates a work value from difficulty bits.  The difficulty
// target is stored in each block header using a compact representation as
// described in the documentation for CompactToBig.  The main chain is
// selected by choosing the chain that has the most proof of work
// (highest difficulty).  Since a lower target difficulty value equates to
// higher actual difficulty, the work value which will be accumulated must be
// the inverse of the difficulty.
func CalcWork(bits uint32) *big.Int {
	return btcchain.CalcWork(bits)
}

// Retargeter computes the required difficulty of the next block of a header
// chain.  It covers both the pre-MTP and the MTP regime along with the
// fixed-difficulty, no-retarget and minimum-difficulty network overrides.
//
// A Retargeter holds no mutable state and is safe for concurrent access.
type Retargeter struct {
	params *chaincfg.Params

	minRetargetTimespan int64 // target timespan / adjustment factor
	maxRetargetTimespan int64 // target timespan * adjustment factor
}

// NewRetargeter returns a retargeter for the passed network parameters.
func NewRetargeter(params *chaincfg.Params) *Retargeter {
	targetTimespan := int64(params.TargetTimespan / time.Second)
	adjustmentFactor := params.RetargetAdjustmentFactor
	return &Retargeter{
		params:              params,
		minRetargetTimespan: targetTimespan / adjustmentFactor,
		maxRetargetTimespan: targetTimespan * adjustmentFactor,
	}
}

// targetSpacing returns the desired time between blocks for a block at the
// passed height in the given regime.
func (r *Retargeter) targetSpacing(height int32, mtp bool) time.Duration {
	if mtp && height >= r.params.MTPFiveMinutesStartBlock {
		return r.params.TargetTimePerBlockMTP
	}
	return r.params.TargetTimePerBlock
}

// nodeSpacing returns the desired time between blocks that applied when the
// passed node was mined.
func (r *Retargeter) nodeSpacing(node HeaderCtx) time.Duration {
	mtp := r.params.IsMTPTime(time.Unix(node.Timestamp(), 0))
	return r.targetSpacing(node.Height(), mtp)
}

// findPrevTestNetDifficulty returns the difficulty of the previous block which
// did not have the special testnet minimum difficulty rule applied.
func (r *Retargeter) findPrevTestNetDifficulty(startNode HeaderCtx,
	blocksPerRetarget int32) uint32 {

	// Search backwards through the chain for the last block without
	// the special rule applied.
	iterNode := startNode
	for iterNode != nil && iterNode.Height()%blocksPerRetarget != 0 &&
		iterNode.Bits() == r.params.PowLimitBits {

		iterNode = iterNode.Parent()
	}

	// Return the found difficulty or the minimum difficulty if no
	// appropriate block was found.
	lastBits := r.params.PowLimitBits
	if iterNode != nil {
		lastBits = iterNode.Bits()
	}
	return lastBits
}

// NextRequiredDifficulty calculates the required difficulty for the block
// after the passed previous HeaderCtx based on the difficulty retarget rules.
// The new block time selects the regime of the new block.
//
// This function is safe for concurrent access.
func (r *Retargeter) NextRequiredDifficulty(lastNode HeaderCtx,
	newBlockTime time.Time) (uint32, error) {

	params := r.params

	// Genesis block.
	if lastNode == nil {
		return params.PowLimitBits, nil
	}

	// Networks without retargeting keep the difficulty of the previous
	// block forever.
	if params.PoWNoRetargeting {
		return lastNode.Bits(), nil
	}

	height := lastNode.Height() + 1
	if height < params.DifficultyAdjustStartBlock {
		return params.FixedDifficulty, nil
	}

	// The first block mined under MTP starts from a preset difficulty
	// since the work of the previous hash function is not comparable.
	mtp := params.IsMTPTime(newBlockTime)
	if mtp && !params.IsMTPTime(time.Unix(lastNode.Timestamp(), 0)) {
		log.Infof("First MTP block at height %d, using initial MTP "+
			"difficulty %08x", height, params.InitialMTPDifficulty)
		return params.InitialMTPDifficulty, nil
	}

	spacing := r.targetSpacing(height, mtp)
	blocksPerRetarget := int32(params.TargetTimespan / spacing)

	// Return the previous block's difficulty requirements if this block
	// is not at a difficulty retarget interval.
	if height%blocksPerRetarget != 0 {
		// For networks that support it, allow special reduction of the
		// required difficulty once too much time has elapsed without
		// mining a block.
		if params.ReduceMinDifficulty {
			// Return minimum difficulty when more than twice the
			// desired amount of time has elapsed without mining a
			// block.
			reductionTime := int64(2 * spacing / time.Second)
			allowMinTime := lastNode.Timestamp() + reductionTime
			if newBlockTime.Unix() > allowMinTime {
				return params.PowLimitBits, nil
			}

			// The block was mined within the desired timeframe, so
			// return the difficulty for the last block which did
			// not have the special minimum difficulty rule applied.
			return r.findPrevTestNetDifficulty(lastNode,
				blocksPerRetarget), nil
		}

		// For the main network (or any unrecognized networks), simply
		// return the previous block's difficulty requirements.
		return lastNode.Bits(), nil
	}

	// Get the block node at the previous retarget (targetTimespan worth
	// of blocks).
	firstNode := lastNode.RelativeAncestorCtx(blocksPerRetarget - 1)
	if firstNode == nil {
		return 0, AssertError("unable to obtain previous retarget block")
	}

	// A window that began under a different block spacing has no
	// meaningful timespan, so the difficulty carries over unchanged.
	if r.nodeSpacing(firstNode) != spacing {
		log.Debugf("Retarget window ending at height %d spans a change "+
			"of block spacing, keeping difficulty %08x",
			lastNode.Height(), lastNode.Bits())
		return lastNode.Bits(), nil
	}

	// Limit the amount of adjustment that can occur to the previous
	// difficulty.
	actualTimespan := lastNode.Timestamp() - firstNode.Timestamp()
	adjustedTimespan := actualTimespan
	if actualTimespan < r.minRetargetTimespan {
		adjustedTimespan = r.minRetargetTimespan
	} else if actualTimespan > r.maxRetargetTimespan {
		adjustedTimespan = r.maxRetargetTimespan
	}

	// Calculate new target difficulty as:
	//  currentDifficulty * (adjustedTimespan / targetTimespan)
	// The result uses integer division which means it will be slightly
	// rounded down.
	oldTarget := CompactToBig(lastNode.Bits())
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(adjustedTimespan))
	targetTimeSpan := int64(params.TargetTimespan / time.Second)
	newTarget.Div(newTarget, big.NewInt(targetTimeSpan))

	// Limit new value to the proof of work limit.
	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget.Set(params.PowLimit)
	}

	// Log new target difficulty and return it.  The new target logging is
	// intentionally converting the bits back to a number instead of using
	// newTarget since conversion to the compact representation loses
	// precision.
	newTargetBits := BigToCompact(newTarget)
	log.Debugf("Difficulty retarget at block height %d", height)
	log.Debugf("Old target %08x (%064x)", lastNode.Bits(), oldTarget)
	log.Debugf("New target %08x (%064x)", newTargetBits,
		CompactToBig(newTargetBits))
	log.Debugf("Actual timespan %v, adjusted timespan %v, target timespan %v",
		time.Duration(actualTimespan)*time.Second,
		time.Duration(adjustedTimespan)*time.Second,
		params.TargetTimespan)

	return newTargetBits, nil
}

// CheckHeaderDifficulty ensures the bits of the passed header match the
// difficulty required for a block built on lastNode.  A mismatch is reported
// as a RuleError with ErrUnexpectedDifficulty and is never corrected.
//
// This function is safe for concurrent access.
func (r *Retargeter) CheckHeaderDifficulty(lastNode HeaderCtx,
	header *wire.BlockHeader) error {

	expectedBits, err := r.NextRequiredDifficulty(lastNode, header.Timestamp)
	if err != nil {
		return err
	}
	if header.Bits != expectedBits {
		str := fmt.Sprintf("block difficulty of %08x is not the "+
			"expected value of %08x", header.Bits, expectedBits)
		return ruleError(ErrUnexpectedDifficulty, str)
	}
	return nil
}
