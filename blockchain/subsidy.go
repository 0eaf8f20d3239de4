// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// baseSubsidy is the starting subsidy amount for mined blocks.  This value is
// halved at the first halving height and every halving interval after it.
const baseSubsidy = 50 * btcutil.SatoshiPerBitcoin

// CalcBlockSubsidy returns the subsidy amount a block at the provided height
// should have.  The genesis block pays nothing, the subsidy is halved at
// SubsidyHalvingFirst and then every SubsidyHalvingInterval blocks, no
// subsidy is paid at or after SubsidyHalvingStopBlock, and blocks mined under
// MTP receive the subsidy divided by MTPRewardReduction.
func CalcBlockSubsidy(height int32, mtp bool, params *chaincfg.Params) int64 {
	if height == 0 {
		return 0
	}
	if params.SubsidyHalvingStopBlock > 0 &&
		height >= params.SubsidyHalvingStopBlock {

		return 0
	}

	var halvings int32
	if height >= params.SubsidyHalvingFirst {
		halvings = 1
		if params.SubsidyHalvingInterval > 0 {
			halvings += (height - params.SubsidyHalvingFirst) /
				params.SubsidyHalvingInterval
		}
	}

	// Force block reward to zero when right shift is undefined.
	if halvings >= 64 {
		return 0
	}

	subsidy := int64(baseSubsidy) >> uint(halvings)
	if mtp {
		subsidy /= params.MTPRewardReduction
	}
	return subsidy
}
