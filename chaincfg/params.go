// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2016-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// These variables are the chain proof-of-work limit parameters for each default
// network.
var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// mainPowLimit is the highest proof of work value a Zcoin block can
	// have for the main network.  It is the value 2^248 - 1.
	mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 248), bigOne)

	// testNetPowLimit is the highest proof of work value a Zcoin block
	// can have for the test network.  It is the value 2^248 - 1.
	testNetPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 248), bigOne)

	// regressionPowLimit is the highest proof of work value a Zcoin block
	// can have for the regression test network.  It is the value 2^255 - 1.
	regressionPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)
)

// Network magics for the default networks.  The message start bytes are
// interpreted as a little endian uint32 the same way wire.BitcoinNet is.
const (
	// MainNet represents the main Zcoin network.
	MainNet wire.BitcoinNet = 0xf1fed9e3

	// TestNet represents the Zcoin test network.
	TestNet wire.BitcoinNet = 0xeabefccf

	// RegTest represents the regression test network.
	RegTest wire.BitcoinNet = 0xdab5bffa
)

var (
	// ErrDuplicateNet describes an error where the parameters for a Zcoin
	// network could not be set due to the network already being a standard
	// network or previously-registered into this package.
	ErrDuplicateNet = errors.New("duplicate Zcoin network")

	// ErrUnknownNet describes an error where the parameters for a network
	// were requested by a name that is not registered.
	ErrUnknownNet = errors.New("unknown Zcoin network")
)

// ConsensusDeployment defines details related to a specific consensus rule
// change that is voted in.  This is part of BIP0009.
type ConsensusDeployment struct {
	// BitNumber defines the specific bit number within the block version
	// this particular soft-fork deployment refers to.
	BitNumber uint8

	// StartTime is the median block time after which voting on the
	// deployment starts.  Zero means the deployment has always started.
	StartTime uint64

	// ExpireTime is the median block time after which the attempted
	// deployment expires.  Zero means the deployment never expires.
	ExpireTime uint64
}

// DeploymentID identifies a consensus rule change that is voted in through
// the version bits of block headers.  The set of identifiers is closed; every
// per-network table is an array of DefinedDeployments entries indexed by it.
type DeploymentID uint8

// Constants that define the deployment offset in the deployments field of the
// parameters for each deployment.  This is useful to be able to get the details
// of a specific deployment by name.
const (
	// DeploymentTestDummy defines the rule change deployment ID for testing
	// purposes.
	DeploymentTestDummy DeploymentID = iota

	// DeploymentCSV defines the rule change deployment ID for the CSV
	// soft-fork package. The CSV package includes the deployment of BIPS
	// 68, 112, and 113.
	DeploymentCSV

	// DeploymentSegwit defines the rule change deployment ID for the
	// Segregated Witness (segwit) soft-fork package. The segwit package
	// includes the deployment of BIPS 141, 143 and 147.
	DeploymentSegwit

	// DeploymentMTP defines the rule change deployment ID for the switch
	// of the proof of work algorithm to Merkle Tree Proof.
	DeploymentMTP

	// NOTE: DefinedDeployments must always come last since it is used to
	// determine how many defined deployments there currently are.

	// DefinedDeployments is the number of currently defined deployments.
	DefinedDeployments
)

// deploymentNames maps each deployment ID to a human-readable name.
var deploymentNames = [DefinedDeployments]string{
	DeploymentTestDummy: "testdummy",
	DeploymentCSV:       "csv",
	DeploymentSegwit:    "segwit",
	DeploymentMTP:       "mtp",
}

// String returns the DeploymentID as a human-readable name.
func (d DeploymentID) String() string {
	if d < DefinedDeployments {
		return deploymentNames[d]
	}
	return "unknown"
}

// DandelionParams groups the parameters of the Dandelion transaction relay.
type DandelionParams struct {
	// EmbargoMinimum is the minimum amount of time a transaction stays in
	// the stem phase before it is forcibly fluffed.
	EmbargoMinimum time.Duration

	// EmbargoAvgAdd is the average additional embargo time beyond the
	// minimum.
	EmbargoAvgAdd time.Duration

	// MaxDestinations is the maximum number of outbound peers designated
	// as stem destinations.
	MaxDestinations uint32

	// ShuffleInterval is the time between rebuilds of the stem routes.
	ShuffleInterval time.Duration

	// FluffPercent is the probability, in percent, that a transaction
	// enters the fluff phase on first sight.
	FluffPercent uint32
}

// SigmaParams groups the parameters of the Sigma anonymous spend scheme and
// its migration from Zerocoin V2.
type SigmaParams struct {
	// StartBlock is the block height from which Sigma mints and spends are
	// accepted.
	StartBlock int32

	// ZerocoinV2MintMempoolGracefulPeriod is the number of blocks after
	// StartBlock during which Zerocoin V2 mints are still accepted into
	// the mempool.
	ZerocoinV2MintMempoolGracefulPeriod int32

	// ZerocoinV2MintGracefulPeriod is the number of blocks after
	// StartBlock during which Zerocoin V2 mints are still accepted into
	// newly mined blocks.
	ZerocoinV2MintGracefulPeriod int32

	// ZerocoinV2SpendMempoolGracefulPeriod is the number of blocks after
	// StartBlock during which Zerocoin V2 spends are still accepted into
	// the mempool.
	ZerocoinV2SpendMempoolGracefulPeriod int32

	// ZerocoinV2SpendGracefulPeriod is the number of blocks after
	// StartBlock during which Zerocoin V2 spends are still accepted into
	// newly mined blocks.
	ZerocoinV2SpendGracefulPeriod int32

	// MaxInputPerBlock is the maximum number of Sigma spend inputs in a
	// block.
	MaxInputPerBlock uint32

	// MaxValueSpendPerBlock is the maximum total value spent through Sigma
	// in a block.
	MaxValueSpendPerBlock btcutil.Amount

	// MaxInputPerTransaction is the maximum number of Sigma spend inputs
	// in a transaction.
	MaxInputPerTransaction uint32

	// MaxValueSpendPerTransaction is the maximum value spent through Sigma
	// in a transaction.
	MaxValueSpendPerTransaction btcutil.Amount

	// ZerocoinToSigmaRemintWindowSize is the number of blocks after
	// StartBlock during which Zerocoin to Sigma remint transactions are
	// allowed.
	ZerocoinToSigmaRemintWindowSize int32

	// DisableZerocoinStartBlock is the height at which Zerocoin is
	// disabled on the consensus level.  Zero means never.
	DisableZerocoinStartBlock int32

	// ModulusV2StartBlock is the height from which Zerocoin mints must use
	// the second accumulator modulus.  Spends of coins minted under the
	// first modulus remain valid until the stop blocks below.
	ModulusV2StartBlock int32

	// ModulusV1MempoolStopBlock is the height from which Zerocoin spends
	// of first modulus coins are no longer accepted into the mempool.
	ModulusV1MempoolStopBlock int32

	// ModulusV1StopBlock is the height from which Zerocoin spends of first
	// modulus coins are no longer accepted into blocks.
	ModulusV1StopBlock int32

	// MultipleSpendInputsInOneTxStartBlock is the height from which a
	// single transaction may carry more than one spend input.
	MultipleSpendInputsInOneTxStartBlock int32

	// DontAllowDupTxsStartBlock is the height from which a block may not
	// carry the same spend transaction twice.
	DontAllowDupTxsStartBlock int32
}

// Params defines a Zcoin network by its parameters.  These parameters may be
// used by Zcoin applications to differentiate networks as well as the
// consensus rules in effect on each of them.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net wire.BitcoinNet

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// GenesisHash is the starting block hash.
	GenesisHash *chainhash.Hash

	// SubsidyHalvingFirst is the height of the first subsidy halving.
	// Subsequent halvings happen every SubsidyHalvingInterval blocks and
	// no subsidy is paid at or after SubsidyHalvingStopBlock.
	SubsidyHalvingFirst     int32
	SubsidyHalvingInterval  int32
	SubsidyHalvingStopBlock int32

	// These fields are used to check majorities for block version
	// upgrades.
	MajorityEnforceBlockUpgrade int32
	MajorityRejectBlockOutdated int32
	MajorityWindow              int32

	// BIP0034Height and BIP0034Hash identify the block at which BIP0034
	// became active.
	BIP0034Height int32
	BIP0034Hash   *chainhash.Hash

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// PoWNoRetargeting defines whether the network has difficulty
	// retargeting disabled.
	PoWNoRetargeting bool

	// TargetTimespan is the desired amount of time that should elapse
	// before the block difficulty requirement is examined to determine how
	// it should be changed in order to maintain the desired block
	// generation rate.
	TargetTimespan time.Duration

	// TargetTimePerBlock is the desired amount of time to generate each
	// block before the switch to MTP.
	TargetTimePerBlock time.Duration

	// TargetTimePerBlockMTP is the desired amount of time to generate each
	// block once MTP is in effect and MTPFiveMinutesStartBlock has been
	// reached.
	TargetTimePerBlockMTP time.Duration

	// RetargetAdjustmentFactor is the adjustment factor used to limit
	// the minimum and maximum amount of adjustment that can occur between
	// difficulty retargets.
	RetargetAdjustmentFactor int64

	// ReduceMinDifficulty defines whether the network should reduce the
	// minimum required difficulty after a long enough period of time has
	// passed without finding a block.  This is really only useful for test
	// networks and should not be set on a main network.
	ReduceMinDifficulty bool

	// MTPSwitchTime is the block time at and after which blocks are mined
	// with MTP.
	MTPSwitchTime time.Time

	// MTPFiveMinutesStartBlock is the height from which MTP blocks use
	// TargetTimePerBlockMTP.
	MTPFiveMinutesStartBlock int32

	// InitialMTPDifficulty is the difficulty of the first MTP block.
	InitialMTPDifficulty uint32

	// MTPRewardReduction is the divisor applied to the block subsidy of
	// MTP blocks.
	MTPRewardReduction int64

	// DifficultyAdjustStartBlock is the height before which FixedDifficulty
	// is required instead of the retargeted difficulty.
	DifficultyAdjustStartBlock int32
	FixedDifficulty            uint32

	// MinimumChainWork is the amount of work below which a chain is not
	// considered synced.
	MinimumChainWork *big.Int

	// These fields are related to voting on consensus rule changes as
	// defined by BIP0009.
	//
	// RuleChangeActivationThreshold is the number of blocks in a threshold
	// state retarget window for which a positive vote for a rule change
	// must be cast in order to lock in a rule change. It should typically
	// be 95% for the main network and 75% for test networks.
	//
	// MinerConfirmationWindow is the number of blocks in each threshold
	// state retarget window.
	//
	// Deployments define the specific consensus rule changes to be voted
	// on.
	RuleChangeActivationThreshold uint32
	MinerConfirmationWindow       uint32
	Deployments                   [DefinedDeployments]ConsensusDeployment

	// Dandelion defines the transaction relay parameters.
	Dandelion DandelionParams

	// Sigma defines the anonymous spend limits and migration windows.
	Sigma SigmaParams
}

// DifficultyAdjustmentInterval returns the number of blocks between
// difficulty retargets for the requested regime.
func (p *Params) DifficultyAdjustmentInterval(mtp bool) int32 {
	spacing := p.TargetTimePerBlock
	if mtp {
		spacing = p.TargetTimePerBlockMTP
	}
	return int32(p.TargetTimespan / spacing)
}

// IsMTPTime returns whether a block with the passed timestamp is mined under
// the MTP rules.  The switch time itself is already MTP.
func (p *Params) IsMTPTime(t time.Time) bool {
	return !t.Before(p.MTPSwitchTime)
}

// MainNetParams defines the network parameters for the main Zcoin network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         MainNet,
	DefaultPort: "8168",
	GenesisHash: newHashFromStr("4381deb85b1b2c9843c222944b616d997516dcbd6a964e1eaf0def0830695233"),

	// Subsidy and upgrade majorities.
	SubsidyHalvingFirst:         302438,
	SubsidyHalvingInterval:      420000,
	SubsidyHalvingStopBlock:     3646849,
	MajorityEnforceBlockUpgrade: 750,
	MajorityRejectBlockOutdated: 950,
	MajorityWindow:              1000,
	BIP0034Height:               227931,
	BIP0034Hash:                 newHashFromStr("000000000000024b89b42a942fe0d9fea3bb44ab7bd1b19115dd6a759c0808b8"),

	// Proof of work.
	PowLimit:                   mainPowLimit,
	PowLimitBits:               0x2000ffff,
	PoWNoRetargeting:           false,
	TargetTimespan:             time.Hour,        // 1 hour
	TargetTimePerBlock:         time.Minute * 10, // 10 minutes
	TargetTimePerBlockMTP:      time.Minute * 5,  // 5 minutes
	RetargetAdjustmentFactor:   4,                // 25% less, 400% more
	ReduceMinDifficulty:        false,
	MTPSwitchTime:              time.Unix(1544443200, 0), // December 10, 2018 12:00 UTC
	MTPFiveMinutesStartBlock:   0,
	InitialMTPDifficulty:       0x1c021e57,
	MTPRewardReduction:         2,
	DifficultyAdjustStartBlock: 0,
	FixedDifficulty:            0x2000ffff,
	MinimumChainWork:           hexToBig("0000000000000000000000000000000000000000000000000708f98bf623f02e"),

	// Consensus rule change deployments.
	//
	// The miner confirmation window is defined as:
	//   target proof of work timespan / target proof of work spacing
	RuleChangeActivationThreshold: 1916, // 95% of MinerConfirmationWindow
	MinerConfirmationWindow:       2016,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			BitNumber:  28,
			StartTime:  1199145601, // January 1, 2008 UTC
			ExpireTime: 1230767999, // December 31, 2008 UTC
		},
		DeploymentCSV: {
			BitNumber:  0,
			StartTime:  1485785078, // January 30, 2017 UTC
			ExpireTime: 1517321078, // January 30, 2018 UTC
		},
		DeploymentSegwit: {
			BitNumber:  1,
			StartTime:  1485785078, // January 30, 2017 UTC
			ExpireTime: 1517321078, // January 30, 2018 UTC
		},
		DeploymentMTP: {
			BitNumber:  12,
			StartTime:  1539172800, // October 10, 2018 12:00 UTC
			ExpireTime: 1539172800 + 60*60*24*60,
		},
	},

	Dandelion: DandelionParams{
		EmbargoMinimum:  time.Second * 10,
		EmbargoAvgAdd:   time.Second * 20,
		MaxDestinations: 2,
		ShuffleInterval: time.Minute * 10,
		FluffPercent:    10,
	},

	Sigma: SigmaParams{
		StartBlock:                           184200,
		ZerocoinV2MintMempoolGracefulPeriod:  10,
		ZerocoinV2MintGracefulPeriod:         5,
		ZerocoinV2SpendMempoolGracefulPeriod: 30,
		ZerocoinV2SpendGracefulPeriod:        20,
		MaxInputPerBlock:                     50,
		MaxValueSpendPerBlock:                500 * btcutil.SatoshiPerBitcoin,
		MaxInputPerTransaction:               35,
		MaxValueSpendPerTransaction:          500 * btcutil.SatoshiPerBitcoin,
		ZerocoinToSigmaRemintWindowSize:      50000,
		DisableZerocoinStartBlock:            0,
		ModulusV2StartBlock:                  89300,
		ModulusV1MempoolStopBlock:            89500,
		ModulusV1StopBlock:                   89800,
		MultipleSpendInputsInOneTxStartBlock: 156500,
		DontAllowDupTxsStartBlock:            119700,
	},
}

// TestNetParams defines the network parameters for the Zcoin test network.
var TestNetParams = Params{
	Name:        "testnet",
	Net:         TestNet,
	DefaultPort: "18168",
	GenesisHash: newHashFromStr("aa22adcc12becaf436027ffe62a8fb21b234c58c23865291e5dc52cf53f64fca"),

	// Subsidy and upgrade majorities.
	SubsidyHalvingFirst:         302438,
	SubsidyHalvingInterval:      420000,
	SubsidyHalvingStopBlock:     3646849,
	MajorityEnforceBlockUpgrade: 51,
	MajorityRejectBlockOutdated: 75,
	MajorityWindow:              100,
	BIP0034Height:               21111,
	BIP0034Hash:                 newHashFromStr("0000000023b3a96d3484e5abb3755c413e7d41500f8e2a5c3f0dd01299cd8ef8"),

	// Proof of work.
	PowLimit:                   testNetPowLimit,
	PowLimitBits:               0x2000ffff,
	PoWNoRetargeting:           false,
	TargetTimespan:             time.Hour,
	TargetTimePerBlock:         time.Minute * 10,
	TargetTimePerBlockMTP:      time.Minute * 5,
	RetargetAdjustmentFactor:   4,
	ReduceMinDifficulty:        true,
	MTPSwitchTime:              time.Unix(1539172800, 0), // October 10, 2018 12:00 UTC
	MTPFiveMinutesStartBlock:   30000,
	InitialMTPDifficulty:       0x2000ffff,
	MTPRewardReduction:         2,
	DifficultyAdjustStartBlock: 100,
	FixedDifficulty:            0x2000ffff,
	MinimumChainWork:           hexToBig("0000000000000000000000000000000000000000000000000000000000000000"),

	RuleChangeActivationThreshold: 1512, // 75% of MinerConfirmationWindow
	MinerConfirmationWindow:       2016,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			BitNumber:  28,
			StartTime:  1199145601, // January 1, 2008 UTC
			ExpireTime: 1230767999, // December 31, 2008 UTC
		},
		DeploymentCSV: {
			BitNumber:  0,
			StartTime:  1456790400, // March 1st, 2016
			ExpireTime: 1493596800, // May 1st, 2017
		},
		DeploymentSegwit: {
			BitNumber:  1,
			StartTime:  1462060800, // May 1st 2016
			ExpireTime: 1493596800, // May 1st 2017
		},
		DeploymentMTP: {
			BitNumber:  12,
			StartTime:  1533924000, // August 10, 2018 18:00 UTC
			ExpireTime: 1533924000 + 60*60*24*60,
		},
	},

	Dandelion: DandelionParams{
		EmbargoMinimum:  time.Second * 10,
		EmbargoAvgAdd:   time.Second * 20,
		MaxDestinations: 2,
		ShuffleInterval: time.Minute * 10,
		FluffPercent:    10,
	},

	Sigma: SigmaParams{
		StartBlock:                           50000,
		ZerocoinV2MintMempoolGracefulPeriod:  5,
		ZerocoinV2MintGracefulPeriod:         2,
		ZerocoinV2SpendMempoolGracefulPeriod: 15,
		ZerocoinV2SpendGracefulPeriod:        10,
		MaxInputPerBlock:                     100,
		MaxValueSpendPerBlock:                1000 * btcutil.SatoshiPerBitcoin,
		MaxInputPerTransaction:               50,
		MaxValueSpendPerTransaction:          1000 * btcutil.SatoshiPerBitcoin,
		ZerocoinToSigmaRemintWindowSize:      10000,
		DisableZerocoinStartBlock:            0,
		ModulusV2StartBlock:                  1,
		ModulusV1MempoolStopBlock:            5000,
		ModulusV1StopBlock:                   7500,
		MultipleSpendInputsInOneTxStartBlock: 1,
		DontAllowDupTxsStartBlock:            18825,
	},
}

// RegressionNetParams defines the network parameters for the regression test
// Zcoin network.
var RegressionNetParams = Params{
	Name:        "regtest",
	Net:         RegTest,
	DefaultPort: "18444",
	GenesisHash: newHashFromStr("0080c7bf30bb2579ed9c93213475bf8fafc1f53807da908cde19cf405b9eb55b"),

	// Subsidy and upgrade majorities.
	SubsidyHalvingFirst:         150,
	SubsidyHalvingInterval:      150,
	SubsidyHalvingStopBlock:     1000,
	MajorityEnforceBlockUpgrade: 750,
	MajorityRejectBlockOutdated: 950,
	MajorityWindow:              1000,
	BIP0034Height:               100000000, // Not active - Permit ver 1 blocks
	BIP0034Hash:                 &chainhash.Hash{},

	// Proof of work.
	PowLimit:                   regressionPowLimit,
	PowLimitBits:               0x207fffff,
	PoWNoRetargeting:           true,
	TargetTimespan:             time.Hour,
	TargetTimePerBlock:         time.Minute * 10,
	TargetTimePerBlockMTP:      time.Minute * 5,
	RetargetAdjustmentFactor:   4,
	ReduceMinDifficulty:        true,
	MTPSwitchTime:              time.Unix(0x7fffffff, 0), // Far future
	MTPFiveMinutesStartBlock:   0,
	InitialMTPDifficulty:       0x207fffff,
	MTPRewardReduction:         2,
	DifficultyAdjustStartBlock: 0,
	FixedDifficulty:            0x207fffff,
	MinimumChainWork:           new(big.Int),

	RuleChangeActivationThreshold: 108, // 75% of MinerConfirmationWindow
	MinerConfirmationWindow:       144,
	Deployments: [DefinedDeployments]ConsensusDeployment{
		DeploymentTestDummy: {
			BitNumber:  28,
			StartTime:  0, // Always available for vote
			ExpireTime: 0, // Never expires
		},
		DeploymentCSV: {
			BitNumber:  0,
			StartTime:  0,
			ExpireTime: 0,
		},
		DeploymentSegwit: {
			BitNumber:  1,
			StartTime:  0,
			ExpireTime: 0,
		},
		DeploymentMTP: {
			BitNumber:  12,
			StartTime:  0,
			ExpireTime: 0,
		},
	},

	Dandelion: DandelionParams{
		EmbargoMinimum:  0,
		EmbargoAvgAdd:   time.Second,
		MaxDestinations: 1,
		ShuffleInterval: time.Minute * 10,
		FluffPercent:    10,
	},

	Sigma: SigmaParams{
		StartBlock:                           400,
		ZerocoinV2MintMempoolGracefulPeriod:  2,
		ZerocoinV2MintGracefulPeriod:         1,
		ZerocoinV2SpendMempoolGracefulPeriod: 10,
		ZerocoinV2SpendGracefulPeriod:        5,
		MaxInputPerBlock:                     50,
		MaxValueSpendPerBlock:                500 * btcutil.SatoshiPerBitcoin,
		MaxInputPerTransaction:               35,
		MaxValueSpendPerTransaction:          500 * btcutil.SatoshiPerBitcoin,
		ZerocoinToSigmaRemintWindowSize:      1000,
		DisableZerocoinStartBlock:            0,
		ModulusV2StartBlock:                  130,
		ModulusV1MempoolStopBlock:            135,
		ModulusV1StopBlock:                   140,
		MultipleSpendInputsInOneTxStartBlock: 1,
		DontAllowDupTxsStartBlock:            1,
	},
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in that
// it panics on an error since it will only (and must only) be called with
// hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		panic(err)
	}
	return hash
}

// hexToBig converts the passed big-endian hex string into a big.Int.  It
// panics on an error for the same reasons as newHashFromStr.
func hexToBig(hexStr string) *big.Int {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic("invalid hex in source file: " + hexStr)
	}
	return n
}
