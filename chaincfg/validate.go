// Copyright (c) 2016-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"errors"
	"fmt"
)

// VersionBitsNumBits is the number of version bits that can be assigned to
// deployments.  The three most significant bits of the version are reserved
// for the version bits top bits pattern.
const VersionBitsNumBits = 29

var (
	// ErrInvalidDeploymentConfig is returned by Validate when the
	// deployment table can't be interpreted unambiguously.
	ErrInvalidDeploymentConfig = errors.New("invalid deployment config")

	// ErrInvalidGracePeriod is returned by Validate when a mempool graceful
	// period is stricter than the matching block inclusion period.
	ErrInvalidGracePeriod = errors.New("invalid graceful period")

	// ErrInvalidDandelionConfig is returned by Validate when the Dandelion
	// parameters are out of range.
	ErrInvalidDandelionConfig = errors.New("invalid dandelion config")

	// ErrInvalidPowConfig is returned by Validate when the proof of work
	// parameters are out of range.
	ErrInvalidPowConfig = errors.New("invalid proof of work config")
)

// Validate checks the parameters for internal consistency.  It is meant to be
// called once when the parameters are loaded and any error is fatal.
func (p *Params) Validate() error {
	if err := p.validateDeployments(); err != nil {
		return err
	}
	if err := p.validatePow(); err != nil {
		return err
	}
	if err := p.validateDandelion(); err != nil {
		return err
	}
	return p.validateSigma()
}

func (p *Params) validateDeployments() error {
	if p.MinerConfirmationWindow == 0 {
		return fmt.Errorf("%w: miner confirmation window is zero",
			ErrInvalidDeploymentConfig)
	}
	if p.RuleChangeActivationThreshold == 0 ||
		p.RuleChangeActivationThreshold > p.MinerConfirmationWindow {

		return fmt.Errorf("%w: activation threshold %d not in [1, %d]",
			ErrInvalidDeploymentConfig, p.RuleChangeActivationThreshold,
			p.MinerConfirmationWindow)
	}

	var used [VersionBitsNumBits]bool
	var owner [VersionBitsNumBits]DeploymentID
	for id := DeploymentID(0); id < DefinedDeployments; id++ {
		deployment := &p.Deployments[id]
		if deployment.BitNumber >= VersionBitsNumBits {
			return fmt.Errorf("%w: deployment %v uses bit %d, "+
				"only bits 0-%d are assignable",
				ErrInvalidDeploymentConfig, id,
				deployment.BitNumber, VersionBitsNumBits-1)
		}
		if used[deployment.BitNumber] {
			return fmt.Errorf("%w: deployment %v reuses bit %d of "+
				"deployment %v", ErrInvalidDeploymentConfig, id,
				deployment.BitNumber, owner[deployment.BitNumber])
		}
		used[deployment.BitNumber] = true
		owner[deployment.BitNumber] = id

		if deployment.ExpireTime != 0 &&
			deployment.ExpireTime < deployment.StartTime {

			return fmt.Errorf("%w: deployment %v expires at %d "+
				"before it starts at %d", ErrInvalidDeploymentConfig,
				id, deployment.ExpireTime, deployment.StartTime)
		}
	}
	return nil
}

func (p *Params) validatePow() error {
	switch {
	case p.PowLimit == nil || p.PowLimit.Sign() <= 0:
		return fmt.Errorf("%w: missing proof of work limit",
			ErrInvalidPowConfig)
	case p.TargetTimePerBlock <= 0 || p.TargetTimePerBlockMTP <= 0:
		return fmt.Errorf("%w: target time per block must be positive",
			ErrInvalidPowConfig)
	case p.TargetTimespan < p.TargetTimePerBlock ||
		p.TargetTimespan < p.TargetTimePerBlockMTP:
		return fmt.Errorf("%w: target timespan %v shorter than the "+
			"block spacing", ErrInvalidPowConfig, p.TargetTimespan)
	case p.RetargetAdjustmentFactor <= 0:
		return fmt.Errorf("%w: retarget adjustment factor must be "+
			"positive", ErrInvalidPowConfig)
	case p.MTPRewardReduction <= 0:
		return fmt.Errorf("%w: MTP reward reduction must be positive",
			ErrInvalidPowConfig)
	}
	return nil
}

func (p *Params) validateDandelion() error {
	d := &p.Dandelion
	switch {
	case d.FluffPercent > 100:
		return fmt.Errorf("%w: fluff probability %d%% exceeds 100%%",
			ErrInvalidDandelionConfig, d.FluffPercent)
	case d.ShuffleInterval <= 0:
		return fmt.Errorf("%w: shuffle interval must be positive",
			ErrInvalidDandelionConfig)
	case d.EmbargoMinimum < 0 || d.EmbargoAvgAdd < 0:
		return fmt.Errorf("%w: embargo durations must not be negative",
			ErrInvalidDandelionConfig)
	}
	return nil
}

// validateSigma asserts that the mempool policy of the Zerocoin V2 migration
// is never stricter than the block inclusion policy.
func (p *Params) validateSigma() error {
	s := &p.Sigma
	if s.ZerocoinV2MintMempoolGracefulPeriod < s.ZerocoinV2MintGracefulPeriod {
		return fmt.Errorf("%w: mint mempool period %d shorter than "+
			"block period %d", ErrInvalidGracePeriod,
			s.ZerocoinV2MintMempoolGracefulPeriod,
			s.ZerocoinV2MintGracefulPeriod)
	}
	if s.ZerocoinV2SpendMempoolGracefulPeriod < s.ZerocoinV2SpendGracefulPeriod {
		return fmt.Errorf("%w: spend mempool period %d shorter than "+
			"block period %d", ErrInvalidGracePeriod,
			s.ZerocoinV2SpendMempoolGracefulPeriod,
			s.ZerocoinV2SpendGracefulPeriod)
	}
	if s.ZerocoinV2MintGracefulPeriod < 0 ||
		s.ZerocoinV2SpendGracefulPeriod < 0 ||
		s.ZerocoinToSigmaRemintWindowSize < 0 {

		return fmt.Errorf("%w: negative window", ErrInvalidGracePeriod)
	}

	// Retiring the first modulus is the one migration where the mempool
	// stops before blocks do.
	if s.ModulusV2StartBlock > s.ModulusV1MempoolStopBlock ||
		s.ModulusV1MempoolStopBlock > s.ModulusV1StopBlock {

		return fmt.Errorf("%w: modulus v2 start %d, v1 mempool stop %d "+
			"and v1 stop %d are out of order", ErrInvalidGracePeriod,
			s.ModulusV2StartBlock, s.ModulusV1MempoolStopBlock,
			s.ModulusV1StopBlock)
	}
	return nil
}
