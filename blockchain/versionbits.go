// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/zcoinofficial/zcoind/chaincfg"
)

const (
	// vbLegacyBlockVersion is the highest legacy block version before the
	// version bits scheme became active.
	vbLegacyBlockVersion = 4

	// vbTopBits defines the bits to set in the version to signal that the
	// version bits scheme is being used.
	vbTopBits = 0x20000000

	// vbTopMask is the bitmask to use to determine whether or not the
	// version bits scheme is in use.
	vbTopMask = 0xe0000000

	// vbNumBits is the total number of bits available for use with the
	// version bits scheme.
	vbNumBits = chaincfg.VersionBitsNumBits

	// unknownVerNumToCheck is the number of previous blocks to consider
	// when checking for a threshold of unknown block versions for the
	// purposes of warning the user.
	unknownVerNumToCheck = 100

	// unknownVerWarnNum is the threshold of previous blocks that have an
	// unknown version to use for the purposes of warning the user.
	unknownVerWarnNum = unknownVerNumToCheck / 2
)

// bitConditionChecker provides a thresholdConditionChecker which can be used to
// test whether or not a specific bit is set when it's not supposed to be
// according to the expected version based on the known deployments and the
// current state of the chain.  This is useful for detecting and warning about
// unknown rule activations.
type bitConditionChecker struct {
	bit    uint32
	params *chaincfg.Params
}

// Ensure the bitConditionChecker type implements the thresholdConditionChecker
// interface.
var _ thresholdConditionChecker = bitConditionChecker{}

// BeginTime returns the unix timestamp for the median block time after which
// voting on a rule change starts (at the next window).
//
// Since this implementation checks for unknown rules, it returns 0 so the rule
// is always treated as active.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c bitConditionChecker) BeginTime() uint64 {
	return 0
}

// EndTime returns the unix timestamp for the median block time after which an
// attempted rule change fails if it has not already been locked in or
// activated.
//
// Since this implementation checks for unknown rules, it returns the maximum
// possible timestamp so the rule is always treated as active.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c bitConditionChecker) EndTime() uint64 {
	return endTimeNever
}

// RuleChangeActivationThreshold is the number of blocks for which the condition
// must be true in order to lock in a rule change.
//
// This implementation returns the value defined by the chain params the checker
// is associated with.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c bitConditionChecker) RuleChangeActivationThreshold() uint32 {
	return c.params.RuleChangeActivationThreshold
}

// MinerConfirmationWindow is the number of blocks in each threshold state
// retarget window.
//
// This implementation returns the value defined by the chain params the checker
// is associated with.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c bitConditionChecker) MinerConfirmationWindow() uint32 {
	return c.params.MinerConfirmationWindow
}

// Condition returns true when the specific bit associated with the checker is
// set.  Only bits which are not assigned to any deployment are checked, so a
// set bit always signals an unknown rule.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c bitConditionChecker) Condition(node HeaderCtx) (bool, error) {
	return signalsBit(node.Version(), c.bit), nil
}

// deploymentChecker provides a thresholdConditionChecker which can be used to
// test a specific deployment rule.  This is required for properly detecting
// and activating consensus rule changes.
type deploymentChecker struct {
	deployment *chaincfg.ConsensusDeployment
	params     *chaincfg.Params
}

// Ensure the deploymentChecker type implements the thresholdConditionChecker
// interface.
var _ thresholdConditionChecker = deploymentChecker{}

// BeginTime returns the unix timestamp for the median block time after which
// voting on a rule change starts (at the next window).  A zero start time
// means the deployment is always started.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c deploymentChecker) BeginTime() uint64 {
	return c.deployment.StartTime
}

// EndTime returns the unix timestamp for the median block time after which an
// attempted rule change fails if it has not already been locked in or
// activated.  A zero expire time means the deployment never expires.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c deploymentChecker) EndTime() uint64 {
	if c.deployment.ExpireTime == 0 {
		return endTimeNever
	}
	return c.deployment.ExpireTime
}

// RuleChangeActivationThreshold is the number of blocks for which the condition
// must be true in order to lock in a rule change.
//
// This implementation returns the value defined by the chain params the checker
// is associated with.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c deploymentChecker) RuleChangeActivationThreshold() uint32 {
	return c.params.RuleChangeActivationThreshold
}

// MinerConfirmationWindow is the number of blocks in each threshold state
// retarget window.
//
// This implementation returns the value defined by the chain params the checker
// is associated with.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c deploymentChecker) MinerConfirmationWindow() uint32 {
	return c.params.MinerConfirmationWindow
}

// Condition returns true when the specific bit defined by the deployment
// associated with the checker is set.
//
// This is part of the thresholdConditionChecker interface implementation.
func (c deploymentChecker) Condition(node HeaderCtx) (bool, error) {
	return signalsBit(node.Version(), uint32(c.deployment.BitNumber)), nil
}

// signalsBit returns whether the version uses the version bits scheme and has
// the passed bit set.
func signalsBit(version int32, bit uint32) bool {
	conditionMask := uint32(1) << bit
	v := uint32(version)
	return v&vbTopMask == vbTopBits && v&conditionMask != 0
}

// ComputeBlockVersion returns the version a new block built on the passed
// node should have.  Every deployment that is started or locked in has its bit
// set.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) ComputeBlockVersion(prevNode HeaderCtx) (int32, error) {
	// Set the appropriate bits for each actively defined rule deployment
	// that is either in the process of being voted on, or locked in for the
	// activation at the next threshold window change.
	expectedVersion := uint32(vbTopBits)
	for id := chaincfg.DeploymentID(0); id < chaincfg.DefinedDeployments; id++ {
		state, err := t.deploymentState(prevNode, id)
		if err != nil {
			return 0, err
		}
		if state == ThresholdStarted || state == ThresholdLockedIn {
			bit := t.params.Deployments[id].BitNumber
			expectedVersion |= uint32(1) << bit
		}
	}
	return int32(expectedVersion), nil
}

// isKnownBit returns whether the passed bit is assigned to a deployment.
func (t *DeploymentTracker) isKnownBit(bit uint32) bool {
	for id := range t.params.Deployments {
		if uint32(t.params.Deployments[id].BitNumber) == bit {
			return true
		}
	}
	return false
}

// WarnUnknownRuleActivations displays a warning when any unknown new rules are
// either about to activate or have been activated.  This will only happen once
// per state transition of each bit.  It returns the bits that are locked in or
// active.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) WarnUnknownRuleActivations(prevNode HeaderCtx) ([]uint32, error) {
	var unknown []uint32

	// Warn if any unknown new rules are either about to activate or have
	// already been activated.
	for bit := uint32(0); bit < vbNumBits; bit++ {
		if t.isKnownBit(bit) {
			continue
		}

		checker := bitConditionChecker{bit: bit, params: t.params}
		cache := t.warningCaches[bit]
		state, err := t.thresholdState(prevNode, checker, cache)
		if err != nil {
			return nil, err
		}

		if state != ThresholdLockedIn && state != ThresholdActive {
			continue
		}
		unknown = append(unknown, bit)

		t.warnMtx.Lock()
		warned, ok := t.unknownRulesWarned[bit]
		t.unknownRulesWarned[bit] = state
		t.warnMtx.Unlock()
		if ok && warned == state {
			continue
		}

		switch state {
		case ThresholdActive:
			log.Warnf("Unknown new rules activated (bit %d)", bit)

		case ThresholdLockedIn:
			window := int32(checker.MinerConfirmationWindow())
			activationHeight := window - (prevNode.Height()+1)%window +
				prevNode.Height() + 1
			log.Warnf("Unknown new rules are about to activate in "+
				"%d blocks (bit %d)", activationHeight-
				prevNode.Height()-1, bit)
		}
	}

	return unknown, nil
}

// WarnUnknownVersions logs a warning if a high enough percentage of the last
// blocks have unexpected versions.  It returns whether the warning threshold
// was reached.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) WarnUnknownVersions(prevNode HeaderCtx) (bool, error) {
	// Warn if enough previous blocks have unexpected versions.
	numUpgraded := uint32(0)
	node := prevNode
	for i := uint32(0); i < unknownVerNumToCheck && node != nil; i++ {
		expectedVersion, err := t.ComputeBlockVersion(node.Parent())
		if err != nil {
			return false, err
		}
		if node.Version() > vbLegacyBlockVersion &&
			(node.Version() & ^expectedVersion) != 0 {

			numUpgraded++
		}

		node = node.Parent()
	}
	if numUpgraded > unknownVerWarnNum {
		log.Warn("Unknown block versions are being mined, so new " +
			"rules might be in effect.  Are you running the " +
			"latest version of the software?")
		return true, nil
	}
	return false, nil
}
