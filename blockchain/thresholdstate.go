// Copyright (c) 2017 The decred developers
// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// ThresholdState define the various threshold states used when voting on
// consensus changes.
type ThresholdState byte

// These constants are used to identify specific threshold states.
//
// NOTE: This section specifically does not use iota for the individual states
// since these values are serialized and must be stable for long-term storage.
const (
	// ThresholdDefined is the first state for each deployment and is the
	// state for the genesis block has by definition for all deployments.
	ThresholdDefined ThresholdState = 0

	// ThresholdStarted is the state for a deployment once its start time
	// has been reached.
	ThresholdStarted ThresholdState = 1

	// ThresholdLockedIn is the state for a deployment during the retarget
	// period which is after the ThresholdStarted state period and the
	// number of blocks that have voted for the deployment equal or exceed
	// the required number of votes for the deployment.
	ThresholdLockedIn ThresholdState = 2

	// ThresholdActive is the state for a deployment for all blocks after a
	// retarget period in which the deployment was in the ThresholdLockedIn
	// state.
	ThresholdActive ThresholdState = 3

	// ThresholdFailed is the state for a deployment once its expiration
	// time has been reached and it did not reach the ThresholdLockedIn
	// state.
	ThresholdFailed ThresholdState = 4

	// numThresholdsStates is the maximum number of threshold states used in
	// tests.
	numThresholdsStates = iota
)

// thresholdStateStrings is a map of ThresholdState values back to their
// constant names for pretty printing.
var thresholdStateStrings = map[ThresholdState]string{
	ThresholdDefined:  "ThresholdDefined",
	ThresholdStarted:  "ThresholdStarted",
	ThresholdLockedIn: "ThresholdLockedIn",
	ThresholdActive:   "ThresholdActive",
	ThresholdFailed:   "ThresholdFailed",
}

// String returns the ThresholdState as a human-readable name.
func (t ThresholdState) String() string {
	if s := thresholdStateStrings[t]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ThresholdState (%d)", int(t))
}

// thresholdConditionChecker provides a generic interface that is invoked to
// determine when a consensus rule change threshold should be changed.
type thresholdConditionChecker interface {
	// BeginTime returns the unix timestamp for the median block time after
	// which voting on a rule change starts (at the next window).
	BeginTime() uint64

	// EndTime returns the unix timestamp for the median block time after
	// which an attempted rule change fails if it has not already been
	// locked in or activated.
	EndTime() uint64

	// RuleChangeActivationThreshold is the number of blocks for which the
	// condition must be true in order to lock in a rule change.
	RuleChangeActivationThreshold() uint32

	// MinerConfirmationWindow is the number of blocks in each threshold
	// state retarget window.
	MinerConfirmationWindow() uint32

	// Condition returns whether or not the rule change activation condition
	// has been met.  This typically involves checking whether or not the
	// bit associated with the condition is set, but can be more complex as
	// needed.
	Condition(HeaderCtx) (bool, error)
}

// ThresholdStore is implemented by a persistent backing store for memoized
// threshold states.  States are keyed by deployment and by the hash of the
// last block of a confirmation window.  The store is purely an optimization
// since every state can be recomputed from the headers.
type ThresholdStore interface {
	// FetchThresholdState returns the stored state for the window ending
	// with the given block hash and whether or not it was found.
	FetchThresholdState(id chaincfg.DeploymentID,
		hash *chainhash.Hash) (ThresholdState, bool, error)

	// PutThresholdStates stores the passed window states for a
	// deployment.
	PutThresholdStates(id chaincfg.DeploymentID,
		states map[chainhash.Hash]ThresholdState) error
}

// thresholdStateCache provides a type to cache the threshold states of each
// threshold window for a deployment.  It also keeps track of which entries
// have been modified and therefore need to be written to the store.
//
// The cache is safe for concurrent access.  Inserts are idempotent since a
// window state is a pure function of the headers it covers.
type thresholdStateCache struct {
	name string

	// store and id are only set for caches of defined deployments.
	store ThresholdStore
	id    chaincfg.DeploymentID

	mtx       sync.RWMutex
	entries   map[chainhash.Hash]ThresholdState
	dbUpdates map[chainhash.Hash]ThresholdState
}

// newThresholdStateCache returns an empty cache which falls back to the
// passed store on misses when it is not nil.
func newThresholdStateCache(name string, store ThresholdStore,
	id chaincfg.DeploymentID) *thresholdStateCache {

	return &thresholdStateCache{
		name:      name,
		store:     store,
		id:        id,
		entries:   make(map[chainhash.Hash]ThresholdState),
		dbUpdates: make(map[chainhash.Hash]ThresholdState),
	}
}

// Lookup returns the threshold state associated with the given hash along with
// a boolean that indicates whether or not it is valid.
func (c *thresholdStateCache) Lookup(hash chainhash.Hash) (ThresholdState, bool) {
	c.mtx.RLock()
	state, ok := c.entries[hash]
	c.mtx.RUnlock()
	if ok || c.store == nil {
		return state, ok
	}

	state, ok, err := c.store.FetchThresholdState(c.id, &hash)
	if err != nil {
		log.Warnf("Unable to fetch %s threshold state for %v: %v",
			c.name, hash, err)
		return ThresholdDefined, false
	}
	if !ok {
		return ThresholdDefined, false
	}

	c.mtx.Lock()
	c.entries[hash] = state
	c.mtx.Unlock()
	return state, true
}

// Update updates the cache to contain the provided hash to threshold state
// mapping while properly tracking needed updates flush changes to the store.
func (c *thresholdStateCache) Update(hash chainhash.Hash, state ThresholdState) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if existing, ok := c.entries[hash]; ok && existing == state {
		return
	}

	c.entries[hash] = state
	if c.store != nil {
		c.dbUpdates[hash] = state
	}
}

// Flush writes all pending updates to the backing store and marks them
// flushed on success.
func (c *thresholdStateCache) Flush() error {
	if c.store == nil {
		return nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if len(c.dbUpdates) == 0 {
		return nil
	}
	if err := c.store.PutThresholdStates(c.id, c.dbUpdates); err != nil {
		return err
	}
	c.dbUpdates = make(map[chainhash.Hash]ThresholdState)
	return nil
}

// Len returns the number of cached window states.
func (c *thresholdStateCache) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.entries)
}

// DeploymentTracker computes the BIP0009 threshold state of every defined
// deployment for any block of a header chain.  Window states are memoized so
// each window is evaluated at most once.
//
// A DeploymentTracker is safe for concurrent access.
type DeploymentTracker struct {
	params *chaincfg.Params

	deploymentCaches [chaincfg.DefinedDeployments]*thresholdStateCache
	warningCaches    [vbNumBits]*thresholdStateCache

	// unknownRulesWarned tracks the last state an unknown rule was
	// warned about so each transition is only logged once.
	warnMtx            sync.Mutex
	unknownRulesWarned map[uint32]ThresholdState
}

// NewDeploymentTracker returns a tracker for the passed network parameters.
// The store may be nil in which case states are only cached in memory.
func NewDeploymentTracker(params *chaincfg.Params, store ThresholdStore) *DeploymentTracker {
	t := &DeploymentTracker{
		params:             params,
		unknownRulesWarned: make(map[uint32]ThresholdState),
	}
	for id := chaincfg.DeploymentID(0); id < chaincfg.DefinedDeployments; id++ {
		t.deploymentCaches[id] = newThresholdStateCache(id.String(),
			store, id)
	}
	for bit := range t.warningCaches {
		t.warningCaches[bit] = newThresholdStateCache(
			fmt.Sprintf("bit %d", bit), nil, 0)
	}
	return t
}

// thresholdState returns the current rule change threshold state for the block
// AFTER the given node and deployment ID.  The cache is used to ensure the
// threshold states for previous windows are only calculated once.
func (t *DeploymentTracker) thresholdState(prevNode HeaderCtx,
	checker thresholdConditionChecker,
	cache *thresholdStateCache) (ThresholdState, error) {

	// The threshold state for the window that contains the genesis block is
	// defined by definition.
	confirmationWindow := int32(checker.MinerConfirmationWindow())
	if prevNode == nil || (prevNode.Height()+1) < confirmationWindow {
		return ThresholdDefined, nil
	}

	// Get the ancestor that is the last block of the previous confirmation
	// window in order to get its threshold state.  This can be done because
	// the state is the same for all blocks within a given window.
	prevNode = prevNode.RelativeAncestorCtx(
		(prevNode.Height() + 1) % confirmationWindow)

	// Iterate backwards through each of the previous confirmation windows
	// to find the most recently cached threshold state.
	var neededStates []HeaderCtx
	for prevNode != nil {
		// Nothing more to do if the state of the block is already
		// cached.
		if _, ok := cache.Lookup(prevNode.Hash()); ok {
			break
		}

		// The start and expiration times are based on the median block
		// time, so calculate it now.
		medianTime := CalcPastMedianTime(prevNode)

		// The state is simply defined if the start time hasn't been
		// been reached yet.
		if uint64(medianTime.Unix()) < checker.BeginTime() {
			cache.Update(prevNode.Hash(), ThresholdDefined)
			break
		}

		// Add this node to the list of nodes that need the state
		// calculated and cached.
		neededStates = append(neededStates, prevNode)

		// Get the ancestor that is the last block of the previous
		// confirmation window.
		prevNode = prevNode.RelativeAncestorCtx(confirmationWindow)
	}

	// Start with the threshold state for the most recent confirmation
	// window that has a cached state.
	state := ThresholdDefined
	if prevNode != nil {
		var ok bool
		state, ok = cache.Lookup(prevNode.Hash())
		if !ok {
			return ThresholdFailed, AssertError(fmt.Sprintf(
				"thresholdState: cache lookup failed for %v",
				prevNode.Hash()))
		}
	}

	// Since each threshold state depends on the state of the previous
	// window, iterate starting from the oldest unknown window.
	for neededNum := len(neededStates) - 1; neededNum >= 0; neededNum-- {
		prevNode := neededStates[neededNum]
		prevState := state

		switch state {
		case ThresholdDefined:
			// The deployment of the rule change fails if it expires
			// before it is accepted and locked in.
			medianTime := CalcPastMedianTime(prevNode)
			medianTimeUnix := uint64(medianTime.Unix())
			if medianTimeUnix >= checker.EndTime() {
				state = ThresholdFailed
				break
			}

			// The state for the rule moves to the started state
			// once its start time has been reached (and it hasn't
			// already expired per the above).
			if medianTimeUnix >= checker.BeginTime() {
				state = ThresholdStarted
			}

		case ThresholdStarted:
			// The deployment of the rule change fails if it expires
			// before it is accepted and locked in.
			medianTime := CalcPastMedianTime(prevNode)
			if uint64(medianTime.Unix()) >= checker.EndTime() {
				state = ThresholdFailed
				break
			}

			// At this point, the rule change is still being voted
			// on by the miners, so iterate backwards through the
			// confirmation window to count all of the votes in it.
			var count uint32
			countNode := prevNode
			for i := int32(0); i < confirmationWindow && countNode != nil; i++ {
				condition, err := checker.Condition(countNode)
				if err != nil {
					return ThresholdFailed, err
				}
				if condition {
					count++
				}

				countNode = countNode.Parent()
			}

			// The state is locked in if the number of blocks in the
			// period that indicate the rule change meets the
			// activation threshold.
			if count >= checker.RuleChangeActivationThreshold() {
				state = ThresholdLockedIn
			}

		case ThresholdLockedIn:
			// The new rule becomes active when its previous state
			// was locked in.
			state = ThresholdActive

		// Nothing to do if the previous state is active or failed since
		// they are both terminal states.
		case ThresholdActive:
		case ThresholdFailed:
		}

		if state != prevState {
			log.Debugf("Threshold state of %s changed from %v to %v "+
				"after height %d", cache.name, prevState, state,
				prevNode.Height())
		}

		// Update the cache to avoid recalculating the state in the
		// future.
		cache.Update(prevNode.Hash(), state)
	}

	return state, nil
}

// deploymentState returns the current rule change threshold for a given
// deployment.  The threshold is evaluated from the point of view of the block
// node passed in as the first argument to this method.
func (t *DeploymentTracker) deploymentState(prevNode HeaderCtx,
	id chaincfg.DeploymentID) (ThresholdState, error) {

	if id >= chaincfg.DefinedDeployments {
		return ThresholdFailed, DeploymentError(id)
	}

	deployment := &t.params.Deployments[id]
	checker := deploymentChecker{deployment: deployment, params: t.params}
	return t.thresholdState(prevNode, checker, t.deploymentCaches[id])
}

// ThresholdState returns the current rule change threshold state of the given
// deployment ID for the block AFTER the passed node.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) ThresholdState(prevNode HeaderCtx,
	id chaincfg.DeploymentID) (ThresholdState, error) {

	return t.deploymentState(prevNode, id)
}

// StateForHeight returns the threshold state of the given deployment ID for
// the block at the passed height on the chain that ends with tip.  The height
// may be at most one past the tip.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) StateForHeight(tip HeaderCtx,
	id chaincfg.DeploymentID, height int32) (ThresholdState, error) {

	if height == 0 {
		return t.deploymentState(nil, id)
	}

	tipHeight := int32(-1)
	if tip != nil {
		tipHeight = tip.Height()
	}
	if height < 0 || height > tipHeight+1 {
		str := fmt.Sprintf("height %d is not reachable from a chain "+
			"tip at height %d", height, tipHeight)
		return ThresholdFailed, ruleError(ErrHeightOutOfRange, str)
	}

	return t.deploymentState(ancestorCtx(tip, height-1), id)
}

// IsDeploymentActive returns true if the target deployment ID is active, and
// false otherwise, for the block AFTER the passed node.
//
// This function is safe for concurrent access.
func (t *DeploymentTracker) IsDeploymentActive(prevNode HeaderCtx,
	id chaincfg.DeploymentID) (bool, error) {

	state, err := t.deploymentState(prevNode, id)
	if err != nil {
		return false, err
	}
	return state == ThresholdActive, nil
}

// Flush writes every newly computed window state to the backing store, if
// any.
func (t *DeploymentTracker) Flush() error {
	for id, cache := range t.deploymentCaches {
		if err := cache.Flush(); err != nil {
			return fmt.Errorf("unable to flush threshold states of "+
				"%v: %w", chaincfg.DeploymentID(id), err)
		}
	}
	return nil
}

// endTimeNever is the end time used for deployments that never expire.
const endTimeNever = math.MaxUint64
