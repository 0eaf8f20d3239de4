// Copyright (c) 2018-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dandelion

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aead/siphash"
	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/zcoinofficial/zcoind/chaincfg"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// DefaultMaxTerminalTxns is the default number of fluffed and expired
	// transactions remembered so late announcements are ignored.
	DefaultMaxTerminalTxns = 50000

	// numTxLocks is the number of stripes of per-transaction locks.
	numTxLocks = 64
)

// PeerID identifies a connected peer.
type PeerID int64

// LocalPeer is the source used for transactions created by this node.
const LocalPeer PeerID = -1

// String returns the peer id in a human-readable form.
func (p PeerID) String() string {
	if p == LocalPeer {
		return "local"
	}
	return fmt.Sprintf("peer %d", int64(p))
}

// TxState is the relay state of a transaction.
type TxState int

const (
	// TxNew is the state of a transaction the router has not seen.
	TxNew TxState = iota

	// TxStem is the state of a transaction relayed to a single peer and
	// waiting for its embargo to end.
	TxStem

	// TxFluff is the state of a transaction broadcast to every peer.
	TxFluff

	// TxExpired is the state of a transaction whose embargo ended while
	// the node had no peers to broadcast it to.
	TxExpired
)

var txStateStrings = map[TxState]string{
	TxNew:     "new",
	TxStem:    "stem",
	TxFluff:   "fluff",
	TxExpired: "expired",
}

// String returns the TxState as a human-readable name.
func (s TxState) String() string {
	if str, ok := txStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown TxState (%d)", int(s))
}

// Action is the relay action the caller must perform for a transaction.
type Action int

const (
	// ActionIgnore means the transaction must not be relayed again.
	ActionIgnore Action = iota

	// ActionStem means the transaction was sent to a single destination.
	ActionStem

	// ActionFluff means the transaction was broadcast.
	ActionFluff
)

var actionStrings = map[Action]string{
	ActionIgnore: "ignore",
	ActionStem:   "stem",
	ActionFluff:  "fluff",
}

// String returns the Action as a human-readable name.
func (a Action) String() string {
	if str, ok := actionStrings[a]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Action (%d)", int(a))
}

// RoutingDecision is the result of routing a new transaction.  Destination is
// only meaningful for ActionStem.
type RoutingDecision struct {
	Action      Action
	Destination PeerID
}

// EmbargoEntry describes a transaction in the stem phase.
type EmbargoEntry struct {
	TxHash      chainhash.Hash
	Destination PeerID
	Deadline    time.Time
	Hops        uint32
}

// PeerNotifier is implemented by the peer-to-peer layer to carry out routing
// decisions.  Its methods are called without any router lock held, but calls
// for the same transaction never overlap.
type PeerNotifier interface {
	// RelayStem sends the transaction to the single passed peer.
	RelayStem(txHash *chainhash.Hash, peer PeerID)

	// BroadcastFluff announces the transaction to every peer.
	BroadcastFluff(txHash *chainhash.Hash)
}

// Config is a configuration struct used to initialize a new Router.
type Config struct {
	// Params are the network parameters.  Only the Dandelion table and the
	// network name are used.
	Params *chaincfg.Params

	// Notifier carries out relay decisions.  It may be nil.
	Notifier PeerNotifier

	// Clock drives the embargo timers and the shuffle ticker.  The wall
	// clock is used when nil.
	Clock clock.Clock

	// Rand is the source of every random choice of the router.  A time
	// seeded source is used when nil.  The router serializes its use.
	Rand *rand.Rand

	// MaxTerminalTxns bounds the fluffed and expired transaction sets.
	MaxTerminalTxns uint
}

// embargo is an EmbargoEntry along with its timer.
type embargo struct {
	EmbargoEntry
	timer *clock.Timer
}

// Router implements the Dandelion stem and fluff relay.  Transactions are
// relayed along a single stem route for a random embargo period before being
// broadcast, either by the node once the embargo expires or by a peer down
// the stem.
//
// All methods are safe for concurrent access.
type Router struct {
	started  int32
	shutdown int32

	cfg     Config
	params  *chaincfg.DandelionParams
	clock   clock.Clock
	metrics *routerMetrics

	// mtx protects the peer sets, the routes, the embargo map and the
	// random source.
	mtx          sync.Mutex
	rng          *rand.Rand
	peers        map[PeerID]bool
	destinations []PeerID
	routes       map[PeerID]PeerID
	bag          []PeerID
	embargoes    map[chainhash.Hash]*embargo

	// fluffed and expired hold terminal transactions.  They have their
	// own locks.
	fluffed lru.Cache
	expired lru.Cache

	// txLocks serialize the state transitions of each transaction.  They
	// are always acquired before mtx.
	txLocks [numTxLocks]sync.Mutex
	sipKey  [16]byte

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new Dandelion router.  The shuffle ticker is not running
// until Start is called, but the initial destinations are chosen as peers are
// added.
func New(cfg *Config) *Router {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxTerminal := cfg.MaxTerminalTxns
	if maxTerminal == 0 {
		maxTerminal = DefaultMaxTerminalTxns
	}

	r := &Router{
		cfg:       *cfg,
		params:    &cfg.Params.Dandelion,
		clock:     clk,
		metrics:   newRouterMetrics(cfg.Params.Name),
		rng:       rng,
		peers:     make(map[PeerID]bool),
		routes:    make(map[PeerID]PeerID),
		embargoes: make(map[chainhash.Hash]*embargo),
		fluffed:   lru.NewCache(maxTerminal),
		expired:   lru.NewCache(maxTerminal),
		quit:      make(chan struct{}),
	}
	binary.LittleEndian.PutUint64(r.sipKey[:8], rng.Uint64())
	binary.LittleEndian.PutUint64(r.sipKey[8:], rng.Uint64())
	return r
}

// txLock returns the lock serializing transitions of the passed transaction.
func (r *Router) txLock(txHash *chainhash.Hash) *sync.Mutex {
	return &r.txLocks[siphash.Sum64(txHash[:], &r.sipKey)%numTxLocks]
}

// Start begins the periodic shuffle of the stem destinations.
func (r *Router) Start() {
	// Already started?
	if atomic.AddInt32(&r.started, 1) != 1 {
		return
	}

	log.Trace("Starting dandelion router")
	r.wg.Add(1)
	go r.shuffleHandler()
}

// Stop stops the shuffle handler and cancels every pending embargo.
func (r *Router) Stop() error {
	if atomic.AddInt32(&r.shutdown, 1) != 1 {
		log.Warnf("Dandelion router is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Dandelion router shutting down")
	close(r.quit)
	r.wg.Wait()

	r.mtx.Lock()
	for txHash, e := range r.embargoes {
		e.timer.Stop()
		delete(r.embargoes, txHash)
		r.metrics.ObserveEmbargoEnd(outcomeStopped)
	}
	r.metrics.SetEmbargoed(0)
	r.mtx.Unlock()
	return nil
}

// shuffleHandler reshuffles the stem destinations every shuffle interval.
//
// It must be run as a goroutine.
func (r *Router) shuffleHandler() {
	ticker := r.clock.Ticker(r.params.ShuffleInterval)
	defer ticker.Stop()

out:
	for {
		select {
		case <-ticker.C:
			r.Shuffle()

		case <-r.quit:
			break out
		}
	}

	r.wg.Done()
	log.Trace("Dandelion shuffle handler done")
}

// AddPeer registers a connected peer.  Outbound peers are eligible as stem
// destinations and fill any free destination slot immediately.  A known peer
// registered again as inbound stops being a destination.
func (r *Router) AddPeer(id PeerID, outbound bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.peers[id] = outbound
	if !outbound {
		r.removeDestination(id)
		return
	}
	if uint32(len(r.destinations)) < r.params.MaxDestinations &&
		!slices.Contains(r.destinations, id) {

		r.destinations = append(r.destinations, id)
		r.bag = nil
		log.Debugf("Added %v as stem destination", id)
	}
}

// RemovePeer unregisters a disconnected peer and every route through it.
// Pending embargoes sent to the peer are kept and fluff on expiry.
func (r *Router) RemovePeer(id PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	delete(r.peers, id)
	delete(r.routes, id)
	r.removeDestination(id)
}

// removeDestination drops the peer from the stem destinations along with
// every route to it.
//
// This function MUST be called with the router lock held.
func (r *Router) removeDestination(id PeerID) {
	i := slices.Index(r.destinations, id)
	if i < 0 {
		return
	}
	r.destinations = slices.Delete(r.destinations, i, i+1)
	r.bag = nil
	for source, dest := range r.routes {
		if dest == id {
			delete(r.routes, source)
		}
	}
	log.Debugf("Removed stem destination %v", id)
}

// Shuffle chooses a new random set of stem destinations among the outbound
// peers and forgets every route.  Transactions already in the stem phase keep
// their destination.
func (r *Router) Shuffle() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	// Sort the candidates first so that a seeded source reproduces the
	// same choice.
	candidates := maps.Keys(r.peers)
	slices.Sort(candidates)
	outbound := candidates[:0]
	for _, id := range candidates {
		if r.peers[id] {
			outbound = append(outbound, id)
		}
	}
	r.rng.Shuffle(len(outbound), func(i, j int) {
		outbound[i], outbound[j] = outbound[j], outbound[i]
	})
	if uint32(len(outbound)) > r.params.MaxDestinations {
		outbound = outbound[:r.params.MaxDestinations]
	}

	r.destinations = outbound
	r.routes = make(map[PeerID]PeerID)
	r.bag = nil
	r.metrics.ObserveShuffle()
	log.Debugf("Shuffled stem destinations: %v", r.destinations)
}

// routeFor returns the stem destination for transactions received from the
// passed source.  Destinations are handed out from a shuffled bag so they are
// used evenly and a source is never routed back to itself.
//
// This function MUST be called with the router lock held.
func (r *Router) routeFor(from PeerID) (PeerID, bool) {
	if dest, ok := r.routes[from]; ok {
		return dest, true
	}

	for refill := 0; refill < 2; refill++ {
		for i, dest := range r.bag {
			if dest == from {
				continue
			}
			r.bag = slices.Delete(r.bag, i, i+1)
			r.routes[from] = dest
			return dest, true
		}

		r.bag = slices.Clone(r.destinations)
		r.rng.Shuffle(len(r.bag), func(i, j int) {
			r.bag[i], r.bag[j] = r.bag[j], r.bag[i]
		})
	}
	return 0, false
}

// embargoDelay returns a random embargo duration of at least the minimum and
// on average the minimum plus the average addition.
//
// This function MUST be called with the router lock held.
func (r *Router) embargoDelay() time.Duration {
	delay := r.params.EmbargoMinimum
	if r.params.EmbargoAvgAdd > 0 {
		delay += time.Duration(r.rng.Int63n(int64(2*r.params.EmbargoAvgAdd) + 1))
	}
	return delay
}

// isTerminal returns whether the transaction was fluffed or expired.
func (r *Router) isTerminal(txHash *chainhash.Hash) bool {
	return r.fluffed.Contains(*txHash) || r.expired.Contains(*txHash)
}

// Known returns whether the transaction is embargoed or was already fluffed
// or expired, in which case announcing it again is a no-op.
func (r *Router) Known(txHash *chainhash.Hash) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	_, ok := r.embargoes[*txHash]
	return ok || r.isTerminal(txHash)
}

// OnNewTransaction routes a transaction received from the passed peer, or
// created locally when from is LocalPeer.  Transactions that are already
// embargoed or terminal are ignored.
func (r *Router) OnNewTransaction(txHash *chainhash.Hash, from PeerID,
	hops uint32) RoutingDecision {

	lock := r.txLock(txHash)
	lock.Lock()
	defer lock.Unlock()

	decision := r.routeTransaction(txHash, from, hops)
	r.metrics.ObserveDecision(decision.Action)

	switch decision.Action {
	case ActionStem:
		log.Debugf("Relaying transaction %v from %v to %v in stem phase",
			txHash, from, decision.Destination)
		r.notifyStem(txHash, decision.Destination)

	case ActionFluff:
		log.Debugf("Relaying transaction %v from %v in fluff phase",
			txHash, from)
		r.notifyFluff(txHash)
	}
	return decision
}

// routeTransaction performs the state transition of OnNewTransaction.
//
// This function MUST be called with the transaction lock held.
func (r *Router) routeTransaction(txHash *chainhash.Hash, from PeerID,
	hops uint32) RoutingDecision {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.embargoes[*txHash]; ok || r.isTerminal(txHash) {
		return RoutingDecision{Action: ActionIgnore}
	}

	if uint32(r.rng.Intn(100)) < r.params.FluffPercent {
		r.fluffed.Add(*txHash)
		return RoutingDecision{Action: ActionFluff}
	}

	dest, ok := r.routeFor(from)
	if !ok {
		log.Debugf("No stem route for transaction %v from %v, "+
			"fluffing", txHash, from)
		r.fluffed.Add(*txHash)
		return RoutingDecision{Action: ActionFluff}
	}

	delay := r.embargoDelay()
	e := &embargo{EmbargoEntry: EmbargoEntry{
		TxHash:      *txHash,
		Destination: dest,
		Deadline:    r.clock.Now().Add(delay),
		Hops:        hops,
	}}
	r.embargoes[*txHash] = e
	r.metrics.SetEmbargoed(len(r.embargoes))

	hash := *txHash
	e.timer = r.clock.AfterFunc(delay, func() {
		r.embargoExpired(&hash, e)
	})
	return RoutingDecision{Action: ActionStem, Destination: dest}
}

// embargoExpired fluffs a transaction whose embargo ended without the
// transaction being seen in the fluff phase.
func (r *Router) embargoExpired(txHash *chainhash.Hash, e *embargo) {
	lock := r.txLock(txHash)
	lock.Lock()
	defer lock.Unlock()

	r.mtx.Lock()
	if r.embargoes[*txHash] != e {
		// Cancelled or replaced in the meantime.
		r.mtx.Unlock()
		return
	}
	delete(r.embargoes, *txHash)
	r.metrics.SetEmbargoed(len(r.embargoes))
	noPeers := len(r.peers) == 0
	if noPeers {
		r.expired.Add(*txHash)
	} else {
		r.fluffed.Add(*txHash)
	}
	r.mtx.Unlock()

	if noPeers {
		log.Infof("Embargo of transaction %v expired with no "+
			"connected peers", txHash)
		r.metrics.ObserveEmbargoEnd(outcomeExpired)
		return
	}

	log.Debugf("Embargo of transaction %v expired, fluffing", txHash)
	r.metrics.ObserveEmbargoEnd(outcomeFluffed)
	r.notifyFluff(txHash)
}

// OnFluffedTransaction records a transaction seen in the fluff phase from a
// peer.  Any pending embargo is cancelled so the node never broadcasts it
// again.  It returns whether an embargo was cancelled.
func (r *Router) OnFluffedTransaction(txHash *chainhash.Hash) bool {
	lock := r.txLock(txHash)
	lock.Lock()
	defer lock.Unlock()

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.isTerminal(txHash) {
		return false
	}

	r.fluffed.Add(*txHash)
	e, ok := r.embargoes[*txHash]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.embargoes, *txHash)
	r.metrics.SetEmbargoed(len(r.embargoes))
	r.metrics.ObserveEmbargoEnd(outcomeCancelled)
	log.Debugf("Transaction %v seen in fluff phase, embargo cancelled",
		txHash)
	return true
}

func (r *Router) notifyStem(txHash *chainhash.Hash, peer PeerID) {
	if r.cfg.Notifier != nil {
		r.cfg.Notifier.RelayStem(txHash, peer)
	}
}

func (r *Router) notifyFluff(txHash *chainhash.Hash) {
	if r.cfg.Notifier != nil {
		r.cfg.Notifier.BroadcastFluff(txHash)
	}
}

// State returns the relay state of the passed transaction.
func (r *Router) State(txHash *chainhash.Hash) TxState {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	switch {
	case r.embargoes[*txHash] != nil:
		return TxStem
	case r.fluffed.Contains(*txHash):
		return TxFluff
	case r.expired.Contains(*txHash):
		return TxExpired
	}
	return TxNew
}

// Embargo returns the embargo of the passed transaction if it is in the stem
// phase.
func (r *Router) Embargo(txHash *chainhash.Hash) (EmbargoEntry, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.embargoes[*txHash]
	if !ok {
		return EmbargoEntry{}, false
	}
	return e.EmbargoEntry, true
}

// NumEmbargoed returns the number of transactions in the stem phase.
func (r *Router) NumEmbargoed() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.embargoes)
}

// Destinations returns the current stem destinations in ascending order.
func (r *Router) Destinations() []PeerID {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	dests := slices.Clone(r.destinations)
	slices.Sort(dests)
	return dests
}
