// Copyright (c) 2018-2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dandelion

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// recordingNotifier records the relay calls of a router.
type recordingNotifier struct {
	mtx        sync.Mutex
	stems      map[chainhash.Hash]PeerID
	broadcasts map[chainhash.Hash]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		stems:      make(map[chainhash.Hash]PeerID),
		broadcasts: make(map[chainhash.Hash]int),
	}
}

func (n *recordingNotifier) RelayStem(txHash *chainhash.Hash, peer PeerID) {
	n.mtx.Lock()
	n.stems[*txHash] = peer
	n.mtx.Unlock()
}

func (n *recordingNotifier) BroadcastFluff(txHash *chainhash.Hash) {
	n.mtx.Lock()
	n.broadcasts[*txHash]++
	n.mtx.Unlock()
}

func (n *recordingNotifier) numBroadcasts(txHash *chainhash.Hash) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.broadcasts[*txHash]
}

func (n *recordingNotifier) totalBroadcasts() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.broadcasts)
}

// testHash returns a distinct transaction hash for each index.
func testHash(i int) *chainhash.Hash {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	hash := chainhash.DoubleHashH(buf[:])
	return &hash
}

// newTestRouter returns a router on the mainnet Dandelion parameters with a
// mock clock and a seeded random source.  The mutate function, if not nil,
// adjusts the parameters first.
func newTestRouter(t *testing.T, name string,
	mutate func(p *chaincfg.Params)) (*Router, *clock.Mock, *recordingNotifier) {

	t.Helper()

	params := chaincfg.MainNetParams
	params.Name = name
	if mutate != nil {
		mutate(&params)
	}
	mock := clock.NewMock()
	notifier := newRecordingNotifier()
	router := New(&Config{
		Params:   &params,
		Notifier: notifier,
		Clock:    mock,
		Rand:     rand.New(rand.NewSource(1)),
	})
	return router, mock, notifier
}

func noFluff(p *chaincfg.Params) {
	p.Dandelion.FluffPercent = 0
}

// TestFluffProbability ensures roughly the configured share of new
// transactions is fluffed immediately.
func TestFluffProbability(t *testing.T) {
	router, _, _ := newTestRouter(t, "fluff-probability", nil)
	router.AddPeer(1, true)
	router.AddPeer(2, true)

	const numTxns = 10000
	fluffed := 0
	for i := 0; i < numTxns; i++ {
		decision := router.OnNewTransaction(testHash(i), LocalPeer, 0)
		switch decision.Action {
		case ActionFluff:
			fluffed++
		case ActionStem:
		default:
			t.Fatalf("unexpected action %v for a new transaction",
				decision.Action)
		}
	}

	// The binomial standard deviation is 30, so this is a five sigma
	// bound.
	if fluffed < 850 || fluffed > 1150 {
		t.Fatalf("fluffed %d of %d transactions, want about 10%%",
			fluffed, numTxns)
	}
	require.Equal(t, numTxns-fluffed, router.NumEmbargoed())
}

// TestEmbargoDeadline ensures every stem transaction is fluffed no later than
// the embargo minimum plus twice the average addition.
func TestEmbargoDeadline(t *testing.T) {
	router, mock, notifier := newTestRouter(t, "embargo-deadline", noFluff)
	router.AddPeer(1, true)
	router.AddPeer(2, true)

	params := &chaincfg.MainNetParams.Dandelion
	start := mock.Now()
	minDeadline := start.Add(params.EmbargoMinimum)
	maxDeadline := start.Add(params.EmbargoMinimum + 2*params.EmbargoAvgAdd)

	const numTxns = 200
	for i := 0; i < numTxns; i++ {
		txHash := testHash(i)
		decision := router.OnNewTransaction(txHash, LocalPeer, 0)
		require.Equal(t, ActionStem, decision.Action)

		entry, ok := router.Embargo(txHash)
		require.True(t, ok)
		require.Equal(t, decision.Destination, entry.Destination)
		if entry.Deadline.Before(minDeadline) || entry.Deadline.After(maxDeadline) {
			t.Fatalf("deadline %v not in [%v, %v]", entry.Deadline,
				minDeadline, maxDeadline)
		}
	}

	// Nothing expires before the minimum embargo.
	mock.Add(params.EmbargoMinimum - time.Second)
	require.Equal(t, numTxns, router.NumEmbargoed())
	require.Equal(t, 0, notifier.totalBroadcasts())

	mock.Add(2*params.EmbargoAvgAdd + time.Second)
	require.Eventually(t, func() bool {
		return notifier.totalBroadcasts() == numTxns
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, router.NumEmbargoed())
	for i := 0; i < numTxns; i++ {
		require.Equal(t, TxFluff, router.State(testHash(i)))
		require.Equal(t, 1, notifier.numBroadcasts(testHash(i)))
	}
}

// TestFluffedTransactionCancelsEmbargo ensures a transaction seen in the
// fluff phase is never broadcast by the node afterwards.
func TestFluffedTransactionCancelsEmbargo(t *testing.T) {
	router, mock, notifier := newTestRouter(t, "cancel-embargo", noFluff)
	router.AddPeer(1, true)

	cancelled := testHash(1)
	barrier := testHash(2)
	require.Equal(t, ActionStem,
		router.OnNewTransaction(cancelled, LocalPeer, 0).Action)
	require.Equal(t, ActionStem,
		router.OnNewTransaction(barrier, LocalPeer, 0).Action)

	require.True(t, router.OnFluffedTransaction(cancelled))
	require.False(t, router.OnFluffedTransaction(cancelled))
	require.Equal(t, TxFluff, router.State(cancelled))
	_, ok := router.Embargo(cancelled)
	require.False(t, ok)

	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return notifier.numBroadcasts(barrier) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, notifier.numBroadcasts(cancelled))

	// Late announcements are ignored.
	decision := router.OnNewTransaction(cancelled, 1, 3)
	require.Equal(t, ActionIgnore, decision.Action)
}

// TestReannouncementIgnored ensures announcing an embargoed transaction again
// is a no-op.
func TestReannouncementIgnored(t *testing.T) {
	router, _, notifier := newTestRouter(t, "reannouncement", noFluff)
	router.AddPeer(1, true)
	router.AddPeer(2, false)

	txHash := testHash(7)
	first := router.OnNewTransaction(txHash, 2, 1)
	require.Equal(t, ActionStem, first.Action)
	require.Equal(t, PeerID(1), first.Destination)
	entry, _ := router.Embargo(txHash)
	require.Equal(t, uint32(1), entry.Hops)

	second := router.OnNewTransaction(txHash, 2, 2)
	require.Equal(t, ActionIgnore, second.Action)
	entryAfter, _ := router.Embargo(txHash)
	require.Equal(t, entry, entryAfter)
	require.Equal(t, 0, notifier.totalBroadcasts())
}

// TestNoRouteFluffs ensures a transaction with no usable destination is
// fluffed rather than dropped.
func TestNoRouteFluffs(t *testing.T) {
	router, _, notifier := newTestRouter(t, "no-route", noFluff)

	txHash := testHash(1)
	require.Equal(t, ActionFluff,
		router.OnNewTransaction(txHash, LocalPeer, 0).Action)
	require.Equal(t, 1, notifier.numBroadcasts(txHash))

	// The only destination is the source itself.
	router.AddPeer(5, true)
	txHash = testHash(2)
	require.Equal(t, ActionFluff, router.OnNewTransaction(txHash, 5, 0).Action)
	require.Equal(t, TxFluff, router.State(txHash))

	decision := router.OnNewTransaction(testHash(3), LocalPeer, 0)
	require.Equal(t, ActionStem, decision.Action)
	require.Equal(t, PeerID(5), decision.Destination)
}

// TestRoutesDrawnWithoutReplacement ensures different sources are spread
// over the destinations and never routed to themselves.
func TestRoutesDrawnWithoutReplacement(t *testing.T) {
	router, _, _ := newTestRouter(t, "routes", noFluff)
	router.AddPeer(1, true)
	router.AddPeer(2, true)
	router.AddPeer(10, false)
	router.AddPeer(11, false)

	a := router.OnNewTransaction(testHash(1), 10, 0)
	b := router.OnNewTransaction(testHash(2), 11, 0)
	require.Equal(t, ActionStem, a.Action)
	require.Equal(t, ActionStem, b.Action)
	require.NotEqual(t, a.Destination, b.Destination)

	// Routes are stable per source.
	again := router.OnNewTransaction(testHash(3), 10, 0)
	require.Equal(t, a.Destination, again.Destination)

	// A destination relaying a transaction is routed to the other one.
	c := router.OnNewTransaction(testHash(4), 1, 0)
	require.Equal(t, ActionStem, c.Action)
	require.Equal(t, PeerID(2), c.Destination)
}

// TestShuffleKeepsEmbargoes ensures reshuffling the destinations does not
// reroute transactions already in the stem phase.
func TestShuffleKeepsEmbargoes(t *testing.T) {
	router, mock, notifier := newTestRouter(t, "shuffle", noFluff)
	for id := PeerID(1); id <= 6; id++ {
		router.AddPeer(id, true)
	}
	router.AddPeer(20, false)
	require.Len(t, router.Destinations(), 2)

	txHash := testHash(1)
	decision := router.OnNewTransaction(txHash, LocalPeer, 0)
	require.Equal(t, ActionStem, decision.Action)

	for i := 0; i < 10; i++ {
		router.Shuffle()
		dests := router.Destinations()
		require.Len(t, dests, 2)
		require.NotContains(t, dests, PeerID(20))

		entry, ok := router.Embargo(txHash)
		require.True(t, ok)
		require.Equal(t, decision.Destination, entry.Destination)
	}

	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return notifier.numBroadcasts(txHash) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestShuffleDeterministic ensures routers with the same seed pick the same
// destinations.
func TestShuffleDeterministic(t *testing.T) {
	r1, _, _ := newTestRouter(t, "deterministic-1", nil)
	r2, _, _ := newTestRouter(t, "deterministic-2", nil)
	for _, router := range []*Router{r1, r2} {
		for id := PeerID(1); id <= 8; id++ {
			router.AddPeer(id, true)
		}
		router.Shuffle()
	}
	require.Equal(t, r1.Destinations(), r2.Destinations())
}

// TestEmbargoExpiresWithoutPeers ensures a transaction whose embargo ends
// while no peer is connected becomes expired and is not broadcast.
func TestEmbargoExpiresWithoutPeers(t *testing.T) {
	router, mock, notifier := newTestRouter(t, "expired", noFluff)
	router.AddPeer(1, true)

	txHash := testHash(1)
	require.Equal(t, ActionStem,
		router.OnNewTransaction(txHash, LocalPeer, 0).Action)
	router.RemovePeer(1)
	require.Empty(t, router.Destinations())

	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return router.State(txHash) == TxExpired
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, notifier.numBroadcasts(txHash))
	require.Equal(t, ActionIgnore,
		router.OnNewTransaction(txHash, LocalPeer, 0).Action)
}

// TestStopCancelsEmbargoes ensures stopping the router cancels every pending
// embargo.
func TestStopCancelsEmbargoes(t *testing.T) {
	router, mock, notifier := newTestRouter(t, "stop", noFluff)
	router.AddPeer(1, true)
	router.Start()

	for i := 0; i < 10; i++ {
		router.OnNewTransaction(testHash(i), LocalPeer, 0)
	}
	require.Equal(t, 10, router.NumEmbargoed())

	require.NoError(t, router.Stop())
	require.NoError(t, router.Stop())
	require.Equal(t, 0, router.NumEmbargoed())

	mock.Add(time.Minute)
	require.Equal(t, 0, notifier.totalBroadcasts())
}

// TestRouterMetrics ensures routing decisions are counted per network.
func TestRouterMetrics(t *testing.T) {
	const network = "metrics"
	router, _, _ := newTestRouter(t, network, func(p *chaincfg.Params) {
		p.Dandelion.FluffPercent = 100
	})

	counter := routingDecisionsTotal.WithLabelValues(network, "fluff")
	before := testutil.ToFloat64(counter)
	router.OnNewTransaction(testHash(1), LocalPeer, 0)
	router.OnNewTransaction(testHash(1), LocalPeer, 0)
	require.Equal(t, 1.0, testutil.ToFloat64(counter)-before)

	ignored := routingDecisionsTotal.WithLabelValues(network, "ignore")
	require.Equal(t, 1.0, testutil.ToFloat64(ignored))
}

// TestPeerBecomesInbound ensures a destination registered again as inbound
// stops receiving stem transactions right away.
func TestPeerBecomesInbound(t *testing.T) {
	router, _, _ := newTestRouter(t, "inbound", noFluff)
	router.AddPeer(1, true)
	router.AddPeer(2, true)
	require.Equal(t, []PeerID{1, 2}, router.Destinations())

	router.AddPeer(1, false)
	require.Equal(t, []PeerID{2}, router.Destinations())

	for i := 0; i < 5; i++ {
		decision := router.OnNewTransaction(testHash(i), 3, 0)
		require.Equal(t, ActionStem, decision.Action)
		require.Equal(t, PeerID(2), decision.Destination)
	}

	// Still connected, but never chosen by a reshuffle.
	router.Shuffle()
	require.Equal(t, []PeerID{2}, router.Destinations())
}

// TestKnown ensures embargoed, fluffed and expired transactions are known
// and new ones are not.
func TestKnown(t *testing.T) {
	router, mock, _ := newTestRouter(t, "known", noFluff)
	router.AddPeer(1, true)

	stem := testHash(1)
	require.False(t, router.Known(stem))
	router.OnNewTransaction(stem, LocalPeer, 0)
	require.True(t, router.Known(stem))

	fluffed := testHash(2)
	router.OnFluffedTransaction(fluffed)
	require.True(t, router.Known(fluffed))

	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return router.State(stem) == TxFluff
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, router.Known(stem))
	require.False(t, router.Known(testHash(3)))
}

// TestEmbargoGaugeSharedNetwork ensures routers on the same network add up
// in the embargo gauge instead of overwriting each other.
func TestEmbargoGaugeSharedNetwork(t *testing.T) {
	const network = "shared-gauge"
	r1, _, _ := newTestRouter(t, network, noFluff)
	r2, _, _ := newTestRouter(t, network, noFluff)
	r1.AddPeer(1, true)
	r2.AddPeer(1, true)

	gauge := embargoedTxns.WithLabelValues(network)
	for i := 0; i < 3; i++ {
		r1.OnNewTransaction(testHash(i), LocalPeer, 0)
	}
	r2.OnNewTransaction(testHash(10), LocalPeer, 0)
	require.Equal(t, 4.0, testutil.ToFloat64(gauge))

	r2.OnFluffedTransaction(testHash(10))
	require.Equal(t, 3.0, testutil.ToFloat64(gauge))

	require.NoError(t, r1.Stop())
	require.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

// TestStringers ensures the enumerations print their names.
func TestStringers(t *testing.T) {
	require.Equal(t, "stem", TxStem.String())
	require.Equal(t, "expired", TxExpired.String())
	require.Equal(t, "Unknown TxState (9)", TxState(9).String())
	require.Equal(t, "fluff", ActionFluff.String())
	require.Equal(t, "local", LocalPeer.String())
	require.Equal(t, "peer 3", PeerID(3).String())
}
