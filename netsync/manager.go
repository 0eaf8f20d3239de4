// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
	"github.com/zcoinofficial/zcoind/dandelion"
	"github.com/zcoinofficial/zcoind/sigma"
)

const (
	// defaultMaxPeers sizes the message queue when the configuration does
	// not specify a peer count.
	defaultMaxPeers = 125

	// maxTipAge is the age of the best header above which the header chain
	// is not considered current.
	maxTipAge = 24 * time.Hour
)

var (
	// ErrShuttingDown is returned for requests made after the manager was
	// stopped.
	ErrShuttingDown = errors.New("sync manager is shutting down")
)

// zeroHash is the zero value hash (all zeros).  It is defined as a convenience.
var zeroHash chainhash.Hash

// TxDesc describes a transaction handed to the manager for relay.
type TxDesc struct {
	// Hash is the hash of the transaction.
	Hash chainhash.Hash

	// From is the peer the transaction was received from or
	// dandelion.LocalPeer.
	From dandelion.PeerID

	// Hops is the number of stem hops the transaction already travelled.
	Hops uint32

	// Spend is the privacy operation carried by the transaction, if any.
	Spend *sigma.Spend
}

// processHeaderMsg is a message type to be sent across the message channel
// for requesting a header be processed.
type processHeaderMsg struct {
	header *wire.BlockHeader
	reply  chan processHeaderResponse
}

// processHeaderResponse is a response sent to the reply channel of a
// processHeaderMsg.
type processHeaderResponse struct {
	node *blockchain.HeaderNode
	err  error
}

// txMsg packages a transaction and a reply channel.
type txMsg struct {
	tx    *TxDesc
	reply chan txResponse
}

// txResponse is a response sent to the reply channel of a txMsg.
type txResponse struct {
	decision dandelion.RoutingDecision
	err      error
}

// fluffedTxMsg signifies a transaction was seen in fluff phase.
type fluffedTxMsg struct {
	hash  chainhash.Hash
	reply chan bool
}

// newPeerMsg signifies a newly connected peer to the header handler.
type newPeerMsg struct {
	id       dandelion.PeerID
	outbound bool
}

// donePeerMsg signifies a newly disconnected peer to the header handler.
type donePeerMsg struct {
	id dandelion.PeerID
}

// getTipMsg is a message type to be sent across the message channel for
// retrieving the current best header.
type getTipMsg struct {
	reply chan *blockchain.HeaderNode
}

// isCurrentMsg is a message type to be sent across the message channel for
// requesting whether or not the header chain is current.
type isCurrentMsg struct {
	reply chan bool
}

// pauseMsg is a message type to be sent across the message channel for
// pausing the sync manager.  This effectively provides the caller with
// exclusive access over the manager until a receive is performed on the
// unpause channel.
type pauseMsg struct {
	unpause <-chan struct{}
}

// indexEntry is a header of the index along with the total work of the chain
// ending with it.
type indexEntry struct {
	node    *blockchain.HeaderNode
	workSum *big.Int
}

// Config is a configuration struct used to initialize a new Manager.
type Config struct {
	// ChainParams are the parameters of the network.
	ChainParams *chaincfg.Params

	// ThresholdStore persists deployment window states.  It may be nil.
	ThresholdStore blockchain.ThresholdStore

	// Router relays transactions.  It is started and stopped along with
	// the manager.
	Router *dandelion.Router

	// MaxPeers sizes the message queue.
	MaxPeers int

	// Clock tells the time the age of the best header is measured
	// against.  It defaults to the wall clock.
	Clock clock.Clock
}

// Manager feeds block headers to the deployment tracker and the difficulty
// retargeter and transactions to the Sigma ledger and the Dandelion router.
// Every request is serialized through a single handler goroutine.
type Manager struct {
	started  int32
	shutdown int32

	chainParams *chaincfg.Params
	tracker     *blockchain.DeploymentTracker
	retargeter  *blockchain.Retargeter
	ledger      *sigma.Ledger
	router      *dandelion.Router
	clock       clock.Clock

	// These fields are only accessed from the header handler.
	index            map[chainhash.Hash]*indexEntry
	tip              *indexEntry
	current          bool
	deploymentStates [chaincfg.DefinedDeployments]blockchain.ThresholdState

	msgChan chan interface{}
	wg      sync.WaitGroup
	quit    chan struct{}
}

// headerCtx returns the passed node as a HeaderCtx, keeping nil nodes nil.
func headerCtx(node *blockchain.HeaderNode) blockchain.HeaderCtx {
	if node == nil {
		return nil
	}
	return node
}

// tipNode returns the best header or nil when no header was processed.
func (m *Manager) tipNode() *blockchain.HeaderNode {
	if m.tip == nil {
		return nil
	}
	return m.tip.node
}

// handleProcessHeader connects the passed header to the header index and
// advances the best header when its chain has the most work.
func (m *Manager) handleProcessHeader(header *wire.BlockHeader) (*blockchain.HeaderNode, error) {
	hash := header.BlockHash()
	if _, exists := m.index[hash]; exists {
		str := fmt.Sprintf("already have header %v", hash)
		return nil, blockchain.RuleError{
			ErrorCode:   blockchain.ErrDuplicateBlock,
			Description: str,
		}
	}

	var parent *indexEntry
	if header.PrevBlock != zeroHash || len(m.index) != 0 {
		var ok bool
		parent, ok = m.index[header.PrevBlock]
		if !ok {
			str := fmt.Sprintf("previous header %v of %v is unknown",
				header.PrevBlock, hash)
			return nil, blockchain.RuleError{
				ErrorCode:   blockchain.ErrMissingParent,
				Description: str,
			}
		}
	}

	var parentNode *blockchain.HeaderNode
	workSum := new(big.Int)
	if parent != nil {
		parentNode = parent.node
		workSum.Set(parent.workSum)
	}
	err := m.retargeter.CheckHeaderDifficulty(headerCtx(parentNode), header)
	if err != nil {
		return nil, err
	}
	err = blockchain.CheckHeaderContext(headerCtx(parentNode), header,
		m.chainParams)
	if err != nil {
		return nil, err
	}

	node := blockchain.NewHeaderNode(header, parentNode)
	entry := &indexEntry{
		node:    node,
		workSum: workSum.Add(workSum, blockchain.CalcWork(header.Bits)),
	}
	m.index[hash] = entry

	if m.tip != nil && entry.workSum.Cmp(m.tip.workSum) <= 0 {
		log.Debugf("Accepted side chain header %v at height %d", hash,
			node.Height())
		return node, nil
	}

	m.tip = entry
	m.ledger.ConnectBlock(node.Height())
	log.Tracef("New best header %v at height %d", hash, node.Height())
	m.updateDeploymentStates()

	if current := m.isCurrent(); current != m.current {
		m.current = current
		if current {
			log.Infof("Header chain is current at height %d",
				node.Height())
		}
	}
	return node, nil
}

// isCurrent returns whether the best header chain carries at least the
// minimum chain work of the network and its tip is recent.
func (m *Manager) isCurrent() bool {
	if m.tip == nil {
		return false
	}
	minWork := m.chainParams.MinimumChainWork
	if minWork != nil && m.tip.workSum.Cmp(minWork) < 0 {
		return false
	}
	tipTime := time.Unix(m.tip.node.Timestamp(), 0)
	return !tipTime.Before(m.clock.Now().Add(-maxTipAge))
}

// updateDeploymentStates logs the deployment state transitions caused by a new
// best header and persists the newly computed window states.
func (m *Manager) updateDeploymentStates() {
	tip := m.tipNode()
	for id := chaincfg.DeploymentID(0); id < chaincfg.DefinedDeployments; id++ {
		state, err := m.tracker.ThresholdState(tip, id)
		if err != nil {
			log.Errorf("Unable to compute state of deployment %v: %v",
				id, err)
			continue
		}
		if state != m.deploymentStates[id] {
			log.Infof("Deployment %v changed from %v to %v at height %d",
				id, m.deploymentStates[id], state, tip.Height()+1)
			m.deploymentStates[id] = state
		}
	}

	if _, err := m.tracker.WarnUnknownRuleActivations(tip); err != nil {
		log.Errorf("Unable to check unknown rule activations: %v", err)
	}
	if _, err := m.tracker.WarnUnknownVersions(tip); err != nil {
		log.Errorf("Unable to check unknown versions: %v", err)
	}

	if err := m.tracker.Flush(); err != nil {
		log.Errorf("Unable to flush threshold states: %v", err)
	}
}

// handleTxMsg applies the Sigma limits to the transaction against the block
// following the best header and then routes it.  Transactions the router
// already knows are ignored without touching the limits.
func (m *Manager) handleTxMsg(tx *TxDesc) (dandelion.RoutingDecision, error) {
	if m.router.Known(&tx.Hash) {
		return m.router.OnNewTransaction(&tx.Hash, tx.From, tx.Hops), nil
	}

	if tx.Spend != nil {
		height := int32(0)
		if tip := m.tipNode(); tip != nil {
			height = tip.Height() + 1
		}
		spend := *tx.Spend
		spend.TxHash = tx.Hash
		err := m.ledger.TryAcceptSpend(height, &spend, sigma.PolicyMempool)
		if err != nil {
			log.Debugf("Rejected transaction %v from %v: %v", tx.Hash,
				tx.From, err)
			return dandelion.RoutingDecision{}, err
		}
	}

	return m.router.OnNewTransaction(&tx.Hash, tx.From, tx.Hops), nil
}

// headerHandler is the main handler for the sync manager.  It must be run as a
// goroutine.  It processes headers, transactions and peer notifications in a
// separate goroutine from the peer handlers so the index and the ledger see a
// single ordered stream of updates.
func (m *Manager) headerHandler() {
out:
	for {
		select {
		case msg := <-m.msgChan:
			switch msg := msg.(type) {
			case processHeaderMsg:
				node, err := m.handleProcessHeader(msg.header)
				msg.reply <- processHeaderResponse{node: node, err: err}

			case txMsg:
				decision, err := m.handleTxMsg(msg.tx)
				msg.reply <- txResponse{decision: decision, err: err}

			case fluffedTxMsg:
				msg.reply <- m.router.OnFluffedTransaction(&msg.hash)

			case newPeerMsg:
				log.Debugf("New peer %v (outbound %v)", msg.id,
					msg.outbound)
				m.router.AddPeer(msg.id, msg.outbound)

			case donePeerMsg:
				log.Debugf("Lost peer %v", msg.id)
				m.router.RemovePeer(msg.id)

			case getTipMsg:
				msg.reply <- m.tipNode()

			case isCurrentMsg:
				msg.reply <- m.isCurrent()

			case pauseMsg:
				// Wait until the sender unpauses the manager.
				<-msg.unpause

			default:
				log.Warnf("Invalid message type in header "+
					"handler: %T", msg)
			}

		case <-m.quit:
			break out
		}
	}

	if err := m.tracker.Flush(); err != nil {
		log.Errorf("Error while flushing threshold states: %v", err)
	}

	m.wg.Done()
	log.Trace("Header handler done")
}

// ProcessHeader connects the passed header to the header index.  The header
// must extend a known header, or be the first header processed, and carry the
// required difficulty.  It returns the node created for the header.
func (m *Manager) ProcessHeader(header *wire.BlockHeader) (*blockchain.HeaderNode, error) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return nil, ErrShuttingDown
	}

	reply := make(chan processHeaderResponse, 1)
	m.msgChan <- processHeaderMsg{header: header, reply: reply}
	response := <-reply
	return response.node, response.err
}

// ProcessTransaction checks the Sigma spend of the transaction against the
// mempool policy at the height following the best header and, when accepted,
// routes it through Dandelion.
func (m *Manager) ProcessTransaction(tx *TxDesc) (dandelion.RoutingDecision, error) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return dandelion.RoutingDecision{}, ErrShuttingDown
	}

	reply := make(chan txResponse, 1)
	m.msgChan <- txMsg{tx: tx, reply: reply}
	response := <-reply
	return response.decision, response.err
}

// ProcessFluffedTransaction informs the router that the transaction was seen
// in fluff phase.  It returns whether an embargo was cancelled.
func (m *Manager) ProcessFluffedTransaction(hash *chainhash.Hash) bool {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return false
	}

	reply := make(chan bool, 1)
	m.msgChan <- fluffedTxMsg{hash: *hash, reply: reply}
	return <-reply
}

// NewPeer informs the sync manager of a newly active peer.
func (m *Manager) NewPeer(id dandelion.PeerID, outbound bool) {
	// Ignore if we are shutting down.
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}
	m.msgChan <- newPeerMsg{id: id, outbound: outbound}
}

// DonePeer informs the sync manager that a peer has disconnected.
func (m *Manager) DonePeer(id dandelion.PeerID) {
	// Ignore if we are shutting down.
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}
	m.msgChan <- donePeerMsg{id: id}
}

// Tip returns the best header or nil when no header was processed yet.
func (m *Manager) Tip() *blockchain.HeaderNode {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return nil
	}

	reply := make(chan *blockchain.HeaderNode, 1)
	m.msgChan <- getTipMsg{reply: reply}
	return <-reply
}

// IsCurrent returns whether the sync manager believes the header chain is
// synced: the best chain has at least the minimum chain work of the network
// and the best header is less than a day old.
func (m *Manager) IsCurrent() bool {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return false
	}

	reply := make(chan bool, 1)
	m.msgChan <- isCurrentMsg{reply: reply}
	return <-reply
}

// DeploymentState returns the state of the deployment for the block following
// the best header.
func (m *Manager) DeploymentState(id chaincfg.DeploymentID) (blockchain.ThresholdState, error) {
	return m.tracker.ThresholdState(headerCtx(m.Tip()), id)
}

// DeploymentTracker returns the tracker fed with the processed headers.
func (m *Manager) DeploymentTracker() *blockchain.DeploymentTracker {
	return m.tracker
}

// Retargeter returns the difficulty retargeter of the network.
func (m *Manager) Retargeter() *blockchain.Retargeter {
	return m.retargeter
}

// Pause pauses the sync manager until the returned channel is closed.
//
// Note that while paused, all header and transaction processing is halted.
// The message sender should avoid pausing the sync manager for long
// durations.
func (m *Manager) Pause() chan<- struct{} {
	c := make(chan struct{})
	m.msgChan <- pauseMsg{c}
	return c
}

// Start begins the core header handler and the Dandelion router.
func (m *Manager) Start() {
	// Already started?
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")
	m.router.Start()
	m.wg.Add(1)
	go m.headerHandler()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish.
func (m *Manager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(m.quit)
	m.wg.Wait()
	return m.router.Stop()
}

// New constructs a new Manager.  Use Start to begin processing headers and
// transactions.
func New(config *Config) (*Manager, error) {
	if config.ChainParams == nil {
		return nil, errors.New("sync manager requires chain parameters")
	}
	if config.Router == nil {
		return nil, errors.New("sync manager requires a dandelion router")
	}
	maxPeers := config.MaxPeers
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := Manager{
		chainParams: config.ChainParams,
		tracker: blockchain.NewDeploymentTracker(config.ChainParams,
			config.ThresholdStore),
		retargeter: blockchain.NewRetargeter(config.ChainParams),
		ledger:     sigma.NewLedger(config.ChainParams),
		router:     config.Router,
		clock:      clk,
		index:      make(map[chainhash.Hash]*indexEntry),
		msgChan:    make(chan interface{}, maxPeers*3),
		quit:       make(chan struct{}),
	}
	return &m, nil
}
