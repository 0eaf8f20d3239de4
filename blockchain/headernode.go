// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/exp/slices"
)

// medianTimeBlocks is the number of previous blocks which should be
// used to calculate the median time used to validate block timestamps.
const medianTimeBlocks = 11

// HeaderCtx is an interface that describes information about a block header.
// This is used so that external libraries can provide their own context (the
// header's parent, bits, etc.) when attempting to contextually validate a
// header or query deployment states.
type HeaderCtx interface {
	// Height returns the header's height.
	Height() int32

	// Hash returns the hash of the header.
	Hash() chainhash.Hash

	// Bits returns the header's bits.
	Bits() uint32

	// Version returns the header's version.
	Version() int32

	// Timestamp returns the header's timestamp.
	Timestamp() int64

	// Parent returns the header's parent.  It returns nil for the genesis
	// header.
	Parent() HeaderCtx

	// RelativeAncestorCtx returns the header's ancestor that is distance
	// blocks before it in the chain.
	RelativeAncestorCtx(distance int32) HeaderCtx
}

// HeaderNode represents a block header within a chain of headers.  Nodes are
// immutable once created and are safe for concurrent reads.
type HeaderNode struct {
	// parent is the parent header for this node.
	parent *HeaderNode

	// hash is the double sha 256 of the header.
	hash chainhash.Hash

	// height is the position in the header chain.
	height int32

	// Some fields from the header which are needed for deployment and
	// difficulty calculations.
	version   int32
	bits      uint32
	timestamp int64
}

// Ensure HeaderNode implements the HeaderCtx interface.
var _ HeaderCtx = (*HeaderNode)(nil)

// NewHeaderNode returns a new header node for the given block header and
// parent node.  The height is calculated from the parent and a nil parent
// makes the node a genesis node.
func NewHeaderNode(header *wire.BlockHeader, parent *HeaderNode) *HeaderNode {
	node := &HeaderNode{
		hash:      header.BlockHash(),
		version:   header.Version,
		bits:      header.Bits,
		timestamp: header.Timestamp.Unix(),
	}
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
	}
	return node
}

// Height returns the header's height.
func (node *HeaderNode) Height() int32 {
	return node.height
}

// Hash returns the hash of the header.
func (node *HeaderNode) Hash() chainhash.Hash {
	return node.hash
}

// Bits returns the header's bits.
func (node *HeaderNode) Bits() uint32 {
	return node.bits
}

// Version returns the header's version.
func (node *HeaderNode) Version() int32 {
	return node.version
}

// Timestamp returns the header's timestamp.
func (node *HeaderNode) Timestamp() int64 {
	return node.timestamp
}

// Parent returns the header's parent.
//
// This function is part of the HeaderCtx interface.
func (node *HeaderNode) Parent() HeaderCtx {
	// A nil *HeaderNode must not be wrapped in a non-nil interface.
	if node.parent == nil {
		return nil
	}
	return node.parent
}

// Ancestor returns the ancestor block node at the provided height by
// following the chain backwards from this node.  The returned block will be
// nil when a height is requested that is after the height of the passed node
// or is less than zero.
func (node *HeaderNode) Ancestor(height int32) *HeaderNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for ; n != nil && n.height != height; n = n.parent {
		// Intentionally left blank
	}
	return n
}

// RelativeAncestor returns the ancestor block node a relative 'distance'
// blocks before this node.
func (node *HeaderNode) RelativeAncestor(distance int32) *HeaderNode {
	return node.Ancestor(node.height - distance)
}

// RelativeAncestorCtx returns the header's ancestor that is distance blocks
// before it in the chain.
//
// This function is part of the HeaderCtx interface.
func (node *HeaderNode) RelativeAncestorCtx(distance int32) HeaderCtx {
	ancestor := node.RelativeAncestor(distance)
	if ancestor == nil {
		return nil
	}
	return ancestor
}

// ancestorCtx returns the ancestor of node at the provided height by walking
// the HeaderCtx interface.
func ancestorCtx(node HeaderCtx, height int32) HeaderCtx {
	if node == nil || height < 0 || height > node.Height() {
		return nil
	}
	return node.RelativeAncestorCtx(node.Height() - height)
}

// CalcPastMedianTime calculates the median time of the previous few blocks
// prior to, and including, the passed block node.
func CalcPastMedianTime(node HeaderCtx) time.Time {
	// Create a slice of the previous few block timestamps used to calculate
	// the median per the number defined by the constant medianTimeBlocks.
	timestamps := make([]int64, 0, medianTimeBlocks)
	iterNode := node
	for i := 0; i < medianTimeBlocks && iterNode != nil; i++ {
		timestamps = append(timestamps, iterNode.Timestamp())
		iterNode = iterNode.Parent()
	}
	if len(timestamps) == 0 {
		return time.Unix(0, 0)
	}

	slices.Sort(timestamps)

	// NOTE: The consensus rules incorrectly calculate the median for even
	// numbers of blocks.  A true median averages the middle two elements
	// for a set with an even number of elements in it.  Since the constant
	// for the previous number of blocks to be used is odd, this is only an
	// issue for a few blocks near the beginning of the chain.  This must
	// be preserved in order to remain consensus compatible.
	medianTimestamp := timestamps[len(timestamps)/2]
	return time.Unix(medianTimestamp, 0)
}
