// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// chainBuilder creates chains of header nodes for tests.
type chainBuilder struct {
	tip   *HeaderNode
	nonce uint32
}

// add connects a new header with the passed fields to the tip of the chain
// and returns its node.
func (b *chainBuilder) add(timestamp time.Time, version int32, bits uint32) *HeaderNode {
	var prevHash chainhash.Hash
	if b.tip != nil {
		prevHash = b.tip.Hash()
	}
	header := &wire.BlockHeader{
		Version:   version,
		PrevBlock: prevHash,
		Timestamp: timestamp,
		Bits:      bits,
		Nonce:     b.nonce,
	}
	b.nonce++
	b.tip = NewHeaderNode(header, b.tip)
	return b.tip
}

// extend connects numBlocks headers spaced by spacing after the tip.
func (b *chainBuilder) extend(numBlocks int, spacing time.Duration,
	version int32, bits uint32) *HeaderNode {

	for i := 0; i < numBlocks; i++ {
		timestamp := time.Unix(testBaseTime, 0)
		if b.tip != nil {
			timestamp = time.Unix(b.tip.Timestamp(), 0).Add(spacing)
		}
		b.add(timestamp, version, bits)
	}
	return b.tip
}

// testBaseTime is the timestamp of the first header of built chains.  It is
// before the MTP switch of every default network.
const testBaseTime = 1500000000

// TestHeaderNodeAncestors ensures ancestors are found by height and that nil
// nodes are never wrapped in a non-nil interface.
func TestHeaderNodeAncestors(t *testing.T) {
	var b chainBuilder
	tip := b.extend(20, time.Minute, 1, 0x207fffff)
	require.Equal(t, int32(19), tip.Height())

	for height := int32(0); height <= tip.Height(); height++ {
		ancestor := tip.Ancestor(height)
		if ancestor == nil || ancestor.Height() != height {
			t.Fatalf("Ancestor(%d): unexpected node %v", height, ancestor)
		}
	}
	require.Nil(t, tip.Ancestor(20))
	require.Nil(t, tip.Ancestor(-1))
	require.Nil(t, tip.RelativeAncestorCtx(20))
	require.Nil(t, tip.Ancestor(0).Parent())

	ctx := tip.RelativeAncestorCtx(5)
	require.Equal(t, int32(14), ctx.Height())
	require.Equal(t, tip.Ancestor(13).Hash(), ctx.Parent().Hash())
	require.Equal(t, int32(3), ancestorCtx(tip, 3).Height())
	require.Nil(t, ancestorCtx(tip, 21))
}

// TestCalcPastMedianTime ensures the median of the last eleven timestamps is
// selected regardless of their order.
func TestCalcPastMedianTime(t *testing.T) {
	tests := []struct {
		name       string
		timestamps []int64
		expected   int64
	}{{
		name:       "one block",
		timestamps: []int64{1517188771},
		expected:   1517188771,
	}, {
		name:       "two blocks, in order",
		timestamps: []int64{1517188771, 1517188831},
		expected:   1517188831,
	}, {
		name: "eleven blocks, out of order",
		timestamps: []int64{1517188771, 1517188891, 1517188831,
			1517188951, 1517188911, 1517188871, 1517189011,
			1517188971, 1517189071, 1517189031, 1517189131},
		expected: 1517188951,
	}, {
		name: "fifteen blocks, only the last eleven count",
		timestamps: []int64{1, 2, 3, 4, 1517188771, 1517188831,
			1517188891, 1517188951, 1517189011, 1517189071,
			1517189131, 1517189191, 1517189251, 1517189311,
			1517189371},
		expected: 1517189071,
	}}

	for _, test := range tests {
		var b chainBuilder
		for _, timestamp := range test.timestamps {
			b.add(time.Unix(timestamp, 0), 1, 0x207fffff)
		}

		got := CalcPastMedianTime(b.tip)
		if got.Unix() != test.expected {
			t.Errorf("%s: mismatched median time - got %v, want %v",
				test.name, got.Unix(), test.expected)
		}
	}

	require.Equal(t, int64(0), CalcPastMedianTime(nil).Unix())
}
