// Copyright (c) 2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
	"github.com/zcoinofficial/zcoind/dandelion"
	"github.com/zcoinofficial/zcoind/database"
	"github.com/zcoinofficial/zcoind/netsync"
)

// newReplayManager returns a started manager over an in-memory threshold
// database.
func newReplayManager(t *testing.T, params *chaincfg.Params) *netsync.Manager {
	t.Helper()

	store, err := database.OpenMemThresholdDB()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := dandelion.New(&dandelion.Config{
		Params:   params,
		Notifier: nopNotifier{},
	})
	m, err := netsync.New(&netsync.Config{
		ChainParams:    params,
		ThresholdStore: store,
		Router:         router,
	})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { m.Stop() })
	return m
}

// serializeChain serializes a chain of n headers followed by the extra
// headers.
func serializeChain(t *testing.T, n int, bits uint32,
	extra ...*wire.BlockHeader) []byte {

	t.Helper()

	var buf bytes.Buffer
	var prev *wire.BlockHeader
	for i := 0; i < n; i++ {
		header := &wire.BlockHeader{
			Version:   4,
			Timestamp: time.Unix(1500000000+int64(i)*600, 0),
			Bits:      bits,
		}
		if prev != nil {
			header.PrevBlock = prev.BlockHash()
		}
		require.NoError(t, header.Serialize(&buf))
		prev = header
	}
	for _, header := range extra {
		require.NoError(t, header.Serialize(&buf))
	}
	return buf.Bytes()
}

// TestReplayHeaders ensures a serialized chain is replayed and rule
// violations are counted instead of aborting.
func TestReplayHeaders(t *testing.T) {
	params := chaincfg.RegressionNetParams
	params.Name = "replay"
	m := newReplayManager(t, &params)

	orphan := &wire.BlockHeader{
		Version:   4,
		PrevBlock: [32]byte{0x01},
		Timestamp: time.Unix(1500000000, 0),
		Bits:      params.PowLimitBits,
	}
	serialized := serializeChain(t, 10, params.PowLimitBits, orphan)

	stats, err := replayHeaders(bytes.NewReader(serialized), m)
	require.NoError(t, err)
	require.Equal(t, 11, stats.read)
	require.Equal(t, 10, stats.processed)
	require.Equal(t, 1, stats.rejected[blockchain.ErrMissingParent])
	require.Equal(t, int32(9), m.Tip().Height())

	var out bytes.Buffer
	require.NoError(t, report(&out, &params, m, stats))
	require.Contains(t, out.String(), "processed 10 headers")
	require.Contains(t, out.String(), "at height 9")
	require.Contains(t, out.String(), "header chain current: false")
	require.Contains(t, out.String(), "deployment csv: ")
	require.Contains(t, out.String(), "subsidy of the next block: 50 BTC")
}

// TestReplayTruncated ensures a truncated header aborts the replay.
func TestReplayTruncated(t *testing.T) {
	params := chaincfg.RegressionNetParams
	params.Name = "replay-truncated"
	m := newReplayManager(t, &params)

	serialized := serializeChain(t, 3, params.PowLimitBits)
	serialized = serialized[:len(serialized)-10]

	stats, err := replayHeaders(bytes.NewReader(serialized), m)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF), "unexpected error %v", err)
	require.Equal(t, 2, stats.processed)
}

// TestParseAndSetDebugLevels ensures debug level strings are validated.
func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("CHAN=trace,DNDL=warn"))

	err := parseAndSetDebugLevels("loud")
	require.Error(t, err)
	err = parseAndSetDebugLevels("XXXX=info")
	require.True(t, err != nil && strings.Contains(err.Error(), "XXXX"))
	require.Error(t, parseAndSetDebugLevels("CHAN=info,SYNC"))
	setLogLevels("off")
}
