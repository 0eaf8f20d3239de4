// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// TestThresholdDBRoundTrip ensures stored states can be fetched per
// deployment and that missing entries are reported as such.
func TestThresholdDBRoundTrip(t *testing.T) {
	db, err := OpenMemThresholdDB()
	require.NoError(t, err)
	defer db.Close()

	hashA := chainhash.DoubleHashH([]byte("a"))
	hashB := chainhash.DoubleHashH([]byte("b"))
	err = db.PutThresholdStates(chaincfg.DeploymentCSV,
		map[chainhash.Hash]blockchain.ThresholdState{
			hashA: blockchain.ThresholdStarted,
			hashB: blockchain.ThresholdActive,
		})
	require.NoError(t, err)

	state, ok, err := db.FetchThresholdState(chaincfg.DeploymentCSV, &hashA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blockchain.ThresholdStarted, state)

	state, ok, err = db.FetchThresholdState(chaincfg.DeploymentCSV, &hashB)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blockchain.ThresholdActive, state)

	// The same hash under another deployment is a distinct entry.
	_, ok, err = db.FetchThresholdState(chaincfg.DeploymentSegwit, &hashA)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestThresholdDBCorruption ensures a damaged entry is reported as
// ErrCorruption instead of being returned.
func TestThresholdDBCorruption(t *testing.T) {
	db, err := OpenMemThresholdDB()
	require.NoError(t, err)
	defer db.Close()

	hash := chainhash.DoubleHashH([]byte("corrupt"))
	err = db.PutThresholdStates(chaincfg.DeploymentMTP,
		map[chainhash.Hash]blockchain.ThresholdState{
			hash: blockchain.ThresholdLockedIn,
		})
	require.NoError(t, err)

	// Flip the stored state without updating the checksum.
	key := thresholdKey(chaincfg.DeploymentMTP, &hash)
	serialized, err := db.ldb.Get(key, nil)
	require.NoError(t, err)
	serialized[0] = byte(blockchain.ThresholdFailed)
	require.NoError(t, db.ldb.Put(key, serialized, nil))

	_, _, err = db.FetchThresholdState(chaincfg.DeploymentMTP, &hash)
	var dbErr Error
	require.True(t, errors.As(err, &dbErr), "unexpected error %v", err)
	require.Equal(t, ErrCorruption, dbErr.ErrorCode)

	// A truncated entry is corrupt as well.
	require.NoError(t, db.ldb.Put(key, serialized[:2], nil))
	_, _, err = db.FetchThresholdState(chaincfg.DeploymentMTP, &hash)
	require.True(t, errors.As(err, &dbErr), "unexpected error %v", err)
	require.Equal(t, ErrCorruption, dbErr.ErrorCode)
}

// TestThresholdDBVersion ensures states written by another serialization
// version are dropped when the database is reopened.
func TestThresholdDBVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "thresholds")

	db, err := OpenThresholdDB(dbPath)
	require.NoError(t, err)
	hash := chainhash.DoubleHashH([]byte("version"))
	err = db.PutThresholdStates(chaincfg.DeploymentCSV,
		map[chainhash.Hash]blockchain.ThresholdState{
			hash: blockchain.ThresholdActive,
		})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening with the same version keeps the state.
	db, err = OpenThresholdDB(dbPath)
	require.NoError(t, err)
	_, ok, err := db.FetchThresholdState(chaincfg.DeploymentCSV, &hash)
	require.NoError(t, err)
	require.True(t, ok)

	// Pretend the states were written by an older version.
	var version [4]byte
	byteOrder.PutUint32(version[:], thresholdDBVersion+1)
	require.NoError(t, db.ldb.Put(versionKeyName, version[:], nil))
	require.NoError(t, db.Close())

	db, err = OpenThresholdDB(dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, ok, err = db.FetchThresholdState(chaincfg.DeploymentCSV, &hash)
	require.NoError(t, err)
	require.False(t, ok)

	iter := db.ldb.NewIterator(util.BytesPrefix([]byte(thresholdPrefix)), nil)
	defer iter.Release()
	require.False(t, iter.Next())
}

// TestThresholdDBClosed ensures a closed database refuses access.
func TestThresholdDBClosed(t *testing.T) {
	db, err := OpenMemThresholdDB()
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	hash := chainhash.DoubleHashH([]byte("closed"))
	_, _, err = db.FetchThresholdState(chaincfg.DeploymentCSV, &hash)
	var dbErr Error
	require.True(t, errors.As(err, &dbErr))
	require.Equal(t, ErrDbNotOpen, dbErr.ErrorCode)

	err = db.PutThresholdStates(chaincfg.DeploymentCSV, nil)
	require.True(t, errors.As(err, &dbErr))
	require.Equal(t, ErrDbNotOpen, dbErr.ErrorCode)
}

// TestThresholdDBBackedTracker ensures the deployment tracker persists its
// window states through the database and can reuse them after a restart.
func TestThresholdDBBackedTracker(t *testing.T) {
	db, err := OpenMemThresholdDB()
	require.NoError(t, err)
	defer db.Close()

	params := chaincfg.RegressionNetParams
	params.MinerConfirmationWindow = 4
	params.RuleChangeActivationThreshold = 3

	// Build a chain of signalling blocks long enough to activate the
	// deployment.
	csvBit := params.Deployments[chaincfg.DeploymentCSV].BitNumber
	version := int32(0x20000000 | (1 << csvBit))
	var tip *blockchain.HeaderNode
	prevHash := chainhash.Hash{}
	for i := 0; i < 16; i++ {
		header := &wire.BlockHeader{
			Version:   version,
			PrevBlock: prevHash,
			Timestamp: time.Unix(1500000000+int64(i)*600, 0),
			Bits:      params.PowLimitBits,
			Nonce:     uint32(i),
		}
		tip = blockchain.NewHeaderNode(header, tip)
		prevHash = header.BlockHash()
	}

	tracker := blockchain.NewDeploymentTracker(&params, db)
	state, err := tracker.ThresholdState(tip, chaincfg.DeploymentCSV)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdActive, state)
	require.NoError(t, tracker.Flush())

	iter := db.ldb.NewIterator(util.BytesPrefix([]byte(thresholdPrefix)), nil)
	numStored := 0
	for iter.Next() {
		numStored++
	}
	iter.Release()
	require.NotZero(t, numStored)

	// A fresh tracker over the same database agrees.
	tracker = blockchain.NewDeploymentTracker(&params, db)
	state, err = tracker.ThresholdState(tip, chaincfg.DeploymentCSV)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdActive, state)
}

// Ensure the leveldb not found error is never surfaced.
func TestThresholdDBMissingIsNotError(t *testing.T) {
	db, err := OpenMemThresholdDB()
	require.NoError(t, err)
	defer db.Close()

	hash := chainhash.Hash{}
	_, ok, err := db.FetchThresholdState(chaincfg.DeploymentTestDummy, &hash)
	require.False(t, errors.Is(err, leveldb.ErrNotFound))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestThresholdKeyLayout ensures the key is exactly the prefix, the
// deployment id and the window end hash.
func TestThresholdKeyLayout(t *testing.T) {
	hash := chainhash.DoubleHashH([]byte("layout"))
	key := thresholdKey(chaincfg.DeploymentSegwit, &hash)
	require.Len(t, key, thresholdKeyLen)
	require.Equal(t, len("thresholdstate")+1+chainhash.HashSize, thresholdKeyLen)
	require.Equal(t, []byte(thresholdPrefix), key[:len(thresholdPrefix)])
	require.Equal(t, byte(chaincfg.DeploymentSegwit), key[len(thresholdPrefix)])
	require.Equal(t, hash[:], key[len(thresholdPrefix)+1:])
}
