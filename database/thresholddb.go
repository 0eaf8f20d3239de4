// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

const (
	// thresholdDBVersion is the current version of the threshold state
	// serialization.  States stored with any other version are discarded
	// since they can always be recomputed.
	thresholdDBVersion = 1

	// thresholdPrefix is the prefix of every threshold state key.
	thresholdPrefix = "thresholdstate"

	// thresholdKeyLen is the length of a threshold state key.
	thresholdKeyLen = len(thresholdPrefix) + 1 + chainhash.HashSize

	// thresholdValueLen is the length of a serialized threshold state.
	thresholdValueLen = 5
)

var (
	// byteOrder is the preferred byte order used through the database.
	// Sometimes big endian will be used to allow ordered byte sortable
	// integer values.
	byteOrder = binary.LittleEndian

	// castagnoli houses the Catagnoli polynomial used for CRC-32 checksums.
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	// versionKeyName is the name of the key holding the serialization
	// version.
	versionKeyName = []byte("thresholdversion")
)

// Ensure ThresholdDB implements the blockchain.ThresholdStore interface.
var _ blockchain.ThresholdStore = (*ThresholdDB)(nil)

// ThresholdDB persists memoized deployment threshold states in leveldb.
//
// The serialized key format is:
//
//	<prefix><deployment id><window end block hash>
//
//	Field             Type             Size
//	prefix            []byte           14
//	deployment id     byte             1
//	block hash        chainhash.Hash   chainhash.HashSize
//
// The serialized value format is:
//
//	[0]    Threshold state (1 byte)
//	[1:5]  Castagnoli CRC-32 checksum of the key and state (4 bytes)
type ThresholdDB struct {
	mtx    sync.RWMutex
	ldb    *leveldb.DB
	closed bool
}

// OpenThresholdDB opens or creates the threshold state database at the passed
// path.
func OpenThresholdDB(dbPath string) (*ThresholdDB, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertErr("failed to open threshold database", err)
	}
	return newThresholdDB(ldb)
}

// OpenMemThresholdDB opens a threshold state database that only lives in
// memory.
func OpenMemThresholdDB() (*ThresholdDB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, convertErr("failed to open threshold database", err)
	}
	return newThresholdDB(ldb)
}

// newThresholdDB checks the serialization version of the passed database,
// discarding every state stored with another version.
func newThresholdDB(ldb *leveldb.DB) (*ThresholdDB, error) {
	db := &ThresholdDB{ldb: ldb}
	if err := db.reconcileVersion(); err != nil {
		ldb.Close()
		return nil, err
	}
	return db, nil
}

// reconcileVersion ensures the stored states use the current serialization.
func (db *ThresholdDB) reconcileVersion() error {
	serialized, err := db.ldb.Get(versionKeyName, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return convertErr("failed to read threshold database version", err)
	case len(serialized) == 4 && byteOrder.Uint32(serialized) == thresholdDBVersion:
		return nil
	}

	// Either the database is new or it was written with another version,
	// so drop every state before recording the current version.
	batch := new(leveldb.Batch)
	iter := db.ldb.NewIterator(util.BytesPrefix([]byte(thresholdPrefix)), nil)
	numDropped := 0
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
		numDropped++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return convertErr("failed to iterate threshold states", err)
	}
	if numDropped > 0 {
		log.Infof("Dropped %d threshold states of an older version",
			numDropped)
	}

	var version [4]byte
	byteOrder.PutUint32(version[:], thresholdDBVersion)
	batch.Put(versionKeyName, version[:])
	if err := db.ldb.Write(batch, nil); err != nil {
		return convertErr("failed to write threshold database version", err)
	}
	return nil
}

// thresholdKey returns the key of a deployment window state.
func thresholdKey(id chaincfg.DeploymentID, hash *chainhash.Hash) []byte {
	key := make([]byte, thresholdKeyLen)
	copy(key, thresholdPrefix)
	key[len(thresholdPrefix)] = byte(id)
	copy(key[len(thresholdPrefix)+1:], hash[:])
	return key
}

// serializeThresholdState serializes the state stored under the passed key.
func serializeThresholdState(key []byte, state blockchain.ThresholdState) []byte {
	var serialized [thresholdValueLen]byte
	serialized[0] = byte(state)
	checksum := crc32.Update(crc32.Checksum(key, castagnoli), castagnoli,
		serialized[:1])
	byteOrder.PutUint32(serialized[1:5], checksum)
	return serialized[:]
}

// deserializeThresholdState deserializes the state stored under the passed
// key.  Returns ErrCorruption if the checksum of the entry doesn't match.
func deserializeThresholdState(key, serialized []byte) (blockchain.ThresholdState, error) {
	if len(serialized) != thresholdValueLen {
		str := fmt.Sprintf("threshold state %x has length %d instead "+
			"of %d", key, len(serialized), thresholdValueLen)
		return 0, makeDbErr(ErrCorruption, str, nil)
	}

	gotChecksum := crc32.Update(crc32.Checksum(key, castagnoli),
		castagnoli, serialized[:1])
	wantChecksum := byteOrder.Uint32(serialized[1:5])
	if gotChecksum != wantChecksum {
		str := fmt.Sprintf("threshold state %x does not match the "+
			"expected checksum - got %d, want %d", key, gotChecksum,
			wantChecksum)
		return 0, makeDbErr(ErrCorruption, str, nil)
	}
	return blockchain.ThresholdState(serialized[0]), nil
}

// FetchThresholdState returns the stored state of the deployment for the
// window ending with the passed block hash.
//
// This is part of the blockchain.ThresholdStore interface implementation.
func (db *ThresholdDB) FetchThresholdState(id chaincfg.DeploymentID,
	hash *chainhash.Hash) (blockchain.ThresholdState, bool, error) {

	db.mtx.RLock()
	defer db.mtx.RUnlock()
	if db.closed {
		return 0, false, makeDbErr(ErrDbNotOpen, "database is closed", nil)
	}

	key := thresholdKey(id, hash)
	serialized, err := db.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, convertErr("failed to fetch threshold state", err)
	}

	state, err := deserializeThresholdState(key, serialized)
	if err != nil {
		return 0, false, err
	}
	return state, true, nil
}

// PutThresholdStates stores the passed window states of the deployment
// atomically.
//
// This is part of the blockchain.ThresholdStore interface implementation.
func (db *ThresholdDB) PutThresholdStates(id chaincfg.DeploymentID,
	states map[chainhash.Hash]blockchain.ThresholdState) error {

	db.mtx.RLock()
	defer db.mtx.RUnlock()
	if db.closed {
		return makeDbErr(ErrDbNotOpen, "database is closed", nil)
	}

	batch := new(leveldb.Batch)
	for hash, state := range states {
		hash := hash
		key := thresholdKey(id, &hash)
		batch.Put(key, serializeThresholdState(key, state))
	}
	if err := db.ldb.Write(batch, nil); err != nil {
		return convertErr("failed to store threshold states", err)
	}
	log.Tracef("Stored %d threshold states of %v", len(states), id)
	return nil
}

// Close closes the database.  Closing an already closed database is a no-op.
func (db *ThresholdDB) Close() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	if err := db.ldb.Close(); err != nil {
		return convertErr("failed to close threshold database", err)
	}
	return nil
}
