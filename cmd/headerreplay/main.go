// Copyright (c) 2019 The Zcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
	"github.com/zcoinofficial/zcoind/dandelion"
	"github.com/zcoinofficial/zcoind/database"
	"github.com/zcoinofficial/zcoind/mining"
	"github.com/zcoinofficial/zcoind/netsync"
)

// replayStats summarizes a header replay.
type replayStats struct {
	read      int
	processed int
	rejected  map[blockchain.ErrorCode]int
}

// nopNotifier drops relay requests since the replay never relays
// transactions.
type nopNotifier struct{}

func (nopNotifier) RelayStem(*chainhash.Hash, dandelion.PeerID) {}
func (nopNotifier) BroadcastFluff(*chainhash.Hash)              {}

// replayHeaders feeds every serialized header read from r to the manager.
// Headers breaking a consensus rule are counted and skipped, any other error
// aborts the replay.
func replayHeaders(r io.Reader, m *netsync.Manager) (*replayStats, error) {
	stats := &replayStats{rejected: make(map[blockchain.ErrorCode]int)}
	for {
		var header wire.BlockHeader
		err := header.Deserialize(r)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read header %d: %w",
				stats.read, err)
		}
		stats.read++

		_, err = m.ProcessHeader(&header)
		var rErr blockchain.RuleError
		switch {
		case errors.As(err, &rErr):
			hdrsLog.Warnf("Rejected header %v: %v", header.BlockHash(),
				err)
			stats.rejected[rErr.ErrorCode]++

		case err != nil:
			return stats, err

		default:
			stats.processed++
		}
	}
}

// report writes the state of the replayed chain to w.
func report(w io.Writer, params *chaincfg.Params, m *netsync.Manager,
	stats *replayStats) error {

	fmt.Fprintf(w, "network %s: processed %d headers\n", params.Name,
		stats.processed)
	for code, count := range stats.rejected {
		fmt.Fprintf(w, "rejected %d headers: %v\n", count, code)
	}

	tip := m.Tip()
	if tip == nil {
		return nil
	}
	hash := tip.Hash()
	fmt.Fprintf(w, "best header %v at height %d (%v)\n", hash,
		tip.Height(), blockchain.CalcPastMedianTime(tip).UTC())
	fmt.Fprintf(w, "header chain current: %v\n", m.IsCurrent())

	for id := chaincfg.DeploymentID(0); id < chaincfg.DefinedDeployments; id++ {
		state, err := m.DeploymentState(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "deployment %v: %v\n", id, state)
	}

	generator := mining.NewTemplateGenerator(params, m.DeploymentTracker(),
		m.Retargeter(), nil)
	tmpl, err := generator.NewHeaderTemplate(tip)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "next block: version %08x, bits %08x, mtp %v\n",
		uint32(tmpl.Header.Version), tmpl.Header.Bits, tmpl.MTP)
	fmt.Fprintf(w, "subsidy of the next block: %v\n", tmpl.Subsidy)
	return nil
}

// openStore opens the threshold state database of the network.
func openStore(cfg *config) (*database.ThresholdDB, error) {
	if cfg.NoStore {
		return database.OpenMemThresholdDB()
	}
	return database.OpenThresholdDB(filepath.Join(cfg.DataDir, "thresholds"))
}

func realMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if cfg.DumpParams {
		spew.Dump(cfg.params)
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		hdrsLog.Errorf("Failed to open threshold database: %v", err)
		return err
	}
	defer store.Close()

	router := dandelion.New(&dandelion.Config{
		Params:   cfg.params,
		Notifier: nopNotifier{},
	})
	m, err := netsync.New(&netsync.Config{
		ChainParams:    cfg.params,
		ThresholdStore: store,
		Router:         router,
	})
	if err != nil {
		return err
	}
	m.Start()
	defer m.Stop()

	file, err := os.Open(cfg.HeadersFile)
	if err != nil {
		hdrsLog.Errorf("Failed to open headers file: %v", err)
		return err
	}
	defer file.Close()

	hdrsLog.Infof("Replaying headers from %s", cfg.HeadersFile)
	stats, err := replayHeaders(bufio.NewReader(file), m)
	if err != nil {
		hdrsLog.Errorf("Replay aborted: %v", err)
		return err
	}
	return report(os.Stdout, cfg.params, m, stats)
}

func main() {
	if err := realMain(); err != nil {
		os.Exit(1)
	}
}
