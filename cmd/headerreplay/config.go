// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

const (
	defaultLogLevel    = "info"
	defaultLogFilename = "headerreplay.log"
	defaultHeadersFile = "headers.dat"
)

var (
	zcoindHomeDir  = btcutil.AppDataDir("zcoind", false)
	defaultDataDir = filepath.Join(zcoindHomeDir, "data")
	defaultLogDir  = filepath.Join(zcoindHomeDir, "logs")
)

// config defines the configuration options for headerreplay.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir        string `short:"b" long:"datadir" description:"Directory to store the threshold state database"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	HeadersFile    string `short:"i" long:"headers" description:"File containing the serialized 80-byte block headers"`
	DumpParams     bool   `long:"dumpparams" description:"Print the active network parameters and exit"`
	NoStore        bool   `long:"nostore" description:"Keep threshold states in memory only"`
	RegressionTest bool   `long:"regtest" description:"Use the regression test network"`
	TestNet        bool   `long:"testnet" description:"Use the test network"`

	params *chaincfg.Params
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DataDir:     defaultDataDir,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		HeadersFile: defaultHeadersFile,
		params:      &chaincfg.MainNetParams,
	}

	// Parse command line options.
	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	funcName := "loadConfig"
	numNets := 0
	if cfg.TestNet {
		numNets++
		cfg.params = &chaincfg.TestNetParams
	}
	if cfg.RegressionTest {
		numNets++
		cfg.params = &chaincfg.RegressionNetParams
	}
	if numNets > 1 {
		str := "%s: The testnet and regtest params can't be " +
			"used together -- choose one of the two"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		cfg.params.Name)

	if err := initLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {

		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if len(path) > 0 && path[0] == '~' {
		homeDir := filepath.Dir(zcoindHomeDir)
		path = filepath.Join(homeDir, path[1:])
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
