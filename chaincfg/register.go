// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

var (
	registryMtx    sync.RWMutex
	registeredNets = make(map[wire.BitcoinNet]*Params)
	registeredByID = make(map[string]*Params)
)

// Register registers the network parameters for a Zcoin network.  This may
// error with ErrDuplicateNet if the network is already registered (either
// due to a previous Register call, or the network being one of the default
// networks).  The parameters are validated first and any validation error is
// returned as is.
//
// Network parameters should be registered into this package by a main package
// as early as possible.  Then, library packages may lookup networks or network
// parameters based on inputs and work regardless of the network being standard
// or not.
func Register(params *Params) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("network %s: %w", params.Name, err)
	}

	registryMtx.Lock()
	defer registryMtx.Unlock()

	if _, ok := registeredNets[params.Net]; ok {
		return ErrDuplicateNet
	}
	if _, ok := registeredByID[params.Name]; ok {
		return ErrDuplicateNet
	}
	registeredNets[params.Net] = params
	registeredByID[params.Name] = params
	return nil
}

// mustRegister performs the same function as Register except it panics if there
// is an error.  This should only be called from package init functions.
func mustRegister(params *Params) {
	if err := Register(params); err != nil {
		panic("failed to register network: " + err.Error())
	}
}

// ParamsForName returns the registered parameters of the network with the
// passed name or ErrUnknownNet.
func ParamsForName(name string) (*Params, error) {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	params, ok := registeredByID[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNet, name)
	}
	return params, nil
}

// ParamsForNet returns the registered parameters of the network identified by
// the passed magic or ErrUnknownNet.
func ParamsForNet(net wire.BitcoinNet) (*Params, error) {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	params, ok := registeredNets[net]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownNet, net)
	}
	return params, nil
}

func init() {
	// Register all default networks when the package is initialized.
	mustRegister(&MainNetParams)
	mustRegister(&TestNetParams)
	mustRegister(&RegressionNetParams)
}
