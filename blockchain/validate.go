// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// maxSupersededVersion is the highest block version that is rejected once a
// majority of the network produces blocks of a later version.  Later upgrades
// are signalled through version bits.
const maxSupersededVersion = 4

// isMajorityVersion determines if a previous number of blocks in the chain
// starting with startNode are at least the minimum passed version.
func isMajorityVersion(minVer int32, startNode HeaderCtx, numRequired,
	window int32) bool {

	numFound := int32(0)
	iterNode := startNode
	for i := int32(0); i < window && numFound < numRequired &&
		iterNode != nil; i++ {

		// This node has a version that is at least the minimum version.
		if iterNode.Version() >= minVer {
			numFound++
		}
		iterNode = iterNode.Parent()
	}

	return numFound >= numRequired
}

// checkBlockVersion ensures the header version is not one the network has
// moved past.  Version 1 headers are refused from the BIP0034 height on, and
// any version up to maxSupersededVersion is refused once the reject
// majority of the last window of blocks carries a later one.
func checkBlockVersion(prevNode HeaderCtx, header *wire.BlockHeader,
	params *chaincfg.Params) error {

	height := int32(0)
	if prevNode != nil {
		height = prevNode.Height() + 1
	}
	if header.Version < 2 && height >= params.BIP0034Height {
		str := fmt.Sprintf("block version %d at height %d is not "+
			"valid from the BIP0034 height %d", header.Version,
			height, params.BIP0034Height)
		return ruleError(ErrBlockVersionTooOld, str)
	}

	for version := int32(2); version <= maxSupersededVersion; version++ {
		if header.Version >= version {
			continue
		}
		if isMajorityVersion(version, prevNode,
			params.MajorityRejectBlockOutdated, params.MajorityWindow) {

			str := fmt.Sprintf("new blocks with version %d are no "+
				"longer valid", header.Version)
			return ruleError(ErrBlockVersionTooOld, str)
		}
	}
	return nil
}

// CheckHeaderContext performs the checks of a header that depend on its
// position in the chain apart from the difficulty: the timestamp must be
// after the median time of the last several blocks, and the version must not
// be outdated.  A nil prevNode marks the genesis header, which only gets the
// version checks.
func CheckHeaderContext(prevNode HeaderCtx, header *wire.BlockHeader,
	params *chaincfg.Params) error {

	if prevNode != nil {
		medianTime := CalcPastMedianTime(prevNode)
		if !header.Timestamp.After(medianTime) {
			str := fmt.Sprintf("block timestamp of %v is not after "+
				"expected %v", header.Timestamp, medianTime)
			return ruleError(ErrTimeTooOld, str)
		}
	}

	return checkBlockVersion(prevNode, header, params)
}
