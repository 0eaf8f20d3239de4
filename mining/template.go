// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/zcoinofficial/zcoind/blockchain"
	"github.com/zcoinofficial/zcoind/chaincfg"
)

// HeaderTemplate houses a block header that satisfies the consensus rules of
// the block following a tip, along with the values derived for it.  The
// merkle root and nonce are left to the caller.
type HeaderTemplate struct {
	// Header is the template header.
	Header wire.BlockHeader

	// Height is the height of the block the template is for.
	Height int32

	// Subsidy is the block reward available to the coinbase.
	Subsidy btcutil.Amount

	// MTP is whether the block falls under the MTP proof of work.
	MTP bool
}

// TemplateGenerator generates header templates on top of a header chain.
type TemplateGenerator struct {
	params     *chaincfg.Params
	tracker    *blockchain.DeploymentTracker
	retargeter *blockchain.Retargeter
	clock      clock.Clock
}

// NewTemplateGenerator returns a new header template generator.  The wall
// clock is used when clk is nil.
func NewTemplateGenerator(params *chaincfg.Params,
	tracker *blockchain.DeploymentTracker, retargeter *blockchain.Retargeter,
	clk clock.Clock) *TemplateGenerator {

	if clk == nil {
		clk = clock.New()
	}
	return &TemplateGenerator{
		params:     params,
		tracker:    tracker,
		retargeter: retargeter,
		clock:      clk,
	}
}

// medianAdjustedTime returns the current time adjusted to ensure it is at
// least one second after the median timestamp of the last several blocks per
// the chain consensus rules.
func (g *TemplateGenerator) medianAdjustedTime(tip blockchain.HeaderCtx) time.Time {
	// The timestamp for the block must not be before the median timestamp
	// of the last several blocks.  Thus, choose the maximum between the
	// current time and one second after the past median time.  The current
	// timestamp is truncated to a second boundary before comparison since a
	// block timestamp does not supported a precision greater than one
	// second.
	newTimestamp := time.Unix(g.clock.Now().Unix(), 0)
	if tip == nil {
		return newTimestamp
	}
	minTimestamp := blockchain.CalcPastMedianTime(tip).Add(time.Second)
	if newTimestamp.Before(minTimestamp) {
		newTimestamp = minTimestamp
	}
	return newTimestamp
}

// NewHeaderTemplate returns a header template for the block following the
// passed tip, or the first block when tip is nil.
func (g *TemplateGenerator) NewHeaderTemplate(tip *blockchain.HeaderNode) (*HeaderTemplate, error) {
	var (
		tipCtx blockchain.HeaderCtx
		height int32
		tmpl   HeaderTemplate
	)
	if tip != nil {
		tipCtx = tip
		height = tip.Height() + 1
		tmpl.Header.PrevBlock = tip.Hash()
	}

	version, err := g.tracker.ComputeBlockVersion(tipCtx)
	if err != nil {
		return nil, err
	}
	tmpl.Header.Version = version
	tmpl.Height = height

	if err := g.updateBlockTime(tipCtx, &tmpl); err != nil {
		return nil, err
	}

	log.Debugf("Created header template for height %d (version %08x, "+
		"bits %08x, subsidy %v)", height, uint32(version),
		tmpl.Header.Bits, tmpl.Subsidy)
	return &tmpl, nil
}

// UpdateBlockTime updates the timestamp in the header of the passed template
// to the current time while taking into account the median time of the last
// several blocks to ensure the new time is after that time per the chain
// consensus rules.  The difficulty is recalculated as well since it depends
// on the timestamp on networks with the minimum difficulty rule and across
// the MTP switch.
func (g *TemplateGenerator) UpdateBlockTime(tip *blockchain.HeaderNode,
	tmpl *HeaderTemplate) error {

	var tipCtx blockchain.HeaderCtx
	if tip != nil {
		tipCtx = tip
	}
	return g.updateBlockTime(tipCtx, tmpl)
}

func (g *TemplateGenerator) updateBlockTime(tip blockchain.HeaderCtx,
	tmpl *HeaderTemplate) error {

	newTime := g.medianAdjustedTime(tip)
	bits, err := g.retargeter.NextRequiredDifficulty(tip, newTime)
	if err != nil {
		return err
	}

	tmpl.Header.Timestamp = newTime
	tmpl.Header.Bits = bits
	tmpl.MTP = g.params.IsMTPTime(newTime)
	tmpl.Subsidy = btcutil.Amount(blockchain.CalcBlockSubsidy(tmpl.Height,
		tmpl.MTP, g.params))
	return nil
}
