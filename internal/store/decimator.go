// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import "github.com/awlangham/joule/pkg/layout"

// accumInput is one unit consumed by a decimation level: either a raw
// sample (Mean = Min = Max = the single reading) or a lower level's
// emitted decimated sample.
type accumInput struct {
	Timestamp uint64
	Mean      []float64
	Min       []float64
	Max       []float64
}

// level accumulates up to factor consecutive inputs into one
// decimated sample: mean of means (double-precision sum, divided on
// emission), min of mins, max of maxes. The timestamp of an emitted
// sample is the timestamp of the first input in the group.
type level struct {
	n       int
	factor  int
	count   int
	firstTS uint64
	sumMean []float64
	min     []float64
	max     []float64
}

func newLevel(n, factor int) *level {
	return &level{n: n, factor: factor}
}

// add folds in one input, returning the completed sample once factor
// inputs have accumulated, or nil if the group is still open.
func (lv *level) add(in accumInput) *layout.DecimatedSample {
	if lv.count == 0 {
		lv.firstTS = in.Timestamp
		lv.sumMean = make([]float64, lv.n)
		lv.min = append([]float64(nil), in.Min...)
		lv.max = append([]float64(nil), in.Max...)
	}
	for i := 0; i < lv.n; i++ {
		lv.sumMean[i] += in.Mean[i]
		if in.Min[i] < lv.min[i] {
			lv.min[i] = in.Min[i]
		}
		if in.Max[i] > lv.max[i] {
			lv.max[i] = in.Max[i]
		}
	}
	lv.count++
	if lv.count < lv.factor {
		return nil
	}

	mean := make([]float64, lv.n)
	for i := range mean {
		mean[i] = lv.sumMean[i] / float64(lv.factor)
	}
	out := &layout.DecimatedSample{Timestamp: lv.firstTS, Mean: mean, Min: lv.min, Max: lv.max}
	lv.reset()
	return out
}

// discard drops the partial accumulator without emitting anything,
// used at an interval boundary so no decimated sample ever spans two
// intervals.
func (lv *level) discard() { lv.reset() }

func (lv *level) reset() {
	lv.count = 0
	lv.sumMean = nil
	lv.min = nil
	lv.max = nil
}

// LeveledSample is one decimated sample produced by a Chain, tagged
// with which level (1-indexed; level k has factor^k : 1 reduction
// from raw) emitted it.
type LeveledSample struct {
	Level  int
	Sample layout.DecimatedSample
}

// Chain is the per-stream decimator: a cascade of levels, each
// consuming the previous level's output (the first consumes raw
// samples directly).
type Chain struct {
	levels []*level
}

// NewChain builds a decimator chain for an n-element layout with the
// given factor and depth (number of maintained decimation levels).
func NewChain(n, factor, depth int) *Chain {
	levels := make([]*level, depth)
	for i := range levels {
		levels[i] = newLevel(n, factor)
	}
	return &Chain{levels: levels}
}

// AddRaw folds one raw sample into the chain, cascading into deeper
// levels as each one completes. Returns every level that emitted a
// sample as a result of this call, shallowest first.
func (c *Chain) AddRaw(ts uint64, values []float64) []LeveledSample {
	in := accumInput{Timestamp: ts, Mean: values, Min: values, Max: values}
	var out []LeveledSample
	for i, lv := range c.levels {
		emitted := lv.add(in)
		if emitted == nil {
			break
		}
		out = append(out, LeveledSample{Level: i + 1, Sample: *emitted})
		in = accumInput{Timestamp: emitted.Timestamp, Mean: emitted.Mean, Min: emitted.Min, Max: emitted.Max}
	}
	return out
}

// Discard drops every level's partial accumulator, called when an
// interval marker arrives: no decimated sample may span an interval
// boundary.
func (c *Chain) Discard() {
	for _, lv := range c.levels {
		lv.discard()
	}
}

// Snapshot captures the chain's accumulator state so a caller that
// advances the chain speculatively (before knowing whether the
// samples it derived from will actually persist) can undo that
// advance with Restore.
func (c *Chain) Snapshot() []level {
	snap := make([]level, len(c.levels))
	for i, lv := range c.levels {
		snap[i] = level{
			n:       lv.n,
			factor:  lv.factor,
			count:   lv.count,
			firstTS: lv.firstTS,
			sumMean: append([]float64(nil), lv.sumMean...),
			min:     append([]float64(nil), lv.min...),
			max:     append([]float64(nil), lv.max...),
		}
	}
	return snap
}

// Restore replaces the chain's accumulator state with a snapshot taken
// earlier by Snapshot, discarding whatever AddRaw calls happened in
// between.
func (c *Chain) Restore(snap []level) {
	for i := range c.levels {
		lv := snap[i]
		lv.sumMean = append([]float64(nil), lv.sumMean...)
		lv.min = append([]float64(nil), lv.min...)
		lv.max = append([]float64(nil), lv.max...)
		c.levels[i] = &lv
	}
}
