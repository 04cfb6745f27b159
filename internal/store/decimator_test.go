// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainFirstDecimatedSampleMatchesScenario(t *testing.T) {
	c := NewChain(1, 4, 2)

	var got []LeveledSample
	for i := uint64(0); i < 1000; i++ {
		got = append(got, c.AddRaw(i, []float64{float64(i)})...)
	}

	require.NotEmpty(t, got)
	first := got[0]
	require.Equal(t, 1, first.Level)
	require.InDelta(t, 1.5, first.Sample.Mean[0], 1e-9)
	require.InDelta(t, 0, first.Sample.Min[0], 1e-9)
	require.InDelta(t, 3, first.Sample.Max[0], 1e-9)
	require.Equal(t, uint64(0), first.Sample.Timestamp)
}

func TestChainLevel2ConsumesLevel1Output(t *testing.T) {
	c := NewChain(1, 4, 2)

	var level2 []LeveledSample
	for i := uint64(0); i < 16; i++ {
		for _, s := range c.AddRaw(i, []float64{float64(i)}) {
			if s.Level == 2 {
				level2 = append(level2, s)
			}
		}
	}

	require.Len(t, level2, 1)
	require.InDelta(t, 7.5, level2[0].Sample.Mean[0], 1e-9)
	require.InDelta(t, 0, level2[0].Sample.Min[0], 1e-9)
	require.InDelta(t, 15, level2[0].Sample.Max[0], 1e-9)
}

func TestChainRestoreUndoesAddRawSinceSnapshot(t *testing.T) {
	c := NewChain(1, 4, 2)

	require.Empty(t, c.AddRaw(0, []float64{1}))
	require.Empty(t, c.AddRaw(1, []float64{2}))
	snap := c.Snapshot()

	// A speculative AddRaw, as if a transaction were about to be tried.
	require.Empty(t, c.AddRaw(2, []float64{3}))

	c.Restore(snap)

	// Replaying the same sample after Restore must reproduce exactly
	// the emission a single, successful attempt would have produced:
	// four raw samples complete the first group once, not twice.
	require.Empty(t, c.AddRaw(2, []float64{3}))
	out := c.AddRaw(3, []float64{4})
	require.Len(t, out, 1)
	require.InDelta(t, 2.5, out[0].Sample.Mean[0], 1e-9)
}

func TestChainDiscardDropsPartialAccumulator(t *testing.T) {
	c := NewChain(1, 4, 1)

	require.Empty(t, c.AddRaw(0, []float64{1}))
	require.Empty(t, c.AddRaw(1, []float64{2}))
	c.Discard()

	// The two samples folded in before Discard must not contribute to
	// the next group: four fresh samples are needed to emit again.
	require.Empty(t, c.AddRaw(2, []float64{10}))
	require.Empty(t, c.AddRaw(3, []float64{20}))
	require.Empty(t, c.AddRaw(4, []float64{30}))
	out := c.AddRaw(5, []float64{40})
	require.Len(t, out, 1)
	require.InDelta(t, 25, out[0].Sample.Mean[0], 1e-9)
	require.InDelta(t, 10, out[0].Sample.Min[0], 1e-9)
	require.InDelta(t, 40, out[0].Sample.Max[0], 1e-9)
}
