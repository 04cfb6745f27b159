// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package interval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeDisjoint(t *testing.T) {
	got := Merge([]Interval{{0, 10}, {20, 30}})
	require.Equal(t, []Interval{{0, 10}, {20, 30}}, got)
}

func TestMergeOverlapping(t *testing.T) {
	got := Merge([]Interval{{0, 10}, {5, 20}, {25, 30}})
	require.Equal(t, []Interval{{0, 20}, {25, 30}}, got)
}

func TestMergeAdjacentTouching(t *testing.T) {
	// [0,10] and [11,20] touch at a single boundary -> merge into one.
	got := Merge([]Interval{{0, 10}, {11, 20}})
	require.Equal(t, []Interval{{0, 20}}, got)
}

func TestMergeDropsZeroLength(t *testing.T) {
	got := Merge([]Interval{{5, 4}, {0, 10}})
	require.Equal(t, []Interval{{0, 10}}, got)
}

func TestMergeUnordered(t *testing.T) {
	got := Merge([]Interval{{25, 30}, {0, 10}})
	require.Equal(t, []Interval{{0, 10}, {25, 30}}, got)
}

func TestSubtractMiddleSplits(t *testing.T) {
	got := Subtract(Interval{0, 999}, Interval{300, 400})
	require.Equal(t, []Interval{{0, 299}, {401, 999}}, got)
}

func TestSubtractNoOverlap(t *testing.T) {
	got := Subtract(Interval{0, 100}, Interval{200, 300})
	require.Equal(t, []Interval{{0, 100}}, got)
}

func TestSubtractEntireInterval(t *testing.T) {
	got := Subtract(Interval{0, 100}, Interval{0, 100})
	require.Empty(t, got)
}

func TestSubtractIsIdempotentAndAssociative(t *testing.T) {
	base := []Interval{{0, 999}}

	once := SubtractAll(base, Interval{100, 200})
	twice := SubtractAll(once, Interval{100, 200})
	require.Equal(t, once, twice, "remove(a,b) must be idempotent")

	// remove(a,b) then remove(b,c) == remove(a,c) when a<b<c.
	seq := SubtractAll(SubtractAll(base, Interval{100, 200}), Interval{200, 300})
	union := SubtractAll(base, Interval{100, 300})
	require.Equal(t, union, seq)
}
