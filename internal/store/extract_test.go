// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildWindowsNoBoundaries(t *testing.T) {
	windows := buildWindows(nil)
	require.Len(t, windows, 1)
	require.Nil(t, windows[0].lo)
	require.Nil(t, windows[0].hi)
}

func TestBuildWindowsSingleBoundarySplitsInTwo(t *testing.T) {
	// Mirrors the S5 remove scenario: a boundary at 401 should split
	// the time axis into (-inf,400] and [401,+inf).
	windows := buildWindows([]int64{401})
	require.Len(t, windows, 2)
	require.Nil(t, windows[0].lo)
	require.Equal(t, int64(400), *windows[0].hi)
	require.Equal(t, int64(401), *windows[1].lo)
	require.Nil(t, windows[1].hi)
}

func TestBuildWindowsMultipleBoundaries(t *testing.T) {
	windows := buildWindows([]int64{100, 200})
	require.Len(t, windows, 3)
	require.Nil(t, windows[0].lo)
	require.Equal(t, int64(99), *windows[0].hi)
	require.Equal(t, int64(100), *windows[1].lo)
	require.Equal(t, int64(199), *windows[1].hi)
	require.Equal(t, int64(200), *windows[2].lo)
	require.Nil(t, windows[2].hi)
}

func TestValueColumnNaming(t *testing.T) {
	require.Equal(t, []string{"v0", "v1", "v2"}, valueColumns(3))
	require.Equal(t, []string{"mean0", "min0", "max0", "mean1", "min1", "max1"}, decimatedValueColumns(2))
}
