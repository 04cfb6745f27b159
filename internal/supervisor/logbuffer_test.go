// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package supervisor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogRingBufferKeepsNewestOnOverflow(t *testing.T) {
	buf := NewLogRingBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append(fmt.Sprintf("line-%d", i))
	}

	lines := buf.Snapshot()
	require.Len(t, lines, 3)
	require.Equal(t, "line-2", lines[0].Text)
	require.Equal(t, "line-3", lines[1].Text)
	require.Equal(t, "line-4", lines[2].Text)
}

func TestLogRingBufferSequenceNumbersAreMonotonic(t *testing.T) {
	buf := NewLogRingBuffer(2)
	buf.Append("a")
	buf.Append("b")
	buf.Append("c")

	lines := buf.Snapshot()
	require.Equal(t, uint64(2), lines[0].Seq)
	require.Equal(t, uint64(3), lines[1].Seq)
}

func TestLogRingBufferBelowCapacityPreservesOrder(t *testing.T) {
	buf := NewLogRingBuffer(10)
	buf.Append("only")

	lines := buf.Snapshot()
	require.Len(t, lines, 1)
	require.Equal(t, "only", lines[0].Text)
	require.Equal(t, uint64(1), lines[0].Seq)
}
