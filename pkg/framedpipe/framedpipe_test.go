// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package framedpipe

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

func TestReaderDecodesRecordsAndMarker(t *testing.T) {
	l, err := layout.Parse("int32_1")
	require.NoError(t, err)

	var wire bytes.Buffer
	rec := make([]byte, l.RawRecordSize())
	require.NoError(t, l.EncodeRaw(rec, 10, []float64{1}))
	wire.Write(rec)
	wire.Write(l.IntervalToken())
	require.NoError(t, l.EncodeRaw(rec, 20, []float64{2}))
	wire.Write(rec)

	dst := pipe.New(l)
	r := NewReader(l, &wire, dst)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	res, err := dst.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{10}, res.Timestamps)
	require.True(t, res.EndOfInterval)
	require.NoError(t, dst.Consume(1))

	res, err = dst.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{20}, res.Timestamps)
	require.False(t, res.EndOfInterval)

	require.NoError(t, <-done)
	require.True(t, dst.Closed())
}

func TestWriterEncodesRecordsAndMarker(t *testing.T) {
	l, err := layout.Parse("int32_1")
	require.NoError(t, err)

	src := pipe.New(l)
	require.NoError(t, src.Write(&pipe.Block{Timestamps: []uint64{10}, Data: [][]float64{{1}}}))
	require.NoError(t, src.CloseInterval())
	src.Close()

	var wire bytes.Buffer
	w := NewWriter(l, src, &wire)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	recSize := l.RawRecordSize()
	require.Equal(t, 2*recSize, wire.Len())

	s, err := l.DecodeRaw(wire.Bytes()[:recSize])
	require.NoError(t, err)
	require.Equal(t, uint64(10), s.Timestamp)
	require.True(t, l.IsIntervalToken(wire.Bytes()[recSize:]))
}
