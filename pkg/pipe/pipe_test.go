// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
)

func mustLayout(t *testing.T, s string) layout.Layout {
	t.Helper()
	l, err := layout.Parse(s)
	require.NoError(t, err)
	return l
}

func TestWriteThenReadReturnsData(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1, 2}, Data: [][]float64{{1}, {2}}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := p.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, res.Timestamps)
	require.False(t, res.EndOfInterval)
}

func TestReadBlocksUntilWriteThenCancels(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Read(ctx, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWithNoDataYieldsEmptyPipe(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Read(ctx, false)
	require.ErrorIs(t, err, joule.ErrEmptyPipe)
}

func TestWriteRejectsNonMonotonicTimestamps(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{10}, Data: [][]float64{{1}}}))

	err := p.Write(&Block{Timestamps: []uint64{5}, Data: [][]float64{{2}}})
	require.ErrorIs(t, err, joule.ErrInvalidData)
}

func TestCloseIntervalSignalsEndOfIntervalOnce(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1}, Data: [][]float64{{1}}}))
	require.NoError(t, p.CloseInterval())
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{2}, Data: [][]float64{{2}}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := p.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, res.Timestamps)
	require.True(t, res.EndOfInterval)

	require.NoError(t, p.Consume(len(res.Timestamps)))

	res, err = p.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, res.Timestamps)
	require.False(t, res.EndOfInterval)
}

func TestReadReturnsExistingBufferBeforeWaiting(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1, 2}, Data: [][]float64{{1}, {2}}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := p.Read(ctx, false)
	require.NoError(t, err)
	require.NoError(t, p.Consume(1))

	// Second read returns the leftover unconsumed row immediately, no
	// new write needed.
	res, err = p.Read(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, res.Timestamps)
}

func TestConsumeOutOfRangeFails(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	require.Error(t, p.Consume(1))
	require.Error(t, p.Consume(-1))
}

func TestSubscribeFansOutToAllSubscribers(t *testing.T) {
	l := mustLayout(t, "float64_1")
	p := New(l)
	subA := New(l)
	subB := New(l)
	require.NoError(t, p.Subscribe(subA))
	require.NoError(t, p.Subscribe(subB))

	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1}, Data: [][]float64{{42}}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*Pipe{subA, subB, p} {
		res, err := sub.Read(ctx, false)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, res.Timestamps)
	}
}

func TestSubscribeRejectsMismatchedLayout(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	sub := New(mustLayout(t, "int32_1"))
	err := p.Subscribe(sub)
	require.ErrorIs(t, err, joule.ErrConfiguration)
}

func TestWriteNowaitFailsWhenBufferFull(t *testing.T) {
	p := New(mustLayout(t, "float64_1"), WithBufferSize(1))
	require.NoError(t, p.WriteNowait(&Block{Timestamps: []uint64{1}, Data: [][]float64{{1}}}))

	err := p.WriteNowait(&Block{Timestamps: []uint64{2}, Data: [][]float64{{2}}})
	require.ErrorIs(t, err, joule.ErrPipe)
}

func TestWriteUnblocksAfterConsume(t *testing.T) {
	p := New(mustLayout(t, "float64_1"), WithBufferSize(1))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1}, Data: [][]float64{{1}}}))

	var wg sync.WaitGroup
	wg.Add(1)
	writeErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		writeErr <- p.Write(&Block{Timestamps: []uint64{2}, Data: [][]float64{{2}}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := p.Read(ctx, false)
	require.NoError(t, err)
	require.NoError(t, p.Consume(len(res.Timestamps)))

	wg.Wait()
	require.NoError(t, <-writeErr)
}

func TestEnableCacheBatchesUntilFlush(t *testing.T) {
	p := New(mustLayout(t, "float64_1"))
	p.EnableCache(3)

	require.NoError(t, p.Write(&Block{Timestamps: []uint64{1}, Data: [][]float64{{1}}}))
	require.Zero(t, p.QueuedRows(), "a partial cache must not be delivered yet")

	require.NoError(t, p.FlushCache())
	require.Equal(t, int64(1), p.QueuedRows())
}

func TestFlattenProducesTimestampPrefixedRows(t *testing.T) {
	p := New(mustLayout(t, "float64_2"))
	require.NoError(t, p.Write(&Block{Timestamps: []uint64{7}, Data: [][]float64{{1, 2}}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := p.Read(ctx, true)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{7, 1, 2}}, res.Flat)
}
