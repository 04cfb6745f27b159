// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipe implements the in-process Pipe abstraction (component
// C): a typed, back-pressured, interval-aware channel between one
// producer and one or more consumers.
//
// The producer exclusively owns writes and the closed flag, the
// consumer exclusively owns the read buffer and consume offset, and
// both may read queue length. In practice a single mutex per Pipe
// protects all of that state, because producer and consumer run on
// different goroutines even though they "own" disjoint fields — the
// lock exists for memory-visibility, not to arbitrate contention
// between the two sides. A Pipe never reaches back into the pipe
// that feeds it, so holding one Pipe's lock never nests into
// another's except when fanning out to a subscriber, which locks only
// the subscriber's own mutex.
package pipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
)

// defaultPollInterval is the cadence at which a blocked Read rechecks
// its Pipe for new data or cancellation.
const defaultPollInterval = 20 * time.Millisecond

// Block is a batch of samples sharing one producer write call.
type Block struct {
	Timestamps []uint64
	Data       [][]float64
}

// NewFlatBlock builds a Block from rows whose first column is the
// timestamp and the remainder are the sample values.
func NewFlatBlock(rows [][]float64) *Block {
	b := &Block{
		Timestamps: make([]uint64, len(rows)),
		Data:       make([][]float64, len(rows)),
	}
	for i, row := range rows {
		b.Timestamps[i] = uint64(row[0])
		b.Data[i] = append([]float64(nil), row[1:]...)
	}
	return b
}

func (b *Block) rows() int {
	if b == nil {
		return 0
	}
	return len(b.Timestamps)
}

type queueItem struct {
	block  *Block
	marker bool
}

// ReadResult is the view returned by Read. Timestamps/Data alias the
// Pipe's internal buffer; callers must not mutate them, and must call
// Consume before the next Read to drop the rows they are done with.
type ReadResult struct {
	Timestamps    []uint64
	Data          [][]float64
	Flat          [][]float64
	EndOfInterval bool
}

// Pipe is a typed, back-pressured, interval-aware channel from one
// producer to one primary consumer plus zero or more subscribers.
type Pipe struct {
	layout     layout.Layout
	bufferSize int

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	closeCB     func()
	subscribers []*Pipe

	queue      []queueItem
	queuedRows int64

	buffer Block

	lastTimestamp    uint64
	haveLastTs       bool
	cacheSize        int
	cache            Block
	pollLimiter      *rate.Limiter
}

// Option configures a new Pipe.
type Option func(*Pipe)

// WithBufferSize bounds unconsumed+queued rows; once the bound is
// reached, Write suspends until space appears. Zero (the default)
// means unbounded.
func WithBufferSize(n int) Option {
	return func(p *Pipe) { p.bufferSize = n }
}

// WithCloseCallback registers a callback invoked exactly once when
// Close is called.
func WithCloseCallback(cb func()) Option {
	return func(p *Pipe) { p.closeCB = cb }
}

// New creates a Pipe for the given layout.
func New(l layout.Layout, opts ...Option) *Pipe {
	p := &Pipe{
		layout:      l,
		pollLimiter: rate.NewLimiter(rate.Every(defaultPollInterval), 1),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Layout returns the Pipe's layout.
func (p *Pipe) Layout() layout.Layout { return p.layout }

// QueuedRows returns the number of rows posted but not yet delivered
// into the read buffer. Safe to call from either side.
func (p *Pipe) QueuedRows() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedRows
}

// UnconsumedRows returns the number of rows in the read buffer.
func (p *Pipe) UnconsumedRows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer.Timestamps)
}

// Closed reports whether the Pipe has been closed.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscribe attaches sink as a subscriber: subsequent writes (and
// interval markers) fan out to it too. sink observes only data
// written from this point forward; there is no historical replay.
func (p *Pipe) Subscribe(sink *Pipe) error {
	if sink.layout != p.layout {
		return fmt.Errorf("%w: subscriber layout %s does not match producer layout %s", joule.ErrConfiguration, sink.layout, p.layout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sink.Close()
		return nil
	}
	p.subscribers = append(p.subscribers, sink)
	return nil
}

// EnableCache turns on write-side batching: writes accumulate in an
// internal cache and are flushed (fanned out) once n rows have
// accumulated. There is no disable; once enabled, only FlushCache and
// CloseInterval drain a partial cache.
func (p *Pipe) EnableCache(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cacheSize = n
}

// FlushCache forces out whatever is currently cached, regardless of
// whether it has reached the cache size.
func (p *Pipe) FlushCache() error {
	block, subs := p.takeCache()
	if block.rows() == 0 {
		return nil
	}
	return p.fanOut(block, subs, true)
}

func (p *Pipe) takeCache() (*Block, []*Pipe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache.Timestamps) == 0 {
		return &Block{}, nil
	}
	block := &Block{Timestamps: p.cache.Timestamps, Data: p.cache.Data}
	p.cache = Block{}
	subs := append([]*Pipe(nil), p.subscribers...)
	return block, subs
}

// Write validates and posts block, suspending when the buffer bound
// is reached.
func (p *Pipe) Write(block *Block) error {
	return p.write(block, true)
}

// WriteNowait is Write but fails with ErrPipe instead of suspending
// when the buffer bound is reached.
func (p *Pipe) WriteNowait(block *Block) error {
	return p.write(block, false)
}

func (p *Pipe) write(block *Block, waitAllowed bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: write to closed pipe", joule.ErrPipe)
	}
	if err := p.validateMonotonicLocked(block); err != nil {
		p.mu.Unlock()
		return err
	}
	if n := block.rows(); n > 0 {
		p.lastTimestamp = block.Timestamps[n-1]
		p.haveLastTs = true
	}
	cacheEnabled := p.cacheSize > 0
	subs := append([]*Pipe(nil), p.subscribers...)
	p.mu.Unlock()

	if cacheEnabled {
		p.mu.Lock()
		p.cache.Timestamps = append(p.cache.Timestamps, block.Timestamps...)
		p.cache.Data = append(p.cache.Data, block.Data...)
		full := len(p.cache.Timestamps) >= p.cacheSize
		p.mu.Unlock()
		if !full {
			return nil
		}
		cached, cachedSubs := p.takeCache()
		return p.fanOut(cached, cachedSubs, waitAllowed)
	}

	return p.fanOut(block, subs, waitAllowed)
}

// validateMonotonicLocked checks block's timestamps are non-decreasing
// internally and against the previously accepted timestamp. Must be
// called with p.mu held; never mutates state on error.
func (p *Pipe) validateMonotonicLocked(block *Block) error {
	prev := uint64(0)
	havePrev := p.haveLastTs
	if havePrev {
		prev = p.lastTimestamp
	}
	for i, ts := range block.Timestamps {
		if havePrev && ts < prev {
			return fmt.Errorf("%w: non-monotonic timestamp %d after %d", joule.ErrInvalidData, ts, prev)
		}
		if i > 0 && ts < block.Timestamps[i-1] {
			return fmt.Errorf("%w: non-monotonic timestamp within block at index %d", joule.ErrInvalidData, i)
		}
		prev = ts
		havePrev = true
	}
	return nil
}

// fanOut delivers block to every subscriber, in order, and then to
// p's own queue.
func (p *Pipe) fanOut(block *Block, subs []*Pipe, waitAllowed bool) error {
	if block.rows() == 0 {
		return nil
	}
	for _, sub := range subs {
		if err := sub.deliverSelf(queueItem{block: block}, waitAllowed); err != nil {
			return err
		}
	}
	return p.deliverSelf(queueItem{block: block}, waitAllowed)
}

// deliverSelf enqueues item onto p's own queue, honoring p's own
// buffer bound. Markers bypass the bound: they must never be blocked
// indefinitely, since CloseInterval is frequently the only action
// that can unblock a stalled consumer.
func (p *Pipe) deliverSelf(item queueItem, waitAllowed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !item.marker {
		for p.bufferSize > 0 && int64(len(p.buffer.Timestamps))+p.queuedRows >= int64(p.bufferSize) {
			if p.closed {
				return fmt.Errorf("%w: write to closed pipe", joule.ErrPipe)
			}
			if !waitAllowed {
				return fmt.Errorf("%w: pipe buffer full", joule.ErrPipe)
			}
			p.cond.Wait()
		}
		if p.closed {
			return fmt.Errorf("%w: write to closed pipe", joule.ErrPipe)
		}
		p.queuedRows += int64(item.block.rows())
	}

	p.queue = append(p.queue, item)
	p.cond.Broadcast()
	return nil
}

// CloseInterval flushes the cache and enqueues an interval marker, so
// the consumer observes exactly one end_of_interval between this
// point and the next.
func (p *Pipe) CloseInterval() error {
	if err := p.FlushCache(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: close_interval on closed pipe", joule.ErrPipe)
	}
	subs := append([]*Pipe(nil), p.subscribers...)
	p.haveLastTs = false // a new interval may restart timestamps from any point
	p.mu.Unlock()

	for _, sub := range subs {
		if err := sub.deliverSelf(queueItem{marker: true}, true); err != nil {
			return err
		}
	}
	return p.deliverSelf(queueItem{marker: true}, true)
}

// Close marks the Pipe closed, invokes the close callback if any, and
// transitively closes every subscriber.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := append([]*Pipe(nil), p.subscribers...)
	cb := p.closeCB
	p.cond.Broadcast()
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
	for _, sub := range subs {
		sub.Close()
	}
}

// Consume drops the first n rows of the read buffer. 0 <= n <=
// len(buffer); anything else fails with ErrPipe and leaves the buffer
// untouched.
func (p *Pipe) Consume(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < 0 || n > len(p.buffer.Timestamps) {
		return fmt.Errorf("%w: consume(%d) out of range [0,%d]", joule.ErrPipe, n, len(p.buffer.Timestamps))
	}
	p.buffer.Timestamps = p.buffer.Timestamps[n:]
	p.buffer.Data = p.buffer.Data[n:]
	p.cond.Broadcast()
	return nil
}

// Read drains whatever is queued (up to the first interval marker,
// exclusive) into the read buffer and returns a view of it. If the
// buffer and queue are both empty and the pipe is open, Read blocks,
// rechecking at the default poll interval so ctx cancellation is
// observed promptly; on cancellation it returns a zero ReadResult
// with ctx.Err() and leaves the buffer untouched. On close with
// nothing left to deliver, it fails with ErrEmptyPipe.
func (p *Pipe) Read(ctx context.Context, flatten bool) (ReadResult, error) {
	for {
		res, ready, closedEmpty := p.tryRead(flatten)
		if ready {
			return res, nil
		}
		if closedEmpty {
			return ReadResult{}, joule.ErrEmptyPipe
		}

		if err := p.pollLimiter.Wait(ctx); err != nil {
			return ReadResult{}, err
		}
	}
}

func (p *Pipe) tryRead(flatten bool) (res ReadResult, ready bool, closedEmpty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	endOfInterval := false
	for len(p.queue) > 0 {
		item := p.queue[0]
		p.queue = p.queue[1:]
		if item.marker {
			endOfInterval = true
			break
		}
		p.queuedRows -= int64(item.block.rows())
		p.buffer.Timestamps = append(p.buffer.Timestamps, item.block.Timestamps...)
		p.buffer.Data = append(p.buffer.Data, item.block.Data...)
	}
	p.cond.Broadcast()

	if endOfInterval || len(p.buffer.Timestamps) > 0 {
		return p.viewLocked(endOfInterval, flatten), true, false
	}
	if p.closed {
		return ReadResult{}, false, true
	}
	return ReadResult{}, false, false
}

func (p *Pipe) viewLocked(endOfInterval, flatten bool) ReadResult {
	res := ReadResult{
		Timestamps:    p.buffer.Timestamps,
		Data:          p.buffer.Data,
		EndOfInterval: endOfInterval,
	}
	if flatten {
		flat := make([][]float64, len(p.buffer.Timestamps))
		for i, ts := range p.buffer.Timestamps {
			row := make([]float64, 1+len(p.buffer.Data[i]))
			row[0] = float64(ts)
			copy(row[1:], p.buffer.Data[i])
			flat[i] = row
		}
		res.Flat = flat
	}
	return res
}
