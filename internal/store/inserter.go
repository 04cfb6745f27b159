// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

// defaultMaxRetries and defaultBaseBackoff bound an Inserter's
// exponential backoff before it gives up and closes its input pipe.
const (
	defaultMaxRetries  = 5
	defaultBaseBackoff = 500 * time.Millisecond
)

// Inserter is the long-running task, one per (Stream, Pipe), that
// drains a Pipe into the store: it buffers incoming blocks and
// performs a periodic flush that inserts the raw batch and cascades
// it through the stream's decimator chain.
type Inserter struct {
	store  *Store
	stream *Stream
	src    *pipe.Pipe
	period time.Duration

	chain       *Chain
	maxRetries  int
	baseBackoff time.Duration

	mu            sync.Mutex
	pendingTS     []uint64
	pendingVals   [][]float64
	pendingMarker bool
	lastTimestamp uint64
	haveLast      bool

	observer FlushObserver
}

// FlushObserver receives per-flush telemetry. Duck-typed rather than
// imported from internal/telemetry, so this package never depends on
// the metrics package; internal/telemetry.Metrics satisfies this
// interface directly.
type FlushObserver interface {
	ObserveFlush(stream string, d time.Duration)
	ObserveFlushFailure(stream string)
}

// SetObserver attaches an optional FlushObserver. Nil (the default)
// disables telemetry for this Inserter.
func (ins *Inserter) SetObserver(o FlushObserver) { ins.observer = o }

// NewInserter builds an Inserter reading from src and flushing into
// stream's tables every period.
func NewInserter(st *Store, stream *Stream, src *pipe.Pipe, period time.Duration) *Inserter {
	depth := 0
	if stream.Decimate {
		depth = MaxDecimationLevels
	}
	return &Inserter{
		store:       st,
		stream:      stream,
		src:         src,
		period:      period,
		chain:       NewChain(stream.Layout.Count, DecimationFactor, depth),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// Run drains src and flushes on a fixed ticker until src closes
// (returns nil) or a flush exhausts its retries (returns the
// wrapped DataError, having already closed src so the producer
// observes the failure).
func (ins *Inserter) Run(ctx context.Context) error {
	drainDone := make(chan error, 1)
	go func() { drainDone <- ins.drainLoop(ctx) }()

	ticker := time.NewTicker(ins.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-drainDone
			return ctx.Err()

		case err := <-drainDone:
			if flushErr := ins.flush(ctx); flushErr != nil {
				return flushErr
			}
			if errors.Is(err, joule.ErrEmptyPipe) {
				return nil
			}
			return err

		case <-ticker.C:
			if err := ins.flush(ctx); err != nil {
				ins.src.Close()
				return err
			}
		}
	}
}

// drainLoop continuously reads src into the pending buffer. It
// returns the terminal Read error: ErrEmptyPipe on a clean close.
func (ins *Inserter) drainLoop(ctx context.Context) error {
	for {
		res, err := ins.src.Read(ctx, false)
		if err != nil {
			return err
		}

		ins.mu.Lock()
		ins.pendingTS = append(ins.pendingTS, res.Timestamps...)
		ins.pendingVals = append(ins.pendingVals, res.Data...)
		if res.EndOfInterval {
			ins.pendingMarker = true
		}
		ins.mu.Unlock()

		if err := ins.src.Consume(len(res.Timestamps)); err != nil {
			return err
		}
	}
}

// flush drains the pending buffer and, with retry/backoff, commits it
// to the store. Returns nil if there was nothing to do.
func (ins *Inserter) flush(ctx context.Context) error {
	ins.mu.Lock()
	ts := ins.pendingTS
	vals := ins.pendingVals
	marker := ins.pendingMarker
	ins.pendingTS = nil
	ins.pendingVals = nil
	ins.pendingMarker = false
	ins.mu.Unlock()

	if len(ts) == 0 && !marker {
		return nil
	}

	// tryFlush advances ins.chain (and ins.lastTimestamp/haveLast)
	// before it knows whether the transaction will commit, so a failed
	// attempt must be undone here before the same ts/vals are retried;
	// otherwise a retry would fold them into the chain a second time.
	chainSnapshot := ins.chain.Snapshot()
	savedLastTimestamp := ins.lastTimestamp
	savedHaveLast := ins.haveLast

	var lastErr error
	backoff := ins.baseBackoff
	for attempt := 0; attempt <= ins.maxRetries; attempt++ {
		if attempt > 0 {
			jlog.Warnf("store flush for stream %q failed (attempt %d/%d): %v", ins.stream.Name, attempt, ins.maxRetries, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2

			ins.chain.Restore(chainSnapshot)
			ins.lastTimestamp = savedLastTimestamp
			ins.haveLast = savedHaveLast
		}

		start := time.Now()
		if err := ins.tryFlush(ctx, ts, vals, marker); err != nil {
			lastErr = err
			continue
		}
		if ins.observer != nil {
			ins.observer.ObserveFlush(ins.stream.Name, time.Since(start))
		}
		return nil
	}

	jlog.Errorf("store flush for stream %q exhausted retries: %v", ins.stream.Name, lastErr)
	if ins.observer != nil {
		ins.observer.ObserveFlushFailure(ins.stream.Name)
	}
	return fmt.Errorf("%w: flushing stream %q: %v", joule.ErrData, ins.stream.Name, lastErr)
}

func (ins *Inserter) tryFlush(ctx context.Context, ts []uint64, vals [][]float64, marker bool) error {
	tx, err := ins.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(ts) > 0 {
		if err := insertRaw(ctx, tx, ins.stream, ts, vals); err != nil {
			return err
		}

		for i, t := range ts {
			for _, leveled := range ins.chain.AddRaw(t, vals[i]) {
				if err := insertDecimated(ctx, tx, ins.stream, leveled.Level, leveled.Sample); err != nil {
					return err
				}
			}
		}
		ins.lastTimestamp = ts[len(ts)-1]
		ins.haveLast = true
	}

	if marker {
		ins.chain.Discard()
		if ins.haveLast {
			if err := insertIntervalBoundary(ctx, tx, ins.stream, ins.lastTimestamp+1); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertRaw(ctx context.Context, tx *sqlx.Tx, stream *Stream, ts []uint64, vals [][]float64) error {
	cols := []string{"time"}
	for i := 0; i < stream.Layout.Count; i++ {
		cols = append(cols, fmt.Sprintf("v%d", i))
	}

	b := sq.Insert(rawTable(stream.ID)).Columns(cols...).PlaceholderFormat(sq.Dollar)
	for i, t := range ts {
		row := make([]interface{}, 0, 1+len(vals[i]))
		row = append(row, microsToTime(t))
		for _, v := range vals[i] {
			row = append(row, v)
		}
		b = b.Values(row...)
	}
	b = b.Suffix("ON CONFLICT (time) DO NOTHING")

	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

func insertDecimated(ctx context.Context, tx *sqlx.Tx, stream *Stream, level int, sample layout.DecimatedSample) error {
	cols := []string{"time"}
	row := []interface{}{microsToTime(sample.Timestamp)}
	for i := 0; i < stream.Layout.Count; i++ {
		cols = append(cols, fmt.Sprintf("mean%d", i), fmt.Sprintf("min%d", i), fmt.Sprintf("max%d", i))
		row = append(row, sample.Mean[i], sample.Min[i], sample.Max[i])
	}

	query, args, err := sq.Insert(decimatedTable(stream.ID, level)).
		Columns(cols...).
		Values(row...).
		Suffix("ON CONFLICT (time) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

func insertIntervalBoundary(ctx context.Context, tx *sqlx.Tx, stream *Stream, boundaryUS uint64) error {
	query, args, err := sq.Insert(intervalsTable(stream.ID)).
		Columns("time").
		Values(microsToTime(boundaryUS)).
		Suffix("ON CONFLICT (time) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

// microsToTime converts a microsecond Unix timestamp to a time.Time
// for the timestamptz columns.
func microsToTime(us uint64) time.Time {
	return time.UnixMicro(int64(us)).UTC()
}
