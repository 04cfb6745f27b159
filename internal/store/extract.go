// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/awlangham/joule/pkg/interval"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
)

// ExtractBlock is one unit streamed to an Extract callback: a run of
// raw samples (Decimated is nil), a run of decimated samples (Raw is
// nil), or an interval boundary on its own (EndOfInterval set, Raw and
// Decimated both nil).
type ExtractBlock struct {
	Raw           []layout.RawSample
	Decimated     []layout.DecimatedSample
	EndOfInterval bool
}

const defaultExtractBlockSize = 4096

// Extract streams stream's stored data in time order to cb, choosing
// a decimation level automatically when decimationLevel is nil: the
// smallest level whose predicted row count over [start,end] is at
// most maxRows. Open bounds (nil start/end) mean "from first"/"to
// last". factor is DecimationFactor^level, passed to cb alongside
// each block.
func (s *Store) Extract(ctx context.Context, stream *Stream, start, end *int64, maxRows *int, decimationLevel *int, blockSize int, cb func(block ExtractBlock, factor int) error) error {
	if blockSize <= 0 {
		blockSize = defaultExtractBlockSize
	}

	level, err := s.chooseLevel(ctx, stream, start, end, maxRows, decimationLevel)
	if err != nil {
		return err
	}
	factor := pow(DecimationFactor, level)

	ivs, err := s.Intervals(ctx, stream, start, end)
	if err != nil {
		return err
	}

	for i, iv := range ivs {
		if level == 0 {
			err = s.streamRawRange(ctx, stream, iv.Start, iv.End, blockSize, func(samples []layout.RawSample) error {
				return cb(ExtractBlock{Raw: samples}, factor)
			})
		} else {
			err = s.streamDecimatedRange(ctx, stream, level, iv.Start, iv.End, blockSize, func(samples []layout.DecimatedSample) error {
				return cb(ExtractBlock{Decimated: samples}, factor)
			})
		}
		if err != nil {
			return err
		}
		if i < len(ivs)-1 {
			if err := cb(ExtractBlock{EndOfInterval: true}, factor); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) chooseLevel(ctx context.Context, stream *Stream, start, end *int64, maxRows, explicit *int) (int, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if maxRows == nil {
		return 0, nil
	}

	rawCount, err := s.countRawRows(ctx, stream, start, end)
	if err != nil {
		return 0, err
	}
	if rawCount <= int64(*maxRows) {
		return 0, nil
	}
	if !stream.Decimate {
		return 0, fmt.Errorf("%w: %d raw rows exceeds max_rows %d and stream %q has no decimations", joule.ErrDecimation, rawCount, *maxRows, stream.Name)
	}

	for level := 1; level <= MaxDecimationLevels; level++ {
		predicted := rawCount / int64(pow(DecimationFactor, level))
		if predicted <= int64(*maxRows) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: no decimation level of stream %q satisfies max_rows %d", joule.ErrDecimation, stream.Name, *maxRows)
}

func (s *Store) countRawRows(ctx context.Context, stream *Stream, start, end *int64) (int64, error) {
	b := sq.Select("COUNT(*)").From(rawTable(stream.ID)).PlaceholderFormat(sq.Dollar)
	b = applyTimeBounds(b, start, end)
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.GetContext(ctx, &count, query, args...)
	return count, err
}

func applyTimeBounds(b sq.SelectBuilder, start, end *int64) sq.SelectBuilder {
	if start != nil {
		b = b.Where(sq.GtOrEq{"time": microsToTime(uint64(*start))})
	}
	if end != nil {
		b = b.Where(sq.LtOrEq{"time": microsToTime(uint64(*end))})
	}
	return b
}

// streamRawRange paginates [lo,hi] in blockSize chunks using keyset
// pagination on time, calling cb for each non-empty chunk.
func (s *Store) streamRawRange(ctx context.Context, stream *Stream, lo, hi int64, blockSize int, cb func([]layout.RawSample) error) error {
	cursor := lo
	cols := append([]string{"time"}, valueColumns(stream.Layout.Count)...)

	for {
		query, args, err := sq.Select(cols...).From(rawTable(stream.ID)).
			Where(sq.GtOrEq{"time": microsToTime(uint64(cursor))}).
			Where(sq.LtOrEq{"time": microsToTime(uint64(hi))}).
			OrderBy("time ASC").
			Limit(uint64(blockSize)).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%w: %v", joule.ErrData, err)
		}

		var samples []layout.RawSample
		for rows.Next() {
			cells, err := rows.SliceScan()
			if err != nil {
				rows.Close()
				return fmt.Errorf("%w: %v", joule.ErrData, err)
			}
			samples = append(samples, layout.RawSample{
				Timestamp: timeToMicros(cells[0]),
				Values:    toFloat64Slice(cells[1:]),
			})
		}
		rows.Close()

		if len(samples) == 0 {
			return nil
		}
		if err := cb(samples); err != nil {
			return err
		}
		cursor = int64(samples[len(samples)-1].Timestamp) + 1
		if len(samples) < blockSize {
			return nil
		}
	}
}

func (s *Store) streamDecimatedRange(ctx context.Context, stream *Stream, level int, lo, hi int64, blockSize int, cb func([]layout.DecimatedSample) error) error {
	cursor := lo
	cols := append([]string{"time"}, decimatedValueColumns(stream.Layout.Count)...)

	for {
		query, args, err := sq.Select(cols...).From(decimatedTable(stream.ID, level)).
			Where(sq.GtOrEq{"time": microsToTime(uint64(cursor))}).
			Where(sq.LtOrEq{"time": microsToTime(uint64(hi))}).
			OrderBy("time ASC").
			Limit(uint64(blockSize)).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%w: %v", joule.ErrData, err)
		}

		var samples []layout.DecimatedSample
		for rows.Next() {
			cells, err := rows.SliceScan()
			if err != nil {
				rows.Close()
				return fmt.Errorf("%w: %v", joule.ErrData, err)
			}
			n := stream.Layout.Count
			mean := make([]float64, n)
			min := make([]float64, n)
			max := make([]float64, n)
			for i := 0; i < n; i++ {
				mean[i] = toFloat64(cells[1+i*3])
				min[i] = toFloat64(cells[2+i*3])
				max[i] = toFloat64(cells[3+i*3])
			}
			samples = append(samples, layout.DecimatedSample{
				Timestamp: timeToMicros(cells[0]), Mean: mean, Min: min, Max: max,
			})
		}
		rows.Close()

		if len(samples) == 0 {
			return nil
		}
		if err := cb(samples); err != nil {
			return err
		}
		cursor = int64(samples[len(samples)-1].Timestamp) + 1
		if len(samples) < blockSize {
			return nil
		}
	}
}

// Intervals reports the canonical, merged set of stored intervals,
// optionally clipped to [start,end]. It never scans row-by-row for
// gaps: boundary rows in the stream's interval table are the only
// source of splits, and each candidate window's true span is the
// actual MIN/MAX timestamp of raw rows inside it (so a window with no
// rows contributes nothing, collapsing no-op boundaries automatically).
func (s *Store) Intervals(ctx context.Context, stream *Stream, start, end *int64) ([]interval.Interval, error) {
	boundaries, err := s.boundaryTimes(ctx, stream)
	if err != nil {
		return nil, err
	}

	var out []interval.Interval
	for _, w := range buildWindows(boundaries) {
		lo, hi, count, err := s.rawRangeStats(ctx, stream, w.lo, w.hi)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		out = append(out, interval.Interval{Start: lo, End: hi})
	}
	merged := interval.Merge(out)

	if start == nil && end == nil {
		return merged, nil
	}
	bound := interval.Interval{Start: minInt64, End: maxInt64}
	if start != nil {
		bound.Start = *start
	}
	if end != nil {
		bound.End = *end
	}
	var clipped []interval.Interval
	for _, iv := range merged {
		if c, ok := interval.Intersect(iv, bound); ok {
			clipped = append(clipped, c)
		}
	}
	return clipped, nil
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

type window struct{ lo, hi *int64 }

// buildWindows turns a sorted list of boundary microsecond
// timestamps into the candidate ranges they split the time axis into.
func buildWindows(boundaries []int64) []window {
	if len(boundaries) == 0 {
		return []window{{}}
	}
	windows := make([]window, 0, len(boundaries)+1)
	var prev *int64
	for _, b := range boundaries {
		hi := b - 1
		windows = append(windows, window{lo: prev, hi: &hi})
		lo := b
		prev = &lo
	}
	windows = append(windows, window{lo: prev})
	return windows
}

func (s *Store) boundaryTimes(ctx context.Context, stream *Stream) ([]int64, error) {
	query, args, err := sq.Select("time").From(intervalsTable(stream.ID)).
		OrderBy("time ASC").PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, err
	}
	var times []time.Time
	if err := s.db.SelectContext(ctx, &times, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	out := make([]int64, len(times))
	for i, t := range times {
		out[i] = t.UnixMicro()
	}
	return out, nil
}

func (s *Store) rawRangeStats(ctx context.Context, stream *Stream, lo, hi *int64) (int64, int64, int64, error) {
	b := sq.Select("MIN(time)", "MAX(time)", "COUNT(*)").From(rawTable(stream.ID)).PlaceholderFormat(sq.Dollar)
	if lo != nil {
		b = b.Where(sq.GtOrEq{"time": microsToTime(uint64(*lo))})
	}
	if hi != nil {
		b = b.Where(sq.LtOrEq{"time": microsToTime(uint64(*hi))})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, 0, 0, err
	}

	var row struct {
		Min   *time.Time `db:"min"`
		Max   *time.Time `db:"max"`
		Count int64      `db:"count"`
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	if row.Count == 0 || row.Min == nil || row.Max == nil {
		return 0, 0, 0, nil
	}
	return row.Min.UnixMicro(), row.Max.UnixMicro(), row.Count, nil
}

// Remove deletes raw and decimated rows in the closed range
// [start,end] (both endpoints inclusive) and inserts a boundary row
// just past the deletion so a subsequent Intervals call reports the
// gap. The insert is idempotent (ON CONFLICT DO NOTHING) and the
// whole operation composes associatively: removing [a,b] then [b,c]
// reports the same intervals as removing [a,c] directly.
//
// Because both endpoints are inclusive, Remove(start, end) deletes
// end-start+1 rows when every integer timestamp in between is
// populated, not end-start.
func (s *Store) Remove(ctx context.Context, stream *Stream, start, end int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	defer tx.Rollback()

	del := func(table string) error {
		query, args, err := sq.Delete(table).
			Where(sq.GtOrEq{"time": microsToTime(uint64(start))}).
			Where(sq.LtOrEq{"time": microsToTime(uint64(end))}).
			PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	}

	if err := del(rawTable(stream.ID)); err != nil {
		return fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	if stream.Decimate {
		for level := 1; level <= MaxDecimationLevels; level++ {
			if err := del(decimatedTable(stream.ID, level)); err != nil {
				return fmt.Errorf("%w: %v", joule.ErrData, err)
			}
		}
	}

	if err := insertIntervalBoundary(ctx, tx, stream, uint64(end+1)); err != nil {
		return fmt.Errorf("%w: %v", joule.ErrData, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	return nil
}

// RemoveBefore deletes raw and decimated rows strictly older than
// cutoff (microseconds), for the retention sweep. Unlike Remove, no
// boundary row is inserted: trimming data from the start of a stream
// never creates an internal gap, since Intervals always reports the
// actual min/max of whatever rows remain.
func (s *Store) RemoveBefore(ctx context.Context, stream *Stream, cutoff int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	defer tx.Rollback()

	del := func(table string) (int64, error) {
		query, args, err := sq.Delete(table).
			Where(sq.Lt{"time": microsToTime(uint64(cutoff))}).
			PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	var total int64
	n, err := del(rawTable(stream.ID))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	total += n

	if stream.Decimate {
		for level := 1; level <= MaxDecimationLevels; level++ {
			n, err := del(decimatedTable(stream.ID, level))
			if err != nil {
				return 0, fmt.Errorf("%w: %v", joule.ErrData, err)
			}
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", joule.ErrData, err)
	}
	return total, nil
}

// Streams enumerates every registered stream from the catalog table.
func (s *Store) Streams(ctx context.Context) ([]*Stream, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, name, dtype, element_count, decimate, keep_us FROM joule.stream ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing streams: %v", joule.ErrData, err)
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		var (
			id       int64
			name     string
			dtype    string
			count    int
			decimate bool
			keepUS   int64
		)
		if err := rows.Scan(&id, &name, &dtype, &count, &decimate, &keepUS); err != nil {
			return nil, fmt.Errorf("%w: scanning stream row: %v", joule.ErrData, err)
		}
		l, err := layout.Parse(fmt.Sprintf("%s_%d", dtype, count))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding layout for stream %q: %v", joule.ErrData, name, err)
		}
		out = append(out, &Stream{ID: id, Name: name, Layout: l, Decimate: decimate, KeepUS: keepUS})
	}
	return out, rows.Err()
}

func valueColumns(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("v%d", i)
	}
	return cols
}

func decimatedValueColumns(n int) []string {
	cols := make([]string, 0, 3*n)
	for i := 0; i < n; i++ {
		cols = append(cols, fmt.Sprintf("mean%d", i), fmt.Sprintf("min%d", i), fmt.Sprintf("max%d", i))
	}
	return cols
}

func timeToMicros(cell interface{}) uint64 {
	t, _ := cell.(time.Time)
	return uint64(t.UnixMicro())
}

func toFloat64(cell interface{}) float64 {
	switch v := cell.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func toFloat64Slice(cells []interface{}) []float64 {
	out := make([]float64, len(cells))
	for i, c := range cells {
		out[i] = toFloat64(c)
	}
	return out
}
