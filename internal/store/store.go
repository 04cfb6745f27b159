// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements the TimescaleDB-backed time-series data
// store (components E, F, L): per-stream hypertable bootstrap,
// insertion with automatic multi-level decimation, interval-aware
// extraction, interval reporting and time-range removal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
)

// DecimationFactor is the fixed ratio between successive decimation
// levels (level k+1 consumes factor samples of level k).
const DecimationFactor = 4

// MaxDecimationLevels bounds how many decimation tables a stream with
// Decimate=true maintains (factor^6 = 4096:1 at the deepest level).
const MaxDecimationLevels = 6

var (
	hooksOnce       sync.Once
	hooksRegistered bool
)

// Hooks times every query for debug logging, grounded directly on the
// teacher's sqlhooks.Hooks implementation.
type Hooks struct{}

type hookTimeKey struct{}

func (Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	jlog.Debugf("sql query %s %v", query, args)
	return context.WithValue(ctx, hookTimeKey{}, time.Now()), nil
}

func (Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookTimeKey{}).(time.Time); ok {
		jlog.Debugf("sql query took %s", time.Since(begin))
	}
	return ctx, nil
}

// registerDriver wraps lib/pq with the timing hooks exactly once per
// process, since sql.Register panics on a duplicate name.
func registerDriver() {
	hooksOnce.Do(func() {
		sql.Register("joule-pq-hooked", sqlhooks.Wrap(&pq.Driver{}, Hooks{}))
		hooksRegistered = true
	})
}

// Store wraps a connection pool to a TimescaleDB-compatible Postgres
// database holding the joule schema.
type Store struct {
	db *sqlx.DB
}

// OpenDB connects to dsn through the hooked lib/pq driver and
// verifies the timescaledb extension is already installed; installing
// the extension is the job of an external tool run before Joule
// starts, and OpenDB never does it. OpenDB does create the joule
// schema and the stream catalog table if they are absent.
func OpenDB(ctx context.Context, dsn string) (*Store, error) {
	registerDriver()

	db, err := sqlx.Open("joule-pq-hooked", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store connection: %v", joule.ErrConfiguration, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: connecting to store: %v", joule.ErrConfiguration, err)
	}

	var installed bool
	err = db.GetContext(ctx, &installed,
		`SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`)
	if err != nil {
		return nil, fmt.Errorf("%w: checking timescaledb extension: %v", joule.ErrConfiguration, err)
	}
	if !installed {
		return nil, fmt.Errorf("%w: timescaledb extension is not installed; run the cluster bootstrap tool first", joule.ErrConfiguration)
	}

	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS joule`); err != nil {
		return nil, fmt.Errorf("%w: creating joule schema: %v", joule.ErrConfiguration, err)
	}

	const catalogDDL = `CREATE TABLE IF NOT EXISTS joule.stream (
		id            BIGSERIAL PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		dtype         TEXT NOT NULL,
		element_count INT  NOT NULL,
		decimate      BOOLEAN NOT NULL DEFAULT FALSE,
		keep_us       BIGINT NOT NULL DEFAULT -1
	)`
	if _, err := db.ExecContext(ctx, catalogDDL); err != nil {
		return nil, fmt.Errorf("%w: creating stream catalog: %v", joule.ErrConfiguration, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Stream is the catalog entry for one stored time series: the small
// control-table row the store needs to enumerate streams, resolve
// name to id, and look up decimation/retention settings without
// scanning every hypertable.
type Stream struct {
	ID       int64
	Name     string
	Layout   layout.Layout
	Decimate bool
	// KeepUS is the retention window in microseconds; a negative
	// value means retain all data.
	KeepUS int64
}

func rawTable(id int64) string        { return fmt.Sprintf("joule.stream%d", id) }
func decimatedTable(id int64, level int) string {
	return fmt.Sprintf("joule.stream%d_d%d", id, pow(DecimationFactor, level))
}
func intervalsTable(id int64) string { return fmt.Sprintf("joule.stream%d_intervals", id) }

func pow(base, exp int) int {
	p := 1
	for i := 0; i < exp; i++ {
		p *= base
	}
	return p
}

// RegisterStream creates the catalog row (if absent) and the
// stream's hypertables (raw, every decimation level if Decimate is
// set, and the interval boundary table). All DDL is idempotent: safe
// to call every time a stream is opened, not just the first.
func (s *Store) RegisterStream(ctx context.Context, name string, l layout.Layout, decimate bool, keepUS int64) (*Stream, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO joule.stream (name, dtype, element_count, decimate, keep_us)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		name, l.Dtype.String(), l.Count, decimate, keepUS)
	if err != nil {
		return nil, fmt.Errorf("%w: registering stream %q: %v", joule.ErrData, name, err)
	}

	columns := sampleColumns(l.Count)

	raw := rawTable(id)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (time TIMESTAMPTZ PRIMARY KEY, %s)`, raw, columns.rawDefs())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("%w: creating raw table for %q: %v", joule.ErrData, name, err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`SELECT create_hypertable('%s', 'time', if_not_exists => TRUE)`, raw)); err != nil {
		return nil, fmt.Errorf("%w: hypertable-ing raw table for %q: %v", joule.ErrData, name, err)
	}

	if decimate {
		for level := 1; level <= MaxDecimationLevels; level++ {
			dec := decimatedTable(id, level)
			ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (time TIMESTAMPTZ PRIMARY KEY, %s)`, dec, columns.decimatedDefs())
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return nil, fmt.Errorf("%w: creating decimation level %d table for %q: %v", joule.ErrData, level, name, err)
			}
			if _, err := s.db.ExecContext(ctx,
				fmt.Sprintf(`SELECT create_hypertable('%s', 'time', if_not_exists => TRUE)`, dec)); err != nil {
				return nil, fmt.Errorf("%w: hypertable-ing decimation level %d table for %q: %v", joule.ErrData, level, name, err)
			}
		}
	}

	ivTable := intervalsTable(id)
	ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (time TIMESTAMPTZ PRIMARY KEY)`, ivTable)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("%w: creating interval table for %q: %v", joule.ErrData, name, err)
	}

	return &Stream{ID: id, Name: name, Layout: l, Decimate: decimate, KeepUS: keepUS}, nil
}

type columnSet struct{ n int }

func sampleColumns(n int) columnSet { return columnSet{n: n} }

func (c columnSet) rawDefs() string {
	var out string
	for i := 0; i < c.n; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("v%d DOUBLE PRECISION NOT NULL", i)
	}
	return out
}

func (c columnSet) decimatedDefs() string {
	var out string
	for i := 0; i < c.n; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("mean%d DOUBLE PRECISION NOT NULL, min%d DOUBLE PRECISION NOT NULL, max%d DOUBLE PRECISION NOT NULL", i, i, i)
	}
	return out
}
