// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package maint implements the periodic store maintenance task
// (component M): removing rows past each stream's configured
// retention window (Stream.KeepUS), on the cadence set by
// [DataStore] CleanupPeriod.
package maint

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/internal/store"
	"github.com/awlangham/joule/pkg/joule"
)

// StreamLister enumerates every registered stream so the retention
// task can sweep all of them without the caller threading a stream
// list through.
type StreamLister interface {
	Streams(ctx context.Context) ([]*store.Stream, error)
}

// Scheduler runs the retention sweep on a fixed period using gocron.
type Scheduler struct {
	sched  gocron.Scheduler
	st     *store.Store
	lister StreamLister
}

// New builds a Scheduler backed by st, using lister to enumerate
// streams each sweep.
func New(st *store.Store, lister StreamLister) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("%w: creating maintenance scheduler: %v", joule.ErrConfiguration, err)
	}
	return &Scheduler{sched: sched, st: st, lister: lister}, nil
}

// RegisterRetention schedules the sweep every period and starts the
// scheduler running in the background.
func (m *Scheduler) RegisterRetention(ctx context.Context, periodSeconds int) error {
	_, err := m.sched.NewJob(
		gocron.DurationJob(durationSeconds(periodSeconds)),
		gocron.NewTask(func() { m.sweep(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("%w: registering retention job: %v", joule.ErrConfiguration, err)
	}
	m.sched.Start()
	return nil
}

// Shutdown stops the scheduler, letting any in-flight sweep finish.
func (m *Scheduler) Shutdown() error {
	return m.sched.Shutdown()
}

func (m *Scheduler) sweep(ctx context.Context) {
	streams, err := m.lister.Streams(ctx)
	if err != nil {
		jlog.Errorf("retention sweep: listing streams: %v", err)
		return
	}

	for _, stream := range streams {
		if stream.KeepUS < 0 {
			continue
		}
		cutoff := nowMicros() - stream.KeepUS
		if cutoff <= 0 {
			continue
		}
		removed, err := m.st.RemoveBefore(ctx, stream, cutoff)
		if err != nil {
			jlog.Errorf("retention sweep: stream %q: %v", stream.Name, err)
			continue
		}
		if removed > 0 {
			jlog.Infof("retention sweep: stream %q: removed %d row(s) older than %d us", stream.Name, removed, cutoff)
		}
	}
}

func durationSeconds(n int) time.Duration { return time.Duration(n) * time.Second }

func nowMicros() int64 { return time.Now().UnixMicro() }
