// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry exposes Joule's own operational metrics
// (component O) as a Prometheus exposition endpoint: pipe backlog,
// inserter flush counts/latencies, worker restarts, and decimator
// emissions, labeled by stream or module name.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge Joule updates as it runs. A zero
// Metrics is unusable; build one with NewMetrics.
type Metrics struct {
	PipeQueuedRows    *prometheus.GaugeVec
	InserterFlushes   *prometheus.CounterVec
	InserterFailures  *prometheus.CounterVec
	InserterFlushTime *prometheus.HistogramVec
	WorkerRestarts    *prometheus.CounterVec
	DecimatorEmitted  *prometheus.CounterVec
}

// NewMetrics builds and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipeQueuedRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "joule",
			Name:      "pipe_queued_rows",
			Help:      "Rows posted to a stream's Pipe but not yet delivered to its consumer.",
		}, []string{"stream"}),
		InserterFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joule",
			Name:      "inserter_flushes_total",
			Help:      "Successful periodic flushes performed by a stream's Inserter.",
		}, []string{"stream"}),
		InserterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joule",
			Name:      "inserter_flush_failures_total",
			Help:      "Flush attempts that failed after exhausting retries.",
		}, []string{"stream"}),
		InserterFlushTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "joule",
			Name:      "inserter_flush_duration_seconds",
			Help:      "Time spent performing one successful flush.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stream"}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joule",
			Name:      "worker_restarts_total",
			Help:      "Times a module's subprocess was relaunched after exiting.",
		}, []string{"module"}),
		DecimatorEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joule",
			Name:      "decimator_samples_emitted_total",
			Help:      "Decimated samples emitted by a stream's decimator chain, by level.",
		}, []string{"stream", "level"}),
	}

	reg.MustRegister(
		m.PipeQueuedRows,
		m.InserterFlushes,
		m.InserterFailures,
		m.InserterFlushTime,
		m.WorkerRestarts,
		m.DecimatorEmitted,
	)
	return m
}

// ObserveFlush implements internal/store.FlushObserver.
func (m *Metrics) ObserveFlush(stream string, d time.Duration) {
	m.InserterFlushes.WithLabelValues(stream).Inc()
	m.InserterFlushTime.WithLabelValues(stream).Observe(d.Seconds())
}

// ObserveFlushFailure implements internal/store.FlushObserver.
func (m *Metrics) ObserveFlushFailure(stream string) {
	m.InserterFailures.WithLabelValues(stream).Inc()
}

// ObserveWorkerRestart records one module relaunch.
func (m *Metrics) ObserveWorkerRestart(module string) {
	m.WorkerRestarts.WithLabelValues(module).Inc()
}

// ObservePipeQueuedRows records the current backlog for stream.
func (m *Metrics) ObservePipeQueuedRows(stream string, rows int64) {
	m.PipeQueuedRows.WithLabelValues(stream).Set(float64(rows))
}

// ObserveDecimatorEmitted records one decimated sample emitted at
// level for stream.
func (m *Metrics) ObserveDecimatorEmitted(stream string, level int) {
	m.DecimatorEmitted.WithLabelValues(stream, strconv.Itoa(level)).Inc()
}
