// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dataplane mounts Joule's HTTP surface (component P): reading
// and writing framed stream data over HTTP, querying stored
// intervals, and exposing Prometheus metrics.
package dataplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/internal/store"
	"github.com/awlangham/joule/internal/supervisor"
	"github.com/awlangham/joule/pkg/framedpipe"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/pipe"
)

// Version is reported by GET /version.json; overridden at link time
// in release builds.
var Version = "dev"

// Server holds the dependencies every data-plane handler needs.
type Server struct {
	sup *supervisor.Supervisor
	db  *store.Store
	reg prometheus.Gatherer
}

// New builds a Server. reg may be nil, in which case MountRoutes does
// not register GET /metrics at all.
func New(sup *supervisor.Supervisor, db *store.Store, reg prometheus.Gatherer) *Server {
	return &Server{sup: sup, db: db, reg: reg}
}

// MountRoutes registers every data-plane route under r.
func (s *Server) MountRoutes(r *mux.Router) {
	r.HandleFunc("/version.json", s.version).Methods(http.MethodGet)
	r.HandleFunc("/data", s.getData).Methods(http.MethodGet)
	r.HandleFunc("/data", s.postData).Methods(http.MethodPost)
	r.HandleFunc("/data/intervals.json", s.intervals).Methods(http.MethodGet)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// getData streams a subscribed stream's output as framed binary
// records. The caller selects the stream with either ?module=&output=
// (a live module output) or ?stream= (a published/ingested stream).
// Live data is always raw records: a ?decimation_level parameter is
// ignored and the joule-decimated header is always false.
func (s *Server) getData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	module, output, streamName := q.Get("module"), q.Get("output"), q.Get("stream")

	var (
		p   *pipe.Pipe
		err error
	)
	switch {
	case streamName != "":
		if _, _, ok := s.sup.PublishedPipe(streamName); !ok {
			err = fmt.Errorf("%w: %q", joule.ErrStreamNotFound, streamName)
		} else {
			p, err = s.sup.Subscribe(streamName, "")
		}
	case module != "":
		p, err = s.sup.Subscribe(module, output)
	default:
		writeError(w, fmt.Errorf("%w: one of stream or module is required", joule.ErrAPI))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("joule-layout", p.Layout().String())
	w.Header().Set("joule-decimated", strconv.FormatBool(false))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	writer := framedpipe.NewWriter(p.Layout(), p, w)
	if err := writer.Run(r.Context()); err != nil {
		jlog.Warnf("data-plane: streaming %q ended: %v", r.URL.Path, err)
	}
}

// postData accepts framed binary records for a named published
// stream (one previously registered via the supervisor's ingest
// surface) and writes them into its Pipe.
func (s *Server) postData(w http.ResponseWriter, r *http.Request) {
	streamName := r.URL.Query().Get("stream")
	if streamName == "" {
		writeError(w, fmt.Errorf("%w: stream is required", joule.ErrAPI))
		return
	}

	p, _, ok := s.sup.PublishedPipe(streamName)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", joule.ErrStreamNotFound, streamName))
		return
	}

	reader := framedpipe.NewReader(p.Layout(), r.Body, p)
	if err := reader.Run(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// intervals reports the stored, gap-free time ranges for a stream.
func (s *Server) intervals(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("stream")
	if name == "" {
		writeError(w, fmt.Errorf("%w: stream is required", joule.ErrAPI))
		return
	}

	streams, err := s.db.Streams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var stream *store.Stream
	for _, st := range streams {
		if st.Name == name {
			stream = st
			break
		}
	}
	if stream == nil {
		writeError(w, fmt.Errorf("%w: %q", joule.ErrStreamNotFound, name))
		return
	}

	start, end := parseRangeParams(r)
	ivs, err := s.db.Intervals(r.Context(), stream, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ivs)
}

func parseRangeParams(r *http.Request) (start, end *int64) {
	if v := r.URL.Query().Get("start"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			start = &n
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			end = &n
		}
	}
	return start, end
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jlog.Warnf("data-plane: encoding JSON response: %v", err)
	}
}

// writeError maps Joule's shared error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, joule.ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, joule.ErrAPI), errors.Is(err, joule.ErrConfiguration), errors.Is(err, joule.ErrInvalidData):
		status = http.StatusBadRequest
	case errors.Is(err, joule.ErrSubscription):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
