// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataplane_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/awlangham/joule/internal/dataplane"
	"github.com/awlangham/joule/internal/supervisor"
	"github.com/awlangham/joule/pkg/joule"
)

func router(t *testing.T) *mux.Router {
	t.Helper()
	s := dataplane.New(supervisor.New(nil), nil, nil)
	r := mux.NewRouter()
	s.MountRoutes(r)
	return r
}

func TestVersionReportsJSON(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/version.json", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["version"])
}

func TestGetDataRequiresStreamOrModule(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDataUnknownStreamIsNotFound(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/data?stream=missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostDataRequiresStream(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodPost, "/data", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostDataUnknownStreamIsNotFound(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodPost, "/data?stream=missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntervalsRequiresStream(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/data/intervals.json", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRouteAbsentWithoutGatherer(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDataUnknownModuleIsNotFound(t *testing.T) {
	r := router(t)
	req := httptest.NewRequest(http.MethodGet, "/data?module=missing&output=out", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["error"], joule.ErrStreamNotFound.Error())
}
