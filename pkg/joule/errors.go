// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package joule holds the error taxonomy shared by every Joule
// package, so that callers across package boundaries can use
// errors.Is/errors.As without importing implementation packages.
package joule

import "errors"

// Sentinel error kinds shared across every Joule package. Callers
// should match with errors.Is against these, never against a
// package-specific error value.
var (
	// ErrConfiguration covers invalid layouts, bad paths, missing
	// bindings. Aborts startup of the offending entity, never the
	// whole system.
	ErrConfiguration = errors.New("joule: configuration error")

	// ErrInvalidData is returned by Pipe.Write for non-monotonic
	// timestamps, and by the layout codec for malformed records.
	ErrInvalidData = errors.New("joule: invalid data")

	// ErrPipe covers programmer errors such as over-consuming a
	// Pipe's read buffer.
	ErrPipe = errors.New("joule: pipe error")

	// ErrEmptyPipe is the normal termination signal for readers:
	// the pipe is closed and has no more buffered data.
	ErrEmptyPipe = errors.New("joule: empty pipe")

	// ErrSubscription means no producer exists yet for a requested
	// stream. Callers may retry later.
	ErrSubscription = errors.New("joule: subscription error")

	// ErrData covers storage failures surfaced by the data store.
	ErrData = errors.New("joule: data error")

	// ErrDecimation covers extract-time decimation-level selection
	// failures (e.g. max_rows unattainable).
	ErrDecimation = errors.New("joule: decimation error")

	// ErrStreamNotFound is a remote-facing error mapped to HTTP 404
	// by the data-plane.
	ErrStreamNotFound = errors.New("joule: stream not found")

	// ErrAPI is a generic remote-facing error mapped to HTTP 400 by
	// the data-plane.
	ErrAPI = errors.New("joule: api error")
)
