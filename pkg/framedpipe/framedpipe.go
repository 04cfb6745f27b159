// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package framedpipe bridges a byte stream (subprocess stdio, a
// socket, or an HTTP request/response body) and an in-process
// pkg/pipe.Pipe, using the same wire format the pipe's layout
// defines: fixed-size raw records, with the layout's interval token
// standing in for an interval marker.
package framedpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

const readChunkSize = 64 * 1024

// Reader decodes a byte stream into a Pipe. Run chunks arbitrary byte
// arrivals into whole-record boundaries, holding any partial tail
// record until more bytes arrive.
type Reader struct {
	layout layout.Layout
	src    io.Reader
	dst    *pipe.Pipe

	pending []byte
}

// NewReader builds a Reader that decodes src's bytes as l-shaped raw
// records and writes them into dst.
func NewReader(l layout.Layout, src io.Reader, dst *pipe.Pipe) *Reader {
	return &Reader{layout: l, src: src, dst: dst}
}

// Run reads until src is exhausted or returns an error, closing dst
// in either case. EOF is not an error; it closes dst and returns nil.
func (r *Reader) Run(ctx context.Context) error {
	defer r.dst.Close()

	recSize := r.layout.RawRecordSize()
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := r.src.Read(buf)
		if n > 0 {
			r.pending = append(r.pending, buf[:n]...)
			if err := r.drain(recSize); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: framed pipe read: %v", joule.ErrPipe, readErr)
		}
	}
}

// drain consumes every complete record currently buffered in
// r.pending, batching consecutive data records into one Write and
// issuing CloseInterval whenever an interval token is seen.
func (r *Reader) drain(recSize int) error {
	var block pipe.Block
	flush := func() error {
		if len(block.Timestamps) == 0 {
			return nil
		}
		err := r.dst.Write(&block)
		block = pipe.Block{}
		return err
	}

	for len(r.pending) >= recSize {
		rec := r.pending[:recSize]
		r.pending = r.pending[recSize:]

		if r.layout.IsIntervalToken(rec) {
			if err := flush(); err != nil {
				return err
			}
			if err := r.dst.CloseInterval(); err != nil {
				return err
			}
			continue
		}

		sample, err := r.layout.DecodeRaw(rec)
		if err != nil {
			return err
		}
		block.Timestamps = append(block.Timestamps, sample.Timestamp)
		block.Data = append(block.Data, sample.Values)
	}
	return flush()
}

// Writer drains a Pipe and writes the raw record wire format to dst,
// emitting one interval token per end_of_interval observed.
type Writer struct {
	layout layout.Layout
	src    *pipe.Pipe
	dst    io.Writer
}

// NewWriter builds a Writer that encodes src's rows as l-shaped raw
// records into dst.
func NewWriter(l layout.Layout, src *pipe.Pipe, dst io.Writer) *Writer {
	return &Writer{layout: l, src: src, dst: dst}
}

// Run drains src until it closes with no more data, writing every row
// (and interval marker) to dst. Returns nil on a clean EmptyPipe
// termination.
func (w *Writer) Run(ctx context.Context) error {
	recSize := w.layout.RawRecordSize()
	for {
		res, err := w.src.Read(ctx, false)
		if err != nil {
			if errors.Is(err, joule.ErrEmptyPipe) {
				return nil
			}
			return err
		}

		if n := len(res.Timestamps); n > 0 {
			var buf bytes.Buffer
			buf.Grow(n * recSize)
			rec := make([]byte, recSize)
			for i, ts := range res.Timestamps {
				if err := w.layout.EncodeRaw(rec, ts, res.Data[i]); err != nil {
					return err
				}
				buf.Write(rec)
			}
			if _, err := w.dst.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("%w: framed pipe write: %v", joule.ErrPipe, err)
			}
			if err := w.src.Consume(n); err != nil {
				return err
			}
		}

		if res.EndOfInterval {
			if _, err := w.dst.Write(w.layout.IntervalToken()); err != nil {
				return fmt.Errorf("%w: framed pipe write: %v", joule.ErrPipe, err)
			}
		}
	}
}
