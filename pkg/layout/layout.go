// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package layout implements the stream layout and sample codec
// (component A): parsing "<dtype>_<n>" strings, computing raw and
// decimated record sizes, and encoding/decoding fixed-width
// little-endian records.
//
// Every numeric value, regardless of the stream's on-disk dtype, is
// carried through the Go API as a float64 and cast to the native
// width only at the encode/decode boundary. This keeps the codec
// generic over all ten dtypes without a type-switch at every call
// site.
package layout

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/awlangham/joule/pkg/joule"
)

// Dtype identifies the on-the-wire numeric type of one stream element.
type Dtype int

const (
	Int8 Dtype = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
)

var dtypeNames = map[Dtype]string{
	Int8: "int8", Int16: "int16", Int32: "int32", Int64: "int64",
	Uint8: "uint8", Uint16: "uint16", Uint32: "uint32", Uint64: "uint64",
	Float32: "float32", Float64: "float64",
}

var dtypeSizes = map[Dtype]int{
	Int8: 1, Int16: 2, Int32: 4, Int64: 8,
	Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
	Float32: 4, Float64: 8,
}

func (d Dtype) String() string { return dtypeNames[d] }

// Size returns the element width in bytes.
func (d Dtype) Size() int { return dtypeSizes[d] }

func parseDtype(s string) (Dtype, error) {
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", joule.ErrConfiguration, s)
}

// Layout identifies the datatype and element count of a stream.
type Layout struct {
	Dtype Dtype
	Count int
}

// Parse parses a "<dtype>_<n>" layout string.
func Parse(s string) (Layout, error) {
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return Layout{}, fmt.Errorf("%w: malformed layout %q", joule.ErrConfiguration, s)
	}

	dtype, err := parseDtype(s[:idx])
	if err != nil {
		return Layout{}, err
	}

	n, err := strconv.Atoi(s[idx+1:])
	if err != nil || n < 1 {
		return Layout{}, fmt.Errorf("%w: malformed element count in layout %q", joule.ErrConfiguration, s)
	}

	return Layout{Dtype: dtype, Count: n}, nil
}

// String renders the canonical "<dtype>_<n>" form.
func (l Layout) String() string {
	return fmt.Sprintf("%s_%d", l.Dtype, l.Count)
}

// RawRecordSize returns 8 + n*sizeof(dtype).
func (l Layout) RawRecordSize() int {
	return 8 + l.Count*l.Dtype.Size()
}

// DecimatedRecordSize returns 8 + 3*n*sizeof(dtype) (mean, min, max
// per element).
func (l Layout) DecimatedRecordSize() int {
	return 8 + 3*l.Count*l.Dtype.Size()
}

// RawSample is one decoded raw record.
type RawSample struct {
	Timestamp uint64 // microseconds since Unix epoch
	Values    []float64
}

// DecimatedSample is one decoded decimated record: mean, min, max per
// element.
type DecimatedSample struct {
	Timestamp uint64
	Mean      []float64
	Min       []float64
	Max       []float64
}

// EncodeRaw encodes one raw sample into dst, which must be at least
// RawRecordSize() bytes.
func (l Layout) EncodeRaw(dst []byte, ts uint64, values []float64) error {
	if len(values) != l.Count {
		return fmt.Errorf("%w: expected %d values, got %d", joule.ErrInvalidData, l.Count, len(values))
	}
	if len(dst) < l.RawRecordSize() {
		return fmt.Errorf("%w: destination buffer too small", joule.ErrPipe)
	}

	binary.LittleEndian.PutUint64(dst[0:8], ts)
	off := 8
	for _, v := range values {
		n := putValue(dst[off:], l.Dtype, v)
		off += n
	}
	return nil
}

// DecodeRaw decodes one raw record from src, which must be exactly
// RawRecordSize() bytes.
func (l Layout) DecodeRaw(src []byte) (RawSample, error) {
	if len(src) != l.RawRecordSize() {
		return RawSample{}, fmt.Errorf("%w: wrong record size", joule.ErrInvalidData)
	}

	ts := binary.LittleEndian.Uint64(src[0:8])
	values := make([]float64, l.Count)
	off := 8
	sz := l.Dtype.Size()
	for i := range values {
		values[i] = getValue(src[off:off+sz], l.Dtype)
		off += sz
	}
	return RawSample{Timestamp: ts, Values: values}, nil
}

// EncodeDecimated encodes one decimated sample into dst, which must
// be at least DecimatedRecordSize() bytes.
func (l Layout) EncodeDecimated(dst []byte, s DecimatedSample) error {
	if len(s.Mean) != l.Count || len(s.Min) != l.Count || len(s.Max) != l.Count {
		return fmt.Errorf("%w: decimated sample element count mismatch", joule.ErrInvalidData)
	}
	if len(dst) < l.DecimatedRecordSize() {
		return fmt.Errorf("%w: destination buffer too small", joule.ErrPipe)
	}

	binary.LittleEndian.PutUint64(dst[0:8], s.Timestamp)
	off := 8
	for _, triplet := range [][]float64{s.Mean, s.Min, s.Max} {
		for _, v := range triplet {
			off += putValue(dst[off:], l.Dtype, v)
		}
	}
	return nil
}

// DecodeDecimated decodes one decimated record from src, which must
// be exactly DecimatedRecordSize() bytes.
func (l Layout) DecodeDecimated(src []byte) (DecimatedSample, error) {
	if len(src) != l.DecimatedRecordSize() {
		return DecimatedSample{}, fmt.Errorf("%w: wrong record size", joule.ErrInvalidData)
	}

	ts := binary.LittleEndian.Uint64(src[0:8])
	sz := l.Dtype.Size()
	off := 8
	read := func() []float64 {
		out := make([]float64, l.Count)
		for i := range out {
			out[i] = getValue(src[off:off+sz], l.Dtype)
			off += sz
		}
		return out
	}
	mean, min, max := read(), read(), read()
	return DecimatedSample{Timestamp: ts, Mean: mean, Min: min, Max: max}, nil
}

// IntervalToken returns the canonical in-band sentinel sample for
// this layout: timestamp 0, payload bytes all 0xFF. A store or pipe
// that sees this exact record in place of a real sample treats it as
// an interval boundary rather than data.
func (l Layout) IntervalToken() []byte {
	buf := make([]byte, l.RawRecordSize())
	for i := 8; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

// IsIntervalToken reports whether record (a raw-size record) is the
// interval-break sentinel. Detection is exact: timestamp must be 0
// and every payload byte must be 0xFF.
func (l Layout) IsIntervalToken(record []byte) bool {
	if len(record) != l.RawRecordSize() {
		return false
	}
	if binary.LittleEndian.Uint64(record[0:8]) != 0 {
		return false
	}
	for _, b := range record[8:] {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func putValue(dst []byte, d Dtype, v float64) int {
	switch d {
	case Int8:
		dst[0] = byte(int8(v))
		return 1
	case Uint8:
		dst[0] = byte(uint8(v))
		return 1
	case Int16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
		return 2
	case Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
		return 2
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
		return 4
	case Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
		return 4
	case Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(v)))
		return 8
	case Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(v))
		return 8
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
		return 4
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
		return 8
	}
	return 0
}

func getValue(src []byte, d Dtype) float64 {
	switch d {
	case Int8:
		return float64(int8(src[0]))
	case Uint8:
		return float64(uint8(src[0]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(src)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(src))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(src)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(src))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(src)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(src))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	}
	return 0
}
