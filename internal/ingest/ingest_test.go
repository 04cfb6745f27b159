// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

type fakePublisher struct {
	pipes  map[string]*pipe.Pipe
	fields map[string][]string
}

func (f fakePublisher) PublishedPipe(measurement string) (*pipe.Pipe, []string, bool) {
	p, ok := f.pipes[measurement]
	return p, f.fields[measurement], ok
}

func TestSortedKeysOrdersAlphabetically(t *testing.T) {
	keys := sortedKeys(map[string]float64{"c": 1, "a": 2, "b": 3})
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRouteFailsForUnpublishedMeasurement(t *testing.T) {
	c := &Client{pub: fakePublisher{pipes: map[string]*pipe.Pipe{}, fields: map[string][]string{}}}
	err := c.route("unknown", 0, map[string]float64{"x": 1})
	require.Error(t, err)
}

func TestRouteWritesFieldsInDeclaredOrder(t *testing.T) {
	l, err := layout.Parse("float64_2")
	require.NoError(t, err)
	p := pipe.New(l)

	c := &Client{pub: fakePublisher{
		pipes:  map[string]*pipe.Pipe{"temp": p},
		fields: map[string][]string{"temp": {"b", "a"}},
	}}

	err = c.route("temp", 1000, map[string]float64{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, int64(1), p.QueuedRows())

	res, err := p.Read(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 1}, res.Data[0])
}
