// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest implements external data ingestion (component N): a
// NATS subscriber decoding InfluxDB line-protocol messages into raw
// samples and writing them onto the Pipe a published stream exposes.
package ingest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	influx "github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/nats-io/nats.go"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/pipe"
)

// Publisher is the subset of Supervisor's external-publish surface
// ingest needs: given a measurement name, the Pipe to write decoded
// samples into and the ordered field names that make up its layout.
type Publisher interface {
	PublishedPipe(measurement string) (p *pipe.Pipe, fieldOrder []string, ok bool)
}

// Client wraps a NATS connection, decoding every message received on
// a subscribed subject as line-protocol and routing each measurement
// to the stream Publisher says it belongs to.
type Client struct {
	conn *nats.Conn
	pub  Publisher

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials addr and returns a Client that can Subscribe using
// pub to resolve measurements to Pipes. Connection loss is logged and
// retried by the nats.go client itself; Connect only reports the
// initial dial failure.
func Connect(addr string, pub Publisher) (*Client, error) {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				jlog.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			jlog.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			jlog.Errorf("nats error: %v", err)
		}),
	}

	nc, err := nats.Connect(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to nats at %s: %v", joule.ErrConfiguration, addr, err)
	}
	return &Client{conn: nc, pub: pub}, nil
}

// Subscribe registers a handler on subject that decodes every message
// as one or more line-protocol lines and writes each measurement's
// fields to its published Pipe.
func (c *Client) Subscribe(subject string) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := c.handle(msg.Data); err != nil {
			jlog.Warnf("nats ingest: subject %q: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing to %q: %v", joule.ErrConfiguration, subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close unsubscribes every active subscription and closes the
// connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.conn.Close()
}

func (c *Client) handle(data []byte) error {
	dec := influx.NewDecoder(bytes.NewReader(data))
	for dec.Next() {
		measurement, err := dec.Measurement()
		if err != nil {
			return fmt.Errorf("%w: decoding measurement: %v", joule.ErrInvalidData, err)
		}

		for {
			key, _, err := dec.NextTag()
			if err != nil {
				return fmt.Errorf("%w: decoding tags: %v", joule.ErrInvalidData, err)
			}
			if key == nil {
				break
			}
		}

		fields := make(map[string]float64)
		for {
			key, value, err := dec.NextField()
			if err != nil {
				return fmt.Errorf("%w: decoding fields: %v", joule.ErrInvalidData, err)
			}
			if key == nil {
				break
			}
			f, ok := toFloat(value)
			if !ok {
				continue
			}
			fields[string(key)] = f
		}

		ts, err := dec.Time(influx.Microsecond, time.Time{})
		if err != nil {
			return fmt.Errorf("%w: decoding timestamp: %v", joule.ErrInvalidData, err)
		}

		if err := c.route(string(measurement), ts.UnixMicro(), fields); err != nil {
			return err
		}
	}
	return dec.Err()
}

func (c *Client) route(measurement string, timestampUS int64, fields map[string]float64) error {
	p, order, ok := c.pub.PublishedPipe(measurement)
	if !ok {
		return fmt.Errorf("%w: no published stream named %q", joule.ErrStreamNotFound, measurement)
	}

	names := order
	if len(names) == 0 {
		names = sortedKeys(fields)
	}
	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = fields[name]
	}

	return p.Write(&pipe.Block{
		Timestamps: []uint64{uint64(timestampUS)},
		Data:       [][]float64{values},
	})
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v influx.Value) (float64, bool) {
	switch v.Kind() {
	case influx.Float:
		return v.FloatV(), true
	case influx.Int:
		return float64(v.IntV()), true
	case influx.UInt:
		return float64(v.UIntV()), true
	case influx.Boolean:
		if v.BoolV() {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
