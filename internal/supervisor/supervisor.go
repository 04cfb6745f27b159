// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/internal/store"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

// Supervisor owns every configured Worker and is the Resolver every
// Worker uses to subscribe to another module's output.
type Supervisor struct {
	dataStore *store.Store

	mu              sync.Mutex
	workers         map[string]*Worker
	order           []string // registration order, reused in reverse for Stop
	publishedFields map[string][]string
	publishedPipes  map[string]*pipe.Pipe

	wg     sync.WaitGroup
	cancel context.CancelFunc

	restartObserver RestartObserver
}

// SetRestartObserver attaches o to every Worker added by AddModule from
// this point forward. Call before AddModule to have it take effect for
// those Workers; Publish's pseudo-Workers never restart and do not get
// an observer.
func (s *Supervisor) SetRestartObserver(o RestartObserver) { s.restartObserver = o }

// New builds an empty Supervisor backed by st.
func New(st *store.Store) *Supervisor {
	return &Supervisor{
		dataStore:       st,
		workers:         make(map[string]*Worker),
		publishedFields: make(map[string][]string),
		publishedPipes:  make(map[string]*pipe.Pipe),
	}
}

// AddModule registers module's Worker. Must be called before Start.
func (s *Supervisor) AddModule(module Module, insertPeriod time.Duration, maxLogLines int) *Worker {
	w := NewWorker(module, s.dataStore, insertPeriod, maxLogLines)
	if s.restartObserver != nil {
		w.SetRestartObserver(s.restartObserver)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[module.Name] = w
	s.order = append(s.order, module.Name)
	return w
}

// ResolveProducer implements Resolver. RefByPath looks up the named
// module's Worker; RefByID and RefByValue resolve directly against the
// Worker registered under ref.Name, which for an externally sourced
// stream is the pseudo-Worker Publish registered under that stream's
// name.
func (s *Supervisor) ResolveProducer(ref StreamRef) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ref.Kind {
	case RefByPath:
		w, ok := s.workers[ref.Path]
		if !ok {
			return nil, fmt.Errorf("%w: no module named %q", joule.ErrStreamNotFound, ref.Path)
		}
		return w, nil
	case RefByID, RefByValue:
		w, ok := s.workers[ref.Name]
		if !ok {
			return nil, fmt.Errorf("%w: no stream named %q", joule.ErrStreamNotFound, ref.Name)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized stream reference kind", joule.ErrConfiguration)
	}
}

// Publish registers a pseudo-Worker of the given name whose sole
// output named "" is fed directly by external code (an ingestion
// source) rather than by a subprocess. It returns the Pipe to write
// externally sourced samples into. Start never runs the pseudo-Worker,
// since there is no subprocess to supervise; Stop closes its Pipe,
// which lets the stream's Inserter flush what is pending and return.
func (s *Supervisor) Publish(name string, l layout.Layout, fieldOrder []string, decimate bool, keepUS int64) (*pipe.Pipe, error) {
	ctx := context.Background()
	stream, err := s.dataStore.RegisterStream(ctx, name, l, decimate, keepUS)
	if err != nil {
		return nil, err
	}

	p := pipe.New(l)
	ins := store.NewInserter(s.dataStore, stream, p, defaultPublishInsertPeriod)

	w := &Worker{
		module:  Module{Name: name},
		state:   StateRunning,
		outputs: map[string]*pipe.Pipe{"": p},
		logs:    NewLogRingBuffer(defaultLogLines),
		stopCh:  make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[name] = w
	s.order = append(s.order, name)
	s.publishedFields[name] = fieldOrder
	s.publishedPipes[name] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := ins.Run(ctx); err != nil {
			jlog.Warnf("published stream %q inserter stopped: %v", name, err)
		}
	}()
	go func() {
		<-w.stopCh
		p.Close()
	}()

	return p, nil
}

const defaultPublishInsertPeriod = 5 * time.Second

// PublishedPipe implements internal/ingest.Publisher: it resolves a
// line-protocol measurement name to the Pipe a prior Publish call
// created, plus the field order that pipe's layout expects.
func (s *Supervisor) PublishedPipe(measurement string) (*pipe.Pipe, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishedPipes[measurement]
	if !ok {
		return nil, nil, false
	}
	return p, s.publishedFields[measurement], true
}

// Start resolves every module's inputs (in registration order, so
// earlier modules can feed later ones) and launches each Worker's Run
// loop concurrently. It returns once every Worker has either resolved
// or failed to resolve its inputs; resolution failures are returned
// together as a single error, and the Workers that did resolve still
// run.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	var resolveErrs []error
	for _, name := range order {
		s.mu.Lock()
		w := s.workers[name]
		s.mu.Unlock()
		if len(w.module.Command) == 0 {
			continue // pseudo-Worker from Publish, nothing to resolve or run
		}
		if err := w.RegisterInputs(s); err != nil {
			resolveErrs = append(resolveErrs, err)
			continue
		}
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			if err := w.Run(ctx, s); err != nil {
				jlog.Errorf("module %q stopped: %v", w.Name(), err)
			}
		}(w)
	}

	if len(resolveErrs) > 0 {
		return fmt.Errorf("%w: %d module(s) failed input resolution: %v", joule.ErrConfiguration, len(resolveErrs), resolveErrs)
	}
	return nil
}

// Stop signals every Worker to stop, in reverse registration order so
// a module stops before the modules that feed it, then waits for all
// background tasks to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		s.mu.Lock()
		w := s.workers[order[i]]
		s.mu.Unlock()
		w.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Subscribe attaches a fresh Pipe to the named module's named output.
func (s *Supervisor) Subscribe(module, output string) (*pipe.Pipe, error) {
	s.mu.Lock()
	w, ok := s.workers[module]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no module named %q", joule.ErrStreamNotFound, module)
	}
	return w.Subscribe(output)
}

// Worker returns the named Worker, for status reporting.
func (s *Supervisor) Worker(name string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	return w, ok
}

// Workers returns every registered Worker's name, in registration
// order.
func (s *Supervisor) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
