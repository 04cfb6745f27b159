// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor implements the module supervisor (components G,
// H, I): one Worker per configured subprocess module, wiring its named
// inputs and outputs to Pipes, restarting it on failure, and capturing
// its stderr into a bounded log ring buffer; Supervisor owns the whole
// set of Workers and resolves cross-module stream subscriptions.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/internal/store"
	"github.com/awlangham/joule/pkg/framedpipe"
	"github.com/awlangham/joule/pkg/joule"
	"github.com/awlangham/joule/pkg/layout"
	"github.com/awlangham/joule/pkg/pipe"
)

// State is a Worker's lifecycle state.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateRestarting
	StateExited
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RefKind distinguishes the three ways a module input can name the
// stream that feeds it.
type RefKind int

const (
	// RefByID names a published stream by its Name; it resolves to the
	// Worker registered under that name.
	RefByID RefKind = iota
	// RefByPath names another module's output: Path is the module name
	// and Name is the output name.
	RefByPath
	// RefByValue is a fixed, literal stream name; like RefByID it
	// resolves to the Worker registered under that name, not to a store
	// lookup.
	RefByValue
)

// StreamRef identifies the producer of one of a module's inputs.
type StreamRef struct {
	Kind  RefKind
	Path  string // module name, for RefByPath
	Name  string // output/stream name
}

// OutputSpec is one stream a module produces.
type OutputSpec struct {
	Name     string
	Layout   layout.Layout
	Decimate bool
	KeepUS   int64
}

// Module is the static configuration of one subprocess: the command
// line to run plus its named input and output stream bindings.
type Module struct {
	Name    string
	Command []string
	Inputs  map[string]StreamRef
	Outputs map[string]OutputSpec
	Restart bool
}

// Resolver finds the Worker currently producing the stream a
// StreamRef names, so a dependent Worker can subscribe to its output
// Pipe before starting.
type Resolver interface {
	ResolveProducer(ref StreamRef) (*Worker, error)
}

const (
	defaultRestartInterval = 2 * time.Second
	defaultSigkillTimeout  = 5 * time.Second
	defaultLogLines        = 1000
)

// Worker supervises one subprocess module: it owns the module's output
// Pipes (and their Inserters), feeds its input Pipes into the child's
// stdin-analog file descriptors, and restarts the child when Restart
// is set and it exits on its own.
type Worker struct {
	module       Module
	dataStore    *store.Store
	insertPeriod time.Duration

	restartInterval time.Duration
	sigkillTimeout  time.Duration

	mu      sync.Mutex
	state   State
	outputs map[string]*pipe.Pipe
	logs    *LogRingBuffer

	stopOnce sync.Once
	stopCh   chan struct{}

	restartObserver RestartObserver
}

// RestartObserver receives a notification each time a Worker relaunches
// its subprocess. Duck-typed rather than imported from
// internal/telemetry, so this package never depends on the metrics
// package; internal/telemetry.Metrics satisfies this interface
// directly.
type RestartObserver interface {
	ObserveWorkerRestart(module string)
}

// SetRestartObserver attaches an optional RestartObserver. Nil (the
// default) disables restart telemetry for this Worker.
func (w *Worker) SetRestartObserver(o RestartObserver) { w.restartObserver = o }

// NewWorker builds a Worker for module, using st to register and
// insert into the module's declared output streams.
func NewWorker(module Module, st *store.Store, insertPeriod time.Duration, maxLogLines int) *Worker {
	if maxLogLines <= 0 {
		maxLogLines = defaultLogLines
	}
	return &Worker{
		module:          module,
		dataStore:       st,
		insertPeriod:    insertPeriod,
		restartInterval: defaultRestartInterval,
		sigkillTimeout:  defaultSigkillTimeout,
		state:           StateNew,
		outputs:         make(map[string]*pipe.Pipe),
		logs:            NewLogRingBuffer(maxLogLines),
		stopCh:          make(chan struct{}),
	}
}

// Name returns the module's configured name.
func (w *Worker) Name() string { return w.module.Name }

// State reports the Worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Logs returns the Worker's captured stderr ring buffer.
func (w *Worker) Logs() *LogRingBuffer { return w.logs }

// RegisterInputs resolves every declared input against r, moving the
// Worker to StateReady on success. A Worker whose inputs cannot all be
// resolved stays in StateNew and is not runnable.
func (w *Worker) RegisterInputs(r Resolver) error {
	for name, ref := range w.module.Inputs {
		if _, err := r.ResolveProducer(ref); err != nil {
			return fmt.Errorf("resolving input %q of module %q: %w", name, w.module.Name, err)
		}
	}
	w.mu.Lock()
	w.state = StateReady
	w.mu.Unlock()
	return nil
}

// Subscribe returns a fresh Pipe subscribed to the named output
// stream's Pipe. Fails with ErrSubscription if the output is unknown
// or Run has not called setupOutputs yet.
func (w *Worker) Subscribe(output string) (*pipe.Pipe, error) {
	w.mu.Lock()
	src, ok := w.outputs[output]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: module %q has no output %q available yet", joule.ErrSubscription, w.module.Name, output)
	}

	sink := pipe.New(src.Layout())
	if err := src.Subscribe(sink); err != nil {
		return nil, fmt.Errorf("%w: subscribing to %q:%q: %v", joule.ErrSubscription, w.module.Name, output, err)
	}
	return sink, nil
}

// Run drives the Worker's full lifecycle: spawn, wait, and (if
// Restart is set and Stop has not been called) relaunch, until ctx is
// cancelled or Stop is called.
//
// The module's output Pipes are created once, here, and live for the
// Worker's whole lifetime rather than being rebuilt on every restart:
// a subscriber attaches to one Pipe for as long as the Worker runs,
// and a restart is visible to it only as an end_of_interval marker
// (see runOnce), never as the Pipe itself going away.
func (w *Worker) Run(ctx context.Context, r Resolver) error {
	if err := w.setupOutputs(ctx); err != nil {
		return err
	}
	defer w.closeOutputs()

	for {
		w.mu.Lock()
		w.state = StateRunning
		w.mu.Unlock()

		runErr := w.runOnce(ctx, r)

		select {
		case <-w.stopCh:
			w.mu.Lock()
			w.state = StateStopped
			w.mu.Unlock()
			return nil
		default:
		}
		if ctx.Err() != nil {
			w.mu.Lock()
			w.state = StateStopped
			w.mu.Unlock()
			return ctx.Err()
		}

		w.mu.Lock()
		w.state = StateExited
		w.mu.Unlock()
		if runErr != nil {
			jlog.Warnf("module %q exited with error: %v", w.module.Name, runErr)
		}

		if !w.module.Restart {
			w.mu.Lock()
			w.state = StateStopped
			w.mu.Unlock()
			return runErr
		}

		w.mu.Lock()
		w.state = StateRestarting
		w.mu.Unlock()
		if w.restartObserver != nil {
			w.restartObserver.ObserveWorkerRestart(w.module.Name)
		}
		select {
		case <-time.After(w.restartInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			w.mu.Lock()
			w.state = StateStopped
			w.mu.Unlock()
			return nil
		}
	}
}

// Stop requests the Worker's subprocess (if running) terminate and
// the restart loop in Run exit rather than relaunch. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// setupOutputs registers the module's declared output streams and
// creates their Pipes and Inserters. Called exactly once, before the
// restart loop in Run starts, so the Pipes a subscriber sees never
// change identity across restarts.
func (w *Worker) setupOutputs(ctx context.Context) error {
	for name, spec := range w.module.Outputs {
		stream, err := w.dataStore.RegisterStream(ctx, qualifiedStreamName(w.module.Name, name), spec.Layout, spec.Decimate, spec.KeepUS)
		if err != nil {
			return err
		}

		streamPipe := pipe.New(spec.Layout)
		ins := store.NewInserter(w.dataStore, stream, streamPipe, w.insertPeriod)

		w.mu.Lock()
		w.outputs[name] = streamPipe
		w.mu.Unlock()

		go func(ins *store.Inserter) {
			if err := ins.Run(ctx); err != nil {
				jlog.Warnf("module %q inserter stopped: %v", w.module.Name, err)
			}
		}(ins)
	}
	return nil
}

// closeOutputs closes every output Pipe for good, detaching any
// subscriber. Called once, when Run is about to return for the last
// time (Stop called, ctx cancelled, or a non-restarting exit).
func (w *Worker) closeOutputs() {
	w.mu.Lock()
	outputs := make([]*pipe.Pipe, 0, len(w.outputs))
	for _, p := range w.outputs {
		outputs = append(outputs, p)
	}
	w.mu.Unlock()

	for _, p := range outputs {
		p.Close()
	}
}

// boundFD is one named pipe fd handed to the child, plus the parent's
// own end used to feed or drain it.
type boundFD struct {
	name      string
	fd        int
	parentEnd *os.File
}

// runOnce spawns the subprocess once, wires its inputs/outputs, waits
// for it to exit, and tears everything down. The returned error is the
// first background task failure or the process wait error; a clean
// exit (status 0) returns nil.
func (w *Worker) runOnce(ctx context.Context, r Resolver) error {
	cmd := exec.CommandContext(ctx, w.module.Command[0], w.module.Command[1:]...)

	var extraFiles []*os.File
	var inputBinds []boundFD
	var outputBinds []boundFD
	nextFD := 3

	cleanupParent := func() {
		for _, b := range inputBinds {
			b.parentEnd.Close()
		}
		for _, b := range outputBinds {
			b.parentEnd.Close()
		}
	}

	inputSinks := make(map[string]*pipe.Pipe)
	for name, ref := range w.module.Inputs {
		producer, err := r.ResolveProducer(ref)
		if err != nil {
			cleanupParent()
			return fmt.Errorf("%w: resolving input %q: %v", joule.ErrSubscription, name, err)
		}
		// A published stream's pseudo-Worker has a single output named "".
		output := ref.Name
		if ref.Kind != RefByPath {
			output = ""
		}
		sink, err := producer.Subscribe(output)
		if err != nil {
			cleanupParent()
			return err
		}
		inputSinks[name] = sink

		childRead, parentWrite, err := os.Pipe()
		if err != nil {
			cleanupParent()
			return fmt.Errorf("%w: creating input pipe for %q: %v", joule.ErrConfiguration, name, err)
		}
		extraFiles = append(extraFiles, childRead)
		inputBinds = append(inputBinds, boundFD{name: name, fd: nextFD, parentEnd: parentWrite})
		nextFD++
	}

	// Output Pipes are created once, in setupOutputs, and outlive every
	// restart; runOnce only wires this run's subprocess fds onto them.
	w.mu.Lock()
	outputPipes := make(map[string]*pipe.Pipe, len(w.outputs))
	for name, p := range w.outputs {
		outputPipes[name] = p
	}
	w.mu.Unlock()

	for name := range w.module.Outputs {
		parentRead, childWrite, err := os.Pipe()
		if err != nil {
			cleanupParent()
			return fmt.Errorf("%w: creating output pipe for %q: %v", joule.ErrConfiguration, name, err)
		}
		extraFiles = append(extraFiles, childWrite)
		outputBinds = append(outputBinds, boundFD{name: name, fd: nextFD, parentEnd: parentRead})
		nextFD++
	}

	cmd.ExtraFiles = extraFiles
	cmd.Env = append(os.Environ(), fdEnvVars(inputBinds, outputBinds)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanupParent()
		return fmt.Errorf("%w: attaching stderr: %v", joule.ErrConfiguration, err)
	}

	if err := cmd.Start(); err != nil {
		cleanupParent()
		return fmt.Errorf("%w: starting module %q: %v", joule.ErrConfiguration, w.module.Name, err)
	}

	// The child now holds its own duplicated copies of extraFiles; the
	// parent must close these so EOF propagates correctly once the
	// child exits (otherwise the parent's lingering copy keeps the
	// pipe's write end open forever).
	for _, f := range extraFiles {
		f.Close()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(inputBinds)+len(outputBinds)+1)

	for _, b := range inputBinds {
		wg.Add(1)
		go func(b boundFD, sink *pipe.Pipe) {
			defer wg.Done()
			defer b.parentEnd.Close()
			writer := framedpipe.NewWriter(sink.Layout(), sink, b.parentEnd)
			if err := writer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("feeding input %q: %w", b.name, err)
			}
		}(b, inputSinks[b.name])
	}

	for _, b := range outputBinds {
		wg.Add(1)
		go func(b boundFD, dst *pipe.Pipe) {
			defer wg.Done()
			reader := framedpipe.NewReader(dst.Layout(), b.parentEnd, dst)
			if err := reader.Run(ctx); err != nil {
				errCh <- fmt.Errorf("draining output %q: %w", b.name, err)
			}
		}(b, outputPipes[b.name])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			w.logs.Append(scanner.Text())
		}
	}()

	processDone := make(chan struct{})
	go func() {
		select {
		case <-w.stopCh:
			w.terminate(cmd, processDone)
		case <-processDone:
		}
	}()

	waitErr := cmd.Wait()
	close(processDone)
	// The child is gone, but its output Pipes are not: they persist
	// across restarts (see setupOutputs), so a subscriber must see an
	// end_of_interval marker here, not a close. Close only happens in
	// closeOutputs, once, when Run gives up the restart loop for good.
	for name, p := range outputPipes {
		if err := p.CloseInterval(); err != nil {
			jlog.Warnf("module %q: closing interval on output %q: %v", w.module.Name, name, err)
		}
	}
	wg.Wait()
	close(errCh)

	if waitErr != nil {
		return fmt.Errorf("module %q: %w", w.module.Name, waitErr)
	}
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// terminate sends SIGTERM to cmd's process and escalates to SIGKILL
// after sigkillTimeout if processDone has not closed by then.
// processDone closes once cmd.Wait returns in runOnce, so this never
// races Wait's own bookkeeping.
func (w *Worker) terminate(cmd *exec.Cmd, processDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-processDone:
	case <-time.After(w.sigkillTimeout):
		_ = cmd.Process.Kill()
	}
}

func qualifiedStreamName(module, output string) string {
	return module + ":" + output
}

func fdEnvVars(inputs, outputs []boundFD) []string {
	var env []string
	for _, b := range inputs {
		env = append(env, fmt.Sprintf("JOULE_INPUT_%s_FD=%d", b.name, b.fd))
	}
	for _, b := range outputs {
		env = append(env, fmt.Sprintf("JOULE_OUTPUT_%s_FD=%d", b.name, b.fd))
	}
	return env
}
