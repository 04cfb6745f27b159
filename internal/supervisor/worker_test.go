// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awlangham/joule/pkg/joule"
)

// fakeResolver resolves every ref to a fixed set of Workers by name,
// standing in for Supervisor in tests that exercise RegisterInputs
// without building a full Supervisor.
type fakeResolver struct {
	byName map[string]*Worker
}

func (f fakeResolver) ResolveProducer(ref StreamRef) (*Worker, error) {
	w, ok := f.byName[ref.Name]
	if !ok {
		return nil, errors.New("no such producer")
	}
	return w, nil
}

func TestRegisterInputsMovesToReadyOnSuccess(t *testing.T) {
	producer := &Worker{module: Module{Name: "producer"}}
	w := &Worker{
		module: Module{
			Name:   "consumer",
			Inputs: map[string]StreamRef{"in": {Kind: RefByValue, Name: "producer"}},
		},
		state: StateNew,
	}

	r := fakeResolver{byName: map[string]*Worker{"producer": producer}}
	err := w.RegisterInputs(r)
	require.NoError(t, err)
	require.Equal(t, StateReady, w.State())
}

func TestRegisterInputsStaysNewOnUnresolvedInput(t *testing.T) {
	w := &Worker{
		module: Module{
			Name:   "consumer",
			Inputs: map[string]StreamRef{"in": {Kind: RefByValue, Name: "missing"}},
		},
		state: StateNew,
	}

	r := fakeResolver{byName: map[string]*Worker{}}
	err := w.RegisterInputs(r)
	require.Error(t, err)
	require.Equal(t, StateNew, w.State())
}

func TestSubscribeFailsBeforeOutputExists(t *testing.T) {
	w := NewWorker(Module{Name: "m"}, nil, 0, 0)
	_, err := w.Subscribe("out")
	require.ErrorIs(t, err, joule.ErrSubscription)
}

func TestStateStringCoversEveryState(t *testing.T) {
	states := []State{StateNew, StateReady, StateRunning, StateRestarting, StateExited, StateStopped}
	seen := make(map[string]bool)
	for _, s := range states {
		str := s.String()
		require.NotEqual(t, "unknown", str)
		seen[str] = true
	}
	require.Len(t, seen, len(states))
}

func TestFdEnvVarsNamesInputsAndOutputs(t *testing.T) {
	inputs := []boundFD{{name: "a", fd: 3}}
	outputs := []boundFD{{name: "b", fd: 4}}
	env := fdEnvVars(inputs, outputs)
	require.Contains(t, env, "JOULE_INPUT_a_FD=3")
	require.Contains(t, env, "JOULE_OUTPUT_b_FD=4")
}

func TestQualifiedStreamNameJoinsModuleAndOutput(t *testing.T) {
	require.Equal(t, "mymodule:out", qualifiedStreamName("mymodule", "out"))
}
