// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package runtimeEnv

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDropPrivilegesNoopWithoutGroupOrUser(t *testing.T) {
	require.NoError(t, DropPrivileges("", ""))
}

func TestDropPrivilegesFailsForUnknownGroup(t *testing.T) {
	err := DropPrivileges("joule-nonexistent-group-xyz", "")
	require.Error(t, err)
}

func TestSystemdNotifyNoopWithoutNotifySocket(t *testing.T) {
	require.NoError(t, os.Unsetenv("NOTIFY_SOCKET"))
	SystemdNotify(true, "running") // must not panic or block
}
