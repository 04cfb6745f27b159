// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package maint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationSecondsConvertsToDuration(t *testing.T) {
	require.Equal(t, 90*time.Second, durationSeconds(90))
}

func TestNowMicrosIsPositive(t *testing.T) {
	require.Greater(t, nowMicros(), int64(0))
}
