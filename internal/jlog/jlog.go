// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package jlog provides Joule's process-wide logger: sd-daemon
// prefixed, leveled, with no timestamp of its own (systemd adds one).
// See https://www.freedesktop.org/software/systemd/man/sd-daemon.html
// for the prefix convention.
package jlog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level selects which log lines reach their writer; lines below the
// configured level are sent to io.Discard.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Exit codes from the external interface contract: 0 success, 1
// configuration/connection error, 2 unexpected failure.
const (
	ExitOK            = 0
	ExitConfiguration = 1
	ExitUnexpected    = 2
)

var (
	debugWriter io.Writer = os.Stderr
	infoWriter  io.Writer = os.Stderr
	warnWriter  io.Writer = os.Stderr
	errWriter   io.Writer = os.Stderr

	debugLog = log.New(debugWriter, "<7>[DEBUG]   ", 0)
	infoLog  = log.New(infoWriter, "<6>[INFO]    ", 0)
	warnLog  = log.New(warnWriter, "<4>[WARNING] ", 0)
	errLog   = log.New(errWriter, "<3>[ERROR]   ", log.Lshortfile)
)

// SetLevel reroutes every logger below level to io.Discard. Callers
// typically call this once at startup from the loaded configuration.
func SetLevel(level Level) {
	debugLog.SetOutput(writerFor(LevelDebug, level, debugWriter))
	infoLog.SetOutput(writerFor(LevelInfo, level, infoWriter))
	warnLog.SetOutput(writerFor(LevelWarn, level, warnWriter))
	errLog.SetOutput(writerFor(LevelError, level, errWriter))
}

func writerFor(lineLevel, minLevel Level, w io.Writer) io.Writer {
	if lineLevel < minLevel {
		return io.Discard
	}
	return w
}

func Debugf(format string, args ...any) { debugLog.Output(2, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { infoLog.Output(2, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { warnLog.Output(2, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { errLog.Output(2, fmt.Sprintf(format, args...)) }

// Fatal logs err as a configuration/connection failure and exits with
// ExitConfiguration. Used at startup for bad config, unreachable
// store, missing binaries.
func Fatal(err error) {
	errLog.Output(2, fmt.Sprintf("fatal: %v", err))
	os.Exit(ExitConfiguration)
}

// Abort logs err as an unexpected failure and exits with
// ExitUnexpected. Used for invariant violations that should never
// happen during steady-state operation.
func Abort(err error) {
	errLog.Output(2, fmt.Sprintf("abort: %v", err))
	os.Exit(ExitUnexpected)
}
