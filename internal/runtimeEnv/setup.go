// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv holds the process-level setup jouled performs
// around its own lifecycle: dropping root privileges once a
// privileged listening port has been bound, and notifying systemd of
// readiness/shutdown when started as a service.
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// DropPrivileges switches the process's group and/or user once a
// privileged port has been bound. The Go runtime applies the
// underlying setuid/setgid syscall to every OS thread, not just the
// calling one, so this is safe to call after additional goroutines
// have started.
func DropPrivileges(group, username string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", group, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("parsing gid for group %q: %w", group, err)
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return fmt.Errorf("looking up user %q: %w", username, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("parsing uid for user %q: %w", username, err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}

	return nil
}

// SystemdNotify informs systemd of a readiness or status change, per
// https://www.freedesktop.org/software/systemd/man/sd_notify.html. A
// no-op when jouled was not started as a systemd service.
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	// Errors are ignored: there is no useful recovery if
	// systemd-notify itself is missing or fails.
	_ = exec.Command("systemd-notify", args...).Run()
}
