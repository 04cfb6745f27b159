// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "joule.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsForOmittedValues(t *testing.T) {
	path := writeConfig(t, "[Main]\nDatabase = postgres://localhost/joule\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "joule", cfg.Main.Name)
	require.Equal(t, 8080, cfg.Main.Port)
	require.Equal(t, 5*time.Second, cfg.DataStore.InsertPeriod)
	require.Equal(t, time.Hour, cfg.DataStore.CleanupPeriod)
	require.Equal(t, 1000, cfg.DataStore.MaxLogLines)
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
[Main]
Name = rig1
ModuleDirectory = /opt/joule/modules
StreamDirectory = /opt/joule/streams
IPAddress = 127.0.0.1
Port = 9000
Database = postgres://localhost/joule

[DataStore]
InsertPeriod = 10
CleanupPeriod = 3600
MaxLogLines = 500

[Security]
Certificate = /etc/joule/cert.pem
Key = /etc/joule/key.pem

[Proxies]
sensor-api = http://10.0.0.5:8000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "rig1", cfg.Main.Name)
	require.Equal(t, 9000, cfg.Main.Port)
	require.Equal(t, 10*time.Second, cfg.DataStore.InsertPeriod)
	require.Equal(t, time.Hour, cfg.DataStore.CleanupPeriod)
	require.Equal(t, "/etc/joule/cert.pem", cfg.Security.Certificate)
	require.Equal(t, "http://10.0.0.5:8000", cfg.Proxies["sensor-api"])
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	path := writeConfig(t, "[Main]\nName = rig1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsCleanupPeriodShorterThanInsertPeriod(t *testing.T) {
	path := writeConfig(t, "[Main]\nDatabase = postgres://localhost/joule\n\n[DataStore]\nInsertPeriod = 60\nCleanupPeriod = 10\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsCertificateWithoutKey(t *testing.T) {
	path := writeConfig(t, "[Main]\nDatabase = postgres://localhost/joule\n\n[Security]\nCertificate = /etc/joule/cert.pem\n")
	_, err := Load(path)
	require.Error(t, err)
}
