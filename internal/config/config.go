// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads jouled's INI configuration file (component J):
// the [Main], [DataStore], [Security] and [Proxies] sections a
// running host needs, plus a .env overlay for secrets that should
// never live in the checked-in config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"github.com/awlangham/joule/pkg/joule"
)

// Main holds the [Main] section: process identity and the two
// directories holding module and stream definitions. The directories
// are parsed and carried here; jouled itself does not scan them.
type Main struct {
	Name            string
	ModuleDirectory string
	StreamDirectory string
	IPAddress       string
	Port            int
	Database        string
}

// DataStore holds the [DataStore] section: the periodic behaviors of
// the insertion and retention subsystems.
type DataStore struct {
	InsertPeriod  time.Duration
	CleanupPeriod time.Duration
	MaxLogLines   int
}

// Security holds the [Security] section. Certificate and Key are
// required together for TLS; CertificateAuthority is optional. It is
// parsed but not used by jouled's listener, which does not verify
// client certificates.
type Security struct {
	Certificate          string
	Key                  string
	CertificateAuthority string
}

// Config is the fully parsed configuration file.
type Config struct {
	Main      Main
	DataStore DataStore
	Security  Security
	// Proxies maps a friendly name to a URL for modules that need to
	// reach an external service through a fixed address.
	Proxies map[string]string
}

// Load reads path as an INI file and overlays any values found in a
// sibling .env file (if present) onto the process environment before
// parsing, so secrets such as Database's password can be kept out of
// the checked-in config file.
func Load(path string) (*Config, error) {
	envPath := path + ".env"
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Overload(envPath); err != nil {
			return nil, fmt.Errorf("%w: loading %s: %v", joule.ErrConfiguration, envPath, err)
		}
	}

	file, err := ini.LoadSources(ini.LoadOptions{}, path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config %s: %v", joule.ErrConfiguration, path, err)
	}
	file.ValueMapper = os.ExpandEnv

	cfg := &Config{
		Main: Main{
			Name:            "joule",
			ModuleDirectory: "/etc/joule/module_configs",
			StreamDirectory: "/etc/joule/stream_configs",
			IPAddress:       "0.0.0.0",
			Port:            8080,
		},
		DataStore: DataStore{
			InsertPeriod:  5 * time.Second,
			CleanupPeriod: time.Hour,
			MaxLogLines:   1000,
		},
		Proxies: make(map[string]string),
	}

	if s, err := file.GetSection("Main"); err == nil {
		if err := s.MapTo(&cfg.Main); err != nil {
			return nil, fmt.Errorf("%w: parsing [Main]: %v", joule.ErrConfiguration, err)
		}
	}
	if s, err := file.GetSection("DataStore"); err == nil {
		insertSeconds := s.Key("InsertPeriod").MustInt(int(cfg.DataStore.InsertPeriod / time.Second))
		cleanupSeconds := s.Key("CleanupPeriod").MustInt(int(cfg.DataStore.CleanupPeriod / time.Second))
		cfg.DataStore.InsertPeriod = time.Duration(insertSeconds) * time.Second
		cfg.DataStore.CleanupPeriod = time.Duration(cleanupSeconds) * time.Second
		cfg.DataStore.MaxLogLines = s.Key("MaxLogLines").MustInt(cfg.DataStore.MaxLogLines)
	}
	if s, err := file.GetSection("Security"); err == nil {
		if err := s.MapTo(&cfg.Security); err != nil {
			return nil, fmt.Errorf("%w: parsing [Security]: %v", joule.ErrConfiguration, err)
		}
	}
	if s, err := file.GetSection("Proxies"); err == nil {
		for _, key := range s.Keys() {
			cfg.Proxies[key.Name()] = key.String()
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Main.Database == "" {
		return fmt.Errorf("%w: [Main] Database is required", joule.ErrConfiguration)
	}
	if c.DataStore.InsertPeriod <= 0 {
		return fmt.Errorf("%w: [DataStore] InsertPeriod must be positive", joule.ErrConfiguration)
	}
	if c.DataStore.CleanupPeriod < c.DataStore.InsertPeriod {
		return fmt.Errorf("%w: [DataStore] CleanupPeriod must be at least InsertPeriod", joule.ErrConfiguration)
	}
	if c.DataStore.MaxLogLines <= 0 {
		return fmt.Errorf("%w: [DataStore] MaxLogLines must be positive", joule.ErrConfiguration)
	}
	if (c.Security.Certificate == "") != (c.Security.Key == "") {
		return fmt.Errorf("%w: [Security] Certificate and Key must both be set or both be empty", joule.ErrConfiguration)
	}
	return nil
}
