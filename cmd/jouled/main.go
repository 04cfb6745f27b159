// Copyright (C) 2024 The Joule Authors.
// All rights reserved. This file is part of joule.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/awlangham/joule/internal/config"
	"github.com/awlangham/joule/internal/dataplane"
	"github.com/awlangham/joule/internal/ingest"
	"github.com/awlangham/joule/internal/jlog"
	"github.com/awlangham/joule/internal/maint"
	"github.com/awlangham/joule/internal/runtimeEnv"
	"github.com/awlangham/joule/internal/store"
	"github.com/awlangham/joule/internal/supervisor"
	"github.com/awlangham/joule/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/joule/joule.conf", "path to the jouled configuration file")
		natsURL    = flag.String("nats", "", "NATS server URL for external ingestion; disabled if empty")
		gopsFlag   = flag.Bool("gops", false, "listen via github.com/google/gops/agent (for debugging)")
		logLevel   = flag.String("log-level", "info", "one of debug, info, warn, error")
		dropUser   = flag.String("user", "", "drop privileges to this user after binding the listening port")
		dropGroup  = flag.String("group", "", "drop privileges to this group after binding the listening port")
	)
	flag.Parse()

	jlog.SetLevel(parseLevel(*logLevel))

	if *gopsFlag {
		if err := agent.Listen(agent.Options{}); err != nil {
			jlog.Warnf("gops agent failed to start: %v", err)
		} else {
			defer agent.Close()
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		jlog.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.OpenDB(ctx, cfg.Main.Database)
	if err != nil {
		jlog.Fatal(err)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	sup := supervisor.New(db)
	sup.SetRestartObserver(metrics)

	if err := sup.Start(ctx); err != nil {
		jlog.Fatal(err)
	}
	defer sup.Stop()

	scheduler, err := maint.New(db, db)
	if err != nil {
		jlog.Fatal(err)
	}
	if err := scheduler.RegisterRetention(ctx, int(cfg.DataStore.CleanupPeriod/time.Second)); err != nil {
		jlog.Fatal(err)
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			jlog.Warnf("maintenance scheduler shutdown: %v", err)
		}
	}()

	if *natsURL != "" {
		ingestClient, err := ingest.Connect(*natsURL, sup)
		if err != nil {
			jlog.Fatal(err)
		}
		defer ingestClient.Close()
		if err := ingestClient.Subscribe("joule.ingest.>"); err != nil {
			jlog.Fatal(err)
		}
	}

	dp := dataplane.New(sup, db, registry)
	router := mux.NewRouter()
	dp.MountRoutes(router)

	router.Use(handlers.CompressHandler)
	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	handler := handlers.LoggingHandler(os.Stderr, router)

	addr := fmt.Sprintf("%s:%d", cfg.Main.IPAddress, cfg.Main.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		jlog.Fatal(err)
	}
	if cfg.Security.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Security.Certificate, cfg.Security.Key)
		if err != nil {
			jlog.Fatal(err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	// The listener is bound to its (possibly privileged) port before
	// dropping root, matching the classic bind-then-setuid sequence.
	if err := runtimeEnv.DropPrivileges(*dropGroup, *dropUser); err != nil {
		jlog.Fatal(err)
	}

	server := &http.Server{Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		jlog.Infof("jouled listening on %s", addr)
		serverErr <- server.Serve(listener)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	runtimeEnv.SystemdNotify(true, "running")

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			jlog.Abort(err)
		}
	case <-sigs:
		jlog.Infof("shutting down")
	}

	runtimeEnv.SystemdNotify(false, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		jlog.Warnf("http server shutdown: %v", err)
	}
}

func parseLevel(s string) jlog.Level {
	switch s {
	case "debug":
		return jlog.LevelDebug
	case "warn":
		return jlog.LevelWarn
	case "error":
		return jlog.LevelError
	default:
		return jlog.LevelInfo
	}
}
