// Gappsd is a Google Workspace provisioning daemon.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gappsd/internal/config"
	"gappsd/internal/daemon"
	"gappsd/internal/jobs"
	"gappsd/internal/logging"
	"gappsd/internal/metrics"
	"gappsd/internal/provisioning"
	"gappsd/internal/queue"
	"gappsd/internal/reporting"
	"gappsd/internal/store"
	"gappsd/internal/workspace"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to the gappsd configuration file")
		verbose    = flag.Bool("v", false, "Also log to stderr")
	)
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: flag --config is mandatory.")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.Setup(cfg, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	st, err := store.Open(cfg.MySQL)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	directory := workspace.NewDirectory(cfg.Google)
	reports, err := workspace.NewReports(cfg.Google, cfg.Daemon.TokenExpiration)
	if err != nil {
		logger.Error("Failed to build reports client", "error", err)
		os.Exit(1)
	}

	registry := jobs.NewRegistry()
	provisioning.Register(registry, provisioning.Deps{
		Directory:  directory,
		Mirror:     st,
		Logger:     logger,
		Privileged: cfg.Daemon.AdminOnlyJobs,
	})
	reporting.Register(registry, reporting.Deps{
		Usage:           reports,
		Store:           st,
		Logger:          logger,
		ActivityBacklog: cfg.Daemon.ActivityBacklog,
	})

	if cfg.Daemon.MetricsAddress != "" {
		go serveMetrics(cfg.Daemon.MetricsAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := queue.NewManager(cfg, st, registry, logger)
	supervisor := daemon.New(cfg, logger, manager.Run, func() {
		directory.Logout()
		reports.Logout()
	})

	logger.Info("gappsd starting", "domain", cfg.Google.Domain,
		"job_types", registry.Types())
	err = supervisor.Run(ctx)
	if errors.Is(err, daemon.ErrRestart) {
		// Exit cleanly so the service manager relaunches a fresh process.
		logger.Info("gappsd exiting for scheduled restart")
		return
	}
	if err != nil {
		logger.Error("gappsd exiting on error", "error", err)
		os.Exit(1)
	}
	logger.Info("gappsd stopped")
}

func serveMetrics(address string) {
	server := &http.Server{
		Addr:              address,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Metrics server failed: %v\n", err)
	}
}
