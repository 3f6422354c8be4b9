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

// gapps-cli executes jobs the unprivileged daemon refuses to run:
// account deletions, administrator updates and anything else parked in
// the admin partition of the queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"gappsd/internal/config"
	"gappsd/internal/console"
	"gappsd/internal/jobs"
	"gappsd/internal/logging"
	"gappsd/internal/provisioning"
	"gappsd/internal/reporting"
	"gappsd/internal/store"
	"gappsd/internal/workspace"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to the gappsd configuration file")
		adminEmail = flag.String("admin-email", "", "Administrator account to impersonate")
	)
	flag.Parse()

	if *configFile == "" || *adminEmail == "" {
		fmt.Fprintln(os.Stderr, "Error: flags --config and --admin-email are mandatory.")
		os.Exit(1)
	}
	if !strings.Contains(*adminEmail, "@") {
		fmt.Fprintln(os.Stderr, "Error: --admin-email must be a full email address.")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// The console always runs privileged and acts as the given
	// administrator.
	cfg.Daemon.AdminOnlyJobs = true
	cfg.Google.OAuth2User = *adminEmail
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// An interactive gate before anything privileged happens; the value
	// is not used beyond confirming a human is driving.
	fmt.Printf("%s's password: ", *adminEmail)
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
		os.Exit(1)
	}
	if len(passphrase) == 0 {
		fmt.Fprintln(os.Stderr, "Empty password, aborting.")
		os.Exit(1)
	}

	logger := logging.New("info")

	st, err := store.Open(cfg.MySQL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	directory := workspace.NewDirectory(cfg.Google)
	reports, err := workspace.NewReports(cfg.Google, cfg.Daemon.TokenExpiration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build reports client: %v\n", err)
		os.Exit(1)
	}
	defer directory.Logout()
	defer reports.Logout()

	registry := jobs.NewRegistry()
	provisioning.Register(registry, provisioning.Deps{
		Directory:  directory,
		Mirror:     st,
		Logger:     logger,
		Privileged: true,
	})
	reporting.Register(registry, reporting.Deps{
		Usage:           reports,
		Store:           st,
		Logger:          logger,
		ActivityBacklog: cfg.Daemon.ActivityBacklog,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := console.New(cfg, st, registry, logger, os.Stdin, os.Stdout)
	if err := c.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Console failed: %v\n", err)
		os.Exit(1)
	}
}
