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

// queue-cleaner is the daily cron pass over the job queue: it removes
// expired terminal rows and re-seeds the reporting jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gappsd/internal/config"
	"gappsd/internal/janitor"
	"gappsd/internal/logging"
	"gappsd/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to the gappsd configuration file")
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

	logger := logging.New("info")

	st, err := store.Open(cfg.MySQL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := janitor.New(st, logger).Clean(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Queue cleaning failed: %v\n", err)
		os.Exit(1)
	}
}
