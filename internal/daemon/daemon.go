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

// Package daemon supervises the scheduler loop. It classifies loop
// exits, re-runs the loop after transient failures, falls back to a
// do-nothing backup mode on credential failures, and requests a process
// restart once the runtime deadline has passed.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gappsd/internal/config"
	"gappsd/internal/faults"
	"gappsd/internal/logging"
	"gappsd/internal/metrics"
)

const (
	// backupHeartbeatInterval spaces the reminder events sent while in
	// backup mode.
	backupHeartbeatInterval = time.Hour

	// restartDelay spaces two scheduler runs after a transient exit.
	restartDelay = 20 * time.Second

	// transientErrorsValidity is the sliding window of scheduler exits
	// counted against the threshold.
	transientErrorsValidity  = time.Hour
	transientErrorsThreshold = 4

	// safetyRestartDelay keeps a crash-looping service manager from
	// relaunching the process at full speed.
	safetyRestartDelay = 10 * time.Second
)

// ErrRestart is returned when the daemon wants to be relaunched: the
// process exits cleanly and the service manager starts a fresh one.
var ErrRestart = errors.New("daemon restart requested")

// Loop is one scheduler run. It blocks until cancellation or a fatal
// condition; the returned fault kind decides the supervisor action.
type Loop func(ctx context.Context) error

// Supervisor drives scheduler runs until interrupt, restart request, or
// backup mode.
type Supervisor struct {
	logger *slog.Logger
	loop   Loop
	logout func()

	deadline        time.Time
	transientErrors []time.Time

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool
}

// New builds a supervisor. logout drops cached API credentials and runs
// before every exit path.
func New(cfg *config.Config, logger *slog.Logger, loop Loop, logout func()) *Supervisor {
	return &Supervisor{
		logger:   logger,
		loop:     loop,
		logout:   logout,
		deadline: time.Now().Add(cfg.Daemon.MaxRunTime),
		now:      time.Now,
		wait:     sleep,
	}
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run supervises the loop. It returns nil on interrupt, ErrRestart when
// the process should be relaunched, and otherwise only exits through
// backup mode (also nil, on interrupt).
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.logout()

	for {
		runCtx, cancel := context.WithDeadline(ctx, s.deadline)
		err := s.loop(runCtx)
		cancel()

		if ctx.Err() != nil {
			s.logger.Warn("Received interruption, aborting gracefully")
			return nil
		}

		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			// Handled by the deadline gate below.
		case faults.IsCredential(err):
			logging.Critical(s.logger,
				"Credential failure, switching to backup mode", "error", err)
			return s.runBackupMode(ctx)
		default:
			s.transientErrors = append(s.transientErrors, s.now())
			if s.tooManyTransientExits() {
				logging.Critical(s.logger,
					"Too many scheduler failures, switching to backup mode", "error", err)
				return s.runBackupMode(ctx)
			}
			s.logger.Info("Scheduler exited, restarting", "error", err)
		}

		if s.now().After(s.deadline) {
			s.logger.Warn("Went past the runtime deadline, restarting the daemon")
			s.wait(ctx, safetyRestartDelay)
			return ErrRestart
		}
		if !s.wait(ctx, restartDelay) {
			s.logger.Warn("Received interruption, aborting gracefully")
			return nil
		}
	}
}

// tooManyTransientExits prunes the window and reports whether the
// threshold is reached.
func (s *Supervisor) tooManyTransientExits() bool {
	cutoff := s.now().Add(-transientErrorsValidity)
	kept := s.transientErrors[:0]
	for _, at := range s.transientErrors {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	s.transientErrors = kept
	return len(s.transientErrors) >= transientErrorsThreshold
}

// runBackupMode does nothing but remind the operator, once an hour,
// that the daemon needs attention. Only an interrupt ends it.
func (s *Supervisor) runBackupMode(ctx context.Context) error {
	metrics.SetBackupMode(true)
	defer metrics.SetBackupMode(false)

	for {
		if !s.wait(ctx, backupHeartbeatInterval) {
			s.logger.Warn("Received interruption, aborting gracefully")
			return nil
		}
		logging.Critical(s.logger,
			"Running in backup mode, waiting for admin intervention")
	}
}
