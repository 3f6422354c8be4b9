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

// Package queue is the scheduler of the daemon. It polls the shared
// gapps_queue table, serves the priority classes under their
// inter-dispatch delays, runs the handlers, and folds their errors back
// into row transitions. Repeated transient or credential failures abort
// the loop so the supervisor can react.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gappsd/internal/config"
	"gappsd/internal/faults"
	"gappsd/internal/jobs"
	"gappsd/internal/logging"
	"gappsd/internal/metrics"
	"gappsd/pkg/models"
)

const (
	// overflowWarningDelay throttles the per-class overflow warning.
	overflowWarningDelay = time.Hour

	// maxQueueDelay bounds the projected drain time of a class; above it
	// the inter-dispatch delay shrinks and the overflow warning fires.
	maxQueueDelay = 24 * time.Hour

	// statisticsDelay is the interval between throughput log lines.
	statisticsDelay = 30 * time.Minute

	// transientErrorsValidity is the sliding window transient failures
	// are counted over.
	transientErrorsValidity = time.Hour

	credentialErrorsThreshold = 2
	transientErrorsThreshold  = 4
)

// Store is the SQL surface the scheduler runs against.
type Store interface {
	jobs.Store
	JobCounts(ctx context.Context) (map[models.Priority]int, error)
	NextJob(ctx context.Context, priority models.Priority) (*models.QueueRow, error)
}

type transientError struct {
	at         time.Time
	job        string
	message    string
	credential bool
}

// Manager owns the poll loop. It is not safe for concurrent use; the
// daemon runs exactly one.
type Manager struct {
	cfg      *config.Config
	store    Store
	registry *jobs.Registry
	logger   *slog.Logger

	minDelay time.Duration
	delays   map[models.Priority]time.Duration

	lastDispatch    map[models.Priority]time.Time
	lastOverflow    map[models.Priority]time.Time
	processed       map[models.Priority]int
	transientErrors []transientError

	now func() time.Time
}

// NewManager builds a scheduler over the given store and handler
// registry.
func NewManager(cfg *config.Config, st Store, registry *jobs.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		registry: registry,
		logger:   logger,
		minDelay: cfg.Daemon.QueueMinDelay,
		delays: map[models.Priority]time.Duration{
			models.PriorityImmediate: cfg.Daemon.QueueMinDelay,
			models.PriorityNormal:    cfg.Daemon.QueueDelayNormal,
			models.PriorityOffline:   cfg.Daemon.QueueDelayOffline,
		},
		lastDispatch: make(map[models.Priority]time.Time),
		lastOverflow: make(map[models.Priority]time.Time),
		processed:    make(map[models.Priority]int),
		now:          time.Now,
	}
}

// Run polls the queue until the context is cancelled or the failure
// thresholds trip. The returned error carries the fault kind the
// supervisor dispatches on.
func (m *Manager) Run(ctx context.Context) error {
	if m.minDelay < time.Second {
		return faults.Permanentf("queue-min-delay %s is below the 1s floor", m.minDelay)
	}

	// Each run starts with the accounting of a freshly built scheduler.
	// Errors that tripped a previous run do not count against this one.
	m.lastDispatch = make(map[models.Priority]time.Time)
	m.lastOverflow = make(map[models.Priority]time.Time)
	m.processed = make(map[models.Priority]int)
	m.transientErrors = nil
	metrics.SetTransientErrors(0)

	lastStats := m.now()
	for {
		if err := m.checkTransientErrors(); err != nil {
			return err
		}
		if m.now().Sub(lastStats) > statisticsDelay {
			m.logStatistics()
			lastStats = m.now()
		}
		if err := m.processNextJobs(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.minDelay):
		}
	}
}

// processNextJobs serves at most one job per eligible priority class,
// most urgent first.
func (m *Manager) processNextJobs(ctx context.Context) error {
	counts, err := m.store.JobCounts(ctx)
	if err != nil {
		return err
	}
	for _, priority := range models.PriorityOrder {
		metrics.SetQueueWaiting(priority.String(), counts[priority])
	}

	delays := m.currentDelays(counts)
	for _, priority := range models.PriorityOrder {
		if counts[priority] == 0 || !m.canDispatch(priority, delays[priority]) {
			continue
		}
		m.lastDispatch[priority] = m.now()

		handler, err := m.nextHandler(ctx, priority)
		if err != nil {
			return err
		}
		if handler == nil {
			continue
		}
		if err := m.ProcessJob(ctx, handler); err != nil {
			return err
		}
		m.processed[priority]++
	}
	return nil
}

// nextHandler fetches the oldest runnable row of one class and builds
// its handler. Rows that cannot be instantiated are hard-failed in
// place and reported as nil.
func (m *Manager) nextHandler(ctx context.Context, priority models.Priority) (jobs.Handler, error) {
	row, err := m.store.NextJob(ctx, priority)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	handler, err := m.registry.Instantiate(m.cfg, m.store, m.logger, row)
	if err != nil {
		var contentErr *jobs.ContentError
		if !errors.As(err, &contentErr) {
			return nil, err
		}
		m.logger.Info("Failed to instantiate job", "id", row.ID, "error", err)
		if err := jobs.MarkFailed(ctx, m.store, row.ID,
			fmt.Sprintf("Job instantiation error: %s", contentErr.Reason)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := handler.Job().MarkActive(ctx); err != nil {
		return nil, err
	}
	return handler, nil
}

// ProcessJob runs one handler and folds the outcome back into the row.
// A handler that returns without transitioning its row and without a
// new softfail is treated as a success. The returned error only covers
// infrastructure failures; job-level failures end up in the row.
func (m *Manager) ProcessJob(ctx context.Context, handler jobs.Handler) error {
	j := handler.Job()

	if m.cfg.Daemon.ReadOnly && handler.HasSideEffects() {
		m.logger.Info("Cancelled job: daemon is in read-only mode", "job", j.String())
		return j.Update(ctx, models.StatusHardfail, "GAppsd in read-only mode.")
	}

	m.logger.Info("Starting to process job", "job", j.String())
	started := m.now()
	_, oldSoftfails := j.Status()

	runErr := handler.Run(ctx)

	var finalErr error
	switch {
	case runErr == nil:
		status, softfails := j.Status()
		if status != models.StatusSuccess && status != models.StatusHardfail &&
			status != models.StatusIdle && softfails == oldSoftfails {
			finalErr = j.Update(ctx, models.StatusSuccess, "")
		}
		status, _ = j.Status()
		m.logger.Info("Processed job", "job", j.String(), "status", status.String())
	case isPermanent(runErr):
		m.logger.Info("Processed job: hardfail", "job", j.String(), "error", runErr)
		finalErr = j.Update(ctx, models.StatusHardfail, runErr.Error())
	default:
		m.addTransientError(j, runErr)
		m.logger.Info("Processed job: softfail", "job", j.String(), "error", runErr)
		finalErr = j.Update(ctx, models.StatusSoftfail, runErr.Error())
	}
	if finalErr != nil {
		return finalErr
	}

	status, _ := j.Status()
	metrics.ObserveJobProcessed(j.Priority().String(), status.String(), m.now().Sub(started))
	return nil
}

// isPermanent reports whether the failure is final for the row. Content
// errors surfacing from a running handler count as permanent too.
func isPermanent(err error) bool {
	if faults.IsPermanent(err) {
		return true
	}
	var contentErr *jobs.ContentError
	return errors.As(err, &contentErr)
}

// currentDelays computes the effective inter-dispatch delay of each
// class. A class whose projected drain time exceeds maxQueueDelay is
// served faster, down to the configured floor, and warned about.
func (m *Manager) currentDelays(counts map[models.Priority]int) map[models.Priority]time.Duration {
	delays := make(map[models.Priority]time.Duration, len(m.delays))
	for _, priority := range models.PriorityOrder {
		count := counts[priority]
		delay := m.delays[priority]
		if count > 0 && time.Duration(count)*delay > maxQueueDelay {
			delay = maxQueueDelay / time.Duration(count)
			if delay < m.minDelay {
				delay = m.minDelay
			}
		}
		delays[priority] = delay

		if count > 0 && time.Duration(count)*delay > maxQueueDelay {
			m.warnOverflow(priority, count)
		}
	}
	return delays
}

// canDispatch reports whether the class delay has elapsed since its last
// dispatch.
func (m *Manager) canDispatch(priority models.Priority, delay time.Duration) bool {
	last, ok := m.lastDispatch[priority]
	if !ok {
		return true
	}
	return !m.now().Before(last.Add(delay))
}

// warnOverflow reports a drowning class, at most once an hour per class.
func (m *Manager) warnOverflow(priority models.Priority, count int) {
	if !m.cfg.Daemon.QueueWarnOverflow {
		return
	}
	last, warned := m.lastOverflow[priority]
	if warned && m.now().Before(last.Add(overflowWarningDelay)) {
		return
	}
	m.lastOverflow[priority] = m.now()
	metrics.IncOverflowWarning(priority.String())
	logging.Critical(m.logger, "Queue overflow",
		"priority", priority.String(), "waiting", count)
}

func (m *Manager) addTransientError(j *jobs.Job, err error) {
	m.transientErrors = append(m.transientErrors, transientError{
		at:         m.now(),
		job:        j.String(),
		message:    err.Error(),
		credential: faults.IsCredential(err),
	})
}

// checkTransientErrors prunes the sliding window and trips when too many
// transient or credential failures accumulated. The returned fault kind
// tells the supervisor whether to restart or to enter backup mode.
func (m *Manager) checkTransientErrors() error {
	cutoff := m.now().Add(-transientErrorsValidity)
	kept := m.transientErrors[:0]
	for _, e := range m.transientErrors {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.transientErrors = kept
	metrics.SetTransientErrors(len(m.transientErrors))

	credential, transient := 0, 0
	for _, e := range m.transientErrors {
		if e.credential {
			credential++
		} else {
			transient++
		}
	}

	if credential >= credentialErrorsThreshold {
		logging.Critical(m.logger, "Credential errors count above threshold",
			"errors", m.describeErrors(true))
		return faults.Credential("credential errors count above threshold")
	}
	if transient >= transientErrorsThreshold {
		logging.Critical(m.logger, "Transient errors count above threshold",
			"errors", m.describeErrors(false))
		return faults.Transient("transient errors count above threshold")
	}
	return nil
}

func (m *Manager) describeErrors(credential bool) []string {
	var described []string
	for _, e := range m.transientErrors {
		if e.credential == credential {
			described = append(described,
				fmt.Sprintf("%s <%s>: %s", e.at.Format(time.RFC3339), e.job, e.message))
		}
	}
	return described
}

// logStatistics reports and resets the per-class throughput counters.
func (m *Manager) logStatistics() {
	m.logger.Info("Queue stats",
		"immediate", m.processed[models.PriorityImmediate],
		"normal", m.processed[models.PriorityNormal],
		"offline", m.processed[models.PriorityOffline],
		"transient_errors", len(m.transientErrors))
	for priority := range m.processed {
		m.processed[priority] = 0
	}
}
