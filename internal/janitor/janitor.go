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

// Package janitor is the daily queue maintenance pass: it drops old
// terminal rows the front-end no longer reads and re-seeds the two
// reporting jobs when none are pending. It is meant to run from cron.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"gappsd/pkg/models"
)

const (
	// failedJobsRetentionDays keeps hardfailed rows around long enough
	// for an operator to notice them.
	failedJobsRetentionDays = 7

	// successfulJobsRetentionDays keeps succeeded rows for the
	// front-end to claim their results.
	successfulJobsRetentionDays = 1
)

// Store is the SQL surface the janitor needs.
type Store interface {
	DeleteTerminalJobs(ctx context.Context, status models.JobStatus, olderThanDays int) (int64, error)
	CountIdleReportingJobs(ctx context.Context) (int, error)
	EnqueueJob(ctx context.Context, jobType string, parameters any, priority models.Priority, notBefore time.Time) error
}

// Janitor performs one maintenance pass over the queue.
type Janitor struct {
	store  Store
	logger *slog.Logger
}

// New builds a janitor over the given store.
func New(st Store, logger *slog.Logger) *Janitor {
	return &Janitor{store: st, logger: logger}
}

// Clean removes expired terminal rows and re-seeds the reporting jobs.
func (j *Janitor) Clean(ctx context.Context) error {
	failed, err := j.store.DeleteTerminalJobs(ctx, models.StatusHardfail, failedJobsRetentionDays)
	if err != nil {
		return err
	}
	succeeded, err := j.store.DeleteTerminalJobs(ctx, models.StatusSuccess, successfulJobsRetentionDays)
	if err != nil {
		return err
	}
	j.logger.Info("Removed expired queue rows",
		"hardfail", failed, "success", succeeded)

	pending, err := j.store.CountIdleReportingJobs(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		j.logger.Info("Reporting jobs already pending", "count", pending)
		return nil
	}
	// NULL parameters: the reporting handlers take none.
	if err := j.store.EnqueueJob(ctx, "r_accounts", nil, models.PriorityOffline, time.Time{}); err != nil {
		return err
	}
	if err := j.store.EnqueueJob(ctx, "r_activity", nil, models.PriorityOffline, time.Time{}); err != nil {
		return err
	}
	j.logger.Info("Enqueued reporting jobs")
	return nil
}
