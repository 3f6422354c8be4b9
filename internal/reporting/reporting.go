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

// Package reporting implements the two usage-report jobs: r_activity
// backfills the daily domain-wide counters into gapps_reporting, and
// r_accounts reconciles the account mirror against the per-user usage
// report. Both run at offline priority and are re-enqueued by the queue
// cleaner.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gappsd/internal/accounts"
	"gappsd/internal/jobs"
	"gappsd/pkg/models"
)

// Usage is the Reports API surface the jobs consume.
type Usage interface {
	LatestReportDate() time.Time
	CustomerUsage(ctx context.Context, date time.Time) (*models.UsageReport, bool, error)
	AccountUsage(ctx context.Context, date time.Time) ([]models.AccountSnapshot, bool, error)
}

// Store is the SQL surface the jobs persist through.
type Store interface {
	LastReportDate(ctx context.Context) (*time.Time, error)
	InsertUsageReport(ctx context.Context, report models.UsageReport) error
	ListAccountRows(ctx context.Context) ([]map[string]any, error)
	EnqueueJob(ctx context.Context, jobType string, parameters any, priority models.Priority, notBefore time.Time) error

	GetAccountRow(ctx context.Context, accountName string) (map[string]any, error)
	InsertAccount(ctx context.Context, values map[string]any) error
	UpdateAccount(ctx context.Context, accountName string, values map[string]any) error
	DeleteAccount(ctx context.Context, accountName string) error
}

// Deps carries what the reporting handlers need. ActivityBacklog bounds
// how far back r_activity reaches when gapps_reporting is empty.
type Deps struct {
	Usage           Usage
	Store           Store
	Logger          *slog.Logger
	ActivityBacklog int
}

// Register binds the reporting job types into the registry.
func Register(r *jobs.Registry, deps Deps) {
	r.Register("r_activity", func(j *jobs.Job) (jobs.Handler, error) {
		return &activity{deps: deps, job: j, now: time.Now}, nil
	})
	r.Register("r_accounts", func(j *jobs.Job) (jobs.Handler, error) {
		return &accountsReport{deps: deps, job: j}, nil
	})
}

// activity backfills gapps_reporting day by day, from the row after the
// last stored report (or the start of the backlog window) up to the
// latest date the API can serve.
type activity struct {
	deps Deps
	job  *jobs.Job
	now  func() time.Time
}

func (h *activity) Job() *jobs.Job { return h.job }
func (h *activity) HasSideEffects() bool { return false }

func (h *activity) Run(ctx context.Context) error {
	first, err := h.firstDayToProcess(ctx)
	if err != nil {
		return err
	}
	latest := h.deps.Usage.LatestReportDate()

	processed := 0
	for date := first; !date.After(latest); date = date.AddDate(0, 0, 1) {
		report, found, err := h.deps.Usage.CustomerUsage(ctx, date)
		if err != nil {
			return err
		}
		if !found {
			// The remaining days are not published yet; a later run
			// picks them up.
			break
		}
		if err := h.deps.Store.InsertUsageReport(ctx, *report); err != nil {
			return err
		}
		processed++
	}
	return h.job.Update(ctx, models.StatusSuccess,
		fmt.Sprintf("%d days processed", processed))
}

// firstDayToProcess is the day after the last stored report, or the
// start of the backlog window when the table is empty.
func (h *activity) firstDayToProcess(ctx context.Context) (time.Time, error) {
	last, err := h.deps.Store.LastReportDate(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		today := h.now().UTC()
		today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
		return today.AddDate(0, 0, -h.deps.ActivityBacklog), nil
	}
	day := last.UTC()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, 1), nil
}

// reportFields maps per-user report values onto mirror columns. Silent
// fields are written directly; a mismatch on a noisy field means the
// directory has fresher data than the half-day-old report, so a u_sync
// job re-reads the directory instead.
type reportField struct {
	column string
	silent bool
	value  func(models.AccountSnapshot) string
}

var reportFields = []reportField{
	{"g_account_id", true, func(s models.AccountSnapshot) string { return s.AccountID }},
	{"r_disk_usage", true, func(s models.AccountSnapshot) string { return strconv.FormatInt(s.UsageInBytes, 10) }},
	{"r_creation", true, func(s models.AccountSnapshot) string { return s.CreationDate }},
	{"r_last_login", true, func(s models.AccountSnapshot) string { return s.LastLoginDate }},
	{"r_last_webmail", true, func(s models.AccountSnapshot) string { return s.LastWebmailDate }},
	{"g_suspension", true, func(s models.AccountSnapshot) string { return s.SuspensionReason }},
	{"g_last_name", false, func(s models.AccountSnapshot) string { return s.Surname }},
	{"g_first_name", false, func(s models.AccountSnapshot) string { return s.GivenName }},
}

// accountsReport reconciles the account mirror against the latest
// per-user usage report.
type accountsReport struct {
	deps Deps
	job  *jobs.Job
}

func (h *accountsReport) Job() *jobs.Job { return h.job }
func (h *accountsReport) HasSideEffects() bool { return false }

func (h *accountsReport) Run(ctx context.Context) error {
	rows, err := h.deps.Store.ListAccountRows(ctx)
	if err != nil {
		return err
	}
	mirrored := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if name, ok := row["g_account_name"].(string); ok {
			mirrored[name] = row
		}
	}

	snapshots, found, err := h.deps.Usage.AccountUsage(ctx, h.deps.Usage.LatestReportDate())
	if err != nil {
		return err
	}
	if !found {
		return h.job.Update(ctx, models.StatusSuccess, "report not available yet")
	}

	for _, snapshot := range snapshots {
		row, known := mirrored[snapshot.AccountName]
		if !known {
			// Reported but not mirrored: a u_sync job creates the row
			// from the directory.
			if err := h.enqueueSync(ctx, snapshot.AccountName); err != nil {
				return err
			}
			continue
		}
		delete(mirrored, snapshot.AccountName)
		if err := h.reconcile(ctx, snapshot, row); err != nil {
			return err
		}
	}

	// Mirrored but not reported: provisioned rows have gone stale.
	for name, row := range mirrored {
		if status, _ := row["g_status"].(string); status == models.AccountUnprovisioned {
			continue
		}
		if err := h.enqueueSync(ctx, name); err != nil {
			return err
		}
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

func (h *accountsReport) reconcile(ctx context.Context, snapshot models.AccountSnapshot, row map[string]any) error {
	a, err := accounts.FromRow(snapshot.AccountName, row)
	if err != nil {
		return err
	}

	needsSync := false
	for _, field := range reportFields {
		value := field.value(snapshot)
		if value == "" && field.column != "r_disk_usage" {
			continue
		}
		if a.GetString(field.column) == value {
			continue
		}
		if field.silent {
			if err := a.Set(field.column, value); err != nil {
				return err
			}
		} else {
			needsSync = true
		}
	}

	if err := a.Update(ctx, h.deps.Store); err != nil {
		return err
	}
	if needsSync {
		return h.enqueueSync(ctx, snapshot.AccountName)
	}
	return nil
}

func (h *accountsReport) enqueueSync(ctx context.Context, username string) error {
	return h.deps.Store.EnqueueJob(ctx, "u_sync",
		map[string]string{"username": username}, models.PriorityNormal, time.Time{})
}
