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

// Package jobs models one row of the gapps_queue table and owns its state
// transitions. Handlers for the individual job types live in the
// provisioning and reporting packages and are wired up through a Registry.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gappsd/internal/config"
	"gappsd/internal/logging"
	"gappsd/pkg/models"
)

const timeFormat = "2006-01-02 15:04:05"

// ContentError marks a job that cannot be instantiated from its queue row:
// unknown type, missing parameter, or malformed payload. The scheduler
// hard-fails such rows without running anything.
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string { return e.Reason }

// Contentf builds a ContentError.
func Contentf(format string, args ...any) error {
	return &ContentError{Reason: fmt.Sprintf(format, args...)}
}

// ActionError marks an invalid state transition request.
type ActionError struct {
	Reason string
}

func (e *ActionError) Error() string { return e.Reason }

// Store persists job transitions. The job layer decides the column values;
// the store only applies them.
type Store interface {
	UpdateJob(ctx context.Context, id int64, values map[string]any) error
}

// Params is the decoded j_parameters payload.
type Params map[string]any

// Has reports whether the parameter is present, whatever its value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Lookup returns the parameter rendered as a string. Numbers and booleans
// are stringified the way the front-end producers write them.
func (p Params) Lookup(key string) (string, bool) {
	value, ok := p[key]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// String returns the parameter as a string, or "" when absent.
func (p Params) String(key string) string {
	value, _ := p.Lookup(key)
	return value
}

func decodeParams(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	params := Params{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, Contentf("Invalid value of JSON field 'j_parameters' (%s).", err)
	}
	return params, nil
}

// Job is one queue row under processing. All transitions keep the in-memory
// copy and the database row in step.
type Job struct {
	row    *models.QueueRow
	params Params
	store  Store
	logger *slog.Logger

	softfailDelay     time.Duration
	softfailThreshold int
	now               func() time.Time
}

// NewJob builds a Job from a fetched queue row. A malformed parameters
// payload yields a ContentError.
func NewJob(cfg *config.Config, st Store, logger *slog.Logger, row *models.QueueRow) (*Job, error) {
	params, err := decodeParams(row.Parameters)
	if err != nil {
		return nil, err
	}
	return &Job{
		row:               row,
		params:            params,
		store:             st,
		logger:            logger,
		softfailDelay:     cfg.Daemon.SoftfailDelay,
		softfailThreshold: cfg.Daemon.SoftfailThreshold,
		now:               time.Now,
	}, nil
}

// ID returns the q_id of the underlying row.
func (j *Job) ID() int64 { return j.row.ID }

// Type returns the j_type tag.
func (j *Job) Type() string { return j.row.Type }

// Params returns the decoded job parameters.
func (j *Job) Params() Params { return j.params }

// Priority returns the priority class the row was fetched from.
func (j *Job) Priority() models.Priority { return j.row.Priority }

// Status returns the current status and softfail count. The scheduler
// compares snapshots from before and after a run to detect handlers that
// finished without transitioning.
func (j *Job) Status() (models.JobStatus, int) {
	return j.row.Status, j.row.SoftfailCount
}

func (j *Job) String() string {
	s := fmt.Sprintf("Job '%s', queue id %d, created on %s, status '%s' (%d soft failures)",
		j.row.Type, j.row.ID, j.row.EntryDate.Format(timeFormat),
		j.row.Status, j.row.SoftfailCount)
	if user, ok := j.params.Lookup("username"); ok {
		s += fmt.Sprintf(", user '%s'", user)
	}
	return s
}

// Verbose returns the long, multi-line form used by the admin console and
// by admin-parking notices.
func (j *Job) Verbose() string {
	rendered, err := json.MarshalIndent(j.params, "  ", "  ")
	if err != nil {
		rendered = []byte(fmt.Sprintf("%v", j.params))
	}
	return fmt.Sprintf("Job '%s', queue id %d, created on %s:\n  %s",
		j.row.Type, j.row.ID, j.row.EntryDate.Format(timeFormat), rendered)
}

// MarkActive records the dispatch of the job.
func (j *Job) MarkActive(ctx context.Context) error {
	now := j.now()
	err := j.store.UpdateJob(ctx, j.row.ID, map[string]any{
		"p_status":     string(models.StatusActive),
		"p_start_date": now,
	})
	if err != nil {
		return err
	}
	j.row.Status = models.StatusActive
	j.row.StartDate = &now
	return nil
}

// MarkAdmin parks the job for the admin console: back to idle, flagged as
// an admin request, dispatch date cleared. The parking is reported as a
// critical event so an operator picks it up.
func (j *Job) MarkAdmin(ctx context.Context) error {
	err := j.store.UpdateJob(ctx, j.row.ID, map[string]any{
		"p_status":        string(models.StatusIdle),
		"p_start_date":    nil,
		"p_admin_request": true,
	})
	if err != nil {
		return err
	}
	j.row.Status = models.StatusIdle
	j.row.StartDate = nil
	j.row.AdminRequest = true
	logging.Critical(j.logger, "Job marked as admin-only", "details", j.Verbose())
	return nil
}

// Update moves the job to a terminal or softfail status. Requesting
// softfail at the threshold promotes to hardfail with an annotated result.
// The idle and active statuses belong to the producer and the scheduler
// respectively and are rejected here.
func (j *Job) Update(ctx context.Context, status models.JobStatus, message string) error {
	now := j.now()
	values := make(map[string]any)

	switch status {
	case models.StatusIdle, models.StatusActive:
		return &ActionError{Reason: "A job status cannot be set to 'idle' or 'active' mode."}
	case models.StatusSoftfail:
		j.row.SoftfailCount++
		if j.row.SoftfailCount >= j.softfailThreshold {
			status = models.StatusHardfail
			message = fmt.Sprintf("%s [softfail threshold reached]", message)
		} else {
			notBefore := now.Add(j.softfailDelay)
			values["p_notbefore_date"] = notBefore
			j.row.NotBefore = &notBefore
		}
		values["r_softfail_count"] = j.row.SoftfailCount
		values["r_softfail_date"] = now
		softfailedAt := now
		j.row.SoftfailDate = &softfailedAt
	case models.StatusSuccess, models.StatusHardfail:
	default:
		return &ActionError{Reason: fmt.Sprintf("Unknown status %s", status)}
	}

	if status == models.StatusSuccess || status == models.StatusHardfail {
		endedAt := now
		values["p_end_date"] = endedAt
		j.row.EndDate = &endedAt
	}
	values["p_status"] = string(status)
	values["r_result"] = message

	if err := j.store.UpdateJob(ctx, j.row.ID, values); err != nil {
		return err
	}
	j.row.Status = status
	j.row.Result = &message
	return nil
}

// MarkFailed forces a queue row into hardfail. It exists for rows whose job
// object could not even be built, so it works from the raw id.
func MarkFailed(ctx context.Context, st Store, id int64, message string) error {
	return st.UpdateJob(ctx, id, map[string]any{
		"p_status":   string(models.StatusHardfail),
		"p_end_date": time.Now(),
		"r_result":   message,
	})
}
