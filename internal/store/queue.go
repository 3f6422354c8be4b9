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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gappsd/internal/faults"
	"gappsd/pkg/models"
)

// eligibleJobs selects dispatchable non-admin rows. The 90 second clause is
// the crash-recovery lease on orphaned active rows.
const eligibleJobs = `p_status IN ('idle', 'active', 'softfail') AND ` +
	`p_notbefore_date <= NOW() AND ` +
	`p_admin_request IS FALSE AND ` +
	`(p_start_date IS NULL OR p_status = 'idle' OR ` +
	`DATE_ADD(p_start_date, INTERVAL 90 SECOND) <= NOW())`

// eligibleAdminJobs is the admin-console variant: it selects the parked
// admin partition and ignores the not-before date.
const eligibleAdminJobs = `p_status IN ('idle', 'active', 'softfail') AND ` +
	`p_admin_request IS TRUE AND ` +
	`(p_start_date IS NULL OR p_status = 'idle' OR ` +
	`DATE_ADD(p_start_date, INTERVAL 90 SECOND) <= NOW())`

const jobColumns = `q_id, p_status, p_entry_date, p_start_date, ` +
	`r_softfail_count, r_softfail_date, j_type, j_parameters`

// Queue operations

// JobCounts returns the number of dispatchable jobs per priority class.
// Classes with no eligible rows are absent from the map.
func (s *Store) JobCounts(ctx context.Context) (map[models.Priority]int, error) {
	query := `SELECT p_priority, COUNT(q_id) AS count FROM gapps_queue WHERE ` +
		eligibleJobs + ` GROUP BY p_priority`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to count queue jobs: %w", err))
	}
	defer rows.Close()

	counts := make(map[models.Priority]int)
	for rows.Next() {
		var priority models.Priority
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, classify(fmt.Errorf("failed to scan queue count: %w", err))
		}
		counts[priority] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to count queue jobs: %w", err))
	}
	return counts, nil
}

// NextJob returns the oldest dispatchable job of the given priority class,
// or nil when the class is empty.
func (s *Store) NextJob(ctx context.Context, priority models.Priority) (*models.QueueRow, error) {
	query := `SELECT ` + jobColumns + ` FROM gapps_queue WHERE ` + eligibleJobs +
		` AND p_priority = ? ORDER BY q_id LIMIT 1`

	var row models.QueueRow
	err := s.db.GetContext(ctx, &row, query, priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to fetch next job: %w", err))
	}
	row.Priority = priority
	return &row, nil
}

// NextAdminJob returns the oldest parked admin request, or nil when the
// admin partition is empty.
func (s *Store) NextAdminJob(ctx context.Context) (*models.QueueRow, error) {
	query := `SELECT ` + jobColumns + ` FROM gapps_queue WHERE ` +
		eligibleAdminJobs + ` ORDER BY q_id LIMIT 1`

	var row models.QueueRow
	err := s.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to fetch next admin job: %w", err))
	}
	return &row, nil
}

// UpdateJob applies the given column values to one queue row. The job layer
// owns the transition rules; this only persists them.
func (s *Store) UpdateJob(ctx context.Context, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	clause, args := setClause(values)
	query := `UPDATE gapps_queue SET ` + clause + ` WHERE q_id = ?`
	args = append(args, id)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("failed to update job %d: %w", id, err))
	}
	return nil
}

// EnqueueJob inserts a new idle job. A nil parameters value is stored as
// SQL NULL, which handlers read back as an empty parameter set. A zero
// notBefore makes the row dispatchable immediately.
func (s *Store) EnqueueJob(ctx context.Context, jobType string, parameters any, priority models.Priority, notBefore time.Time) error {
	var encoded any
	if parameters != nil {
		raw, err := json.Marshal(parameters)
		if err != nil {
			return faults.Wrap(faults.KindPermanent,
				fmt.Errorf("failed to encode job parameters: %w", err))
		}
		encoded = raw
	}

	query := `INSERT INTO gapps_queue SET j_type = ?, j_parameters = ?, ` +
		`p_priority = ?, p_status = 'idle', p_entry_date = NOW(), `
	args := []any{jobType, encoded, priority}
	if notBefore.IsZero() {
		query += `p_notbefore_date = NOW()`
	} else {
		query += `p_notbefore_date = ?`
		args = append(args, notBefore)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("failed to enqueue %s job: %w", jobType, err))
	}
	return nil
}

// Janitor operations

// DeleteTerminalJobs removes terminal rows whose end date is older than the
// given number of days, and reports how many went away.
func (s *Store) DeleteTerminalJobs(ctx context.Context, status models.JobStatus, olderThanDays int) (int64, error) {
	query := `DELETE FROM gapps_queue WHERE p_status = ? AND ` +
		`p_end_date < DATE_SUB(NOW(), INTERVAL ? DAY)`

	result, err := s.db.ExecContext(ctx, query, status, olderThanDays)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete %s jobs: %w", status, err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, classify(fmt.Errorf("failed to count deleted jobs: %w", err))
	}
	return removed, nil
}

// CountIdleReportingJobs reports how many reporting refresh jobs are still
// waiting, so the janitor re-adds them only once per day.
func (s *Store) CountIdleReportingJobs(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) AS count FROM gapps_queue WHERE ` +
		`j_type IN ('r_accounts', 'r_activity') AND p_status = 'idle'`

	var count int
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return 0, classify(fmt.Errorf("failed to count reporting jobs: %w", err))
	}
	return count, nil
}
