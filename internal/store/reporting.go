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
	"fmt"
	"time"

	"gappsd/pkg/models"
)

// Usage report operations

// LastReportDate returns the date of the most recent stored usage report,
// or nil when the reporting table is empty.
func (s *Store) LastReportDate(ctx context.Context) (*time.Time, error) {
	query := `SELECT MAX(date) AS date FROM gapps_reporting`

	var last sql.NullTime
	if err := s.db.GetContext(ctx, &last, query); err != nil {
		return nil, classify(fmt.Errorf("failed to fetch last report date: %w", err))
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// InsertUsageReport stores the daily activity counters for one date.
func (s *Store) InsertUsageReport(ctx context.Context, report models.UsageReport) error {
	query := `INSERT INTO gapps_reporting (date, num_accounts, ` +
		`count_1_day_actives, count_7_day_actives, count_14_day_actives, ` +
		`count_30_day_actives, count_30_day_idle, count_60_day_idle, ` +
		`count_90_day_idle, usage_in_bytes, quota_in_mb) VALUES (:date, ` +
		`:num_accounts, :count_1_day_actives, :count_7_day_actives, ` +
		`:count_14_day_actives, :count_30_day_actives, :count_30_day_idle, ` +
		`:count_60_day_idle, :count_90_day_idle, :usage_in_bytes, :quota_in_mb)`

	if _, err := s.db.NamedExecContext(ctx, query, report); err != nil {
		return classify(fmt.Errorf("failed to insert usage report: %w", err))
	}
	return nil
}
