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
	"fmt"
)

// Account mirror operations
//
// The gapps_accounts mirror is manipulated as column maps rather than a
// fixed struct: jobs patch arbitrary subsets of columns and the account
// entity tracks which ones changed.

// GetAccountRow returns the mirror row for one account as a column map, or
// nil when the account is not mirrored.
func (s *Store) GetAccountRow(ctx context.Context, accountName string) (map[string]any, error) {
	query := `SELECT * FROM gapps_accounts WHERE g_account_name = ?`

	rows, err := s.db.QueryxContext(ctx, query, accountName)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to fetch account: %w", err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, classify(fmt.Errorf("failed to fetch account: %w", err))
		}
		return nil, nil
	}

	row := make(map[string]any)
	if err := rows.MapScan(row); err != nil {
		return nil, classify(fmt.Errorf("failed to scan account: %w", err))
	}
	return normalizeRow(row), nil
}

// ListAccountRows returns every mirrored account with report dates rendered
// as YYYYMMDD strings, the format the reporting API uses.
func (s *Store) ListAccountRows(ctx context.Context) ([]map[string]any, error) {
	query := `SELECT g_account_id, g_account_name, g_first_name, g_last_name, ` +
		`g_status, g_admin, g_suspension, r_disk_usage, ` +
		`DATE_FORMAT(r_creation, '%Y%m%d') AS r_creation, ` +
		`DATE_FORMAT(r_last_login, '%Y%m%d') AS r_last_login, ` +
		`DATE_FORMAT(r_last_webmail, '%Y%m%d') AS r_last_webmail ` +
		`FROM gapps_accounts`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list accounts: %w", err))
	}
	defer rows.Close()

	var accounts []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, classify(fmt.Errorf("failed to scan account: %w", err))
		}
		accounts = append(accounts, normalizeRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to list accounts: %w", err))
	}
	return accounts, nil
}

// InsertAccount creates a new mirror row from the given column values.
func (s *Store) InsertAccount(ctx context.Context, values map[string]any) error {
	clause, args := setClause(values)
	query := `INSERT INTO gapps_accounts SET ` + clause

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("failed to insert account: %w", err))
	}
	return nil
}

// UpdateAccount applies changed column values to one mirror row.
func (s *Store) UpdateAccount(ctx context.Context, accountName string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	clause, args := setClause(values)
	query := `UPDATE gapps_accounts SET ` + clause + ` WHERE g_account_name = ?`
	args = append(args, accountName)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("failed to update account: %w", err))
	}
	return nil
}

// DeleteAccount removes one mirror row.
func (s *Store) DeleteAccount(ctx context.Context, accountName string) error {
	query := `DELETE FROM gapps_accounts WHERE g_account_name = ?`

	if _, err := s.db.ExecContext(ctx, query, accountName); err != nil {
		return classify(fmt.Errorf("failed to delete account: %w", err))
	}
	return nil
}

// normalizeRow turns driver byte slices into strings so rows compare
// cleanly against API values.
func normalizeRow(row map[string]any) map[string]any {
	for column, value := range row {
		if raw, ok := value.([]byte); ok {
			row[column] = string(raw)
		}
	}
	return row
}
