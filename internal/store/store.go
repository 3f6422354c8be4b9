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

// Package store provides access to the shared MySQL tables: the job queue
// written by the front-end producer, and the local mirrors of the Workspace
// account data. All errors carry a fault kind so callers can tell retryable
// conditions from data errors.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"gappsd/internal/config"
	"gappsd/internal/faults"
)

// Store wraps the database connection and provides methods for data access.
type Store struct {
	db *sqlx.DB
}

// Open prepares a lazily-connected pool against the configured database.
// No round trip happens here; connection failures surface on first use as
// transient faults so the supervisor can retry them.
func Open(cfg config.MySQL) (*Store, error) {
	db, err := sqlx.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The daemon runs a single poll loop; the pool stays small and sheds
	// idle connections instead of closing between cycles.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify sorts database errors into fault kinds. Server-side errors are
// permanent (bad statement, constraint violation) except operational codes
// that clear up on retry; everything else, connection losses included, is
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serverErr *mysql.MySQLError
	if errors.As(err, &serverErr) {
		switch serverErr.Number {
		case 1040, // too many connections
			1053, // server shutdown in progress
			1205, // lock wait timeout
			1213, // deadlock
			1317: // query interrupted
			return faults.Wrap(faults.KindTransient, err)
		}
		return faults.Wrap(faults.KindPermanent, err)
	}
	return faults.Wrap(faults.KindTransient, err)
}

// setClause renders "a = ?, b = ?" for the given column map in sorted
// order, so generated statements are stable.
func setClause(values map[string]any) (string, []any) {
	columns := make([]string, 0, len(values))
	for column := range values {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	clause := ""
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		if i > 0 {
			clause += ", "
		}
		clause += column + " = ?"
		args = append(args, values[column])
	}
	return clause, args
}
