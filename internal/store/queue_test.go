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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"gappsd/pkg/models"
)

func TestJobCounts(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT p_priority, COUNT(q_id) AS count FROM gapps_queue WHERE")).
		WillReturnRows(sqlmock.NewRows([]string{"p_priority", "count"}).
			AddRow("immediate", 3).
			AddRow("offline", 120))

	counts, err := s.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("JobCounts() error = %v", err)
	}
	if counts[models.PriorityImmediate] != 3 || counts[models.PriorityOffline] != 120 {
		t.Errorf("JobCounts() = %v", counts)
	}
	if _, ok := counts[models.PriorityNormal]; ok {
		t.Error("JobCounts() reported empty normal class")
	}
	expectationsMet(t, mock)
}

func TestNextJob(t *testing.T) {
	s, mock := newTestStore(t)

	entry := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT q_id, p_status, .* AND p_priority = \\? ORDER BY q_id LIMIT 1").
		WithArgs("normal").
		WillReturnRows(sqlmock.NewRows([]string{
			"q_id", "p_status", "p_entry_date", "p_start_date",
			"r_softfail_count", "r_softfail_date", "j_type", "j_parameters",
		}).AddRow(42, "idle", entry, nil, 0, nil, "u_sync", []byte(`{"username":"jdoe"}`)))

	row, err := s.NextJob(context.Background(), models.PriorityNormal)
	if err != nil {
		t.Fatalf("NextJob() error = %v", err)
	}
	if row == nil {
		t.Fatal("NextJob() = nil, want row")
	}
	if row.ID != 42 || row.Type != "u_sync" || row.Status != models.StatusIdle {
		t.Errorf("NextJob() row = %+v", row)
	}
	if row.Priority != models.PriorityNormal {
		t.Errorf("NextJob() priority = %q, want normal", row.Priority)
	}
	if row.StartDate != nil {
		t.Errorf("NextJob() start date = %v, want nil", row.StartDate)
	}
	if string(row.Parameters) != `{"username":"jdoe"}` {
		t.Errorf("NextJob() parameters = %s", row.Parameters)
	}
	expectationsMet(t, mock)
}

func TestNextJobEmptyQueue(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT q_id, .* ORDER BY q_id LIMIT 1").
		WithArgs("offline").
		WillReturnRows(sqlmock.NewRows([]string{"q_id"}))

	row, err := s.NextJob(context.Background(), models.PriorityOffline)
	if err != nil {
		t.Fatalf("NextJob() error = %v", err)
	}
	if row != nil {
		t.Errorf("NextJob() = %+v, want nil", row)
	}
	expectationsMet(t, mock)
}

func TestNextAdminJobUsesAdminPartition(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("p_admin_request IS TRUE")).
		WillReturnRows(sqlmock.NewRows([]string{"q_id"}))

	row, err := s.NextAdminJob(context.Background())
	if err != nil {
		t.Fatalf("NextAdminJob() error = %v", err)
	}
	if row != nil {
		t.Errorf("NextAdminJob() = %+v, want nil", row)
	}
	expectationsMet(t, mock)
}

func TestUpdateJobOrdersColumns(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE gapps_queue SET p_status = ?, r_result = ? WHERE q_id = ?")).
		WithArgs("success", "done", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateJob(context.Background(), 7, map[string]any{
		"r_result": "done",
		"p_status": "success",
	})
	if err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	expectationsMet(t, mock)
}

func TestEnqueueJobEncodesParameters(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gapps_queue SET j_type = ?, j_parameters = ?")).
		WithArgs("u_sync", []byte(`{"username":"jdoe"}`), "normal").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.EnqueueJob(context.Background(), "u_sync",
		map[string]string{"username": "jdoe"}, models.PriorityNormal, time.Time{})
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	expectationsMet(t, mock)
}

func TestEnqueueJobNullParameters(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gapps_queue SET j_type = ?, j_parameters = ?")).
		WithArgs("r_activity", nil, "offline").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.EnqueueJob(context.Background(), "r_activity", nil, models.PriorityOffline, time.Time{})
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	expectationsMet(t, mock)
}

func TestEnqueueJobNotBeforeDate(t *testing.T) {
	s, mock := newTestStore(t)

	notBefore := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("p_notbefore_date = ?")).
		WithArgs("u_sync", []byte(`{"username":"jdoe"}`), "normal", notBefore).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.EnqueueJob(context.Background(), "u_sync",
		map[string]string{"username": "jdoe"}, models.PriorityNormal, notBefore)
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteTerminalJobs(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"DELETE FROM gapps_queue WHERE p_status = ? AND p_end_date < DATE_SUB(NOW(), INTERVAL ? DAY)")).
		WithArgs("hardfail", 7).
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := s.DeleteTerminalJobs(context.Background(), models.StatusHardfail, 7)
	if err != nil {
		t.Fatalf("DeleteTerminalJobs() error = %v", err)
	}
	if removed != 4 {
		t.Errorf("DeleteTerminalJobs() removed = %d, want 4", removed)
	}
	expectationsMet(t, mock)
}

func TestCountIdleReportingJobs(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("j_type IN ('r_accounts', 'r_activity') AND p_status = 'idle'")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.CountIdleReportingJobs(context.Background())
	if err != nil {
		t.Fatalf("CountIdleReportingJobs() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountIdleReportingJobs() = %d, want 2", count)
	}
	expectationsMet(t, mock)
}
