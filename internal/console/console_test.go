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

package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gappsd/internal/config"
	"gappsd/internal/jobs"
	"gappsd/pkg/models"
)

// fakeStore serves a fixed admin partition and records row updates.
type fakeStore struct {
	mu      sync.Mutex
	admin   []*models.QueueRow
	updates map[int64][]map[string]any
}

func newFakeStore(rows ...*models.QueueRow) *fakeStore {
	return &fakeStore{admin: rows, updates: make(map[int64][]map[string]any)}
}

func (s *fakeStore) NextAdminJob(ctx context.Context) (*models.QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.admin {
		if !row.Status.IsTerminal() {
			return row, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) JobCounts(ctx context.Context) (map[models.Priority]int, error) {
	return map[models.Priority]int{}, nil
}

func (s *fakeStore) NextJob(ctx context.Context, priority models.Priority) (*models.QueueRow, error) {
	return nil, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, id int64, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], values)
	// Keep the partition view in step so terminal rows stop being served.
	for _, row := range s.admin {
		if row.ID != id {
			continue
		}
		if status, ok := values["p_status"].(string); ok {
			row.Status = models.JobStatus(status)
		}
	}
	return nil
}

func (s *fakeStore) lastStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := s.updates[id]
	for i := len(updates) - 1; i >= 0; i-- {
		if status, ok := updates[i]["p_status"].(string); ok {
			return status
		}
	}
	return ""
}

type stubHandler struct {
	job *jobs.Job
	ran bool
}

func (h *stubHandler) Run(ctx context.Context) error {
	h.ran = true
	return h.job.Update(ctx, models.StatusSuccess, "done")
}

func (h *stubHandler) Job() *jobs.Job       { return h.job }
func (h *stubHandler) HasSideEffects() bool { return true }

func adminRow(id int64, jobType string) *models.QueueRow {
	return &models.QueueRow{
		ID:           id,
		Type:         jobType,
		Parameters:   json.RawMessage(`{"username": "jdoe"}`),
		Priority:     models.PriorityNormal,
		Status:       models.StatusIdle,
		AdminRequest: true,
		EntryDate:    time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func newConsole(st Store, registry *jobs.Registry, input string, out io.Writer) *Console {
	cfg := &config.Config{}
	cfg.Daemon.AdminOnlyJobs = true
	cfg.Daemon.QueueMinDelay = time.Second
	cfg.Daemon.SoftfailDelay = 5 * time.Minute
	cfg.Daemon.SoftfailThreshold = 4
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, st, registry, logger, strings.NewReader(input), out)
}

func TestRunProcessesConfirmedJob(t *testing.T) {
	st := newFakeStore(adminRow(1, "t_admin"))
	registry := jobs.NewRegistry()
	var handler *stubHandler
	registry.Register("t_admin", func(j *jobs.Job) (jobs.Handler, error) {
		handler = &stubHandler{job: j}
		return handler, nil
	})

	var out bytes.Buffer
	c := newConsole(st, registry, "y\n", &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if handler == nil || !handler.ran {
		t.Fatal("confirmed job was not run")
	}
	if got := st.lastStatus(1); got != string(models.StatusSuccess) {
		t.Errorf("status = %q, want success", got)
	}
	if !strings.Contains(out.String(), "No admin request left, terminating.") {
		t.Errorf("output missing termination notice:\n%s", out.String())
	}
}

func TestRunDeclineAborts(t *testing.T) {
	st := newFakeStore(adminRow(1, "t_admin"))
	registry := jobs.NewRegistry()
	var handler *stubHandler
	registry.Register("t_admin", func(j *jobs.Job) (jobs.Handler, error) {
		handler = &stubHandler{job: j}
		return handler, nil
	})

	var out bytes.Buffer
	c := newConsole(st, registry, "n\n", &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if handler.ran {
		t.Error("declined job was run")
	}
	if got := st.lastStatus(1); got != "" {
		t.Errorf("declined job was updated: %q", got)
	}
	if !strings.Contains(out.String(), "Aborting ...") {
		t.Errorf("output missing abort notice:\n%s", out.String())
	}
}

func TestRunEmptyInputAborts(t *testing.T) {
	st := newFakeStore(adminRow(1, "t_admin"))
	registry := jobs.NewRegistry()
	registry.Register("t_admin", func(j *jobs.Job) (jobs.Handler, error) {
		return &stubHandler{job: j}, nil
	})

	var out bytes.Buffer
	c := newConsole(st, registry, "", &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Aborting ...") {
		t.Errorf("output missing abort notice:\n%s", out.String())
	}
}

func TestRunTerminatesOnEmptyPartition(t *testing.T) {
	st := newFakeStore()
	var out bytes.Buffer
	c := newConsole(st, jobs.NewRegistry(), "", &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "No admin request left, terminating.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunMarksUnknownTypeFailed(t *testing.T) {
	st := newFakeStore(adminRow(1, "t_mystery"))
	var out bytes.Buffer
	c := newConsole(st, jobs.NewRegistry(), "", &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := st.lastStatus(1); got != string(models.StatusHardfail) {
		t.Errorf("status = %q, want hardfail", got)
	}
	if !strings.Contains(out.String(), "Skipping job 1") {
		t.Errorf("output missing skip notice:\n%s", out.String())
	}
}
