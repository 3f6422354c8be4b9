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

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gappsd/internal/config"
)

func newTestMailHandler(t *testing.T) (*mailHandler, *[]string, *time.Time) {
	t.Helper()

	var mu sync.Mutex
	sent := []string{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	h := &mailHandler{
		level:         slog.LevelError,
		delay:         1800 * time.Second,
		subjectPrefix: "[gappsd]",
		send: func(subject, body string) error {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, subject)
			return nil
		},
		now: func() time.Time { return now },
	}
	return h, &sent, &now
}

func TestMailRateLimit(t *testing.T) {
	h, sent, now := newTestMailHandler(t)

	var suppressed []string
	h.suppressed = func(subject string) { suppressed = append(suppressed, subject) }

	record := slog.NewRecord(*now, slog.LevelError, "MySQL unavailable", 0)
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(*sent))
	}

	// Same subject inside the window is suppressed.
	*now = now.Add(1500 * time.Second)
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d after suppressed repeat, want 1", len(*sent))
	}
	if len(suppressed) != 1 {
		t.Fatalf("suppressed = %d, want 1", len(suppressed))
	}

	// A different subject is not affected by the first one's window.
	other := slog.NewRecord(*now, slog.LevelError, "Job failed", 0)
	if err := h.Handle(context.Background(), other); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(*sent) != 2 {
		t.Fatalf("sent = %d after distinct subject, want 2", len(*sent))
	}

	// Once the window elapses the original subject goes through again.
	*now = now.Add(1800 * time.Second)
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(*sent) != 3 {
		t.Fatalf("sent = %d after window elapsed, want 3", len(*sent))
	}
	if got := (*sent)[0]; got != "[gappsd] MySQL unavailable" {
		t.Errorf("subject = %q, want %q", got, "[gappsd] MySQL unavailable")
	}
}

func TestMailLevelGate(t *testing.T) {
	h, _, _ := newTestMailHandler(t)

	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelWarn) {
		t.Error("Enabled(warn) = true, want false")
	}
	if !h.Enabled(ctx, slog.LevelError) {
		t.Error("Enabled(error) = false, want true")
	}
	if !h.Enabled(ctx, LevelCritical) {
		t.Error("Enabled(critical) = false, want true")
	}
}

func TestMailBody(t *testing.T) {
	h, _, now := newTestMailHandler(t)

	var body string
	h.send = func(_, b string) error { body = b; return nil }

	record := slog.NewRecord(*now, slog.LevelError, "Job failed", 0)
	record.AddAttrs(slog.Int64("q_id", 42), slog.String("type", "u_sync"))
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	for _, want := range []string{
		"Error: [gappsd] Job failed",
		"  q_id = 42",
		"  type = u_sync",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestCriticalRendering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newTextHandler(&buf, slog.LevelInfo))

	Critical(logger, "Running in backup mode -- waiting for admin intervention !")

	if got := buf.String(); !strings.Contains(got, "level=CRITICAL") {
		t.Errorf("output = %q, want level=CRITICAL", got)
	}
}

type countingHandler struct {
	level slog.Level
	count int
}

func (c *countingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level
}

func (c *countingHandler) Handle(context.Context, slog.Record) error {
	c.count++
	return nil
}

func (c *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *countingHandler) WithGroup(string) slog.Handler      { return c }

func TestFanoutRespectsSinkLevels(t *testing.T) {
	info := &countingHandler{level: slog.LevelInfo}
	errOnly := &countingHandler{level: slog.LevelError}
	logger := slog.New(fanout([]slog.Handler{info, errOnly}))

	logger.Info("routine")
	logger.Error("broken")

	if info.count != 2 {
		t.Errorf("info sink count = %d, want 2", info.count)
	}
	if errOnly.count != 1 {
		t.Errorf("error sink count = %d, want 1", errOnly.count)
	}
}

func TestSetupWritesLogfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gappsd.log")
	cfg := &config.Config{}
	cfg.Daemon.LogfileName = path
	cfg.Daemon.LogfileRotation = 1
	cfg.Daemon.LogfileBacklog = 90

	logger, closeLogs, err := Setup(cfg, false)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	logger.Info("daemon started", "instance", "test")
	if err := closeLogs(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Errorf("logfile missing record: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
