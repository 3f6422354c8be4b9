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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	queueWaiting     *prometheus.GaugeVec
	transientErrors  prometheus.Gauge
	overflowWarnings *prometheus.CounterVec
	backupMode       prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobProcessed records one finished queue job by priority and final
// status (success, softfail, hardfail).
func ObserveJobProcessed(priority, status string, duration time.Duration) {
	labelPriority := sanitizeLabel(priority, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsProcessed != nil {
		jobsProcessed.WithLabelValues(labelPriority, labelStatus).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelPriority).Observe(durationSeconds(duration))
	}
}

// SetQueueWaiting publishes the number of eligible jobs in one priority queue.
func SetQueueWaiting(priority string, count int) {
	labelPriority := sanitizeLabel(priority, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if queueWaiting != nil {
		queueWaiting.WithLabelValues(labelPriority).Set(float64(count))
	}
}

// SetTransientErrors publishes the size of the sliding transient error window.
func SetTransientErrors(count int) {
	mu.RLock()
	defer mu.RUnlock()
	if transientErrors != nil {
		transientErrors.Set(float64(count))
	}
}

// IncOverflowWarning counts one emitted queue overflow warning.
func IncOverflowWarning(priority string) {
	labelPriority := sanitizeLabel(priority, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if overflowWarnings != nil {
		overflowWarnings.WithLabelValues(labelPriority).Inc()
	}
}

// SetBackupMode publishes whether the daemon is parked in backup mode.
func SetBackupMode(active bool) {
	mu.RLock()
	defer mu.RUnlock()
	if backupMode == nil {
		return
	}
	if active {
		backupMode.Set(1)
	} else {
		backupMode.Set(0)
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gappsd",
		Name:      "jobs_processed_total",
		Help:      "Total processed queue jobs grouped by priority and final status.",
	}, []string{"priority", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gappsd",
		Name:      "job_duration_seconds",
		Help:      "Duration of queue job executions by priority.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"priority"})

	waiting := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gappsd",
		Name:      "queue_jobs_waiting",
		Help:      "Eligible jobs waiting in each priority queue.",
	}, []string{"priority"})

	transient := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gappsd",
		Name:      "transient_errors",
		Help:      "Transient errors recorded in the current sliding window.",
	})

	overflow := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gappsd",
		Name:      "overflow_warnings_total",
		Help:      "Queue overflow warnings emitted, by priority.",
	}, []string{"priority"})

	backup := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gappsd",
		Name:      "backup_mode",
		Help:      "Set to 1 while the daemon runs in backup mode.",
	})

	registry.MustRegister(processed, duration, waiting, transient, overflow, backup)

	reg = registry
	jobsProcessed = processed
	jobDuration = duration
	queueWaiting = waiting
	transientErrors = transient
	overflowWarnings = overflow
	backupMode = backup
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
