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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConf = `[mysql]
hostname = sql.example.org
username = gappsd
database = gapps

[gapps]
domain = example.org
oauth2-client = gappsd@project.iam.gserviceaccount.com
oauth2-secret = /etc/gappsd/key.json
oauth2-user = admin@example.org
admin-email = hostmaster@example.org
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gappsd.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConf(t, minimalConf))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MySQL.Password != "" {
		t.Errorf("MySQL.Password = %q, want empty default", cfg.MySQL.Password)
	}
	if cfg.Google.Customer != "my_customer" {
		t.Errorf("Google.Customer = %q, want my_customer", cfg.Google.Customer)
	}
	if cfg.Daemon.ActivityBacklog != 30 {
		t.Errorf("ActivityBacklog = %d, want 30", cfg.Daemon.ActivityBacklog)
	}
	if cfg.Daemon.SoftfailDelay != 300*time.Second {
		t.Errorf("SoftfailDelay = %v, want 5m", cfg.Daemon.SoftfailDelay)
	}
	if cfg.Daemon.SoftfailThreshold != 4 {
		t.Errorf("SoftfailThreshold = %d, want 4", cfg.Daemon.SoftfailThreshold)
	}
	if cfg.Daemon.QueueMinDelay != 2*time.Second {
		t.Errorf("QueueMinDelay = %v, want 2s", cfg.Daemon.QueueMinDelay)
	}
	if cfg.Daemon.QueueDelayNormal != 10*time.Second {
		t.Errorf("QueueDelayNormal = %v, want 10s", cfg.Daemon.QueueDelayNormal)
	}
	if cfg.Daemon.QueueDelayOffline != 30*time.Second {
		t.Errorf("QueueDelayOffline = %v, want 30s", cfg.Daemon.QueueDelayOffline)
	}
	if !cfg.Daemon.QueueWarnOverflow {
		t.Error("QueueWarnOverflow = false, want true default")
	}
	if cfg.Daemon.TokenExpiration != 86400*time.Second {
		t.Errorf("TokenExpiration = %v, want 24h", cfg.Daemon.TokenExpiration)
	}
	if cfg.Daemon.MaxRunTime != 86400*time.Second {
		t.Errorf("MaxRunTime = %v, want 24h", cfg.Daemon.MaxRunTime)
	}
	if cfg.Daemon.AdminOnlyJobs || cfg.Daemon.ReadOnly || cfg.Daemon.Logmail ||
		cfg.Daemon.LogmailDomainInSubject {
		t.Error("boolean tunables should default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	conf := minimalConf + `
[gappsd]
queue-min-delay = 4
queue-delay-normal = 42
read-only = 1
admin-only-jobs = true
logfile-name = /var/log/gappsd.log
metrics-address = 127.0.0.1:9925
`
	cfg, err := Load(writeConf(t, conf))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Daemon.QueueMinDelay != 4*time.Second {
		t.Errorf("QueueMinDelay = %v, want 4s", cfg.Daemon.QueueMinDelay)
	}
	if cfg.Daemon.QueueDelayNormal != 42*time.Second {
		t.Errorf("QueueDelayNormal = %v, want 42s", cfg.Daemon.QueueDelayNormal)
	}
	if !cfg.Daemon.ReadOnly {
		t.Error("ReadOnly should parse integer-style booleans")
	}
	if !cfg.Daemon.AdminOnlyJobs {
		t.Error("AdminOnlyJobs should parse word-style booleans")
	}
	if cfg.Daemon.LogfileName != "/var/log/gappsd.log" {
		t.Errorf("LogfileName = %q", cfg.Daemon.LogfileName)
	}
	if cfg.Daemon.MetricsAddress != "127.0.0.1:9925" {
		t.Errorf("MetricsAddress = %q", cfg.Daemon.MetricsAddress)
	}
}

func TestLoadMissingMandatoryKeys(t *testing.T) {
	conf := `[mysql]
hostname = sql.example.org
`
	_, err := Load(writeConf(t, conf))
	if err == nil {
		t.Fatal("Load() should fail when mandatory keys are missing")
	}
	for _, key := range []string{"mysql.username", "mysql.database", "gapps.domain", "gapps.oauth2-client", "gapps.admin-email"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should name missing key %s, got: %v", key, err)
		}
	}
	if strings.Contains(err.Error(), "mysql.hostname") {
		t.Errorf("error should not name keys that are present, got: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.conf")); err == nil {
		t.Fatal("Load() should fail on a missing file")
	}
}

func TestDSN(t *testing.T) {
	m := MySQL{Hostname: "db.example.org:3306", Username: "gappsd", Password: "hunter2", Database: "gapps"}
	want := "gappsd:hunter2@tcp(db.example.org:3306)/gapps?charset=utf8mb4&parseTime=true"
	if got := m.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestValidateRejectsSubSecondMinDelay(t *testing.T) {
	conf := minimalConf + `
[gappsd]
queue-min-delay = 0
`
	if _, err := Load(writeConf(t, conf)); err == nil {
		t.Fatal("Load() should reject queue-min-delay below 1 second")
	}
}
