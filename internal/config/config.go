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

// Package config loads the gappsd configuration from an INI file with
// [mysql], [gapps], and [gappsd] sections. Keys without a default are
// mandatory; a missing mandatory key is fatal at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// MySQL holds the connection parameters for the shared database.
type MySQL struct {
	// Hostname of the MySQL server.
	Hostname string

	// Username for the connection.
	Username string

	// Password for the connection. May be empty.
	Password string

	// Database name holding the gapps_* tables.
	Database string
}

// DSN returns the go-sql-driver connection string.
func (m MySQL) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=true",
		m.Username, m.Password, m.Hostname, m.Database)
}

// Google holds the Workspace domain identity and the OAuth2 service
// account used against the Directory and Reports APIs.
type Google struct {
	// Domain is the Workspace domain (appended to bare usernames).
	Domain string

	// Customer is the Workspace customer id for directory enumeration.
	Customer string

	// OAuth2Client is the service account email.
	OAuth2Client string

	// OAuth2Secret is the path to the service account private key file.
	OAuth2Secret string

	// OAuth2User is the administrator impersonated by the service account.
	OAuth2User string

	// AdminEmail receives operator mail and is the mail sink sender.
	AdminEmail string
}

// Daemon holds the scheduler and logging tunables.
type Daemon struct {
	// ActivityBacklog is the number of days of usage reports fetched when
	// the reporting table is empty.
	ActivityBacklog int

	// AdminOnlyJobs enables privileged mode: handlers that normally park
	// for the admin console execute to completion.
	AdminOnlyJobs bool

	// SoftfailDelay is how long a softfailed row waits before it becomes
	// dispatchable again.
	SoftfailDelay time.Duration

	// SoftfailThreshold is the softfail count at which the next softfail
	// promotes to hardfail.
	SoftfailThreshold int

	// LogfileName enables the rotating file sink when non-empty.
	LogfileName string

	// LogfileRotation is the rotation interval in days.
	LogfileRotation int

	// LogfileBacklog is the number of rotated files retained.
	LogfileBacklog int

	// Logmail enables the rate-limited mail sink for Error+ events.
	Logmail bool

	// LogmailDelay is the minimum interval between two mails sharing a
	// subject.
	LogmailDelay time.Duration

	// LogmailSMTP is the host:port of the SMTP relay.
	LogmailSMTP string

	// LogmailDomainInSubject includes the Workspace domain in mail
	// subjects.
	LogmailDomainInSubject bool

	// QueueMinDelay is the immediate-class inter-dispatch delay and the
	// sleep between poll cycles. Also the floor under throttled delays.
	QueueMinDelay time.Duration

	// QueueDelayNormal is the normal-class inter-dispatch delay.
	QueueDelayNormal time.Duration

	// QueueDelayOffline is the offline-class inter-dispatch delay.
	QueueDelayOffline time.Duration

	// QueueWarnOverflow enables the per-class overflow warning.
	QueueWarnOverflow bool

	// TokenExpiration bounds the lifetime of a Reports API token before a
	// forced re-authentication.
	TokenExpiration time.Duration

	// MaxRunTime is the wall-clock deadline after which the supervisor
	// requests a restart.
	MaxRunTime time.Duration

	// ReadOnly cancels every job with side effects instead of running it.
	ReadOnly bool

	// MetricsAddress serves Prometheus metrics when non-empty.
	MetricsAddress string
}

// Config is the full gappsd configuration.
type Config struct {
	MySQL  MySQL
	Google Google
	Daemon Daemon
}

// Load reads the INI file at path and validates it.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg := fromFile(file)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(file *ini.File) *Config {
	mysql := file.Section("mysql")
	gapps := file.Section("gapps")
	gappsd := file.Section("gappsd")

	seconds := func(key string, def int) time.Duration {
		return time.Duration(gappsd.Key(key).MustInt(def)) * time.Second
	}

	return &Config{
		MySQL: MySQL{
			Hostname: mysql.Key("hostname").String(),
			Username: mysql.Key("username").String(),
			Password: mysql.Key("password").String(),
			Database: mysql.Key("database").String(),
		},
		Google: Google{
			Domain:       gapps.Key("domain").String(),
			Customer:     gapps.Key("customer").MustString("my_customer"),
			OAuth2Client: gapps.Key("oauth2-client").String(),
			OAuth2Secret: gapps.Key("oauth2-secret").String(),
			OAuth2User:   gapps.Key("oauth2-user").String(),
			AdminEmail:   gapps.Key("admin-email").String(),
		},
		Daemon: Daemon{
			ActivityBacklog:        gappsd.Key("activity-backlog").MustInt(30),
			AdminOnlyJobs:          gappsd.Key("admin-only-jobs").MustBool(false),
			SoftfailDelay:          seconds("job-softfail-delay", 300),
			SoftfailThreshold:      gappsd.Key("job-softfail-threshold").MustInt(4),
			LogfileName:            gappsd.Key("logfile-name").String(),
			LogfileRotation:        gappsd.Key("logfile-rotation").MustInt(1),
			LogfileBacklog:         gappsd.Key("logfile-backlog").MustInt(90),
			Logmail:                gappsd.Key("logmail").MustBool(false),
			LogmailDelay:           seconds("logmail-delay", 1800),
			LogmailSMTP:            gappsd.Key("logmail-smtp").String(),
			LogmailDomainInSubject: gappsd.Key("logmail-domain-in-subject").MustBool(false),
			QueueMinDelay:          seconds("queue-min-delay", 2),
			QueueDelayNormal:       seconds("queue-delay-normal", 10),
			QueueDelayOffline:      seconds("queue-delay-offline", 30),
			QueueWarnOverflow:      gappsd.Key("queue-warn-overflow").MustBool(true),
			TokenExpiration:        seconds("token-expiration", 86400),
			MaxRunTime:             seconds("max-run-time", 86400),
			ReadOnly:               gappsd.Key("read-only").MustBool(false),
			MetricsAddress:         gappsd.Key("metrics-address").String(),
		},
	}
}

// Validate reports every missing mandatory key at once.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	require("mysql.hostname", c.MySQL.Hostname)
	require("mysql.username", c.MySQL.Username)
	require("mysql.database", c.MySQL.Database)
	require("gapps.domain", c.Google.Domain)
	require("gapps.oauth2-client", c.Google.OAuth2Client)
	require("gapps.oauth2-secret", c.Google.OAuth2Secret)
	require("gapps.oauth2-user", c.Google.OAuth2User)
	require("gapps.admin-email", c.Google.AdminEmail)

	if len(missing) > 0 {
		return fmt.Errorf("missing mandatory configuration key(s): %s", strings.Join(missing, ", "))
	}
	if c.Daemon.QueueMinDelay < time.Second {
		return fmt.Errorf("gappsd.queue-min-delay must be at least 1 second")
	}
	if c.Daemon.SoftfailThreshold < 1 {
		return fmt.Errorf("gappsd.job-softfail-threshold must be at least 1")
	}
	return nil
}
