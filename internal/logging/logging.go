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

// Package logging builds the gappsd loggers: a stderr text logger, an
// optional rotating file sink, and an optional rate-limited mail sink for
// events that require operator attention.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"gappsd/internal/config"
)

// LevelCritical marks events that require operator attention: auth
// refusals, queue overflows, backup-mode heartbeats, parked admin jobs.
const LevelCritical = slog.Level(12)

// Critical logs msg at LevelCritical.
func Critical(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelCritical, msg, args...)
}

// New returns a plain stderr text logger at the given level. Levels are
// "debug", "info", "warn", "error"; anything else means info.
func New(level string) *slog.Logger {
	return slog.New(newTextHandler(os.Stderr, parseLevel(level)))
}

// Setup builds the daemon logger from the configuration: stderr when
// alsoStderr is set, a rotating file when gappsd.logfile-name is set, and
// a mail sink at Error+ when gappsd.logmail is on. The returned close
// function flushes the file sink.
func Setup(cfg *config.Config, alsoStderr bool) (*slog.Logger, func() error, error) {
	var handlers []slog.Handler
	closer := func() error { return nil }

	if alsoStderr {
		handlers = append(handlers, newTextHandler(os.Stderr, slog.LevelInfo))
	}

	if cfg.Daemon.LogfileName != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Daemon.LogfileName,
			MaxBackups: cfg.Daemon.LogfileBacklog,
			MaxAge:     cfg.Daemon.LogfileRotation * cfg.Daemon.LogfileBacklog,
		}
		handlers = append(handlers, newTextHandler(rotator, slog.LevelInfo))
		closer = rotator.Close
	}

	if cfg.Daemon.Logmail {
		subjectPrefix := "[gappsd]"
		if cfg.Daemon.LogmailDomainInSubject {
			subjectPrefix = "[gappsd-" + cfg.Google.Domain + "]"
		}
		mail := &mailHandler{
			level:         slog.LevelError,
			delay:         cfg.Daemon.LogmailDelay,
			subjectPrefix: subjectPrefix,
			send: newSMTPSender(
				cfg.Daemon.LogmailSMTP,
				cfg.Google.AdminEmail,
				cfg.Google.AdminEmail,
				cfg.Google.Domain,
			),
		}
		// Suppression notices go to the non-mail sinks only, so a burst of
		// identical errors cannot feed back into the mail path.
		plain := slog.New(fanout(handlers))
		mail.suppressed = func(subject string) {
			plain.Warn("logmail rate-limited and ignored", "subject", subject)
		}
		handlers = append(handlers, mail)
	}

	if len(handlers) == 0 {
		handlers = append(handlers, newTextHandler(os.Stderr, slog.LevelInfo))
	}

	return slog.New(fanout(handlers)), closer, nil
}

func newTextHandler(w interface{ Write([]byte) (int, error) }, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renderCritical,
	})
}

// renderCritical names the custom level in text output instead of the
// default "ERROR+4".
func renderCritical(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
