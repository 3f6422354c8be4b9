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
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mailHandler sends one mail per record at or above its level. Records
// sharing a subject are sent at most once per delay window; suppressed
// records are reported through the suppressed callback instead.
type mailHandler struct {
	level         slog.Level
	delay         time.Duration
	subjectPrefix string
	send          func(subject, body string) error
	suppressed    func(subject string)

	attrs []slog.Attr

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

func (m *mailHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= m.level
}

func (m *mailHandler) Handle(_ context.Context, record slog.Record) error {
	subject := m.subjectPrefix + " " + record.Message
	if !m.shouldSend(subject) {
		if m.suppressed != nil {
			m.suppressed(subject)
		}
		return nil
	}
	return m.send(subject, m.body(record, subject))
}

func (m *mailHandler) shouldSend(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	if m.lastSent == nil {
		m.lastSent = make(map[string]time.Time)
	}
	at := now()
	if last, ok := m.lastSent[subject]; ok && at.Sub(last) < m.delay {
		return false
	}
	m.lastSent[subject] = at
	return true
}

func (m *mailHandler) body(record slog.Record, subject string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\n", record.Time.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Error: %s\n", subject)
	b.WriteString("Details:\n")
	for _, a := range m.attrs {
		fmt.Fprintf(&b, "  %s = %s\n", a.Key, a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, "  %s = %s\n", a.Key, a.Value.String())
		return true
	})
	return b.String()
}

func (m *mailHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &mailHandler{
		level:         m.level,
		delay:         m.delay,
		subjectPrefix: m.subjectPrefix,
		send:          m.send,
		suppressed:    m.suppressed,
		lastSent:      m.lastSent,
		now:           m.now,
	}
	clone.attrs = append(append([]slog.Attr(nil), m.attrs...), attrs...)
	return clone
}

// WithGroup is accepted but not rendered; mail bodies stay flat.
func (m *mailHandler) WithGroup(string) slog.Handler {
	return m
}

// newSMTPSender builds the default mail transport. The domain only feeds
// the Message-ID; envelope sender and recipient are the admin address.
func newSMTPSender(addr, from, to, domain string) func(subject, body string) error {
	return func(subject, body string) error {
		var msg strings.Builder
		fmt.Fprintf(&msg, "From: %s\r\n", from)
		fmt.Fprintf(&msg, "To: %s\r\n", to)
		fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
		fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
		fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domain)
		msg.WriteString("MIME-Version: 1.0\r\n")
		msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
		return smtp.SendMail(addr, nil, from, []string{to}, []byte(msg.String()))
	}
}
