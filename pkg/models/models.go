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

// Package models contains the shared data types for the gappsd job queue
// and the local mirror of Google Workspace directory state. The field
// names mirror the columns of the gapps_* tables, which are jointly owned
// with the web front-end that produces queue rows.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queue row.
// idle → active → {success|hardfail|softfail}; softfail re-enters dispatch
// at its notbefore date.
type JobStatus string

const (
	StatusIdle     JobStatus = "idle"
	StatusActive   JobStatus = "active"
	StatusSuccess  JobStatus = "success"
	StatusSoftfail JobStatus = "softfail"
	StatusHardfail JobStatus = "hardfail"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusSuccess, StatusSoftfail, StatusHardfail:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state. Terminal rows
// carry a non-null end date and never change again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusHardfail
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// Priority is the scheduling class of a queue row. It determines both the
// serving order and the minimum inter-dispatch delay.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityNormal    Priority = "normal"
	PriorityOffline   Priority = "offline"
)

// PriorityOrder lists the classes in serving order, most urgent first.
var PriorityOrder = []Priority{PriorityImmediate, PriorityNormal, PriorityOffline}

// Valid reports whether the priority is one of the allowed classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityImmediate, PriorityNormal, PriorityOffline:
		return true
	default:
		return false
	}
}

// String returns the string value of the Priority.
func (p Priority) String() string { return string(p) }

// QueueRow is one unit of work in the gapps_queue table. The producer
// inserts rows with status idle; the daemon owns every other column after
// insert. Parameters is the raw JSON document and may be nil (the janitor
// enqueues reporting jobs with NULL parameters).
type QueueRow struct {
	ID            int64           `db:"q_id"`
	Type          string          `db:"j_type"`
	Parameters    json.RawMessage `db:"j_parameters"`
	Priority      Priority        `db:"p_priority"`
	Status        JobStatus       `db:"p_status"`
	AdminRequest  bool            `db:"p_admin_request"`
	EntryDate     time.Time       `db:"p_entry_date"`
	StartDate     *time.Time      `db:"p_start_date"`
	EndDate       *time.Time      `db:"p_end_date"`
	NotBefore     *time.Time      `db:"p_notbefore_date"`
	SoftfailCount int             `db:"r_softfail_count"`
	SoftfailDate  *time.Time      `db:"r_softfail_date"`
	Result        *string         `db:"r_result"`
}

// Account statuses for the g_status column of gapps_accounts.
const (
	AccountUnprovisioned = "unprovisioned"
	AccountDisabled      = "disabled"
	AccountActive        = "active"
)

// Nickname is one row of gapps_nicknames: an (alias, owner account) pair.
type Nickname struct {
	Alias string `db:"g_nickname"`
	Owner string `db:"g_account_name"`
}

// UsageReport is one row of gapps_reporting: the domain-wide activity and
// quota counters for a single day.
type UsageReport struct {
	Date              string `db:"date"`
	NumAccounts       int64  `db:"num_accounts"`
	Count1DayActives  int64  `db:"count_1_day_actives"`
	Count7DayActives  int64  `db:"count_7_day_actives"`
	Count14DayActives int64  `db:"count_14_day_actives"`
	Count30DayActives int64  `db:"count_30_day_actives"`
	Count30DayIdle    int64  `db:"count_30_day_idle"`
	Count60DayIdle    int64  `db:"count_60_day_idle"`
	Count90DayIdle    int64  `db:"count_90_day_idle"`
	UsageInBytes      int64  `db:"usage_in_bytes"`
	QuotaInMB         int64  `db:"quota_in_mb"`
}

// AccountSnapshot is the per-user slice of the daily usage report, as
// consumed by the account-report job. Dates are in YYYYMMDD form, matching
// the comparison format used against the mirror.
type AccountSnapshot struct {
	AccountName      string
	AccountID        string
	GivenName        string
	Surname          string
	UsageInBytes     int64
	CreationDate     string
	LastLoginDate    string
	LastWebmailDate  string
	SuspensionReason string
}
