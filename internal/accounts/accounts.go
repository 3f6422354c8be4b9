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

// Package accounts is the typed view over one gapps_accounts mirror row.
// Fields go through a registry with per-field read-only and mandatory
// flags, and writes track dirty columns so updates touch only what
// changed.
package accounts

import (
	"context"
	"fmt"

	"gappsd/internal/faults"
)

// Store is the SQL boundary the account entity persists through.
type Store interface {
	GetAccountRow(ctx context.Context, accountName string) (map[string]any, error)
	InsertAccount(ctx context.Context, values map[string]any) error
	UpdateAccount(ctx context.Context, accountName string, values map[string]any) error
	DeleteAccount(ctx context.Context, accountName string) error
}

// field registry for gapps_accounts. g_account_name is the key and never
// changes after creation.
type fieldSpec struct {
	mandatory bool
	readOnly  bool
}

var fields = map[string]fieldSpec{
	"g_account_id":   {},
	"g_account_name": {mandatory: true, readOnly: true},
	"g_first_name":   {mandatory: true},
	"g_last_name":    {mandatory: true},
	"g_status":       {},
	"g_admin":        {},
	"g_suspension":   {},
	"r_disk_usage":   {},
	"r_creation":     {},
	"r_last_login":   {},
	"r_last_webmail": {},
}

// Account is the in-memory image of one mirror row.
type Account struct {
	name    string
	data    map[string]any
	changed map[string]bool
}

// New starts an empty account keyed by name, for rows that do not exist in
// the mirror yet.
func New(name string) *Account {
	return &Account{
		name:    name,
		data:    map[string]any{"g_account_name": name},
		changed: make(map[string]bool),
	}
}

// FromRow wraps an already-fetched mirror row. Columns outside the field
// registry are dropped.
func FromRow(name string, row map[string]any) (*Account, error) {
	if rowName, ok := row["g_account_name"].(string); ok && rowName != name {
		return nil, faults.Permanentf(
			"got different account names from two sources (%s - %s)", name, rowName)
	}
	a := New(name)
	for column, value := range row {
		if _, ok := fields[column]; ok {
			a.data[column] = value
		}
	}
	return a, nil
}

// Load fetches the mirror row for name. Returns nil when the account is
// not mirrored.
func Load(ctx context.Context, st Store, name string) (*Account, error) {
	row, err := st.GetAccountRow(ctx, name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return FromRow(name, row)
}

// Name returns the account key.
func (a *Account) Name() string { return a.name }

// Get returns the value of one field, or nil when unset.
func (a *Account) Get(key string) any {
	return a.data[key]
}

// GetString returns the field rendered as a string, or "" when unset.
func (a *Account) GetString(key string) string {
	value := a.data[key]
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// GetBool reads a boolean field. MySQL drivers hand booleans back as
// integers, so both forms are accepted.
func (a *Account) GetBool(key string) bool {
	switch v := a.data[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "1" || v == "true"
	default:
		return false
	}
}

// Set updates one field and marks it dirty if the value changed. Writing a
// read-only or unknown field is a permanent error.
func (a *Account) Set(key string, value any) error {
	spec, ok := fields[key]
	if !ok || spec.readOnly {
		return faults.Permanentf("non-existent or read-only account field '%s'", key)
	}
	if current, present := a.data[key]; !present || current != value {
		a.changed[key] = true
	}
	a.data[key] = value
	return nil
}

// Create inserts the account as a new mirror row. All mandatory fields
// must be set.
func (a *Account) Create(ctx context.Context, st Store) error {
	existing, err := st.GetAccountRow(ctx, a.name)
	if err != nil {
		return err
	}
	if existing != nil {
		return faults.Permanentf("account '%s' already exists in the mirror", a.name)
	}

	values := make(map[string]any)
	for column, spec := range fields {
		value, present := a.data[column]
		if spec.mandatory && !present {
			return faults.Permanentf("missing field '%s' for account create", column)
		}
		if present {
			values[column] = value
		}
	}
	return st.InsertAccount(ctx, values)
}

// Update persists the dirty fields and resets the dirty set. A clean
// account is a no-op.
func (a *Account) Update(ctx context.Context, st Store) error {
	values := make(map[string]any)
	for column := range a.changed {
		values[column] = a.data[column]
	}
	if len(values) == 0 {
		return nil
	}
	if err := st.UpdateAccount(ctx, a.name, values); err != nil {
		return err
	}
	a.changed = make(map[string]bool)
	return nil
}

// Delete removes the mirror row.
func (a *Account) Delete(ctx context.Context, st Store) error {
	return st.DeleteAccount(ctx, a.name)
}
