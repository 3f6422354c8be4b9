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

package accounts

import (
	"context"
	"sync"
	"testing"

	"gappsd/internal/faults"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]map[string]any
	inserts []map[string]any
	updates []map[string]any
	deletes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]map[string]any)}
}

func (f *fakeStore) GetAccountRow(_ context.Context, name string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]any, len(row))
	for k, v := range row {
		copied[k] = v
	}
	return copied, nil
}

func (f *fakeStore) InsertAccount(_ context.Context, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, values)
	f.rows[values["g_account_name"].(string)] = values
	return nil
}

func (f *fakeStore) UpdateAccount(_ context.Context, name string, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, values)
	row := f.rows[name]
	for k, v := range values {
		row[k] = v
	}
	return nil
}

func (f *fakeStore) DeleteAccount(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	delete(f.rows, name)
	return nil
}

func TestSetTracksDirtyFields(t *testing.T) {
	a := New("jdoe")
	if err := a.Set("g_first_name", "John"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := a.Set("g_first_name", "John"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !a.changed["g_first_name"] {
		t.Error("g_first_name not marked dirty")
	}
	if a.changed["g_last_name"] {
		t.Error("untouched field marked dirty")
	}
}

func TestSetRejectsReadOnlyAndUnknownFields(t *testing.T) {
	a := New("jdoe")
	for _, key := range []string{"g_account_name", "g_shoe_size"} {
		err := a.Set(key, "x")
		if !faults.IsPermanent(err) {
			t.Errorf("Set(%s) error = %v, want permanent", key, err)
		}
	}
}

func TestCreateRequiresMandatoryFields(t *testing.T) {
	st := newFakeStore()
	a := New("jdoe")
	a.Set("g_first_name", "John")

	err := a.Create(context.Background(), st)
	if !faults.IsPermanent(err) {
		t.Fatalf("Create() error = %v, want permanent (missing g_last_name)", err)
	}
	if len(st.inserts) != 0 {
		t.Error("Create() inserted despite missing field")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	st := newFakeStore()
	st.rows["jdoe"] = map[string]any{"g_account_name": "jdoe"}

	a := New("jdoe")
	a.Set("g_first_name", "John")
	a.Set("g_last_name", "Doe")
	if err := a.Create(context.Background(), st); !faults.IsPermanent(err) {
		t.Fatalf("Create() error = %v, want permanent", err)
	}
}

func TestCreateAndUpdateRoundTrip(t *testing.T) {
	st := newFakeStore()
	a := New("jdoe")
	a.Set("g_first_name", "John")
	a.Set("g_last_name", "Doe")
	a.Set("g_status", "active")
	if err := a.Create(context.Background(), st); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	loaded, err := Load(context.Background(), st, "jdoe")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() = nil after Create")
	}
	loaded.Set("g_status", "disabled")
	if err := loaded.Update(context.Background(), st); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(st.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(st.updates))
	}
	values := st.updates[0]
	if len(values) != 1 || values["g_status"] != "disabled" {
		t.Errorf("Update() wrote %v, want only g_status", values)
	}

	// A clean entity must not touch the database again.
	if err := loaded.Update(context.Background(), st); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(st.updates) != 1 {
		t.Error("Update() on a clean account hit the store")
	}
}

func TestLoadMissingAccount(t *testing.T) {
	a, err := Load(context.Background(), newFakeStore(), "ghost")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if a != nil {
		t.Errorf("Load() = %v, want nil", a)
	}
}

func TestFromRowNameMismatch(t *testing.T) {
	_, err := FromRow("jdoe", map[string]any{"g_account_name": "other"})
	if !faults.IsPermanent(err) {
		t.Errorf("FromRow() error = %v, want permanent", err)
	}
}

func TestGetBoolAcceptsDriverIntegers(t *testing.T) {
	a, err := FromRow("jdoe", map[string]any{
		"g_account_name": "jdoe",
		"g_admin":        int64(1),
	})
	if err != nil {
		t.Fatalf("FromRow() error = %v", err)
	}
	if !a.GetBool("g_admin") {
		t.Error("GetBool(g_admin) = false, want true")
	}
	if a.GetBool("g_suspension") {
		t.Error("GetBool(unset) = true, want false")
	}
}
