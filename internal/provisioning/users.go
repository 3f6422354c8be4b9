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

package provisioning

import (
	"context"
	"strings"

	admin "google.golang.org/api/admin/directory/v1"

	"gappsd/internal/accounts"
	"gappsd/internal/faults"
	"gappsd/internal/jobs"
	"gappsd/pkg/models"
)

// passwordHashFunction is the digest form the front-end hands passwords
// over in.
const passwordHashFunction = "SHA-1"

// userCreate provisions a new directory user and mirrors it locally.
type userCreate struct {
	handler
}

func newUserCreate(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, userFieldPatterns,
		"username", "first_name", "last_name", "password"); err != nil {
		return nil, err
	}
	return &userCreate{handler{deps: deps, job: j}}, nil
}

func (h *userCreate) HasSideEffects() bool { return true }

func (h *userCreate) Run(ctx context.Context) error {
	params := h.job.Params()
	username := h.username()

	existing, err := h.deps.Directory.RetrieveUser(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return faults.Permanentf("An account for user '%s' already exists.", username)
	}

	user := &admin.User{
		PrimaryEmail: h.deps.Directory.Qualify(username),
		Name: &admin.UserName{
			GivenName:  params.String("first_name"),
			FamilyName: params.String("last_name"),
		},
		Password:     params.String("password"),
		HashFunction: passwordHashFunction,
	}
	if params.Has("suspended") {
		user.Suspended = parseBoolParam(params.String("suspended"))
		user.ForceSendFields = append(user.ForceSendFields, "Suspended")
	}
	created, err := h.deps.Directory.CreateUser(ctx, user)
	if err != nil {
		return err
	}

	local, err := accounts.Load(ctx, h.deps.Mirror, bareName(username))
	if err != nil {
		return err
	}
	if err := synchronize(ctx, h.deps, local, created); err != nil {
		return err
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// userDelete removes a directory user. Deletions only run in privileged
// mode; the unprivileged daemon parks them for the admin console.
type userDelete struct {
	handler
}

func newUserDelete(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, userFieldPatterns, "username"); err != nil {
		return nil, err
	}
	return &userDelete{handler{deps: deps, job: j}}, nil
}

func (h *userDelete) HasSideEffects() bool { return true }

func (h *userDelete) Run(ctx context.Context) error {
	if !h.deps.Privileged {
		return h.job.MarkAdmin(ctx)
	}
	username := h.username()

	user, err := h.deps.Directory.RetrieveUser(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return faults.Permanentf("User '%s' did not exist. Deletion failed.", username)
	}
	if user.IsAdmin {
		return faults.Permanent("Administrators cannot be deleted directly, you" +
			" must remove their admin status first.")
	}

	if err := h.deps.Directory.DeleteUser(ctx, username); err != nil {
		return err
	}
	local, err := accounts.Load(ctx, h.deps.Mirror, bareName(username))
	if err != nil {
		return err
	}
	if local != nil {
		if err := local.Delete(ctx, h.deps.Mirror); err != nil {
			return err
		}
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// userUpdate applies requested field changes to an existing directory
// user. Unprivileged daemons park any request that grants or drops the
// admin bit, or that touches the password or suspension of an
// administrator.
type userUpdate struct {
	handler
}

func newUserUpdate(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, userFieldPatterns, "username"); err != nil {
		return nil, err
	}
	return &userUpdate{handler{deps: deps, job: j}}, nil
}

func (h *userUpdate) HasSideEffects() bool { return true }

func (h *userUpdate) Run(ctx context.Context) error {
	params := h.job.Params()
	username := h.username()

	user, err := h.deps.Directory.RetrieveUser(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return faults.Permanentf("User '%s' do not exist, cannot update its account.", username)
	}

	if !h.deps.Privileged {
		if params.Has("admin") ||
			(user.IsAdmin && (params.Has("suspended") || params.Has("password"))) {
			return h.job.MarkAdmin(ctx)
		}
	}

	if params.Has("admin") {
		user.IsAdmin = parseBoolParam(params.String("admin"))
		user.ForceSendFields = append(user.ForceSendFields, "IsAdmin")
	}
	if user.Name == nil {
		user.Name = &admin.UserName{}
	}
	if params.Has("first_name") {
		user.Name.GivenName = params.String("first_name")
	}
	if params.Has("last_name") {
		user.Name.FamilyName = params.String("last_name")
	}
	if params.Has("password") {
		user.Password = params.String("password")
		user.HashFunction = passwordHashFunction
	}
	if params.Has("suspended") {
		user.Suspended = parseBoolParam(params.String("suspended"))
		user.ForceSendFields = append(user.ForceSendFields, "Suspended")
	}

	updated, err := h.deps.Directory.UpdateUser(ctx, username, user)
	if err != nil {
		return err
	}

	local, err := accounts.Load(ctx, h.deps.Mirror, bareName(username))
	if err != nil {
		return err
	}
	if err := synchronize(ctx, h.deps, local, updated); err != nil {
		return err
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// userSync reconciles the mirror row of one user with the directory.
// The flow is one-way: the directory is authoritative.
type userSync struct {
	handler
}

func newUserSync(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, userFieldPatterns, "username"); err != nil {
		return nil, err
	}
	return &userSync{handler{deps: deps, job: j}}, nil
}

func (h *userSync) HasSideEffects() bool { return false }

func (h *userSync) Run(ctx context.Context) error {
	username := h.username()

	local, err := accounts.Load(ctx, h.deps.Mirror, bareName(username))
	if err != nil {
		return err
	}
	user, err := h.deps.Directory.RetrieveUser(ctx, username)
	if err != nil {
		return err
	}
	if err := synchronize(ctx, h.deps, local, user); err != nil {
		return err
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// synchronize folds a directory user into the mirror: creates the row
// when only the directory knows the user, resets it to unprovisioned
// when only the mirror does, and copies the directory state otherwise.
func synchronize(ctx context.Context, deps Deps, local *accounts.Account, user *admin.User) error {
	switch {
	case local == nil && user == nil:
		return nil
	case local == nil:
		return mirrorFromDirectory(ctx, deps, user)
	case user == nil:
		return resetMirror(ctx, deps, local)
	default:
		return copyDirectoryState(ctx, deps, local, user)
	}
}

func mirrorFromDirectory(ctx context.Context, deps Deps, user *admin.User) error {
	a := accounts.New(bareName(user.PrimaryEmail))
	if user.Name != nil {
		a.Set("g_first_name", user.Name.GivenName)
		a.Set("g_last_name", user.Name.FamilyName)
	}
	a.Set("g_status", accountStatus(user.Suspended))
	a.Set("g_admin", user.IsAdmin)
	return a.Create(ctx, deps.Mirror)
}

func resetMirror(ctx context.Context, deps Deps, local *accounts.Account) error {
	for _, column := range []string{
		"g_account_id", "g_admin", "g_suspension",
		"r_disk_usage", "r_creation", "r_last_login", "r_last_webmail",
	} {
		local.Set(column, nil)
	}
	local.Set("g_status", models.AccountUnprovisioned)
	return local.Update(ctx, deps.Mirror)
}

func copyDirectoryState(ctx context.Context, deps Deps, local *accounts.Account, user *admin.User) error {
	userName := bareName(user.PrimaryEmail)
	if localName := local.GetString("g_account_name"); localName != userName {
		return faults.Permanentf(
			"Cannot synchronize accounts with different usernames (%s - %s)",
			localName, userName)
	}

	if user.Name != nil {
		local.Set("g_first_name", user.Name.GivenName)
		local.Set("g_last_name", user.Name.FamilyName)
	}

	localStatus := local.GetString("g_status")
	if localStatus == "" {
		localStatus = models.AccountUnprovisioned
	}
	if user.Suspended && localStatus != models.AccountDisabled {
		deps.Logger.Error("Account is now suspended",
			"account", local.Name(), "reason", local.GetString("g_suspension"))
	}

	localAdmin := local.GetBool("g_admin")
	if user.IsAdmin && !localAdmin {
		deps.Logger.Error("Account is now administrator of the domain",
			"account", local.Name())
	} else if !user.IsAdmin && localAdmin {
		deps.Logger.Error("Account is not anymore administrator of the domain",
			"account", local.Name())
	}

	local.Set("g_admin", user.IsAdmin)
	local.Set("g_status", accountStatus(user.Suspended))
	return local.Update(ctx, deps.Mirror)
}

func accountStatus(suspended bool) string {
	if suspended {
		return models.AccountDisabled
	}
	return models.AccountActive
}

// parseBoolParam reads the true/false parameter values the front-end
// writes. Values are pattern-checked beforehand so anything else is
// false.
func parseBoolParam(value string) bool {
	return strings.EqualFold(value, "true")
}
