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

// Package provisioning implements the directory job handlers: user
// create, update, delete and sync, plus nickname create, delete and
// resync. Handlers validate their parameters against per-field patterns
// at construction, call the Directory API, and keep the local mirror in
// step.
package provisioning

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	admin "google.golang.org/api/admin/directory/v1"

	"gappsd/internal/jobs"
	"gappsd/pkg/models"
)

// Directory is the remote API surface the handlers run against.
type Directory interface {
	Qualify(username string) string
	RetrieveUser(ctx context.Context, username string) (*admin.User, error)
	CreateUser(ctx context.Context, user *admin.User) (*admin.User, error)
	UpdateUser(ctx context.Context, username string, user *admin.User) (*admin.User, error)
	DeleteUser(ctx context.Context, username string) error
	ListAliases(ctx context.Context, username string) ([]string, error)
	CreateAlias(ctx context.Context, username, alias string) error
	DeleteAlias(ctx context.Context, username, alias string) error
	ListAllAliases(ctx context.Context) (map[string]string, error)
}

// Mirror is the SQL surface the handlers mirror state into.
type Mirror interface {
	GetAccountRow(ctx context.Context, accountName string) (map[string]any, error)
	InsertAccount(ctx context.Context, values map[string]any) error
	UpdateAccount(ctx context.Context, accountName string, values map[string]any) error
	DeleteAccount(ctx context.Context, accountName string) error

	GetNickname(ctx context.Context, alias string) (*models.Nickname, error)
	ListNicknames(ctx context.Context) ([]models.Nickname, error)
	InsertNickname(ctx context.Context, nickname models.Nickname) error
	DeleteNickname(ctx context.Context, alias string) error
}

// Deps carries what every directory handler needs. Privileged mirrors
// gappsd.admin-only-jobs; the admin console forces it on so parked jobs
// execute to completion.
type Deps struct {
	Directory  Directory
	Mirror     Mirror
	Logger     *slog.Logger
	Privileged bool
}

// Register binds the directory job types into the registry.
func Register(r *jobs.Registry, deps Deps) {
	r.Register("u_create", func(j *jobs.Job) (jobs.Handler, error) { return newUserCreate(deps, j) })
	r.Register("u_delete", func(j *jobs.Job) (jobs.Handler, error) { return newUserDelete(deps, j) })
	r.Register("u_update", func(j *jobs.Job) (jobs.Handler, error) { return newUserUpdate(deps, j) })
	r.Register("u_sync", func(j *jobs.Job) (jobs.Handler, error) { return newUserSync(deps, j) })
	r.Register("n_create", func(j *jobs.Job) (jobs.Handler, error) { return newNicknameCreate(deps, j) })
	r.Register("n_delete", func(j *jobs.Job) (jobs.Handler, error) { return newNicknameDelete(deps, j) })
	r.Register("n_resync", func(j *jobs.Job) (jobs.Handler, error) { return newNicknameResync(deps, j) })
}

// Parameter patterns. Names allow unicode letters the way the front-end
// producers write them; passwords arrive as SHA-1 hex digests.
var (
	usernamePattern  = regexp.MustCompile(`(?i)^[a-z0-9._-]+`)
	namePattern      = regexp.MustCompile(`^[\p{L}\p{N}_ /.'-]{1,40}$`)
	passwordPattern  = regexp.MustCompile(`(?i)^[a-f0-9]{40}$`)
	suspendedPattern = regexp.MustCompile(`(?i)^(true|false)$`)
)

var userFieldPatterns = map[string]*regexp.Regexp{
	"username":   usernamePattern,
	"first_name": namePattern,
	"last_name":  namePattern,
	"password":   passwordPattern,
	"suspended":  suspendedPattern,
}

var nicknameFieldPatterns = map[string]*regexp.Regexp{
	"username": usernamePattern,
	"nickname": usernamePattern,
}

// checkParams verifies the mandatory fields are present and every known
// field matches its pattern. Failures are content errors: the row is
// unrunnable and hard-fails without dispatch.
func checkParams(j *jobs.Job, patterns map[string]*regexp.Regexp, mandatory ...string) error {
	params := j.Params()
	for _, field := range mandatory {
		if !params.Has(field) {
			return jobs.Contentf("Field '%s' missing.", field)
		}
	}
	for field, pattern := range patterns {
		if !params.Has(field) {
			continue
		}
		if !pattern.MatchString(params.String(field)) {
			return jobs.Contentf("Field '%s' did not match regexp '%s'.", field, pattern)
		}
	}
	return nil
}

// bareName strips the domain part off a username so it can key the
// mirror tables.
func bareName(username string) string {
	if at := strings.Index(username, "@"); at >= 0 {
		return username[:at]
	}
	return username
}

// hasAlias reports whether the qualified alias list contains the alias,
// compared in bare form.
func hasAlias(aliases []string, alias string) bool {
	want := bareName(alias)
	for _, have := range aliases {
		if bareName(have) == want {
			return true
		}
	}
	return false
}

// handler is the base of every directory handler.
type handler struct {
	deps Deps
	job  *jobs.Job
}

func (h *handler) Job() *jobs.Job { return h.job }

func (h *handler) username() string {
	return h.job.Params().String("username")
}
