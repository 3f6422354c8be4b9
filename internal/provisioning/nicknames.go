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

	"gappsd/internal/jobs"
	"gappsd/pkg/models"
)

// nicknameCreate adds an email alias to a user and records it in the
// mirror. Both sides are idempotent on pre-existence.
type nicknameCreate struct {
	handler
}

func newNicknameCreate(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, nicknameFieldPatterns, "username", "nickname"); err != nil {
		return nil, err
	}
	return &nicknameCreate{handler{deps: deps, job: j}}, nil
}

func (h *nicknameCreate) HasSideEffects() bool { return true }

func (h *nicknameCreate) Run(ctx context.Context) error {
	username := h.username()
	nickname := h.job.Params().String("nickname")

	aliases, err := h.deps.Directory.ListAliases(ctx, username)
	if err != nil {
		return err
	}
	if !hasAlias(aliases, nickname) {
		if err := h.deps.Directory.CreateAlias(ctx, username, nickname); err != nil {
			return err
		}
	}

	existing, err := h.deps.Mirror.GetNickname(ctx, nickname)
	if err != nil {
		return err
	}
	if existing == nil {
		err := h.deps.Mirror.InsertNickname(ctx, models.Nickname{
			Alias: nickname,
			Owner: bareName(username),
		})
		if err != nil {
			return err
		}
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// nicknameDelete removes an email alias. The owning user is taken from
// the job parameters when present, from the mirror otherwise; the alias
// itself is never a valid lookup key on the directory side.
type nicknameDelete struct {
	handler
}

func newNicknameDelete(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, nicknameFieldPatterns, "nickname"); err != nil {
		return nil, err
	}
	return &nicknameDelete{handler{deps: deps, job: j}}, nil
}

func (h *nicknameDelete) HasSideEffects() bool { return true }

func (h *nicknameDelete) Run(ctx context.Context) error {
	nickname := h.job.Params().String("nickname")

	owner := h.username()
	if owner == "" {
		mirrored, err := h.deps.Mirror.GetNickname(ctx, nickname)
		if err != nil {
			return err
		}
		if mirrored != nil {
			owner = mirrored.Owner
		}
	}

	if owner != "" {
		aliases, err := h.deps.Directory.ListAliases(ctx, owner)
		if err != nil {
			return err
		}
		if hasAlias(aliases, nickname) {
			if err := h.deps.Directory.DeleteAlias(ctx, owner, nickname); err != nil {
				return err
			}
		}
	}

	if err := h.deps.Mirror.DeleteNickname(ctx, nickname); err != nil {
		return err
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}

// nicknameResync replaces the mirror's alias table with the directory's
// view: missing aliases are inserted, re-owned aliases rewritten, and
// mirror-only aliases dropped.
type nicknameResync struct {
	handler
}

func newNicknameResync(deps Deps, j *jobs.Job) (jobs.Handler, error) {
	if err := checkParams(j, nicknameFieldPatterns); err != nil {
		return nil, err
	}
	return &nicknameResync{handler{deps: deps, job: j}}, nil
}

func (h *nicknameResync) HasSideEffects() bool { return false }

func (h *nicknameResync) Run(ctx context.Context) error {
	remote, err := h.deps.Directory.ListAllAliases(ctx)
	if err != nil {
		return err
	}
	mirrored, err := h.deps.Mirror.ListNicknames(ctx)
	if err != nil {
		return err
	}

	local := make(map[string]string, len(mirrored))
	for _, nickname := range mirrored {
		local[nickname.Alias] = nickname.Owner
	}

	for alias, owner := range remote {
		localOwner, known := local[alias]
		if known && localOwner == owner {
			delete(local, alias)
			continue
		}
		if known {
			if err := h.deps.Mirror.DeleteNickname(ctx, alias); err != nil {
				return err
			}
			delete(local, alias)
		}
		err := h.deps.Mirror.InsertNickname(ctx, models.Nickname{Alias: alias, Owner: owner})
		if err != nil {
			return err
		}
	}
	for alias := range local {
		if err := h.deps.Mirror.DeleteNickname(ctx, alias); err != nil {
			return err
		}
	}
	return h.job.Update(ctx, models.StatusSuccess, "")
}
