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

package workspace

import (
	"context"
	"fmt"

	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"gappsd/internal/config"
)

const directoryScope = admin.AdminDirectoryUserScope

// listPageSize bounds one page of a directory enumeration.
const listPageSize = 500

// Directory is the client for user and alias operations against the Admin
// Directory API.
type Directory struct {
	cfg config.Google
	svc *admin.Service

	newService func(ctx context.Context) (*admin.Service, error)
}

// NewDirectory builds a directory client. The API service is constructed
// on first use.
func NewDirectory(cfg config.Google) *Directory {
	d := &Directory{cfg: cfg}
	d.newService = d.buildService
	return d
}

func (d *Directory) buildService(ctx context.Context) (*admin.Service, error) {
	client, err := apiClient(d.cfg, directoryScope)
	if err != nil {
		return nil, err
	}
	return admin.NewService(ctx, option.WithHTTPClient(client))
}

func (d *Directory) service(ctx context.Context) (*admin.Service, error) {
	if d.svc != nil {
		return d.svc, nil
	}
	svc, err := d.newService(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to build directory service: %w", err))
	}
	d.svc = svc
	return svc, nil
}

// handle classifies an API error, dropping the cached service on 401 so
// the next call authenticates afresh.
func (d *Directory) handle(err error) error {
	if isUnauthorized(err) {
		d.svc = nil
	}
	return classify(err)
}

// Logout drops the cached service and its token.
func (d *Directory) Logout() {
	d.svc = nil
}

// Qualify appends the configured domain to a bare username.
func (d *Directory) Qualify(username string) string {
	return qualify(username, d.cfg.Domain)
}

// RetrieveUser fetches one user. A 404 means the user is absent and
// returns nil rather than an error.
func (d *Directory) RetrieveUser(ctx context.Context, username string) (*admin.User, error) {
	svc, err := d.service(ctx)
	if err != nil {
		return nil, err
	}
	user, err := svc.Users.Get(d.Qualify(username)).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, d.handle(fmt.Errorf("failed to retrieve user %s: %w", username, err))
	}
	return user, nil
}

// CreateUser provisions a new user.
func (d *Directory) CreateUser(ctx context.Context, user *admin.User) (*admin.User, error) {
	svc, err := d.service(ctx)
	if err != nil {
		return nil, err
	}
	created, err := svc.Users.Insert(user).Context(ctx).Do()
	if err != nil {
		return nil, d.handle(fmt.Errorf("failed to create user %s: %w", user.PrimaryEmail, err))
	}
	return created, nil
}

// UpdateUser applies the given user document to an existing user.
func (d *Directory) UpdateUser(ctx context.Context, username string, user *admin.User) (*admin.User, error) {
	svc, err := d.service(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Users.Update(d.Qualify(username), user).Context(ctx).Do()
	if err != nil {
		return nil, d.handle(fmt.Errorf("failed to update user %s: %w", username, err))
	}
	return updated, nil
}

// DeleteUser removes a user.
func (d *Directory) DeleteUser(ctx context.Context, username string) error {
	svc, err := d.service(ctx)
	if err != nil {
		return err
	}
	if err := svc.Users.Delete(d.Qualify(username)).Context(ctx).Do(); err != nil {
		return d.handle(fmt.Errorf("failed to delete user %s: %w", username, err))
	}
	return nil
}

// ListAliases returns the qualified aliases of one user. A 404 means the
// user is absent and returns an empty list.
func (d *Directory) ListAliases(ctx context.Context, username string) ([]string, error) {
	svc, err := d.service(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Aliases.List(d.Qualify(username)).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, d.handle(fmt.Errorf("failed to list aliases of %s: %w", username, err))
	}
	aliases := make([]string, 0, len(resp.Aliases))
	for _, entry := range resp.Aliases {
		if alias, ok := aliasValue(entry); ok {
			aliases = append(aliases, alias)
		}
	}
	return aliases, nil
}

// CreateAlias adds an alias to the given user.
func (d *Directory) CreateAlias(ctx context.Context, username, alias string) error {
	svc, err := d.service(ctx)
	if err != nil {
		return err
	}
	body := &admin.Alias{Alias: qualify(alias, d.cfg.Domain)}
	_, err = svc.Users.Aliases.Insert(d.Qualify(username), body).Context(ctx).Do()
	if err != nil {
		return d.handle(fmt.Errorf("failed to create alias %s: %w", alias, err))
	}
	return nil
}

// DeleteAlias removes an alias from the given user.
func (d *Directory) DeleteAlias(ctx context.Context, username, alias string) error {
	svc, err := d.service(ctx)
	if err != nil {
		return err
	}
	err = svc.Users.Aliases.Delete(d.Qualify(username), qualify(alias, d.cfg.Domain)).Context(ctx).Do()
	if err != nil {
		return d.handle(fmt.Errorf("failed to delete alias %s: %w", alias, err))
	}
	return nil
}

// ListAllAliases enumerates every user of the customer by paging and
// returns the bare alias to bare owner mapping.
func (d *Directory) ListAllAliases(ctx context.Context) (map[string]string, error) {
	svc, err := d.service(ctx)
	if err != nil {
		return nil, err
	}

	aliases := make(map[string]string)
	pageToken := ""
	for {
		call := svc.Users.List().Customer(d.cfg.Customer).MaxResults(listPageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, d.handle(fmt.Errorf("failed to list users: %w", err))
		}
		for _, user := range page.Users {
			owner := bare(user.PrimaryEmail)
			for _, alias := range user.Aliases {
				aliases[bare(alias)] = owner
			}
		}
		if page.NextPageToken == "" {
			return aliases, nil
		}
		pageToken = page.NextPageToken
	}
}

// aliasValue extracts the alias address from one entry of an alias list
// response, which the API types as a bare interface.
func aliasValue(entry any) (string, bool) {
	switch v := entry.(type) {
	case *admin.Alias:
		return v.Alias, true
	case map[string]any:
		alias, ok := v["alias"].(string)
		return alias, ok
	default:
		return "", false
	}
}
