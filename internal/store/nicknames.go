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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gappsd/pkg/models"
)

// Nickname mirror operations

// GetNickname returns the mirror row for one alias, or nil when the alias
// is not mirrored. Aliases are unique domain-wide, so the owner comes back
// with the row.
func (s *Store) GetNickname(ctx context.Context, alias string) (*models.Nickname, error) {
	query := `SELECT g_nickname, g_account_name FROM gapps_nicknames WHERE g_nickname = ?`

	var nickname models.Nickname
	err := s.db.GetContext(ctx, &nickname, query, alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to fetch nickname: %w", err))
	}
	return &nickname, nil
}

// ListNicknames returns every mirrored alias.
func (s *Store) ListNicknames(ctx context.Context) ([]models.Nickname, error) {
	query := `SELECT g_nickname, g_account_name FROM gapps_nicknames`

	var nicknames []models.Nickname
	if err := s.db.SelectContext(ctx, &nicknames, query); err != nil {
		return nil, classify(fmt.Errorf("failed to list nicknames: %w", err))
	}
	return nicknames, nil
}

// InsertNickname creates a new alias mirror row.
func (s *Store) InsertNickname(ctx context.Context, nickname models.Nickname) error {
	query := `INSERT INTO gapps_nicknames SET g_account_name = ?, g_nickname = ?`

	if _, err := s.db.ExecContext(ctx, query, nickname.Owner, nickname.Alias); err != nil {
		return classify(fmt.Errorf("failed to insert nickname: %w", err))
	}
	return nil
}

// DeleteNickname removes one alias mirror row.
func (s *Store) DeleteNickname(ctx context.Context, alias string) error {
	query := `DELETE FROM gapps_nicknames WHERE g_nickname = ?`

	if _, err := s.db.ExecContext(ctx, query, alias); err != nil {
		return classify(fmt.Errorf("failed to delete nickname: %w", err))
	}
	return nil
}
