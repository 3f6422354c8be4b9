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

// Package workspace wraps the Google Admin Directory and Reports APIs
// behind clients that authenticate with a domain-wide service account and
// return fault-classified errors. Clients build their API service lazily
// and drop it on 401 so the next call re-authenticates; token state is
// only touched from the single poll loop.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/googleapi"

	"gappsd/internal/config"
	"gappsd/internal/faults"
)

// requestTimeout bounds every HTTP call so a stalled API surfaces as a
// transient error instead of blocking the poll loop.
const requestTimeout = 30 * time.Second

// apiClient builds an authenticated HTTP client for the given scope,
// impersonating the configured administrator.
func apiClient(cfg config.Google, scope string) (*http.Client, error) {
	key, err := os.ReadFile(cfg.OAuth2Secret)
	if err != nil {
		return nil, faults.Wrap(faults.KindCredential,
			fmt.Errorf("failed to read service account key: %w", err))
	}
	conf := &jwt.Config{
		Email:      cfg.OAuth2Client,
		PrivateKey: key,
		Scopes:     []string{scope},
		TokenURL:   google.JWTTokenURL,
		Subject:    cfg.OAuth2User,
	}
	client := conf.Client(context.Background())
	client.Timeout = requestTimeout
	return client, nil
}

// classify maps an API failure onto the fault taxonomy: a refused token
// grant is a credential fault, 401 and 5xx are transient, 403 counts as a
// credential refusal, every other 4xx is a semantic rejection, and
// network-level failures or unrecognized errors are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return faults.Wrap(faults.KindCredential, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return faults.Wrap(faults.KindTransient, err)
		case apiErr.Code == http.StatusForbidden:
			return faults.Wrap(faults.KindCredential, err)
		case apiErr.Code >= 500:
			return faults.Wrap(faults.KindTransient, err)
		case apiErr.Code >= 400:
			return faults.Wrap(faults.KindPermanent, err)
		}
	}

	return faults.Wrap(faults.KindTransient, err)
}

// isNotFound reports whether err is an HTTP 404 from the API.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// isUnauthorized reports whether err is an HTTP 401 from the API.
func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// qualify appends the domain to a bare username. Already-qualified names
// pass through.
func qualify(username, domain string) string {
	if strings.Contains(username, "@") {
		return username
	}
	return username + "@" + domain
}

// bare strips the domain part off an email address.
func bare(email string) string {
	if at := strings.Index(email, "@"); at >= 0 {
		return email[:at]
	}
	return email
}
