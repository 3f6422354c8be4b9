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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gappsd/internal/config"
	"gappsd/pkg/models"
)

const reportsScope = reports.AdminReportsUsageReadonlyScope

// apiDateFormat is the date form the usage endpoints take.
const apiDateFormat = "2006-01-02"

// mirrorDateFormat is the YYYYMMDD form the account mirror compares
// report dates in.
const mirrorDateFormat = "20060102"

// Reports is the client for the customer and per-user usage reports. The
// cached token is dropped after tokenValidity even when the API still
// accepts it, and on 401.
type Reports struct {
	cfg           config.Google
	tokenValidity time.Duration
	pacific       *time.Location

	svc     *reports.Service
	expires time.Time

	now        func() time.Time
	newService func(ctx context.Context) (*reports.Service, error)
}

// NewReports builds a reports client. The latest-report-date rule runs on
// Pacific time, so the location must be loadable.
func NewReports(cfg config.Google, tokenValidity time.Duration) (*Reports, error) {
	pacific, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return nil, fmt.Errorf("failed to load Pacific time zone: %w", err)
	}
	r := &Reports{
		cfg:           cfg,
		tokenValidity: tokenValidity,
		pacific:       pacific,
		now:           time.Now,
	}
	r.newService = r.buildService
	return r, nil
}

func (r *Reports) buildService(ctx context.Context) (*reports.Service, error) {
	client, err := apiClient(r.cfg, reportsScope)
	if err != nil {
		return nil, err
	}
	return reports.NewService(ctx, option.WithHTTPClient(client))
}

func (r *Reports) service(ctx context.Context) (*reports.Service, error) {
	if r.svc != nil && r.now().Before(r.expires) {
		return r.svc, nil
	}
	svc, err := r.newService(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to build reports service: %w", err))
	}
	r.svc = svc
	r.expires = r.now().Add(r.tokenValidity)
	return svc, nil
}

func (r *Reports) handle(err error) error {
	if isUnauthorized(err) {
		r.svc = nil
	}
	return classify(err)
}

// Logout drops the cached service and its token.
func (r *Reports) Logout() {
	r.svc = nil
	r.expires = time.Time{}
}

// LatestReportDate returns the most recent date a usage report can exist
// for: yesterday once it is past noon Pacific, the day before otherwise.
func (r *Reports) LatestReportDate() time.Time {
	now := r.now().In(r.pacific)
	lag := 2
	if now.Hour() >= 12 {
		lag = 1
	}
	day := now.AddDate(0, 0, -lag)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// CustomerUsage fetches the domain-wide usage counters for one date. The
// found result is false when the report for that date is not published
// yet.
func (r *Reports) CustomerUsage(ctx context.Context, date time.Time) (*models.UsageReport, bool, error) {
	svc, err := r.service(ctx)
	if err != nil {
		return nil, false, err
	}
	resp, err := svc.CustomerUsageReports.Get(date.Format(apiDateFormat)).Context(ctx).Do()
	if err != nil {
		if isReportUnavailable(err) {
			return nil, false, nil
		}
		return nil, false, r.handle(fmt.Errorf("failed to fetch customer usage: %w", err))
	}
	if len(resp.UsageReports) == 0 {
		return nil, false, nil
	}

	report := &models.UsageReport{Date: date.Format(apiDateFormat)}
	for _, param := range resp.UsageReports[0].Parameters {
		switch param.Name {
		case "accounts:num_users":
			report.NumAccounts = param.IntValue
		case "accounts:num_1day_logins":
			report.Count1DayActives = param.IntValue
		case "accounts:num_7day_logins":
			report.Count7DayActives = param.IntValue
		case "accounts:num_14day_logins":
			report.Count14DayActives = param.IntValue
		case "accounts:num_30day_logins":
			report.Count30DayActives = param.IntValue
		case "accounts:num_30day_idle":
			report.Count30DayIdle = param.IntValue
		case "accounts:num_60day_idle":
			report.Count60DayIdle = param.IntValue
		case "accounts:num_90day_idle":
			report.Count90DayIdle = param.IntValue
		case "accounts:used_quota_in_bytes":
			report.UsageInBytes = param.IntValue
		case "accounts:total_quota_in_mb":
			report.QuotaInMB = param.IntValue
		}
	}
	return report, true, nil
}

// AccountUsage enumerates the per-user usage report for one date, paging
// through every user of the domain. The found result is false when the
// report is not published yet.
func (r *Reports) AccountUsage(ctx context.Context, date time.Time) ([]models.AccountSnapshot, bool, error) {
	svc, err := r.service(ctx)
	if err != nil {
		return nil, false, err
	}

	var snapshots []models.AccountSnapshot
	pageToken := ""
	for {
		call := svc.UserUsageReport.Get("all", date.Format(apiDateFormat)).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if isReportUnavailable(err) && pageToken == "" {
				return nil, false, nil
			}
			return nil, false, r.handle(fmt.Errorf("failed to fetch account usage: %w", err))
		}
		for _, report := range resp.UsageReports {
			snapshots = append(snapshots, foldAccountReport(report))
		}
		if resp.NextPageToken == "" {
			return snapshots, true, nil
		}
		pageToken = resp.NextPageToken
	}
}

// foldAccountReport flattens one per-user usage report into the snapshot
// consumed by the account-report job.
func foldAccountReport(report *reports.UsageReport) models.AccountSnapshot {
	snapshot := models.AccountSnapshot{}
	if report.Entity != nil {
		snapshot.AccountName = bare(report.Entity.UserEmail)
		snapshot.AccountID = report.Entity.ProfileId
	}
	for _, param := range report.Parameters {
		switch param.Name {
		case "accounts:first_name":
			snapshot.GivenName = param.StringValue
		case "accounts:last_name":
			snapshot.Surname = param.StringValue
		case "accounts:used_quota_in_bytes":
			snapshot.UsageInBytes = param.IntValue
		case "accounts:creation_time":
			snapshot.CreationDate = mirrorDate(param.DatetimeValue)
		case "accounts:last_login_time":
			snapshot.LastLoginDate = mirrorDate(param.DatetimeValue)
		case "gmail:last_access_time":
			snapshot.LastWebmailDate = mirrorDate(param.DatetimeValue)
		case "accounts:disabled_reason":
			snapshot.SuspensionReason = param.StringValue
		}
	}
	return snapshot
}

// mirrorDate converts an RFC 3339 report timestamp into the YYYYMMDD form
// stored in the mirror. Unset or unparseable values become "".
func mirrorDate(value string) string {
	if value == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return ""
	}
	return at.Format(mirrorDateFormat)
}

// isReportUnavailable detects the 400 the Reports API answers when the
// requested date is not published yet; callers treat it as "no report"
// rather than a permanent failure.
func isReportUnavailable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "data for dates")
}
