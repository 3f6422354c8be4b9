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

// Package console is the interactive runner for admin-parked jobs. It
// serves the admin partition of the queue one row at a time, shows the
// full job to the operator, and executes it through the scheduler's
// processing path only after an explicit confirmation.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gappsd/internal/config"
	"gappsd/internal/jobs"
	"gappsd/internal/queue"
	"gappsd/pkg/models"
)

// Store adds the admin partition to the scheduler's SQL surface.
type Store interface {
	queue.Store
	NextAdminJob(ctx context.Context) (*models.QueueRow, error)
}

// Console drives the admin queue interactively.
type Console struct {
	cfg      *config.Config
	store    Store
	registry *jobs.Registry
	manager  *queue.Manager
	logger   *slog.Logger

	in  *bufio.Reader
	out io.Writer
}

// New builds a console. The caller is expected to have forced privileged
// mode in cfg so parked handlers execute instead of re-parking.
func New(cfg *config.Config, st Store, registry *jobs.Registry, logger *slog.Logger, in io.Reader, out io.Writer) *Console {
	return &Console{
		cfg:      cfg,
		store:    st,
		registry: registry,
		manager:  queue.NewManager(cfg, st, registry, logger),
		logger:   logger,
		in:       bufio.NewReader(in),
		out:      out,
	}
}

// Run serves admin-parked jobs until the partition is empty or the
// operator declines one.
func (c *Console) Run(ctx context.Context) error {
	for {
		row, err := c.store.NextAdminJob(ctx)
		if err != nil {
			return err
		}
		if row == nil {
			fmt.Fprintln(c.out, "No admin request left, terminating.")
			return nil
		}

		handler, err := c.registry.Instantiate(c.cfg, c.store, c.logger, row)
		if err != nil {
			var contentErr *jobs.ContentError
			if !errors.As(err, &contentErr) {
				return err
			}
			fmt.Fprintf(c.out, "Skipping job %d: %s\n", row.ID, contentErr.Reason)
			if err := jobs.MarkFailed(ctx, c.store, row.ID,
				fmt.Sprintf("Job instantiation error: %s", contentErr.Reason)); err != nil {
				return err
			}
			continue
		}

		j := handler.Job()
		fmt.Fprintln(c.out, j.Verbose())
		confirmed, err := c.confirm()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Fprintln(c.out, "Aborting ...")
			return nil
		}

		if err := j.MarkActive(ctx); err != nil {
			return err
		}
		if err := c.manager.ProcessJob(ctx, handler); err != nil {
			return err
		}
		status, _ := j.Status()
		fmt.Fprintf(c.out, "Job %d finished with status '%s'.\n\n", j.ID(), status)
	}
}

// confirm asks the operator to approve the displayed job. Anything but a
// leading 'y' declines; end of input declines too.
func (c *Console) confirm() (bool, error) {
	fmt.Fprint(c.out, "Confirm execution of this job ? (n/y) ")
	answer, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.TrimSpace(answer)
	return strings.HasPrefix(strings.ToLower(answer), "y"), nil
}
