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

package jobs

import (
	"context"
	"log/slog"
	"sort"

	"gappsd/internal/config"
	"gappsd/pkg/models"
)

// Handler is one executable job. Run must terminate by returning nil
// (implying success unless the handler transitioned the row itself), by
// moving the row through Job.Update or Job.MarkAdmin, or by returning a
// fault-classified error.
type Handler interface {
	Run(ctx context.Context) error

	// Job exposes the queue row under processing.
	Job() *Job

	// HasSideEffects reports whether Run may mutate remote state. The
	// read-only gate refuses such handlers without calling Run.
	HasSideEffects() bool
}

// Constructor builds a handler around an instantiated job. Returning a
// ContentError marks the row as permanently failed.
type Constructor func(j *Job) (Handler, error)

// Registry maps j_type tags to handler constructors. Handler packages
// register their constructors once at startup; dispatch happens through
// Instantiate.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a job type tag to its constructor. Re-registering a tag
// replaces the previous constructor.
func (r *Registry) Register(tag string, c Constructor) {
	r.constructors[tag] = c
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	tags := make([]string, 0, len(r.constructors))
	for tag := range r.constructors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Instantiate builds the handler for one fetched queue row. An unknown tag
// or an invalid row yields a ContentError; the scheduler hard-fails such
// rows without dispatching them.
func (r *Registry) Instantiate(cfg *config.Config, st Store, logger *slog.Logger, row *models.QueueRow) (Handler, error) {
	constructor, ok := r.constructors[row.Type]
	if !ok {
		return nil, Contentf("Unknown job type '%s'.", row.Type)
	}
	j, err := NewJob(cfg, st, logger, row)
	if err != nil {
		return nil, err
	}
	return constructor(j)
}
