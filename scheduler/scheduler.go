// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the reservation operations of one
// resource: allocating capacity windows, reserving them into session
// carts, approving reservations into slots, and querying availability.
// All mutating operations run inside a single serializable transaction
// and are safe to call from concurrent goroutines.
package scheduler

import (
	"context"
	"time"

	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/event"
	"github.com/cobaltcore-dev/resa/registry"
	"github.com/google/uuid"
)

// Namespace used to derive resource uuids from context and scheduler
// names. Changing it would orphan all stored records.
var resourceNamespace = uuid.MustParse("68997c97-e4ab-4a9f-a4ed-6e812e6455ef")

// ResourceUUID derives the deterministic resource uuid for a scheduler
// name within a context. The same pair always maps to the same uuid,
// so schedulers can be rebuilt at will without losing their records.
func ResourceUUID(contextName, schedulerName string) uuid.UUID {
	return uuid.NewSHA1(resourceNamespace, []byte(contextName+"/"+schedulerName))
}

// Scheduler binds the reservation operations to one resource of a
// registry context. Zero or more schedulers may share a context; each
// owns the records carrying its resource uuid.
type Scheduler struct {
	// Context-bound read surface, usable independently of the resource.
	Queries

	name     string
	resource string
	loc      *time.Location
	monitor  Monitor
}

// New creates a scheduler for the given name, bound to the context's
// store and hooks. The location decides how whole-day windows and
// weekday filters are interpreted. Pass Monitor{} to run unmonitored.
func New(rctx *registry.Context, name string, loc *time.Location, monitor Monitor) *Scheduler {
	return &Scheduler{
		Queries:  NewQueries(rctx),
		name:     name,
		resource: ResourceUUID(rctx.Name(), name).String(),
		loc:      loc,
		monitor:  monitor,
	}
}

// Name of the scheduler within its context.
func (s *Scheduler) Name() string { return s.name }

// Resource uuid owning all records of this scheduler.
func (s *Scheduler) Resource() string { return s.resource }

// Timezone in which whole-day windows and weekday filters are read.
func (s *Scheduler) Timezone() *time.Location { return s.loc }

func (s *Scheduler) hooks() *event.Hooks { return s.rctx.Hooks() }

// ManagedAllocations returns all allocation rows of this resource,
// mirrors included, ordered by id.
func (s *Scheduler) ManagedAllocations(ctx context.Context) ([]*db.Allocation, error) {
	var allocations []*db.Allocation
	_, err := s.store.Session(ctx).Select(&allocations,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE resource = :resource ORDER BY id",
		map[string]any{"resource": s.resource},
	)
	return allocations, err
}

// ManagedReservedSlots returns all reserved slot rows of this resource.
func (s *Scheduler) ManagedReservedSlots(ctx context.Context) ([]*db.ReservedSlot, error) {
	var slots []*db.ReservedSlot
	_, err := s.store.Session(ctx).Select(&slots,
		"SELECT * FROM "+db.ReservedSlot{}.TableName()+
			` WHERE resource = :resource ORDER BY allocation_id, "start"`,
		map[string]any{"resource": s.resource},
	)
	return slots, err
}

// ManagedReservations returns all reservation rows of this resource,
// pending and approved, ordered by id.
func (s *Scheduler) ManagedReservations(ctx context.Context) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	_, err := s.store.Session(ctx).Select(&reservations,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE resource = :resource ORDER BY id",
		map[string]any{"resource": s.resource},
	)
	return reservations, err
}

// ExtinguishManagedRecords deletes every allocation, reserved slot and
// reservation of this resource. Used when the resource itself goes
// away; there is no undo.
func (s *Scheduler) ExtinguishManagedRecords(ctx context.Context) error {
	return s.store.Serialized(ctx, "extinguish", func(ctx context.Context, tx *db.Tx) error {
		params := map[string]any{"resource": s.resource}
		for _, table := range []string{
			db.ReservedSlot{}.TableName(),
			db.Reservation{}.TableName(),
			db.Allocation{}.TableName(),
		} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE resource = :resource", params); err != nil {
				return err
			}
		}
		return nil
	})
}
