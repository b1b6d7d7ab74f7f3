// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"strconv"
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/go-gorp/gorp"
)

const (
	ReservationStatusPending  = "pending"
	ReservationStatusApproved = "approved"

	// Target types: a reservation either binds a concrete allocation
	// master or a group key that is resolved at approval time.
	ReservationTargetAllocation = "allocation"
	ReservationTargetGroup      = "group"

	// A free claim consumes capacity; a waitinglist claim queues for it.
	ReservationTypeFree        = "free"
	ReservationTypeWaitinglist = "waitinglist"
)

// Reservation is a claim by an actor: pending while it sits in a
// session cart, approved once reserved slots exist under its token.
// One token may span multiple reservation lines in a cart.
type Reservation struct {
	ID         int64      `db:"id,primarykey,autoincrement"`
	Token      string     `db:"token"`
	Target     string     `db:"target"`
	TargetType string     `db:"target_type"`
	Resource   string     `db:"resource"`
	Start      *time.Time `db:"start"`
	End        *time.Time `db:"end"`
	Timezone   string     `db:"timezone"`
	Email      string     `db:"email"`
	SessionID  *string    `db:"session_id"`
	Quota      int        `db:"quota"`
	Status     string     `db:"status"`
	Type       string     `db:"type"`
	Data       Data       `db:"data"`
	Created    time.Time  `db:"created"`
	Modified   time.Time  `db:"modified"`
}

// Table in which reservations are stored.
func (Reservation) TableName() string { return "reservations" }

func (r *Reservation) Key() Key { return Key{Kind: "reservation", ID: r.ID} }

func (r *Reservation) IsPending() bool { return r.Status == ReservationStatusPending }

// The allocation master id this reservation binds, when it targets an
// allocation directly.
func (r *Reservation) TargetAllocationID() (int64, bool) {
	if r.TargetType != ReservationTargetAllocation {
		return 0, false
	}
	id, err := strconv.ParseInt(r.Target, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// The group key this reservation binds, when it targets a group.
func (r *Reservation) TargetGroup() (string, bool) {
	if r.TargetType != ReservationTargetGroup {
		return "", false
	}
	return r.Target, true
}

// The requested span in UTC. Group-targeted reservations carry no span
// of their own; their dates resolve through the group's allocations.
func (r *Reservation) Span() (calendar.Span, bool) {
	if r.Start == nil || r.End == nil {
		return calendar.Span{}, false
	}
	return calendar.Span{Start: r.Start.UTC(), End: r.End.UTC()}, true
}

// The timezone the reservation is presented in.
func (r *Reservation) Location() *time.Location {
	return calendar.MustLocation(r.Timezone)
}

// Start of the reserved span read in the reservation's timezone. Zero
// for group targets, which carry no span of their own.
func (r *Reservation) DisplayStart() time.Time {
	if r.Start == nil {
		return time.Time{}
	}
	return r.Start.In(r.Location())
}

// End of the reserved span read in the reservation's timezone. Zero
// for group targets.
func (r *Reservation) DisplayEnd() time.Time {
	if r.End == nil {
		return time.Time{}
	}
	return r.End.In(r.Location())
}

// Gorp hook keeping the bookkeeping timestamps fresh. Session expiry
// is judged on them.
func (r *Reservation) PreInsert(gorp.SqlExecutor) error {
	now := time.Now().UTC()
	if r.Created.IsZero() {
		r.Created = now
	}
	r.Modified = now
	return nil
}

func (r *Reservation) PreUpdate(gorp.SqlExecutor) error {
	r.Modified = time.Now().UTC()
	return nil
}

// FormatAllocationTarget renders an allocation master id as a
// reservation target value.
func FormatAllocationTarget(id int64) string {
	return strconv.FormatInt(id, 10)
}
