// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
)

// ReservedSlot is one confirmed atomic unit of consumed capacity
// inside an allocation. The composite primary key is the
// race-prevention primitive: two transactions confirming overlapping
// capacity collide on it instead of double-booking.
type ReservedSlot struct {
	Resource         string    `db:"resource,primarykey"`
	AllocationID     int64     `db:"allocation_id,primarykey"`
	Start            time.Time `db:"start,primarykey"`
	End              time.Time `db:"end"`
	ReservationToken string    `db:"reservation_token"`
}

// Table in which reserved slots are stored.
func (ReservedSlot) TableName() string { return "reserved_slots" }

// The half-open span the slot occupies in UTC.
func (s *ReservedSlot) Span() calendar.Span {
	return calendar.Span{Start: s.Start.UTC(), End: s.End.UTC()}
}
