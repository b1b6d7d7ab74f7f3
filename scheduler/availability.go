// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
)

// Availability returns the percentage of capacity free across the
// given resources over the span. Mirrors are materialized eagerly, so
// the mean runs over exactly quota rows per family; each row counts
// with its full window. No capacity in range reads as zero.
func (q Queries) Availability(ctx context.Context, span calendar.Span, resources []string) (float64, error) {
	members, slots, err := q.membersWithSlots(ctx, span, resources)
	if err != nil || len(members) == 0 {
		return 0, err
	}
	var sum float64
	for _, member := range members {
		sum += member.Availability(slots)
	}
	return sum / float64(len(members)), nil
}

// AvailabilityByDay returns the free percentage per UTC day over the
// span, keyed by the day's UTC midnight. Days without any capacity
// have no entry.
func (q Queries) AvailabilityByDay(ctx context.Context, span calendar.Span, resources []string) (map[time.Time]float64, error) {
	members, slots, err := q.membersWithSlots(ctx, span, resources)
	if err != nil {
		return nil, err
	}
	span = span.UTC()
	type tally struct {
		sum   float64
		count int
	}
	days := map[time.Time]*tally{}
	for _, member := range members {
		first := member.Start.UTC()
		if first.Before(span.Start) {
			first = span.Start
		}
		for day := first.Truncate(24 * time.Hour); day.Before(span.End); day = day.Add(24 * time.Hour) {
			clip := calendar.Span{Start: day, End: day.Add(24 * time.Hour)}
			if clip.Start.Before(span.Start) {
				clip.Start = span.Start
			}
			if clip.End.After(span.End) {
				clip.End = span.End
			}
			free, total := availabilityIn(member, clip, slots)
			if total == 0 {
				continue
			}
			t, ok := days[day]
			if !ok {
				t = &tally{}
				days[day] = t
			}
			t.sum += 100 * float64(free) / float64(total)
			t.count++
		}
	}
	out := make(map[time.Time]float64, len(days))
	for day, t := range days {
		out[day] = t.sum / float64(t.count)
	}
	return out, nil
}

// AvailabilityByAllocations returns the free percentage per master
// allocation overlapping the span, averaged over the mirror family.
func (q Queries) AvailabilityByAllocations(ctx context.Context, span calendar.Span, resources []string) (map[int64]float64, error) {
	members, slots, err := q.membersWithSlots(ctx, span, resources)
	if err != nil {
		return nil, err
	}
	type tally struct {
		sum   float64
		count int
	}
	families := map[int64]*tally{}
	for _, member := range members {
		t, ok := families[member.MirrorOf]
		if !ok {
			t = &tally{}
			families[member.MirrorOf] = t
		}
		t.sum += member.Availability(slots)
		t.count++
	}
	out := make(map[int64]float64, len(families))
	for master, t := range families {
		out[master] = t.sum / float64(t.count)
	}
	return out, nil
}

// membersWithSlots loads every family member overlapping the span on
// the given resources, along with the reserved slots of those members.
func (q Queries) membersWithSlots(ctx context.Context, span calendar.Span, resources []string) ([]*db.Allocation, []*db.ReservedSlot, error) {
	if len(resources) == 0 {
		return nil, nil, nil
	}
	sess := q.session(ctx)
	span = span.UTC()
	params := map[string]any{"start": span.Start, "end": span.End}
	in := namedIn(params, "r", resources)
	var members []*db.Allocation
	_, err := sess.Select(&members,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE resource IN ("+in+")"+
			` AND "start" < :end AND "end" > :start ORDER BY id`,
		params,
	)
	if err != nil || len(members) == 0 {
		return nil, nil, err
	}
	slots, err := slotsByAllocationIDs(sess, allocationIDs(members))
	if err != nil {
		return nil, nil, err
	}
	return members, slots, nil
}

func slotsByAllocationIDs(sess db.Session, ids []int64) ([]*db.ReservedSlot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := map[string]any{}
	in := namedIn(params, "id", ids)
	var slots []*db.ReservedSlot
	_, err := sess.Select(&slots,
		"SELECT * FROM "+db.ReservedSlot{}.TableName()+
			" WHERE allocation_id IN ("+in+")"+
			` ORDER BY allocation_id, "start"`,
		params,
	)
	return slots, err
}

// availabilityIn counts the free against the total atomic slots of one
// family member restricted to the given clip of its window.
func availabilityIn(a *db.Allocation, clip calendar.Span, slots []*db.ReservedSlot) (free, total int) {
	window := a.Span()
	if clip.Start.Before(window.Start) {
		clip.Start = window.Start
	}
	if clip.End.After(window.End) {
		clip.End = window.End
	}
	if clip.Empty() {
		return 0, 0
	}
	if !a.PartlyAvailable {
		if a.IsAvailable(clip, slots) {
			return 1, 1
		}
		return 0, 1
	}
	ticks := a.AllSlots(clip)
	for _, tick := range ticks {
		if a.IsAvailable(tick, slots) {
			free++
		}
	}
	return free, len(ticks)
}

// FreeAllocationsCount returns how many members of the master's family
// carry no reserved slot at all, with a single aggregate query.
func (q Queries) FreeAllocationsCount(ctx context.Context, master *db.Allocation) (int, error) {
	count, err := q.session(ctx).SelectInt(
		"SELECT count(*) FROM "+db.Allocation{}.TableName()+
			" a WHERE a.mirror_of = :master AND a.resource = :resource"+
			" AND a.id NOT IN (SELECT allocation_id FROM "+db.ReservedSlot{}.TableName()+
			" WHERE resource = :resource)",
		map[string]any{"master": master.ID, "resource": master.Resource},
	)
	return int(count), err
}

// Availability of this scheduler's resource over the span.
func (s *Scheduler) Availability(ctx context.Context, span calendar.Span) (float64, error) {
	pct, err := s.Queries.Availability(ctx, span, []string{s.resource})
	if err == nil {
		s.monitor.observeAvailability(pct)
	}
	return pct, err
}

// AvailabilityByDay of this scheduler's resource over the span.
func (s *Scheduler) AvailabilityByDay(ctx context.Context, span calendar.Span) (map[time.Time]float64, error) {
	return s.Queries.AvailabilityByDay(ctx, span, []string{s.resource})
}

// AvailabilityByAllocations of this scheduler's resource over the span.
func (s *Scheduler) AvailabilityByAllocations(ctx context.Context, span calendar.Span) (map[int64]float64, error) {
	return s.Queries.AvailabilityByAllocations(ctx, span, []string{s.resource})
}

// AllocationsInRange returns this scheduler's master allocations
// overlapping the span.
func (s *Scheduler) AllocationsInRange(ctx context.Context, span calendar.Span) ([]*db.Allocation, error) {
	return s.Queries.AllocationsInRange(ctx, span, []string{s.resource})
}

// AllocationByDate returns the master allocation spanning exactly the
// given window on this scheduler's resource. Absent rows surface as
// sql.ErrNoRows.
func (s *Scheduler) AllocationByDate(ctx context.Context, start, end time.Time) (*db.Allocation, error) {
	var allocation db.Allocation
	err := s.store.Session(ctx).SelectOne(&allocation,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE resource = :resource AND mirror_of = id"+
			` AND "start" = :start AND "end" = :end`,
		map[string]any{"resource": s.resource, "start": start.UTC(), "end": end.UTC()},
	)
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}
