// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
)

// WholeDayFilter restricts a search to whole-day allocations, to
// everything else, or not at all.
type WholeDayFilter int

const (
	WholeDayAny WholeDayFilter = iota
	WholeDayOnly
	WholeDayExcluded
)

// SearchOptions narrow down SearchAllocations.
type SearchOptions struct {
	// Days keeps only allocations starting on the given weekdays,
	// compared in the allocation's own timezone, not in UTC.
	Days []time.Weekday
	// MinSpots keeps only allocations on which a single reservation
	// could still claim this many spots.
	MinSpots int
	// AvailableOnly drops allocations without any free capacity left
	// inside the searched span.
	AvailableOnly bool
	// WholeDay keeps or drops whole-day allocations.
	WholeDay WholeDayFilter
	// Groups restricts the search to the given group keys.
	Groups []uuid.UUID
	// Strict drops allocations merely touching the span. Without it a
	// match belonging to a group pulls in the whole group, even the
	// members lying outside the span.
	Strict bool
}

// SearchAllocations returns the master allocations of the given
// resources matching the span and options, ordered by start.
func (q Queries) SearchAllocations(ctx context.Context, span calendar.Span, resources []string, opts SearchOptions) ([]*db.Allocation, error) {
	if len(resources) == 0 {
		return nil, nil
	}
	sess := q.session(ctx)
	span = span.UTC()
	masters, err := mastersInRange(sess, span, resources)
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, g := range opts.Groups {
		wanted[g.String()] = true
	}
	days := map[time.Weekday]bool{}
	for _, day := range opts.Days {
		days[day] = true
	}

	matched := masters[:0]
	for _, a := range masters {
		if opts.Strict && !a.Span().Within(span) {
			continue
		}
		if len(wanted) > 0 && (a.Group == nil || !wanted[*a.Group]) {
			continue
		}
		if len(days) > 0 && !days[a.DisplayStart().Weekday()] {
			continue
		}
		switch opts.WholeDay {
		case WholeDayOnly:
			if !a.WholeDay() {
				continue
			}
		case WholeDayExcluded:
			if a.WholeDay() {
				continue
			}
		}
		// A quota limit below the required spots makes the allocation
		// useless for this search no matter how free it is.
		if opts.MinSpots > 0 && 0 < a.QuotaLimit && a.QuotaLimit < opts.MinSpots {
			continue
		}
		matched = append(matched, a)
	}

	if opts.MinSpots > 0 || opts.AvailableOnly {
		matched, err = filterByCapacity(sess, matched, span, opts)
		if err != nil {
			return nil, err
		}
	}
	if !opts.Strict {
		matched, err = completeGroups(sess, matched, resources)
		if err != nil {
			return nil, err
		}
	}
	return matched, nil
}

// filterByCapacity drops the masters whose families cannot satisfy
// MinSpots or, with AvailableOnly, have nothing free inside the span.
// Families and slots are loaded in one batch each.
func filterByCapacity(sess db.Session, masters []*db.Allocation, span calendar.Span, opts SearchOptions) ([]*db.Allocation, error) {
	if len(masters) == 0 {
		return masters, nil
	}
	params := map[string]any{}
	in := namedIn(params, "m", allocationIDs(masters))
	var members []*db.Allocation
	_, err := sess.Select(&members,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE mirror_of IN ("+in+") ORDER BY id",
		params,
	)
	if err != nil {
		return nil, err
	}
	slots, err := slotsByAllocationIDs(sess, allocationIDs(members))
	if err != nil {
		return nil, err
	}
	families := map[int64][]*db.Allocation{}
	for _, member := range members {
		families[member.MirrorOf] = append(families[member.MirrorOf], member)
	}

	kept := masters[:0]
	for _, a := range masters {
		family := families[a.ID]
		if opts.MinSpots > 0 {
			free := 0
			for _, member := range family {
				if member.IsAvailable(member.Span(), slots) {
					free++
				}
			}
			if free < opts.MinSpots {
				continue
			}
		}
		if opts.AvailableOnly {
			freeTicks := 0
			for _, member := range family {
				f, _ := availabilityIn(member, span, slots)
				freeTicks += f
			}
			if freeTicks == 0 {
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept, nil
}

// completeGroups pulls in the remaining masters of every matched
// group and restores the ordering by start.
func completeGroups(sess db.Session, matched []*db.Allocation, resources []string) ([]*db.Allocation, error) {
	groups := make([]string, 0, len(matched))
	seenGroup := map[string]bool{}
	seenID := map[int64]bool{}
	for _, a := range matched {
		seenID[a.ID] = true
		if a.Group != nil && !seenGroup[*a.Group] {
			seenGroup[*a.Group] = true
			groups = append(groups, *a.Group)
		}
	}
	if len(groups) == 0 {
		return matched, nil
	}
	params := map[string]any{}
	gin := namedIn(params, "g", groups)
	rin := namedIn(params, "r", resources)
	var extra []*db.Allocation
	_, err := sess.Select(&extra,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			` WHERE "group" IN (`+gin+") AND resource IN ("+rin+")"+
			" AND mirror_of = id ORDER BY id",
		params,
	)
	if err != nil {
		return nil, err
	}
	for _, a := range extra {
		if !seenID[a.ID] {
			matched = append(matched, a)
		}
	}
	sortByStart(matched)
	return matched, nil
}

// SearchAllocations on this scheduler's resource.
func (s *Scheduler) SearchAllocations(ctx context.Context, span calendar.Span, opts SearchOptions) ([]*db.Allocation, error) {
	return s.Queries.SearchAllocations(ctx, span, []string{s.resource}, opts)
}
