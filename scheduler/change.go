// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/errs"
)

// AllocationChanges amends an allocation family. Nil fields keep the
// stored value untouched.
type AllocationChanges struct {
	// Quota resizes the family. Applied after all other amendments so
	// that mirrors created by an increase already carry them.
	Quota *int
	// QuotaLimit caps the spots a single reservation may take, 0 for
	// no cap.
	QuotaLimit *int
	// ApproveManually switches between waitinglist and auto-approval.
	ApproveManually *bool
	// WaitinglistSpots caps the pending reservations per target.
	WaitinglistSpots *int64
	// RemoveWaitinglist clears the waitinglist cap entirely and wins
	// over WaitinglistSpots.
	RemoveWaitinglist bool
	// Group moves the family into another group. The zero uuid detaches
	// it from its group.
	Group *uuid.UUID
	// Data replaces the stored payload, encoded with the context codec.
	Data any
}

func (c AllocationChanges) validate() error {
	if c.Quota != nil && *c.Quota < 1 {
		return errs.InvalidQuotaError{Quota: *c.Quota}
	}
	if c.QuotaLimit != nil && *c.QuotaLimit < 0 {
		return errs.InvalidQuotaError{Quota: *c.QuotaLimit}
	}
	return nil
}

// apply amends every member in memory, except for the quota which
// changeQuota handles. The caller persists the members afterwards.
func (c AllocationChanges) apply(family []*db.Allocation, data db.Data) {
	for _, member := range family {
		if c.QuotaLimit != nil {
			member.QuotaLimit = *c.QuotaLimit
		}
		if c.ApproveManually != nil {
			member.ApproveManually = *c.ApproveManually
		}
		if c.RemoveWaitinglist {
			member.WaitinglistSpots = nil
		} else if c.WaitinglistSpots != nil {
			spots := *c.WaitinglistSpots
			member.WaitinglistSpots = &spots
		}
		if c.Group != nil {
			if *c.Group == uuid.Nil {
				member.Group = nil
			} else {
				group := c.Group.String()
				member.Group = &group
			}
		}
		if c.Data != nil {
			member.Data = data
		}
	}
}

// family resolves any member id to its full family, master first. Ids
// belonging to a foreign resource are treated as unknown.
func (s *Scheduler) family(sess db.Session, id int64) ([]*db.Allocation, error) {
	a, err := allocationByID(sess, id)
	if err != nil {
		return nil, err
	}
	master, err := masterOf(sess, a)
	if err != nil {
		return nil, err
	}
	if master.Resource != s.resource {
		return nil, sql.ErrNoRows
	}
	return familyByMaster(sess, master.ID)
}

// ChangeAllocation amends the non-temporal attributes of a whole
// family. Dates stay untouched, use MoveAllocation for those.
func (s *Scheduler) ChangeAllocation(ctx context.Context, masterID int64, changes AllocationChanges) (*db.Allocation, error) {
	if err := changes.validate(); err != nil {
		return nil, err
	}
	data, err := s.encodeAllocationData(changes.Data)
	if err != nil {
		return nil, err
	}
	var master *db.Allocation
	err = s.store.Serialized(ctx, "change_allocation", func(ctx context.Context, tx *db.Tx) error {
		family, err := s.family(tx, masterID)
		if err != nil {
			return err
		}
		changes.apply(family, data)
		if changes.Quota != nil {
			if family, err = changeQuota(tx, family, *changes.Quota); err != nil {
				return err
			}
		}
		for _, member := range family {
			if _, err := tx.Update(member); err != nil {
				return err
			}
		}
		master = family[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.observeAllocations("changed", 1)
	return master, nil
}

// ChangeQuota grows or shrinks an allocation family to the new quota.
func (s *Scheduler) ChangeQuota(ctx context.Context, masterID int64, quota int) (*db.Allocation, error) {
	var master *db.Allocation
	err := s.store.Serialized(ctx, "change_quota", func(ctx context.Context, tx *db.Tx) error {
		family, err := s.family(tx, masterID)
		if err != nil {
			return err
		}
		if family, err = changeQuota(tx, family, quota); err != nil {
			return err
		}
		for _, member := range family {
			if _, err := tx.Update(member); err != nil {
				return err
			}
		}
		master = family[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.observeAllocations("changed", 1)
	return master, nil
}

// changeQuota resizes the family in memory and on disk, leaving the
// final update of the surviving members to the caller. Growing appends
// mirror copies of the master. Shrinking evicts the highest-id members
// after re-pointing their slots onto free survivors, largest slot set
// first, so the slots of one member always stay together.
func changeQuota(tx *db.Tx, family []*db.Allocation, quota int) ([]*db.Allocation, error) {
	if quota < 1 {
		return nil, errs.InvalidQuotaError{Quota: quota}
	}
	master := family[0]
	for _, member := range family {
		member.Quota = quota
	}
	if quota >= len(family) {
		for range quota - len(family) {
			mirror := *master
			mirror.ID = 0
			if err := tx.Insert(&mirror); err != nil {
				return nil, err
			}
			family = append(family, &mirror)
		}
		return family, nil
	}

	slots, err := slotsByAllocationIDs(tx, allocationIDs(family))
	if err != nil {
		return nil, err
	}
	taken := map[int64]int{}
	for _, slot := range slots {
		taken[slot.AllocationID]++
	}
	if len(taken) > quota {
		return nil, errs.AffectedReservationError{
			AllocationID: master.ID,
			Token:        slots[0].ReservationToken,
		}
	}

	keep, evict := family[:quota], family[quota:]
	var free, moved []*db.Allocation
	for _, member := range keep {
		if taken[member.ID] == 0 {
			free = append(free, member)
		}
	}
	for _, member := range evict {
		if taken[member.ID] > 0 {
			moved = append(moved, member)
		}
	}
	// len(taken) <= quota guarantees a free survivor for every evicted
	// member that carries slots.
	slices.SortStableFunc(moved, func(a, b *db.Allocation) int {
		return cmp.Compare(taken[b.ID], taken[a.ID])
	})
	for i, member := range moved {
		_, err := tx.Exec(
			"UPDATE "+db.ReservedSlot{}.TableName()+
				" SET allocation_id = :target WHERE resource = :resource AND allocation_id = :member",
			map[string]any{
				"target":   free[i].ID,
				"resource": member.Resource,
				"member":   member.ID,
			},
		)
		if err != nil {
			return nil, err
		}
	}

	params := map[string]any{}
	in := namedIn(params, "id", allocationIDs(evict))
	_, err = tx.Exec(
		"DELETE FROM "+db.Allocation{}.TableName()+" WHERE id IN ("+in+")",
		params,
	)
	if err != nil {
		return nil, err
	}
	return keep, nil
}

// MoveAllocation changes the dates of a whole family and optionally
// amends its attributes in the same transaction. Reserved slot rows are
// never rewritten: a move that would leave a slot or a pending
// reservation outside the new window is rejected instead.
func (s *Scheduler) MoveAllocation(ctx context.Context, masterID int64, newStart, newEnd time.Time, changes AllocationChanges) (*db.Allocation, error) {
	if err := changes.validate(); err != nil {
		return nil, err
	}
	data, err := s.encodeAllocationData(changes.Data)
	if err != nil {
		return nil, err
	}
	var master *db.Allocation
	err = s.store.Serialized(ctx, "move_allocation", func(ctx context.Context, tx *db.Tx) error {
		family, err := s.family(tx, masterID)
		if err != nil {
			return err
		}
		master = family[0]

		span := calendar.Span{Start: newStart.UTC(), End: newEnd.UTC()}
		if master.WholeDay() {
			span = calendar.AlignDay(span, master.Location())
		} else if master.PartlyAvailable {
			span = calendar.RasterSpan(span, master.Raster)
		}
		if span.Empty() {
			return errs.InvalidAllocationError{
				Start: span.Start, End: span.End,
				Reason: "window is empty or inverted",
			}
		}

		if !span.Equal(master.Span()) {
			if err := s.checkMove(tx, family, span); err != nil {
				return err
			}
			for _, member := range family {
				member.Start, member.End = span.Start, span.End
			}
		}
		changes.apply(family, data)
		if changes.Quota != nil {
			if family, err = changeQuota(tx, family, *changes.Quota); err != nil {
				return err
			}
		}
		for _, member := range family {
			if _, err := tx.Update(member); err != nil {
				return err
			}
		}
		master = family[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.observeAllocations("moved", 1)
	return master, nil
}

// checkMove rejects a move colliding with another master or leaving
// reserved slots or dated pending reservations outside the new window.
func (s *Scheduler) checkMove(tx *db.Tx, family []*db.Allocation, span calendar.Span) error {
	master := family[0]
	existing, err := mastersInRange(tx, span, []string{s.resource})
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == master.ID {
			continue
		}
		return errs.OverlappingAllocationError{
			Start: span.Start, End: span.End,
			ExistingID:    other.ID,
			ExistingStart: other.Start,
			ExistingEnd:   other.End,
		}
	}

	slots, err := slotsByAllocationIDs(tx, allocationIDs(family))
	if err != nil {
		return err
	}
	var pending []*db.Reservation
	_, err = tx.Select(&pending,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE target = :target AND target_type = :tt AND status = :status ORDER BY id",
		map[string]any{
			"target": db.FormatAllocationTarget(master.ID),
			"tt":     db.ReservationTargetAllocation,
			"status": db.ReservationStatusPending,
		},
	)
	if err != nil {
		return err
	}

	if !master.PartlyAvailable {
		// The window is all or nothing, so any booking pins the dates.
		if len(slots) > 0 {
			return errs.AffectedReservationError{
				AllocationID: master.ID,
				Token:        slots[0].ReservationToken,
			}
		}
		if len(pending) > 0 {
			return errs.AffectedPendingReservationError{
				AllocationID: master.ID,
				Token:        pending[0].Token,
			}
		}
		return nil
	}
	for _, slot := range slots {
		if !slot.Span().Within(span) {
			return errs.AffectedReservationError{
				AllocationID: slot.AllocationID,
				Token:        slot.ReservationToken,
			}
		}
	}
	for _, r := range pending {
		if rSpan, ok := r.Span(); ok && !rSpan.Within(span) {
			return errs.AffectedPendingReservationError{
				AllocationID: master.ID,
				Token:        r.Token,
			}
		}
	}
	return nil
}

// RemoveAllocation deletes the family the given allocation belongs to.
func (s *Scheduler) RemoveAllocation(ctx context.Context, id int64) error {
	var removed int64
	err := s.store.Serialized(ctx, "remove_allocation", func(ctx context.Context, tx *db.Tx) error {
		family, err := s.family(tx, id)
		if err != nil {
			return err
		}
		removed, err = removeFamilies(tx, []*db.Allocation{family[0]})
		return err
	})
	if err != nil {
		return err
	}
	s.monitor.observeAllocations("removed", int(removed))
	return nil
}

// RemoveAllocationsByGroups deletes every family of the given groups on
// this resource and returns the number of deleted rows.
func (s *Scheduler) RemoveAllocationsByGroups(ctx context.Context, groups []uuid.UUID) (int64, error) {
	if len(groups) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.store.Serialized(ctx, "remove_allocations", func(ctx context.Context, tx *db.Tx) error {
		params := map[string]any{"resource": s.resource}
		in := namedIn(params, "g", uuidStrings(groups))
		var masters []*db.Allocation
		_, err := tx.Select(&masters,
			"SELECT * FROM "+db.Allocation{}.TableName()+
				` WHERE resource = :resource AND "group" IN (`+in+")"+
				" AND mirror_of = id ORDER BY id",
			params,
		)
		if err != nil || len(masters) == 0 {
			return err
		}
		removed, err = removeFamilies(tx, masters)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.monitor.observeAllocations("removed", int(removed))
	return removed, nil
}

// removeFamilies deletes the given masters with all their mirrors,
// refusing when any member still carries a reserved slot or when a
// pending reservation targets a master or its group.
func removeFamilies(tx *db.Tx, masters []*db.Allocation) (int64, error) {
	params := map[string]any{}
	in := namedIn(params, "m", allocationIDs(masters))

	var slot db.ReservedSlot
	err := tx.SelectOne(&slot,
		"SELECT * FROM "+db.ReservedSlot{}.TableName()+
			" WHERE allocation_id IN (SELECT id FROM "+db.Allocation{}.TableName()+
			" WHERE mirror_of IN ("+in+")) LIMIT 1",
		params,
	)
	if err == nil {
		return 0, errs.AffectedReservationError{
			AllocationID: slot.AllocationID,
			Token:        slot.ReservationToken,
		}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	targets := make([]string, 0, len(masters))
	byGroup := map[string]*db.Allocation{}
	for _, master := range masters {
		targets = append(targets, db.FormatAllocationTarget(master.ID))
		if master.Group != nil {
			if _, ok := byGroup[*master.Group]; !ok {
				byGroup[*master.Group] = master
				targets = append(targets, *master.Group)
			}
		}
	}
	guardParams := map[string]any{"status": db.ReservationStatusPending}
	guardIn := namedIn(guardParams, "t", targets)
	var pending db.Reservation
	err = tx.SelectOne(&pending,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE status = :status AND target IN ("+guardIn+") ORDER BY id LIMIT 1",
		guardParams,
	)
	if err == nil {
		affected := masters[0].ID
		if id, ok := pending.TargetAllocationID(); ok {
			affected = id
		} else if group, ok := pending.TargetGroup(); ok {
			if master, ok := byGroup[group]; ok {
				affected = master.ID
			}
		}
		return 0, errs.AffectedPendingReservationError{
			AllocationID: affected,
			Token:        pending.Token,
		}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	result, err := tx.Exec(
		"DELETE FROM "+db.Allocation{}.TableName()+" WHERE mirror_of IN ("+in+")",
		params,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RemoveUnusedOptions restricts which allocations RemoveUnusedAllocations
// considers.
type RemoveUnusedOptions struct {
	// Groups limits the sweep to the given group keys.
	Groups []uuid.UUID
	// Weekdays limits the sweep to allocations starting on the given
	// local weekdays. Setting it forces ExcludeGroups since removing
	// single days out of a group would corrupt the group.
	Weekdays []time.Weekday
	// ExcludeGroups skips allocations sharing their group with other
	// masters.
	ExcludeGroups bool
}

// RemoveUnusedAllocations deletes the allocations lying fully inside
// the span that carry no reserved slots and are not referenced by any
// reservation, pending ones included. Grouped allocations are removed
// only when the whole group lies inside the span. Returns the number of
// deleted rows, mirrors included.
func (s *Scheduler) RemoveUnusedAllocations(ctx context.Context, span calendar.Span, opts RemoveUnusedOptions) (int64, error) {
	span = span.UTC()
	if span.Empty() {
		return 0, nil
	}
	excludeGroups := opts.ExcludeGroups || len(opts.Weekdays) > 0
	weekdays := map[time.Weekday]bool{}
	for _, day := range opts.Weekdays {
		weekdays[day] = true
	}

	var removed int64
	err := s.store.Serialized(ctx, "remove_unused_allocations", func(ctx context.Context, tx *db.Tx) error {
		candidates, err := s.unusedCandidates(tx, span, opts.Groups)
		if err != nil || len(candidates) == 0 {
			return err
		}
		if len(weekdays) > 0 {
			kept := candidates[:0]
			for _, c := range candidates {
				if weekdays[c.DisplayStart().Weekday()] {
					kept = append(kept, c)
				}
			}
			if candidates = kept; len(candidates) == 0 {
				return nil
			}
		}
		candidates, err = s.withoutPartialGroups(tx, candidates, span, excludeGroups)
		if err != nil || len(candidates) == 0 {
			return err
		}
		candidates, err = withoutReferenced(tx, candidates)
		if err != nil || len(candidates) == 0 {
			return err
		}
		removed, err = removeUnreferencedFamilies(tx, candidates)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.monitor.observeAllocations("removed", int(removed))
	return removed, nil
}

// unusedCandidates loads the masters lying fully inside the span.
func (s *Scheduler) unusedCandidates(tx *db.Tx, span calendar.Span, groups []uuid.UUID) ([]*db.Allocation, error) {
	params := map[string]any{
		"resource": s.resource,
		"start":    span.Start,
		"end":      span.End,
	}
	groupFilter := ""
	if len(groups) > 0 {
		in := namedIn(params, "g", uuidStrings(groups))
		groupFilter = ` AND "group" IN (` + in + ")"
	}
	var candidates []*db.Allocation
	_, err := tx.Select(&candidates,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			` WHERE resource = :resource AND mirror_of = id`+
			` AND "start" >= :start AND "end" <= :end`+groupFilter+
			" ORDER BY id",
		params,
	)
	return candidates, err
}

// withoutPartialGroups applies the group rules. A master alone in its
// group does not form a group and always passes. With groups excluded
// only such candidates survive; otherwise a grouped candidate survives
// only when every master of its group lies inside the span.
func (s *Scheduler) withoutPartialGroups(tx *db.Tx, candidates []*db.Allocation, span calendar.Span, excludeGroups bool) ([]*db.Allocation, error) {
	groups := make([]string, 0, len(candidates))
	seen := map[string]bool{}
	for _, c := range candidates {
		if c.Group != nil && !seen[*c.Group] {
			seen[*c.Group] = true
			groups = append(groups, *c.Group)
		}
	}
	if len(groups) == 0 {
		return candidates, nil
	}

	params := map[string]any{"resource": s.resource}
	in := namedIn(params, "g", groups)
	var members []*db.Allocation
	_, err := tx.Select(&members,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			` WHERE resource = :resource AND mirror_of = id AND "group" IN (`+in+")",
		params,
	)
	if err != nil {
		return nil, err
	}
	size := map[string]int{}
	inside := map[string]bool{}
	for _, g := range groups {
		inside[g] = true
	}
	for _, member := range members {
		size[*member.Group]++
		if !member.Span().Within(span) {
			inside[*member.Group] = false
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		switch {
		case c.Group == nil || size[*c.Group] == 1:
			kept = append(kept, c)
		case excludeGroups:
		case inside[*c.Group]:
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// withoutReferenced drops every candidate kept alive by a reservation
// row of any status. A reservation on one master blocks its whole
// group.
func withoutReferenced(tx *db.Tx, candidates []*db.Allocation) ([]*db.Allocation, error) {
	targets := make([]string, 0, 2*len(candidates))
	byTarget := map[string]*db.Allocation{}
	seen := map[string]bool{}
	for _, c := range candidates {
		target := db.FormatAllocationTarget(c.ID)
		targets = append(targets, target)
		byTarget[target] = c
		if c.Group != nil && !seen[*c.Group] {
			seen[*c.Group] = true
			targets = append(targets, *c.Group)
		}
	}
	params := map[string]any{}
	in := namedIn(params, "t", targets)
	var referenced []string
	_, err := tx.Select(&referenced,
		"SELECT DISTINCT target FROM "+db.Reservation{}.TableName()+
			" WHERE target IN ("+in+")",
		params,
	)
	if err != nil {
		return nil, err
	}
	blockedGroups := map[string]bool{}
	blockedIDs := map[int64]bool{}
	for _, target := range referenced {
		if c, ok := byTarget[target]; ok {
			blockedIDs[c.ID] = true
			if c.Group != nil {
				blockedGroups[*c.Group] = true
			}
			continue
		}
		blockedGroups[target] = true
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if blockedIDs[c.ID] || (c.Group != nil && blockedGroups[*c.Group]) {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// removeUnreferencedFamilies deletes the candidates' families except
// for those still carrying slots. A slot without a reservation row is
// corrupt but still counts as reserved.
func removeUnreferencedFamilies(tx *db.Tx, candidates []*db.Allocation) (int64, error) {
	params := map[string]any{}
	in := namedIn(params, "m", allocationIDs(candidates))
	var reserved []int64
	_, err := tx.Select(&reserved,
		"SELECT DISTINCT a.mirror_of FROM "+db.ReservedSlot{}.TableName()+" rs"+
			" JOIN "+db.Allocation{}.TableName()+" a ON a.id = rs.allocation_id"+
			" WHERE a.mirror_of IN ("+in+")",
		params,
	)
	if err != nil {
		return 0, err
	}
	if len(reserved) > 0 {
		blocked := map[int64]bool{}
		for _, id := range reserved {
			blocked[id] = true
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if !blocked[c.ID] {
				kept = append(kept, c)
			}
		}
		if candidates = kept; len(candidates) == 0 {
			return 0, nil
		}
		params = map[string]any{}
		in = namedIn(params, "m", allocationIDs(candidates))
	}
	result, err := tx.Exec(
		"DELETE FROM "+db.Allocation{}.TableName()+" WHERE mirror_of IN ("+in+")",
		params,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
