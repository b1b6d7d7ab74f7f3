// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/errs"
	"github.com/cobaltcore-dev/resa/event"
	"github.com/cobaltcore-dev/resa/registry"
	"github.com/google/uuid"
)

// Queries is the context-bound read surface. It is independent of a
// single resource; resource-scoped methods take the resource uuids
// explicitly. Pure queries run on the guarded read session, queries
// invoked from inside a write transaction read through the transaction
// instead.
type Queries struct {
	rctx  *registry.Context
	store *db.SessionStore
}

// NewQueries returns the read surface of the given context.
func NewQueries(rctx *registry.Context) Queries {
	return Queries{rctx: rctx, store: rctx.Store()}
}

func (q Queries) session(ctx context.Context) db.Session {
	return q.store.Session(ctx)
}

// namedIn binds the values as named parameters and returns the
// placeholder list for an IN clause. Callers must guard against empty
// value lists.
func namedIn[T any](params map[string]any, prefix string, values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		name := prefix + strconv.Itoa(i)
		params[name] = v
		names[i] = ":" + name
	}
	return strings.Join(names, ", ")
}

// AllocationByID returns the allocation row with the given id, master
// or mirror. Absent rows surface as sql.ErrNoRows.
func (q Queries) AllocationByID(ctx context.Context, id int64) (*db.Allocation, error) {
	return allocationByID(q.session(ctx), id)
}

func allocationByID(sess db.Session, id int64) (*db.Allocation, error) {
	var allocation db.Allocation
	err := sess.SelectOne(&allocation,
		"SELECT * FROM "+db.Allocation{}.TableName()+" WHERE id = :id",
		map[string]any{"id": id},
	)
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// AllocationsByIDs returns the allocation rows with the given ids,
// ordered by id. Missing ids are skipped silently.
func (q Queries) AllocationsByIDs(ctx context.Context, ids []int64) ([]*db.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := map[string]any{}
	in := namedIn(params, "id", ids)
	var allocations []*db.Allocation
	_, err := q.session(ctx).Select(&allocations,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE id IN ("+in+") ORDER BY id",
		params,
	)
	return allocations, err
}

// AllocationsByGroup returns the master allocations sharing the given
// group key, ordered by start.
func (q Queries) AllocationsByGroup(ctx context.Context, group uuid.UUID) ([]*db.Allocation, error) {
	return mastersByGroup(q.session(ctx), group.String())
}

func mastersByGroup(sess db.Session, group string) ([]*db.Allocation, error) {
	var allocations []*db.Allocation
	_, err := sess.Select(&allocations,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			` WHERE "group" = :group AND mirror_of = id ORDER BY "start", id`,
		map[string]any{"group": group},
	)
	return allocations, err
}

// AllocationsByGroups returns the master allocations of all given
// group keys, ordered by start.
func (q Queries) AllocationsByGroups(ctx context.Context, groups []uuid.UUID) ([]*db.Allocation, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	params := map[string]any{}
	in := namedIn(params, "g", uuidStrings(groups))
	var allocations []*db.Allocation
	_, err := q.session(ctx).Select(&allocations,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			` WHERE "group" IN (`+in+`) AND mirror_of = id ORDER BY "start", id`,
		params,
	)
	return allocations, err
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func allocationIDs(allocations []*db.Allocation) []int64 {
	out := make([]int64, len(allocations))
	for i, a := range allocations {
		out[i] = a.ID
	}
	return out
}

// AllocationsInRange returns the master allocations of the given
// resources overlapping the span, ordered by start.
func (q Queries) AllocationsInRange(ctx context.Context, span calendar.Span, resources []string) ([]*db.Allocation, error) {
	return mastersInRange(q.session(ctx), span.UTC(), resources)
}

func mastersInRange(sess db.Session, span calendar.Span, resources []string) ([]*db.Allocation, error) {
	if len(resources) == 0 {
		return nil, nil
	}
	params := map[string]any{"start": span.Start, "end": span.End}
	in := namedIn(params, "r", resources)
	var allocations []*db.Allocation
	_, err := sess.Select(&allocations,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE resource IN ("+in+") AND mirror_of = id"+
			` AND "start" < :end AND "end" > :start ORDER BY "start", id`,
		params,
	)
	return allocations, err
}

// AllocationDatesByGroup returns the windows of the group's master
// allocations, ordered by start.
func (q Queries) AllocationDatesByGroup(ctx context.Context, group uuid.UUID) ([]calendar.Span, error) {
	masters, err := q.AllocationsByGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	return allocationSpans(masters), nil
}

// AllocationDatesByIDs returns the windows of the given allocations in
// id order.
func (q Queries) AllocationDatesByIDs(ctx context.Context, ids []int64) ([]calendar.Span, error) {
	allocations, err := q.AllocationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return allocationSpans(allocations), nil
}

func allocationSpans(allocations []*db.Allocation) []calendar.Span {
	spans := make([]calendar.Span, len(allocations))
	for i, a := range allocations {
		spans[i] = a.Span()
	}
	return spans
}

// AllocationMirrorsByMaster returns the mirror rows of a family,
// excluding the master itself, ordered by id.
func (q Queries) AllocationMirrorsByMaster(ctx context.Context, masterID int64) ([]*db.Allocation, error) {
	var mirrors []*db.Allocation
	_, err := q.session(ctx).Select(&mirrors,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE mirror_of = :master AND id != :master ORDER BY id",
		map[string]any{"master": masterID},
	)
	return mirrors, err
}

// familyByMaster loads the whole mirror family, master first.
func familyByMaster(sess db.Session, masterID int64) ([]*db.Allocation, error) {
	var family []*db.Allocation
	_, err := sess.Select(&family,
		"SELECT * FROM "+db.Allocation{}.TableName()+
			" WHERE mirror_of = :master ORDER BY id",
		map[string]any{"master": masterID},
	)
	return family, err
}

// masterOf resolves the master row of the family the given allocation
// belongs to.
func masterOf(sess db.Session, a *db.Allocation) (*db.Allocation, error) {
	if a.IsMaster() {
		return a, nil
	}
	return allocationByID(sess, a.MirrorOf)
}

// ManualApprovalRequired reports whether any of the given allocations
// requires manual approval.
func (q Queries) ManualApprovalRequired(ctx context.Context, ids []int64) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	params := map[string]any{}
	in := namedIn(params, "id", ids)
	count, err := q.session(ctx).SelectInt(
		"SELECT count(*) FROM "+db.Allocation{}.TableName()+
			" WHERE id IN ("+in+") AND approve_manually",
		params,
	)
	return count > 0, err
}

// ReservationsByToken returns all reservation rows carrying the token,
// ordered by id. An unknown token yields InvalidReservationTokenError.
func (q Queries) ReservationsByToken(ctx context.Context, token uuid.UUID) ([]*db.Reservation, error) {
	reservations, err := reservationsByToken(q.session(ctx), token.String())
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, errs.InvalidReservationTokenError{Token: token.String()}
	}
	return reservations, nil
}

func reservationsByToken(sess db.Session, token string) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	_, err := sess.Select(&reservations,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE token = :token ORDER BY id",
		map[string]any{"token": token},
	)
	return reservations, err
}

// ReservationsBySession returns the cart lines of a session, ordered
// by id. Confirmed reservations have left their cart and do not show
// up anymore.
func (q Queries) ReservationsBySession(ctx context.Context, sessionID uuid.UUID) ([]*db.Reservation, error) {
	return reservationsBySession(q.session(ctx), sessionID.String())
}

func reservationsBySession(sess db.Session, sessionID string) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	_, err := sess.Select(&reservations,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE session_id = :session ORDER BY id",
		map[string]any{"session": sessionID},
	)
	return reservations, err
}

// ReservationsByGroup returns reservations targeting the group key
// directly plus those targeting any master allocation of the group.
func (q Queries) ReservationsByGroup(ctx context.Context, group uuid.UUID) ([]*db.Reservation, error) {
	sess := q.session(ctx)
	masters, err := mastersByGroup(sess, group.String())
	if err != nil {
		return nil, err
	}
	params := map[string]any{"group": group.String(), "gtype": db.ReservationTargetGroup, "atype": db.ReservationTargetAllocation}
	query := "SELECT * FROM " + db.Reservation{}.TableName() +
		" WHERE (target_type = :gtype AND target = :group)"
	if len(masters) > 0 {
		targets := make([]string, len(masters))
		for i, m := range masters {
			targets[i] = db.FormatAllocationTarget(m.ID)
		}
		in := namedIn(params, "t", targets)
		query += " OR (target_type = :atype AND target IN (" + in + "))"
	}
	query += " ORDER BY id"
	var reservations []*db.Reservation
	_, err = sess.Select(&reservations, query, params)
	return reservations, err
}

// ReservationsByAllocation returns reservations tied to the family of
// the given allocation: direct target matches plus approved
// reservations joined through their reserved slots.
func (q Queries) ReservationsByAllocation(ctx context.Context, allocationID int64) ([]*db.Reservation, error) {
	sess := q.session(ctx)
	allocation, err := allocationByID(sess, allocationID)
	if err != nil {
		return nil, err
	}
	master, err := masterOf(sess, allocation)
	if err != nil {
		return nil, err
	}
	family, err := familyByMaster(sess, master.ID)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"target": db.FormatAllocationTarget(master.ID),
		"atype":  db.ReservationTargetAllocation,
	}
	memberIDs := make([]int64, len(family))
	for i, member := range family {
		memberIDs[i] = member.ID
	}
	in := namedIn(params, "m", memberIDs)
	var reservations []*db.Reservation
	_, err = sess.Select(&reservations,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE (target_type = :atype AND target = :target)"+
			" OR token IN (SELECT reservation_token FROM "+db.ReservedSlot{}.TableName()+
			" WHERE allocation_id IN ("+in+")) ORDER BY id",
		params,
	)
	return reservations, err
}

// WaitinglistLength returns the number of pending reservations queued
// on the allocation, counting claims on the master itself as well as
// claims on its whole group. Mirrors report the length of their
// master.
func (q Queries) WaitinglistLength(ctx context.Context, allocationID int64) (int64, error) {
	sess := q.session(ctx)
	allocation, err := allocationByID(sess, allocationID)
	if err != nil {
		return 0, err
	}
	master, err := masterOf(sess, allocation)
	if err != nil {
		return 0, err
	}
	count, err := pendingCountByTarget(sess, db.FormatAllocationTarget(master.ID))
	if err != nil {
		return 0, err
	}
	if master.Group != nil {
		grouped, err := pendingCountByTarget(sess, *master.Group)
		if err != nil {
			return 0, err
		}
		count += grouped
	}
	return count, nil
}

// ReservedSlotsByReservation returns the slot rows claimed by one
// reservation row: slots carrying its token, within the target family
// and, for dated reservations, overlapping the reserved span.
func (q Queries) ReservedSlotsByReservation(ctx context.Context, r *db.Reservation) ([]*db.ReservedSlot, error) {
	return slotsByReservation(q.session(ctx), r)
}

func slotsByReservation(sess db.Session, r *db.Reservation) ([]*db.ReservedSlot, error) {
	var slots []*db.ReservedSlot
	params := map[string]any{"token": r.Token, "resource": r.Resource}
	query := "SELECT * FROM " + db.ReservedSlot{}.TableName() +
		" WHERE reservation_token = :token AND resource = :resource"
	if masterID, ok := r.TargetAllocationID(); ok {
		query += " AND allocation_id IN (SELECT id FROM " + db.Allocation{}.TableName() +
			" WHERE mirror_of = :master)"
		params["master"] = masterID
	}
	if span, ok := r.Span(); ok {
		query += ` AND "start" < :end AND "end" > :start`
		params["start"] = span.Start
		params["end"] = span.End
	}
	query += ` ORDER BY allocation_id, "start"`
	_, err := sess.Select(&slots, query, params)
	return slots, err
}

// ReservationTimespans returns the concrete spans one reservation row
// covers: its own span for dated targets, the window of every master
// in the group for group targets.
func (q Queries) ReservationTimespans(ctx context.Context, r *db.Reservation) ([]calendar.Span, error) {
	if span, ok := r.Span(); ok {
		return []calendar.Span{span}, nil
	}
	group, ok := r.TargetGroup()
	if !ok {
		return nil, nil
	}
	masters, err := mastersByGroup(q.session(ctx), group)
	if err != nil {
		return nil, err
	}
	return allocationSpans(masters), nil
}

// ReservationTargets returns the master allocations a token may bind:
// the direct targets of dated reservations and every master of a
// group-targeted one, deduplicated and ordered by start.
func (q Queries) ReservationTargets(ctx context.Context, token uuid.UUID) ([]*db.Allocation, error) {
	sess := q.session(ctx)
	reservations, err := reservationsByToken(sess, token.String())
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, errs.InvalidReservationTokenError{Token: token.String()}
	}
	return targetsOf(sess, reservations)
}

func targetsOf(sess db.Session, reservations []*db.Reservation) ([]*db.Allocation, error) {
	seen := map[int64]bool{}
	var targets []*db.Allocation
	add := func(a *db.Allocation) {
		if !seen[a.ID] {
			seen[a.ID] = true
			targets = append(targets, a)
		}
	}
	for _, r := range reservations {
		if masterID, ok := r.TargetAllocationID(); ok {
			master, err := allocationByID(sess, masterID)
			if err != nil {
				return nil, err
			}
			add(master)
			continue
		}
		group, _ := r.TargetGroup()
		masters, err := mastersByGroup(sess, group)
		if err != nil {
			return nil, err
		}
		for _, master := range masters {
			add(master)
		}
	}
	sortByStart(targets)
	return targets, nil
}

func sortByStart(allocations []*db.Allocation) {
	slices.SortFunc(allocations, func(a, b *db.Allocation) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// AllocationsByReservation returns the master allocations actually
// bound by a token: approved reservations resolve through their slots,
// pending ones through their declared targets.
func (q Queries) AllocationsByReservation(ctx context.Context, token uuid.UUID) ([]*db.Allocation, error) {
	sess := q.session(ctx)
	reservations, err := reservationsByToken(sess, token.String())
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, errs.InvalidReservationTokenError{Token: token.String()}
	}
	var pending, approved []*db.Reservation
	for _, r := range reservations {
		if r.IsPending() {
			pending = append(pending, r)
		} else {
			approved = append(approved, r)
		}
	}
	targets, err := targetsOf(sess, pending)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	for _, t := range targets {
		seen[t.ID] = true
	}
	for _, r := range approved {
		slots, err := slotsByReservation(sess, r)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			member, err := allocationByID(sess, slot.AllocationID)
			if err != nil {
				return nil, err
			}
			master, err := masterOf(sess, member)
			if err != nil {
				return nil, err
			}
			if !seen[master.ID] {
				seen[master.ID] = true
				targets = append(targets, master)
			}
		}
	}
	sortByStart(targets)
	return targets, nil
}

// ConfirmReservationsForSession detaches the token's cart lines from
// their session so they survive session expiry.
func (q Queries) ConfirmReservationsForSession(ctx context.Context, sessionID, token uuid.UUID) ([]*db.Reservation, error) {
	var confirmed []*db.Reservation
	err := q.store.Serialized(ctx, "confirm_session", func(ctx context.Context, tx *db.Tx) error {
		var reservations []*db.Reservation
		_, err := tx.Select(&reservations,
			"SELECT * FROM "+db.Reservation{}.TableName()+
				" WHERE session_id = :session AND token = :token ORDER BY id",
			map[string]any{"session": sessionID.String(), "token": token.String()},
		)
		if err != nil {
			return err
		}
		if len(reservations) == 0 {
			return errs.NoReservationsToConfirmError{SessionID: sessionID.String()}
		}
		for _, r := range reservations {
			r.SessionID = nil
			if _, err := tx.Update(r); err != nil {
				return err
			}
		}
		confirmed = reservations
		q.rctx.Hooks().ReservationsConfirmed.Fire(event.ReservationsConfirmed{
			Context:      q.rctx.Name(),
			Reservations: reservations,
			SessionID:    sessionID.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// FindExpiredReservationSessions returns the session ids whose every
// cart line was last touched before the cutoff.
func (q Queries) FindExpiredReservationSessions(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []string
	_, err := q.session(ctx).Select(&ids,
		"SELECT session_id FROM "+db.Reservation{}.TableName()+
			" WHERE session_id IS NOT NULL GROUP BY session_id"+
			" HAVING max(CASE WHEN modified > created THEN modified ELSE created END) < :cutoff"+
			" ORDER BY session_id",
		map[string]any{"cutoff": cutoff.UTC()},
	)
	if err != nil {
		return nil, err
	}
	sessions := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		session, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// RemoveExpiredReservationSessions deletes the cart lines of all
// sessions expired at the cutoff, along with any slots auto-approved
// lines already hold, and returns the removed reservations. Confirmed
// reservations have no session anymore and are never touched.
func (q Queries) RemoveExpiredReservationSessions(ctx context.Context, cutoff time.Time) ([]*db.Reservation, error) {
	var removed []*db.Reservation
	err := q.store.Serialized(ctx, "remove_expired_sessions", func(ctx context.Context, tx *db.Tx) error {
		sessions, err := q.FindExpiredReservationSessions(ctx, cutoff)
		if err != nil || len(sessions) == 0 {
			return err
		}
		params := map[string]any{}
		in := namedIn(params, "s", uuidStrings(sessions))
		var reservations []*db.Reservation
		_, err = tx.Select(&reservations,
			"SELECT * FROM "+db.Reservation{}.TableName()+
				" WHERE session_id IN ("+in+") ORDER BY id",
			params,
		)
		if err != nil || len(reservations) == 0 {
			return err
		}

		tokens := make([]string, 0, len(reservations))
		seen := map[string]bool{}
		for _, r := range reservations {
			if !seen[r.Token] {
				seen[r.Token] = true
				tokens = append(tokens, r.Token)
			}
		}
		slotParams := map[string]any{}
		slotIn := namedIn(slotParams, "t", tokens)
		var slots []*db.ReservedSlot
		_, err = tx.Select(&slots,
			"SELECT * FROM "+db.ReservedSlot{}.TableName()+
				" WHERE reservation_token IN ("+slotIn+")",
			slotParams,
		)
		if err != nil {
			return err
		}
		if len(slots) > 0 {
			if _, err := tx.Exec(
				"DELETE FROM "+db.ReservedSlot{}.TableName()+
					" WHERE reservation_token IN ("+slotIn+")",
				slotParams,
			); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			"DELETE FROM "+db.Reservation{}.TableName()+
				" WHERE session_id IN ("+in+")",
			params,
		); err != nil {
			return err
		}

		removed = reservations
		q.rctx.Hooks().ReservationsRemoved.Fire(event.ReservationsRemoved{
			Context:      q.rctx.Name(),
			Reservations: reservations,
		})
		if len(slots) > 0 {
			q.rctx.Hooks().ReservedSlotsReleased.Fire(event.ReservedSlotsReleased{
				Context: q.rctx.Name(),
				Slots:   slots,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
