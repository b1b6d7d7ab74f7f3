// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/errs"
	"github.com/cobaltcore-dev/resa/event"
)

// Deliberately liberal, deliverability is the mail layer's problem.
var emailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// ReserveOptions describes one reservation request. Exactly one of
// Dates and Group must be set.
type ReserveOptions struct {
	// Email of the person holding the reservation.
	Email string
	// Dates to reserve. Each span must lie inside a single allocation.
	Dates []calendar.Span
	// Group reserves one allocation out of a group; the concrete
	// allocation is picked at approval time.
	Group uuid.UUID
	// Data is stored on every line, encoded with the context codec.
	Data any
	// SessionID puts the lines into a browsing cart that expires
	// unless confirmed.
	SessionID uuid.UUID
	// Quota is the number of spots to claim, default 1.
	Quota int
	// SingleTokenPerSession reuses the token of the cart's existing
	// lines so a single approval covers the whole cart.
	SingleTokenPerSession bool
}

// Reserve creates one pending reservation per requested date, or a
// single one for a group target, all sharing the returned token. When
// no targeted allocation requires manual approval the reservations are
// approved in the same transaction and hold their slots on return.
func (s *Scheduler) Reserve(ctx context.Context, opts ReserveOptions) (uuid.UUID, error) {
	email := strings.TrimSpace(opts.Email)
	if !emailPattern.MatchString(email) {
		return uuid.Nil, errs.InvalidEmailAddressError{Email: opts.Email}
	}
	quota := opts.Quota
	if quota == 0 {
		quota = 1
	}
	if quota < 1 {
		return uuid.Nil, errs.InvalidQuotaError{Quota: quota}
	}
	if (len(opts.Dates) > 0) == (opts.Group != uuid.Nil) {
		return uuid.Nil, errs.ReservationParametersInvalidError{
			Reason: "exactly one of dates and group must be given",
		}
	}
	data, err := s.encodeReservationData(opts.Data)
	if err != nil {
		return uuid.Nil, err
	}

	var (
		token    uuid.UUID
		made     int
		approved []*db.ReservedSlot
	)
	err = s.store.Serialized(ctx, "reserve", func(ctx context.Context, tx *db.Tx) error {
		token, made, approved = uuid.New(), 0, nil

		var sessionID *string
		if opts.SessionID != uuid.Nil {
			id := opts.SessionID.String()
			sessionID = &id
			if opts.SingleTokenPerSession {
				existing, err := reservationsBySession(tx, id)
				if err != nil {
					return err
				}
				if len(existing) > 0 {
					shared, err := uuid.Parse(existing[0].Token)
					if err != nil {
						return err
					}
					token = shared
				}
			}
		}

		var reservations []*db.Reservation
		if opts.Group != uuid.Nil {
			r, err := s.newGroupReservation(tx, opts.Group, quota)
			if err != nil {
				return err
			}
			reservations = []*db.Reservation{r}
		} else {
			for _, span := range opts.Dates {
				r, err := s.newDatedReservation(tx, span, quota)
				if err != nil {
					return err
				}
				reservations = append(reservations, r)
			}
		}
		for _, r := range reservations {
			r.Token = token.String()
			r.Email = email
			r.SessionID = sessionID
			r.Data = data
		}

		if sessionID != nil {
			if err := checkDuplicateLines(tx, *sessionID, reservations); err != nil {
				return err
			}
		}
		for _, r := range reservations {
			if err := tx.Insert(r); err != nil {
				return err
			}
		}
		made = len(reservations)
		s.hooks().ReservationsMade.Fire(event.ReservationsMade{
			Context:      s.rctx.Name(),
			Reservations: reservations,
		})

		for _, r := range reservations {
			if r.Type == db.ReservationTypeWaitinglist {
				return nil
			}
		}
		slots, err := s.approve(tx, reservations)
		if err != nil {
			return err
		}
		approved = slots
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.monitor.observeReservations("made", made)
	if len(approved) > 0 {
		s.monitor.observeReservations("approved", made)
		s.monitor.observeSlots("reserved", len(approved))
	}
	return token, nil
}

// newDatedReservation builds and validates one pending line for a
// concrete span. The span must lie inside exactly one allocation.
func (s *Scheduler) newDatedReservation(tx *db.Tx, span calendar.Span, quota int) (*db.Reservation, error) {
	span = span.UTC()
	masters, err := mastersInRange(tx, span, []string{s.resource})
	if err != nil {
		return nil, err
	}
	var master *db.Allocation
	for _, m := range masters {
		if span.Within(m.Span()) {
			master = m
			break
		}
	}
	if master == nil {
		return nil, errs.NotReservableError{Start: span.Start, End: span.End}
	}

	start, end := span.Start, span.End
	r := &db.Reservation{
		Target:     db.FormatAllocationTarget(master.ID),
		TargetType: db.ReservationTargetAllocation,
		Resource:   s.resource,
		Start:      &start,
		End:        &end,
		Timezone:   master.Timezone,
		Quota:      quota,
		Status:     db.ReservationStatusPending,
		Type:       db.ReservationTypeFree,
	}
	if master.ApproveManually {
		r.Type = db.ReservationTypeWaitinglist
	}
	if err := checkShape(master, span, quota, r); err != nil {
		return nil, err
	}

	if !master.ApproveManually {
		free, err := freeMembers(tx, master, span)
		if err != nil {
			return nil, err
		}
		if free < quota {
			return nil, errs.AlreadyReservedError{Reservation: r}
		}
		return r, nil
	}
	if master.WaitinglistSpots != nil {
		count, err := pendingCountByTarget(tx, r.Target)
		if err != nil {
			return nil, err
		}
		if count >= *master.WaitinglistSpots {
			return nil, errs.AlreadyReservedError{Reservation: r}
		}
	}
	return r, nil
}

// newGroupReservation builds and validates the single pending line of
// a group target. The group is reservable as long as at least one of
// its allocations could satisfy the request.
func (s *Scheduler) newGroupReservation(tx *db.Tx, group uuid.UUID, quota int) (*db.Reservation, error) {
	all, err := mastersByGroup(tx, group.String())
	if err != nil {
		return nil, err
	}
	masters := all[:0]
	for _, m := range all {
		if m.Resource == s.resource {
			masters = append(masters, m)
		}
	}
	if len(masters) == 0 {
		return nil, errs.NotReservableError{Group: group.String()}
	}

	r := &db.Reservation{
		Target:     group.String(),
		TargetType: db.ReservationTargetGroup,
		Resource:   s.resource,
		Timezone:   masters[0].Timezone,
		Quota:      quota,
		Status:     db.ReservationStatusPending,
		Type:       db.ReservationTypeFree,
	}
	manual := false
	for _, m := range masters {
		if m.ApproveManually {
			manual = true
		}
	}
	if manual {
		r.Type = db.ReservationTypeWaitinglist
	}

	fits, maxQuota, maxLimit := false, 0, 0
	for _, m := range masters {
		maxQuota = max(maxQuota, m.Quota)
		maxLimit = max(maxLimit, m.QuotaLimit)
		if (m.QuotaLimit == 0 || quota <= m.QuotaLimit) && quota <= m.Quota {
			fits = true
		}
	}
	if !fits {
		if quota > maxQuota {
			return nil, errs.QuotaImpossibleError{Requested: quota, Available: maxQuota, Reservation: r}
		}
		return nil, errs.QuotaOverLimitError{Requested: quota, Limit: maxLimit, Reservation: r}
	}

	if !manual {
		for _, m := range masters {
			if m.QuotaLimit > 0 && m.QuotaLimit < quota || m.Quota < quota {
				continue
			}
			free, err := freeMembers(tx, m, m.Span())
			if err != nil {
				return nil, err
			}
			if free >= quota {
				return r, nil
			}
		}
		return nil, errs.AlreadyReservedError{Reservation: r}
	}

	// The strictest cap of the group decides when the waitinglist is
	// full.
	var spots *int64
	for _, m := range masters {
		if m.WaitinglistSpots == nil {
			continue
		}
		if spots == nil || *m.WaitinglistSpots < *spots {
			spots = m.WaitinglistSpots
		}
	}
	if spots != nil {
		count, err := pendingCountByTarget(tx, r.Target)
		if err != nil {
			return nil, err
		}
		if count >= *spots {
			return nil, errs.AlreadyReservedError{Reservation: r}
		}
	}
	return r, nil
}

// checkShape validates a requested span against its allocation the way
// Reserve does, attaching the candidate reservation to any error.
func checkShape(master *db.Allocation, span calendar.Span, quota int, r *db.Reservation) error {
	if !validLength(master, span) {
		return errs.ReservationTooLongError{Start: span.Start, End: span.End, Reservation: r}
	}
	if span.Duration() < 5*time.Minute {
		return errs.ReservationTooShortError{Start: span.Start, End: span.End, Reservation: r}
	}
	if !master.PartlyAvailable {
		if !span.Equal(master.Span()) {
			return errs.ReservationParametersInvalidError{
				Reason:      "allocation must be reserved as a whole",
				Reservation: r,
			}
		}
	} else if !calendar.OnRaster(span.Start, master.Raster) || !calendar.OnRaster(span.End, master.Raster) {
		return errs.ReservationParametersInvalidError{
			Reason:      "dates are not aligned to the raster",
			Reservation: r,
		}
	}
	if 0 < master.QuotaLimit && master.QuotaLimit < quota {
		return errs.QuotaOverLimitError{Requested: quota, Limit: master.QuotaLimit, Reservation: r}
	}
	if master.Quota < quota {
		return errs.QuotaImpossibleError{Requested: quota, Available: master.Quota, Reservation: r}
	}
	return nil
}

// Reservations are capped at 24 hours, or at 25 on whole-day
// allocations so a DST fall-back day still fits.
func validLength(master *db.Allocation, span calendar.Span) bool {
	if span.Duration() < 24*time.Hour {
		return true
	}
	return master.WholeDay() && span.Duration() <= 25*time.Hour
}

// freeMembers counts the family members of the master that are still
// fully available over the span.
func freeMembers(sess db.Session, master *db.Allocation, span calendar.Span) (int, error) {
	family, err := familyByMaster(sess, master.ID)
	if err != nil {
		return 0, err
	}
	slots, err := slotsByAllocationIDs(sess, allocationIDs(family))
	if err != nil {
		return 0, err
	}
	free := 0
	for _, member := range family {
		if member.IsAvailable(span, slots) {
			free++
		}
	}
	return free, nil
}

func pendingCountByTarget(sess db.Session, target string) (int64, error) {
	return sess.SelectInt(
		"SELECT count(*) FROM "+db.Reservation{}.TableName()+
			" WHERE target = :target AND status = :status",
		map[string]any{"target": target, "status": db.ReservationStatusPending},
	)
}

// checkDuplicateLines rejects a line the cart already holds.
func checkDuplicateLines(tx *db.Tx, sessionID string, fresh []*db.Reservation) error {
	existing, err := reservationsBySession(tx, sessionID)
	if err != nil {
		return err
	}
	for _, r := range fresh {
		for _, e := range existing {
			if e.Resource == r.Resource && e.Target == r.Target &&
				timePtrEqual(e.Start, r.Start) && timePtrEqual(e.End, r.End) &&
				e.Quota == r.Quota {
				return errs.AlreadyReservedError{Reservation: e}
			}
		}
	}
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ApproveReservations claims concrete slots for every pending
// reservation under the token and marks them approved, returning the
// created slots.
func (s *Scheduler) ApproveReservations(ctx context.Context, token uuid.UUID) ([]*db.ReservedSlot, error) {
	var created []*db.ReservedSlot
	var count int
	err := s.store.Serialized(ctx, "approve_reservations", func(ctx context.Context, tx *db.Tx) error {
		created, count = nil, 0
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		pending := rows[:0]
		for _, r := range rows {
			if r.IsPending() {
				pending = append(pending, r)
			}
		}
		if len(pending) == 0 {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		count = len(pending)
		created, err = s.approve(tx, pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.monitor.observeReservations("approved", count)
	s.monitor.observeSlots("reserved", len(created))
	return created, nil
}

// approve runs the approval step for the given pending reservations.
// Waitinglist lines go first so a full allocation fails the approval
// before any slot is claimed.
func (s *Scheduler) approve(tx *db.Tx, reservations []*db.Reservation) ([]*db.ReservedSlot, error) {
	ordered := slices.Clone(reservations)
	slices.SortStableFunc(ordered, func(a, b *db.Reservation) int {
		return cmp.Compare(approvalRank(a), approvalRank(b))
	})

	var created []*db.ReservedSlot
	for _, r := range ordered {
		slots, err := s.claimSlots(tx, r)
		if err != nil {
			return nil, err
		}
		r.Status = db.ReservationStatusApproved
		if _, err := tx.Update(r); err != nil {
			return nil, err
		}
		created = append(created, slots...)
	}

	s.hooks().ReservationsApproved.Fire(event.ReservationsApproved{
		Context:      s.rctx.Name(),
		Reservations: reservations,
	})
	s.hooks().ReservedSlotsReserved.Fire(event.ReservedSlotsReserved{
		Context: s.rctx.Name(),
		Slots:   created,
	})
	return created, nil
}

func approvalRank(r *db.Reservation) int {
	if r.Type == db.ReservationTypeWaitinglist {
		return 0
	}
	return 1
}

// claimSlots inserts the reserved slots for one reservation. Per
// atomic tick the lowest-id family members without a slot at that tick
// are taken, quota many of them.
func (s *Scheduler) claimSlots(tx *db.Tx, r *db.Reservation) ([]*db.ReservedSlot, error) {
	master, span, err := s.resolveTarget(tx, r)
	if err != nil {
		return nil, err
	}
	family, err := familyByMaster(tx, master.ID)
	if err != nil {
		return nil, err
	}
	slots, err := slotsByAllocationIDs(tx, allocationIDs(family))
	if err != nil {
		return nil, err
	}

	ticks := master.AllSlots(span)
	if len(ticks) == 0 {
		return nil, errs.NotReservableError{Start: span.Start, End: span.End, Reservation: r}
	}
	var created []*db.ReservedSlot
	for _, tick := range ticks {
		chosen := 0
		for _, member := range family {
			if chosen == r.Quota {
				break
			}
			if !member.IsAvailable(tick, slots) {
				continue
			}
			slot := &db.ReservedSlot{
				Resource:         master.Resource,
				AllocationID:     member.ID,
				Start:            tick.Start,
				End:              tick.End,
				ReservationToken: r.Token,
			}
			if err := tx.Insert(slot); err != nil {
				if db.IsUniqueViolation(err) {
					return nil, errs.AlreadyReservedError{Reservation: r}
				}
				return nil, err
			}
			slots = append(slots, slot)
			created = append(created, slot)
			chosen++
		}
		if chosen < r.Quota {
			return nil, errs.AlreadyReservedError{Reservation: r}
		}
	}
	return created, nil
}

// resolveTarget turns a reservation target into the allocation and
// span to claim. Group targets pick the first allocation of the group,
// by ascending id, that can still hold the request.
func (s *Scheduler) resolveTarget(tx *db.Tx, r *db.Reservation) (*db.Allocation, calendar.Span, error) {
	if id, ok := r.TargetAllocationID(); ok {
		master, err := allocationByID(tx, id)
		if err != nil {
			return nil, calendar.Span{}, err
		}
		if span, ok := r.Span(); ok {
			return master, span, nil
		}
		return master, master.Span(), nil
	}

	group, _ := r.TargetGroup()
	masters, err := mastersByGroup(tx, group)
	if err != nil {
		return nil, calendar.Span{}, err
	}
	ordered := make([]*db.Allocation, 0, len(masters))
	for _, m := range masters {
		if m.Resource == s.resource {
			ordered = append(ordered, m)
		}
	}
	slices.SortFunc(ordered, func(a, b *db.Allocation) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, m := range ordered {
		if m.QuotaLimit > 0 && m.QuotaLimit < r.Quota || m.Quota < r.Quota {
			continue
		}
		free, err := freeMembers(tx, m, m.Span())
		if err != nil {
			return nil, calendar.Span{}, err
		}
		if free >= r.Quota {
			return m, m.Span(), nil
		}
	}
	return nil, calendar.Span{}, errs.AlreadyReservedError{Reservation: r}
}

// reservationsOf loads the token's reservations on this resource.
func (s *Scheduler) reservationsOf(tx *db.Tx, token string) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	_, err := tx.Select(&reservations,
		"SELECT * FROM "+db.Reservation{}.TableName()+
			" WHERE token = :token AND resource = :resource ORDER BY id",
		map[string]any{"token": token, "resource": s.resource},
	)
	return reservations, err
}

// DenyReservation drops the token's pending reservations from the
// waitinglist. Approved reservations are left untouched.
func (s *Scheduler) DenyReservation(ctx context.Context, token uuid.UUID) error {
	var denied int
	err := s.store.Serialized(ctx, "deny_reservation", func(ctx context.Context, tx *db.Tx) error {
		denied = 0
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		pending := rows[:0]
		for _, r := range rows {
			if r.IsPending() {
				pending = append(pending, r)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		for _, r := range pending {
			if _, err := tx.Delete(r); err != nil {
				return err
			}
		}
		denied = len(pending)
		s.hooks().ReservationsDenied.Fire(event.ReservationsDenied{
			Context:      s.rctx.Name(),
			Reservations: pending,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.monitor.observeReservations("denied", denied)
	return nil
}

// RemoveReservation deletes every reservation under the token together
// with the slots they hold, regardless of status. This is the only
// call that drops approved reservations.
func (s *Scheduler) RemoveReservation(ctx context.Context, token uuid.UUID) error {
	return s.removeReservations(ctx, token, 0)
}

// RemoveReservationByID deletes a single line of a token.
func (s *Scheduler) RemoveReservationByID(ctx context.Context, token uuid.UUID, id int64) error {
	return s.removeReservations(ctx, token, id)
}

func (s *Scheduler) removeReservations(ctx context.Context, token uuid.UUID, id int64) error {
	var removedRows, removedSlots int
	err := s.store.Serialized(ctx, "remove_reservation", func(ctx context.Context, tx *db.Tx) error {
		removedRows, removedSlots = 0, 0
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		if id != 0 {
			matched := rows[:0]
			for _, r := range rows {
				if r.ID == id {
					matched = append(matched, r)
				}
			}
			rows = matched
		}
		if len(rows) == 0 {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}

		var released []*db.ReservedSlot
		for _, r := range rows {
			slots, err := slotsByReservation(tx, r)
			if err != nil {
				return err
			}
			for _, slot := range slots {
				if _, err := tx.Delete(slot); err != nil {
					return err
				}
			}
			released = append(released, slots...)
			if _, err := tx.Delete(r); err != nil {
				return err
			}
		}
		removedRows, removedSlots = len(rows), len(released)
		s.hooks().ReservationsRemoved.Fire(event.ReservationsRemoved{
			Context:      s.rctx.Name(),
			Reservations: rows,
		})
		if len(released) > 0 {
			s.hooks().ReservedSlotsReleased.Fire(event.ReservedSlotsReleased{
				Context: s.rctx.Name(),
				Slots:   released,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.monitor.observeReservations("removed", removedRows)
	s.monitor.observeSlots("released", removedSlots)
	return nil
}

// RemoveReservationFromSession drops a single pending line from a
// cart. Approved lines are out of the cart's reach.
func (s *Scheduler) RemoveReservationFromSession(ctx context.Context, sessionID, token uuid.UUID, id int64) error {
	err := s.store.Serialized(ctx, "remove_session_reservation", func(ctx context.Context, tx *db.Tx) error {
		var r db.Reservation
		err := tx.SelectOne(&r,
			"SELECT * FROM "+db.Reservation{}.TableName()+
				" WHERE session_id = :session AND token = :token AND id = :id AND status = :status",
			map[string]any{
				"session": sessionID.String(),
				"token":   token.String(),
				"id":      id,
				"status":  db.ReservationStatusPending,
			},
		)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		if err != nil {
			return err
		}
		if _, err := tx.Delete(&r); err != nil {
			return err
		}
		s.hooks().ReservationsRemoved.Fire(event.ReservationsRemoved{
			Context:      s.rctx.Name(),
			Reservations: []*db.Reservation{&r},
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.monitor.observeReservations("removed", 1)
	return nil
}

// ChangeEmail updates the address on every line under the token.
func (s *Scheduler) ChangeEmail(ctx context.Context, token uuid.UUID, email string) error {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return errs.InvalidEmailAddressError{Email: email}
	}
	return s.store.Serialized(ctx, "change_email", func(ctx context.Context, tx *db.Tx) error {
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		for _, r := range rows {
			r.Email = email
			if _, err := tx.Update(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChangeReservationData replaces the payload on every line under the
// token.
func (s *Scheduler) ChangeReservationData(ctx context.Context, token uuid.UUID, v any) error {
	data, err := s.encodeReservationData(v)
	if err != nil {
		return err
	}
	return s.store.Serialized(ctx, "change_reservation_data", func(ctx context.Context, tx *db.Tx) error {
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		for _, r := range rows {
			r.Data = data
			if _, err := tx.Update(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReservationChanges amends a reservation line beyond its dates.
type ReservationChanges struct {
	// Quota replaces the number of claimed spots, nil keeps it.
	Quota *int
}

// ChangeReservation moves a single line to a new span inside its
// allocation, keeping id, token and session. An approved reservation
// releases its old slots and claims the new ones in the same
// transaction. Returns false without touching anything when nothing
// would change.
func (s *Scheduler) ChangeReservation(ctx context.Context, token uuid.UUID, id int64, newStart, newEnd time.Time, changes ReservationChanges) (bool, error) {
	if changes.Quota != nil && *changes.Quota < 1 {
		return false, errs.InvalidQuotaError{Quota: *changes.Quota}
	}
	span := calendar.Span{Start: newStart.UTC(), End: newEnd.UTC()}

	var changed bool
	var released, claimed []*db.ReservedSlot
	err := s.store.Serialized(ctx, "change_reservation", func(ctx context.Context, tx *db.Tx) error {
		changed, released, claimed = false, nil, nil
		rows, err := s.reservationsOf(tx, token.String())
		if err != nil {
			return err
		}
		var r *db.Reservation
		for _, row := range rows {
			if row.ID == id {
				r = row
				break
			}
		}
		if r == nil {
			return errs.InvalidReservationTokenError{Token: token.String()}
		}
		if r.TargetType == db.ReservationTargetGroup {
			return errs.ReservationParametersInvalidError{
				Reason:      "group reservations carry no dates to change",
				Reservation: r,
			}
		}
		quota := r.Quota
		if changes.Quota != nil {
			quota = *changes.Quota
		}
		current, _ := r.Span()
		if current.Equal(span) && quota == r.Quota {
			return nil
		}

		targetID, _ := r.TargetAllocationID()
		master, err := allocationByID(tx, targetID)
		if err != nil {
			return err
		}
		if !master.Contains(span) {
			return errs.ReservationOutOfBoundsError{
				Start: span.Start, End: span.End,
				AllocationStart: master.Start, AllocationEnd: master.End,
				Reservation: r,
			}
		}

		// Old slots go first so the new span may overlap the old one.
		approved := !r.IsPending()
		if approved {
			slots, err := slotsByReservation(tx, r)
			if err != nil {
				return err
			}
			for _, slot := range slots {
				if _, err := tx.Delete(slot); err != nil {
					return err
				}
			}
			released = slots
		}

		if err := checkShape(master, span, quota, r); err != nil {
			return err
		}
		if !master.ApproveManually {
			free, err := freeMembers(tx, master, span)
			if err != nil {
				return err
			}
			if free < quota {
				return errs.AlreadyReservedError{Reservation: r}
			}
		}

		oldStart, oldEnd := *r.Start, *r.End
		start, end := span.Start, span.End
		r.Start, r.End = &start, &end
		r.Quota = quota
		if _, err := tx.Update(r); err != nil {
			return err
		}
		if approved {
			if claimed, err = s.claimSlots(tx, r); err != nil {
				return err
			}
		}

		s.hooks().ReservationTimeChanged.Fire(event.ReservationTimeChanged{
			Context:     s.rctx.Name(),
			Reservation: r,
			OldStart:    oldStart,
			OldEnd:      oldEnd,
			NewStart:    span.Start,
			NewEnd:      span.End,
		})
		if len(released) > 0 {
			s.hooks().ReservedSlotsReleased.Fire(event.ReservedSlotsReleased{
				Context: s.rctx.Name(),
				Slots:   released,
			})
		}
		if len(claimed) > 0 {
			s.hooks().ReservedSlotsReserved.Fire(event.ReservedSlotsReserved{
				Context: s.rctx.Name(),
				Slots:   claimed,
			})
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.monitor.observeReservations("changed", 1)
		s.monitor.observeSlots("released", len(released))
		s.monitor.observeSlots("reserved", len(claimed))
	}
	return changed, nil
}

func (s *Scheduler) encodeReservationData(v any) (db.Data, error) {
	data, err := encodeData(s.rctx.Codec(), v)
	if err != nil {
		return nil, err
	}
	if err := s.rctx.ValidateReservationData(data); err != nil {
		return nil, err
	}
	return data, nil
}
