// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/errs"
	"github.com/google/uuid"
)

func TestAllocationByID(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}, Quota: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	master := masters[0]

	got, err := q.AllocationByID(ctx, master.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.ID != master.ID || !got.Span().Equal(window) {
		t.Errorf("expected master %d over %v, got %d over %v", master.ID, window, got.ID, got.Span())
	}

	// Mirror rows resolve as well.
	mirrors, err := q.AllocationMirrorsByMaster(ctx, master.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(mirrors) != 1 {
		t.Fatalf("expected 1 mirror, got %d", len(mirrors))
	}
	viaMirror, err := q.AllocationByID(ctx, mirrors[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if viaMirror.IsMaster() {
		t.Error("expected a mirror row")
	}
	if viaMirror.MirrorOf != master.ID {
		t.Errorf("expected mirror_of %d, got %d", master.ID, viaMirror.MirrorOf)
	}

	if _, err := q.AllocationByID(ctx, master.ID+999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestAllocationsByIDs(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{
		span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
		span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Unknown ids are skipped, results come back in id order.
	got, err := q.AllocationsByIDs(ctx, []int64{masters[1].ID, masters[0].ID, masters[1].ID + 999})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(got))
	}
	if got[0].ID != masters[0].ID || got[1].ID != masters[1].ID {
		t.Errorf("expected ids %d, %d, got %d, %d", masters[0].ID, masters[1].ID, got[0].ID, got[1].ID)
	}

	got, err = q.AllocationsByIDs(ctx, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no allocations, got %d", len(got))
	}
}

func TestAllocationsByGroup(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	// Windows given out of order come back sorted by start.
	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0)),
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
		},
		Quota:   2,
		Grouped: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	group := uuid.MustParse(*masters[0].Group)

	got, err := q.AllocationsByGroup(ctx, group)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 masters, got %d", len(got))
	}
	for i, a := range got {
		if !a.IsMaster() {
			t.Errorf("expected only masters, got mirror %d", a.ID)
		}
		expected := utc(2024, 6, 10+i, 10, 0)
		if !a.Start.Equal(expected) {
			t.Errorf("expected start %v, got %v", expected, a.Start)
		}
	}

	dates, err := q.AllocationDatesByGroup(ctx, group)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, d := range dates {
		expected := span(utc(2024, 6, 10+i, 10, 0), utc(2024, 6, 10+i, 11, 0))
		if !d.Equal(expected) {
			t.Errorf("expected %v, got %v", expected, d)
		}
	}

	got, err = q.AllocationsByGroup(ctx, uuid.New())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no masters, got %d", len(got))
	}
}

func TestAllocationsByGroups(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	first, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
			span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0)),
		},
		Grouped: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
		},
		Grouped: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := q.AllocationsByGroups(ctx, []uuid.UUID{
		uuid.MustParse(*first[0].Group),
		uuid.MustParse(*second[0].Group),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 masters, got %d", len(got))
	}
	for i, a := range got {
		expected := utc(2024, 6, 10+i, 10, 0)
		if !a.Start.Equal(expected) {
			t.Errorf("expected start %v, got %v", expected, a.Start)
		}
	}

	got, err = q.AllocationsByGroups(ctx, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no masters, got %d", len(got))
	}
}

func TestQueriesAllocationsInRange(t *testing.T) {
	rooms, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()
	courts := New(rctx, "courts", time.UTC, Monitor{})

	if _, err := rooms.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
			span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0)),
		},
		Quota: 2,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := courts.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	window := span(utc(2024, 6, 10, 0, 0), utc(2024, 6, 12, 0, 0))
	got, err := q.AllocationsInRange(ctx, window, []string{rooms.Resource()})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Mirrors stay hidden, the June 12 window starts past the range.
	if len(got) != 2 {
		t.Fatalf("expected 2 masters, got %d", len(got))
	}

	got, err = q.AllocationsInRange(ctx, window, []string{rooms.Resource(), courts.Resource()})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 masters, got %d", len(got))
	}

	got, err = q.AllocationsInRange(ctx, window, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no masters, got %d", len(got))
	}
}

func TestAllocationDatesByIDs(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{
		span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
		span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	dates, err := q.AllocationDatesByIDs(ctx, []int64{masters[0].ID, masters[1].ID})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(dates))
	}
	for i, d := range dates {
		if !d.Equal(masters[i].Span()) {
			t.Errorf("expected %v, got %v", masters[i].Span(), d)
		}
	}
}

func TestManualApprovalRequired(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	auto, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	manual, err := s.Allocate(ctx, AllocateOptions{
		Dates:           []calendar.Span{span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))},
		ApproveManually: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	required, err := q.ManualApprovalRequired(ctx, []int64{auto[0].ID})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if required {
		t.Error("expected no manual approval for the automatic allocation")
	}
	required, err = q.ManualApprovalRequired(ctx, []int64{auto[0].ID, manual[0].ID})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !required {
		t.Error("expected manual approval once a manual allocation is involved")
	}
	required, err = q.ManualApprovalRequired(ctx, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if required {
		t.Error("expected no manual approval for no allocations")
	}
}

func TestReservationsByGroup(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
		},
		Grouped: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	group := uuid.MustParse(*masters[0].Group)

	groupToken, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Group: group})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	datedToken, err := s.Reserve(ctx, ReserveOptions{
		Email: "bob@example.org",
		Dates: []calendar.Span{masters[1].Span()},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// An unrelated reservation stays out of the result.
	other := span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{other}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{Email: "carol@example.org", Dates: []calendar.Span{other}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rows, err := q.ReservationsByGroup(ctx, group)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(rows))
	}
	if rows[0].Token != groupToken.String() || rows[1].Token != datedToken.String() {
		t.Errorf("expected tokens %s, %s, got %s, %s",
			groupToken, datedToken, rows[0].Token, rows[1].Token)
	}
}

func TestReservationsByAllocation(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}, Quota: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, email := range []string{"alice@example.org", "bob@example.org"} {
		if _, err := s.Reserve(ctx, ReserveOptions{Email: email, Dates: []calendar.Span{window}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	// An unrelated allocation with its own reservation.
	other := span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{other}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{Email: "carol@example.org", Dates: []calendar.Span{other}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	mirrors, err := q.AllocationMirrorsByMaster(ctx, masters[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Asking through the mirror resolves the whole family.
	rows, err := q.ReservationsByAllocation(ctx, mirrors[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 reservations, got %d", len(rows))
	}

	if _, err := q.ReservationsByAllocation(ctx, masters[0].ID+999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestWaitinglistLength(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
		},
		Quota:           2,
		Grouped:         true,
		ApproveManually: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	length, err := q.WaitinglistLength(ctx, masters[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 0 {
		t.Errorf("expected an empty waitinglist, got %d", length)
	}

	// A dated request queues on its master alone, a group request
	// queues on every master of the group.
	if _, err := s.Reserve(ctx, ReserveOptions{
		Email: "alice@example.org",
		Dates: []calendar.Span{masters[0].Span()},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	groupToken, err := s.Reserve(ctx, ReserveOptions{
		Email: "bob@example.org",
		Group: uuid.MustParse(*masters[0].Group),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	length, err = q.WaitinglistLength(ctx, masters[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 2 {
		t.Errorf("expected 2 pending requests, got %d", length)
	}
	length, err = q.WaitinglistLength(ctx, masters[1].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 1 {
		t.Errorf("expected 1 pending request, got %d", length)
	}

	// Asking through a mirror reports the master's queue.
	mirrors, err := q.AllocationMirrorsByMaster(ctx, masters[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	length, err = q.WaitinglistLength(ctx, mirrors[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 2 {
		t.Errorf("expected 2 pending requests via the mirror, got %d", length)
	}

	// Approval takes the request out of the queue.
	if _, err := s.ApproveReservations(ctx, groupToken); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	length, err = q.WaitinglistLength(ctx, masters[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 1 {
		t.Errorf("expected 1 pending request, got %d", length)
	}
	length, err = q.WaitinglistLength(ctx, masters[1].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length != 0 {
		t.Errorf("expected an empty waitinglist, got %d", length)
	}

	if _, err := q.WaitinglistLength(ctx, masters[1].ID+999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestReservedSlotsByReservationSpans(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	if _, err := s.Allocate(ctx, AllocateOptions{
		Dates:           []calendar.Span{span(utc(2024, 6, 10, 9, 0), utc(2024, 6, 10, 12, 0))},
		PartlyAvailable: true,
		Raster:          30,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Two lines of one token on the same allocation, separated only by
	// their spans.
	token, err := s.Reserve(ctx, ReserveOptions{
		Email: "alice@example.org",
		Dates: []calendar.Span{
			span(utc(2024, 6, 10, 9, 0), utc(2024, 6, 10, 10, 0)),
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rows, err := q.ReservationsByToken(ctx, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(rows))
	}

	for i, row := range rows {
		slots, err := q.ReservedSlotsByReservation(ctx, row)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(slots) != 2 {
			t.Fatalf("expected 2 slots, got %d", len(slots))
		}
		lineSpan, _ := row.Span()
		for _, slot := range slots {
			if !slot.Span().Within(lineSpan) {
				t.Errorf("expected slot %v within line %d span %v", slot.Span(), i, lineSpan)
			}
		}
	}
}

func TestReservationTargetsAndBinding(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{
			span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
			span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
		},
		Grouped:         true,
		ApproveManually: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	group := uuid.MustParse(*masters[0].Group)

	token, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Group: group})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// While pending, every master of the group is a possible target.
	targets, err := q.ReservationTargets(ctx, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if !targets[0].Start.Equal(utc(2024, 6, 10, 10, 0)) {
		t.Errorf("expected targets ordered by start, got %v first", targets[0].Start)
	}
	bound, err := q.AllocationsByReservation(ctx, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(bound) != 2 {
		t.Errorf("expected 2 possible allocations, got %d", len(bound))
	}

	// Approval picks the first free master by id, the June 11 one.
	if _, err := s.ApproveReservations(ctx, token); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	bound, err = q.AllocationsByReservation(ctx, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(bound) != 1 {
		t.Fatalf("expected 1 bound allocation, got %d", len(bound))
	}
	if bound[0].ID != masters[0].ID {
		t.Errorf("expected allocation %d, got %d", masters[0].ID, bound[0].ID)
	}
	targets, err = q.ReservationTargets(ctx, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(targets) != 2 {
		t.Errorf("expected 2 targets, got %d", len(targets))
	}

	var tokenErr errs.InvalidReservationTokenError
	if _, err := q.ReservationTargets(ctx, uuid.New()); !errors.As(err, &tokenErr) {
		t.Errorf("expected InvalidReservationTokenError, got %v", err)
	}
	if _, err := q.AllocationsByReservation(ctx, uuid.New()); !errors.As(err, &tokenErr) {
		t.Errorf("expected InvalidReservationTokenError, got %v", err)
	}
}

func TestReservationTimespans(t *testing.T) {
	s, rctx := newTestSchedulerIn(t, "Europe/Zurich")
	q := NewQueries(rctx)
	ctx := context.Background()

	windows := []calendar.Span{
		span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0)),
		span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0)),
	}
	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates:           windows,
		Grouped:         true,
		ApproveManually: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	group := uuid.MustParse(*masters[0].Group)

	// A group reservation covers the window of every master.
	groupToken, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Group: group})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rows, err := q.ReservationsByToken(ctx, groupToken)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 line, got %d", len(rows))
	}
	spans, err := q.ReservationTimespans(ctx, rows[0])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if !spans[0].Equal(windows[0]) || !spans[1].Equal(windows[1]) {
		t.Errorf("expected %v, got %v", windows, spans)
	}

	// A dated reservation covers exactly its own span, displayed in the
	// scheduler's timezone.
	if _, err := s.Allocate(ctx, AllocateOptions{
		Dates: []calendar.Span{span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0))},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	datedToken, err := s.Reserve(ctx, ReserveOptions{
		Email: "bob@example.org",
		Dates: []calendar.Span{span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0))},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rows, err = q.ReservationsByToken(ctx, datedToken)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	spans, err = q.ReservationTimespans(ctx, rows[0])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if !spans[0].Equal(span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0))) {
		t.Errorf("expected the reserved span, got %v", spans[0])
	}
	if got := rows[0].DisplayStart().Hour(); got != 12 {
		t.Errorf("expected display hour 12 in Zurich, got %d", got)
	}
	if got := rows[0].DisplayEnd().Hour(); got != 13 {
		t.Errorf("expected display hour 13 in Zurich, got %d", got)
	}
}

func TestConfirmReservationsForSession(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	sessionID := uuid.New()
	token, err := s.Reserve(ctx, ReserveOptions{
		Email:     "alice@example.org",
		Dates:     []calendar.Span{window},
		SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	confirmed, err := q.ConfirmReservationsForSession(ctx, sessionID, token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmed reservation, got %d", len(confirmed))
	}
	if confirmed[0].SessionID != nil {
		t.Error("expected the session to be detached")
	}
	lines, err := q.ReservationsBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected an empty cart, got %d lines", len(lines))
	}

	// Nothing left to confirm.
	var confirmErr errs.NoReservationsToConfirmError
	if _, err := q.ConfirmReservationsForSession(ctx, sessionID, token); !errors.As(err, &confirmErr) {
		t.Errorf("expected NoReservationsToConfirmError, got %v", err)
	}
}

func TestExpiredReservationSessions(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	auto := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	manual := span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))
	kept := span(utc(2024, 6, 12, 10, 0), utc(2024, 6, 12, 11, 0))
	for _, opts := range []AllocateOptions{
		{Dates: []calendar.Span{auto}},
		{Dates: []calendar.Span{manual}, ApproveManually: true},
		{Dates: []calendar.Span{kept}},
	} {
		if _, err := s.Allocate(ctx, opts); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	// An abandoned cart with an approved and a pending line.
	abandoned := uuid.New()
	if _, err := s.Reserve(ctx, ReserveOptions{
		Email:     "alice@example.org",
		Dates:     []calendar.Span{auto},
		SessionID: abandoned,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{
		Email:     "alice@example.org",
		Dates:     []calendar.Span{manual},
		SessionID: abandoned,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// A confirmed purchase in another session.
	confirmedSession := uuid.New()
	confirmedToken, err := s.Reserve(ctx, ReserveOptions{
		Email:     "bob@example.org",
		Dates:     []calendar.Span{kept},
		SessionID: confirmedSession,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := q.ConfirmReservationsForSession(ctx, confirmedSession, confirmedToken); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Nothing has aged past a cutoff in the past.
	sessions, err := q.FindExpiredReservationSessions(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no expired sessions, got %d", len(sessions))
	}

	cutoff := time.Now().Add(time.Hour)
	sessions, err = q.FindExpiredReservationSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sessions) != 1 || sessions[0] != abandoned {
		t.Fatalf("expected the abandoned session, got %v", sessions)
	}

	removed, err := q.RemoveExpiredReservationSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("expected 2 removed reservations, got %d", len(removed))
	}

	// The confirmed reservation keeps its row and slot, the cart is
	// gone along with the slot its approved line held.
	rows, err := q.ReservationsByToken(ctx, confirmedToken)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 confirmed reservation, got %d", len(rows))
	}
	slots, err := s.ManagedReservedSlots(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Span().Equal(kept) {
		t.Errorf("expected %v, got %v", kept, slots[0].Span())
	}
}
