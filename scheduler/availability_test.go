// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
)

func TestAvailabilityEmpty(t *testing.T) {
	s, _ := newTestScheduler(t)

	got, err := s.Availability(context.Background(),
		span(utc(2024, 6, 10, 0, 0), utc(2024, 6, 11, 0, 0)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestAvailabilityAcrossAllocations(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	first := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	second := span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{first, second}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	window := span(utc(2024, 6, 10, 0, 0), utc(2024, 6, 12, 0, 0))

	got, err := s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 100 {
		t.Errorf("expected 100, got %v", got)
	}

	if _, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Dates: []calendar.Span{first}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, err = s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 50 {
		t.Errorf("expected 50, got %v", got)
	}

	if _, err := s.Reserve(ctx, ReserveOptions{Email: "bob@example.org", Dates: []calendar.Span{second}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, err = s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestAvailabilityAcrossFamily(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}, Quota: 2}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Dates: []calendar.Span{window}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// One of the two family members is taken.
	got, err := s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
}

func TestAvailabilityPartlyTicks(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 9, 0), utc(2024, 6, 10, 12, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{
		Dates:           []calendar.Span{window},
		PartlyAvailable: true,
		Raster:          30,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{
		Email: "alice@example.org",
		Dates: []calendar.Span{span(utc(2024, 6, 10, 9, 0), utc(2024, 6, 10, 10, 0))},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Two of six half-hour ticks are taken.
	got, err := s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	expected := 100 - 2.0/6.0*100
	if math.Abs(got-expected) > 1e-9 {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestAvailabilityFallBackDay(t *testing.T) {
	s, rctx := newTestSchedulerIn(t, "Europe/Zurich")
	ctx := context.Background()

	// October 27th 2024 has 25 real hours in Zurich.
	masters, err := s.Allocate(ctx, AllocateOptions{
		Dates:           []calendar.Span{span(utc(2024, 10, 27, 8, 0), utc(2024, 10, 27, 9, 0))},
		WholeDay:        true,
		PartlyAvailable: true,
		Raster:          15,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	window := span(utc(2024, 10, 26, 22, 0), utc(2024, 10, 27, 23, 0))
	if !masters[0].Span().Equal(window) {
		t.Fatalf("expected %v, got %v", window, masters[0].Span())
	}

	// One of 100 real quarter-hour ticks is booked.
	if _, err := s.Reserve(ctx, ReserveOptions{
		Email: "alice@example.org",
		Dates: []calendar.Span{span(utc(2024, 10, 27, 12, 0), utc(2024, 10, 27, 12, 15))},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, err := s.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 99 {
		t.Errorf("expected 99, got %v", got)
	}

	// Normalized to the 96 ticks of a uniform day the same booking
	// weighs slightly more.
	slots, err := s.ManagedReservedSlots(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	normalized := masters[0].NormalizedAvailability(slots)
	expected := 100 - 100.0/96.0
	if math.Abs(normalized-expected) > 1e-9 {
		t.Errorf("expected %v, got %v", expected, normalized)
	}

	// A booking inside the doubled hour counts in the real metric but
	// vanishes from the normalized one.
	courts := New(rctx, "courts", calendar.MustLocation("Europe/Zurich"), Monitor{})
	courtMasters, err := courts.Allocate(ctx, AllocateOptions{
		Dates:           []calendar.Span{span(utc(2024, 10, 27, 8, 0), utc(2024, 10, 27, 9, 0))},
		WholeDay:        true,
		PartlyAvailable: true,
		Raster:          15,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := courts.Reserve(ctx, ReserveOptions{
		Email: "bob@example.org",
		Dates: []calendar.Span{span(utc(2024, 10, 27, 0, 15), utc(2024, 10, 27, 0, 30))},
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, err = courts.Availability(ctx, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 99 {
		t.Errorf("expected 99, got %v", got)
	}
	courtSlots, err := courts.ManagedReservedSlots(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if normalized := courtMasters[0].NormalizedAvailability(courtSlots); normalized != 100 {
		t.Errorf("expected 100, got %v", normalized)
	}
}

func TestAvailabilityByDay(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	first := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	second := span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))
	if _, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{first, second}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Dates: []calendar.Span{first}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := s.AvailabilityByDay(ctx, span(utc(2024, 6, 10, 0, 0), utc(2024, 6, 13, 0, 0)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Days without capacity carry no entry.
	if len(got) != 2 {
		t.Fatalf("expected 2 days, got %d", len(got))
	}
	if v, ok := got[utc(2024, 6, 10, 0, 0)]; !ok || v != 0 {
		t.Errorf("expected 0 for the booked day, got %v", v)
	}
	if v, ok := got[utc(2024, 6, 11, 0, 0)]; !ok || v != 100 {
		t.Errorf("expected 100 for the free day, got %v", v)
	}
}

func TestAvailabilityByAllocations(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	booked := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	half := span(utc(2024, 6, 11, 10, 0), utc(2024, 6, 11, 11, 0))
	bookedMasters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{booked}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	halfMasters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{half}, Quota: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, w := range []calendar.Span{booked, half} {
		if _, err := s.Reserve(ctx, ReserveOptions{Email: "alice@example.org", Dates: []calendar.Span{w}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	got, err := s.AvailabilityByAllocations(ctx, span(utc(2024, 6, 10, 0, 0), utc(2024, 6, 12, 0, 0)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 families, got %d", len(got))
	}
	if v := got[bookedMasters[0].ID]; v != 0 {
		t.Errorf("expected 0 for the booked family, got %v", v)
	}
	if v := got[halfMasters[0].ID]; v != 50 {
		t.Errorf("expected 50 for the half-booked family, got %v", v)
	}
}

func TestAllocationByDate(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := s.AllocationByDate(ctx, window.Start, window.End)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.ID != masters[0].ID {
		t.Errorf("expected allocation %d, got %d", masters[0].ID, got.ID)
	}

	// Only an exact match counts.
	if _, err := s.AllocationByDate(ctx, window.Start.Add(time.Minute), window.End); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestFreeAllocationsCount(t *testing.T) {
	s, rctx := newTestScheduler(t)
	q := NewQueries(rctx)
	ctx := context.Background()

	window := span(utc(2024, 6, 10, 10, 0), utc(2024, 6, 10, 11, 0))
	masters, err := s.Allocate(ctx, AllocateOptions{Dates: []calendar.Span{window}, Quota: 3})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	count, err := q.FreeAllocationsCount(ctx, masters[0])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 free members, got %d", count)
	}

	for i, email := range []string{"alice@example.org", "bob@example.org"} {
		if _, err := s.Reserve(ctx, ReserveOptions{Email: email, Dates: []calendar.Span{window}}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		count, err = q.FreeAllocationsCount(ctx, masters[0])
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 2-i {
			t.Errorf("expected %d free members, got %d", 2-i, count)
		}
	}
}
