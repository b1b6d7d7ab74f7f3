// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package event carries the synchronous hook points of the
// reservations engine. Listeners run inline, inside the transaction
// that produced the event, so a committed transaction implies all its
// listeners ran. Listeners must not block indefinitely.
package event

import (
	"sync"
	"time"

	"github.com/cobaltcore-dev/resa/db"
)

// Hook is an ordered list of synchronous listeners for one event type.
// The zero value is ready to use.
type Hook[T any] struct {
	mu        sync.RWMutex
	listeners []func(T)
}

// Connect adds a listener. Listeners fire in connection order.
func (h *Hook[T]) Connect(fn func(T)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Fire runs all listeners inline with the given payload.
func (h *Hook[T]) Fire(payload T) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(payload)
	}
}

// Hooks bundles all hook points of one context.
type Hooks struct {
	AllocationsAdded       Hook[AllocationsAdded]
	ReservationsMade       Hook[ReservationsMade]
	ReservationsConfirmed  Hook[ReservationsConfirmed]
	ReservationsApproved   Hook[ReservationsApproved]
	ReservationsDenied     Hook[ReservationsDenied]
	ReservationsRemoved    Hook[ReservationsRemoved]
	ReservationTimeChanged Hook[ReservationTimeChanged]
	ReservedSlotsReserved  Hook[ReservedSlotsReserved]
	ReservedSlotsReleased  Hook[ReservedSlotsReleased]
}

// New master allocations (with their mirrors) were inserted.
type AllocationsAdded struct {
	Context     string
	Allocations []*db.Allocation
}

// Pending reservations were added to a session cart, or directly
// approved when no target requires manual approval.
type ReservationsMade struct {
	Context      string
	Reservations []*db.Reservation
}

// A session cart was bound to a session id and confirmed.
type ReservationsConfirmed struct {
	Context      string
	Reservations []*db.Reservation
	SessionID    string
}

// Reservations gained their reserved slots.
type ReservationsApproved struct {
	Context      string
	Reservations []*db.Reservation
}

// Pending reservations were denied and removed.
type ReservationsDenied struct {
	Context      string
	Reservations []*db.Reservation
}

// Reservations were removed along with their slots.
type ReservationsRemoved struct {
	Context      string
	Reservations []*db.Reservation
}

// An approved reservation was moved to new bounds.
type ReservationTimeChanged struct {
	Context     string
	Reservation *db.Reservation
	OldStart    time.Time
	OldEnd      time.Time
	NewStart    time.Time
	NewEnd      time.Time
}

// Reserved slot rows were written.
type ReservedSlotsReserved struct {
	Context string
	Slots   []*db.ReservedSlot
}

// Reserved slot rows were deleted.
type ReservedSlotsReleased struct {
	Context string
	Slots   []*db.ReservedSlot
}
