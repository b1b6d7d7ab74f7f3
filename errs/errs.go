// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the domain error taxonomy of the reservations
// engine. Each kind is a distinct type matched with errors.As, or a
// sentinel value matched with errors.Is. Errors raised while handling
// a reservation carry the offending reservation value.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Session guard sentinels.
var (
	// Returned when the read session is used while the write session
	// holds uncommitted changes.
	ErrDirtyReadOnlySession = errors.New("read-only session used while uncommitted changes exist")
	// Returned when an insert, update, delete or exec is attempted on
	// the read session.
	ErrModifiedReadOnlySession = errors.New("write attempted on read-only session")
)

// Registry sentinels.
var (
	// Returned when a context name is registered twice.
	ErrContextExists = errors.New("context is already registered")
	// Returned when an unregistered context name is looked up.
	ErrUnknownContext = errors.New("context is not registered")
)

// A new or moved allocation overlaps an existing master allocation on
// the same resource.
type OverlappingAllocationError struct {
	Start         time.Time
	End           time.Time
	ExistingID    int64
	ExistingStart time.Time
	ExistingEnd   time.Time
}

func (e OverlappingAllocationError) Error() string {
	return fmt.Sprintf("allocation %s - %s overlaps existing allocation %d (%s - %s)",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339),
		e.ExistingID, e.ExistingStart.Format(time.RFC3339), e.ExistingEnd.Format(time.RFC3339))
}

// A destructive operation would lose confirmed capacity.
type AffectedReservationError struct {
	AllocationID int64
	Token        string
}

func (e AffectedReservationError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("allocation %d carries reserved slots of reservation %s", e.AllocationID, e.Token)
	}
	return fmt.Sprintf("allocation %d carries reserved slots", e.AllocationID)
}

// A destructive operation would lose a pending reservation that the
// caller did not acknowledge.
type AffectedPendingReservationError struct {
	AllocationID int64
	Token        string
}

func (e AffectedPendingReservationError) Error() string {
	return fmt.Sprintf("allocation %d is the target of pending reservation %s", e.AllocationID, e.Token)
}

// The requested capacity is taken: a slot primary-key collision on
// approval, a full allocation or waitinglist at reserve time, or a
// duplicate line in a session cart.
type AlreadyReservedError struct {
	Reservation any
}

func (e AlreadyReservedError) Error() string {
	return "the requested period is no longer available"
}

// The requested reservation exceeds the maximum allowed length.
type ReservationTooLongError struct {
	Start       time.Time
	End         time.Time
	Reservation any
}

func (e ReservationTooLongError) Error() string {
	return fmt.Sprintf("reservation %s - %s is too long",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// The requested reservation is shorter than the minimum length.
type ReservationTooShortError struct {
	Start       time.Time
	End         time.Time
	Reservation any
}

func (e ReservationTooShortError) Error() string {
	return fmt.Sprintf("reservation %s - %s is too short",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// The requested span is not contained in the targeted allocation.
type ReservationOutOfBoundsError struct {
	Start           time.Time
	End             time.Time
	AllocationStart time.Time
	AllocationEnd   time.Time
	Reservation     any
}

func (e ReservationOutOfBoundsError) Error() string {
	return fmt.Sprintf("reservation %s - %s is not contained in allocation %s - %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339),
		e.AllocationStart.Format(time.RFC3339), e.AllocationEnd.Format(time.RFC3339))
}

// The reservation parameters do not fit the targeted allocation, for
// example raster-misaligned endpoints or a partial span on an
// allocation that is not partly available.
type ReservationParametersInvalidError struct {
	Reason      string
	Reservation any
}

func (e ReservationParametersInvalidError) Error() string {
	return "invalid reservation parameters: " + e.Reason
}

// The requested quota exceeds the allocation's per-reservation limit.
type QuotaOverLimitError struct {
	Requested   int
	Limit       int
	Reservation any
}

func (e QuotaOverLimitError) Error() string {
	return fmt.Sprintf("requested quota %d exceeds the limit of %d per reservation", e.Requested, e.Limit)
}

// The requested quota can never be satisfied by the allocation family,
// regardless of current usage.
type QuotaImpossibleError struct {
	Requested   int
	Available   int
	Reservation any
}

func (e QuotaImpossibleError) Error() string {
	return fmt.Sprintf("requested quota %d exceeds the allocation quota of %d", e.Requested, e.Available)
}

// The quota value itself is invalid.
type InvalidQuotaError struct {
	Quota       int
	Reservation any
}

func (e InvalidQuotaError) Error() string {
	return fmt.Sprintf("invalid quota %d", e.Quota)
}

// No allocation covers the requested range, or the targeted group has
// no reservable dates.
type NotReservableError struct {
	Start       time.Time
	End         time.Time
	Group       string
	Reservation any
}

func (e NotReservableError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("group %s has no reservable dates", e.Group)
	}
	return fmt.Sprintf("no allocation covers %s - %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// The serializable retry budget was exhausted; unwraps to the last
// failure observed by the retry loop.
type TransactionRollbackError struct {
	Attempts int
	Cause    error
}

func (e TransactionRollbackError) Error() string {
	return fmt.Sprintf("transaction rolled back after %d attempts: %v", e.Attempts, e.Cause)
}

func (e TransactionRollbackError) Unwrap() error {
	return e.Cause
}

// The allocation input is invalid, for example an empty or inverted
// window.
type InvalidAllocationError struct {
	Start  time.Time
	End    time.Time
	Reason string
}

func (e InvalidAllocationError) Error() string {
	return "invalid allocation: " + e.Reason
}

// The email address does not look like one.
type InvalidEmailAddressError struct {
	Email string
}

func (e InvalidEmailAddressError) Error() string {
	return fmt.Sprintf("invalid email address %q", e.Email)
}

// The timezone name is not a known IANA zone.
type InvalidTimezoneError struct {
	Name string
}

func (e InvalidTimezoneError) Error() string {
	return fmt.Sprintf("invalid timezone %q", e.Name)
}

// The raster value is not in the supported set.
type InvalidRasterError struct {
	Raster int
}

func (e InvalidRasterError) Error() string {
	return fmt.Sprintf("invalid raster %d", e.Raster)
}

// The reservation token does not match any reservation.
type InvalidReservationTokenError struct {
	Token string
}

func (e InvalidReservationTokenError) Error() string {
	return fmt.Sprintf("no reservation with token %s", e.Token)
}

// The session cart holds no pending reservations to confirm.
type NoReservationsToConfirmError struct {
	SessionID string
}

func (e NoReservationsToConfirmError) Error() string {
	return fmt.Sprintf("session %s holds no reservations to confirm", e.SessionID)
}
