// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"

	"github.com/cobaltcore-dev/resa/calendar"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/errs"
	"github.com/cobaltcore-dev/resa/event"
	"github.com/cobaltcore-dev/resa/registry"
	"github.com/google/uuid"
)

// AllocateOptions describe the capacity windows to open up.
type AllocateOptions struct {
	// The requested windows as instants. Whole-day windows are
	// expanded across local days of the scheduler's timezone.
	Dates []calendar.Span
	// How many reservations can run concurrently. Defaults to 1; each
	// unit beyond the first materializes one mirror row.
	Quota int
	// Upper bound for the quota of a single reservation. Zero means
	// reservations may claim the whole family.
	QuotaLimit int
	// Whether subranges of the window can be reserved on the raster.
	// Otherwise the window is consumed as a whole.
	PartlyAvailable bool
	// Whether reservations stay pending until approved explicitly.
	ApproveManually bool
	// Whether all windows share one group key, so group-targeted
	// reservations bind exactly one of them.
	Grouped bool
	// Raster in minutes for partly available windows. Defaults to 5.
	Raster int
	// Expand every requested window to whole local days.
	WholeDay bool
	// Cap for pending reservations on manually approved windows. Nil
	// means unlimited.
	WaitinglistSpots *int64
	// Arbitrary payload serialized with the context codec.
	Data any
}

// Allocate opens capacity windows on this scheduler's resource: one
// master allocation per window plus quota-1 mirror rows. Windows must
// not overlap any existing master nor each other. Returns the created
// masters and emits AllocationsAdded inside the transaction.
func (s *Scheduler) Allocate(ctx context.Context, opts AllocateOptions) ([]*db.Allocation, error) {
	quota := opts.Quota
	if quota == 0 {
		quota = 1
	}
	if quota < 1 {
		return nil, errs.InvalidQuotaError{Quota: quota}
	}
	if opts.QuotaLimit < 0 {
		return nil, errs.InvalidQuotaError{Quota: opts.QuotaLimit}
	}
	raster := opts.Raster
	if raster == 0 {
		raster = calendar.DefaultRaster
	}
	if err := calendar.CheckRaster(raster); err != nil {
		return nil, err
	}
	if len(opts.Dates) == 0 {
		return nil, errs.InvalidAllocationError{Reason: "no dates given"}
	}

	var windows []calendar.Span
	for _, span := range opts.Dates {
		span = span.UTC()
		if opts.WholeDay {
			if span.Empty() {
				return nil, errs.InvalidAllocationError{
					Start: span.Start, End: span.End, Reason: "window is empty or inverted",
				}
			}
			windows = append(windows, calendar.ExpandDays(span, s.loc, calendar.WholeDayWindow)...)
			continue
		}
		if opts.PartlyAvailable {
			span = calendar.RasterSpan(span, raster)
		}
		windows = append(windows, span)
	}
	for _, w := range windows {
		if w.Empty() {
			return nil, errs.InvalidAllocationError{
				Start: w.Start, End: w.End, Reason: "window is empty or inverted",
			}
		}
	}
	for i := range windows {
		for j := i + 1; j < len(windows); j++ {
			if windows[i].Overlaps(windows[j]) {
				return nil, errs.OverlappingAllocationError{
					Start:         windows[j].Start,
					End:           windows[j].End,
					ExistingStart: windows[i].Start,
					ExistingEnd:   windows[i].End,
				}
			}
		}
	}

	data, err := s.encodeAllocationData(opts.Data)
	if err != nil {
		return nil, err
	}

	var masters []*db.Allocation
	err = s.store.Serialized(ctx, "allocate", func(ctx context.Context, tx *db.Tx) error {
		masters = nil

		// One bounded query over the batch envelope, then in-memory
		// overlap checks against the fetched masters.
		envelope := windows[0]
		for _, w := range windows[1:] {
			if w.Start.Before(envelope.Start) {
				envelope.Start = w.Start
			}
			if w.End.After(envelope.End) {
				envelope.End = w.End
			}
		}
		existing, err := mastersInRange(tx, envelope, []string{s.resource})
		if err != nil {
			return err
		}
		for _, w := range windows {
			for _, master := range existing {
				if w.Overlaps(master.Span()) {
					return errs.OverlappingAllocationError{
						Start:         w.Start,
						End:           w.End,
						ExistingID:    master.ID,
						ExistingStart: master.Start.UTC(),
						ExistingEnd:   master.End.UTC(),
					}
				}
			}
		}

		sharedGroup := ""
		if opts.Grouped {
			sharedGroup = uuid.New().String()
		}
		for _, w := range windows {
			group := sharedGroup
			if group == "" {
				group = uuid.New().String()
			}
			master := &db.Allocation{
				Resource:         s.resource,
				Group:            &group,
				Quota:            quota,
				QuotaLimit:       opts.QuotaLimit,
				PartlyAvailable:  opts.PartlyAvailable,
				ApproveManually:  opts.ApproveManually,
				WaitinglistSpots: opts.WaitinglistSpots,
				Timezone:         s.loc.String(),
				Start:            w.Start,
				End:              w.End,
				Raster:           raster,
				Data:             data,
			}
			if err := tx.Insert(master); err != nil {
				return err
			}
			// The master points at itself; the id only exists now.
			master.MirrorOf = master.ID
			if _, err := tx.Update(master); err != nil {
				return err
			}
			for range quota - 1 {
				mirror := *master
				mirror.ID = 0
				if err := tx.Insert(&mirror); err != nil {
					return err
				}
			}
			masters = append(masters, master)
		}
		s.hooks().AllocationsAdded.Fire(event.AllocationsAdded{
			Context:     s.rctx.Name(),
			Allocations: masters,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.observeAllocations("added", len(masters))
	return masters, nil
}

// encodeAllocationData serializes the payload with the context codec
// and runs the registered allocation validator over it.
func (s *Scheduler) encodeAllocationData(v any) (db.Data, error) {
	data, err := encodeData(s.rctx.Codec(), v)
	if err != nil {
		return nil, err
	}
	if err := s.rctx.ValidateAllocationData(data); err != nil {
		return nil, err
	}
	return data, nil
}

// encodeData serializes an arbitrary payload. Raw blobs pass through
// untouched so pre-serialized payloads are not encoded twice.
func encodeData(codec registry.Codec, v any) (db.Data, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case db.Data:
		return d, nil
	case []byte:
		return db.Data(d), nil
	default:
		raw, err := codec.Encode(v)
		if err != nil {
			return nil, err
		}
		return db.Data(raw), nil
	}
}
