// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"time"

	"github.com/cobaltcore-dev/resa/calendar"
)

// Allocation is a window of time on a resource within which
// reservations may be created. For quota > 1 the master row
// (mirror_of = id) is accompanied by quota-1 mirror rows sharing its
// temporal bounds; each family member carries its own reserved slots.
type Allocation struct {
	ID               int64     `db:"id,primarykey,autoincrement"`
	Resource         string    `db:"resource"`
	MirrorOf         int64     `db:"mirror_of"`
	Group            *string   `db:"group"`
	Quota            int       `db:"quota"`
	QuotaLimit       int       `db:"quota_limit"`
	PartlyAvailable  bool      `db:"partly_available"`
	ApproveManually  bool      `db:"approve_manually"`
	WaitinglistSpots *int64    `db:"waitinglist_spots"`
	Timezone         string    `db:"timezone"`
	Start            time.Time `db:"start"`
	End              time.Time `db:"end"`
	Raster           int       `db:"raster"`
	Data             Data      `db:"data"`
}

// Table in which allocations are stored.
func (Allocation) TableName() string { return "allocations" }

func (a *Allocation) Key() Key { return Key{Kind: "allocation", ID: a.ID} }

// Check if this row is the master of its mirror family.
func (a *Allocation) IsMaster() bool { return a.MirrorOf == a.ID }

// The half-open window of the allocation in UTC.
func (a *Allocation) Span() calendar.Span {
	return calendar.Span{Start: a.Start.UTC(), End: a.End.UTC()}
}

// The timezone the allocation is presented in.
func (a *Allocation) Location() *time.Location {
	return calendar.MustLocation(a.Timezone)
}

// Start of the window read in the allocation's timezone.
func (a *Allocation) DisplayStart() time.Time { return a.Start.In(a.Location()) }

// End of the window read in the allocation's timezone.
func (a *Allocation) DisplayEnd() time.Time { return a.End.In(a.Location()) }

// Check if the allocation covers whole local days.
func (a *Allocation) WholeDay() bool {
	return calendar.IsWholeDay(a.Span(), a.Location())
}

// Check if the given span lies inside the allocation window.
func (a *Allocation) Contains(s calendar.Span) bool {
	return s.UTC().Within(a.Span())
}

// Clamp a span to the allocation window. Partly available allocations
// snap the bounds outward to their raster first; all others always
// yield the full window, since they can only be consumed as a whole.
func (a *Allocation) AlignSpan(s calendar.Span) calendar.Span {
	if !a.PartlyAvailable {
		return a.Span()
	}
	aligned := calendar.RasterSpan(s.UTC(), a.Raster)
	window := a.Span()
	if aligned.Start.Before(window.Start) {
		aligned.Start = window.Start
	}
	if aligned.End.After(window.End) {
		aligned.End = window.End
	}
	return aligned
}

// The atomic slot spans the given request would consume: one per
// raster tick when partly available, the full window otherwise. An
// empty result means the request misses the allocation entirely.
func (a *Allocation) AllSlots(s calendar.Span) []calendar.Span {
	aligned := a.AlignSpan(s)
	if aligned.Empty() {
		return nil
	}
	if !a.PartlyAvailable {
		return []calendar.Span{a.Span()}
	}
	return calendar.Ticks(aligned, a.Raster)
}

// Number of atomic slots the given request would consume.
func (a *Allocation) CountSlots(s calendar.Span) int {
	aligned := a.AlignSpan(s)
	if aligned.Empty() {
		return 0
	}
	if !a.PartlyAvailable {
		return 1
	}
	return calendar.CountTicks(aligned, a.Raster)
}

// Check if this allocation can still accept the given span, judged
// against its reserved slots. Slots of other family members in the
// input are ignored.
func (a *Allocation) IsAvailable(s calendar.Span, slots []*ReservedSlot) bool {
	aligned := a.AlignSpan(s)
	for _, slot := range slots {
		if slot.AllocationID != a.ID {
			continue
		}
		if calendar.Overlaps(aligned.Start, aligned.End, slot.Start.UTC(), slot.End.UTC()) {
			return false
		}
	}
	return true
}

// Percentage of the allocation's own capacity that is still free,
// counted over real slots without DST normalization.
func (a *Allocation) Availability(slots []*ReservedSlot) float64 {
	if !a.PartlyAvailable {
		if countOwn(a, slots) > 0 {
			return 0
		}
		return 100
	}
	total := calendar.CountTicks(a.Span(), a.Raster)
	if total == 0 {
		return 100
	}
	used := countOwn(a, slots)
	return 100 - float64(used)/float64(total)*100
}

func countOwn(a *Allocation, slots []*ReservedSlot) int {
	window := a.Span()
	used := 0
	for _, slot := range slots {
		if slot.AllocationID != a.ID {
			continue
		}
		if window.Contains(slot.Start.UTC()) {
			used++
		}
	}
	return used
}

// Percentage of capacity free, scaled to a uniform 24h day so that
// 23h and 25h DST transition days render like any other. The doubled
// hour of a fall-back day is counted once; the hour missing from a
// spring-forward day counts as free.
func (a *Allocation) NormalizedAvailability(slots []*ReservedSlot) float64 {
	if !a.PartlyAvailable {
		return a.Availability(slots)
	}
	window := a.Span()
	loc := a.Location()
	wall := calendar.WallClockDelta(window.Start, window.End, loc)
	total := int(wall / (time.Duration(a.Raster) * time.Minute))
	if total == 0 {
		return 100
	}
	skip, hasSkip := a.doubledHour()
	used := 0
	for _, slot := range slots {
		if slot.AllocationID != a.ID {
			continue
		}
		start := slot.Start.UTC()
		if !window.Contains(start) {
			continue
		}
		if hasSkip && skip.Contains(start) {
			continue
		}
		used++
	}
	return 100 - float64(used)/float64(total)*100
}

// The absolute span of the first occurrence of a fall-back day's
// doubled hour, if the allocation window contains one.
func (a *Allocation) doubledHour() (calendar.Span, bool) {
	window := a.Span()
	loc := a.Location()
	wall := calendar.WallClockDelta(window.Start, window.End, loc)
	extra := window.Duration() - wall
	if extra <= 0 {
		return calendar.Span{}, false
	}
	t, ok := dstTransition(window, loc)
	if !ok {
		return calendar.Span{}, false
	}
	return calendar.Span{Start: t.Add(-extra), End: t}, true
}

// The absolute span a spring-forward day skips, if the allocation
// window contains one. Rendered as blocked by the partitions helper.
func (a *Allocation) missingHour() (time.Time, time.Duration, bool) {
	window := a.Span()
	loc := a.Location()
	wall := calendar.WallClockDelta(window.Start, window.End, loc)
	missing := wall - window.Duration()
	if missing <= 0 {
		return time.Time{}, 0, false
	}
	t, ok := dstTransition(window, loc)
	if !ok {
		return time.Time{}, 0, false
	}
	return t, missing, true
}

// First instant inside the span whose UTC offset differs from the
// span's start, probed at hour granularity.
func dstTransition(s calendar.Span, loc *time.Location) (time.Time, bool) {
	_, startOffset := s.Start.In(loc).Zone()
	for t := s.Start.Truncate(time.Hour).Add(time.Hour); t.Before(s.End); t = t.Add(time.Hour) {
		if _, offset := t.In(loc).Zone(); offset != startOffset {
			return t, true
		}
	}
	return time.Time{}, false
}

// Partition of an allocation window for rendering: the share of the
// DST-normalized window in percent and whether it is reserved.
type AvailabilityPartition struct {
	Share    float64
	Reserved bool
}

// Render-ready partition list over the allocation window. Contiguous
// reserved and free stretches are merged; shares always sum to 100.
// On DST transition days the window is normalized to its wall-clock
// length: the doubled hour of a fall-back day is merged into one, the
// missing hour of a spring-forward day shows as reserved since it can
// never be booked.
func (a *Allocation) AvailabilityPartitions(slots []*ReservedSlot) []AvailabilityPartition {
	if !a.PartlyAvailable {
		return []AvailabilityPartition{{Share: 100, Reserved: countOwn(a, slots) > 0}}
	}
	reserved := make(map[time.Time]bool, len(slots))
	for _, slot := range slots {
		if slot.AllocationID == a.ID {
			reserved[slot.Start.UTC()] = true
		}
	}
	if len(reserved) == 0 {
		if _, _, ok := a.missingHour(); !ok {
			return []AvailabilityPartition{{Share: 100, Reserved: false}}
		}
	}

	ticks := a.normalizedTicks()
	if len(ticks) == 0 {
		return []AvailabilityPartition{{Share: 100, Reserved: false}}
	}

	var flags []bool
	for _, tick := range ticks {
		flags = append(flags, tick.imaginary || reserved[tick.start])
	}

	// Merge contiguous stretches into percentage partitions, keeping
	// the shares summing to exactly 100.
	var out []AvailabilityPartition
	total := len(flags)
	count := 1
	emitted := 0.0
	for i := 1; i <= total; i++ {
		if i < total && flags[i] == flags[i-1] {
			count++
			continue
		}
		share := float64(count) / float64(total) * 100
		if i == total {
			share = 100 - emitted
		}
		out = append(out, AvailabilityPartition{Share: share, Reserved: flags[i-1]})
		emitted += share
		count = 1
	}
	return out
}

type normalizedTick struct {
	start     time.Time
	imaginary bool
}

// The window's raster ticks on the normalized 24h-per-day timeline:
// ticks of a fall-back day's first doubled hour are dropped, the ticks
// of a spring-forward day's missing hour are inserted as imaginary.
func (a *Allocation) normalizedTicks() []normalizedTick {
	step := time.Duration(a.Raster) * time.Minute
	window := a.Span()

	skip, hasSkip := a.doubledHour()
	missingAt, missing, hasMissing := a.missingHour()

	var out []normalizedTick
	for cur := window.Start; cur.Before(window.End); cur = cur.Add(step) {
		if hasSkip && skip.Contains(cur) {
			continue
		}
		if hasMissing && cur.Equal(missingAt) {
			for imaginary := time.Duration(0); imaginary < missing; imaginary += step {
				out = append(out, normalizedTick{imaginary: true})
			}
		}
		out = append(out, normalizedTick{start: cur})
	}
	return out
}
