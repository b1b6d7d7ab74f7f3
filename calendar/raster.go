// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package calendar

import (
	"time"

	"github.com/cobaltcore-dev/resa/errs"
)

// Raster values supported for partly available allocations, in minutes.
var ValidRasters = []int{5, 10, 15, 30, 60}

// Raster applied when the caller does not specify one.
const DefaultRaster = 5

// Validate a raster value against the supported set.
func CheckRaster(raster int) error {
	for _, r := range ValidRasters {
		if r == raster {
			return nil
		}
	}
	return errs.InvalidRasterError{Raster: raster}
}

func rasterDuration(raster int) time.Duration {
	return time.Duration(raster) * time.Minute
}

// Check if the instant falls exactly on a raster boundary.
func OnRaster(t time.Time, raster int) bool {
	return t.Truncate(rasterDuration(raster)).Equal(t)
}

// Snap an instant down to the enclosing raster boundary.
func RasterStart(t time.Time, raster int) time.Time {
	return t.UTC().Truncate(rasterDuration(raster))
}

// Snap an instant up to the next raster boundary. Instants already on
// a boundary stay put.
func RasterEnd(t time.Time, raster int) time.Time {
	d := rasterDuration(raster)
	down := t.UTC().Truncate(d)
	if down.Equal(t) {
		return down
	}
	return down.Add(d)
}

// Widen a span outward to raster boundaries: start snaps down, end
// snaps up.
func RasterSpan(s Span, raster int) Span {
	return Span{Start: RasterStart(s.Start, raster), End: RasterEnd(s.End, raster)}
}

// Enumerate the atomic slot spans of raster length covering the given
// span. The span bounds must already lie on the raster.
func Ticks(s Span, raster int) []Span {
	d := rasterDuration(raster)
	out := make([]Span, 0, CountTicks(s, raster))
	for cur := s.Start.UTC(); cur.Before(s.End); cur = cur.Add(d) {
		out = append(out, Span{Start: cur, End: cur.Add(d)})
	}
	return out
}

// Number of atomic slots of raster length covering the span.
func CountTicks(s Span, raster int) int {
	return int(s.End.Sub(s.Start) / rasterDuration(raster))
}
