// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sapcc/go-bits/jobloop"
)

// RunExpiredSessionSweeper periodically removes the cart lines of
// reservation sessions that have been idle for longer than maxAge.
// It blocks until the context is canceled.
func RunExpiredSessionSweeper(ctx context.Context, queries Queries, interval, maxAge time.Duration) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper shutting down")
			return
		default:
			cutoff := time.Now().UTC().Add(-maxAge)
			removed, err := queries.RemoveExpiredReservationSessions(ctx, cutoff)
			if err != nil {
				slog.Error("session sweeper: failed to remove expired sessions", "error", err)
			} else if len(removed) > 0 {
				slog.Info("session sweeper: removed expired cart lines", "count", len(removed))
			}
			time.Sleep(jobloop.DefaultJitter(interval))
		}
	}
}
