// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cobaltcore-dev/resa/conf"
	"github.com/cobaltcore-dev/resa/errs"
	"github.com/go-gorp/gorp"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// Session is the common query surface shared by serialized write
// transactions and the guarded read-only session.
//
// gorp's SqlExecutor carries unexported methods, so we declare our
// own subset here and let both session types satisfy it.
type Session interface {
	Get(holder any, keys ...any) (any, error)
	Select(holder any, query string, args ...any) ([]any, error)
	SelectOne(holder any, query string, args ...any) error
	SelectInt(query string, args ...any) (int64, error)
	SelectNullInt(query string, args ...any) (sql.NullInt64, error)
	SelectStr(query string, args ...any) (string, error)
	Insert(list ...any) error
	Update(list ...any) (int64, error)
	Delete(list ...any) (int64, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// Bounds for the serialized retry loop when the config leaves them
// unset.
const (
	defaultTransactionRetries = 3
	defaultBackoff            = 8 * time.Millisecond
	maxBackoff                = 32 * time.Millisecond
)

// SessionStore hands out database sessions: serialized write
// transactions with automatic retry on conflict, and read-only
// sessions that refuse to observe uncommitted writes.
type SessionStore struct {
	write *DB
	read  *DB

	// Number of transactions currently holding uncommitted changes.
	writers atomic.Int64

	// Retries granted after the first attempt fails on a conflict.
	retries int
	// Initial delay before a retry, doubled up to maxBackoff.
	backoff time.Duration

	monitor SessionMonitor
}

// NewSessionStore wires two database handles into a session store.
// The write handle must hold serializable isolation (see the connOpts
// parameter of NewPostgresDB), the read handle serves the guarded
// read-only session.
func NewSessionStore(write, read *DB, c conf.ReservationsConfig, monitor SessionMonitor) *SessionStore {
	retries := c.TransactionRetries
	if retries <= 0 {
		retries = defaultTransactionRetries
	}
	backoff := time.Duration(c.TransactionBackoffMsec) * time.Millisecond
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &SessionStore{
		write:   write,
		read:    read,
		retries: retries,
		backoff: backoff,
		monitor: monitor,
	}
}

// Convenience function to close both database connections.
func (s *SessionStore) Close() {
	s.write.Close()
	if s.read != s.write {
		s.read.Close()
	}
}

// txKey carries the open write transaction through a context so that
// nested Serialized calls join it instead of opening a second one.
type txKey struct{}

// Serialized runs fn inside a write transaction with serializable
// isolation. When the database reports a conflict the whole
// transaction is repeated with backoff; once the retry budget is
// spent a TransactionRollbackError wrapping the last failure is
// returned.
//
// Nested calls join the transaction already open in ctx. Only the
// outermost call commits, so an error anywhere rolls back everything.
func (s *SessionStore) Serialized(ctx context.Context, operation string, fn func(ctx context.Context, tx *Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok {
		return fn(ctx, tx)
	}
	if s.monitor.transactionTimer != nil {
		timer := prometheus.NewTimer(s.monitor.transactionTimer.WithLabelValues(operation))
		defer timer.ObserveDuration()
	}
	backoff := s.backoff
	var lastErr error
	for attempt := range s.retries + 1 {
		if attempt > 0 {
			if s.monitor.retryCounter != nil {
				s.monitor.retryCounter.WithLabelValues(operation).Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) {
			return err
		}
		lastErr = err
		slog.Debug("retrying serialized transaction",
			"operation", operation, "attempt", attempt+1, "error", err)
	}
	if s.monitor.rollbackCounter != nil {
		s.monitor.rollbackCounter.WithLabelValues(operation).Inc()
	}
	return errs.TransactionRollbackError{Attempts: s.retries + 1, Cause: lastErr}
}

func (s *SessionStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	gtx, err := s.write.Begin()
	if err != nil {
		return err
	}
	tx := &Tx{tx: gtx, store: s}
	defer tx.finish()
	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := gtx.Rollback(); rbErr != nil {
			slog.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	// Serializable conflicts can surface at commit time as well.
	return gtx.Commit()
}

// Session returns the session the current context should query
// through: the joined write transaction when one is open in ctx, the
// guarded read-only session otherwise. Queries issued inside a
// Serialized callback thereby see the transaction's own writes and
// restart together with it.
func (s *SessionStore) Session(ctx context.Context) Session {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok {
		return tx
	}
	return &ReadSession{db: s.read, store: s}
}

// ReadOnly returns the guarded read-only session regardless of any
// transaction open in ctx.
func (s *SessionStore) ReadOnly() *ReadSession {
	return &ReadSession{db: s.read, store: s}
}

// Tx is a serialized write transaction. All mutations performed
// through it commit or roll back together.
type Tx struct {
	tx      *gorp.Transaction
	store   *SessionStore
	mutated bool
}

func (t *Tx) markMutated() {
	if !t.mutated {
		t.mutated = true
		t.store.writers.Add(1)
	}
}

func (t *Tx) finish() {
	if t.mutated {
		t.mutated = false
		t.store.writers.Add(-1)
	}
}

func (t *Tx) Get(holder any, keys ...any) (any, error) {
	return t.tx.Get(holder, keys...)
}

func (t *Tx) Select(holder any, query string, args ...any) ([]any, error) {
	return t.tx.Select(holder, query, args...)
}

func (t *Tx) SelectOne(holder any, query string, args ...any) error {
	return t.tx.SelectOne(holder, query, args...)
}

func (t *Tx) SelectInt(query string, args ...any) (int64, error) {
	return t.tx.SelectInt(query, args...)
}

func (t *Tx) SelectNullInt(query string, args ...any) (sql.NullInt64, error) {
	return t.tx.SelectNullInt(query, args...)
}

func (t *Tx) SelectStr(query string, args ...any) (string, error) {
	return t.tx.SelectStr(query, args...)
}

func (t *Tx) Insert(list ...any) error {
	t.markMutated()
	return t.tx.Insert(list...)
}

func (t *Tx) Update(list ...any) (int64, error) {
	t.markMutated()
	return t.tx.Update(list...)
}

func (t *Tx) Delete(list ...any) (int64, error) {
	t.markMutated()
	return t.tx.Delete(list...)
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	t.markMutated()
	return t.tx.Exec(query, args...)
}

// ReadSession reads from the database but refuses to run while a
// write transaction holds uncommitted changes, and rejects all
// mutations outright.
type ReadSession struct {
	db    *DB
	store *SessionStore
}

func (r *ReadSession) guard() error {
	if r.store.writers.Load() != 0 {
		return errs.ErrDirtyReadOnlySession
	}
	return nil
}

func (r *ReadSession) Get(holder any, keys ...any) (any, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.db.Get(holder, keys...)
}

func (r *ReadSession) Select(holder any, query string, args ...any) ([]any, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.db.Select(holder, query, args...)
}

func (r *ReadSession) SelectOne(holder any, query string, args ...any) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.db.SelectOne(holder, query, args...)
}

func (r *ReadSession) SelectInt(query string, args ...any) (int64, error) {
	if err := r.guard(); err != nil {
		return 0, err
	}
	return r.db.SelectInt(query, args...)
}

func (r *ReadSession) SelectNullInt(query string, args ...any) (sql.NullInt64, error) {
	if err := r.guard(); err != nil {
		return sql.NullInt64{}, err
	}
	return r.db.SelectNullInt(query, args...)
}

func (r *ReadSession) SelectStr(query string, args ...any) (string, error) {
	if err := r.guard(); err != nil {
		return "", err
	}
	return r.db.SelectStr(query, args...)
}

func (r *ReadSession) Insert(list ...any) error {
	return errs.ErrModifiedReadOnlySession
}

func (r *ReadSession) Update(list ...any) (int64, error) {
	return 0, errs.ErrModifiedReadOnlySession
}

func (r *ReadSession) Delete(list ...any) (int64, error) {
	return 0, errs.ErrModifiedReadOnlySession
}

func (r *ReadSession) Exec(query string, args ...any) (sql.Result, error) {
	return nil, errs.ErrModifiedReadOnlySession
}

// IsSerializationFailure reports whether err is a conflict that a
// fresh attempt of the whole transaction may resolve. Covers postgres
// serialization failures and deadlocks as well as sqlite lock
// contention.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
