// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cobaltcore-dev/resa/conf"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/event"
	"github.com/cobaltcore-dev/resa/monitoring"
)

// Codec serializes the data blobs attached to allocations and
// reservations. The zero value uses encoding/json.
type Codec struct {
	Marshal   func(any) ([]byte, error)
	Unmarshal func([]byte, any) error
}

func (c Codec) Encode(v any) ([]byte, error) {
	if c.Marshal != nil {
		return c.Marshal(v)
	}
	return json.Marshal(v)
}

func (c Codec) Decode(data []byte, v any) error {
	if c.Unmarshal != nil {
		return c.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// DataValidator checks a data blob before it is written.
type DataValidator func(db.Data) error

// Settings configure a context at registration time.
type Settings struct {
	// IANA timezone used by schedulers that do not pass their own.
	Timezone string
	// Database the context connects to, unless Store is set.
	DB conf.DBConfig
	// Transaction retry and session expiry behavior.
	Reservations conf.ReservationsConfig
	// Pre-built session store. Test environments inject one here.
	Store *db.SessionStore
	// Factory invoked once, lazily, when no Store is set.
	StoreFactory func() *db.SessionStore
	// Metrics registry for the lazily built store's monitor.
	Monitoring *monitoring.Registry
	// Codec for the data blobs. Zero value is encoding/json.
	Codec Codec
}

// Context is a named scope sharing one session store, one set of event
// hooks and one codec. Services are created lazily and cached.
type Context struct {
	name     string
	settings Settings

	mu       sync.Mutex
	store    *db.SessionStore
	ownStore bool
	hooks    *event.Hooks

	allocationValidator  DataValidator
	reservationValidator DataValidator
}

func (c *Context) Name() string { return c.name }

func (c *Context) Settings() Settings { return c.settings }

func (c *Context) Codec() Codec { return c.settings.Codec }

// Store returns the context's session store, building it on first use:
// an injected Store wins, then the StoreFactory, then a postgres pool
// pair from the database config.
func (c *Context) Store() *db.SessionStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store
	}
	switch {
	case c.settings.Store != nil:
		c.store = c.settings.Store
	case c.settings.StoreFactory != nil:
		c.store = c.settings.StoreFactory()
		c.ownStore = true
	default:
		var monitor db.SessionMonitor
		if c.settings.Monitoring != nil {
			monitor = db.NewSessionMonitor(c.settings.Monitoring)
		}
		write := db.NewPostgresDB(c.settings.DB, "default_transaction_isolation=serializable")
		read := db.NewPostgresDB(c.settings.DB)
		c.store = db.NewSessionStore(&write, &read, c.settings.Reservations, monitor)
		c.ownStore = true
	}
	return c.store
}

// Hooks returns the context's event hooks, created on first use.
func (c *Context) Hooks() *event.Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks == nil {
		c.hooks = &event.Hooks{}
	}
	return c.hooks
}

// SessionExpiry is the age after which an unconfirmed session cart may
// be swept.
func (c *Context) SessionExpiry() time.Duration {
	return c.settings.Reservations.SessionExpiry()
}

// Close releases the session store if the context built it itself.
// Injected stores belong to their creators.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil && c.ownStore {
		c.store.Close()
		c.store = nil
		c.ownStore = false
	}
}

// SetAllocationDataValidator installs a check run before allocation
// data blobs are written.
func (c *Context) SetAllocationDataValidator(fn DataValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocationValidator = fn
}

// SetReservationDataValidator installs a check run before reservation
// data blobs are written.
func (c *Context) SetReservationDataValidator(fn DataValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservationValidator = fn
}

func (c *Context) ValidateAllocationData(data db.Data) error {
	c.mu.Lock()
	fn := c.allocationValidator
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(data)
}

func (c *Context) ValidateReservationData(data db.Data) error {
	c.mu.Lock()
	fn := c.reservationValidator
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(data)
}
