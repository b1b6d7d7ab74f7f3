// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql/driver"
	"fmt"

	"github.com/go-gorp/gorp"
)

// Value-based identity of an entity, independent of pointer identity.
// Two loads of the same row compare equal by key.
type Key struct {
	Kind string
	ID   int64
}

// Opaque json blob attached to allocations and reservations. Stored as
// jsonb on postgres; nil round-trips as NULL.
type Data []byte

func (d Data) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return string(d), nil
}

func (d *Data) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append(Data(nil), v...)
	case string:
		*d = Data(v)
	default:
		return fmt.Errorf("cannot scan %T into Data", src)
	}
	return nil
}

// Register the reservation tables on the database. The composite
// primary key of reserved_slots is declared in the model tags; it is
// what turns a double-booking into a key conflict. Re-registering a
// table returns its existing map.
func AddReservationTables(d *DB) []*gorp.TableMap {
	return []*gorp.TableMap{
		d.AddTable(Allocation{}),
		d.AddTable(ReservedSlot{}),
		d.AddTable(Reservation{}),
	}
}

// Create the reservation tables inside one transaction. Used by test
// environments; deployments run the embedded migrations instead.
func CreateReservationTables(d *DB) error {
	return d.CreateTable(AddReservationTables(d)...)
}
