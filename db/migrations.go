// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"embed"
	"log/slog"
	"maps"
	"slices"
)

// The reservations schema, applied before a store is used.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

type Migrater interface {
	Migrate()
}

type migrater struct {
	db         DB
	migrations map[string]string
}

// Create a new migrater from the embedded schema files.
func NewMigrater(db DB) Migrater {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		panic(err)
	}
	migrations := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			panic("unexpected directory under migrations: " + entry.Name())
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			panic(err)
		}
		migrations[entry.Name()] = string(content)
	}
	return &migrater{db: db, migrations: migrations}
}

// Apply all migrations, ordered by file name. The DDL is idempotent,
// so running the migrater against an up-to-date schema is a no-op.
func (m *migrater) Migrate() {
	for _, name := range slices.Sorted(maps.Keys(m.migrations)) {
		slog.Info("applying migration", "name", name)
		if _, err := m.db.Exec(m.migrations[name]); err != nil {
			panic(err)
		}
	}
	slog.Info("schema is up to date")
}
