// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/cobaltcore-dev/resa/conf"
	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/sapcc/go-bits/easypg"
)

// Handle on one connection pool of the reservations database, with the
// gorp table maps registered on it.
type DB struct {
	*gorp.DbMap
	DBConfig conf.DBConfig
}

type Table interface {
	TableName() string
}

// Create a new postgres database handle and wait until it accepts
// connections. Extra connection options are appended to the DSN; the
// write session uses this to pin its transaction isolation level.
func NewPostgresDB(c conf.DBConfig, connOpts ...string) DB {
	// Values sourced from yaml may carry a trailing newline.
	chomp := func(s string) string { return strings.ReplaceAll(s, "\n", "") }
	options := append([]string{"sslmode=disable"}, connOpts...)
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          chomp(c.Host),
		Port:              chomp(c.Port),
		UserName:          chomp(c.User),
		Password:          chomp(c.Password),
		ConnectionOptions: strings.Join(options, "&"),
		DatabaseName:      chomp(c.Database),
	})
	if err != nil {
		panic(err)
	}
	slog.Info("connecting to database", "dbURL", dbURL.String())
	handle, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		panic(err)
	}

	const maxAttempts = 10
	for attempt := 1; ; attempt++ {
		err := handle.Ping()
		if err == nil {
			break
		}
		if attempt == maxAttempts {
			panic("giving up connecting to database")
		}
		slog.Warn("database not reachable, retrying", "error", err, "attempt", attempt)
		time.Sleep(time.Second)
	}
	handle.SetMaxOpenConns(16)
	slog.Info("database is ready")

	return DB{
		DbMap:    &gorp.DbMap{Db: handle, Dialect: gorp.PostgresDialect{}},
		DBConfig: c,
	}
}

// Create the given tables inside one transaction, skipping tables that
// already exist.
func (d *DB) CreateTable(tables ...*gorp.TableMap) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	for _, table := range tables {
		slog.Info("creating table", "table", table.TableName)
		if _, err := tx.Exec(table.SqlForCreate(true)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Register a model under its table name.
func (d *DB) AddTable(t Table) *gorp.TableMap {
	slog.Info("registering table", "table", t.TableName())
	return d.AddTableWithName(t, t.TableName())
}

// Whether the model's table exists in the connected database.
func (d *DB) TableExists(t Table) bool {
	query := `SELECT EXISTS (
		SELECT 1
		FROM   information_schema.tables
		WHERE  table_name = :table_name
	);`
	var exists bool
	if err := d.SelectOne(&exists, query, map[string]any{"table_name": t.TableName()}); err != nil {
		slog.Error("failed to check if table exists", "error", err)
		return false
	}
	return exists
}

// Close the underlying connection pool.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("failed to close database connection", "error", err)
	}
}
