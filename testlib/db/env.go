// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/cobaltcore-dev/resa/conf"
	"github.com/cobaltcore-dev/resa/db"
	"github.com/cobaltcore-dev/resa/testlib/containers"
	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
)

type DBEnv struct {
	*db.DB
	Close func()
}

// SetupDBEnv opens a single throwaway database handle with the
// reservation tables registered but not created.
func SetupDBEnv(t *testing.T) DBEnv {
	var env DBEnv
	// To run tests faster, the default is running with sqlite.
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("Using real postgres container")
		container := &containers.PostgresContainer{}
		container.Init(t)
		d := db.NewPostgresDB(conf.DBConfig{
			Host:     "localhost",
			Port:     container.GetPort(),
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
		})
		env.DB = &d
		env.Close = func() {
			env.DB.Close()
			container.Close()
		}
	} else {
		slog.Info("Using sqlite")
		tmpDir := t.TempDir()
		env.DB = openSqlite(t, sqliteDSN(tmpDir))
		env.Close = func() {
			env.DB.Close()
		}
	}
	db.AddReservationTables(env.DB)
	env.DB.DbMap.TraceOn("[gorp]", log.New(os.Stdout, "resa:", log.Lmicroseconds))
	return env
}

type SessionEnv struct {
	Store *db.SessionStore
	Close func()
}

// SetupSessionEnv opens a session store over two handles on the same
// throwaway database, with the reservation tables created. The write
// handle runs with serializable isolation on postgres.
func SetupSessionEnv(t *testing.T) SessionEnv {
	var env SessionEnv
	var write, read *db.DB
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("Using real postgres container")
		container := &containers.PostgresContainer{}
		container.Init(t)
		c := conf.DBConfig{
			Host:     "localhost",
			Port:     container.GetPort(),
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
		}
		w := db.NewPostgresDB(c, "default_transaction_isolation=serializable")
		r := db.NewPostgresDB(c)
		write, read = &w, &r
		env.Close = func() {
			write.Close()
			read.Close()
			container.Close()
		}
	} else {
		slog.Info("Using sqlite")
		// Both handles share one file; the busy timeout turns lock
		// contention into retryable errors instead of hard failures.
		dsn := sqliteDSN(t.TempDir())
		write = openSqlite(t, dsn)
		read = openSqlite(t, dsn)
		env.Close = func() {
			write.Close()
			read.Close()
		}
	}
	db.AddReservationTables(write)
	db.AddReservationTables(read)
	if err := db.CreateReservationTables(write); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	write.DbMap.TraceOn("[gorp]", log.New(os.Stdout, "resa:", log.Lmicroseconds))
	env.Store = db.NewSessionStore(write, read, conf.ReservationsConfig{}, db.SessionMonitor{})
	return env
}

func sqliteDSN(dir string) string {
	return "file:" + dir + "/test.db?_busy_timeout=5000&_journal_mode=WAL"
}

func openSqlite(t *testing.T, dsn string) *db.DB {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	d := &db.DB{}
	d.DbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
	return d
}
