// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package containers

import (
	"database/sql"
	"fmt"
	"log"
	"testing"

	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
)

// PostgresContainer runs a throwaway postgres for tests that need the
// real dialect, such as the serializable isolation checks.
type PostgresContainer struct {
	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// GetPort returns the host port mapped to the container's postgres port.
func (c PostgresContainer) GetPort() string {
	return c.resource.GetPort("5432/tcp")
}

func (c *PostgresContainer) Init(t *testing.T) {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("failed to construct docker pool: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Fatalf("failed to reach the docker daemon: %v", err)
	}
	c.pool = pool

	c.resource, err = pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "17",
		Env: []string{
			"POSTGRES_USER=postgres",
			"POSTGRES_PASSWORD=secret",
			"listen_addresses = '*'",
		},
	}, func(config *docker.HostConfig) {
		// Stopped containers clean up after themselves.
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("failed to start the postgres container: %v", err)
	}
	// Concurrency scenarios keep a container alive for a while.
	if err := c.resource.Expire(120); err != nil {
		t.Fatalf("failed to set the container expiry: %v", err)
	}

	dsn := fmt.Sprintf(
		"host=localhost port=%s user=postgres password=secret dbname=postgres sslmode=disable",
		c.GetPort(),
	)
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open the probe connection: %v", err)
	}
	defer conn.Close()
	if err := pool.Retry(conn.Ping); err != nil {
		t.Fatalf("postgres was not ready in time: %v", err)
	}
}

// Close purges the container. Purge failures are logged, not fatal:
// expired containers remove themselves.
func (c *PostgresContainer) Close() {
	if err := c.pool.Purge(c.resource); err != nil {
		log.Printf("failed to purge the postgres container: %v", err)
	}
}
