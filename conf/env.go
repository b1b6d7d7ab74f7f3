// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"log/slog"
	"os"
)

// Database configuration filled from environment variables, for
// deployments that mount credentials instead of a config file.
func NewDBConfigFromEnv() DBConfig {
	return DBConfig{
		Host:     Getenv("POSTGRES_HOST", "localhost"),
		Port:     Getenv("POSTGRES_PORT", "5432"),
		Database: Getenv("POSTGRES_DB", "postgres"),
		User:     Getenv("POSTGRES_USER", "postgres"),
		Password: Getenv("POSTGRES_PASSWORD", "secret"),
	}
}

// Retrieve the value of the environment variable named by the key.
// If the variable is empty, it logs an error and exits the application.
func ForceGetenv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		slog.Error("missing environment variable", "key", key)
		panic("missing environment variable")
	}
	return value
}

// Retrieve the value of the environment variable named by the key.
// If the variable is empty, it returns the provided default value.
func Getenv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
