// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `yaml:"level"`
	// The log format to use (json, text).
	Format string `yaml:"format"`
}

// Database configuration.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `yaml:"labels"`

	// The port to expose the metrics on.
	Port int `yaml:"port"`
}

// Configuration defaults applied to reservation contexts.
type ReservationsConfig struct {
	// IANA timezone used by contexts that set none explicitly.
	Timezone string `yaml:"timezone"`
	// How often a serializable write transaction is retried after a
	// serialization conflict before giving up.
	TransactionRetries int `yaml:"transactionRetries"`
	// Cap for the exponential backoff between retries, in milliseconds.
	TransactionBackoffMsec int `yaml:"transactionBackoffMsec"`
	// Minutes of cart inactivity after which a session counts as expired.
	SessionExpiryMinutes int `yaml:"sessionExpiryMinutes"`
}

// Expiry cutoff duration, falling back to 15 minutes when unset.
func (c ReservationsConfig) SessionExpiry() time.Duration {
	if c.SessionExpiryMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SessionExpiryMinutes) * time.Minute
}

// Configuration for the reservations service.
type Config interface {
	GetLoggingConfig() LoggingConfig
	GetDBConfig() DBConfig
	GetMonitoringConfig() MonitoringConfig
	GetReservationsConfig() ReservationsConfig
	// Check if the configuration is valid.
	Validate() error
}

type config struct {
	LoggingConfig      `yaml:"logging"`
	DBConfig           `yaml:"db"`
	MonitoringConfig   `yaml:"monitoring"`
	ReservationsConfig `yaml:"reservations"`
}

// Create a new configuration from the default config yaml file.
func NewConfig() Config {
	return NewConfigFromFile("/etc/config/conf.yaml")
}

// Create a new configuration from the given file.
func NewConfigFromFile(filepath string) Config {
	file, err := os.Open(filepath)
	if err != nil {
		panic(err)
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		panic(err)
	}
	return NewConfigFromBytes(bytes)
}

// Create a new configuration from the given bytes.
func NewConfigFromBytes(bytes []byte) Config {
	var c config
	if err := yaml.Unmarshal(bytes, &c); err != nil {
		panic(err)
	}
	return &c
}

func (c *config) GetLoggingConfig() LoggingConfig           { return c.LoggingConfig }
func (c *config) GetDBConfig() DBConfig                     { return c.DBConfig }
func (c *config) GetMonitoringConfig() MonitoringConfig     { return c.MonitoringConfig }
func (c *config) GetReservationsConfig() ReservationsConfig { return c.ReservationsConfig }

func (c *config) Validate() error {
	r := c.ReservationsConfig
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("reservations: unknown timezone %q", r.Timezone)
		}
	}
	if r.TransactionRetries < 0 {
		return fmt.Errorf("reservations: transactionRetries must not be negative")
	}
	if r.TransactionBackoffMsec < 0 {
		return fmt.Errorf("reservations: transactionBackoffMsec must not be negative")
	}
	if r.SessionExpiryMinutes < 0 {
		return fmt.Errorf("reservations: sessionExpiryMinutes must not be negative")
	}
	return nil
}
