// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"log/slog"
	"os"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Level maps the configured level name to its slog value, making the
// config usable as a slog.Leveler. Unknown names fall back to info.
func (c LoggingConfig) Level() slog.Level {
	if level, ok := logLevels[c.LevelStr]; ok {
		return level
	}
	return slog.LevelInfo
}

// Install the configured handler as the process-wide default logger.
func (c LoggingConfig) SetDefaultLogger() {
	opts := &slog.HandlerOptions{Level: c}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("installed default logger", "level", c.LevelStr, "format", c.Format)
}
