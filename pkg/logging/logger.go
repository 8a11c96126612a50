// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for AleutianBridge components.
//
// The package is built on Go's standard library slog, with two additions
// the bridge needs:
//
//   - terminal-aware handler selection: human-readable text on a TTY,
//     JSON everywhere else (containers, pipelines)
//   - optional file logging with automatic directory creation, named
//     {service}_{date}.log
//
// # Basic Usage
//
//	logger := logging.Default("bridge")
//	logger.Info("session connected", "identity_token", token)
//
// # File Logging
//
//	logger, closeFn, err := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    LogDir:  "~/.aleutianbridge/logs",  // Supports ~ expansion
//	    Service: "bridge",
//	})
//	defer closeFn()
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure credential material and pairing codes are not logged.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit. Default: slog.LevelInfo.
	Level slog.Leveler

	// LogDir, when non-empty, enables JSON file logging alongside the
	// primary output. Supports ~ expansion.
	LogDir string

	// Service names the log file: {service}_{date}.log. Default "bridge".
	Service string

	// Output is the primary destination. Default os.Stderr.
	Output *os.File
}

// Default returns a terminal-aware logger writing to stderr.
func Default(service string) *slog.Logger {
	logger, _, err := New(Config{Service: service})
	if err != nil {
		// Stderr-only construction cannot fail; keep the signature honest
		// anyway.
		return slog.Default()
	}
	return logger
}

// New builds a logger per cfg and returns it with a close function that
// flushes and closes the log file, if any. The close function is never
// nil.
func New(cfg Config) (*slog.Logger, func(), error) {
	if cfg.Service == "" {
		cfg.Service = "bridge"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var primary slog.Handler
	if isatty.IsTerminal(cfg.Output.Fd()) || isatty.IsCygwinTerminal(cfg.Output.Fd()) {
		primary = slog.NewTextHandler(cfg.Output, opts)
	} else {
		primary = slog.NewJSONHandler(cfg.Output, opts)
	}

	if cfg.LogDir == "" {
		return slog.New(primary), func() {}, nil
	}

	dir, err := expandPath(cfg.LogDir)
	if err != nil {
		return nil, nil, fmt.Errorf("expand log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	logger := slog.New(newFanoutHandler(primary, fileHandler))
	closeFn := func() {
		_ = file.Sync()
		_ = file.Close()
	}
	return logger, closeFn, nil
}

// NewWriterLogger builds a JSON logger over an arbitrary writer. Used by
// tests and by components that already own their output stream.
func NewWriterLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// expandPath resolves a leading ~ to the user's home directory.
//
//	"~/.aleutianbridge/logs" -> "/home/user/.aleutianbridge/logs"
func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
