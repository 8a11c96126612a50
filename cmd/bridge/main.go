// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bridge starts the AleutianBridge HTTP server.
//
// This is the main entry point for the containerized bridge service. It
// reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - BRIDGE_PORT: HTTP server port (default: 12310)
//   - BRIDGE_GATEWAY_URL: upstream protocol gateway websocket URL (required)
//   - BRIDGE_DATA_DIR: badger session store directory (default: ./data/bridge)
//   - BRIDGE_RECONNECT_DELAY: flat delay between reconnect attempts (default: 4s)
//   - BRIDGE_MAX_RECONNECT_ATTEMPTS: consecutive failure budget (default: 5)
//   - BRIDGE_LOG_DIR: enables JSON file logging when set (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o bridge ./cmd/bridge
//
//	# Run
//	./bridge serve
//
//	# Or via container
//	podman-compose up bridge
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge"
	"github.com/AleutianAI/AleutianBridge/services/bridge/supervisor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "AleutianBridge multi-tenant messaging bridge",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLogs, err := logging.New(logging.Config{
			LogDir:  os.Getenv("BRIDGE_LOG_DIR"),
			Service: "bridge",
			Output:  os.Stdout,
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		defer closeLogs()
		slog.SetDefault(logger)

		cfg := bridge.Config{
			Port:          getEnvInt("BRIDGE_PORT", 12310),
			GatewayURL:    os.Getenv("BRIDGE_GATEWAY_URL"),
			DataDir:       getEnvString("BRIDGE_DATA_DIR", "./data/bridge"),
			OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
			EnableMetrics: true,
			Supervisor: supervisor.Config{
				ReconnectDelay:       getEnvDuration("BRIDGE_RECONNECT_DELAY", 0),
				MaxReconnectAttempts: getEnvInt("BRIDGE_MAX_RECONNECT_ATTEMPTS", 0),
			},
		}
		if cfg.GatewayURL == "" {
			return fmt.Errorf("BRIDGE_GATEWAY_URL is required")
		}

		slog.Info("Starting bridge",
			"version", Version,
			"port", cfg.Port,
			"gateway_url", cfg.GatewayURL,
			"data_dir", cfg.DataDir,
		)

		svc, err := bridge.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create bridge: %w", err)
		}
		return svc.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
