// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge provides the core bridge service for AleutianBridge.
//
// This package contains the main Service type that ties together the
// components of the messaging bridge: the session store, the tenant
// accounts registry, the connection registry, the pairing and
// reconnection supervisor, HTTP routing, and observability
// infrastructure.
//
// # Usage
//
//	cfg := bridge.Config{Port: 12310, GatewayURL: "wss://gw.example.com/v1/link"}
//	svc, err := bridge.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianBridge/services/bridge/accounts"
	"github.com/AleutianAI/AleutianBridge/services/bridge/notify"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/routes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/store"
	"github.com/AleutianAI/AleutianBridge/services/bridge/supervisor"
)

// Service defines the contract for the bridge service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run restores previously connected sessions, then starts the HTTP
	// server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// Config holds bridge configuration options.
//
// # Required Fields
//
//   - GatewayURL: The upstream protocol gateway to dial sessions against.
//
// # Optional Fields
//
// Everything else defaults sensibly.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// GatewayURL is the upstream messaging protocol gateway,
	// e.g. "wss://gw.example.com/v1/link".
	GatewayURL string

	// DataDir is where the badger session store lives.
	// Default: "./data/bridge"
	DataDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus /metrics endpoint.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// RestoreOnBoot controls whether Run() reconnects previously
	// connected sessions before serving. Default: true.
	RestoreOnBoot *bool

	// Supervisor tunes pairing/reconnection timing. Zero values use the
	// supervisor package defaults.
	Supervisor supervisor.Config

	// Dispatcher delivers owner disconnect notifications. Defaults to a
	// log-backed dispatcher.
	Dispatcher notify.Dispatcher

	// Client overrides the protocol client. Used by tests; production
	// builds one from GatewayURL.
	Client protocol.Client
}

// service implements Service for production use.
type service struct {
	config        Config
	router        *gin.Engine
	store         *store.Store
	accounts      accounts.Registry
	registry      *registry.Registry
	manager       *supervisor.Manager
	tracerCleanup func(context.Context)
}

// New creates a bridge Service with the given configuration.
//
// # Description
//
// New initializes all bridge components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Opens the badger-backed session store and accounts registry
//  4. Builds the protocol client and the session supervisor
//  5. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run bridge service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for bridge")
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = s.config.DataDir
	s.store, err = store.Open(storeCfg)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s.accounts = accounts.NewBadgerRegistry(s.store.DB())
	s.registry = registry.New(slog.Default())

	client := s.config.Client
	if client == nil {
		client, err = protocol.NewWSClient(protocol.WSConfig{URL: s.config.GatewayURL})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to build protocol client: %w", err)
		}
	}
	s.manager, err = supervisor.New(s.config.Supervisor, client, s.store,
		s.accounts, s.registry, s.config.Dispatcher, slog.Default())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build session supervisor: %w", err)
	}

	s.initRouter()
	return s, nil
}

// Run restores previously connected sessions, then starts the HTTP
// server and blocks until it stops.
func (s *service) Run() error {
	defer s.cleanup()

	if s.config.RestoreOnBoot == nil || *s.config.RestoreOnBoot {
		summary, err := s.manager.RestoreAllOnBoot(context.Background())
		if err != nil {
			return fmt.Errorf("boot restoration failed: %w", err)
		}
		slog.Info("Restored sessions on boot",
			"candidates", summary.Candidates,
			"restored", summary.Restored,
			"repaired", summary.Repaired)
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting bridge server", "port", s.config.Port)
	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/bridge"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("bridge-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("bridge-service"))

	routes.SetupRoutes(s.router, s.manager, s.accounts, s.config.EnableMetrics)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Error("failed to close session store", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
