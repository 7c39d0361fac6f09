package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tablemind/tablemind/intent-engine/internal/api"
	"github.com/tablemind/tablemind/intent-engine/internal/api/handlers"
	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/executor"
	"github.com/tablemind/tablemind/intent-engine/internal/heartbeat"
	"github.com/tablemind/tablemind/intent-engine/internal/history"
	"github.com/tablemind/tablemind/intent-engine/internal/intent"
	"github.com/tablemind/tablemind/intent-engine/internal/llm"
	"github.com/tablemind/tablemind/intent-engine/internal/planner"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/internal/telemetry"
	"github.com/tablemind/tablemind/intent-engine/internal/toolkit"
)

// Server is the assembled intent engine: router, audit store, and the
// background monitor, ready to serve.
type Server struct {
	Handler http.Handler
	Store   audit.Store
	Monitor *heartbeat.Monitor
	Port    int

	shutdownTelemetry func(context.Context) error
}

// New wires the full pipeline from configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var store audit.Store
	if cfg.Database.URL != "" {
		pg, err := audit.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect audit store: %w", err)
		}
		store = pg
		log.Info().Msg("Audit store: PostgreSQL")
	} else {
		store = audit.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("Audit store: in-memory")
	}

	reg := registry.New()
	bridge := toolkit.NewBridge(cfg.Backend)
	if err := toolkit.RegisterAll(reg, bridge); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	log.Info().Int("tools", len(reg.Names())).Msg("Tool registry ready")

	client := llm.NewClient(cfg.LLM)
	engine := intent.NewEngine(client, cfg.Pipeline)
	pl := planner.New(client, reg)
	exec := executor.New(store, reg, pl, cfg.Pipeline)
	hb := heartbeat.NewService(store, exec, cfg.Pipeline)
	monitor := heartbeat.NewMonitor(hb, cfg.Pipeline.HeartbeatDelay)

	// Every step start arms a watchdog probe for that execution.
	exec.OnStepStart = monitor.Track

	h := handlers.New(store, engine, pl, exec, hb, history.NewTracker(), reg, cfg.Pipeline, cfg.Version)

	return &Server{
		Handler:           api.NewRouter(h, cfg.Auth),
		Store:             store,
		Monitor:           monitor,
		Port:              cfg.Port,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Start launches the background heartbeat monitor.
func (s *Server) Start(ctx context.Context) {
	s.Monitor.Start(ctx)
}

// Shutdown stops the monitor and flushes telemetry and store state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Monitor.Stop()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Audit store close failed")
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}
