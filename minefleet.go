// Package minefleet is the embeddable facade over the panel internals: load
// a config, build a Panel, mount its handler or let it serve standalone.
package minefleet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/hub"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/orchestrator"
	"github.com/minefleet/minefleet/internal/server"
	"github.com/minefleet/minefleet/internal/store"
	"github.com/minefleet/minefleet/internal/wire"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ServerDef = config.ServerDef

type State = orchestrator.State

type Status = orchestrator.Status

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// RegisterMetricsDefault registers the panel metrics on the default
// Prometheus registerer. Safe to call more than once.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// Panel assembles the control plane: local orchestrator, agent hub, status
// store, and HTTP surface.
type Panel struct {
	Orch *orchestrator.Orchestrator
	Hub  *hub.Hub

	cfg    *Config
	db     store.Store
	router *server.Router
	log    *slog.Logger
}

func NewPanel(cfg *Config, log *slog.Logger) (*Panel, error) {
	var db store.Store
	if cfg.StorePath != "" {
		d, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := d.EnsureSchema(context.Background()); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("store schema: %w", err)
		}
		db = d
	}

	h := hub.New(hub.Options{Secret: cfg.Secret, HeartbeatTimeout: cfg.HeartbeatTimeout}, log.With("component", "hub"))

	provider := config.NewProvider(cfg.Servers)
	var statusStore orchestrator.StatusStore
	if db != nil {
		statusStore = store.StatusAdapter{S: db}
	}
	orch := orchestrator.New(provider, statusStore, orchestrator.Preflight{MemoryHeadroomMB: 512}, h, log.With("component", "orchestrator"))
	if cfg.ConsoleLog != nil {
		orch.SetConsoleLog(*cfg.ConsoleLog)
	}

	p := &Panel{Orch: orch, Hub: h, cfg: cfg, db: db, log: log}
	p.router = server.NewRouter(orch, h, provider, "", log.With("component", "http"))
	h.OnAgentEvent = p.mirrorAgentEvent
	return p, nil
}

// mirrorAgentEvent persists remote server state so the REST surface and
// dashboards see remote nodes without a live websocket. Stats frames imply
// the server runs; remote rosters and TPS are not reported by agents.
func (p *Panel) mirrorAgentEvent(nodeID string, f wire.Frame) {
	if p.db == nil {
		return
	}
	switch f.Event {
	case wire.EventStatus:
		var st wire.StatusEvent
		if err := f.Decode(&st); err != nil {
			return
		}
		_ = p.db.UpsertStatus(context.Background(), store.Record{
			ServerID:   st.ServerID,
			Status:     st.Status,
			Players:    st.Players,
			TPS:        st.TPS,
			CPUPercent: st.CPUPercent,
			MemoryMB:   st.MemoryMB,
		})
	case wire.EventStats:
		var st wire.ServerStats
		if err := f.Decode(&st); err != nil || st.ServerID == "" {
			return
		}
		_ = p.db.UpsertStatus(context.Background(), store.Record{
			ServerID:   st.ServerID,
			Status:     string(orchestrator.StatusOnline),
			CPUPercent: st.CPUPercent,
			MemoryMB:   st.MemoryMB,
			PID:        st.PID,
		})
	}
}

// Handler returns the panel's HTTP surface for mounting in an outer mux.
func (p *Panel) Handler() http.Handler { return p.router.Handler() }

// Start launches the background loops: reconcile, stats, staleness sweeper.
func (p *Panel) Start() {
	p.Orch.StartLoops(orchestrator.DefaultReconcileInterval, orchestrator.DefaultStatsInterval)
	p.Hub.StartSweeper(10 * time.Second)
}

// Serve starts a standalone HTTP server on the configured listen address.
func (p *Panel) Serve() *http.Server {
	return server.NewServer(p.cfg.Listen, p.router)
}

// Shutdown stops servers gracefully within grace, then closes the hub and
// the store.
func (p *Panel) Shutdown(grace time.Duration) {
	p.Orch.Shutdown(grace)
	p.Hub.Shutdown()
	if p.db != nil {
		_ = p.db.Close()
	}
}
