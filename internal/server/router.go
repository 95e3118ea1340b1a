// Package server exposes the panel's HTTP surface: server lifecycle REST
// endpoints, agent and UI websocket upgrades, and Prometheus metrics.
// Commands for servers pinned to a remote node are forwarded over the
// control channel; everything else runs against the local orchestrator.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minefleet/minefleet/internal/hub"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/orchestrator"
	"github.com/minefleet/minefleet/internal/wire"
)

const localNode = "local"

type Router struct {
	orch     *orchestrator.Orchestrator
	hub      *hub.Hub
	cfgs     orchestrator.ConfigProvider
	basePath string
	log      *slog.Logger
}

func NewRouter(orch *orchestrator.Orchestrator, h *hub.Hub, cfgs orchestrator.ConfigProvider, basePath string, log *slog.Logger) *Router {
	return &Router{orch: orch, hub: h, cfgs: cfgs, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/servers/:id/start", r.handleStart)
	group.POST("/servers/:id/stop", r.handleStop)
	group.POST("/servers/:id/command", r.handleCommand)
	group.GET("/servers/:id/status", r.handleStatus)
	group.GET("/servers/:id/logs", r.handleLogs)
	group.GET("/servers", r.handleList)
	group.GET("/agents", r.handleAgents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/ws/agent", gin.WrapF(r.hub.ServeAgent))
	group.GET("/ws/ui", gin.WrapF(r.hub.ServeUI))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// nodeFor resolves which node owns a server id. Empty string means the id
// failed validation and a response was already written.
func (r *Router) nodeFor(c *gin.Context) (string, string, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server id: allowed [A-Za-z0-9._-]"})
		return "", "", false
	}
	cfg, err := r.cfgs.GetServerConfig(id)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return "", "", false
	}
	node := cfg.NodeID
	if node == "" {
		node = localNode
	}
	return id, node, true
}

// callRemote forwards an acknowledged command to the agent owning the node
// and maps the ack outcome onto an HTTP status.
func (r *Router) callRemote(c *gin.Context, node, event, id string, payload any) {
	f, err := wire.NewCall(wire.ChannelAgent, event, id, payload)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	ack, err := r.hub.Call(c.Request.Context(), node, f)
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	if !ack.OK {
		code := http.StatusBadRequest
		if ack.Error != nil && ack.Error.Code == wire.CodeInternal {
			code = http.StatusInternalServerError
		}
		msg := "command rejected"
		if ack.Error != nil {
			msg = ack.Error.Error()
		}
		writeJSON(c, code, errorResp{Error: msg})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	id, node, ok := r.nodeFor(c)
	if !ok {
		return
	}
	if node != localNode {
		cfg, _ := r.cfgs.GetServerConfig(id)
		r.callRemote(c, node, wire.EventStart, id, wire.StartRequest{
			ServerID: id,
			Command:  cfg.Command,
			Env:      envMap(cfg.Env),
			Image:    cfg.Image,
			Port:     cfg.Port,
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := r.orch.StartServer(ctx, id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrAlreadyTracked) {
			status = http.StatusConflict
		}
		writeJSON(c, status, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	id, node, ok := r.nodeFor(c)
	if !ok {
		return
	}
	force := c.Query("force") == "1" || c.Query("force") == "true"
	if node != localNode {
		r.callRemote(c, node, wire.EventStop, id, wire.StopRequest{ServerID: id, Force: force})
		return
	}
	if err := r.orch.StopServer(id, force); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, orchestrator.ErrNotTracked):
			status = http.StatusNotFound
		case errors.Is(err, orchestrator.ErrStarting):
			status = http.StatusConflict
		}
		writeJSON(c, status, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type commandBody struct {
	Text string `json:"text"`
}

func (r *Router) handleCommand(c *gin.Context) {
	id, node, ok := r.nodeFor(c)
	if !ok {
		return
	}
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.Text == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "text required"})
		return
	}
	if node != localNode {
		r.callRemote(c, node, wire.EventCommand, id, wire.CommandRequest{ServerID: id, Text: body.Text})
		return
	}
	if err := r.orch.SendCommand(id, body.Text); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrNotTracked) {
			status = http.StatusNotFound
		}
		writeJSON(c, status, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	id, _, ok := r.nodeFor(c)
	if !ok {
		return
	}
	st, err := r.orch.Status(id)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	id, _, ok := r.nodeFor(c)
	if !ok {
		return
	}
	n := 100
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a positive integer"})
			return
		}
		n = v
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "lines": r.orch.Logs(id, n)})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Statuses())
}

func (r *Router) handleAgents(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.hub.Sessions())
}

// envMap converts KEY=VALUE pairs into the map the wire format carries.
func envMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
