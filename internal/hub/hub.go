// Package hub is the control-plane side of the control channel: it admits
// remote agents after a validated handshake, tracks their sessions and
// health, routes acknowledged commands to them, and fans events out to
// browser subscribers by server room.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/orchestrator"
	"github.com/minefleet/minefleet/internal/wire"
)

const (
	handshakeWait   = 10 * time.Second
	defaultCallWait = 15 * time.Second
)

type Options struct {
	Secret           string
	HeartbeatTimeout time.Duration
}

type Hub struct {
	mu      sync.RWMutex
	opt     Options
	agents  map[string]*AgentSession
	uis     map[*uiClient]bool
	pending map[string]chan wire.Ack
	log     *slog.Logger

	upgrader websocket.Upgrader

	// OnAgentEvent, when set, observes every event frame an agent sends
	// (after the hub's own bookkeeping). The panel uses it to mirror remote
	// server status into the store.
	OnAgentEvent func(nodeID string, f wire.Frame)

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(opt Options, log *slog.Logger) *Hub {
	if opt.HeartbeatTimeout <= 0 {
		opt.HeartbeatTimeout = 30 * time.Second
	}
	return &Hub{
		opt:     opt,
		agents:  make(map[string]*AgentSession),
		uis:     make(map[*uiClient]bool),
		pending: make(map[string]chan wire.Ack),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin policy is the outer web layer's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// ServeAgent upgrades an agent connection and admits it after handshake
// validation: shared secret and protocol version must both match.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var f wire.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Event != wire.EventHandshake {
		_ = conn.Close()
		return
	}
	var hs wire.Handshake
	if err := f.Decode(&hs); err != nil {
		_ = conn.WriteJSON(wire.AckErr(f, wire.CodeValidation, err.Error()))
		_ = conn.Close()
		return
	}
	if hs.NodeID == "" || (h.opt.Secret != "" && hs.Secret != h.opt.Secret) {
		_ = conn.WriteJSON(wire.AckErr(f, wire.CodeDenied, "handshake rejected"))
		_ = conn.Close()
		return
	}
	if hs.Protocol != wire.ProtocolVersion {
		_ = conn.WriteJSON(wire.AckErr(f, wire.CodeValidation,
			fmt.Sprintf("protocol %d unsupported, want %d", hs.Protocol, wire.ProtocolVersion)))
		_ = conn.Close()
		return
	}

	s := &AgentSession{
		NodeID:        hs.NodeID,
		Protocol:      hs.Protocol,
		Version:       hs.Version,
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
		conn:          conn,
		send:          make(chan wire.Frame, sendBufferSize),
	}

	h.mu.Lock()
	if old := h.agents[hs.NodeID]; old != nil {
		old.close()
	}
	h.agents[hs.NodeID] = s
	n := len(h.agents)
	h.mu.Unlock()
	metrics.SetConnectedAgents(n)
	h.log.Info("agent connected", "node", hs.NodeID, "version", hs.Version)

	if ok, err := wire.AckOK(f, nil); err == nil {
		_ = conn.WriteJSON(ok)
	}
	go s.writePump()
	h.readAgent(s)
}

func (h *Hub) readAgent(s *AgentSession) {
	defer func() {
		h.mu.Lock()
		if h.agents[s.NodeID] == s {
			delete(h.agents, s.NodeID)
		}
		n := len(h.agents)
		h.mu.Unlock()
		metrics.SetConnectedAgents(n)
		s.close()
		h.log.Info("agent disconnected", "node", s.NodeID)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f wire.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("agent read error", "node", s.NodeID, "error", err)
			}
			return
		}
		h.handleAgentFrame(s, f)
	}
}

func (h *Hub) handleAgentFrame(s *AgentSession, f wire.Frame) {
	switch f.Event {
	case wire.EventAck:
		var ack wire.Ack
		if err := f.Decode(&ack); err != nil {
			return
		}
		h.mu.Lock()
		ch := h.pending[ack.ID]
		delete(h.pending, ack.ID)
		h.mu.Unlock()
		if ch != nil {
			ch <- ack
		}
		return
	case wire.EventHeartbeat:
		var hb wire.Heartbeat
		if err := f.Decode(&hb); err == nil {
			s.mu.Lock()
			s.Health = hb
			s.LastHeartbeat = time.Now()
			s.Stale = false
			s.mu.Unlock()
			metrics.IncHeartbeat(s.NodeID)
		}
	case wire.EventSync:
		var state wire.SyncState
		if err := f.Decode(&state); err == nil {
			s.mu.Lock()
			s.Tracked = state.Tracked
			s.mu.Unlock()
			h.log.Info("agent state sync", "node", s.NodeID, "tracked", len(state.Tracked))
		}
	case wire.EventCapabilities:
		var caps wire.Capabilities
		if err := f.Decode(&caps); err == nil {
			s.mu.Lock()
			s.Capabilities = caps
			s.mu.Unlock()
		}
	case wire.EventLog, wire.EventLogBatch, wire.EventStats, wire.EventClosed:
		h.broadcastRoom(f.ServerID, f)
	case wire.EventStatus:
		// Server-scoped for console views, unscoped for overview displays.
		h.broadcastRoom(f.ServerID, f)
		h.broadcastGlobal(f)
	}
	if h.OnAgentEvent != nil {
		h.OnAgentEvent(s.NodeID, f)
	}
}

// Call sends an acknowledged command to an agent and waits for its reply.
// The frame must carry a correlation ID (wire.NewCall).
func (h *Hub) Call(ctx context.Context, nodeID string, f wire.Frame) (wire.Ack, error) {
	if f.ID == "" {
		return wire.Ack{}, fmt.Errorf("frame %s has no correlation id", f.Event)
	}
	h.mu.RLock()
	s := h.agents[nodeID]
	h.mu.RUnlock()
	if s == nil {
		return wire.Ack{}, fmt.Errorf("agent %s not connected", nodeID)
	}

	ch := make(chan wire.Ack, 1)
	h.mu.Lock()
	h.pending[f.ID] = ch
	h.mu.Unlock()
	cleanup := func() {
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
	}

	if !s.enqueue(f) {
		cleanup()
		return wire.Ack{}, fmt.Errorf("agent %s send buffer full", nodeID)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallWait)
		defer cancel()
	}
	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		cleanup()
		return wire.Ack{}, fmt.Errorf("call %s to %s: %w", f.Event, nodeID, ctx.Err())
	}
}

// ServeUI upgrades a browser connection on the UI sub-channel.
func (h *Hub) ServeUI(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &uiClient{conn: conn, send: make(chan wire.Frame, sendBufferSize), subs: make(map[string]bool)}
	h.mu.Lock()
	h.uis[c] = true
	h.mu.Unlock()
	go c.writePump()

	defer func() {
		h.mu.Lock()
		delete(h.uis, c)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		var sub wire.Subscription
		switch f.Event {
		case wire.EventSubscribe:
			if err := f.Decode(&sub); err == nil && sub.ServerID != "" {
				c.setSub(sub.ServerID, true)
			}
		case wire.EventUnsubscribe:
			if err := f.Decode(&sub); err == nil {
				c.setSub(sub.ServerID, false)
			}
		}
	}
}

func (h *Hub) broadcastRoom(serverID string, f wire.Frame) {
	if serverID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.uis {
		if c.subscribed(serverID) {
			select {
			case c.send <- f:
			default:
			}
		}
	}
}

func (h *Hub) broadcastGlobal(f wire.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.uis {
		select {
		case c.send <- f:
		default:
		}
	}
}

// Sessions returns a snapshot of all admitted agent sessions.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.agents))
	for _, s := range h.agents {
		out = append(out, s.snapshot())
	}
	return out
}

// Agent returns the session snapshot for one node.
func (h *Hub) Agent(nodeID string) (SessionInfo, bool) {
	h.mu.RLock()
	s := h.agents[nodeID]
	h.mu.RUnlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// StartSweeper marks sessions stale once their last heartbeat is older than
// the configured timeout. Stale sessions stay admitted; the websocket layer
// drops them when the connection actually dies.
func (h *Hub) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				h.sweep()
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *Hub) sweep() {
	h.mu.RLock()
	sessions := make([]*AgentSession, 0, len(h.agents))
	for _, s := range h.agents {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.mu.Lock()
		if !s.Stale && time.Since(s.LastHeartbeat) > h.opt.HeartbeatTimeout {
			s.Stale = true
			h.log.Warn("agent heartbeat missed", "node", s.NodeID,
				"last", s.LastHeartbeat.Format(time.RFC3339))
		}
		s.mu.Unlock()
	}
}

// Shutdown closes every connection and stops the sweeper.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.agents {
		s.close()
	}
	for c := range h.uis {
		close(c.send)
	}
	h.agents = make(map[string]*AgentSession)
	h.uis = make(map[*uiClient]bool)
}

// EmitStatus implements orchestrator.Emitter for locally managed servers:
// scoped to the server's room plus an unscoped broadcast for overviews.
func (h *Hub) EmitStatus(id string, st orchestrator.State) {
	f, err := wire.NewFrame(wire.ChannelUI, wire.EventStatus, id, wire.StatusEvent{
		ServerID:    id,
		Status:      string(st.Status),
		Online:      st.Online,
		Players:     st.PlayerNum,
		PlayerNames: st.Players,
		TPS:         st.TPS,
		UptimeSec:   st.Uptime,
		CPUPercent:  st.CPUPercent,
		MemoryMB:    st.MemoryMB,
	})
	if err != nil {
		return
	}
	h.broadcastRoom(id, f)
	h.broadcastGlobal(f)
}

// EmitLog implements orchestrator.Emitter; log lines stay room-scoped.
func (h *Hub) EmitLog(id, line, stream string) {
	f, err := wire.NewFrame(wire.ChannelUI, wire.EventLog, id, wire.LogLine{
		ServerID: id, Line: line, Stream: stream,
	})
	if err != nil {
		return
	}
	h.broadcastRoom(id, f)
}
