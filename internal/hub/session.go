package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minefleet/minefleet/internal/wire"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a frame to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	sendBufferSize = 256
)

// AgentSession is one remote agent's identity as seen by the control plane.
// Created on successful handshake, updated each heartbeat, marked stale
// after a missed-heartbeat timeout.
type AgentSession struct {
	NodeID        string
	Protocol      int
	Version       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Capabilities  wire.Capabilities
	Health        wire.Heartbeat
	Tracked       []string
	Stale         bool

	conn   *websocket.Conn
	send   chan wire.Frame
	closed bool
	mu     sync.Mutex
}

// SessionInfo is the externally visible snapshot of an AgentSession.
type SessionInfo struct {
	NodeID        string            `json:"node_id"`
	Protocol      int               `json:"protocol"`
	Version       string            `json:"version"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Capabilities  wire.Capabilities `json:"capabilities"`
	Health        wire.Heartbeat    `json:"health"`
	Tracked       []string          `json:"tracked"`
	Stale         bool              `json:"stale"`
}

func (s *AgentSession) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		NodeID:        s.NodeID,
		Protocol:      s.Protocol,
		Version:       s.Version,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
		Capabilities:  s.Capabilities,
		Health:        s.Health,
		Tracked:       append([]string(nil), s.Tracked...),
		Stale:         s.Stale,
	}
}

// enqueue hands a frame to the session's writer; a full buffer drops the
// frame rather than blocking the hub. The closed flag keeps a frame from
// racing onto a channel the read side has already closed.
func (s *AgentSession) enqueue(f wire.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *AgentSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.send)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// writePump owns all writes on the connection: queued frames plus pings.
func (s *AgentSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// uiClient is one browser connection. Subscriptions scope which server
// rooms it receives events for; global status frames reach everyone.
type uiClient struct {
	conn *websocket.Conn
	send chan wire.Frame
	mu   sync.Mutex
	subs map[string]bool
}

func (c *uiClient) subscribed(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[serverID]
}

func (c *uiClient) setSub(serverID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[serverID] = true
	} else {
		delete(c.subs, serverID)
	}
}

func (c *uiClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
