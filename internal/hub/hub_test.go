package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minefleet/minefleet/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, opt Options) (*Hub, string) {
	t.Helper()
	h := New(opt, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", h.ServeAgent)
	mux.HandleFunc("/ws/ui", h.ServeUI)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAgent(t *testing.T, wsURL string, hs wire.Handshake) (*websocket.Conn, wire.Ack) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/agent", nil)
	require.NoError(t, err)

	f, err := wire.NewCall(wire.ChannelAgent, wire.EventHandshake, "", hs)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply wire.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	var ack wire.Ack
	require.NoError(t, reply.Decode(&ack))
	return conn, ack
}

func validHandshake(node string) wire.Handshake {
	return wire.Handshake{NodeID: node, Secret: "hunter2", Protocol: wire.ProtocolVersion, Version: "test"}
}

func TestHandshakeAdmitsValidAgent(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, validHandshake("node-1"))
	defer conn.Close()
	require.True(t, ack.OK)

	assert.Eventually(t, func() bool {
		info, ok := h.Agent("node-1")
		return ok && info.Version == "test"
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, wire.Handshake{
		NodeID: "node-1", Secret: "wrong", Protocol: wire.ProtocolVersion,
	})
	defer conn.Close()
	require.False(t, ack.OK)
	assert.Equal(t, wire.CodeDenied, ack.Error.Code)
	_, ok := h.Agent("node-1")
	assert.False(t, ok)
}

func TestHandshakeRejectsProtocolMismatch(t *testing.T) {
	_, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, wire.Handshake{
		NodeID: "node-1", Secret: "hunter2", Protocol: wire.ProtocolVersion + 1,
	})
	defer conn.Close()
	require.False(t, ack.OK)
	assert.Equal(t, wire.CodeValidation, ack.Error.Code)
}

func TestHeartbeatUpdatesSession(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, validHandshake("node-hb"))
	defer conn.Close()
	require.True(t, ack.OK)

	hb, err := wire.NewFrame(wire.ChannelAgent, wire.EventHeartbeat, "", wire.Heartbeat{
		CPULoad: 1.5, Servers: 3,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(hb))

	assert.Eventually(t, func() bool {
		info, ok := h.Agent("node-hb")
		return ok && info.Health.Servers == 3
	}, time.Second, 10*time.Millisecond)
}

func TestSyncUpdatesTracked(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, validHandshake("node-sync"))
	defer conn.Close()
	require.True(t, ack.OK)

	f, err := wire.NewFrame(wire.ChannelAgent, wire.EventSync, "", wire.SyncState{
		Tracked: []string{"lobby", "survival"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))

	assert.Eventually(t, func() bool {
		info, ok := h.Agent("node-sync")
		return ok && len(info.Tracked) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCallRoundTrip(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	conn, ack := dialAgent(t, wsURL, validHandshake("node-call"))
	defer conn.Close()
	require.True(t, ack.OK)

	// agent side: answer the first command with an OK ack
	go func() {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		reply, err := wire.AckOK(f, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(reply)
	}()

	call, err := wire.NewCall(wire.ChannelAgent, wire.EventStop, "lobby", wire.StopRequest{ServerID: "lobby"})
	require.NoError(t, err)
	got, err := h.Call(context.Background(), "node-call", call)
	require.NoError(t, err)
	assert.True(t, got.OK)
}

func TestCallUnknownAgent(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	call, err := wire.NewCall(wire.ChannelAgent, wire.EventStop, "x", wire.StopRequest{ServerID: "x"})
	require.NoError(t, err)
	_, err = h.Call(context.Background(), "nowhere", call)
	assert.Error(t, err)
}

func TestCallRequiresCorrelationID(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	f, err := wire.NewFrame(wire.ChannelAgent, wire.EventStop, "x", wire.StopRequest{ServerID: "x"})
	require.NoError(t, err)
	_, err = h.Call(context.Background(), "anywhere", f)
	assert.Error(t, err)
}

func TestSweepMarksStale(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2", HeartbeatTimeout: time.Millisecond})
	conn, ack := dialAgent(t, wsURL, validHandshake("node-stale"))
	defer conn.Close()
	require.True(t, ack.OK)

	require.Eventually(t, func() bool {
		_, ok := h.Agent("node-stale")
		return ok
	}, time.Second, 10*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	h.sweep()
	info, ok := h.Agent("node-stale")
	require.True(t, ok)
	assert.True(t, info.Stale)
}

func TestEnqueueAfterCloseDropsFrame(t *testing.T) {
	s := &AgentSession{NodeID: "node-x", send: make(chan wire.Frame, 1)}
	require.True(t, s.enqueue(wire.Frame{Event: wire.EventStop}))

	s.close()
	s.close() // idempotent

	// a command racing the disconnect is dropped, not a send on a closed channel
	assert.False(t, s.enqueue(wire.Frame{Event: wire.EventStop}))
}

func TestReplacedSessionClosesOld(t *testing.T) {
	h, wsURL := newTestHub(t, Options{Secret: "hunter2"})
	oldConn, ack := dialAgent(t, wsURL, validHandshake("node-re"))
	require.True(t, ack.OK)
	defer oldConn.Close()

	newConn, ack := dialAgent(t, wsURL, validHandshake("node-re"))
	require.True(t, ack.OK)
	defer newConn.Close()

	assert.Eventually(t, func() bool {
		return len(h.Sessions()) == 1
	}, time.Second, 10*time.Millisecond)
}
