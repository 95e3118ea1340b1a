// Package agent is the worker-side daemon. It dials the panel's control
// channel, executes lifecycle commands against local backends, streams
// console output in batches, and reports health on a heartbeat.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/minefleet/minefleet/internal/backend"
	"github.com/minefleet/minefleet/internal/logger"
	"github.com/minefleet/minefleet/internal/wire"
)

const (
	handshakeAckWait = 10 * time.Second
	shutdownGrace    = 8 * time.Second
	reconnectMax     = 30 * time.Second
	statsInterval    = 3 * time.Second
)

// Config carries the agent's identity and limits.
type Config struct {
	NodeID            string
	PanelURL          string
	Secret            string
	HeartbeatInterval time.Duration
	WorkDirRoot       string
	MaxServers        int
	Version           string
	ConsoleLog        logger.Config
}

type trackedServer struct {
	backendName string
	workDir     string
}

// Agent is a single worker daemon instance. One Agent runs per host; servers
// it spawned survive its own restarts and are re-adopted from pid markers.
type Agent struct {
	cfg Config
	log *slog.Logger

	events chan backend.Event
	native *backend.Native
	docker *backend.Docker

	mu        sync.Mutex
	tracked   map[string]*trackedServer
	adopted   map[string]int
	transfers map[string]*transfer

	connMu sync.Mutex
	conn   *websocket.Conn

	batch     *batcher
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, log *slog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	a := &Agent{
		cfg:       cfg,
		log:       log,
		events:    make(chan backend.Event, 256),
		tracked:   make(map[string]*trackedServer),
		adopted:   make(map[string]int),
		transfers: make(map[string]*transfer),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	a.native = backend.NewNative(a.events, log)
	a.native.LogConfig = cfg.ConsoleLog
	a.docker = backend.NewDocker(a.events, log)
	a.batch = newBatcher(a.flushBatch)
	go a.pump()
	return a
}

func (a *Agent) serverDir(id string) string {
	return filepath.Join(a.cfg.WorkDirRoot, id)
}

// Run connects to the panel and keeps reconnecting with capped exponential
// backoff until the context ends or Shutdown is called. A panic anywhere in
// the session triggers the full shutdown routine so no server is orphaned
// silently.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("agent panicked, shutting down", "panic", r)
			a.Shutdown()
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		default:
		}
		err := a.session(ctx, bo)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		a.log.Warn("control channel lost, reconnecting", "error", err, "in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		}
	}
}

// session runs one full connection: dial, handshake, state sync, then the
// read loop until the connection dies.
func (a *Agent) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	u, err := wsEndpoint(a.cfg.PanelURL)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	if err := a.handshake(conn); err != nil {
		return err
	}
	// Only now may concurrent senders (pump, batcher) see the connection;
	// the handshake exchange above owns it exclusively.
	a.setConn(conn)
	defer a.setConn(nil)
	bo.Reset()
	a.log.Info("connected to panel", "url", u, "node", a.cfg.NodeID)

	a.adoptZombies()
	a.sendSync()
	a.sendCapabilities()
	a.sendHeartbeat()

	done := make(chan struct{})
	defer close(done)
	go a.heartbeatLoop(done)
	go a.statsLoop(done)

	conn.SetPingHandler(func(data string) error {
		a.connMu.Lock()
		defer a.connMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.PongMessage, []byte(data))
	})

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatch(f)
	}
}

func wsEndpoint(panelURL string) (string, error) {
	u, err := url.Parse(panelURL)
	if err != nil {
		return "", fmt.Errorf("panel url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("panel url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}

func (a *Agent) handshake(conn *websocket.Conn) error {
	hs := wire.Handshake{
		NodeID:   a.cfg.NodeID,
		Secret:   a.cfg.Secret,
		Protocol: wire.ProtocolVersion,
		Version:  a.cfg.Version,
	}
	f, err := wire.NewCall(wire.ChannelAgent, wire.EventHandshake, "", hs)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeAckWait))
	var reply wire.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	var ack wire.Ack
	if err := reply.Decode(&ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("handshake rejected: %v", ack.Error)
	}
	return nil
}

func (a *Agent) setConn(c *websocket.Conn) {
	a.connMu.Lock()
	a.conn = c
	a.connMu.Unlock()
}

// send writes a frame on the current connection. Disconnected sends are
// dropped; the post-reconnect sync makes up for lost state frames.
func (a *Agent) send(f wire.Frame) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteJSON(f); err != nil {
		a.log.Debug("send failed", "event", f.Event, "error", err)
	}
}

func (a *Agent) sendEvent(event, serverID string, v any) {
	f, err := wire.NewFrame(wire.ChannelAgent, event, serverID, v)
	if err != nil {
		a.log.Error("encode event", "event", event, "error", err)
		return
	}
	a.send(f)
}

func (a *Agent) sendSync() {
	a.mu.Lock()
	tracked := make([]string, 0, len(a.tracked))
	for id := range a.tracked {
		tracked = append(tracked, id)
	}
	adopted := make([]string, 0, len(a.adopted))
	for id := range a.adopted {
		adopted = append(adopted, id)
	}
	a.mu.Unlock()
	a.sendEvent(wire.EventSync, "", wire.SyncState{Tracked: tracked, Adopted: adopted})
}

func (a *Agent) sendCapabilities() {
	a.sendEvent(wire.EventCapabilities, "", probeCapabilities())
}

func (a *Agent) heartbeatLoop(done <-chan struct{}) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.sendHeartbeat()
		case <-done:
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() {
	hb := wire.Heartbeat{
		Servers:   a.serverCount(),
		UptimeSec: int64(time.Since(a.startedAt).Seconds()),
	}
	if avg, err := load.Avg(); err == nil {
		hb.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemUsed = vm.Used
		hb.MemTotal = vm.Total
	}
	if du, err := disk.Usage(a.cfg.WorkDirRoot); err == nil {
		hb.DiskUsed = du.Used
		hb.DiskTotal = du.Total
	}
	a.sendEvent(wire.EventHeartbeat, "", hb)
}

func (a *Agent) statsLoop(done <-chan struct{}) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.sendStats()
		case <-done:
			return
		case <-a.stopCh:
			return
		}
	}
}

// collectStats probes the backend of every tracked server. A failed probe is
// skipped; the next tick retries it.
func (a *Agent) collectStats(ctx context.Context) []wire.ServerStats {
	a.mu.Lock()
	backends := make(map[string]string, len(a.tracked))
	for id, ts := range a.tracked {
		backends[id] = imageFor(ts)
	}
	a.mu.Unlock()

	out := make([]wire.ServerStats, 0, len(backends))
	for id, image := range backends {
		be, _ := a.backendFor(image)
		st, err := be.Stats(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, wire.ServerStats{
			ServerID:   id,
			CPUPercent: st.CPUPercent,
			MemoryMB:   st.MemoryMB,
			PID:        st.PID,
		})
	}
	return out
}

func (a *Agent) sendStats() {
	ctx, cancel := context.WithTimeout(context.Background(), statsInterval)
	defer cancel()
	for _, st := range a.collectStats(ctx) {
		a.sendEvent(wire.EventStats, st.ServerID, st)
	}
}

func (a *Agent) serverCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tracked) + len(a.adopted)
}

// pump consumes backend events for the lifetime of the agent, across
// reconnects. Lines go through the batcher; a close removes the tracked
// entry and reports the exit.
func (a *Agent) pump() {
	for ev := range a.events {
		switch ev.Kind {
		case backend.EventLine:
			a.batch.Add(ev.ID, ev.Line, ev.Stream)
		case backend.EventClosed:
			a.batch.flushServer(ev.ID)
			a.mu.Lock()
			delete(a.tracked, ev.ID)
			a.mu.Unlock()
			a.sendEvent(wire.EventClosed, ev.ID, wire.Closed{ServerID: ev.ID, ExitCode: ev.ExitCode})
			a.log.Info("server closed", "server", ev.ID, "exit_code", ev.ExitCode)
		}
	}
}

func (a *Agent) flushBatch(serverID string, lines []wire.BatchLine) {
	a.sendEvent(wire.EventLogBatch, serverID, wire.LogBatch{ServerID: serverID, Lines: lines})
}

// dispatch handles one inbound frame. Commands carry a call ID and are
// always acknowledged, success or failure.
func (a *Agent) dispatch(f wire.Frame) {
	var reply wire.Frame
	switch f.Event {
	case wire.EventStart:
		reply = a.handleStart(f)
	case wire.EventStop:
		reply = a.handleStop(f)
	case wire.EventKill:
		reply = a.handleKill(f)
	case wire.EventCommand:
		reply = a.handleCommand(f)
	case wire.EventFixCapability:
		reply = a.handleFix(f)
	case wire.EventFileManifest:
		reply = a.handleManifest(f)
	case wire.EventFileChunk:
		reply = a.handleChunk(f)
	case wire.EventFileEnd:
		reply = a.handleFileEnd(f)
	case wire.EventAck:
		return
	default:
		a.log.Warn("unknown event", "event", f.Event)
		if f.ID != "" {
			a.send(wire.AckErr(f, wire.CodeValidation, "unknown event "+f.Event))
		}
		return
	}
	if f.ID != "" {
		a.send(reply)
	}
}

func (a *Agent) handleStart(call wire.Frame) wire.Frame {
	var req wire.StartRequest
	if err := call.Decode(&req); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	if req.ServerID == "" {
		return wire.AckErr(call, wire.CodeValidation, "server_id required")
	}
	if strings.TrimSpace(req.Command) == "" && req.Image == "" {
		return wire.AckErr(call, wire.CodeValidation, "command or image required")
	}
	if dangerousCommand(req.Command) {
		a.log.Warn("refused dangerous command", "server", req.ServerID)
		return wire.AckErr(call, wire.CodeDenied, "command matches a destructive pattern")
	}

	a.mu.Lock()
	if _, ok := a.tracked[req.ServerID]; ok {
		a.mu.Unlock()
		return wire.AckErr(call, wire.CodeAlreadyRunning, "already tracked")
	}
	if _, ok := a.adopted[req.ServerID]; ok {
		a.mu.Unlock()
		return wire.AckErr(call, wire.CodeAlreadyRunning, "adopted instance still running")
	}
	if a.cfg.MaxServers > 0 && len(a.tracked)+len(a.adopted) >= a.cfg.MaxServers {
		a.mu.Unlock()
		return wire.AckErr(call, wire.CodeCapacity,
			fmt.Sprintf("capacity %d reached", a.cfg.MaxServers))
	}
	a.mu.Unlock()

	workDir := a.serverDir(req.ServerID)
	if req.WorkDir != "" {
		p, err := safeJoin(a.cfg.WorkDirRoot, req.WorkDir)
		if err != nil {
			return wire.AckErr(call, wire.CodePath, err.Error())
		}
		workDir = p
	}

	spec := backend.StartSpec{
		ID:      req.ServerID,
		Command: req.Command,
		WorkDir: workDir,
		Env:     mergeEnv(req.Env),
		Image:   req.Image,
	}
	be, name := a.backendFor(req.Image)
	if err := be.Start(context.Background(), spec); err != nil {
		if errors.Is(err, backend.ErrAlreadyRunning) {
			return wire.AckErr(call, wire.CodeAlreadyRunning, err.Error())
		}
		return wire.AckErr(call, wire.CodeInternal, err.Error())
	}
	a.mu.Lock()
	a.tracked[req.ServerID] = &trackedServer{backendName: name, workDir: workDir}
	a.mu.Unlock()
	a.log.Info("server started", "server", req.ServerID, "backend", name)
	ack, _ := wire.AckOK(call, nil)
	return ack
}

func (a *Agent) backendFor(image string) (backend.Backend, string) {
	if image != "" {
		return a.docker, "docker"
	}
	return a.native, "native"
}

func (a *Agent) handleStop(call wire.Frame) wire.Frame {
	var req wire.StopRequest
	if err := call.Decode(&req); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	a.mu.Lock()
	ts := a.tracked[req.ServerID]
	pid, isAdopted := a.adopted[req.ServerID]
	a.mu.Unlock()

	switch {
	case ts != nil:
		be, _ := a.backendFor(imageFor(ts))
		if err := be.Stop(req.ServerID, req.Force); err != nil {
			if errors.Is(err, backend.ErrNotRunning) {
				return wire.AckErr(call, wire.CodeNotRunning, err.Error())
			}
			return wire.AckErr(call, wire.CodeInternal, err.Error())
		}
	case isAdopted:
		a.stopAdopted(req.ServerID, pid, req.Force)
	default:
		return wire.AckErr(call, wire.CodeNotRunning, "not tracked")
	}
	ack, _ := wire.AckOK(call, nil)
	return ack
}

// imageFor maps a tracked server back to the docker/native split used at
// start time.
func imageFor(ts *trackedServer) string {
	if ts.backendName == "docker" {
		return "docker"
	}
	return ""
}

var signalNames = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
}

func (a *Agent) handleKill(call wire.Frame) wire.Frame {
	var req wire.KillRequest
	if err := call.Decode(&req); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	sig, ok := signalNames[strings.ToUpper(req.Signal)]
	if !ok {
		return wire.AckErr(call, wire.CodeValidation, "unknown signal "+req.Signal)
	}

	a.mu.Lock()
	ts := a.tracked[req.ServerID]
	pid, isAdopted := a.adopted[req.ServerID]
	a.mu.Unlock()

	switch {
	case ts != nil && ts.backendName == "native":
		root := a.native.RootPID(req.ServerID)
		if root <= 0 {
			return wire.AckErr(call, wire.CodeNotRunning, "not running")
		}
		if err := syscall.Kill(-root, sig); err != nil {
			_ = syscall.Kill(root, sig)
		}
	case ts != nil:
		// Containers only distinguish graceful from forced.
		if err := a.docker.Stop(req.ServerID, sig == syscall.SIGKILL); err != nil {
			return wire.AckErr(call, wire.CodeInternal, err.Error())
		}
	case isAdopted:
		if err := syscall.Kill(-pid, sig); err != nil {
			_ = syscall.Kill(pid, sig)
		}
	default:
		return wire.AckErr(call, wire.CodeNotRunning, "not tracked")
	}
	ack, _ := wire.AckOK(call, nil)
	return ack
}

func (a *Agent) handleCommand(call wire.Frame) wire.Frame {
	var req wire.CommandRequest
	if err := call.Decode(&req); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	a.mu.Lock()
	ts := a.tracked[req.ServerID]
	a.mu.Unlock()
	if ts == nil {
		return wire.AckErr(call, wire.CodeNotRunning, "not tracked")
	}
	be, _ := a.backendFor(imageFor(ts))
	if err := be.SendCommand(req.ServerID, req.Text); err != nil {
		if errors.Is(err, backend.ErrNotRunning) {
			return wire.AckErr(call, wire.CodeNotRunning, err.Error())
		}
		return wire.AckErr(call, wire.CodeInternal, err.Error())
	}
	ack, _ := wire.AckOK(call, nil)
	return ack
}

func (a *Agent) handleFix(call wire.Frame) wire.Frame {
	var req wire.FixCapabilityRequest
	if err := call.Decode(&req); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	out, err := a.fixCapability(req.Name)
	if err != nil {
		return wire.AckErr(call, wire.CodeInternal, err.Error())
	}
	a.sendCapabilities()
	ack, ackErr := wire.AckOK(call, map[string]string{"output": out})
	if ackErr != nil {
		return wire.AckErr(call, wire.CodeInternal, ackErr.Error())
	}
	return ack
}

// Shutdown stops every managed server, gracefully first, then by force for
// stragglers past the grace window. Safe to call more than once.
func (a *Agent) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.log.Info("agent shutting down")

		a.mu.Lock()
		ids := make([]string, 0, len(a.tracked))
		images := make(map[string]string, len(a.tracked))
		for id, ts := range a.tracked {
			ids = append(ids, id)
			images[id] = imageFor(ts)
		}
		adopted := make(map[string]int, len(a.adopted))
		for id, pid := range a.adopted {
			adopted[id] = pid
		}
		a.mu.Unlock()

		for _, id := range ids {
			be, _ := a.backendFor(images[id])
			_ = be.Stop(id, false)
		}
		for id, pid := range adopted {
			a.stopAdopted(id, pid, false)
		}

		deadline := time.Now().Add(shutdownGrace)
		for time.Now().Before(deadline) {
			if a.runningCount(ids, images) == 0 {
				break
			}
			time.Sleep(250 * time.Millisecond)
		}
		for _, id := range ids {
			be, _ := a.backendFor(images[id])
			if be.IsRunning(id) {
				a.log.Warn("forcing server stop", "server", id)
				_ = be.Stop(id, true)
			}
		}

		a.batch.Drain()
		a.connMu.Lock()
		if a.conn != nil {
			_ = a.conn.Close()
		}
		a.connMu.Unlock()
	})
}

func (a *Agent) runningCount(ids []string, images map[string]string) int {
	n := 0
	for _, id := range ids {
		be, _ := a.backendFor(images[id])
		if be.IsRunning(id) {
			n++
		}
	}
	return n
}
