// Package orchestrator owns the map of active server instances on one
// machine: it drives execution backends, derives status from their events,
// and reconciles against processes it did not start.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/minefleet/minefleet/internal/backend"
	"github.com/minefleet/minefleet/internal/logger"
	"github.com/minefleet/minefleet/internal/metrics"
)

var (
	ErrAlreadyTracked = errors.New("server already tracked")
	ErrNotTracked     = errors.New("server not tracked")
	ErrStarting       = errors.New("server still starting; use force")
)

const (
	// DefaultWatchdogTimeout bounds how long a server may sit in STARTING
	// before the startup lock is cleared and status forced to OFFLINE.
	DefaultWatchdogTimeout = 180 * time.Second
	// DefaultPortKillGrace is the wait after killing a ghost port owner.
	DefaultPortKillGrace = 2 * time.Second

	DefaultReconcileInterval = 15 * time.Second
	DefaultStatsInterval     = 3 * time.Second

	logRingCapacity = 1000
	tpsScanWindow   = 50
)

// managed is the live run-state of one server instance. It is owned
// exclusively by the orchestrator that started it and destroyed on process
// exit or explicit removal.
type managed struct {
	cfg         ServerConfig
	be          backend.Backend
	startedAt   time.Time
	ring        *logRing
	players     map[string]bool
	startupLock bool
	stopping    bool
	watchdog    *time.Timer
}

// Orchestrator supervises the local servers of one machine.
type Orchestrator struct {
	mu    sync.RWMutex
	procs map[string]*managed
	cache map[string]*State

	cfgs      ConfigProvider
	store     StatusStore
	preflight PreflightChecker
	emitter   Emitter
	log       *slog.Logger

	native *backend.Native
	docker *backend.Docker
	events chan backend.Event

	// Query is an optional stats-side player source (e.g. a server list
	// ping); its list is merged with the log-derived one.
	Query func(id string) (players []string, count int, ok bool)

	WatchdogTimeout time.Duration
	PortKillGrace   time.Duration

	// injected for tests
	now           func() time.Time
	probePort     func(port int) bool
	killPortOwner func(port int) error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfgs ConfigProvider, store StatusStore, preflight PreflightChecker, emitter Emitter, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		procs:           make(map[string]*managed),
		cache:           make(map[string]*State),
		cfgs:            cfgs,
		store:           store,
		preflight:       preflight,
		emitter:         emitter,
		log:             log,
		events:          make(chan backend.Event, 256),
		WatchdogTimeout: DefaultWatchdogTimeout,
		PortKillGrace:   DefaultPortKillGrace,
		now:             time.Now,
		probePort:       probeTCPPort,
		killPortOwner:   killTCPPortOwner,
		stopCh:          make(chan struct{}),
	}
	o.native = backend.NewNative(o.events, log.With("backend", "native"))
	o.docker = backend.NewDocker(o.events, log.With("backend", "docker"))
	o.wg.Add(1)
	go o.pump()
	return o
}

// SetConsoleLog configures rotating console-output archives for native
// servers. Must be called before the first StartServer.
func (o *Orchestrator) SetConsoleLog(cfg logger.Config) {
	o.native.LogConfig = cfg
}

func (o *Orchestrator) backendFor(cfg ServerConfig) backend.Backend {
	if cfg.Backend == "docker" {
		return o.docker
	}
	return o.native
}

// pump consumes backend events and derives status; it is the only goroutine
// that mutates run-state in response to process output.
func (o *Orchestrator) pump() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case ev := <-o.events:
			switch ev.Kind {
			case backend.EventLine:
				o.handleLine(ev.ID, ev.Line, ev.Stream)
			case backend.EventClosed:
				o.handleClose(ev.ID, ev.ExitCode)
			}
		}
	}
}

// StartServer spawns the configured server. A tracked id is rejected
// outright; callers must treat the rejection as the correct outcome of a
// conflicting concurrent call.
func (o *Orchestrator) StartServer(ctx context.Context, id string) error {
	cfg, err := o.cfgs.GetServerConfig(id)
	if err != nil {
		return fmt.Errorf("config for %s: %w", id, err)
	}
	if o.preflight != nil {
		if err := o.preflight.Check(cfg); err != nil {
			return fmt.Errorf("preflight for %s: %w", id, err)
		}
	}

	o.mu.Lock()
	if _, ok := o.procs[id]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrAlreadyTracked)
	}
	m := &managed{
		cfg:         cfg,
		be:          o.backendFor(cfg),
		ring:        newLogRing(logRingCapacity),
		players:     make(map[string]bool),
		startupLock: true,
	}
	o.procs[id] = m
	running := len(o.procs)
	o.mu.Unlock()
	metrics.SetRunningServers(running)

	// Port protection: a ghost process from a previous crash may still hold
	// the port. Kill it and give the kernel a moment to release the socket.
	if cfg.Port > 0 && o.probePort(cfg.Port) {
		o.log.Warn("port already bound, killing owner", "server", id, "port", cfg.Port)
		if err := o.killPortOwner(cfg.Port); err != nil {
			o.log.Warn("port owner kill failed", "server", id, "error", err)
		}
		time.Sleep(o.PortKillGrace)
	}

	o.setStatus(id, StatusStarting)
	if err := m.be.Start(ctx, backend.StartSpec{
		ID:      id,
		Command: cfg.Command,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
		Image:   cfg.Image,
	}); err != nil {
		o.mu.Lock()
		delete(o.procs, id)
		running = len(o.procs)
		o.mu.Unlock()
		metrics.SetRunningServers(running)
		o.setStatus(id, StatusOffline)
		return err
	}

	o.mu.Lock()
	m.startedAt = o.now()
	m.watchdog = time.AfterFunc(o.WatchdogTimeout, func() { o.watchdogExpired(id) })
	o.mu.Unlock()
	return nil
}

// watchdogExpired fires when no ready marker arrived in time.
func (o *Orchestrator) watchdogExpired(id string) {
	o.mu.Lock()
	m := o.procs[id]
	if m == nil || !m.startupLock {
		o.mu.Unlock()
		return
	}
	m.startupLock = false
	o.mu.Unlock()
	o.log.Warn("startup watchdog expired", "server", id)
	o.setStatus(id, StatusOffline)
}

// StopServer stops a tracked server. A non-forced stop is rejected while the
// startup lock is held.
func (o *Orchestrator) StopServer(id string, force bool) error {
	o.mu.Lock()
	m := o.procs[id]
	if m == nil {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotTracked)
	}
	if m.startupLock && !force {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrStarting)
	}
	// Deliberate stop: the close handler must not classify this as a crash.
	m.stopping = true
	be := m.be
	o.mu.Unlock()

	o.setStatus(id, StatusStopping)
	return be.Stop(id, force)
}

// SendCommand writes one console line to a tracked server.
func (o *Orchestrator) SendCommand(id, text string) error {
	o.mu.RLock()
	m := o.procs[id]
	o.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%s: %w", id, ErrNotTracked)
	}
	return m.be.SendCommand(id, text)
}

func (o *Orchestrator) handleLine(id, line, stream string) {
	o.mu.Lock()
	m := o.procs[id]
	if m == nil {
		o.mu.Unlock()
		return
	}
	m.ring.Append(line)
	if name := parseJoin(line); name != "" {
		m.players[name] = true
	}
	if name := parseLeave(line); name != "" {
		delete(m.players, name)
	}
	ready := m.startupLock && isReadyLine(line)
	if ready {
		m.startupLock = false
		if m.watchdog != nil {
			m.watchdog.Stop()
		}
	}
	if st := o.cache[id]; st != nil {
		st.Players = playerList(m.players)
		st.PlayerNum = len(st.Players)
	}
	o.mu.Unlock()

	metrics.IncLogLines(id)
	if o.emitter != nil {
		o.emitter.EmitLog(id, line, stream)
	}
	if ready {
		o.setStatus(id, StatusOnline)
	}
}

func (o *Orchestrator) handleClose(id string, exitCode int) {
	o.mu.Lock()
	m := o.procs[id]
	if m == nil {
		o.mu.Unlock()
		return
	}
	delete(o.procs, id)
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	stopping := m.stopping
	running := len(o.procs)
	o.mu.Unlock()
	metrics.SetRunningServers(running)

	st := StatusOffline
	if !stopping && exitCode != 0 {
		st = StatusCrashed
	}
	o.log.Info("server closed", "server", id, "code", exitCode, "status", st)
	o.setStatus(id, st)
}

// setStatus mutates the cache and emits only on an actual transition.
func (o *Orchestrator) setStatus(id string, status Status) {
	o.mu.Lock()
	st := o.cache[id]
	if st == nil {
		st = &State{ID: id}
		o.cache[id] = st
	}
	if st.Status == status {
		o.mu.Unlock()
		return
	}
	from := st.Status
	st.Status = status
	st.Online = status == StatusOnline
	switch status {
	case StatusOffline, StatusCrashed:
		st.Players, st.PlayerNum = nil, 0
		st.TPS, st.CPUPercent, st.MemoryMB = 0, 0, 0
		st.PID, st.Uptime = 0, 0
		st.StartedAt = time.Time{}
	case StatusStarting:
		st.StartedAt = o.now()
	}
	snap := *st
	o.mu.Unlock()

	metrics.IncTransition(id, string(from), string(status))
	if o.store != nil {
		if err := o.store.PersistServerStatus(id, snap); err != nil {
			o.log.Warn("status persist failed", "server", id, "error", err)
		}
	}
	if o.emitter != nil {
		o.emitter.EmitStatus(id, snap)
	}
}

// TPS derives ticks-per-second from the recent log window: the last tick
// report wins, a nominal value stands in while online, zero otherwise.
func (o *Orchestrator) TPS(id string) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m := o.procs[id]
	st := o.cache[id]
	if m == nil || st == nil || st.Status != StatusOnline {
		return 0
	}
	if v, ok := parseTPS(m.ring.Last(tpsScanWindow)); ok {
		return v
	}
	return nominalTPS
}

// Uptime is wall clock since start, zero when not running.
func (o *Orchestrator) Uptime(id string) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m := o.procs[id]
	if m == nil || m.startedAt.IsZero() {
		return 0
	}
	return o.now().Sub(m.startedAt)
}

// Status returns the cached derived view for one server.
func (o *Orchestrator) Status(id string) (State, error) {
	tps := o.TPS(id)
	up := o.Uptime(id)
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.cache[id]
	if st == nil {
		if _, err := o.cfgs.GetServerConfig(id); err != nil {
			return State{}, fmt.Errorf("unknown server: %s", id)
		}
		return State{ID: id, Status: StatusOffline}, nil
	}
	snap := *st
	snap.TPS = tps
	snap.Uptime = int64(up.Seconds())
	return snap, nil
}

// Statuses returns the derived view for every configured server.
func (o *Orchestrator) Statuses() []State {
	cfgs, err := o.cfgs.GetAllServerConfigs()
	if err != nil {
		o.log.Warn("config listing failed", "error", err)
		return nil
	}
	out := make([]State, 0, len(cfgs))
	for _, cfg := range cfgs {
		if st, err := o.Status(cfg.ID); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Logs returns up to n recent console lines for a tracked server.
func (o *Orchestrator) Logs(id string, n int) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if m := o.procs[id]; m != nil {
		return m.ring.Last(n)
	}
	return nil
}

// IsTracked reports whether this orchestrator owns a live instance for id.
func (o *Orchestrator) IsTracked(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.procs[id] != nil
}

// Reconcile probes every configured server this orchestrator does not track.
// A bound port means an external process took over (UNMANAGED, exactly once);
// a port that was bound and is now free means the external process died and
// is driven through the same close-handling path as a managed exit.
func (o *Orchestrator) Reconcile() {
	cfgs, err := o.cfgs.GetAllServerConfigs()
	if err != nil {
		o.log.Warn("reconcile: config listing failed", "error", err)
		return
	}
	for _, cfg := range cfgs {
		if cfg.NodeID != "" && cfg.NodeID != "local" {
			continue // remote servers belong to their agent
		}
		if cfg.Port <= 0 || o.IsTracked(cfg.ID) {
			continue
		}
		o.mu.RLock()
		cur := StatusOffline
		if st := o.cache[cfg.ID]; st != nil && st.Status != "" {
			cur = st.Status
		}
		o.mu.RUnlock()

		bound := o.probePort(cfg.Port)
		switch {
		case bound && cur != StatusUnmanaged:
			o.log.Warn("port bound by unmanaged process", "server", cfg.ID, "port", cfg.Port)
			o.setStatus(cfg.ID, StatusUnmanaged)
		case !bound && (cur == StatusUnmanaged || cur == StatusOnline):
			o.setStatus(cfg.ID, StatusOffline)
		}
	}
}

// CollectStats refreshes the resource view of every tracked server. A single
// failed probe is swallowed and reported as a zero reading.
func (o *Orchestrator) CollectStats(ctx context.Context) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.procs))
	for id := range o.procs {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		o.mu.RLock()
		m := o.procs[id]
		o.mu.RUnlock()
		if m == nil {
			continue
		}
		stats, err := m.be.Stats(ctx, id)
		if err != nil {
			metrics.IncStatsFailure(id)
			stats = backend.Stats{}
		}

		var statsPlayers []string
		statsCount := -1
		if o.Query != nil {
			if names, count, ok := o.Query(id); ok {
				statsPlayers, statsCount = names, count
			}
		}

		o.mu.Lock()
		st := o.cache[id]
		if st == nil {
			st = &State{ID: id}
			o.cache[id] = st
		}
		st.CPUPercent = stats.CPUPercent
		st.MemoryMB = stats.MemoryMB
		st.PID = stats.PID
		if statsCount >= 0 {
			st.Players = mergePlayers(playerList(m.players), statsPlayers, statsCount)
			st.PlayerNum = len(st.Players)
		}
		o.mu.Unlock()
	}
}

// StartLoops runs the periodic reconcile and stats loops until Shutdown.
func (o *Orchestrator) StartLoops(reconcileEvery, statsEvery time.Duration) {
	if reconcileEvery <= 0 {
		reconcileEvery = DefaultReconcileInterval
	}
	if statsEvery <= 0 {
		statsEvery = DefaultStatsInterval
	}
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(reconcileEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				o.Reconcile()
			case <-o.stopCh:
				return
			}
		}
	}()
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				o.CollectStats(context.Background())
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the loops and drains every tracked server: graceful stop
// first, force-kill anything still alive after the grace window.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.procs))
	for id := range o.procs {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		// Drain overrides the startup lock: there is no later chance to ask
		// a still-starting server to exit cleanly.
		o.mu.Lock()
		if m := o.procs[id]; m != nil {
			m.startupLock = false
			if m.watchdog != nil {
				m.watchdog.Stop()
			}
		}
		o.mu.Unlock()
		if err := o.StopServer(id, false); err != nil {
			o.log.Warn("graceful stop failed", "server", id, "error", err)
		}
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		o.mu.RLock()
		left := len(o.procs)
		o.mu.RUnlock()
		if left == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	o.mu.RLock()
	ids = ids[:0]
	for id := range o.procs {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		o.log.Warn("force killing straggler", "server", id)
		_ = o.StopServer(id, true)
	}

	o.stopOnce.Do(func() { close(o.stopCh) })
}

func playerList(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}
