package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	servers map[string]ServerConfig
}

func (p *fakeProvider) GetServerConfig(id string) (ServerConfig, error) {
	if cfg, ok := p.servers[id]; ok {
		return cfg, nil
	}
	return ServerConfig{}, fmt.Errorf("unknown server: %s", id)
}

func (p *fakeProvider) GetAllServerConfigs() ([]ServerConfig, error) {
	out := make([]ServerConfig, 0, len(p.servers))
	for _, cfg := range p.servers {
		out = append(out, cfg)
	}
	return out, nil
}

type fakeEmitter struct {
	mu       sync.Mutex
	statuses []State
	lines    []string
}

func (e *fakeEmitter) EmitStatus(_ string, st State) {
	e.mu.Lock()
	e.statuses = append(e.statuses, st)
	e.mu.Unlock()
}

func (e *fakeEmitter) EmitLog(_, line, _ string) {
	e.mu.Lock()
	e.lines = append(e.lines, line)
	e.mu.Unlock()
}

func (e *fakeEmitter) transitions() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, len(e.statuses))
	for i, st := range e.statuses {
		out[i] = st.Status
	}
	return out
}

func (e *fakeEmitter) countOf(s Status) int {
	n := 0
	for _, st := range e.transitions() {
		if st == s {
			n++
		}
	}
	return n
}

type passPreflight struct{}

func (passPreflight) Check(ServerConfig) error { return nil }

func newTestOrch(t *testing.T, servers map[string]ServerConfig) (*Orchestrator, *fakeEmitter) {
	t.Helper()
	em := &fakeEmitter{}
	o := New(&fakeProvider{servers: servers}, nil, passPreflight{}, em, testLogger())
	o.probePort = func(int) bool { return false }
	o.killPortOwner = func(int) error { return nil }
	o.PortKillGrace = 0
	t.Cleanup(func() { o.Shutdown(2 * time.Second) })
	return o, em
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := o.Status(id); err == nil && st.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, _ := o.Status(id)
	t.Fatalf("server %s never reached %s (at %s)", id, want, st.Status)
}

func TestStartServerReachesOnlineOnReadyMarker(t *testing.T) {
	dir := t.TempDir()
	o, em := newTestOrch(t, map[string]ServerConfig{
		"s1": {ID: "s1", Command: `/bin/sh -c 'echo "Done (1.0s)!"; sleep 30'`, WorkDir: dir, NodeID: "local"},
	})

	require.NoError(t, o.StartServer(context.Background(), "s1"))
	waitStatus(t, o, "s1", StatusOnline)
	assert.True(t, o.IsTracked("s1"))

	require.NoError(t, o.StopServer("s1", true))
	waitStatus(t, o, "s1", StatusOffline)

	seq := em.transitions()
	assert.Contains(t, seq, StatusStarting)
	assert.Contains(t, seq, StatusOnline)
	// a deliberate stop is never a crash, whatever the exit code
	assert.NotContains(t, seq, StatusCrashed)
}

func TestStartServerDuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"dup": {ID: "dup", Command: "sleep 30", WorkDir: dir, NodeID: "local"},
	})

	require.NoError(t, o.StartServer(context.Background(), "dup"))
	err := o.StartServer(context.Background(), "dup")
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	// graceful stop is refused while the startup lock is held
	err = o.StopServer("dup", false)
	assert.ErrorIs(t, err, ErrStarting)

	require.NoError(t, o.StopServer("dup", true))
	waitStatus(t, o, "dup", StatusOffline)
}

func TestCrashClassification(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"boom": {ID: "boom", Command: `/bin/sh -c "exit 7"`, WorkDir: dir, NodeID: "local"},
	})

	require.NoError(t, o.StartServer(context.Background(), "boom"))
	waitStatus(t, o, "boom", StatusCrashed)
	assert.False(t, o.IsTracked("boom"))

	st, err := o.Status("boom")
	require.NoError(t, err)
	assert.Zero(t, st.PlayerNum)
	assert.Zero(t, st.TPS)
}

func TestCleanExitIsOffline(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"clean": {ID: "clean", Command: `/bin/sh -c "exit 0"`, WorkDir: dir, NodeID: "local"},
	})
	require.NoError(t, o.StartServer(context.Background(), "clean"))
	waitStatus(t, o, "clean", StatusOffline)
}

func TestWatchdogForcesOffline(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"slow": {ID: "slow", Command: "sleep 30", WorkDir: dir, NodeID: "local"},
	})
	o.WatchdogTimeout = 50 * time.Millisecond

	require.NoError(t, o.StartServer(context.Background(), "slow"))
	waitStatus(t, o, "slow", StatusOffline)

	// process is still alive and tracked, only the status was forced
	assert.True(t, o.IsTracked("slow"))
	require.NoError(t, o.StopServer("slow", true))
}

func TestShutdownDrainsStartingServer(t *testing.T) {
	dir := t.TempDir()
	// exits cleanly on the console stop command, never prints a ready marker
	script := `while read line; do [ "$line" = "stop" ] && exit 0; done`
	o, em := newTestOrch(t, map[string]ServerConfig{
		"boot": {ID: "boot", Command: script, WorkDir: dir, NodeID: "local"},
	})

	require.NoError(t, o.StartServer(context.Background(), "boot"))
	assert.ErrorIs(t, o.StopServer("boot", false), ErrStarting)

	start := time.Now()
	o.Shutdown(10 * time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, o.IsTracked("boot"))
	assert.Contains(t, em.transitions(), StatusStopping)
	assert.NotContains(t, em.transitions(), StatusCrashed)
}

func TestPlayerTrackingFromLog(t *testing.T) {
	dir := t.TempDir()
	script := `echo "Done (1.0s)!"; echo "Notch joined the game"; echo "jeb_ joined the game"; echo "Notch left the game"; sleep 30`
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"pv": {ID: "pv", Command: script, WorkDir: dir, NodeID: "local"},
	})

	require.NoError(t, o.StartServer(context.Background(), "pv"))
	waitStatus(t, o, "pv", StatusOnline)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := o.Status("pv")
		require.NoError(t, err)
		if st.PlayerNum == 1 && len(st.Players) == 1 && st.Players[0] == "jeb_" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, err := o.Status("pv")
	require.NoError(t, err)
	assert.Equal(t, []string{"jeb_"}, st.Players)

	require.NoError(t, o.StopServer("pv", true))
	waitStatus(t, o, "pv", StatusOffline)
}

func TestTPSFromLogWindow(t *testing.T) {
	dir := t.TempDir()
	script := `echo "Done (1.0s)!"; echo "TPS: 18.5"; sleep 30`
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"tick": {ID: "tick", Command: script, WorkDir: dir, NodeID: "local"},
	})
	require.NoError(t, o.StartServer(context.Background(), "tick"))
	waitStatus(t, o, "tick", StatusOnline)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.TPS("tick") == 18.5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.InDelta(t, 18.5, o.TPS("tick"), 0.001)

	require.NoError(t, o.StopServer("tick", true))
}

func TestTPSNominalWhenOnlineWithoutReport(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"quiet": {ID: "quiet", Command: `/bin/sh -c 'echo "Done (1.0s)!"; sleep 30'`, WorkDir: dir, NodeID: "local"},
	})
	require.NoError(t, o.StartServer(context.Background(), "quiet"))
	waitStatus(t, o, "quiet", StatusOnline)
	assert.Equal(t, nominalTPS, o.TPS("quiet"))
	require.NoError(t, o.StopServer("quiet", true))
}

func TestReconcileUnmanagedExactlyOnce(t *testing.T) {
	o, em := newTestOrch(t, map[string]ServerConfig{
		"ext": {ID: "ext", Command: "java -jar s.jar", Port: 25565, NodeID: "local"},
	})
	bound := true
	o.probePort = func(port int) bool { return bound }

	o.Reconcile()
	o.Reconcile()
	o.Reconcile()
	assert.Equal(t, 1, em.countOf(StatusUnmanaged))

	st, err := o.Status("ext")
	require.NoError(t, err)
	assert.Equal(t, StatusUnmanaged, st.Status)

	// external process went away
	bound = false
	o.Reconcile()
	st, err = o.Status("ext")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, st.Status)
}

func TestReconcileSkipsRemoteServers(t *testing.T) {
	o, em := newTestOrch(t, map[string]ServerConfig{
		"far": {ID: "far", Command: "java", Port: 25566, NodeID: "9e107d9d-8f3a-4b6c-9e94-6f0e8b3c2a11"},
	})
	o.probePort = func(int) bool { return true }
	o.Reconcile()
	assert.Zero(t, em.countOf(StatusUnmanaged))
}

func TestStatusUnknownServer(t *testing.T) {
	o, _ := newTestOrch(t, map[string]ServerConfig{})
	_, err := o.Status("ghost")
	assert.Error(t, err)
}

func TestStatusUntrackedConfiguredServer(t *testing.T) {
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"cold": {ID: "cold", Command: "java", NodeID: "local"},
	})
	st, err := o.Status("cold")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, st.Status)
}

func TestSetStatusDeduplicates(t *testing.T) {
	o, em := newTestOrch(t, map[string]ServerConfig{})
	o.setStatus("x", StatusStarting)
	o.setStatus("x", StatusStarting)
	o.setStatus("x", StatusOnline)
	assert.Equal(t, []Status{StatusStarting, StatusOnline}, em.transitions())
}

func TestSendCommandNotTracked(t *testing.T) {
	o, _ := newTestOrch(t, map[string]ServerConfig{})
	assert.ErrorIs(t, o.SendCommand("nope", "list"), ErrNotTracked)
	assert.ErrorIs(t, o.StopServer("nope", false), ErrNotTracked)
}

func TestLogsReturnsRecentLines(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrch(t, map[string]ServerConfig{
		"logs": {ID: "logs", Command: `/bin/sh -c 'echo one; echo two; echo "Done (1.0s)!"; sleep 30'`, WorkDir: dir, NodeID: "local"},
	})
	require.NoError(t, o.StartServer(context.Background(), "logs"))
	waitStatus(t, o, "logs", StatusOnline)

	lines := o.Logs("logs", 10)
	assert.Contains(t, lines, "one")
	assert.Contains(t, lines, "two")
	require.NoError(t, o.StopServer("logs", true))
}
