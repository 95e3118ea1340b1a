package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/minefleet/minefleet/internal/logger"
)

// Native runs server instances as host processes. Each instance owns its
// process group so signals reach the whole descendant tree.
type Native struct {
	mu     sync.Mutex
	procs  map[string]*nativeProc
	events chan<- Event
	log    *slog.Logger

	// StopLine is written to stdin on a graceful stop. Minecraft servers
	// understand "stop"; other games can override it.
	StopLine string
	// LogConfig archives console output alongside event delivery.
	LogConfig logger.Config
	// Pick selects the real workload among the descendants of the root pid.
	Pick PickWorkload

	tree *treeScanner
}

type nativeProc struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
	logW      io.WriteCloser
}

func NewNative(events chan<- Event, log *slog.Logger) *Native {
	return &Native{
		procs:    make(map[string]*nativeProc),
		events:   events,
		log:      log,
		StopLine: "stop",
		Pick:     DefaultPick,
		tree:     newTreeScanner(snapshotTTL),
	}
}

// buildCommand constructs the exec.Cmd for a command string, wrapping in a
// shell only when metacharacters require it.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

func (n *Native) Start(_ context.Context, spec StartSpec) error {
	if strings.TrimSpace(spec.Command) == "" {
		return fmt.Errorf("server %s: empty command", spec.ID)
	}
	n.mu.Lock()
	if _, ok := n.procs[spec.ID]; ok {
		n.mu.Unlock()
		return fmt.Errorf("server %s: %w", spec.ID, ErrAlreadyRunning)
	}
	// Reserve the slot before the (slow) spawn so a concurrent Start on the
	// same id is rejected rather than raced.
	n.procs[spec.ID] = nil
	n.mu.Unlock()

	cmd := buildCommand(spec.Command)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		n.unreserve(spec.ID)
		return fmt.Errorf("server %s: stdin: %w", spec.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		n.unreserve(spec.ID)
		return fmt.Errorf("server %s: stdout: %w", spec.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		n.unreserve(spec.ID)
		return fmt.Errorf("server %s: stderr: %w", spec.ID, err)
	}

	if err := cmd.Start(); err != nil {
		n.unreserve(spec.ID)
		return fmt.Errorf("server %s: spawn: %w", spec.ID, err)
	}

	p := &nativeProc{
		id:        spec.ID,
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		logW:      n.LogConfig.Writer(spec.ID),
	}
	n.mu.Lock()
	n.procs[spec.ID] = p
	n.mu.Unlock()

	if err := WritePIDMarker(spec.WorkDir, cmd.Process.Pid); err != nil {
		n.log.Warn("pid marker write failed", "server", spec.ID, "error", err)
	}
	n.log.Info("server started", "server", spec.ID, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go n.scanLines(p, stdout, StreamStdout, &wg)
	go n.scanLines(p, stderr, StreamStderr, &wg)
	go n.waitForExit(p, spec.WorkDir, &wg)
	return nil
}

func (n *Native) unreserve(id string) {
	n.mu.Lock()
	delete(n.procs, id)
	n.mu.Unlock()
}

func (n *Native) scanLines(p *nativeProc, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if p.logW != nil {
			_, _ = p.logW.Write(append([]byte(line), '\n'))
		}
		n.events <- Event{ID: p.id, Kind: EventLine, Line: line, Stream: stream}
	}
}

// waitForExit reaps the process and emits the single terminal event.
func (n *Native) waitForExit(p *nativeProc, workDir string, wg *sync.WaitGroup) {
	wg.Wait() // drain both pipes before Wait closes them
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	if p.logW != nil {
		_ = p.logW.Close()
	}
	RemovePIDMarker(workDir)
	n.unreserve(p.id)
	n.log.Info("server exited", "server", p.id, "code", code)
	n.events <- Event{ID: p.id, Kind: EventClosed, ExitCode: code, Err: err}
}

func (n *Native) Stop(id string, force bool) error {
	n.mu.Lock()
	p := n.procs[id]
	n.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	if force {
		return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	// Graceful path: ask the game to save and exit, then rely on the Closed
	// event from waitForExit.
	if _, err := io.WriteString(p.stdin, n.StopLine+"\n"); err != nil {
		// stdin already gone; fall back to SIGTERM on the group.
		return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	}
	return nil
}

func (n *Native) SendCommand(id, text string) error {
	n.mu.Lock()
	p := n.procs[id]
	n.mu.Unlock()
	if p == nil || p.stdin == nil {
		return fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (n *Native) IsRunning(id string) bool {
	n.mu.Lock()
	p, ok := n.procs[id]
	n.mu.Unlock()
	return ok && p != nil
}

// RootPID returns the spawned pid for a tracked id, 0 when unknown.
func (n *Native) RootPID(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p := n.procs[id]; p != nil && p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Stats walks the descendant tree of the root pid and reports the process
// that looks like the actual game server. A failed probe yields a zero
// reading: stats are a best-effort overlay, never a correctness path.
func (n *Native) Stats(ctx context.Context, id string) (Stats, error) {
	root := n.RootPID(id)
	if root == 0 {
		return Stats{}, fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	procs, err := n.tree.descendants(ctx, int32(root))
	if err != nil {
		return Stats{}, err
	}
	if len(procs) == 0 {
		return Stats{}, nil
	}
	pick := n.Pick
	if pick == nil {
		pick = DefaultPick
	}
	w := pick(procs)
	return Stats{
		CPUPercent: w.CPUPercent,
		MemoryMB:   float64(w.RSS) / (1024 * 1024),
		PID:        int(w.PID),
	}, nil
}
