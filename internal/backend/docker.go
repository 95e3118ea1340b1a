package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// cpuSmoothing damps the start-up spike in engine CPU readings.
const cpuSmoothing = 0.3

// Docker runs server instances inside containers by shelling out to the
// engine CLI. The container stays attached (docker run -i) so console lines
// and the terminal exit flow through the same event path as native servers.
type Docker struct {
	mu         sync.Mutex
	containers map[string]*dockerProc
	ema        map[string]float64
	events     chan<- Event
	log        *slog.Logger

	// Bin is the engine binary, normally "docker"; podman works too.
	Bin      string
	StopLine string
	cores    float64
}

type dockerProc struct {
	id    string
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewDocker(events chan<- Event, log *slog.Logger) *Docker {
	return &Docker{
		containers: make(map[string]*dockerProc),
		ema:        make(map[string]float64),
		events:     events,
		log:        log,
		Bin:        "docker",
		StopLine:   "stop",
		cores:      float64(runtime.NumCPU()),
	}
}

func containerName(id string) string { return "mc-" + id }

func (d *Docker) Start(ctx context.Context, spec StartSpec) error {
	if spec.Image == "" {
		return fmt.Errorf("server %s: docker backend requires an image", spec.ID)
	}
	d.mu.Lock()
	if _, ok := d.containers[spec.ID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("server %s: %w", spec.ID, ErrAlreadyRunning)
	}
	d.containers[spec.ID] = nil
	d.mu.Unlock()

	name := containerName(spec.ID)
	// Pull first; a failure is tolerated when the image is already local.
	if out, err := exec.CommandContext(ctx, d.Bin, "pull", spec.Image).CombinedOutput(); err != nil {
		d.log.Warn("image pull failed", "server", spec.ID, "image", spec.Image,
			"error", err, "output", strings.TrimSpace(string(out)))
	}
	// Tear down any stale container left from a previous crash.
	_ = exec.CommandContext(ctx, d.Bin, "rm", "-f", name).Run()

	args := []string{"run", "-i", "--rm", "--name", name, "-w", "/data", "-v", spec.WorkDir + ":/data"}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	if strings.TrimSpace(spec.Command) != "" {
		args = append(args, "sh", "-c", spec.Command)
	}
	// #nosec G204
	cmd := exec.Command(d.Bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.unreserve(spec.ID)
		return fmt.Errorf("server %s: stdin: %w", spec.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.unreserve(spec.ID)
		return fmt.Errorf("server %s: stdout: %w", spec.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.unreserve(spec.ID)
		return fmt.Errorf("server %s: stderr: %w", spec.ID, err)
	}
	if err := cmd.Start(); err != nil {
		d.unreserve(spec.ID)
		return fmt.Errorf("server %s: engine run: %w", spec.ID, err)
	}

	p := &dockerProc{id: spec.ID, name: name, cmd: cmd, stdin: stdin}
	d.mu.Lock()
	d.containers[spec.ID] = p
	d.mu.Unlock()
	d.log.Info("container started", "server", spec.ID, "container", name)

	var wg sync.WaitGroup
	wg.Add(2)
	go d.scanLines(p, stdout, StreamStdout, &wg)
	go d.scanLines(p, stderr, StreamStderr, &wg)
	go d.waitForExit(p, &wg)
	return nil
}

func (d *Docker) unreserve(id string) {
	d.mu.Lock()
	delete(d.containers, id)
	delete(d.ema, id)
	d.mu.Unlock()
}

func (d *Docker) scanLines(p *dockerProc, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		d.events <- Event{ID: p.id, Kind: EventLine, Line: sc.Text(), Stream: stream}
	}
}

func (d *Docker) waitForExit(p *dockerProc, wg *sync.WaitGroup) {
	wg.Wait()
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
	d.unreserve(p.id)
	d.log.Info("container exited", "server", p.id, "code", code)
	d.events <- Event{ID: p.id, Kind: EventClosed, ExitCode: code, Err: err}
}

func (d *Docker) Stop(id string, force bool) error {
	d.mu.Lock()
	p := d.containers[id]
	d.mu.Unlock()
	if p == nil {
		return fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	if force {
		return exec.Command(d.Bin, "kill", p.name).Run()
	}
	// docker stop signals the container and waits out the engine's grace
	// period; the Closed event still arrives through waitForExit.
	go func() {
		if err := exec.Command(d.Bin, "stop", p.name).Run(); err != nil {
			d.log.Warn("engine stop failed", "server", id, "error", err)
		}
	}()
	return nil
}

func (d *Docker) SendCommand(id, text string) error {
	d.mu.Lock()
	p := d.containers[id]
	d.mu.Unlock()
	if p == nil || p.stdin == nil {
		return fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (d *Docker) IsRunning(id string) bool {
	d.mu.Lock()
	p, ok := d.containers[id]
	d.mu.Unlock()
	return ok && p != nil
}

// Stats shells out to the engine's stats command. Engines report CPU as a
// sum over cores, so the percentage is normalized by core count, then run
// through an exponential moving average.
func (d *Docker) Stats(ctx context.Context, id string) (Stats, error) {
	d.mu.Lock()
	p := d.containers[id]
	d.mu.Unlock()
	if p == nil {
		return Stats{}, fmt.Errorf("server %s: %w", id, ErrNotRunning)
	}
	out, err := exec.CommandContext(ctx, d.Bin, "stats", "--no-stream",
		"--format", "{{.CPUPerc}}|{{.MemUsage}}", p.name).Output()
	if err != nil {
		return Stats{}, fmt.Errorf("server %s: engine stats: %w", id, err)
	}
	cpuStr, memStr, ok := strings.Cut(strings.TrimSpace(string(out)), "|")
	if !ok {
		return Stats{}, fmt.Errorf("server %s: unexpected stats output %q", id, out)
	}
	cpu, err := parsePercent(cpuStr)
	if err != nil {
		return Stats{}, err
	}
	if d.cores > 0 {
		cpu /= d.cores
	}
	memMB, err := parseMemUsageMB(memStr)
	if err != nil {
		return Stats{}, err
	}

	d.mu.Lock()
	prev, seen := d.ema[id]
	if seen {
		cpu = cpuSmoothing*cpu + (1-cpuSmoothing)*prev
	}
	d.ema[id] = cpu
	d.mu.Unlock()

	return Stats{CPUPercent: cpu, MemoryMB: memMB}, nil
}

// parsePercent parses engine output like "12.34%".
func parsePercent(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse percent %q: %w", s, err)
	}
	return v, nil
}

// parseMemUsageMB parses the used side of "1.5GiB / 4GiB" into megabytes.
func parseMemUsageMB(s string) (float64, error) {
	used, _, _ := strings.Cut(s, "/")
	used = strings.TrimSpace(used)
	i := strings.IndexFunc(used, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i <= 0 {
		return 0, fmt.Errorf("parse mem usage %q", s)
	}
	v, err := strconv.ParseFloat(used[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("parse mem usage %q: %w", s, err)
	}
	unit := strings.TrimSpace(used[i:])
	mult, ok := map[string]float64{
		"B":   1.0 / (1024 * 1024),
		"KiB": 1.0 / 1024,
		"kB":  1.0 / 1000,
		"MiB": 1,
		"MB":  1,
		"GiB": 1024,
		"GB":  1000,
		"TiB": 1024 * 1024,
	}[unit]
	if !ok {
		return 0, fmt.Errorf("parse mem usage %q: unknown unit %q", s, unit)
	}
	return v * mult, nil
}
