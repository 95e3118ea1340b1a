package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/singleflight"
)

// snapshotTTL bounds how often the full process table is scanned. Tree
// snapshots are expensive; concurrent stat requests for different ids share
// one scan instead of each forcing a fresh one.
const snapshotTTL = 2500 * time.Millisecond

// ProcInfo is one process observed in a tree snapshot.
type ProcInfo struct {
	PID        int32
	Cmdline    string
	RSS        uint64
	CPUPercent float64
}

// PickWorkload chooses which descendant represents the actual game server.
// The heuristic is inherently fuzzy; a wrong pick only skews stats.
type PickWorkload func([]ProcInfo) ProcInfo

// DefaultPick prefers the descendant whose command line mentions the runtime
// binary, falling back to the one with the highest resident memory.
func DefaultPick(procs []ProcInfo) ProcInfo {
	for _, p := range procs {
		if strings.Contains(p.Cmdline, "java") {
			return p
		}
	}
	best := procs[0]
	for _, p := range procs[1:] {
		if p.RSS > best.RSS {
			best = p
		}
	}
	return best
}

type snapshot struct {
	taken    time.Time
	byPID    map[int32]ProcInfo
	children map[int32][]int32
}

// treeScanner caches one process-table snapshot and deduplicates concurrent
// refreshes with singleflight.
type treeScanner struct {
	mu   sync.Mutex
	ttl  time.Duration
	snap *snapshot
	sf   singleflight.Group

	// scan is swappable for tests.
	scan func(ctx context.Context) (*snapshot, error)
}

func newTreeScanner(ttl time.Duration) *treeScanner {
	t := &treeScanner{ttl: ttl}
	t.scan = scanProcessTable
	return t
}

func (t *treeScanner) current(ctx context.Context) (*snapshot, error) {
	t.mu.Lock()
	if s := t.snap; s != nil && time.Since(s.taken) < t.ttl {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	v, err, _ := t.sf.Do("scan", func() (any, error) {
		s, err := t.scan(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.snap = s
		t.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

// descendants returns the root and every transitive child found in the
// current snapshot, breadth-first, guarded against ppid cycles.
func (t *treeScanner) descendants(ctx context.Context, root int32) ([]ProcInfo, error) {
	s, err := t.current(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[int32]bool{}
	queue := []int32{root}
	var out []ProcInfo
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if info, ok := s.byPID[pid]; ok {
			out = append(out, info)
		}
		queue = append(queue, s.children[pid]...)
	}
	return out, nil
}

func scanProcessTable(_ context.Context) (*snapshot, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	s := &snapshot{
		taken:    time.Now(),
		byPID:    make(map[int32]ProcInfo, len(procs)),
		children: make(map[int32][]int32, len(procs)),
	}
	for _, p := range procs {
		info := ProcInfo{PID: p.Pid}
		if cl, err := p.Cmdline(); err == nil {
			info.Cmdline = cl
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			info.RSS = mi.RSS
		}
		if cp, err := p.CPUPercent(); err == nil {
			info.CPUPercent = cp
		}
		s.byPID[p.Pid] = info
		if ppid, err := p.Ppid(); err == nil && ppid > 0 {
			s.children[ppid] = append(s.children[ppid], p.Pid)
		}
	}
	return s, nil
}
