package agent

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/minefleet/minefleet/internal/backend"
)

// adoptZombies scans the work-dir root for pid markers left behind by a
// previous agent run. A live pid becomes an adopted server: counted against
// capacity and stoppable by signal, but with no console attachment. A dead
// pid's marker is deleted so the slot frees up.
func (a *Agent) adoptZombies() {
	entries, err := os.ReadDir(a.cfg.WorkDirRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		dir := filepath.Join(a.cfg.WorkDirRoot, id)
		pid, err := backend.ReadPIDMarker(dir)
		if err != nil {
			continue
		}
		a.mu.Lock()
		_, tracked := a.tracked[id]
		_, already := a.adopted[id]
		a.mu.Unlock()
		if tracked || already {
			continue
		}
		if !backend.PIDAlive(pid) {
			backend.RemovePIDMarker(dir)
			a.log.Info("stale pid marker removed", "server", id, "pid", pid)
			continue
		}
		a.mu.Lock()
		a.adopted[id] = pid
		a.mu.Unlock()
		a.log.Info("adopted running server", "server", id, "pid", pid)
	}
}

// stopAdopted terminates an adopted process by signal. Without a console
// attachment SIGTERM is the politest stop available; force escalates to
// SIGKILL on the whole process group.
func (a *Agent) stopAdopted(id string, pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	// Negative pid targets the process group when the adoptee was spawned
	// as a group leader; fall back to the single pid otherwise.
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
	go a.reapAdopted(id, pid)
}

func (a *Agent) reapAdopted(id string, pid int) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !backend.PIDAlive(pid) {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if backend.PIDAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	a.mu.Lock()
	delete(a.adopted, id)
	a.mu.Unlock()
	backend.RemovePIDMarker(filepath.Join(a.cfg.WorkDirRoot, id))
	a.log.Info("adopted server stopped", "server", id, "pid", pid)
}
