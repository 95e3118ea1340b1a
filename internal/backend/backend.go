// Package backend contains the execution strategies used to run a server
// instance: a native host process or a container delegated to the docker CLI.
// Backends publish typed events on a channel owned by their caller; the
// orchestrator (or remote agent) consumes and re-emits derived events.
package backend

import (
	"context"
	"errors"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

// PIDMarkerName is the per-server marker file written into the working
// directory at spawn time and removed on exit. It is the only durable state
// used for zombie adoption across agent restarts.
const PIDMarkerName = "server.pid"

// EventKind discriminates backend events.
type EventKind int

const (
	// EventLine is one console line from the server's stdout or stderr.
	EventLine EventKind = iota
	// EventClosed is the terminal event for an instance. Exactly one is
	// emitted per successful Start.
	EventClosed
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is published by a backend while an instance runs.
type Event struct {
	ID       string
	Kind     EventKind
	Line     string
	Stream   string
	ExitCode int
	Err      error
}

// Stats is a best-effort resource reading for one instance.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	PID        int     `json:"pid,omitempty"`
}

// StartSpec describes one instance to spawn.
type StartSpec struct {
	ID      string
	Command string
	WorkDir string
	Env     []string
	// Image is consumed by the docker backend only.
	Image string
}

// Backend spawns, stops, and signals server instances and reports their
// resource usage. Implementations must reject Start for an id they already
// track; callers treat that rejection as the correct outcome of a
// conflicting concurrent call, not as a fault.
type Backend interface {
	Start(ctx context.Context, spec StartSpec) error
	Stop(id string, force bool) error
	SendCommand(id, text string) error
	Stats(ctx context.Context, id string) (Stats, error)
	IsRunning(id string) bool
}
