package orchestrator

import "time"

// Status is the lifecycle state machine per server id:
//
//	UNMANAGED -> STARTING -> ONLINE -> (STOPPING) -> OFFLINE
//
// CRASHED is reached from STARTING/ONLINE when the backend closes with a
// non-zero code outside a deliberate stop. UNMANAGED is reached at any time
// by the reconcile loop when the port is bound by a process this
// orchestrator did not start.
type Status string

const (
	StatusUnmanaged Status = "unmanaged"
	StatusStarting  Status = "starting"
	StatusOnline    Status = "online"
	StatusStopping  Status = "stopping"
	StatusOffline   Status = "offline"
	StatusCrashed   Status = "crashed"
)

// State is the derived per-server view held in the status cache. It is
// mutated only by the owning orchestrator and rebuilt from the process tree
// and logs on restart; it is never the source of truth.
type State struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Online     bool      `json:"online"`
	Players    []string  `json:"players,omitempty"`
	PlayerNum  int       `json:"player_count"`
	TPS        float64   `json:"tps"`
	Uptime     int64     `json:"uptime_sec"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// ServerConfig is the externally stored definition of one server, fetched
// from the panel's CRUD layer through ConfigProvider.
type ServerConfig struct {
	ID       string
	Name     string
	Command  string
	WorkDir  string
	Port     int
	Backend  string // "native" or "docker"
	Image    string
	Env      []string
	MemoryMB int
	NodeID   string // "local" or a remote agent node id
}

// ConfigProvider is the CRUD storage collaborator, interfaces only.
type ConfigProvider interface {
	GetServerConfig(id string) (ServerConfig, error)
	GetAllServerConfigs() ([]ServerConfig, error)
}

// StatusStore persists the latest derived status for dashboards.
type StatusStore interface {
	PersistServerStatus(id string, st State) error
}

// PreflightChecker runs the pre-flight safety checks (executable present,
// EULA accepted, RAM within budget) before a spawn is attempted.
type PreflightChecker interface {
	Check(cfg ServerConfig) error
}

// Emitter receives de-duplicated status changes and raw log lines for
// broadcast on the control channel.
type Emitter interface {
	EmitStatus(id string, st State)
	EmitLog(id, line, stream string)
}
