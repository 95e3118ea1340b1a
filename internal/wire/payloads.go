package wire

// Handshake is the first frame an agent sends after dialing.
type Handshake struct {
	NodeID   string `json:"node_id"`
	Secret   string `json:"secret"`
	Protocol int    `json:"protocol"`
	Version  string `json:"version"`
}

// StartRequest asks an agent to spawn a server.
type StartRequest struct {
	ServerID string            `json:"server_id"`
	Command  string            `json:"command"`
	WorkDir  string            `json:"work_dir"`
	Env      map[string]string `json:"env,omitempty"`
	Image    string            `json:"image,omitempty"`
	Port     int               `json:"port,omitempty"`
}

type StopRequest struct {
	ServerID string `json:"server_id"`
	Force    bool   `json:"force"`
}

type KillRequest struct {
	ServerID string `json:"server_id"`
	Signal   string `json:"signal"`
}

type CommandRequest struct {
	ServerID string `json:"server_id"`
	Text     string `json:"text"`
}

// FixCapabilityRequest triggers a best-effort remediation command for a
// missing capability on the worker.
type FixCapabilityRequest struct {
	Name string `json:"name"`
}

// Heartbeat carries the worker health snapshot. Byte quantities are raw.
type Heartbeat struct {
	CPULoad   float64 `json:"cpu_load"`
	MemUsed   uint64  `json:"mem_used"`
	MemTotal  uint64  `json:"mem_total"`
	DiskUsed  uint64  `json:"disk_used"`
	DiskTotal uint64  `json:"disk_total"`
	Servers   int     `json:"servers"`
	UptimeSec int64   `json:"uptime_sec"`
}

// Capabilities reports detected tooling on the worker.
type Capabilities struct {
	Java          bool   `json:"java"`
	JavaVersion   string `json:"java_version,omitempty"`
	Docker        bool   `json:"docker"`
	DockerVersion string `json:"docker_version,omitempty"`
	Git           bool   `json:"git"`
}

type ServerStats struct {
	ServerID   string  `json:"server_id"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	PID        int     `json:"pid,omitempty"`
}

type LogLine struct {
	ServerID string `json:"server_id"`
	Line     string `json:"line"`
	Stream   string `json:"stream"`
}

type BatchLine struct {
	Line   string `json:"line"`
	Stream string `json:"stream"`
}

type LogBatch struct {
	ServerID string      `json:"server_id"`
	Lines    []BatchLine `json:"lines"`
}

type Closed struct {
	ServerID string `json:"server_id"`
	ExitCode int    `json:"exit_code"`
}

// SyncState reports all tracked server ids right after (re)connect so the
// panel can reconcile without waiting for a heartbeat cycle.
type SyncState struct {
	Tracked []string `json:"tracked"`
	Adopted []string `json:"adopted,omitempty"`
}

// StatusEvent is the de-duplicated server status broadcast.
type StatusEvent struct {
	ServerID    string  `json:"server_id"`
	Status      string  `json:"status"`
	Online      bool    `json:"online"`
	Players     int     `json:"players"`
	PlayerNames []string `json:"player_names,omitempty"`
	TPS         float64 `json:"tps"`
	UptimeSec   int64   `json:"uptime_sec"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
}

// ManifestEntry is one file in a sync manifest, hash over the full content.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type FileManifest struct {
	ServerID string          `json:"server_id"`
	Files    []ManifestEntry `json:"files"`
}

// ManifestReply lists the subset of manifest paths the agent actually needs.
type ManifestReply struct {
	Needed []string `json:"needed"`
}

// FileChunk is one piece of a file upload. Index is zero-based; Total is the
// chunk count for the path; SHA256 is the whole-file hash, repeated on every
// chunk so reassembly can verify regardless of arrival order.
type FileChunk struct {
	ServerID string `json:"server_id"`
	Path     string `json:"path"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     []byte `json:"data"`
	SHA256   string `json:"sha256"`
}

type FileEnd struct {
	ServerID string `json:"server_id"`
}

// Subscription is the UI-side request to join or leave a server's room.
type Subscription struct {
	ServerID string `json:"server_id"`
}
