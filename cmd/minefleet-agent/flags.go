package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// AgentFlags holds the worker daemon's command-line configuration.
type AgentFlags struct {
	NodeID     string
	PanelURL   string
	Secret     string
	Heartbeat  time.Duration
	WorkDir    string
	MaxServers int
	LogLevel   string
	LogDir     string
}

const maxServersLimit = 100

// Validate checks flag values before anything connects or spawns. The node
// id must be "local" or a UUID so panel-side routing stays unambiguous.
func (f *AgentFlags) Validate() error {
	if f.NodeID == "" {
		return fmt.Errorf("--node-id is required")
	}
	if f.NodeID != "local" {
		if _, err := uuid.Parse(f.NodeID); err != nil {
			return fmt.Errorf("--node-id must be \"local\" or a UUID: %w", err)
		}
	}
	if f.PanelURL == "" {
		return fmt.Errorf("--panel-url is required")
	}
	u, err := url.Parse(f.PanelURL)
	if err != nil {
		return fmt.Errorf("--panel-url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("--panel-url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("--panel-url: host required")
	}
	if f.Heartbeat <= 0 {
		return fmt.Errorf("--heartbeat must be positive")
	}
	if f.WorkDir == "" {
		return fmt.Errorf("--workdir is required")
	}
	if f.MaxServers < 1 || f.MaxServers > maxServersLimit {
		return fmt.Errorf("--max-servers must be in [1, %d]", maxServersLimit)
	}
	return nil
}
