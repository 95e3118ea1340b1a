package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/minefleet/minefleet/internal/logger"
	"github.com/minefleet/minefleet/internal/orchestrator"
)

// Config is the top-level panel configuration file (TOML).
type Config struct {
	Listen           string         `toml:"listen" mapstructure:"listen"`
	Secret           string         `toml:"secret" mapstructure:"secret"`
	LogLevel         string         `toml:"log_level" mapstructure:"log_level"`
	StorePath        string         `toml:"store_path" mapstructure:"store_path"`
	HeartbeatTimeout time.Duration  `toml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	ConsoleLog       *logger.Config `toml:"console_log" mapstructure:"console_log"`
	Servers          []ServerDef    `toml:"servers" mapstructure:"servers"`
}

// ServerDef is one configured server instance.
type ServerDef struct {
	ID       string   `toml:"id" mapstructure:"id"`
	Name     string   `toml:"name" mapstructure:"name"`
	Command  string   `toml:"command" mapstructure:"command"`
	WorkDir  string   `toml:"workdir" mapstructure:"workdir"`
	Port     int      `toml:"port" mapstructure:"port"`
	Backend  string   `toml:"backend" mapstructure:"backend"`
	Image    string   `toml:"image" mapstructure:"image"`
	Env      []string `toml:"env" mapstructure:"env"`
	MemoryMB int      `toml:"memory_mb" mapstructure:"memory_mb"`
	NodeID   string   `toml:"node" mapstructure:"node"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Command) == "" && s.Image == "" {
			return fmt.Errorf("server %s: command or image required", s.ID)
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("server %s: port %d out of range", s.ID, s.Port)
		}
		switch s.Backend {
		case "", "native":
			s.Backend = "native"
		case "docker":
			if s.Image == "" {
				return fmt.Errorf("server %s: docker backend requires image", s.ID)
			}
		default:
			return fmt.Errorf("server %s: unknown backend %q", s.ID, s.Backend)
		}
		if s.NodeID == "" {
			s.NodeID = "local"
		}
	}
	return nil
}

func (s ServerDef) toServerConfig() orchestrator.ServerConfig {
	return orchestrator.ServerConfig{
		ID:       s.ID,
		Name:     s.Name,
		Command:  s.Command,
		WorkDir:  s.WorkDir,
		Port:     s.Port,
		Backend:  s.Backend,
		Image:    s.Image,
		Env:      s.Env,
		MemoryMB: s.MemoryMB,
		NodeID:   s.NodeID,
	}
}

// Provider serves server definitions to the orchestrator. It is the
// file-backed stand-in for the panel's CRUD storage collaborator.
type Provider struct {
	servers []ServerDef
}

func NewProvider(servers []ServerDef) *Provider {
	return &Provider{servers: servers}
}

func (p *Provider) GetServerConfig(id string) (orchestrator.ServerConfig, error) {
	for _, s := range p.servers {
		if s.ID == id {
			return s.toServerConfig(), nil
		}
	}
	return orchestrator.ServerConfig{}, fmt.Errorf("unknown server: %s", id)
}

func (p *Provider) GetAllServerConfigs() ([]orchestrator.ServerConfig, error) {
	out := make([]orchestrator.ServerConfig, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.toServerConfig())
	}
	return out, nil
}
