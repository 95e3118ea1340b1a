package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

// Preflight is the default startup coordinator: executable present, EULA
// accepted, requested RAM within the host budget.
type Preflight struct {
	// MemoryHeadroomMB is kept free for the host itself.
	MemoryHeadroomMB int
}

func (p Preflight) Check(cfg ServerConfig) error {
	if cfg.Backend == "docker" {
		return nil // the engine resolves image and limits
	}
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return fmt.Errorf("server %s: empty command", cfg.ID)
	}
	bin := fields[0]
	if strings.ContainsRune(bin, os.PathSeparator) {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("server %s: executable %s: %w", cfg.ID, bin, err)
		}
	} else if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("server %s: executable %s not in PATH", cfg.ID, bin)
	}

	if cfg.WorkDir != "" {
		eula := filepath.Join(cfg.WorkDir, "eula.txt")
		b, err := os.ReadFile(eula)
		if err != nil || !strings.Contains(string(b), "eula=true") {
			return fmt.Errorf("server %s: EULA not accepted (%s)", cfg.ID, eula)
		}
	}

	if cfg.MemoryMB > 0 {
		vm, err := mem.VirtualMemory()
		if err == nil {
			budget := int(vm.Total/(1024*1024)) - p.MemoryHeadroomMB
			if cfg.MemoryMB > budget {
				return fmt.Errorf("server %s: %d MB requested, %d MB budget", cfg.ID, cfg.MemoryMB, budget)
			}
		}
	}
	return nil
}
