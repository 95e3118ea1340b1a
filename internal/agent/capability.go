package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/minefleet/minefleet/internal/wire"
)

const probeTimeout = 5 * time.Second

// probeCapabilities detects the tooling a worker can offer: a Java runtime
// for native servers, a container engine, git for modpack checkouts.
func probeCapabilities() wire.Capabilities {
	var caps wire.Capabilities
	if out, err := probe("java", "-version"); err == nil {
		caps.Java = true
		caps.JavaVersion = out
	}
	if out, err := probe("docker", "--version"); err == nil {
		caps.Docker = true
		caps.DockerVersion = out
	}
	if _, err := probe("git", "--version"); err == nil {
		caps.Git = true
	}
	return caps
}

// probe runs a version command and returns its first output line. Java
// prints the version banner on stderr, so both streams are combined.
func probe(bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(bytes.TrimSpace(out)), "\n")
	return strings.TrimSpace(line), nil
}

// fixCommands are the best-effort remediation scripts per capability. They
// assume a Debian-flavoured host; failures are reported, not retried.
var fixCommands = map[string]string{
	"java":   "apt-get update && apt-get install -y default-jre-headless",
	"git":    "apt-get update && apt-get install -y git",
	"docker": "curl -fsSL https://get.docker.com | sh",
}

func (a *Agent) fixCapability(name string) (string, error) {
	script, ok := fixCommands[name]
	if !ok {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	a.log.Info("running capability fix", "capability", name)
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", script).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("fix %s: %w", name, err)
	}
	return string(out), nil
}
