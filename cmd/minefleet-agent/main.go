package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minefleet/minefleet/internal/agent"
	"github.com/minefleet/minefleet/internal/logger"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	flags := &AgentFlags{}
	root := &cobra.Command{
		Use:   "minefleet-agent",
		Short: "Worker daemon for the minefleet panel",
		Long: `Minefleet-agent runs on a worker machine: it connects out to the panel's
control channel, spawns and supervises game servers locally, and streams
their console output and health back.

Examples:
  minefleet-agent --node-id=local --panel-url=http://panel:8090 --workdir=/srv/minecraft
  minefleet-agent --node-id=9e107d9d-8f3a-4b6c-9e94-6f0e8b3c2a11 --panel-url=https://panel.example.com \
      --secret=s3cret --workdir=/srv/minecraft --max-servers=8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}
			return runAgent(flags)
		},
	}
	root.Flags().StringVar(&flags.NodeID, "node-id", "", "node identity: \"local\" or a UUID (required)")
	root.Flags().StringVar(&flags.PanelURL, "panel-url", "", "panel base URL, e.g. http://panel:8090 (required)")
	root.Flags().StringVar(&flags.Secret, "secret", "", "shared handshake secret")
	root.Flags().DurationVar(&flags.Heartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
	root.Flags().StringVar(&flags.WorkDir, "workdir", "", "root directory holding one subdirectory per server (required)")
	root.Flags().IntVar(&flags.MaxServers, "max-servers", 10, "concurrent server limit")
	root.Flags().StringVar(&flags.LogLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().StringVar(&flags.LogDir, "log-dir", "", "directory for rotated server console archives")
	return root
}

func runAgent(flags *AgentFlags) error {
	if err := os.MkdirAll(flags.WorkDir, 0o750); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	log := logger.New("agent", flags.LogLevel)

	a := agent.New(agent.Config{
		NodeID:            flags.NodeID,
		PanelURL:          flags.PanelURL,
		Secret:            flags.Secret,
		HeartbeatInterval: flags.Heartbeat,
		WorkDirRoot:       flags.WorkDir,
		MaxServers:        flags.MaxServers,
		Version:           version,
		ConsoleLog:        logger.Config{Dir: flags.LogDir},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("shutting down", "signal", s.String())
		a.Shutdown()
		cancel()
	}()

	log.Info("agent starting", "node", flags.NodeID, "panel", flags.PanelURL, "version", version)
	err := a.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
