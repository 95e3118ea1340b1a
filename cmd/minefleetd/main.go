package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minefleet/minefleet"
	"github.com/minefleet/minefleet/internal/logger"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "minefleetd",
		Short: "Game server fleet control panel",
		Long: `Minefleetd is the control-plane daemon: it supervises game servers on
the local machine, admits remote agents over the control channel, and
serves the REST and websocket API.

Examples:
  minefleetd serve --config=minefleet.toml
  minefleetd serve minefleet.toml`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.AddCommand(createServeCommand(flags))
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the panel daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := flags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("config file required: use --config=minefleet.toml or pass it as argument")
			}
			return runServe(configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := minefleet.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New("minefleetd", cfg.LogLevel)

	if err := minefleet.RegisterMetricsDefault(); err != nil {
		log.Warn("metrics registration", "error", err)
	}

	panel, err := minefleet.NewPanel(cfg, log)
	if err != nil {
		return err
	}
	panel.Start()
	srv := panel.Serve()
	log.Info("panel listening", "addr", cfg.Listen, "servers", len(cfg.Servers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		log.Warn("http shutdown", "error", err)
	}
	panel.Shutdown(30 * time.Second)
	return nil
}
