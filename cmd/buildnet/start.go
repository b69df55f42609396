package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildnet-io/buildnet/pkg/api"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/daemon"
	"github.com/buildnet-io/buildnet/pkg/log"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the BuildNet master daemon",
	Long: `Start the master daemon: state backend, audit ledger, resource
registry, session manager, file watcher, build orchestrator, and the
HTTP API. Runs until interrupted; SIGINT/SIGTERM trigger a graceful
shutdown.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("config", "", "path to YAML configuration")
	startCmd.Flags().String("bind", "", "API bind address (overrides config)")
	startCmd.Flags().String("data-dir", "", "data directory for the bolt backend")
	startCmd.Flags().String("backend", "", "state backend: memory or bolt")
	startCmd.Flags().Bool("watch", true, "enable the file watcher")
	startCmd.Flags().Bool("auto-build", true, "enable change-triggered builds")
	startCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	startCmd.Flags().String("log-format", "", "log format: json or console")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyStartFlags(cmd, cfg)

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
	})

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(d)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Network.Bind)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			d.Stop()
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "api shutdown: %v\n", err)
	}
	d.Stop()
	return nil
}

// applyStartFlags overlays explicitly set flags onto the loaded config
func applyStartFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Network.Bind, _ = flags.GetString("bind")
	}
	if flags.Changed("data-dir") {
		cfg.Backend.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("backend") {
		cfg.Backend.Type, _ = flags.GetString("backend")
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled, _ = flags.GetBool("watch")
	}
	if flags.Changed("auto-build") {
		cfg.AutoBuild.Enabled, _ = flags.GetBool("auto-build")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
}
