// Command stagehand hosts the backend server supervisor for a desktop
// shell session. The GUI embeds the supervisor package directly; this
// command provides the same lifecycle from a terminal plus operator
// utilities for cleaning up after crashed sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-labs/stagehand/config"
	"github.com/stagehand-labs/stagehand/schema"
	"github.com/stagehand-labs/stagehand/supervisor"
)

var (
	flagConfig       string
	flagHost         string
	flagPort         int
	flagBackendDir   string
	flagServerPath   string
	flagDatabasePath string
	flagLogLevel     string
)

func main() {
	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Keep the backend server alive for a desktop shell session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to stagehand.yaml")
	root.PersistentFlags().StringVar(&flagHost, "host", "", "backend bind host")
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "backend bind port")
	root.PersistentFlags().StringVar(&flagBackendDir, "backend-dir", "", "backend project directory")
	root.PersistentFlags().StringVar(&flagServerPath, "server-path", "", "explicit server executable path")
	root.PersistentFlags().StringVar(&flagDatabasePath, "database-path", "", "backend database file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd(), stopCmd(), statusCmd(), locateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and overlays command-line flags,
// the last layer of the resolution order.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagHost != "" {
		cfg.BindHost = flagHost
	}
	if flagPort != 0 {
		cfg.BindPort = flagPort
	}
	if flagBackendDir != "" {
		cfg.BackendDir = flagBackendDir
	}
	if flagServerPath != "" {
		cfg.ServerPath = flagServerPath
	}
	if flagDatabasePath != "" {
		cfg.DatabasePath = flagDatabasePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the backend and keep it alive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()
			slog.SetDefault(logger)

			sup := supervisor.New(cfg, logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("backend startup failed: %w", err)
			}
			logger.Info("Backend supervised, press Ctrl+C to exit", "url", cfg.BaseURL())

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigChan
			logger.Info("Received signal, shutting down backend", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
				cfg.GracePeriod.Std()+10*time.Second)
			defer shutdownCancel()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Shutdown finished with error", "error", err)
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate whatever process holds the backend port",
		Long: `Terminate whatever process is listening on the backend's fixed port.

Useful after a crashed session left an orphan server behind. Reaping a
clear port is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			reaped := supervisor.NewPortReaper(logger).Reap(cmd.Context(), cfg.BindHost, cfg.BindPort)
			if reaped == 0 {
				fmt.Printf("Port %d is free\n", cfg.BindPort)
			} else {
				fmt.Printf("Terminated %d process(es) holding port %d\n", reaped, cfg.BindPort)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check backend reachability and migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 2 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, cfg.HealthURL(), nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("Backend: unreachable (%v)\n", err)
			} else {
				resp.Body.Close()
				fmt.Printf("Backend: %s (%s)\n", resp.Status, cfg.HealthURL())
			}

			ledger, err := schema.Inspect(cfg.DatabasePath)
			switch {
			case err != nil:
				fmt.Printf("Database: %s (unreadable: %v)\n", cfg.DatabasePath, err)
			case !ledger.Present:
				fmt.Printf("Database: %s (no migration ledger)\n", cfg.DatabasePath)
			default:
				fmt.Printf("Database: %s (%d migrations applied, latest %s at %s)\n",
					cfg.DatabasePath, ledger.AppliedCount, ledger.LastApplied,
					ledger.LastAppliedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func locateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Show the server search list and each candidate's verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			locator := supervisor.NewLocator(cfg, logger)
			for _, line := range locator.Describe(cmd.Context()) {
				fmt.Println(line)
			}

			candidate, err := locator.Locate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("\nSelected: %s %s (%s)\n",
				candidate.Command, strings.Join(candidate.Args, " "), candidate.Kind)
			return nil
		},
	}
}
