// cmd/conveyor-runner/main.go
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hochfrequenz/conveyor/internal/toolpool"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	coordinatorURL string
	runnerID       string
	maxJobs        int
	debug          bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conveyor-runner",
		Short: "Tool runner that executes delegated check and test commands",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "Coordinator WebSocket URL")
	rootCmd.Flags().StringVar(&runnerID, "id", "", "Runner ID")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 4, "Maximum concurrent jobs")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config defines the conveyor-runner configuration file format
type Config struct {
	Coordinator struct {
		URL string `toml:"url"`
	} `toml:"coordinator"`
	Runner struct {
		ID      string `toml:"id"`
		MaxJobs int    `toml:"max_jobs"`
	} `toml:"runner"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/conveyor-runner/config.toml",
	"/etc/conveyor-runner.toml",
}

func run(cmd *cobra.Command, args []string) error {
	var cfg Config

	cfgPath := configPath
	if cfgPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
				break
			}
		}
	}

	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", cfgPath, err)
		}
		fmt.Printf("Loaded config from %s\n", cfgPath)
	}

	// CLI flags override config
	if coordinatorURL != "" {
		cfg.Coordinator.URL = coordinatorURL
	}
	if runnerID != "" {
		cfg.Runner.ID = runnerID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Runner.MaxJobs = maxJobs
	}

	// Defaults
	if cfg.Runner.MaxJobs == 0 {
		cfg.Runner.MaxJobs = 4
	}
	if cfg.Runner.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Runner.ID = hostname
	}
	if cfg.Coordinator.URL == "" {
		return fmt.Errorf("--coordinator is required (or set coordinator.url in the config file)")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := toolpool.NewRunnerClient(toolpool.RunnerClientConfig{
		ServerURL: cfg.Coordinator.URL,
		RunnerID:  cfg.Runner.ID,
		MaxJobs:   cfg.Runner.MaxJobs,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		client.Stop()
	}()

	fmt.Printf("Starting runner %s connecting to %s (max_jobs=%d)...\n",
		cfg.Runner.ID, cfg.Coordinator.URL, cfg.Runner.MaxJobs)

	// Run with automatic reconnection (blocks until stopped)
	return client.RunWithReconnect()
}
