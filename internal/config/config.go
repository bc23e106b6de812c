package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// LocalConfigName is the project-local config file discovered by
// walking up from the working directory.
const LocalConfigName = ".conveyor.toml"

// Duration is a TOML-friendly wrapper parsed from strings like "45m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds all application configuration
type Config struct {
	Core     CoreConfig     `toml:"core"`
	Pool     PoolConfig     `toml:"pool"`
	Chains   ChainsConfig   `toml:"chains"`
	Platform PlatformConfig `toml:"platform"`
	Agent    AgentConfig    `toml:"agent"`
	Tools    ToolsConfig    `toml:"tools"`
	Runner   RunnerConfig   `toml:"runner"`
	Executor ExecutorConfig `toml:"executor"`
	Health   HealthConfig   `toml:"health"`
	Intake   IntakeConfig   `toml:"intake"`
	Notify   NotifyConfig   `toml:"notifications"`
	Web      WebConfig      `toml:"web"`
}

// CoreConfig holds state and logging locations
type CoreConfig struct {
	StateDir     string `toml:"state_dir"`
	DatabasePath string `toml:"database_path"`
	LogFile      string `toml:"log_file"`
	LogLevel     string `toml:"log_level"`
}

// PoolConfig holds the resource lease pool settings
type PoolConfig struct {
	Capacity      int      `toml:"capacity"`
	BasePortA     int      `toml:"base_port_a"`
	BasePortB     int      `toml:"base_port_b"`
	WorkspaceRoot string   `toml:"workspace_root"`
	StaleAfter    Duration `toml:"stale_after"`
	SweepSchedule string   `toml:"sweep_schedule"`
}

// ChainsConfig holds phase chain settings
type ChainsConfig struct {
	DefinitionsPath string `toml:"definitions_path"`
	DefaultChain    string `toml:"default_chain"`
}

// PlatformConfig holds ticket/merge-request platform settings
type PlatformConfig struct {
	Repo         string `toml:"repo"`
	RepoDir      string `toml:"repo_dir"`
	TargetBranch string `toml:"target_branch"`
	IntakeLabel  string `toml:"intake_label"`
}

// AgentConfig holds creative-work agent settings
type AgentConfig struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
}

// ToolsConfig holds delegated tool settings for the check and test
// phases. The test command must emit a JSON test report on stdout.
type ToolsConfig struct {
	CheckCommands [][]string `toml:"check_commands"`
	TestCommand   []string   `toml:"test_command"`
	Timeout       Duration   `toml:"timeout"`
}

// RunnerConfig holds the remote tool runner coordinator settings
type RunnerConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// ExecutorConfig holds chain executor tuning
type ExecutorConfig struct {
	PhaseTimeout      Duration `toml:"phase_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	LeaseRetries      int      `toml:"lease_retries"`
}

// HealthConfig holds run health classifier settings
type HealthConfig struct {
	StuckAfter   Duration `toml:"stuck_after"`
	ScanSchedule string   `toml:"scan_schedule"`
}

// IntakeConfig holds scheduled ticket intake settings
type IntakeConfig struct {
	Schedule string `toml:"schedule"`
	MaxRuns  int    `toml:"max_runs"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns the host:port listen address.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".conveyor")
	return &Config{
		Core: CoreConfig{
			StateDir:     filepath.Join(base, "state"),
			DatabasePath: filepath.Join(base, "conveyor.db"),
			LogFile:      filepath.Join(base, "conveyor.log"),
			LogLevel:     "info",
		},
		Pool: PoolConfig{
			Capacity:      100,
			BasePortA:     43000,
			BasePortB:     44000,
			WorkspaceRoot: filepath.Join(base, "workspaces"),
			StaleAfter:    Duration(45 * time.Minute),
			SweepSchedule: "*/5 * * * *",
		},
		Chains: ChainsConfig{
			DefaultChain: "feature",
		},
		Platform: PlatformConfig{
			TargetBranch: "main",
			IntakeLabel:  "conveyor",
		},
		Agent: AgentConfig{
			Command: "claude",
			Timeout: Duration(20 * time.Minute),
		},
		Tools: ToolsConfig{
			CheckCommands: [][]string{{"go", "vet", "./..."}},
			Timeout:       Duration(15 * time.Minute),
		},
		Runner: RunnerConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8701",
		},
		Executor: ExecutorConfig{
			PhaseTimeout:      Duration(30 * time.Minute),
			HeartbeatInterval: Duration(30 * time.Second),
			LeaseRetries:      5,
		},
		Health: HealthConfig{
			StuckAfter:   Duration(3 * time.Hour),
			ScanSchedule: "*/10 * * * *",
		},
		Intake: IntakeConfig{
			MaxRuns: 5,
		},
		Notify: NotifyConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8700,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Core.StateDir = ExpandPath(cfg.Core.StateDir)
	cfg.Core.DatabasePath = ExpandPath(cfg.Core.DatabasePath)
	cfg.Core.LogFile = ExpandPath(cfg.Core.LogFile)
	cfg.Pool.WorkspaceRoot = ExpandPath(cfg.Pool.WorkspaceRoot)
	cfg.Chains.DefinitionsPath = ExpandPath(cfg.Chains.DefinitionsPath)
	cfg.Platform.RepoDir = ExpandPath(cfg.Platform.RepoDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads an explicit path if given, otherwise a
// discovered project-local config, otherwise the default location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a
// project-local config file. Returns "" if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks ranges and schedule expressions.
func (c *Config) Validate() error {
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got %d", c.Pool.Capacity)
	}
	if c.Pool.BasePortA <= 0 || c.Pool.BasePortB <= 0 {
		return fmt.Errorf("pool port bases must be positive")
	}
	gap := c.Pool.BasePortB - c.Pool.BasePortA
	if gap < 0 {
		gap = -gap
	}
	if gap < c.Pool.Capacity {
		return fmt.Errorf("pool port ranges overlap: |%d-%d| < capacity %d",
			c.Pool.BasePortA, c.Pool.BasePortB, c.Pool.Capacity)
	}
	for _, s := range []struct{ name, expr string }{
		{"pool.sweep_schedule", c.Pool.SweepSchedule},
		{"health.scan_schedule", c.Health.ScanSchedule},
		{"intake.schedule", c.Intake.Schedule},
	} {
		if s.expr == "" {
			continue
		}
		if _, err := ParseCron(s.expr); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "conveyor", "config.toml")
}
