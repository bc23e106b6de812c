//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	buildPath string
	buildErr  error
)

// binaryPath builds the conveyor CLI once per test binary and returns
// its path.
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "conveyor-cli")
		if err != nil {
			buildErr = err
			return
		}
		buildPath = filepath.Join(dir, "conveyor")
		cmd := exec.Command("go", "build", "-o", buildPath, "../cmd/conveyor")
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("build conveyor: %v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return buildPath
}

// writeConfig writes a config pointing every path at the test's temp
// directory so commands touch nothing outside it.
func writeConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	cfg := `[core]
state_dir = "` + filepath.Join(base, "state") + `"
database_path = "` + filepath.Join(base, "conveyor.db") + `"
log_file = "` + filepath.Join(base, "conveyor.log") + `"
log_level = "warn"

[pool]
capacity = 2
base_port_a = 43000
base_port_b = 44000
workspace_root = "` + filepath.Join(base, "workspaces") + `"

[platform]
repo = "example/conveyor-target"
repo_dir = "` + base + `"
target_branch = "main"
`

	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--config", configPath)
	cmd := exec.Command(binaryPath(t), args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func TestCLI_ListEmpty(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "list")
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No runs") {
		t.Errorf("expected 'No runs', got: %s", out)
	}
}

func TestCLI_ShowUnknownRun(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "show", "run-does-not-exist")
	if err == nil {
		t.Fatalf("expected show to fail for an unknown run, got: %s", out)
	}
	if !strings.Contains(out, "run not found") {
		t.Errorf("expected 'run not found', got: %s", out)
	}
}

func TestCLI_LeasesEmpty(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "leases")
	if err != nil {
		t.Fatalf("leases failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0/2 slots in use") {
		t.Errorf("expected '0/2 slots in use', got: %s", out)
	}
}

func TestCLI_SweepNothingHeld(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "sweep")
	if err != nil {
		t.Fatalf("sweep failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Nothing to reclaim") {
		t.Errorf("expected 'Nothing to reclaim', got: %s", out)
	}
}

// TestCLI_HealthNoRuns checks the monitoring exit contract: an empty
// system is healthy, so the command exits zero.
func TestCLI_HealthNoRuns(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "health")
	if err != nil {
		t.Fatalf("health failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No live runs") {
		t.Errorf("expected 'No live runs', got: %s", out)
	}
}

func TestCLI_CancelUnknownRun(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "cancel", "run-does-not-exist")
	if err == nil {
		t.Fatalf("expected cancel to fail for an unknown run, got: %s", out)
	}
	if !strings.Contains(out, "run not found") {
		t.Errorf("expected 'run not found', got: %s", out)
	}
}

func TestCLI_UnknownCommand(t *testing.T) {
	cmd := exec.Command(binaryPath(t), "conveyorize")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatal("expected an error for an unknown command")
	}
	output := string(out)
	if !strings.Contains(output, "unknown command") && !strings.Contains(output, "Usage") {
		t.Errorf("expected an unknown-command error or usage, got: %s", output)
	}
}

func TestCLI_StartRequiresTicket(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "start")
	if err == nil {
		t.Fatalf("expected start without --ticket to fail, got: %s", out)
	}
	if !strings.Contains(out, "--ticket is required") {
		t.Errorf("expected '--ticket is required', got: %s", out)
	}
}
