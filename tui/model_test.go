package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
)

type fakeRuns struct {
	runs []*domain.Run
	err  error
}

func (f *fakeRuns) List() ([]*domain.Run, error) { return f.runs, f.err }

type fakeLeases struct {
	capacity int
	leases   []*domain.Lease
}

func (f *fakeLeases) Capacity() int { return f.capacity }

func (f *fakeLeases) Active() ([]*domain.Lease, error) { return f.leases, nil }

type fakeHealth struct {
	reports []health.Report
	err     error
}

func (f *fakeHealth) Scan(ctx context.Context) ([]health.Report, error) {
	return f.reports, f.err
}

func testRun(id string, status domain.RunStatus) *domain.Run {
	return &domain.Run{
		ID:        id,
		TicketRef: "41",
		ChainName: "feature",
		Status:    status,
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now(),
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(Config{Leases: &fakeLeases{capacity: 100}})

	if model.capacity != 100 {
		t.Errorf("capacity = %d, want 100", model.capacity)
	}

	if model.activeTab != 0 {
		t.Errorf("activeTab = %d, want 0", model.activeTab)
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(Config{})
	model.width = 100
	model.height = 40

	if model.activeTab != 0 {
		t.Fatalf("initial activeTab = %d, want 0", model.activeTab)
	}

	// Press tab to move to Runs (1)
	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != 1 {
		t.Errorf("after first tab: activeTab = %d, want 1", model.activeTab)
	}

	// Press tab again to move to Health (2)
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != 2 {
		t.Errorf("after second tab: activeTab = %d, want 2", model.activeTab)
	}

	// Should wrap back to 0
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	if model.activeTab != 0 {
		t.Errorf("after wrap: activeTab = %d, want 0", model.activeTab)
	}
}

func TestModel_ShortcutKeys(t *testing.T) {
	model := NewModel(Config{})
	model.width = 100
	model.height = 40

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("l")})
	model = newModel.(Model)

	if model.activeTab != 1 {
		t.Errorf("'l' should switch to Runs tab (1), got %d", model.activeTab)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	model = newModel.(Model)

	if model.activeTab != 0 {
		t.Errorf("'d' should switch to Dashboard (0), got %d", model.activeTab)
	}
}

func TestModel_HealthTabTriggersScan(t *testing.T) {
	model := NewModel(Config{Health: &fakeHealth{}})
	model.width = 100
	model.height = 40

	newModel, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	model = newModel.(Model)

	if model.activeTab != 2 {
		t.Errorf("'h' should switch to Health tab (2), got %d", model.activeTab)
	}
	if !model.scanning {
		t.Error("first visit to Health tab should start a scan")
	}
	if cmd == nil {
		t.Error("first visit to Health tab should return a scan command")
	}

	// Once reports are in, switching back does not rescan.
	newModel, _ = model.Update(ScanMsg{Reports: []health.Report{}})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	model = newModel.(Model)
	newModel, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	model = newModel.(Model)

	if model.scanning {
		t.Error("revisiting Health tab should not rescan automatically")
	}
	if cmd != nil {
		t.Error("revisiting Health tab should not return a scan command")
	}
}

func TestModel_ScrollNavigation(t *testing.T) {
	runs := []*domain.Run{
		testRun("run001", domain.RunRunning),
		testRun("run002", domain.RunPending),
		testRun("run003", domain.RunFailed),
	}
	model := NewModel(Config{})
	model.width = 100
	model.height = 40
	model.activeTab = 1
	model.runs = runs

	// Scroll down
	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	model = newModel.(Model)

	if model.runScroll != 1 {
		t.Errorf("after j: runScroll = %d, want 1", model.runScroll)
	}

	// Scroll up
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	model = newModel.(Model)

	if model.runScroll != 0 {
		t.Errorf("after k: runScroll = %d, want 0", model.runScroll)
	}

	// Never below zero
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	model = newModel.(Model)

	if model.runScroll != 0 {
		t.Errorf("runScroll went below 0: %d", model.runScroll)
	}

	// Never past the last run
	for i := 0; i < 10; i++ {
		newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
		model = newModel.(Model)
	}
	if model.runScroll != 2 {
		t.Errorf("runScroll = %d, want 2 (last run)", model.runScroll)
	}
}

func TestModel_QuitCommands(t *testing.T) {
	model := NewModel(Config{})
	model.width = 100
	model.height = 40

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("'q' should return a quit command")
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Error("ctrl+c should return a quit command")
	}
}

func TestModel_WindowResize(t *testing.T) {
	model := NewModel(Config{})

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	if model.width != 120 {
		t.Errorf("width = %d, want 120", model.width)
	}
	if model.height != 40 {
		t.Errorf("height = %d, want 40", model.height)
	}
}

func TestModel_TickMsg(t *testing.T) {
	model := NewModel(Config{Runs: &fakeRuns{}})
	model.width = 100
	model.height = 40

	// TickMsg should return a batch with refresh and the next tick
	_, cmd := model.Update(TickMsg(time.Now()))

	if cmd == nil {
		t.Error("TickMsg should return a command")
	}
}

func TestModel_RefreshMsg(t *testing.T) {
	model := NewModel(Config{})
	model.width = 100
	model.height = 40

	runs := []*domain.Run{
		testRun("run001", domain.RunRunning),
		testRun("run002", domain.RunFailed),
	}
	leases := []*domain.Lease{{SlotIndex: 0, OwnerRunID: "run001"}}

	newModel, _ := model.Update(RefreshMsg{Runs: runs, Leases: leases})
	model = newModel.(Model)

	if len(model.runs) != 2 {
		t.Errorf("runs count = %d, want 2", len(model.runs))
	}
	if len(model.leases) != 1 {
		t.Errorf("leases count = %d, want 1", len(model.leases))
	}
	if model.runningCount() != 1 {
		t.Errorf("runningCount = %d, want 1", model.runningCount())
	}
	if len(model.attention()) != 1 {
		t.Errorf("attention count = %d, want 1", len(model.attention()))
	}
}

func TestModel_RefreshMsgError(t *testing.T) {
	model := NewModel(Config{})
	model.runs = []*domain.Run{testRun("run001", domain.RunRunning)}

	newModel, _ := model.Update(RefreshMsg{Err: errors.New("state dir unreadable")})
	model = newModel.(Model)

	if model.loadErr == nil {
		t.Error("loadErr should be set after a failed refresh")
	}
	// Stale data stays visible rather than flashing empty.
	if len(model.runs) != 1 {
		t.Errorf("runs count = %d, want 1 (kept)", len(model.runs))
	}
}

func TestModel_ScanMsg(t *testing.T) {
	model := NewModel(Config{})
	model.scanning = true

	reports := []health.Report{
		{RunID: "run001", Label: health.LabelHealthy},
		{RunID: "run002", Label: health.LabelStuck, Detail: "phase build running for 4h"},
	}

	newModel, _ := model.Update(ScanMsg{Reports: reports})
	model = newModel.(Model)

	if model.scanning {
		t.Error("scanning should be false after ScanMsg")
	}
	if len(model.reports) != 2 {
		t.Errorf("reports count = %d, want 2", len(model.reports))
	}
}

func TestModel_ViewRenders(t *testing.T) {
	model := NewModel(Config{Leases: &fakeLeases{capacity: 10}})
	model.width = 100
	model.height = 40
	model.runs = []*domain.Run{
		testRun("run001", domain.RunRunning),
		testRun("run002", domain.RunBlocked),
	}
	model.runs[0].CurrentPhase = "build"
	started := time.Now().Add(-10 * time.Minute)
	model.runs[0].PhaseStartedAt = &started
	model.runs[1].FailureKind = domain.CategoryPhantomMerge
	model.leases = []*domain.Lease{
		{SlotIndex: 0, OwnerRunID: "run001", PortA: 43000, PortB: 44000,
			AcquiredAt: time.Now().Add(-time.Hour), HeartbeatAt: time.Now()},
	}

	for tab := 0; tab < tabCount; tab++ {
		model.activeTab = tab
		out := model.View()
		if out == "" {
			t.Errorf("tab %d: empty view", tab)
		}
	}

	model.activeTab = 0
	out := model.View()
	if !strings.Contains(out, "run001") {
		t.Error("dashboard should list the running run")
	}
	if !strings.Contains(out, "NEEDS ATTENTION") {
		t.Error("dashboard should show the attention section for a blocked run")
	}
}

func TestModel_ViewBeforeResize(t *testing.T) {
	model := NewModel(Config{})

	if model.View() != "Loading..." {
		t.Errorf("zero-width view = %q, want Loading...", model.View())
	}
}
