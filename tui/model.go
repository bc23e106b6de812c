package tui

import (
	"context"
	"sort"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
	tea "github.com/charmbracelet/bubbletea"
)

// RunSource lists live runs. Satisfied by *runstate.Store.
type RunSource interface {
	List() ([]*domain.Run, error)
}

// LeaseSource exposes pool occupancy. Satisfied by *leasepool.Pool.
type LeaseSource interface {
	Capacity() int
	Active() ([]*domain.Lease, error)
}

// HealthSource classifies live runs. Satisfied by *health.Classifier.
// Scans query the platform, so they run on demand, not on the tick.
type HealthSource interface {
	Scan(ctx context.Context) ([]health.Report, error)
}

// Config holds the data sources for the TUI model
type Config struct {
	Runs   RunSource
	Leases LeaseSource
	Health HealthSource
}

// Model is the TUI application model
type Model struct {
	cfg Config

	// Data
	runs     []*domain.Run
	leases   []*domain.Lease
	capacity int
	reports  []health.Report
	loadErr  error

	// UI state
	width     int
	height    int
	activeTab int
	runScroll int
	scanning  bool

	// Refresh
	lastRefresh time.Time
}

// NewModel creates a new TUI model
func NewModel(cfg Config) Model {
	m := Model{cfg: cfg, activeTab: 0}
	if cfg.Leases != nil {
		m.capacity = cfg.Leases.Capacity()
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.cfg),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RefreshMsg carries reloaded runs and leases
type RefreshMsg struct {
	Runs   []*domain.Run
	Leases []*domain.Lease
	Err    error
}

func refreshCmd(cfg Config) tea.Cmd {
	return func() tea.Msg {
		var msg RefreshMsg
		if cfg.Runs != nil {
			msg.Runs, msg.Err = cfg.Runs.List()
			sort.Slice(msg.Runs, func(i, j int) bool {
				return msg.Runs[i].CreatedAt.Before(msg.Runs[j].CreatedAt)
			})
		}
		if cfg.Leases != nil {
			leases, err := cfg.Leases.Active()
			if err == nil {
				msg.Leases = leases
			} else if msg.Err == nil {
				msg.Err = err
			}
		}
		return msg
	}
}

// ScanMsg carries health reports
type ScanMsg struct {
	Reports []health.Report
	Err     error
}

func scanCmd(cfg Config) tea.Cmd {
	return func() tea.Msg {
		if cfg.Health == nil {
			return ScanMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		reports, err := cfg.Health.Scan(ctx)
		return ScanMsg{Reports: reports, Err: err}
	}
}

// runningCount returns how many runs are currently executing a phase.
func (m Model) runningCount() int {
	n := 0
	for _, r := range m.runs {
		if r.Status == domain.RunRunning {
			n++
		}
	}
	return n
}

// attention returns failed and blocked runs, the ones an operator has
// to act on.
func (m Model) attention() []*domain.Run {
	var out []*domain.Run
	for _, r := range m.runs {
		if r.Status == domain.RunFailed || r.Status == domain.RunBlocked {
			out = append(out, r)
		}
	}
	return out
}
