package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const tabCount = 3

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.activeTab == 2 && !m.scanning {
				m.scanning = true
				return m, tea.Batch(refreshCmd(m.cfg), scanCmd(m.cfg))
			}
			return m, refreshCmd(m.cfg)
		case "j", "down":
			if m.activeTab == 1 && m.runScroll < len(m.runs)-1 {
				m.runScroll++
			}
		case "k", "up":
			if m.activeTab == 1 && m.runScroll > 0 {
				m.runScroll--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.runScroll = 0
			if m.activeTab == 2 {
				return m, m.maybeScan()
			}
		case "d":
			m.activeTab = 0
		case "l":
			// Runs tab ("list")
			m.activeTab = 1
			m.runScroll = 0
		case "h":
			m.activeTab = 2
			return m, m.maybeScan()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.cfg), tickCmd())

	case RefreshMsg:
		if msg.Err != nil {
			m.loadErr = msg.Err
			return m, nil
		}
		m.loadErr = nil
		m.runs = msg.Runs
		m.leases = msg.Leases
		m.lastRefresh = time.Now()
		if m.runScroll >= len(m.runs) && m.runScroll > 0 {
			m.runScroll = len(m.runs) - 1
		}
		return m, nil

	case ScanMsg:
		m.scanning = false
		if msg.Err != nil {
			m.loadErr = msg.Err
			return m, nil
		}
		m.reports = msg.Reports
		return m, nil
	}

	return m, nil
}

// maybeScan starts a health scan the first time the tab opens. Repeat
// scans are explicit, the platform lookups are not free.
func (m *Model) maybeScan() tea.Cmd {
	if m.reports == nil && !m.scanning && m.cfg.Health != nil {
		m.scanning = true
		return scanCmd(m.cfg)
	}
	return nil
}
