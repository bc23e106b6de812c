package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/conveyor/internal/notify"
)

// Monitor rescans run health on a cron schedule and notifies operators
// about runs that newly turned stuck or failed. It remembers the label
// each run carried last scan, so a run that stays stuck for hours pages
// once, not every ten minutes.
type Monitor struct {
	classifier *Classifier
	notifier   notify.Notifier
	sched      cron.Schedule
	log        *slog.Logger

	lastScan time.Time

	mu   sync.Mutex
	seen map[string]Label
}

// NewMonitor creates a monitor gated by a cron schedule.
func NewMonitor(classifier *Classifier, notifier notify.Notifier, sched cron.Schedule, log *slog.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		classifier: classifier,
		notifier:   notifier,
		sched:      sched,
		log:        log.With("component", "health-monitor"),
		seen:       make(map[string]Label),
	}
}

// ScanOnce runs one classification pass and notifies for every run
// whose label changed into stuck or failed since the previous pass.
func (m *Monitor) ScanOnce(ctx context.Context) ([]Report, error) {
	reports, err := m.classifier.Scan(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.seen
	next := make(map[string]Label, len(reports))
	for _, rep := range reports {
		next[rep.RunID] = rep.Label
	}
	m.seen = next
	m.mu.Unlock()

	for _, rep := range reports {
		if prev[rep.RunID] == rep.Label {
			continue
		}
		switch rep.Label {
		case LabelStuck:
			m.send(notify.Notification{
				Title:   fmt.Sprintf("Run %s is stuck", rep.RunID),
				Message: rep.Detail,
				Type:    notify.NotifyWarning,
				RunID:   rep.RunID,
			})
		case LabelFailed:
			m.send(notify.Notification{
				Title:   fmt.Sprintf("Run %s failed", rep.RunID),
				Message: rep.Detail,
				Type:    notify.NotifyError,
				RunID:   rep.RunID,
			})
		}
	}
	return reports, nil
}

func (m *Monitor) send(n notify.Notification) {
	if err := m.notifier.Send(n); err != nil {
		m.log.Warn("notification failed", "title", n.Title, "error", err)
	}
}

// Run scans on the configured schedule until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	m.lastScan = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().Before(m.sched.Next(m.lastScan)) {
				continue
			}
			m.lastScan = time.Now()
			if _, err := m.ScanOnce(ctx); err != nil {
				m.log.Error("health scan failed", "error", err)
			}
		}
	}
}
