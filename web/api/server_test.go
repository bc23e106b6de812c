package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

type fakeLeases struct {
	capacity int
	active   []*domain.Lease
}

func (f *fakeLeases) Capacity() int { return f.capacity }

func (f *fakeLeases) Active() ([]*domain.Lease, error) { return f.active, nil }

type fakeScanner struct {
	reports []health.Report
	err     error
}

func (f *fakeScanner) Scan(ctx context.Context) ([]health.Report, error) {
	return f.reports, f.err
}

func seedStore(t *testing.T, runs ...*domain.Run) *runstate.Store {
	t.Helper()
	store := runstate.NewStore(t.TempDir())
	for _, run := range runs {
		if err := store.Save(run); err != nil {
			t.Fatalf("Save(%s) failed: %v", run.ID, err)
		}
	}
	return store
}

func TestStatusHandler(t *testing.T) {
	running := domain.NewRun("41", "feature", domain.ClassFeature)
	running.Status = domain.RunRunning
	failed := domain.NewRun("42", "bug", domain.ClassBug)
	failed.Status = domain.RunFailed
	pending := domain.NewRun("43", "chore", domain.ClassChore)

	store := seedStore(t, running, failed, pending)
	leases := &fakeLeases{capacity: 3, active: []*domain.Lease{{SlotIndex: 0, OwnerRunID: running.ID}}}

	server := NewServer(store, leases, nil, ":8080", nil)
	handler := server.statusHandler()

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Total != 3 {
		t.Errorf("Total = %d, want 3", status.Total)
	}
	if status.Running != 1 {
		t.Errorf("Running = %d, want 1", status.Running)
	}
	if status.Failed != 1 {
		t.Errorf("Failed = %d, want 1", status.Failed)
	}
	if status.Pending != 1 {
		t.Errorf("Pending = %d, want 1", status.Pending)
	}
	if status.Leases != 1 {
		t.Errorf("Leases = %d, want 1", status.Leases)
	}
	if status.Capacity != 3 {
		t.Errorf("Capacity = %d, want 3", status.Capacity)
	}
}

func TestListRunsHandler(t *testing.T) {
	first := domain.NewRun("41", "feature", domain.ClassFeature)
	second := domain.NewRun("42", "bug", domain.ClassBug)
	second.CreatedAt = second.CreatedAt.Add(1) // strictly newer

	store := seedStore(t, first, second)
	server := NewServer(store, nil, nil, ":8080", nil)
	handler := server.listRunsHandler()

	req := httptest.NewRequest("GET", "/api/runs", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)

	if len(runs) != 2 {
		t.Fatalf("Run count = %d, want 2", len(runs))
	}
	// Newest first.
	if runs[0].ID != second.ID {
		t.Errorf("First run = %s, want %s", runs[0].ID, second.ID)
	}
	if len(runs[0].History) != 0 {
		t.Error("Listing should omit phase history")
	}
}

func TestGetRunHandler(t *testing.T) {
	run := domain.NewRun("41", "feature", domain.ClassFeature)
	run.Artifacts["merge_request"] = "7"

	store := seedStore(t, run)
	server := NewServer(store, nil, nil, ":8080", nil)
	handler := server.getRunHandler()

	req := httptest.NewRequest("GET", "/api/runs/"+run.ID, nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if resp.ID != run.ID {
		t.Errorf("ID = %s, want %s", resp.ID, run.ID)
	}
	if resp.Artifacts["merge_request"] != "7" {
		t.Errorf("Artifacts[merge_request] = %q, want 7", resp.Artifacts["merge_request"])
	}
}

func TestGetRunHandler_NotFound(t *testing.T) {
	store := seedStore(t)
	server := NewServer(store, nil, nil, ":8080", nil)
	handler := server.getRunHandler()

	req := httptest.NewRequest("GET", "/api/runs/nosuchrun", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestListLeasesHandler(t *testing.T) {
	store := seedStore(t)
	leases := &fakeLeases{
		capacity: 3,
		active: []*domain.Lease{
			{SlotIndex: 1, OwnerRunID: "run001", WorkspacePath: "/work/slot-1", PortA: 43001, PortB: 44001},
		},
	}
	server := NewServer(store, leases, nil, ":8080", nil)
	handler := server.listLeasesHandler()

	req := httptest.NewRequest("GET", "/api/leases", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var resp []LeaseResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if len(resp) != 1 {
		t.Fatalf("Lease count = %d, want 1", len(resp))
	}
	if resp[0].RunID != "run001" {
		t.Errorf("RunID = %s, want run001", resp[0].RunID)
	}
	if resp[0].PortA != 43001 {
		t.Errorf("PortA = %d, want 43001", resp[0].PortA)
	}
}

func TestHealthHandler(t *testing.T) {
	store := seedStore(t)
	scanner := &fakeScanner{reports: []health.Report{
		{RunID: "run001", Label: health.LabelHealthy},
		{RunID: "run002", Label: health.LabelStuck, Detail: "phase build has been running for 3h"},
	}}
	server := NewServer(store, nil, scanner, ":8080", nil)
	handler := server.healthHandler()

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var resp HealthResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if resp.AllHealthy {
		t.Error("AllHealthy = true, want false with a stuck run")
	}
	if len(resp.Reports) != 2 {
		t.Errorf("Report count = %d, want 2", len(resp.Reports))
	}
}

func TestHealthHandler_NoScanner(t *testing.T) {
	store := seedStore(t)
	server := NewServer(store, nil, nil, ":8080", nil)
	handler := server.healthHandler()

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
}

func TestHealthHandler_ScanError(t *testing.T) {
	store := seedStore(t)
	scanner := &fakeScanner{err: errors.New("platform unreachable")}
	server := NewServer(store, nil, scanner, ":8080", nil)
	handler := server.healthHandler()

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	store := seedStore(t)
	server := NewServer(store, nil, nil, ":8080", nil)
	handler := server.listRunsHandler()

	req := httptest.NewRequest("POST", "/api/runs", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", w.Code)
	}
}
