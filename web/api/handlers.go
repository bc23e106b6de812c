package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
)

// RunResponse is the API shape of a run. Listing omits the phase
// history; fetching one run includes it.
type RunResponse struct {
	ID             string               `json:"run_id"`
	TicketRef      string               `json:"ticket_ref"`
	ChainName      string               `json:"chain_name"`
	Classification string               `json:"classification"`
	Status         string               `json:"status"`
	CurrentPhase   string               `json:"current_phase,omitempty"`
	PhaseStartedAt *string              `json:"phase_started_at,omitempty"`
	BranchRef      string               `json:"branch_ref,omitempty"`
	Artifacts      map[string]string    `json:"artifacts,omitempty"`
	FailureKind    string               `json:"failure_kind,omitempty"`
	NextSteps      []string             `json:"next_steps,omitempty"`
	SlotIndex      *int                 `json:"slot_index,omitempty"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at"`
	History        []PhaseRecordResponse `json:"phase_history,omitempty"`
}

// PhaseRecordResponse is one phase attempt in a run's history.
type PhaseRecordResponse struct {
	Phase     string `json:"phase"`
	Outcome   string `json:"outcome"`
	Category  string `json:"category,omitempty"`
	Detail    string `json:"detail,omitempty"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	Duration  string `json:"duration"`
}

// LeaseResponse is the API shape of an active lease.
type LeaseResponse struct {
	SlotIndex     int    `json:"slot_index"`
	RunID         string `json:"run_id"`
	WorkspacePath string `json:"workspace_path"`
	PortA         int    `json:"port_a"`
	PortB         int    `json:"port_b"`
	AcquiredAt    string `json:"acquired_at"`
	HeartbeatAt   string `json:"heartbeat_at"`
	StaleFor      string `json:"stale_for"`
}

// StatusResponse summarizes the engine.
type StatusResponse struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Leases    int `json:"active_leases"`
	Capacity  int `json:"lease_capacity"`
}

// HealthResponse wraps one classification pass.
type HealthResponse struct {
	AllHealthy bool            `json:"all_healthy"`
	Reports    []health.Report `json:"reports"`
}

func runToResponse(run *domain.Run, includeHistory bool) RunResponse {
	resp := RunResponse{
		ID:             run.ID,
		TicketRef:      run.TicketRef,
		ChainName:      run.ChainName,
		Classification: string(run.Classification),
		Status:         string(run.Status),
		CurrentPhase:   run.CurrentPhase,
		BranchRef:      run.BranchRef,
		Artifacts:      run.Artifacts,
		FailureKind:    run.FailureKind,
		NextSteps:      run.NextSteps,
		CreatedAt:      run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      run.UpdatedAt.Format(time.RFC3339),
	}
	if run.PhaseStartedAt != nil {
		t := run.PhaseStartedAt.Format(time.RFC3339)
		resp.PhaseStartedAt = &t
	}
	if run.Lease != nil {
		slot := run.Lease.SlotIndex
		resp.SlotIndex = &slot
	}
	if includeHistory {
		resp.History = make([]PhaseRecordResponse, len(run.PhaseHistory))
		for i, rec := range run.PhaseHistory {
			resp.History[i] = PhaseRecordResponse{
				Phase:     rec.Phase,
				Outcome:   string(rec.Outcome),
				Category:  rec.Category,
				Detail:    rec.Detail,
				StartedAt: rec.StartedAt.Format(time.RFC3339),
				EndedAt:   rec.EndedAt.Format(time.RFC3339),
				Duration:  rec.EndedAt.Sub(rec.StartedAt).Round(time.Second).String(),
			}
		}
	}
	return resp
}

func leaseToResponse(lease *domain.Lease) LeaseResponse {
	return LeaseResponse{
		SlotIndex:     lease.SlotIndex,
		RunID:         lease.OwnerRunID,
		WorkspacePath: lease.WorkspacePath,
		PortA:         lease.PortA,
		PortB:         lease.PortB,
		AcquiredAt:    lease.AcquiredAt.Format(time.RFC3339),
		HeartbeatAt:   lease.HeartbeatAt.Format(time.RFC3339),
		StaleFor:      lease.StaleFor(time.Now()).Round(time.Second).String(),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.states.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(runs)
		for _, run := range runs {
			switch run.Status {
			case domain.RunPending:
				status.Pending++
			case domain.RunRunning:
				status.Running++
			case domain.RunSucceeded:
				status.Succeeded++
			case domain.RunFailed:
				status.Failed++
			case domain.RunBlocked:
				status.Blocked++
			}
		}

		if s.leases != nil {
			status.Capacity = s.leases.Capacity()
			if active, err := s.leases.Active(); err == nil {
				status.Leases = len(active)
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.states.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		// Newest first.
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		})

		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run, false)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if runID == "" || strings.Contains(runID, "/") {
			writeError(w, http.StatusBadRequest, "run id required")
			return
		}

		run, err := s.states.Load(runID)
		if err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, runToResponse(run, true))
	}
}

func (s *Server) listLeasesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.leases == nil {
			writeJSON(w, []LeaseResponse{})
			return
		}
		active, err := s.leases.Active()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]LeaseResponse, len(active))
		for i, lease := range active {
			responses[i] = leaseToResponse(lease)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.health == nil {
			writeError(w, http.StatusServiceUnavailable, "health scanner not available")
			return
		}
		reports, err := s.health.Scan(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if reports == nil {
			reports = []health.Report{}
		}
		writeJSON(w, HealthResponse{AllHealthy: health.AllHealthy(reports), Reports: reports})
	}
}

// RunsChanged broadcasts fresh state for changed runs. It is wired as
// the state watcher's callback.
func (s *Server) RunsChanged(runIDs []string) {
	for _, id := range runIDs {
		run, err := s.states.Load(id)
		if err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				s.Broadcast(SSEEvent{Type: "run_removed", Data: map[string]string{"run_id": id}})
			} else {
				s.log.Warn("loading changed run", "run", id, "error", err)
			}
			continue
		}
		s.Broadcast(SSEEvent{Type: "run_update", Data: runToResponse(run, false)})
	}
}
