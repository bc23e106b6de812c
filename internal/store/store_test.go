package store

import (
	"testing"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLease(slot int, owner string) *domain.Lease {
	now := time.Now().UTC()
	return &domain.Lease{
		SlotIndex:     slot,
		OwnerRunID:    owner,
		WorkspacePath: "/ws/" + owner,
		PortA:         43000 + slot,
		PortB:         44000 + slot,
		AcquiredAt:    now,
		HeartbeatAt:   now,
	}
}

func TestInsertAndGetLease(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertLease(testLease(0, "run-a")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLeaseByOwner("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("lease not found")
	}
	if got.SlotIndex != 0 || got.PortA != 43000 || got.PortB != 44000 {
		t.Errorf("lease = %+v", got)
	}
}

func TestGetLeaseByOwnerMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetLeaseByOwner("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil lease, got %+v", got)
	}
}

func TestInsertLeaseSlotConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertLease(testLease(0, "run-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertLease(testLease(0, "run-b")); err == nil {
		t.Error("second insert for slot 0 should fail the primary key")
	}
}

func TestInsertLeaseOwnerConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertLease(testLease(0, "run-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertLease(testLease(1, "run-a")); err == nil {
		t.Error("second lease for the same owner should fail the unique constraint")
	}
}

func TestDeleteLeaseByOwner(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertLease(testLease(0, "run-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteLeaseByOwner("run-a"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLeaseByOwner("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("lease should be gone")
	}

	// Releasing again is not an error.
	if err := s.DeleteLeaseByOwner("run-a"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestUsedSlots(t *testing.T) {
	s := newTestStore(t)

	s.InsertLease(testLease(0, "run-a"))
	s.InsertLease(testLease(2, "run-b"))

	used, err := s.UsedSlots()
	if err != nil {
		t.Fatal(err)
	}
	if !used[0] || !used[2] || used[1] {
		t.Errorf("used = %v, want slots 0 and 2", used)
	}
}

func TestTouchLease(t *testing.T) {
	s := newTestStore(t)

	l := testLease(0, "run-a")
	l.HeartbeatAt = time.Now().Add(-time.Hour).UTC()
	if err := s.InsertLease(l); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := s.TouchLease("run-a", now); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetLeaseByOwner("run-a")
	if got.HeartbeatAt.Before(now.Add(-time.Second)) {
		t.Errorf("heartbeat not updated: %v", got.HeartbeatAt)
	}

	if err := s.TouchLease("ghost", now); err == nil {
		t.Error("touching a missing lease should fail")
	}
}

func TestStaleLeases(t *testing.T) {
	s := newTestStore(t)

	old := testLease(0, "run-old")
	old.HeartbeatAt = time.Now().Add(-2 * time.Hour).UTC()
	fresh := testLease(1, "run-fresh")

	s.InsertLease(old)
	s.InsertLease(fresh)

	stale, err := s.StaleLeases(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].OwnerRunID != "run-old" {
		t.Errorf("stale = %+v, want only run-old", stale)
	}
}

func TestJournalAppendAndCount(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	for _, phase := range []string{"plan", "build", "test"} {
		err := s.AppendJournal(&JournalEntry{
			RunID:     "run-a",
			Phase:     phase,
			Outcome:   domain.OutcomeSuccess,
			StartedAt: now,
			EndedAt:   now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.AppendJournal(&JournalEntry{RunID: "run-b", Phase: "plan", Outcome: domain.OutcomeFailure, StartedAt: now, EndedAt: now})

	count, err := s.CountJournal("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("CountJournal(run-a) = %d, want 3", count)
	}

	entries, err := s.JournalForRun("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Phase != "plan" || entries[2].Phase != "test" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRunUsage(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	s.AppendJournal(&JournalEntry{RunID: "run-a", Phase: "plan", Outcome: domain.OutcomeSuccess, StartedAt: now, EndedAt: now, TokensInput: 100, TokensOutput: 50, CostUSD: 0.25})
	s.AppendJournal(&JournalEntry{RunID: "run-a", Phase: "build", Outcome: domain.OutcomeSuccess, StartedAt: now, EndedAt: now, TokensInput: 200, TokensOutput: 80, CostUSD: 0.50})

	in, out, cost, err := s.RunUsage("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if in != 300 || out != 130 {
		t.Errorf("usage = %d/%d, want 300/130", in, out)
	}
	if cost < 0.74 || cost > 0.76 {
		t.Errorf("cost = %f, want 0.75", cost)
	}
}

func TestArchiveRunRoundtrip(t *testing.T) {
	s := newTestStore(t)

	run := domain.NewRun("42", "feature", domain.ClassFeature)
	run.Status = domain.RunSucceeded
	now := time.Now().UTC()
	run.ArchivedAt = &now
	run.SetArtifact(domain.ArtifactMergeRequest, "17")

	if err := s.ArchiveRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetArchivedRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("archived run not found")
	}
	if got.Artifact(domain.ArtifactMergeRequest) != "17" {
		t.Errorf("artifacts lost in archive: %+v", got.Artifacts)
	}

	missing, err := s.GetArchivedRun("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown archived run")
	}
}
