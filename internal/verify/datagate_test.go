package verify

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

type fakeJournal struct {
	count int64
	err   error
	runID string
}

func (f *fakeJournal) CountJournal(runID string) (int64, error) {
	f.runID = runID
	return f.count, f.err
}

func TestDataGateCountMismatch(t *testing.T) {
	journal := &fakeJournal{count: 7}
	gate := NewDataGate(journal)

	result, err := gate.Verify("run-1", 0, nil)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Passed || result.Category != domain.CategoryDataIntegrity {
		t.Errorf("expected data_integrity_mismatch, got %+v", result)
	}
	if journal.runID != "run-1" {
		t.Errorf("expected count for run-1, got %q", journal.runID)
	}
	if len(result.Evidence) == 0 || result.Evidence[0] != "journal_count=7" {
		t.Errorf("expected journal count in evidence, got %v", result.Evidence)
	}
	if !strings.Contains(result.Detail, "7 entries") {
		t.Errorf("expected count in detail, got %q", result.Detail)
	}
}

func TestDataGateEmptyRenderWithSignatures(t *testing.T) {
	gate := NewDataGate(&fakeJournal{count: 0})
	logTail := []string{
		"time=2026-08-24T10:00:00Z level=INFO msg=\"phase started\"",
		"review render: database is locked",
	}

	result, err := gate.Verify("run-2", 0, logTail)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Passed || result.Category != domain.CategoryDataIntegrity {
		t.Errorf("expected data_integrity_mismatch, got %+v", result)
	}
	found := false
	for _, e := range result.Evidence {
		if strings.Contains(e, "database is locked") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected matched signature in evidence, got %v", result.Evidence)
	}
}

func TestDataGateQuietRunPasses(t *testing.T) {
	gate := NewDataGate(&fakeJournal{count: 0})
	logTail := []string{"time=2026-08-24T10:00:00Z level=INFO msg=\"phase started\""}

	result, err := gate.Verify("run-3", 0, logTail)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected pass for an empty journal and a clean log, got %+v", result)
	}
}

func TestDataGateRenderedRecordsPass(t *testing.T) {
	gate := NewDataGate(&fakeJournal{count: 5})

	result, err := gate.Verify("run-4", 5, []string{"level=ERROR something unrelated"})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected pass when the render shows records, got %+v", result)
	}
}

func TestDataGateCountError(t *testing.T) {
	gate := NewDataGate(&fakeJournal{err: errors.New("database is closed")})

	if _, err := gate.Verify("run-5", 0, nil); err == nil {
		t.Fatal("expected an error when the journal cannot be read")
	}
}

func TestMatchSignatures(t *testing.T) {
	lines := []string{
		"level=ERROR msg=\"render failed\"",
		"sqlite: no such table: journal",
		"another level=ERROR line",
	}

	matched := MatchSignatures(lines, ErrorSignatures)
	want := []string{"no such table", "level=ERROR"}
	if !reflect.DeepEqual(matched, want) {
		t.Errorf("expected %v, got %v", want, matched)
	}
}
