package verify

import (
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/toolpool"
)

func intPtr(v int) *int {
	return &v
}

func TestVerifyToolRunTimeout(t *testing.T) {
	res := &toolpool.Result{
		TimedOut: true,
		Stdout:   "partial output\n",
		Duration: 90 * time.Second,
	}

	verdict, report := VerifyToolRun(res)
	if verdict.Passed {
		t.Error("expected gate to fail on timeout")
	}
	if verdict.Category != domain.CategoryToolTimeout {
		t.Errorf("expected category %s, got %s", domain.CategoryToolTimeout, verdict.Category)
	}
	if report != nil {
		t.Error("expected no report for a timed out tool")
	}
	if !strings.Contains(verdict.Detail, "1m30s") {
		t.Errorf("expected duration in detail, got %q", verdict.Detail)
	}
}

func TestVerifyToolRunKilled(t *testing.T) {
	res := &toolpool.Result{
		ExitCode: nil,
		Stderr:   "runner disconnected during job\n",
	}

	verdict, report := VerifyToolRun(res)
	if verdict.Passed {
		t.Error("expected gate to fail when the tool never exited")
	}
	if verdict.Category != domain.CategoryToolCrash {
		t.Errorf("expected category %s, got %s", domain.CategoryToolCrash, verdict.Category)
	}
	if report != nil {
		t.Error("expected no report for a killed tool")
	}
}

func TestVerifyToolRunHighExitCode(t *testing.T) {
	// A valid report on stdout does not rescue a process that exited
	// above 1. The report could describe a different, earlier attempt.
	res := &toolpool.Result{
		ExitCode: intPtr(2),
		Stdout:   `{"total": 10, "passed": 10, "failed": 0}` + "\n",
	}

	verdict, report := VerifyToolRun(res)
	if verdict.Passed {
		t.Error("expected gate to fail on exit code 2")
	}
	if verdict.Category != domain.CategoryToolCrash {
		t.Errorf("expected category %s, got %s", domain.CategoryToolCrash, verdict.Category)
	}
	if report != nil {
		t.Error("expected no report when the exit code marks a crash")
	}
	if !strings.Contains(verdict.Detail, "code 2") {
		t.Errorf("expected exit code in detail, got %q", verdict.Detail)
	}
}

func TestVerifyToolRunUnparsableOutput(t *testing.T) {
	for _, exitCode := range []int{0, 1} {
		res := &toolpool.Result{
			ExitCode: intPtr(exitCode),
			Stdout:   "panic: runtime error\ngoroutine 1 [running]:\n",
		}

		verdict, report := VerifyToolRun(res)
		if verdict.Passed {
			t.Errorf("exit %d: expected gate to fail on unparsable output", exitCode)
		}
		if verdict.Category != domain.CategoryMalformedOutput {
			t.Errorf("exit %d: expected category %s, got %s", exitCode, domain.CategoryMalformedOutput, verdict.Category)
		}
		if report != nil {
			t.Errorf("exit %d: expected no report", exitCode)
		}
	}
}

func TestVerifyToolRunParsableFailureReport(t *testing.T) {
	// Exit 1 with a parsable report is a legitimate test failure, not an
	// infrastructure fault. The gate passes and the caller applies the
	// failure count.
	res := &toolpool.Result{
		ExitCode: intPtr(1),
		Stdout:   "running 12 tests\n" + `{"total": 12, "passed": 10, "failed": 2, "skipped": 0}` + "\n",
	}

	verdict, report := VerifyToolRun(res)
	if !verdict.Passed {
		t.Fatalf("expected gate to pass, got category %s: %s", verdict.Category, verdict.Detail)
	}
	if report == nil {
		t.Fatal("expected a parsed report")
	}
	if report.Failed != 2 {
		t.Errorf("expected 2 failures in report, got %d", report.Failed)
	}
	if report.Success {
		t.Error("expected report success to be false")
	}
}

func TestVerifyToolRunCleanReport(t *testing.T) {
	res := &toolpool.Result{
		ExitCode: intPtr(0),
		Stdout:   `{"total": 8, "passed": 8, "failed": 0, "skipped": 0}` + "\n",
	}

	verdict, report := VerifyToolRun(res)
	if !verdict.Passed {
		t.Fatalf("expected gate to pass, got %s", verdict.Detail)
	}
	if report == nil || report.Passed != 8 {
		t.Fatalf("expected parsed report with 8 passed, got %+v", report)
	}
	if len(verdict.Evidence) == 0 || !strings.Contains(verdict.Evidence[0], "total=8") {
		t.Errorf("expected report counts in evidence, got %v", verdict.Evidence)
	}
}

func TestVerifyToolRunNilResult(t *testing.T) {
	verdict, report := VerifyToolRun(nil)
	if verdict.Passed || verdict.Category != domain.CategoryToolCrash {
		t.Errorf("expected tool_crash for nil result, got %+v", verdict)
	}
	if report != nil {
		t.Error("expected no report for nil result")
	}
}

func TestOutputTailBounded(t *testing.T) {
	res := &toolpool.Result{
		ExitCode: intPtr(3),
		Stdout:   "one\ntwo\nthree\nfour\nfive\nsix\nseven\n",
	}

	verdict, _ := VerifyToolRun(res)
	if len(verdict.Evidence) != evidenceTailLines {
		t.Fatalf("expected %d evidence lines, got %d", evidenceTailLines, len(verdict.Evidence))
	}
	if verdict.Evidence[0] != "three" || verdict.Evidence[4] != "seven" {
		t.Errorf("expected last lines of output, got %v", verdict.Evidence)
	}
}
