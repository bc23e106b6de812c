// Package verify holds the quality gates a phase outcome must clear
// before the executor records it as success. Each gate distrusts one
// convenient-looking signal: a tool's self-report, a platform's merged
// flag, or a clean-looking render, and cross-checks it against ground
// truth it can observe itself.
package verify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/toolpool"
)

// evidenceTailLines bounds how much tool output a gate carries as evidence.
const evidenceTailLines = 5

// VerifyToolRun applies the delegated-tool gate to a dispatcher result.
// The tool's self-report is only trusted when the process finished in an
// interpretable way: a timeout, a kill, or an exit code above 1 fails the
// gate before the report is parsed, and exit codes 0 and 1 with an
// unparsable report fail it as malformed output. The parsed report is
// returned alongside the verdict so the phase can apply its own failure
// count on top.
func VerifyToolRun(res *toolpool.Result) (domain.VerificationResult, *toolpool.TestReport) {
	if res == nil {
		return domain.Fail(domain.CategoryToolCrash, "delegated tool produced no result"), nil
	}
	if res.TimedOut {
		detail := fmt.Sprintf("delegated tool timed out after %s", res.Duration.Round(time.Millisecond))
		return domain.Fail(domain.CategoryToolTimeout, detail, outputTail(res)...), nil
	}
	if !res.Exited() {
		return domain.Fail(domain.CategoryToolCrash,
			"delegated tool was killed before reporting an exit code", outputTail(res)...), nil
	}
	if code := *res.ExitCode; code > 1 {
		detail := fmt.Sprintf("delegated tool exited with code %d", code)
		return domain.Fail(domain.CategoryToolCrash, detail, outputTail(res)...), nil
	}
	report, err := toolpool.ParseTestReport(res.Output())
	if err != nil {
		detail := fmt.Sprintf("delegated tool exited with code %d but its output is not a test report: %v", *res.ExitCode, err)
		return domain.Fail(domain.CategoryMalformedOutput, detail, outputTail(res)...), nil
	}
	evidence := fmt.Sprintf("report: total=%d passed=%d failed=%d skipped=%d",
		report.Total, report.Passed, report.Failed, report.Skipped)
	return domain.Pass(evidence), report
}

// outputTail keeps the last lines of tool output so a failed gate stays
// diagnosable from the phase record alone.
func outputTail(res *toolpool.Result) []string {
	trimmed := strings.TrimSpace(res.Output())
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > evidenceTailLines {
		lines = lines[len(lines)-evidenceTailLines:]
	}
	return lines
}
