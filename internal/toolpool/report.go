package toolpool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TestReport is the structured self-report a delegated test command must
// emit on stdout.
type TestReport struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Success bool `json:"success"`
}

// reportProbe distinguishes a real report from arbitrary JSON: the counting
// fields must actually be present, not merely default to zero.
type reportProbe struct {
	Total   *int  `json:"total"`
	Passed  *int  `json:"passed"`
	Failed  *int  `json:"failed"`
	Skipped *int  `json:"skipped"`
	Success *bool `json:"success"`
}

func (p *reportProbe) complete() bool {
	return p.Total != nil && p.Passed != nil && p.Failed != nil
}

func (p *reportProbe) toReport() *TestReport {
	r := &TestReport{
		Total:  *p.Total,
		Passed: *p.Passed,
		Failed: *p.Failed,
	}
	if p.Skipped != nil {
		r.Skipped = *p.Skipped
	}
	if p.Success != nil {
		r.Success = *p.Success
	} else {
		r.Success = r.Failed == 0
	}
	return r
}

// ParseTestReport extracts the test report from command output. The report
// may occupy the whole output or share it with log noise; the last line that
// parses as a report wins.
func ParseTestReport(output string) (*TestReport, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("empty output, no test report")
	}

	// Whole output as one (possibly pretty-printed) JSON document.
	var probe reportProbe
	if err := json.Unmarshal([]byte(trimmed), &probe); err == nil && probe.complete() {
		return probe.toReport(), nil
	}

	// Otherwise scan lines from the end; tools often log before reporting.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe reportProbe
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if probe.complete() {
			return probe.toReport(), nil
		}
	}

	return nil, fmt.Errorf("no test report found in output")
}
