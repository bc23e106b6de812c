package platform

import (
	"fmt"
	"strings"
)

// RunMarker returns the hidden tag embedded in every comment the orchestrator
// posts. Recovery scans for it to tell which phases already reported.
func RunMarker(runID, phase string) string {
	return fmt.Sprintf("<!-- conveyor:run=%s phase=%s -->", runID, phase)
}

// BuildPhaseComment wraps a phase status message with the run marker.
func BuildPhaseComment(runID, phase, body string) string {
	return RunMarker(runID, phase) + "\n" + body
}

// BuildClosureComment creates the formatted comment posted when a run's
// change has merged and its ticket is being closed.
func BuildClosureComment(runID string, mrNumber int, summary string, changedFiles []string) string {
	var sb strings.Builder

	sb.WriteString(RunMarker(runID, "cleanup"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("✅ **Implemented in merge request #%d**\n\n", mrNumber))
	sb.WriteString(fmt.Sprintf("**Summary:** %s\n\n", summary))

	if len(changedFiles) > 0 {
		sb.WriteString("**Changed files:**\n")
		for _, f := range changedFiles {
			sb.WriteString(fmt.Sprintf("- `%s`\n", f))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n")
	sb.WriteString("*Implemented by Conveyor*\n")

	return sb.String()
}

// BuildFailureComment creates the comment posted when a run gives up on a
// ticket, pointing the operator at the run for diagnosis.
func BuildFailureComment(runID, phase, detail string) string {
	var sb strings.Builder

	sb.WriteString(RunMarker(runID, phase))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("⚠️ **Run `%s` stopped at phase `%s`**\n\n", runID, phase))
	if detail != "" {
		sb.WriteString(fmt.Sprintf("```\n%s\n```\n\n", detail))
	}
	sb.WriteString(fmt.Sprintf("Inspect with `conveyor show %s`.\n", runID))

	return sb.String()
}
