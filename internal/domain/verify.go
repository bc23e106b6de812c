package domain

// VerificationResult is the output of a quality gate verifier. A
// verifier never mutates run state; the executor folds the result into
// the phase outcome.
type VerificationResult struct {
	Passed   bool     `json:"passed"`
	Category string   `json:"category,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// Pass returns a passing result with the cross-checked evidence.
func Pass(evidence ...string) VerificationResult {
	return VerificationResult{Passed: true, Evidence: evidence}
}

// Fail returns a failing result with a taxonomy category.
func Fail(category, detail string, evidence ...string) VerificationResult {
	return VerificationResult{Category: category, Detail: detail, Evidence: evidence}
}
