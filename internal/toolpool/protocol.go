// Package toolpool executes delegated tool commands (static checks, test
// runs) either in-process or on remote runners connected over WebSocket.
// Results keep enough fidelity for the quality gates: a process that never
// exited reports a nil exit code instead of a fabricated one.
package toolpool

import (
	"encoding/json"
	"time"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Runner -> Coordinator messages

// RegisterMessage sent when a runner first connects
type RegisterMessage struct {
	RunnerID string `json:"runner_id"`
	MaxJobs  int    `json:"max_jobs"`
}

// ReadyMessage sent when a runner has available job slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// OutputMessage sent for streaming command output
type OutputMessage struct {
	JobID  string `json:"job_id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

// CompleteMessage sent when a job finishes with an exit status.
// ExitCode is absent when the process was killed before exiting.
type CompleteMessage struct {
	JobID      string `json:"job_id"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorMessage sent when a job fails before the command could run
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Coordinator -> Runner messages

// RunMessage assigns a command to a runner
type RunMessage struct {
	JobID   string            `json:"job_id"`
	Dir     string            `json:"dir,omitempty"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout_secs,omitempty"`
}

// CancelMessage requests job cancellation
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeOutput   = "output"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeRun      = "run"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Invocation describes one delegated command.
type Invocation struct {
	JobID   string
	Dir     string
	Command []string
	Env     map[string]string
	Timeout time.Duration
}

// Result is the outcome of a delegated command. ExitCode is nil when the
// process never produced an exit status (killed, runner lost); TimedOut is
// set when the deadline killed it.
type Result struct {
	JobID    string
	ExitCode *int
	TimedOut bool
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns combined stdout and stderr.
func (r *Result) Output() string {
	return r.Stdout + r.Stderr
}

// Exited reports whether the command ran to an exit status.
func (r *Result) Exited() bool {
	return r.ExitCode != nil
}
