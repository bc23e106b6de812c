// Package agent runs the creative-work agent as a subprocess and captures
// its streamed output, final text and token usage for the run journal.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/conveyor/internal/config"
)

// sessionNamespace is a fixed UUID namespace for generating deterministic
// session IDs. The same run and phase always map to the same session, so a
// resumed phase continues the conversation it started.
var sessionNamespace = uuid.MustParse("7edcba98-4f21-4d36-9f70-c2b1a0d85e43")

// SessionID returns the deterministic agent session for a run phase.
func SessionID(runID, phase string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(runID+":"+phase)).String()
}

// Request describes one agent invocation.
type Request struct {
	RunID   string
	Phase   string
	Prompt  string
	WorkDir string
	LogPath string
	Env     map[string]string
	Resume  bool
}

// Result carries what the subprocess produced.
type Result struct {
	SessionID    string
	ResultText   string
	Output       []string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	Duration     time.Duration
}

// ErrAgentTimeout marks an invocation killed by its deadline.
var ErrAgentTimeout = errors.New("agent timed out")

// Runner invokes the configured agent command.
type Runner struct {
	command string
	timeout time.Duration
}

// NewRunner creates a Runner from the agent configuration.
func NewRunner(cfg *config.AgentConfig) *Runner {
	return &Runner{
		command: cfg.Command,
		timeout: time.Duration(cfg.Timeout),
	}
}

// resultMessage is the final stream-json message the agent emits.
type resultMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Run executes the agent and blocks until it exits or the deadline fires.
// The full stream is mirrored to req.LogPath while it arrives so an operator
// can tail a phase in flight.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("agent request has no prompt")
	}

	sessionID := SessionID(req.RunID, req.Phase)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := r.buildCommand(ctx, req, sessionID)

	var logFile *os.File
	if req.LogPath != "" {
		f, err := os.Create(req.LogPath)
		if err != nil {
			return nil, fmt.Errorf("creating agent log file: %w", err)
		}
		logFile = f
		defer logFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.command, err)
	}

	res := &Result{SessionID: sessionID}

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	readLines := func(rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		// Increase buffer size for long JSON lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			res.Output = append(res.Output, line)
			applyResultLine(res, line)
			if logFile != nil {
				logFile.WriteString(line + "\n")
				logFile.Sync() // Flush to disk for tail -f
			}
			mu.Unlock()
		}
	}

	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(started)

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("%w after %s", ErrAgentTimeout, res.Duration.Round(time.Second))
		}
		if msg := extractError(res.Output); msg != "" {
			return res, fmt.Errorf("agent failed: %s: %s", waitErr, msg)
		}
		return res, fmt.Errorf("agent failed: %w", waitErr)
	}

	return res, nil
}

func (r *Runner) buildCommand(ctx context.Context, req Request, sessionID string) *exec.Cmd {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json", // Stream output as JSON for realtime updates
	}
	if req.Resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

// applyResultLine folds a stream-json result message into the Result.
func applyResultLine(res *Result, line string) {
	if !strings.HasPrefix(line, "{") {
		return
	}
	var msg resultMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	if msg.Type != "result" {
		return
	}
	res.ResultText = msg.Result
	res.TokensInput = msg.Usage.InputTokens
	res.TokensOutput = msg.Usage.OutputTokens
	res.CostUSD = msg.CostUSD
	if msg.SessionID != "" {
		res.SessionID = msg.SessionID
	}
}

// extractError scans the tail of the output for an error message so failures
// surface as more than an exit status.
func extractError(output []string) string {
	for i := len(output) - 1; i >= 0 && i >= len(output)-20; i-- {
		line := output[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var agentErr struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &agentErr); err == nil && agentErr.Type == "error" {
			if agentErr.Error != "" {
				return agentErr.Error
			}
			return agentErr.Subtype
		}
	}
	return ""
}
