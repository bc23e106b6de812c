package toolpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Dispatcher runs delegated tool commands.
type Dispatcher interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// OutputCallback receives streamed output as it arrives.
type OutputCallback func(stream, data string)

// Local executes invocations as subprocesses on this machine.
type Local struct {
	// OnOutput, when set, receives output lines while the command runs.
	OnOutput OutputCallback
}

// NewLocal creates a local dispatcher.
func NewLocal() *Local {
	return &Local{}
}

// Run executes the invocation and returns its result. A deadline kill marks
// the result TimedOut; a signal kill leaves ExitCode nil. Only failures to
// spawn the process at all surface as an error.
func (l *Local) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("invocation has no command")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = os.Environ()
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", inv.Command[0], err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.streamOutput(stdout, "stdout", &stdoutBuf)
	}()
	go func() {
		defer wg.Done()
		l.streamOutput(stderr, "stderr", &stderrBuf)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	res := &Result{
		JobID:    inv.JobID,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if waitErr == nil {
		zero := 0
		res.ExitCode = &zero
		return res, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			res.ExitCode = &code
		}
		// code < 0 means killed by signal; ExitCode stays nil.
		return res, nil
	}

	return nil, fmt.Errorf("running %s: %w", inv.Command[0], waitErr)
}

func (l *Local) streamOutput(r io.Reader, stream string, buf *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanBuf := make([]byte, 0, 64*1024)
	scanner.Buffer(scanBuf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		buf.WriteString(line)
		if l.OnOutput != nil {
			l.OnOutput(stream, line)
		}
	}
}
