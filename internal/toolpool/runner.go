package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the coordinator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// RunnerClientConfig configures the runner client
type RunnerClientConfig struct {
	ServerURL string
	RunnerID  string
	MaxJobs   int
}

// Validate checks the config is valid
func (c *RunnerClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// RunnerClient executes delegated commands on behalf of a coordinator.
type RunnerClient struct {
	config RunnerClientConfig
	pool   *slotPool
	local  *Local
	conn   *websocket.Conn
	log    *slog.Logger
	mu     sync.Mutex

	// For graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// Job tracking for cancellation
	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// NewRunnerClient creates a new runner client
func NewRunnerClient(config RunnerClientConfig, logger *slog.Logger) (*RunnerClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RunnerClient{
		config: config,
		pool:   newSlotPool(config.MaxJobs),
		local:  NewLocal(),
		log:    logger.With("component", "runner"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// Connect establishes connection to the coordinator
func (rc *RunnerClient) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(rc.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// WebSocket-level ping handler extends the read deadline when the
	// coordinator pings us, and answers with a pong.
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()

	return rc.send(TypeRegister, RegisterMessage{
		RunnerID: rc.config.RunnerID,
		MaxJobs:  rc.config.MaxJobs,
	})
}

// Run starts the runner loop
func (rc *RunnerClient) Run() error {
	// Send initial ready message
	if err := rc.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-rc.ctx.Done():
			return nil
		default:
		}

		_, message, err := rc.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		// Extend read deadline on any message received
		rc.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			rc.log.Warn("invalid message", "error", err)
			continue
		}

		switch env.Type {
		case TypeRun:
			var run RunMessage
			if err := json.Unmarshal(env.Payload, &run); err != nil {
				rc.log.Warn("invalid run message", "error", err)
				continue
			}
			go rc.handleRun(run)

		case TypePing:
			rc.send(TypePong, nil)

		case TypeCancel:
			var cancel CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				rc.log.Warn("invalid cancel message", "error", err)
				continue
			}
			rc.log.Info("cancelling job", "job_id", cancel.JobID)
			rc.CancelJob(cancel.JobID)
		}
	}
}

func (rc *RunnerClient) handleRun(msg RunMessage) {
	if !rc.pool.Acquire() {
		rc.send(TypeError, ErrorMessage{
			JobID:   msg.JobID,
			Message: "no slots available",
		})
		return
	}
	defer func() {
		rc.pool.Release()
		rc.untrackJob(msg.JobID)
		rc.sendReady()
	}()

	timeout := time.Duration(msg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(rc.ctx)
	defer cancel()
	rc.trackJob(msg.JobID, cancel)

	inv := Invocation{
		JobID:   msg.JobID,
		Dir:     msg.Dir,
		Command: msg.Command,
		Env:     msg.Env,
		Timeout: timeout,
	}

	local := &Local{OnOutput: func(stream, data string) {
		rc.send(TypeOutput, OutputMessage{
			JobID:  msg.JobID,
			Stream: stream,
			Data:   data,
		})
	}}

	result, err := local.Run(ctx, inv)
	if err != nil {
		rc.send(TypeError, ErrorMessage{
			JobID:   msg.JobID,
			Message: err.Error(),
		})
		return
	}

	rc.send(TypeComplete, CompleteMessage{
		JobID:      msg.JobID,
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		DurationMs: result.Duration.Milliseconds(),
	})
}

func (rc *RunnerClient) sendReady() error {
	return rc.send(TypeReady, ReadyMessage{
		Slots: rc.pool.Available(),
	})
}

func (rc *RunnerClient) send(msgType string, payload interface{}) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	data, err := MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the runner
func (rc *RunnerClient) Stop() {
	rc.cancel()
	rc.mu.Lock()
	if rc.conn != nil {
		rc.conn.Close()
		rc.conn = nil
	}
	rc.mu.Unlock()
}

// RunWithReconnect runs the runner with automatic reconnection
func (rc *RunnerClient) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-rc.ctx.Done():
			return nil
		default:
		}

		err := rc.Connect()
		if err != nil {
			delay := calculateBackoff(attempt)
			rc.log.Warn("connection failed", "error", err, "retry_in", delay)
			attempt++

			select {
			case <-rc.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		// Connected - reset backoff
		attempt = 0
		rc.log.Info("connected to coordinator", "url", rc.config.ServerURL)

		err = rc.Run()

		// Close the connection before reconnecting to avoid leaking file descriptors
		rc.mu.Lock()
		if rc.conn != nil {
			rc.conn.Close()
			rc.conn = nil
		}
		rc.mu.Unlock()

		if err != nil {
			rc.log.Warn("disconnected", "error", err)
		}

		select {
		case <-rc.ctx.Done():
			return nil
		default:
			// Will reconnect
		}
	}
}

func (rc *RunnerClient) trackJob(jobID string, cancel context.CancelFunc) {
	rc.jobsMu.Lock()
	defer rc.jobsMu.Unlock()
	rc.jobs[jobID] = cancel
}

func (rc *RunnerClient) untrackJob(jobID string) {
	rc.jobsMu.Lock()
	defer rc.jobsMu.Unlock()
	delete(rc.jobs, jobID)
}

// CancelJob cancels a running job
func (rc *RunnerClient) CancelJob(jobID string) {
	rc.jobsMu.Lock()
	cancel, ok := rc.jobs[jobID]
	if ok {
		delete(rc.jobs, jobID)
	}
	rc.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
