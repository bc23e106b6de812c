package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CoordinatorConfig configures the coordinator
type CoordinatorConfig struct {
	ListenAddr        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// AllowLocal runs invocations in-process when no runner is connected.
	AllowLocal bool
}

// pendingJob tracks an invocation waiting for dispatch or completion
type pendingJob struct {
	msg      *RunMessage
	resultCh chan *Result
	runnerID string // assigned runner (empty if queued)
}

// Coordinator accepts runner connections and dispatches invocations to
// them. With AllowLocal it degrades to in-process execution when no runner
// is available, so a single-machine install needs no extra processes.
type Coordinator struct {
	config   CoordinatorConfig
	registry *Registry
	local    *Local
	upgrader websocket.Upgrader
	log      *slog.Logger

	server *http.Server

	mu      sync.Mutex
	queue   []*pendingJob
	pending map[string]*pendingJob // jobID -> pending job

	// Output accumulator for streaming output from runners
	outputMu     sync.Mutex
	outputBuffer map[string]*strings.Builder
}

// NewCoordinator creates a new coordinator
func NewCoordinator(config CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		config:   config,
		registry: NewRegistry(),
		local:    NewLocal(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:          logger.With("component", "toolpool"),
		pending:      make(map[string]*pendingJob),
		outputBuffer: make(map[string]*strings.Builder),
	}
}

// Registry returns the runner registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Run dispatches one invocation and blocks until a result arrives or the
// context ends. Implements Dispatcher.
func (c *Coordinator) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("invocation has no command")
	}

	// No runners connected: run in-process when allowed.
	if c.registry.Count() == 0 {
		if !c.config.AllowLocal {
			return nil, fmt.Errorf("no runners connected")
		}
		return c.local.Run(ctx, inv)
	}

	msg := &RunMessage{
		JobID:   inv.JobID,
		Dir:     inv.Dir,
		Command: inv.Command,
		Env:     inv.Env,
		Timeout: int(inv.Timeout.Seconds()),
	}

	resultCh := c.submit(msg)
	c.tryDispatch()

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		c.cancelJob(inv.JobID)
		return &Result{JobID: inv.JobID, TimedOut: true}, nil
	}
}

func (c *Coordinator) submit(msg *RunMessage) chan *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	resultCh := make(chan *Result, 1)
	pj := &pendingJob{msg: msg, resultCh: resultCh}
	c.queue = append(c.queue, pj)
	c.pending[msg.JobID] = pj
	return resultCh
}

// tryDispatch attempts to hand queued jobs to runners with free slots.
func (c *Coordinator) tryDispatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var remaining []*pendingJob
	for _, pj := range c.queue {
		runner := c.registry.FindReady()
		if runner == nil {
			remaining = append(remaining, pj)
			continue
		}

		runner.DecrementSlots()
		pj.runnerID = runner.ID

		data, err := MarshalEnvelope(TypeRun, pj.msg)
		if err != nil {
			remaining = append(remaining, pj)
			continue
		}
		if err := runner.WriteMessage(websocket.TextMessage, data); err != nil {
			pj.runnerID = ""
			remaining = append(remaining, pj)
			continue
		}
	}
	c.queue = remaining
}

// complete resolves a pending job with its result.
func (c *Coordinator) complete(jobID string, result *Result) {
	c.mu.Lock()
	pj, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()

	if ok && pj.resultCh != nil {
		pj.resultCh <- result
		close(pj.resultCh)
	}
}

func (c *Coordinator) cancelJob(jobID string) {
	c.mu.Lock()
	pj, ok := c.pending[jobID]
	var runnerID string
	if ok {
		runnerID = pj.runnerID
		delete(c.pending, jobID)
	}
	// Drop it from the queue if still waiting.
	var remaining []*pendingJob
	for _, q := range c.queue {
		if q.msg.JobID != jobID {
			remaining = append(remaining, q)
		}
	}
	c.queue = remaining
	c.mu.Unlock()

	if runnerID == "" {
		return
	}
	runner := c.registry.Get(runnerID)
	if runner == nil {
		return
	}
	data, err := MarshalEnvelope(TypeCancel, CancelMessage{JobID: jobID})
	if err != nil {
		return
	}
	runner.WriteMessage(websocket.TextMessage, data)
}

// failRunnerJobs resolves every job assigned to a lost runner with a
// crash-shaped result. The command may or may not have run; reporting no
// exit status lets the quality gate treat it as a tool crash instead of
// inventing an exit code.
func (c *Coordinator) failRunnerJobs(runnerID string) {
	c.mu.Lock()
	var lost []*pendingJob
	for id, pj := range c.pending {
		if pj.runnerID == runnerID {
			lost = append(lost, pj)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, pj := range lost {
		output := c.getAndClearOutput(pj.msg.JobID)
		c.log.Warn("runner lost with job in flight", "runner_id", runnerID, "job_id", pj.msg.JobID)
		pj.resultCh <- &Result{
			JobID:  pj.msg.JobID,
			Stdout: output,
			Stderr: fmt.Sprintf("runner %s disconnected during job", runnerID),
		}
		close(pj.resultCh)
	}
}

// HandleWebSocket handles incoming WebSocket connections from runners
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Error("upgrade failed", "error", err)
		return
	}

	go c.handleRunnerConnection(conn)
}

func (c *Coordinator) handleRunnerConnection(conn *websocket.Conn) {
	var runnerID string
	defer func() {
		conn.Close()
		if runnerID != "" {
			c.registry.Unregister(runnerID)
			c.failRunnerJobs(runnerID)
			c.tryDispatch()
			c.log.Info("runner disconnected", "runner_id", runnerID)
		}
	}()

	// WebSocket-level pong handler extends the read deadline
	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", "error", err)
			}
			return
		}

		// Extend read deadline on any message received
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("invalid message", "error", err)
			continue
		}

		switch env.Type {
		case TypeRegister:
			var reg RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				c.log.Warn("invalid register", "error", err)
				continue
			}
			runnerID = reg.RunnerID
			c.registry.Register(&ConnectedRunner{
				ID:      reg.RunnerID,
				MaxJobs: reg.MaxJobs,
				Slots:   reg.MaxJobs,
				Conn:    conn,
			})
			c.log.Info("runner registered", "runner_id", reg.RunnerID, "max_jobs", reg.MaxJobs)

		case TypeReady:
			var ready ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err != nil {
				c.log.Warn("invalid ready message", "error", err)
				continue
			}
			if r := c.registry.Get(runnerID); r != nil {
				r.UpdateSlots(ready.Slots)
				c.tryDispatch()
			}

		case TypeOutput:
			var output OutputMessage
			if err := json.Unmarshal(env.Payload, &output); err != nil {
				c.log.Warn("invalid output message", "error", err)
				continue
			}
			c.accumulateOutput(output.JobID, output.Stream, output.Data)

		case TypeComplete:
			var complete CompleteMessage
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				c.log.Warn("invalid complete message", "error", err)
				continue
			}
			stdout, stderr := c.getAndClearStreams(complete.JobID)
			c.complete(complete.JobID, &Result{
				JobID:    complete.JobID,
				ExitCode: complete.ExitCode,
				TimedOut: complete.TimedOut,
				Stdout:   stdout,
				Stderr:   stderr,
				Duration: time.Duration(complete.DurationMs) * time.Millisecond,
			})

		case TypeError:
			var errMsg ErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err != nil {
				c.log.Warn("invalid error message", "error", err)
				continue
			}
			stdout, stderr := c.getAndClearStreams(errMsg.JobID)
			c.complete(errMsg.JobID, &Result{
				JobID:  errMsg.JobID,
				Stdout: stdout,
				Stderr: stderr + "Error: " + errMsg.Message,
			})

		case TypePong:
			if r := c.registry.Get(runnerID); r != nil {
				r.SetLastHeartbeat(time.Now())
			}
		}
	}
}

// Start starts the coordinator server and blocks until it stops.
func (c *Coordinator) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.HandleWebSocket)
	mux.HandleFunc("/status", c.HandleStatus)

	c.server = &http.Server{
		Addr:    c.config.ListenAddr,
		Handler: mux,
	}

	go c.heartbeatLoop(ctx)

	c.log.Info("coordinator listening", "addr", c.config.ListenAddr)
	return c.server.ListenAndServe()
}

// HandleStatus returns the current status of runners and jobs
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runners := []map[string]interface{}{}
	for _, runner := range c.registry.All() {
		maxJobs, slots, connectedAt := runner.GetStatus()
		runners = append(runners, map[string]interface{}{
			"id":              runner.ID,
			"max_jobs":        maxJobs,
			"active_jobs":     maxJobs - slots,
			"connected_since": connectedAt.Format(time.RFC3339),
		})
	}

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()

	status := map[string]interface{}{
		"runners":       runners,
		"queued_jobs":   queued,
		"local_allowed": c.config.AllowLocal,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Stop stops the coordinator server
func (c *Coordinator) Stop() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	for _, r := range c.registry.All() {
		// WebSocket protocol-level ping; triggers the pong handler on the
		// runner side and keeps the connection alive.
		r.writeMu.Lock()
		r.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := r.Conn.WriteMessage(websocket.PingMessage, nil)
		r.Conn.SetWriteDeadline(time.Time{}) // Clear deadline
		r.writeMu.Unlock()

		if err != nil {
			c.log.Warn("ping failed", "runner_id", r.ID, "error", err)
			// Connection is broken; the read loop handles cleanup.
			r.Conn.Close()
		}
	}
}

func (c *Coordinator) accumulateOutput(jobID, stream, data string) {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()

	key := jobID + ":" + stream
	if c.outputBuffer[key] == nil {
		c.outputBuffer[key] = &strings.Builder{}
	}
	c.outputBuffer[key].WriteString(data)
}

func (c *Coordinator) getAndClearStreams(jobID string) (stdout, stderr string) {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()

	if buf, ok := c.outputBuffer[jobID+":stdout"]; ok {
		stdout = buf.String()
		delete(c.outputBuffer, jobID+":stdout")
	}
	if buf, ok := c.outputBuffer[jobID+":stderr"]; ok {
		stderr = buf.String()
		delete(c.outputBuffer, jobID+":stderr")
	}
	return stdout, stderr
}

func (c *Coordinator) getAndClearOutput(jobID string) string {
	stdout, stderr := c.getAndClearStreams(jobID)
	return stdout + stderr
}
