// Package acp implements a client for an agent CLI speaking the agent
// client protocol: newline-delimited JSON-RPC 2.0 over the subprocess's
// stdin and stdout.
package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the client lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// killGrace is how long Kill waits after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second

	// maxLineSize bounds a single JSON-RPC line from the agent.
	maxLineSize = 10 * 1024 * 1024
)

// SpawnOptions configures a new agent subprocess.
type SpawnOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Logger  *slog.Logger
}

// Client manages one agent CLI subprocess. Methods are safe for concurrent
// use, but the protocol itself is single-turn: only one prompt may be in
// flight at a time.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending map[int64]chan *jsonRPCMessage

	writeMu sync.Mutex
	nextID  atomic.Int64

	notifs *updateQueue

	// done closes when the process has exited and its pipes are drained.
	// termErr (under mu) is what waiters unblocked by done should report.
	done     chan struct{}
	doneOnce sync.Once
	termErr  error
	exitErr  error

	killOnce sync.Once
}

// Spawn starts the agent subprocess in its own process group and begins
// reading its stdout. The returned client is in StateIdle; call Initialize
// before any session operation.
func Spawn(opts SpawnOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = buildSysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		logger:  opts.Logger.With("pid", cmd.Process.Pid),
		state:   StateIdle,
		pending: make(map[int64]chan *jsonRPCMessage),
		notifs:  newUpdateQueue(),
		done:    make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			c.logger.Warn("agent stderr", "line", sc.Text())
		}
	}()

	go func() {
		c.readLoop(stdout)
		<-stderrDone
		c.exitErr = cmd.Wait()
		c.markDead()
	}()

	c.logger.Info("spawned agent process", "command", opts.Command, "dir", opts.Dir)
	return c, nil
}

// newPipeClient wires a client over pre-connected pipes instead of a real
// subprocess. Used by tests with an in-process fake agent.
func newPipeClient(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		stdin:   stdin,
		logger:  logger,
		state:   StateIdle,
		pending: make(map[int64]chan *jsonRPCMessage),
		notifs:  newUpdateQueue(),
		done:    make(chan struct{}),
	}
	go func() {
		c.readLoop(stdout)
		c.markDead()
	}()
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pid returns the subprocess pid, or 0 for a pipe-backed client.
func (c *Client) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done returns a channel closed when the subprocess has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Initialize performs the protocol handshake. Idle → Ready.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.transition("initialize", StateIdle, StateInitializing); err != nil {
		return err
	}

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "tgacp", Title: "Telegram ACP Gateway", Version: "1.0.0"},
		ClientCapabilities: ClientCapabilities{
			FS:       FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}

	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		c.setState(StateDead)
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.setState(StateDead)
		return &ProtocolError{Op: "initialize", Msg: fmt.Sprintf("bad result: %v", err)}
	}

	c.setState(StateReady)
	c.logger.Debug("agent initialized", "protocolVersion", result.ProtocolVersion)
	return nil
}

// NewSession creates a fresh agent session rooted at cwd and returns its id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	if err := c.requireReady("session/new"); err != nil {
		return "", err
	}

	raw, err := c.call(ctx, "session/new", SessionNewParams{CWD: cwd, MCPServers: []any{}})
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}

	var result SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &ProtocolError{Op: "session/new", Msg: fmt.Sprintf("bad result: %v", err)}
	}
	if result.SessionID == "" {
		return "", &ProtocolError{Op: "session/new", Msg: "empty sessionId in result"}
	}
	return result.SessionID, nil
}

// LoadSession resumes a persisted session. The agent replays the session's
// history as session/update notifications; those are consumed and discarded
// here. On failure the agent's error message is preserved verbatim in a
// *SessionLoadError so callers can classify lock conflicts. The process
// stays Ready either way.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string) error {
	if err := c.requireReady("session/load"); err != nil {
		return err
	}

	_, err := c.call(ctx, "session/load", SessionLoadParams{
		SessionID:  sessionID,
		CWD:        cwd,
		MCPServers: []any{},
	})

	// Discard the history replay whether or not the load succeeded.
	c.drainNotifications()

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return &SessionLoadError{Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return fmt.Errorf("session/load failed: %w", err)
	}
	return nil
}

// Prompt sends one user turn and returns a stream of updates. The stream
// ends with exactly one TurnEnd or TurnFailed, except when ctx is cancelled
// first, in which case the channel closes with neither once the agent's
// response arrives. Ready → Busy for the duration of the turn.
//
// Cancelling the turn on the agent side is done with Cancel, not ctx: the
// agent then finishes the turn with stop reason "cancelled" and the stream
// ends with a normal TurnEnd.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (<-chan Update, error) {
	if err := c.transition("session/prompt", StateReady, StateBusy); err != nil {
		return nil, err
	}

	params := SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}

	respCh, err := c.send("session/prompt", params)
	if err != nil {
		c.setState(StateDead)
		return nil, err
	}

	out := make(chan Update, 16)
	go c.runTurn(ctx, sessionID, respCh, out)
	return out, nil
}

// runTurn forwards session updates for sessionID until the prompt response
// arrives, then drains the remaining queued notifications before emitting
// TurnEnd. The reader pushes notifications in arrival order before it
// delivers the response, so the drain guarantees no trailing chunk is lost.
func (c *Client) runTurn(ctx context.Context, sessionID string, respCh <-chan *jsonRPCMessage, out chan<- Update) {
	defer close(out)

	forward := true
	ctxDone := ctx.Done()
	var resp *jsonRPCMessage

	for resp == nil {
		if n, ok := c.notifs.pop(); ok {
			if u := decodeUpdate(n, sessionID, c.logger); u != nil && forward {
				out <- u
			}
			continue
		}
		select {
		case <-c.notifs.wake:
		case resp = <-respCh:
		case <-ctxDone:
			// Abandoned by the caller. Stop forwarding but keep consuming
			// so the turn still completes and the client returns to Ready.
			forward = false
			ctxDone = nil
		case <-c.done:
			if forward {
				out <- TurnFailed{Err: c.terminalError()}
			}
			return
		}
	}

	for {
		n, ok := c.notifs.pop()
		if !ok {
			break
		}
		if u := decodeUpdate(n, sessionID, c.logger); u != nil && forward {
			out <- u
		}
	}

	c.compareAndSetState(StateBusy, StateReady)

	if ctx.Err() != nil {
		forward = false
	}
	if !forward {
		return
	}

	if resp.Error != nil {
		out <- TurnFailed{Err: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
		return
	}

	var result SessionPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		out <- TurnFailed{Err: &ProtocolError{Op: "session/prompt", Msg: fmt.Sprintf("bad result: %v", err)}}
		return
	}
	out <- TurnEnd{StopReason: result.StopReason}
}

// SetModel selects the model for subsequent turns of the session.
func (c *Client) SetModel(ctx context.Context, sessionID, modelID string) error {
	if err := c.requireReady("session/set_model"); err != nil {
		return err
	}
	if _, err := c.call(ctx, "session/set_model", SessionSetModelParams{SessionID: sessionID, Model: modelID}); err != nil {
		return fmt.Errorf("session/set_model failed: %w", err)
	}
	return nil
}

// Cancel asks the agent to abort the session's in-flight turn. It is a
// notification: the turn then completes through the normal prompt stream
// with stop reason "cancelled".
func (c *Client) Cancel(sessionID string) error {
	c.mu.Lock()
	dead := c.state == StateDead
	c.mu.Unlock()
	if dead {
		return c.terminalError()
	}
	return c.writeMessage(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "session/cancel",
		Params:  SessionCancelParams{SessionID: sessionID},
	})
}

// Kill terminates the subprocess group: SIGTERM, a grace period, then
// SIGKILL. Idempotent. Pending requests fail with ErrProcessKilled.
func (c *Client) Kill() {
	c.killOnce.Do(func() {
		c.mu.Lock()
		if c.termErr == nil {
			c.termErr = ErrProcessKilled
		}
		c.mu.Unlock()
		c.failPending(ErrProcessKilled)
		c.setState(StateDead)

		if c.cmd == nil || c.cmd.Process == nil {
			c.stdin.Close()
			return
		}

		pid := c.cmd.Process.Pid
		c.logger.Info("killing agent process")

		// Negative pid targets the whole process group; the CLI forks
		// helpers that must not outlive it.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			c.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-c.done:
			return
		case <-time.After(killGrace):
		}

		c.logger.Warn("agent ignored SIGTERM, sending SIGKILL")
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			c.cmd.Process.Kill()
		}
		<-c.done
	})
}

// --- wire plumbing ---

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	respCh, err := c.send(method, params)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.terminalError()
	}
}

func (c *Client) send(method string, params any) (<-chan *jsonRPCMessage, error) {
	id := c.nextID.Add(1)
	respCh := make(chan *jsonRPCMessage, 1)

	c.mu.Lock()
	if c.state == StateDead {
		err := c.termErr
		c.mu.Unlock()
		if err == nil {
			err = ErrProcessDied
		}
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}
	return respCh, nil
}

func (c *Client) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg jsonRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("unparseable line from agent", "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			c.mu.Lock()
			respCh, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				respCh <- &msg
			} else {
				c.logger.Warn("response for unknown request id", "id", *msg.ID)
			}

		case msg.Method == "session/update":
			var params sessionUpdateParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Warn("bad session/update params", "error", err)
				continue
			}
			c.notifs.push(&params)

		case msg.ID != nil && msg.Method != "":
			// Agent-to-client request. We advertise no capabilities, so
			// reject anything that arrives anyway.
			c.logger.Warn("rejecting agent request", "method", msg.Method)
			c.writeMessage(map[string]any{
				"jsonrpc": "2.0",
				"id":      *msg.ID,
				"error":   jsonRPCError{Code: -32601, Message: "method not supported"},
			})

		default:
			c.logger.Debug("ignoring agent notification", "method", msg.Method)
		}
	}
}

func (c *Client) drainNotifications() {
	c.notifs.drain()
}

func (c *Client) markDead() {
	c.mu.Lock()
	if c.termErr == nil {
		c.termErr = ErrProcessDied
	}
	c.mu.Unlock()
	c.setState(StateDead)
	c.failPending(ErrProcessDied)
	c.doneOnce.Do(func() { close(c.done) })
}

// terminalError reports why the process is gone: ErrProcessKilled for a
// deliberate Kill, ErrProcessDied otherwise.
func (c *Client) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.termErr != nil {
		return c.termErr
	}
	return ErrProcessDied
}

// failPending drops all pending request channels. Waiters observe the
// failure through c.done and report terminalError.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	n := len(c.pending)
	c.pending = make(map[int64]chan *jsonRPCMessage)
	c.mu.Unlock()
	if n > 0 {
		c.logger.Warn("abandoning pending requests", "count", n, "reason", err)
	}
}

func (c *Client) transition(op string, from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return stateError(op, c.state, from)
	}
	c.state = to
	return nil
}

func (c *Client) requireReady(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return stateError(op, c.state, StateReady)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) compareAndSetState(from, to State) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}

// updateQueue buffers session/update notifications between the reader and
// the turn goroutine. It is unbounded: the reader never blocks and never
// drops, so every chunk the agent emitted before its response is still
// there for the pre-TurnEnd drain no matter how slow the consumer is.
type updateQueue struct {
	mu    sync.Mutex
	items []*sessionUpdateParams
	wake  chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{wake: make(chan struct{}, 1)}
}

func (q *updateQueue) push(n *sessionUpdateParams) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *updateQueue) pop() (*sessionUpdateParams, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n := q.items[0]
	q.items = q.items[1:]
	return n, true
}

func (q *updateQueue) drain() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func decodeUpdate(n *sessionUpdateParams, sessionID string, logger *slog.Logger) Update {
	if n.SessionID != sessionID {
		logger.Debug("update for other session", "sessionId", n.SessionID)
		return nil
	}

	var body sessionUpdateBody
	if err := json.Unmarshal(n.Update, &body); err != nil {
		logger.Warn("bad session update body", "error", err)
		return nil
	}

	switch body.SessionUpdate {
	case "agent_message_chunk":
		if body.Content == nil || body.Content.Type != "text" {
			return nil
		}
		return MessageChunk{Text: body.Content.Text}
	case "tool_call":
		return ToolCallStart{ID: body.ToolCallID, Title: body.Title, Kind: body.Kind, Status: body.Status}
	case "tool_call_update":
		return ToolCallUpdate{ID: body.ToolCallID, Title: body.Title, Status: body.Status}
	default:
		return UnknownUpdate{Kind: body.SessionUpdate}
	}
}
