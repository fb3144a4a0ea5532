package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent drives the far end of a pipe-backed client: it reads the
// client's JSON-RPC lines into a channel and lets tests write arbitrary
// response and notification lines back.
type fakeAgent struct {
	in       *io.PipeReader
	out      *io.PipeWriter
	requests chan jsonRPCMessage
}

func newTestClient(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := newPipeClient(stdinW, stdoutR, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fa := &fakeAgent{in: stdinR, out: stdoutW, requests: make(chan jsonRPCMessage, 16)}
	go fa.pump()

	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
	})
	return c, fa
}

func (f *fakeAgent) pump() {
	sc := bufio.NewScanner(f.in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var msg jsonRPCMessage
		if json.Unmarshal(sc.Bytes(), &msg) == nil {
			f.requests <- msg
		}
	}
}

func (f *fakeAgent) expect(t *testing.T, method string) jsonRPCMessage {
	t.Helper()
	select {
	case msg := <-f.requests:
		require.Equal(t, method, msg.Method)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s request", method)
		return jsonRPCMessage{}
	}
}

func (f *fakeAgent) write(t *testing.T, lines ...string) {
	t.Helper()
	_, err := f.out.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
}

func responseLine(t *testing.T, id int64, result any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	require.NoError(t, err)
	return string(data)
}

func errorLine(t *testing.T, id int64, code int, message string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	require.NoError(t, err)
	return string(data)
}

func updateLine(t *testing.T, sessionID string, body map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": sessionID, "update": body},
	})
	require.NoError(t, err)
	return string(data)
}

func chunkLine(t *testing.T, sessionID, text string) string {
	return updateLine(t, sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

func readyClient(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()
	c, fa := newTestClient(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Initialize(context.Background()) }()

	req := fa.expect(t, "initialize")
	require.NotNil(t, req.ID)
	fa.write(t, responseLine(t, *req.ID, InitializeResult{ProtocolVersion: ProtocolVersion}))
	require.NoError(t, <-errCh)
	require.Equal(t, StateReady, c.State())
	return c, fa
}

func newSession(t *testing.T, c *Client, fa *fakeAgent) string {
	t.Helper()

	type out struct {
		id  string
		err error
	}
	ch := make(chan out, 1)
	go func() {
		id, err := c.NewSession(context.Background(), "/tmp/ws")
		ch <- out{id, err}
	}()

	req := fa.expect(t, "session/new")
	fa.write(t, responseLine(t, *req.ID, SessionNewResult{SessionID: "sess-1"}))

	got := <-ch
	require.NoError(t, got.err)
	require.Equal(t, "sess-1", got.id)
	return got.id
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var got []Update
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, u)
		case <-timeout:
			t.Fatalf("timed out collecting updates, have %d so far", len(got))
		}
	}
}

func TestInitializeHandshake(t *testing.T) {
	c, fa := newTestClient(t)
	require.Equal(t, StateIdle, c.State())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Initialize(context.Background()) }()

	req := fa.expect(t, "initialize")
	var params InitializeParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, ProtocolVersion, params.ProtocolVersion)
	assert.True(t, params.ClientCapabilities.FS.ReadTextFile)
	assert.True(t, params.ClientCapabilities.Terminal)

	fa.write(t, responseLine(t, *req.ID, InitializeResult{ProtocolVersion: ProtocolVersion}))
	require.NoError(t, <-errCh)
	assert.Equal(t, StateReady, c.State())
}

func TestInitializeTwiceIsProtocolError(t *testing.T) {
	c, _ := readyClient(t)

	err := c.Initialize(context.Background())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestPromptRequiresReady(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Prompt(context.Background(), "sess-1", "hi")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestPromptStreamsChunksAndTurnEnd(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)
	require.Equal(t, StateBusy, c.State())

	req := fa.expect(t, "session/prompt")
	fa.write(t, chunkLine(t, sid, "Hel"))
	fa.write(t, chunkLine(t, sid, "lo!"))
	fa.write(t, responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}))

	got := collect(t, ch)
	require.Equal(t, []Update{
		MessageChunk{Text: "Hel"},
		MessageChunk{Text: "lo!"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
	assert.Equal(t, StateReady, c.State())
}

// Chunks and the prompt response arriving in a single pipe flush must all
// be delivered before the turn ends. Ending the turn on the response alone
// loses whatever was still queued.
func TestPromptDeliversQueuedChunksBeforeTurnEnd(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)

	req := fa.expect(t, "session/prompt")
	fa.write(t,
		chunkLine(t, sid, "one"),
		chunkLine(t, sid, "two"),
		chunkLine(t, sid, "three"),
		responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	got := collect(t, ch)
	require.Equal(t, []Update{
		MessageChunk{Text: "one"},
		MessageChunk{Text: "two"},
		MessageChunk{Text: "three"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
}

func TestPromptIgnoresOtherSessionUpdates(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)

	req := fa.expect(t, "session/prompt")
	fa.write(t,
		chunkLine(t, "someone-else", "not yours"),
		chunkLine(t, sid, "yours"),
		responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	got := collect(t, ch)
	require.Equal(t, []Update{
		MessageChunk{Text: "yours"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
}

func TestPromptToolCallUpdates(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "run something")
	require.NoError(t, err)

	req := fa.expect(t, "session/prompt")
	fa.write(t,
		updateLine(t, sid, map[string]any{
			"sessionUpdate": "tool_call", "toolCallId": "tc1",
			"title": "Read file", "kind": "read", "status": "pending",
		}),
		updateLine(t, sid, map[string]any{
			"sessionUpdate": "tool_call_update", "toolCallId": "tc1", "status": "completed",
		}),
		responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	got := collect(t, ch)
	require.Equal(t, []Update{
		ToolCallStart{ID: "tc1", Title: "Read file", Kind: "read", Status: "pending"},
		ToolCallUpdate{ID: "tc1", Status: "completed"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
}

func TestPromptAgentError(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)

	req := fa.expect(t, "session/prompt")
	fa.write(t, errorLine(t, *req.ID, -32000, "model overloaded"))

	got := collect(t, ch)
	require.Len(t, got, 1)
	failed, ok := got[0].(TurnFailed)
	require.True(t, ok)
	var rpcErr *RPCError
	require.ErrorAs(t, failed.Err, &rpcErr)
	assert.Equal(t, "model overloaded", rpcErr.Message)
	assert.Equal(t, StateReady, c.State())
}

func TestCancelEndsTurnWithCancelledReason(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "long task")
	require.NoError(t, err)
	req := fa.expect(t, "session/prompt")

	require.NoError(t, c.Cancel(sid))
	cancel := fa.expect(t, "session/cancel")
	assert.Nil(t, cancel.ID)

	fa.write(t, responseLine(t, *req.ID, SessionPromptResult{StopReason: StopReasonCancelled}))

	got := collect(t, ch)
	require.Equal(t, []Update{TurnEnd{StopReason: StopReasonCancelled}}, got)
	assert.Equal(t, StateReady, c.State())
}

func TestLoadSessionLockConflict(t *testing.T) {
	c, fa := readyClient(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.LoadSession(context.Background(), "sess-1", "/tmp/ws") }()

	req := fa.expect(t, "session/load")
	fa.write(t, errorLine(t, *req.ID, -32001, "Session is active in another process (PID 4242)"))

	err := <-errCh
	var loadErr *SessionLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "Session is active in another process (PID 4242)", loadErr.Message)

	// A failed load leaves the process usable for a fresh session.
	assert.Equal(t, StateReady, c.State())
}

func TestLoadSessionDiscardsReplay(t *testing.T) {
	c, fa := readyClient(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.LoadSession(context.Background(), "sess-1", "/tmp/ws") }()

	req := fa.expect(t, "session/load")
	fa.write(t,
		chunkLine(t, "sess-1", "old history 1"),
		chunkLine(t, "sess-1", "old history 2"),
		responseLine(t, *req.ID, map[string]any{}),
	)
	require.NoError(t, <-errCh)

	// The replay must not leak into the next prompt's stream.
	ch, err := c.Prompt(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	preq := fa.expect(t, "session/prompt")
	fa.write(t,
		chunkLine(t, "sess-1", "fresh"),
		responseLine(t, *preq.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	got := collect(t, ch)
	require.Equal(t, []Update{
		MessageChunk{Text: "fresh"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
}

func TestSetModel(t *testing.T) {
	c, fa := readyClient(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.SetModel(context.Background(), "sess-1", "sonnet") }()

	req := fa.expect(t, "session/set_model")
	var params SessionSetModelParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "sonnet", params.Model)

	fa.write(t, responseLine(t, *req.ID, map[string]any{}))
	require.NoError(t, <-errCh)
}

func TestProcessDeathMidTurn(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)
	fa.expect(t, "session/prompt")

	fa.out.Close()

	got := collect(t, ch)
	require.Len(t, got, 1)
	failed, ok := got[0].(TurnFailed)
	require.True(t, ok)
	require.ErrorIs(t, failed.Err, ErrProcessDied)
	assert.Equal(t, StateDead, c.State())

	_, err = c.NewSession(context.Background(), "/tmp/ws")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestAbandonedContextRestoresReady(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Prompt(ctx, sid, "hello")
	require.NoError(t, err)
	req := fa.expect(t, "session/prompt")

	cancel()
	fa.write(t,
		chunkLine(t, sid, "late chunk"),
		responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	// Stream closes without TurnEnd; nothing after abandonment is forwarded.
	got := collect(t, ch)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateReady, c.State())
	for _, u := range got {
		_, isEnd := u.(TurnEnd)
		assert.False(t, isEnd, "no TurnEnd after abandonment")
	}
}

func TestUnparseableLineIsSkipped(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)
	req := fa.expect(t, "session/prompt")

	fa.write(t,
		"this is not json",
		chunkLine(t, sid, "still works"),
		responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}),
	)

	got := collect(t, ch)
	require.Equal(t, []Update{
		MessageChunk{Text: "still works"},
		TurnEnd{StopReason: "end_turn"},
	}, got)
}

func TestSendAfterDeathFails(t *testing.T) {
	c, fa := readyClient(t)
	fa.out.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never noticed process death")
	}

	err := c.Cancel("sess-1")
	require.ErrorIs(t, err, ErrProcessDied)
}

// A consumer that lags behind the agent must never cost a chunk: the
// reader buffers notifications without bound until the turn goroutine
// catches up.
func TestPromptKeepsAllChunksWithSlowConsumer(t *testing.T) {
	c, fa := readyClient(t)
	sid := newSession(t, c, fa)

	ch, err := c.Prompt(context.Background(), sid, "hello")
	require.NoError(t, err)
	req := fa.expect(t, "session/prompt")

	// Flood the client before anyone reads from ch, then end the turn.
	const total = 1200
	lines := make([]string, 0, total+1)
	for i := 0; i < total; i++ {
		lines = append(lines, chunkLine(t, sid, "x"))
	}
	lines = append(lines, responseLine(t, *req.ID, SessionPromptResult{StopReason: "end_turn"}))
	fa.write(t, lines...)

	got := collect(t, ch)
	require.Len(t, got, total+1)
	chunks := 0
	for _, u := range got[:total] {
		if _, ok := u.(MessageChunk); ok {
			chunks++
		}
	}
	assert.Equal(t, total, chunks)
	assert.Equal(t, TurnEnd{StopReason: "end_turn"}, got[total])
}

func TestKillFailsPendingWithKilledError(t *testing.T) {
	c, fa := readyClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.NewSession(context.Background(), "/tmp/ws")
		errCh <- err
	}()
	fa.expect(t, "session/new")

	c.Kill()
	fa.out.Close()

	require.ErrorIs(t, <-errCh, ErrProcessKilled)
	assert.Equal(t, StateDead, c.State())
}
