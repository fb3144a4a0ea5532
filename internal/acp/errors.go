package acp

import (
	"errors"
	"fmt"
)

// ErrProcessDied indicates the agent subprocess exited while an operation
// was in flight or before one could start.
var ErrProcessDied = errors.New("agent process died")

// ErrProcessKilled indicates the client deliberately terminated the
// subprocess while requests were pending.
var ErrProcessKilled = errors.New("agent process killed")

// ProtocolError reports a violation of the expected request/response
// discipline: an operation attempted in the wrong state, or wire data
// the client cannot act on.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acp: %s: %s", e.Op, e.Msg)
}

func stateError(op string, have, want State) *ProtocolError {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf("client is %s, need %s", have, want)}
}

// RPCError is a JSON-RPC error returned by the agent for a request.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// SessionLoadError is returned when session/load fails. The agent's message
// is preserved verbatim: callers inspect it to distinguish a stale session
// file lock from one held by a live process.
type SessionLoadError struct {
	Code    int
	Message string
}

func (e *SessionLoadError) Error() string {
	return e.Message
}

// SpawnError wraps a failure to start the agent subprocess.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
