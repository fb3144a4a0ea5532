package acp

import "encoding/json"

// ProtocolVersion is the agent client protocol version this client speaks.
const ProtocolVersion = 1

// JSON-RPC 2.0 framing, one message per line on the subprocess pipes.

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// jsonRPCMessage is the envelope for anything read off the agent's stdout.
// A response carries ID plus result or error; a notification carries method
// plus params; an agent-to-client request carries both ID and method.
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// ACP method payloads.

type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type InitializeResult struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AgentInfo       json.RawMessage `json:"agentInfo,omitempty"`
}

type SessionNewParams struct {
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type SessionLoadParams struct {
	SessionID  string `json:"sessionId"`
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

type SessionSetModelParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// session/update notification body.

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type sessionUpdateBody struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *ContentBlock `json:"content,omitempty"`
	ToolCallID    string        `json:"toolCallId,omitempty"`
	Title         string        `json:"title,omitempty"`
	Kind          string        `json:"kind,omitempty"`
	Status        string        `json:"status,omitempty"`
}

// Update is one event on a prompt turn's stream.
type Update interface{ isUpdate() }

// MessageChunk is a fragment of assistant text.
type MessageChunk struct {
	Text string
}

// ToolCallStart announces a new tool invocation.
type ToolCallStart struct {
	ID     string
	Title  string
	Kind   string
	Status string
}

// ToolCallUpdate reports progress on a previously announced tool call.
type ToolCallUpdate struct {
	ID     string
	Title  string
	Status string
}

// UnknownUpdate carries a session update kind this client does not model.
// Consumers typically ignore it.
type UnknownUpdate struct {
	Kind string
}

// TurnEnd is emitted exactly once, after the prompt response has arrived
// and every queued notification has been delivered.
type TurnEnd struct {
	StopReason string
}

// TurnFailed terminates the stream when the turn cannot complete: the
// agent returned an error, or the process died mid-turn.
type TurnFailed struct {
	Err error
}

func (MessageChunk) isUpdate()   {}
func (ToolCallStart) isUpdate()  {}
func (ToolCallUpdate) isUpdate() {}
func (UnknownUpdate) isUpdate()  {}
func (TurnEnd) isUpdate()        {}
func (TurnFailed) isUpdate()     {}

// StopReasonCancelled is the stop reason the agent reports after a
// session/cancel notification ends the turn.
const StopReasonCancelled = "cancelled"
