// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package relay connects the daemon's MCP tool surface to a cloud relay
// over an outbound websocket, so remote agents can call local tools
// without any inbound port. The wire protocol is symmetric JSON frames
// discriminated by a "type" field; this file defines them for both sides.
package relay

import (
	"encoding/json"

	"github.com/oakdev/oak-ci/internal/mcp"
)

// MessageType discriminates wire frames.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegistered   MessageType = "registered"
	TypeToolCall     MessageType = "tool_call"
	TypeToolResult   MessageType = "tool_result"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeError        MessageType = "error"
)

// Message is the one frame shape both sides speak; unused fields are
// omitted per type.
type Message struct {
	Type MessageType `json:"type"`

	// register
	Tools []mcp.ToolInfo `json:"tools,omitempty"`

	// tool_call / tool_result
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMs int             `json:"timeout_ms,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// tool_result / error
	Error string `json:"error,omitempty"`
}

const (
	// heartbeatInterval is how often the daemon pings the relay;
	// heartbeatAckTimeout is how long it waits for the ack before
	// declaring the connection dead.
	heartbeatInterval   = 30 // seconds
	heartbeatAckTimeout = 10 // seconds

	// DefaultCallTimeoutMs bounds a tool call when the remote client
	// sent no timeout_ms.
	DefaultCallTimeoutMs = 30000
)
