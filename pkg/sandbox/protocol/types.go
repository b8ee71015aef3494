// Package protocol defines the newline-delimited JSON messages spoken
// between the executor host and a sandbox worker over stdin/stdout.
// Any violation of this protocol is fatal to the worker: the watchdog
// terminates the process and reports SANDBOX/PROC_CRASH.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates protocol messages.
type MessageType string

const (
	// MessageTypeReady is sent once by the worker after startup.
	MessageTypeReady MessageType = "READY"
	// MessageTypeExecute carries an execution unit from the host.
	MessageTypeExecute MessageType = "EXEC"
	// MessageTypeToolCall is a tool invocation request from the worker.
	MessageTypeToolCall MessageType = "TOOL_CALL"
	// MessageTypeToolResult answers a TOOL_CALL.
	MessageTypeToolResult MessageType = "TOOL_RESULT"
	// MessageTypeResult carries the final ResultEnvelope.
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError reports a typed failure.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeCancel asks the worker to stop the current unit.
	MessageTypeCancel MessageType = "CANCEL"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces a live worker and its capability surface.
type ReadyMessage struct {
	Version string   `json:"version"`
	PID     int      `json:"pid"`
	Engines []string `json:"engines"`
}

// ExecuteMessage carries one unit of work. Budget fields mirror
// engine.Budget; the worker enforces the interpreter-level subset and
// applies OS limits before touching the payload. Output size is
// enforced host-side, where oversize summaries can be spilled.
type ExecuteMessage struct {
	UnitID       string         `json:"unit_id"`
	Engine       string         `json:"engine"`
	Code         []byte         `json:"code"`
	Params       map[string]any `json:"params,omitempty"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`

	CPUMillis int64 `json:"cpu_ms"`
	MemMB     int64 `json:"mem_mb"`
	MaxOps    int64 `json:"max_ops"`
}

// ToolCallMessage requests a tool invocation on behalf of the script.
// The host re-checks policy before any network activity.
type ToolCallMessage struct {
	CallID string         `json:"call_id"`
	UnitID string         `json:"unit_id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// ToolResultMessage answers one ToolCallMessage.
type ToolResultMessage struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// ResultMessage carries the unit's final envelope.
type ResultMessage struct {
	UnitID   string          `json:"unit_id"`
	Envelope json.RawMessage `json:"envelope"`
	Duration float64         `json:"duration_s"`
}

// WireError is the serialized form of a typed engine error.
type WireError struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ErrorMessage reports a unit failure.
type ErrorMessage struct {
	UnitID string    `json:"unit_id,omitempty"`
	Error  WireError `json:"error"`
}

// CancelMessage asks the worker to abandon the current unit.
type CancelMessage struct {
	UnitID string `json:"unit_id"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks the message type discriminator.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeExecute, MessageTypeToolCall,
		MessageTypeToolResult, MessageTypeResult, MessageTypeError,
		MessageTypeCancel:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks required fields of an execute message.
func (m *ExecuteMessage) Validate() error {
	if m.UnitID == "" {
		return fmt.Errorf("unit id is required")
	}
	if m.Engine == "" {
		return fmt.Errorf("engine is required")
	}
	if len(m.Code) == 0 {
		return fmt.Errorf("code payload is required")
	}
	return nil
}
