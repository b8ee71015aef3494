package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/engine"
	"github.com/patina/patina/pkg/sandbox/protocol"
)

// Version is the worker protocol version announced in READY.
const Version = "1"

// Runtime serves the sandbox protocol over a stream pair. One unit runs
// at a time; tool calls from the script are proxied to the host while
// the unit is in flight.
type Runtime struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	logger zerolog.Logger

	mu      sync.Mutex
	interp  *Interpreter
	pending map[string]chan *protocol.ToolResultMessage
}

// NewRuntime creates a worker runtime over the given streams. Logs go
// to stderr only; stdout belongs to the protocol.
func NewRuntime(in io.Reader, out io.Writer, logger zerolog.Logger) *Runtime {
	return &Runtime{
		enc:     protocol.NewEncoder(out),
		dec:     protocol.NewDecoder(in),
		logger:  logger.With().Str("component", "worker").Logger(),
		pending: make(map[string]chan *protocol.ToolResultMessage),
	}
}

// Serve announces readiness and processes messages until the host
// closes stdin. Undecodable input is fatal: the host's watchdog owns
// recovery, so the worker exits rather than guessing.
func (rt *Runtime) Serve() error {
	ready := protocol.ReadyMessage{
		Version: Version,
		PID:     os.Getpid(),
		Engines: []string{string(engine.EngineStarlark)},
	}
	if err := rt.enc.Encode(protocol.MessageTypeReady, ready); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	for {
		msg, err := rt.dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeExecute:
			var exec protocol.ExecuteMessage
			if err := protocol.ParseData(msg.Data, &exec); err != nil {
				return err
			}
			if err := exec.Validate(); err != nil {
				rt.sendError(exec.UnitID, engine.NewError(engine.ErrorKindSandbox,
					engine.CodeProcCrash, err.Error(), err))
				continue
			}
			go rt.execute(&exec)

		case protocol.MessageTypeToolResult:
			var result protocol.ToolResultMessage
			if err := protocol.ParseData(msg.Data, &result); err != nil {
				return err
			}
			rt.deliverToolResult(&result)

		case protocol.MessageTypeCancel:
			var cancel protocol.CancelMessage
			if err := protocol.ParseData(msg.Data, &cancel); err != nil {
				return err
			}
			rt.mu.Lock()
			interp := rt.interp
			rt.mu.Unlock()
			if interp != nil {
				interp.Cancel(cancel.Reason)
			}

		default:
			return fmt.Errorf("unexpected message type %s", msg.Type)
		}
	}
}

// execute runs one unit and reports RESULT or ERROR.
func (rt *Runtime) execute(exec *protocol.ExecuteMessage) {
	start := time.Now()
	cpuStart := CPUTimeMillis()

	if exec.CPUMillis > 0 || exec.MemMB > 0 {
		cpuSeconds := uint64(exec.CPUMillis/1000) + 1
		if err := ApplyProcessLimits(cpuSeconds, uint64(exec.MemMB), 64); err != nil {
			rt.sendError(exec.UnitID, engine.NewError(engine.ErrorKindSandbox,
				engine.CodeProcCrash, "apply resource limits: "+err.Error(), err))
			return
		}
	}

	interp := NewInterpreter(Limits{MaxOps: exec.MaxOps})
	rt.mu.Lock()
	rt.interp = interp
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.interp = nil
		rt.mu.Unlock()
	}()

	toolFn := func(tool string, args map[string]any) (any, *engine.Error) {
		return rt.callTool(exec.UnitID, tool, args)
	}

	envelope, runErr := interp.Run(exec.UnitID, exec.Code, exec.Params, exec.AllowedTools, toolFn)
	if runErr != nil {
		rt.logger.Debug().Str("unit", exec.UnitID).Str("code", runErr.Code).Msg("unit failed")
		rt.sendError(exec.UnitID, runErr)
		return
	}

	if cpu := CPUTimeMillis() - cpuStart; cpu > 0 {
		envelope.Metrics.CPUMillis = cpu
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		rt.sendError(exec.UnitID, engine.NewError(engine.ErrorKindSandbox,
			engine.CodeProcCrash, "marshal envelope: "+err.Error(), err))
		return
	}
	result := protocol.ResultMessage{
		UnitID:   exec.UnitID,
		Envelope: raw,
		Duration: time.Since(start).Seconds(),
	}
	if err := rt.enc.Encode(protocol.MessageTypeResult, result); err != nil {
		rt.logger.Error().Err(err).Str("unit", exec.UnitID).Msg("send result")
	}
}

// callTool proxies one tool invocation to the host and blocks for the
// answer. The host's watchdog bounds the wait.
func (rt *Runtime) callTool(unitID, tool string, args map[string]any) (any, *engine.Error) {
	callID := uuid.New().String()
	ch := make(chan *protocol.ToolResultMessage, 1)

	rt.mu.Lock()
	rt.pending[callID] = ch
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.pending, callID)
		rt.mu.Unlock()
	}()

	call := protocol.ToolCallMessage{
		CallID: callID,
		UnitID: unitID,
		Tool:   tool,
		Args:   args,
	}
	if err := rt.enc.Encode(protocol.MessageTypeToolCall, call); err != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"send tool call: "+err.Error(), err)
	}

	result := <-ch
	if result.Error != nil {
		return nil, FromWireError(result.Error)
	}
	var value any
	if len(result.Result) > 0 {
		if err := json.Unmarshal(result.Result, &value); err != nil {
			return nil, engine.NewError(engine.ErrorKindTool, engine.CodeToolFailed,
				"undecodable tool result", err)
		}
	}
	return value, nil
}

func (rt *Runtime) deliverToolResult(result *protocol.ToolResultMessage) {
	rt.mu.Lock()
	ch, ok := rt.pending[result.CallID]
	rt.mu.Unlock()
	if !ok {
		rt.logger.Warn().Str("call", result.CallID).Msg("tool result for unknown call")
		return
	}
	ch <- result
}

func (rt *Runtime) sendError(unitID string, e *engine.Error) {
	msg := protocol.ErrorMessage{
		UnitID: unitID,
		Error:  *ToWireError(e),
	}
	if err := rt.enc.Encode(protocol.MessageTypeError, msg); err != nil {
		rt.logger.Error().Err(err).Str("unit", unitID).Msg("send error")
	}
}

// ToWireError converts a typed error for the protocol.
func ToWireError(e *engine.Error) *protocol.WireError {
	return &protocol.WireError{
		Kind:      string(e.Kind),
		Code:      e.Code,
		Message:   e.Message,
		Retriable: e.Retriable,
	}
}

// FromWireError reconstructs a typed error from the protocol form.
func FromWireError(w *protocol.WireError) *engine.Error {
	e := engine.NewError(engine.ErrorKind(w.Kind), w.Code, w.Message, nil)
	e.Retriable = w.Retriable
	return e
}
