package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/engine"
	"github.com/patina/patina/pkg/sandbox/protocol"
)

// DefaultStartupTimeout bounds the wait for a worker's READY message.
const DefaultStartupTimeout = 5 * time.Second

// DefaultWallClock bounds a unit that sets no wall-clock budget.
const DefaultWallClock = 60 * time.Second

// ProcessConfig configures the subprocess engine.
type ProcessConfig struct {
	// WorkerPath is the patina-worker binary path.
	WorkerPath string

	// StartupTimeout bounds the READY wait.
	StartupTimeout time.Duration

	// Logger receives engine and worker-stderr logs.
	Logger zerolog.Logger
}

// ProcessEngine runs each unit in a fresh worker subprocess. One
// process per unit: no interpreter state survives across nodes, and a
// crash takes down only its own unit.
type ProcessEngine struct {
	cfg    ProcessConfig
	logger zerolog.Logger
}

// NewProcessEngine creates the subprocess engine.
func NewProcessEngine(cfg ProcessConfig) *ProcessEngine {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &ProcessEngine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sandbox").Logger(),
	}
}

// Name implements Engine.
func (p *ProcessEngine) Name() engine.EngineName { return engine.EngineStarlark }

// Health implements Engine by checking the worker binary is runnable.
func (p *ProcessEngine) Health(ctx context.Context) error {
	_, err := exec.LookPath(p.cfg.WorkerPath)
	return err
}

// Close implements Engine. Workers are per-unit, nothing is pooled.
func (p *ProcessEngine) Close() error { return nil }

// Execute implements Engine. The watchdog goroutine holds the only
// kill handle for the worker process: every exit path funnels through
// it, so a unit can never outlive its wall-clock budget or its run.
func (p *ProcessEngine) Execute(
	ctx context.Context,
	nodeID string,
	unit *engine.ExecutionUnit,
	tools ToolProxy,
) (*engine.ResultEnvelope, *engine.Error) {
	if serr := StaticCheck(nodeID, unit.Code); serr != nil {
		return nil, serr
	}

	wallClock := unit.Budget.WallClock
	if wallClock == 0 {
		wallClock = DefaultWallClock
	}

	cmd := exec.Command(p.cfg.WorkerPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"open worker stdin: "+err.Error(), err).WithNode(nodeID)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"open worker stdout: "+err.Error(), err).WithNode(nodeID)
	}
	cmd.Stderr = workerStderr{logger: p.logger.With().Str("node", nodeID).Logger()}

	if err := cmd.Start(); err != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"start worker: "+err.Error(), err).WithNode(nodeID)
	}
	p.logger.Debug().Str("node", nodeID).Int("pid", cmd.Process.Pid).Msg("worker started")

	// The watchdog alone may kill the process. done is closed by the
	// session when a terminal message arrives; expired reports whether
	// the wall clock fired first.
	done := make(chan struct{})
	expired := make(chan struct{})
	go func() {
		timer := time.NewTimer(wallClock)
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
		case <-timer.C:
			close(expired)
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	envelope, runErr := p.runSession(ctx, nodeID, unit, tools, stdin, stdout)
	close(done)

	select {
	case <-expired:
		return nil, engine.NewError(engine.ErrorKindBudget, engine.CodeCPULimit,
			fmt.Sprintf("unit exceeded wall clock budget %s", wallClock), nil).
			WithNode(nodeID)
	default:
	}
	if ctx.Err() != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"unit cancelled", ctx.Err()).WithNode(nodeID)
	}
	return envelope, runErr
}

// runSession drives one worker through READY, EXEC, and the tool-call
// pump until a terminal RESULT or ERROR.
func (p *ProcessEngine) runSession(
	ctx context.Context,
	nodeID string,
	unit *engine.ExecutionUnit,
	tools ToolProxy,
	stdin io.WriteCloser,
	stdout io.Reader,
) (*engine.ResultEnvelope, *engine.Error) {
	enc := protocol.NewEncoder(stdin)
	dec := protocol.NewDecoder(stdout)

	type decoded struct {
		msg *protocol.Message
		err error
	}
	// Buffered so the pump can flush its final error after the session
	// returns and the watchdog closes the pipes.
	messages := make(chan decoded, 8)
	go func() {
		for {
			msg, err := dec.Decode()
			messages <- decoded{msg, err}
			if err != nil {
				return
			}
		}
	}()

	next := func() (*protocol.Message, *engine.Error) {
		select {
		case d := <-messages:
			if d.err == io.EOF {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"worker exited unexpectedly", d.err).WithNode(nodeID).AsRetriable()
			}
			if d.err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"protocol violation: "+d.err.Error(), d.err).WithNode(nodeID).AsRetriable()
			}
			return d.msg, nil
		case <-ctx.Done():
			return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
				"unit cancelled", ctx.Err()).WithNode(nodeID)
		}
	}

	// Handshake.
	readyDeadline := time.NewTimer(p.cfg.StartupTimeout)
	defer readyDeadline.Stop()
	readyCh := make(chan decoded, 1)
	go func() {
		d := <-messages
		readyCh <- d
	}()
	select {
	case d := <-readyCh:
		if d.err != nil || d.msg.Type != protocol.MessageTypeReady {
			return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
				"worker failed handshake", d.err).WithNode(nodeID).AsRetriable()
		}
	case <-readyDeadline.C:
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"worker did not become ready", nil).WithNode(nodeID).AsRetriable()
	case <-ctx.Done():
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"unit cancelled", ctx.Err()).WithNode(nodeID)
	}

	exec := protocol.ExecuteMessage{
		UnitID:         nodeID,
		Engine:         string(unit.Engine),
		Code:           unit.Code,
		Params:         unit.Params,
		AllowedTools:   unit.AllowedTools,
		CPUMillis: unit.Budget.CPUMillis,
		MemMB:     unit.Budget.MemMB,
		MaxOps:    unit.Budget.MaxOps,
	}
	if err := enc.Encode(protocol.MessageTypeExecute, exec); err != nil {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"send unit: "+err.Error(), err).WithNode(nodeID).AsRetriable()
	}

	for {
		msg, merr := next()
		if merr != nil {
			return nil, merr
		}

		switch msg.Type {
		case protocol.MessageTypeToolCall:
			var call protocol.ToolCallMessage
			if err := protocol.ParseData(msg.Data, &call); err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"undecodable tool call", err).WithNode(nodeID)
			}
			answer := protocol.ToolResultMessage{CallID: call.CallID}
			value, callErr := tools(ctx, nodeID, call.Tool, call.Args)
			if callErr != nil {
				answer.Error = wireError(callErr)
			} else if raw, err := json.Marshal(value); err != nil {
				answer.Error = wireError(engine.NewError(engine.ErrorKindTool,
					engine.CodeToolFailed, "unserializable tool result", err))
			} else {
				answer.Result = raw
			}
			if err := enc.Encode(protocol.MessageTypeToolResult, answer); err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"send tool result: "+err.Error(), err).WithNode(nodeID)
			}

		case protocol.MessageTypeResult:
			var result protocol.ResultMessage
			if err := protocol.ParseData(msg.Data, &result); err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"undecodable result", err).WithNode(nodeID)
			}
			var envelope engine.ResultEnvelope
			if err := json.Unmarshal(result.Envelope, &envelope); err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"undecodable envelope", err).WithNode(nodeID)
			}
			return &envelope, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
					"undecodable error", err).WithNode(nodeID)
			}
			e := engine.NewError(engine.ErrorKind(errMsg.Error.Kind), errMsg.Error.Code,
				errMsg.Error.Message, nil).WithNode(nodeID)
			e.Retriable = errMsg.Error.Retriable
			return nil, e

		default:
			return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
				fmt.Sprintf("unexpected message type %s", msg.Type), nil).WithNode(nodeID)
		}
	}
}

func wireError(e *engine.Error) *protocol.WireError {
	return &protocol.WireError{
		Kind:      string(e.Kind),
		Code:      e.Code,
		Message:   e.Message,
		Retriable: e.Retriable,
	}
}

// workerStderr forwards worker stderr lines into the host log.
type workerStderr struct {
	logger zerolog.Logger
}

func (w workerStderr) Write(p []byte) (int, error) {
	w.logger.Debug().Str("stream", "stderr").Msg(string(p))
	return len(p), nil
}
