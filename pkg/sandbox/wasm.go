package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/patina/patina/pkg/engine"
)

const (
	// wasmPageBytes is the WebAssembly page size.
	wasmPageBytes = 65536

	// defaultWASMPages caps guest memory when the unit sets no budget.
	defaultWASMPages = 256 // 16 MiB
)

// WASMConfig configures the managed-runtime engine.
type WASMConfig struct {
	Logger zerolog.Logger
}

// WASMEngine executes precompiled WebAssembly units in-process under
// wazero. The guest exports alloc and run; run receives its input
// buffer and returns a packed pointer/length (ptr<<32 | len) locating
// the JSON ResultEnvelope in guest memory.
//
// WASM units run without tool access: there is no host import surface
// for tool calls, so a unit declaring AllowedTools is rejected up
// front rather than silently losing its capabilities.
type WASMEngine struct {
	runtime wazero.Runtime
	logger  zerolog.Logger
}

// NewWASMEngine creates the wazero-backed engine.
func NewWASMEngine(ctx context.Context, cfg WASMConfig) *WASMEngine {
	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(defaultWASMPages)
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WASMEngine{
		runtime: r,
		logger:  cfg.Logger.With().Str("component", "sandbox-wasm").Logger(),
	}
}

// Name implements Engine.
func (w *WASMEngine) Name() engine.EngineName { return engine.EngineWASM }

// Health implements Engine.
func (w *WASMEngine) Health(ctx context.Context) error { return nil }

// Close implements Engine.
func (w *WASMEngine) Close() error {
	return w.runtime.Close(context.Background())
}

// Execute implements Engine.
func (w *WASMEngine) Execute(
	ctx context.Context,
	nodeID string,
	unit *engine.ExecutionUnit,
	tools ToolProxy,
) (*engine.ResultEnvelope, *engine.Error) {
	if len(unit.AllowedTools) > 0 {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"wasm engine does not support tool calls", nil).WithNode(nodeID)
	}
	if len(unit.Code) == 0 {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"empty module payload", nil).WithNode(nodeID)
	}

	wallClock := unit.Budget.WallClock
	if wallClock == 0 {
		wallClock = DefaultWallClock
	}
	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	compiled, err := w.runtime.CompileModule(runCtx, unit.Code)
	if err != nil {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"module does not compile: "+err.Error(), err).WithNode(nodeID)
	}
	defer compiled.Close(context.Background())

	input, err := json.Marshal(unit.Params)
	if err != nil {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
			"unserializable unit params", err).WithNode(nodeID)
	}

	modCfg := wazero.NewModuleConfig().WithName(nodeID).WithStartFunctions("_initialize")
	mod, err := w.runtime.InstantiateModule(runCtx, compiled, modCfg)
	if err != nil {
		return nil, w.mapRunError(nodeID, wallClock, err)
	}
	defer mod.Close(context.Background())

	alloc := mod.ExportedFunction("alloc")
	run := mod.ExportedFunction("run")
	if alloc == nil || run == nil {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"module must export alloc and run", nil).WithNode(nodeID)
	}

	start := time.Now()

	allocRes, err := alloc.Call(runCtx, uint64(len(input)))
	if err != nil {
		return nil, w.mapRunError(nodeID, wallClock, err)
	}
	inPtr := allocRes[0]
	if !mod.Memory().Write(uint32(inPtr), input) {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"guest allocation out of bounds", nil).WithNode(nodeID)
	}

	runRes, err := run.Call(runCtx, inPtr, uint64(len(input)))
	if err != nil {
		return nil, w.mapRunError(nodeID, wallClock, err)
	}
	packed := runRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	raw, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
			"guest result out of bounds", nil).WithNode(nodeID)
	}

	var envelope engine.ResultEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
			"guest returned undecodable envelope", err).WithNode(nodeID)
	}
	envelope.Metrics.CPUMillis = time.Since(start).Milliseconds()
	if mem := mod.Memory(); mem != nil {
		envelope.Metrics.MemMB = int64(mem.Size()) / (1024 * 1024)
	}

	return &envelope, nil
}

func (w *WASMEngine) mapRunError(nodeID string, wallClock time.Duration, err error) *engine.Error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return engine.NewError(engine.ErrorKindBudget, engine.CodeCPULimit,
				fmt.Sprintf("unit exceeded wall clock budget %s", wallClock), err).WithNode(nodeID)
		case sys.ExitCodeContextCanceled:
			return engine.NewError(engine.ErrorKindSandbox, engine.CodeProcCrash,
				"unit cancelled", err).WithNode(nodeID)
		}
		return engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
			fmt.Sprintf("module exited with code %d", exitErr.ExitCode()), err).WithNode(nodeID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewError(engine.ErrorKindBudget, engine.CodeCPULimit,
			fmt.Sprintf("unit exceeded wall clock budget %s", wallClock), err).WithNode(nodeID)
	}
	return engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
		"module trapped during execution", err).WithNode(nodeID)
}
