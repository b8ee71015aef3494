// Package worker implements the sandbox worker runtime: a Starlark
// interpreter with in-interpreter budgets plus the protocol loop served
// by the patina-worker binary. Interpreter limits are enforced in
// addition to OS limits because OS ceilings alone cannot stop a script
// that stays under them while violating a tighter per-unit policy.
package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/patina/patina/pkg/engine"
)

// fileOptions is the dialect served to units: sets, top-level control
// flow, and global reassignment are on; recursion and while stay off
// so call depth stays bounded.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	GlobalReassign:  true,
	TopLevelControl: true,
}

// Limits is the interpreter-level budget for one unit.
type Limits struct {
	// MaxOps caps Starlark execution steps.
	MaxOps int64

	// MaxStringBytes caps any single string value.
	MaxStringBytes int

	// MaxCollectionLen caps any list/dict/tuple length.
	MaxCollectionLen int
}

// DefaultLimits are applied where a unit budget leaves fields unset.
var DefaultLimits = Limits{
	MaxOps:           1_000_000,
	MaxStringBytes:   1 << 20,
	MaxCollectionLen: 100_000,
}

// ToolFunc invokes one tool on behalf of the script. The implementation
// proxies to the host, which re-checks policy before any I/O.
type ToolFunc func(tool string, args map[string]any) (any, *engine.Error)

// Interpreter executes one Starlark unit under Limits.
//
// Capability surface: the script sees its params, a small set of pure
// builtins, and tool(). There is no file, network, clock, or dynamic
// evaluation access, and load() is not wired. Recursion is rejected by
// the resolver, which bounds call depth.
type Interpreter struct {
	limits Limits

	mu     sync.Mutex
	active *starlark.Thread
}

// NewInterpreter creates an interpreter with the given limits. Zero
// fields fall back to DefaultLimits.
func NewInterpreter(limits Limits) *Interpreter {
	if limits.MaxOps == 0 {
		limits.MaxOps = DefaultLimits.MaxOps
	}
	if limits.MaxStringBytes == 0 {
		limits.MaxStringBytes = DefaultLimits.MaxStringBytes
	}
	if limits.MaxCollectionLen == 0 {
		limits.MaxCollectionLen = DefaultLimits.MaxCollectionLen
	}
	return &Interpreter{limits: limits}
}

// Run executes the unit payload. The envelope's Summary comes from the
// script's `summary` global, StateUpdates from its `state` dict.
func (in *Interpreter) Run(
	unitID string,
	code []byte,
	params map[string]any,
	allowedTools []string,
	toolFn ToolFunc,
) (*engine.ResultEnvelope, *engine.Error) {
	start := time.Now()

	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}

	var (
		toolCalls int64
		opBreach  bool
		toolErr   *engine.Error
	)

	thread := &starlark.Thread{
		Name: unitID,
		Print: func(_ *starlark.Thread, _ string) {
			// Print output is dropped; results travel in the envelope.
		},
	}
	in.mu.Lock()
	in.active = thread
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.active = nil
		in.mu.Unlock()
	}()

	thread.SetMaxExecutionSteps(uint64(in.limits.MaxOps))
	thread.OnMaxSteps = func(th *starlark.Thread) {
		opBreach = true
		th.Cancel("operation budget exhausted")
	}

	toolBuiltin := starlark.NewBuiltin("tool", func(
		th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
			return nil, err
		}
		if !allowed[name] {
			toolErr = engine.NewError(engine.ErrorKindPolicy, engine.CodeCapabilityDenied,
				fmt.Sprintf("tool %s not in unit allowlist", name), nil)
			th.Cancel("capability denied")
			return nil, fmt.Errorf("tool %s not allowed", name)
		}
		callArgs := make(map[string]any, len(kwargs))
		for _, kv := range kwargs {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("tool argument names must be identifiers")
			}
			goVal, err := in.fromStarlark(kv[1], 0)
			if err != nil {
				return nil, err
			}
			callArgs[string(key)] = goVal
		}
		toolCalls++
		result, callErr := toolFn(name, callArgs)
		if callErr != nil {
			toolErr = callErr
			th.Cancel("tool call failed")
			return nil, fmt.Errorf("tool %s: %s", name, callErr.Message)
		}
		return in.toStarlark(result)
	})

	// Params travel as one dict so a param name can never shadow a
	// builtin.
	paramsVal, err := in.toStarlark(params)
	if err != nil {
		return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
			"unit params are not representable", err)
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"tool":   toolBuiltin,
		"params": paramsVal,
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, unitID+".star", code, predeclared)
	if err != nil {
		switch {
		case toolErr != nil:
			return nil, toolErr
		case opBreach:
			return nil, engine.NewError(engine.ErrorKindBudget, engine.CodeOpLimit,
				"script exceeded operation budget", err)
		default:
			return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
				redactEvalError(err), err)
		}
	}

	envelope, convErr := in.envelopeFromGlobals(globals)
	if convErr != nil {
		return nil, convErr
	}
	envelope.Metrics = engine.EnvelopeMetrics{
		CPUMillis:      time.Since(start).Milliseconds(),
		OperationCount: int64(thread.ExecutionSteps()),
		ToolCallCount:  toolCalls,
	}


	return envelope, nil
}

// Cancel aborts the running script, if any. Safe to call from another
// goroutine; the interpreter fails the unit with a CODE error unless a
// typed error was already recorded.
func (in *Interpreter) Cancel(reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.active != nil {
		in.active.Cancel(reason)
	}
}

// envelopeFromGlobals extracts summary and state from script globals.
func (in *Interpreter) envelopeFromGlobals(globals starlark.StringDict) (*engine.ResultEnvelope, *engine.Error) {
	envelope := &engine.ResultEnvelope{}

	if v, ok := globals["summary"]; ok {
		s, ok := v.(starlark.String)
		if !ok {
			return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
				"summary global must be a string", nil)
		}
		if len(s) > in.limits.MaxStringBytes {
			return nil, engine.NewError(engine.ErrorKindBudget, engine.CodeOutputLimit,
				"summary exceeds string size cap", nil)
		}
		envelope.Summary = string(s)
	}

	if v, ok := globals["state"]; ok {
		dict, ok := v.(*starlark.Dict)
		if !ok {
			return nil, engine.NewError(engine.ErrorKindCode, engine.CodeScriptFailed,
				"state global must be a dict", nil)
		}
		goVal, err := in.fromStarlark(dict, 0)
		if err != nil {
			return nil, engine.NewError(engine.ErrorKindBudget, engine.CodeOutputLimit, err.Error(), err)
		}
		envelope.StateUpdates = goVal.(map[string]any)
	}

	return envelope, nil
}

// toStarlark converts a Go value to a Starlark value.
func (in *Interpreter) toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := in.toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := in.toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type: %T", v)
	}
}

// fromStarlark converts a Starlark value to a Go value, enforcing the
// collection and string size caps as it walks.
func (in *Interpreter) fromStarlark(v starlark.Value, depth int) (any, error) {
	if depth > 32 {
		return nil, fmt.Errorf("value nesting exceeds limit")
	}
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		if len(val) > in.limits.MaxStringBytes {
			return nil, fmt.Errorf("string exceeds %d byte cap", in.limits.MaxStringBytes)
		}
		return string(val), nil
	case *starlark.List:
		if val.Len() > in.limits.MaxCollectionLen {
			return nil, fmt.Errorf("list exceeds %d element cap", in.limits.MaxCollectionLen)
		}
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := in.fromStarlark(val.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case starlark.Tuple:
		if val.Len() > in.limits.MaxCollectionLen {
			return nil, fmt.Errorf("tuple exceeds %d element cap", in.limits.MaxCollectionLen)
		}
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := in.fromStarlark(val.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case *starlark.Dict:
		if val.Len() > in.limits.MaxCollectionLen {
			return nil, fmt.Errorf("dict exceeds %d entry cap", in.limits.MaxCollectionLen)
		}
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings")
			}
			value, err := in.fromStarlark(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[string(key)] = value
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := in.fromStarlark(attr, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type: %s", v.Type())
	}
}

// redactEvalError keeps the error position and message but strips any
// script source lines Starlark embeds in backtraces.
func redactEvalError(err error) string {
	var evalErr *starlark.EvalError
	if ok := asEvalError(err, &evalErr); ok {
		msg := evalErr.Msg
		if len(evalErr.CallStack) > 0 {
			frame := evalErr.CallStack.At(len(evalErr.CallStack) - 1)
			return fmt.Sprintf("script error at %s: %s", frame.Pos, msg)
		}
		return "script error: " + msg
	}
	// Syntax errors carry position and token only.
	line := err.Error()
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return "script error: " + line
}

func asEvalError(err error, target **starlark.EvalError) bool {
	e, ok := err.(*starlark.EvalError)
	if !ok {
		return false
	}
	*target = e
	return true
}
