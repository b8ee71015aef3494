package sandbox

import (
	"fmt"
	"unicode/utf8"

	"go.starlark.net/syntax"

	"github.com/patina/patina/pkg/engine"
)

// MaxCodeBytes is the payload size ceiling enforced before any parse.
const MaxCodeBytes = 256 * 1024

// StaticCheck validates a Starlark payload before it ever reaches a
// worker. Rejections are CODE/STATIC_REJECTED and never retriable: the
// same payload fails the same way every time.
//
// Rejected constructs: payloads over MaxCodeBytes, invalid UTF-8,
// syntax errors, and load() statements. Dynamic evaluation builtins do
// not exist in the dialect, and the worker's predeclared environment
// contains no filesystem, network, or clock access, so the static gate
// only needs to close the module-loading door.
func StaticCheck(nodeID string, code []byte) *engine.Error {
	if len(code) == 0 {
		return engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"empty code payload", nil).WithNode(nodeID)
	}
	if len(code) > MaxCodeBytes {
		return engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			fmt.Sprintf("code payload %d bytes exceeds %d byte ceiling", len(code), MaxCodeBytes),
			nil).WithNode(nodeID)
	}
	if !utf8.Valid(code) {
		return engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"code payload is not valid UTF-8", nil).WithNode(nodeID)
	}

	file, err := syntax.Parse(nodeID+".star", code, 0)
	if err != nil {
		return engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
			"syntax error: "+firstLine(err.Error()), err).WithNode(nodeID)
	}

	var loadErr *engine.Error
	syntax.Walk(file, func(node syntax.Node) bool {
		if loadErr != nil {
			return false
		}
		if stmt, ok := node.(*syntax.LoadStmt); ok {
			pos := stmt.Load
			loadErr = engine.NewError(engine.ErrorKindCode, engine.CodeStaticRejected,
				fmt.Sprintf("load statement at %s is not permitted", pos), nil).WithNode(nodeID)
			return false
		}
		return true
	})
	return loadErr
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
