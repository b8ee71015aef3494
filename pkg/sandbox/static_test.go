package sandbox

import (
	"bytes"
	"strings"
	"testing"

	"github.com/patina/patina/pkg/engine"
)

func TestStaticCheck(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		wantMsg string
	}{
		{
			name: "plain script passes",
			code: []byte("x = 1\nsummary = str(x)\n"),
		},
		{
			name: "functions and loops pass",
			code: []byte("def double(n):\n    return n * 2\n\nvalues = [double(i) for i in range(3)]\n"),
		},
		{
			name:    "empty payload",
			code:    nil,
			wantMsg: "empty code",
		},
		{
			name:    "oversized payload",
			code:    bytes.Repeat([]byte("x = 1\n"), MaxCodeBytes),
			wantMsg: "exceeds",
		},
		{
			name:    "invalid utf8",
			code:    []byte{0xff, 0xfe, 0xfd},
			wantMsg: "not valid UTF-8",
		},
		{
			name:    "syntax error",
			code:    []byte("def broken(:\n"),
			wantMsg: "syntax error",
		},
		{
			name:    "load statement",
			code:    []byte(`load("module.star", "helper")` + "\n"),
			wantMsg: "load statement",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StaticCheck("n1", tt.code)
			if tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("StaticCheck() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("StaticCheck() = nil, want rejection")
			}
			if err.Code != engine.CodeStaticRejected {
				t.Errorf("Code = %s, want %s", err.Code, engine.CodeStaticRejected)
			}
			if err.Retriable {
				t.Error("static rejection marked retriable")
			}
			if !strings.Contains(err.Message, tt.wantMsg) {
				t.Errorf("Message %q does not mention %q", err.Message, tt.wantMsg)
			}
			if err.NodeID != "n1" {
				t.Errorf("NodeID = %q, want n1", err.NodeID)
			}
		})
	}
}
