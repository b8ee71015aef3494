package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	exec := &ExecuteMessage{
		UnitID:    "u1",
		Engine:    "starlark",
		Code:      []byte("x = 1"),
		Params:    map[string]any{"limit": float64(10)},
		CPUMillis: 5000,
		MaxOps:    100000,
	}
	if err := enc.Encode(MessageTypeExecute, exec); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := enc.Encode(MessageTypeCancel, &CancelMessage{UnitID: "u1", Reason: "test"}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != MessageTypeExecute {
		t.Errorf("Type = %s, want %s", msg.Type, MessageTypeExecute)
	}
	var gotExec ExecuteMessage
	if err := ParseData(msg.Data, &gotExec); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if gotExec.UnitID != "u1" || string(gotExec.Code) != "x = 1" || gotExec.CPUMillis != 5000 {
		t.Errorf("ParseData() = %+v, round trip lost fields", gotExec)
	}
	if gotExec.Params["limit"] != float64(10) {
		t.Errorf("Params = %v, want limit 10", gotExec.Params)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != MessageTypeCancel {
		t.Errorf("Type = %s, want %s", msg.Type, MessageTypeCancel)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestEncodeRejectsInvalidType(t *testing.T) {
	enc := NewEncoder(&bytes.Buffer{})
	if err := enc.Encode(MessageType("BOGUS"), nil); err == nil {
		t.Error("Encode() accepted an invalid message type")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "this is not json\n"},
		{"unknown type", `{"type": "BOGUS"}` + "\n"},
		{"empty line", "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input))
			if _, err := dec.Decode(); err == nil || errors.Is(err, io.EOF) {
				t.Errorf("Decode() = %v, want protocol violation", err)
			}
		})
	}
}

func TestExecuteMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     ExecuteMessage
		wantErr bool
	}{
		{"valid", ExecuteMessage{UnitID: "u1", Engine: "starlark", Code: []byte("x")}, false},
		{"missing unit id", ExecuteMessage{Engine: "starlark", Code: []byte("x")}, true},
		{"missing engine", ExecuteMessage{UnitID: "u1", Code: []byte("x")}, true},
		{"missing code", ExecuteMessage{UnitID: "u1", Engine: "starlark"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageTypeValidate(t *testing.T) {
	valid := []MessageType{
		MessageTypeReady, MessageTypeExecute, MessageTypeToolCall,
		MessageTypeToolResult, MessageTypeResult, MessageTypeError,
		MessageTypeCancel,
	}
	for _, mt := range valid {
		if err := mt.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", mt, err)
		}
	}
	if err := MessageType("").Validate(); err == nil {
		t.Error("Validate(\"\") = nil, want error")
	}
}

func TestEncoderConcurrentWritesStayFramed(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 25; j++ {
				if err := enc.Encode(MessageTypeToolCall, &ToolCallMessage{CallID: "c", Tool: "t"}); err != nil {
					t.Errorf("Encode() error = %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	count := 0
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode() after %d messages: %v", count, err)
		}
		if msg.Type != MessageTypeToolCall {
			t.Fatalf("message %d type = %s", count, msg.Type)
		}
		count++
	}
	if count != 100 {
		t.Errorf("decoded %d messages, want 100", count)
	}
}
