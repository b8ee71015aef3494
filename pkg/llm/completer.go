// Package llm abstracts the language model used for plan drafting.
// The execution core treats the model as an untrusted draft generator:
// everything it emits is validated before any of it runs.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Request is one completion request.
type Request struct {
	// System is the system prompt.
	System string

	// Prompt is the user prompt.
	Prompt string

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Response is one completion response.
type Response struct {
	// Text is the raw model output.
	Text string

	// TokensUsed is the total token count billed against the run's
	// token budget.
	TokensUsed int64
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Scripted is a deterministic completer that replays canned responses
// in order. Used by tests and by automation profiles that pin plans.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	next      int
}

// NewScripted creates a scripted completer over canned responses.
func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

// Complete implements Completer.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.responses) {
		return nil, fmt.Errorf("scripted completer exhausted after %d responses", len(s.responses))
	}
	resp := s.responses[s.next]
	s.next++
	return &resp, nil
}
