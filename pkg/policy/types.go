// Package policy implements the capability manifest and the PolicyGate
// that gates every tool call and write operation. Denials fail closed:
// absence of an explicit allow entry is a deny, never a default allow.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is a per-tool sliding window limit, reset per run.
type RateLimit struct {
	// Limit is the maximum number of calls within Window.
	Limit int `json:"limit" yaml:"limit" validate:"gt=0"`

	// Window is the sliding window duration.
	Window time.Duration `json:"window" yaml:"window" validate:"gt=0"`
}

// rateLimitDoc is the manifest form of RateLimit: the window is a
// duration string such as "60s".
type rateLimitDoc struct {
	Limit  int    `json:"limit" yaml:"limit"`
	Window string `json:"window" yaml:"window"`
}

// UnmarshalYAML decodes {limit, window} with a textual window.
func (r *RateLimit) UnmarshalYAML(value *yaml.Node) error {
	var doc rateLimitDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	return r.fromDoc(doc)
}

// UnmarshalJSON decodes {limit, window} with a textual window.
func (r *RateLimit) UnmarshalJSON(data []byte) error {
	var doc rateLimitDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return r.fromDoc(doc)
}

// MarshalJSON emits the manifest form.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateLimitDoc{Limit: r.Limit, Window: r.Window.String()})
}

// MarshalYAML emits the manifest form.
func (r RateLimit) MarshalYAML() (any, error) {
	return rateLimitDoc{Limit: r.Limit, Window: r.Window.String()}, nil
}

func (r *RateLimit) fromDoc(doc rateLimitDoc) error {
	window, err := time.ParseDuration(doc.Window)
	if err != nil {
		return fmt.Errorf("rate limit window: %w", err)
	}
	r.Limit = doc.Limit
	r.Window = window
	return nil
}

// Rule is one manifest entry. Pattern is a tool URI glob such as
// "mcp://fs.read" or "mcp://search.*".
type Rule struct {
	// Pattern matches tool URIs. '*' matches any run of characters.
	Pattern string `json:"pattern" yaml:"pattern" validate:"required"`

	// Fields optionally scopes write permission to named state keys.
	// Empty means the rule carries no field qualifier.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Rego is an optional qualifier policy evaluated per request. The
	// module must expose a deny set; any member denies the request.
	Rego string `json:"rego,omitempty" yaml:"rego,omitempty"`

	// RateLimit optionally bounds call frequency for matching tools.
	RateLimit *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Manifest is the allow/deny capability document. Loaded once per run
// and immutable for its duration.
type Manifest struct {
	// Allow lists permitted tool URI patterns.
	Allow []Rule `json:"allow" yaml:"allow"`

	// Deny lists forbidden tool URI patterns. Deny wins over allow.
	Deny []Rule `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Request is one capability check.
type Request struct {
	// Tool is the requested tool URI.
	Tool string `json:"tool"`

	// NodeID is the plan node making the request.
	NodeID string `json:"node_id,omitempty"`

	// Write marks a request that would mutate external state.
	Write bool `json:"write"`

	// Fields are the state keys a write would touch.
	Fields []string `json:"fields,omitempty"`
}

// Decision is the gate's verdict.
type Decision struct {
	// Allowed is true only when an allow rule matched, no deny rule
	// matched, qualifiers passed, and the rate limit had headroom.
	Allowed bool `json:"allowed"`

	// Reason explains a denial. Empty on allow.
	Reason string `json:"reason,omitempty"`

	// Rule is the pattern of the rule that decided the request.
	Rule string `json:"rule,omitempty"`

	// RateLimited marks a denial caused by the rule's rate limit
	// rather than by capability. Such denials clear on their own.
	RateLimited bool `json:"rate_limited,omitempty"`
}

// Allow is the affirmative decision.
func Allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

// Deny is the negative decision.
func Deny(reason, rule string) Decision {
	return Decision{Allowed: false, Reason: reason, Rule: rule}
}

// ToolURI maps a bare tool name onto its manifest URI form. Names
// already in URI form pass through unchanged.
func ToolURI(tool string) string {
	if strings.HasPrefix(tool, "mcp://") {
		return tool
	}
	return "mcp://" + tool
}
