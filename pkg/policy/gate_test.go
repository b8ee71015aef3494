package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGate(t *testing.T, manifest *Manifest) *Gate {
	t.Helper()
	gate, err := NewGate(manifest, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	return gate
}

func TestDecideFailClosed(t *testing.T) {
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{Pattern: "mcp://fs.read"}},
	})

	tests := []struct {
		name    string
		tool    string
		allowed bool
	}{
		{"explicit allow", "mcp://fs.read", true},
		{"no allow entry", "mcp://fs.write", false},
		{"empty tool", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Decide(context.Background(), Request{Tool: tt.tool})
			if d.Allowed != tt.allowed {
				t.Errorf("Decide(%q).Allowed = %v, want %v (%s)", tt.tool, d.Allowed, tt.allowed, d.Reason)
			}
		})
	}
}

func TestDecideDenyWinsOverAllow(t *testing.T) {
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{Pattern: "mcp://*"}},
		Deny:  []Rule{{Pattern: "mcp://mail.*"}},
	})

	if d := gate.Decide(context.Background(), Request{Tool: "mcp://mail.send"}); d.Allowed {
		t.Error("deny rule did not override wildcard allow")
	}
	if d := gate.Decide(context.Background(), Request{Tool: "mcp://fs.read"}); !d.Allowed {
		t.Errorf("non-denied tool rejected: %s", d.Reason)
	}
}

func TestDecideFieldScopedWrites(t *testing.T) {
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{Pattern: "mcp://db.update", Fields: []string{"status", "notes"}}},
	})

	tests := []struct {
		name    string
		req     Request
		allowed bool
	}{
		{
			"write inside scope",
			Request{Tool: "mcp://db.update", Write: true, Fields: []string{"status"}},
			true,
		},
		{
			"write outside scope",
			Request{Tool: "mcp://db.update", Write: true, Fields: []string{"owner"}},
			false,
		},
		{
			"read ignores field scope",
			Request{Tool: "mcp://db.update", Write: false, Fields: []string{"owner"}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Decide(context.Background(), tt.req)
			if d.Allowed != tt.allowed {
				t.Errorf("Decide() = %v, want %v (%s)", d.Allowed, tt.allowed, d.Reason)
			}
		})
	}
}

func TestDecideRegoQualifier(t *testing.T) {
	qualifier := `package qualifiers

deny contains msg if {
	input.write
	input.node_id == "untrusted"
	msg := "untrusted node may not write"
}`
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{Pattern: "mcp://db.*", Rego: qualifier}},
	})

	if d := gate.Decide(context.Background(), Request{Tool: "mcp://db.update", Write: true, NodeID: "untrusted"}); d.Allowed {
		t.Error("qualifier deny ignored")
	}
	if d := gate.Decide(context.Background(), Request{Tool: "mcp://db.update", Write: true, NodeID: "vetted"}); !d.Allowed {
		t.Errorf("qualifier denied a passing request: %s", d.Reason)
	}
}

func TestNewGateRejectsBadRego(t *testing.T) {
	_, err := NewGate(&Manifest{
		Allow: []Rule{{Pattern: "mcp://x", Rego: "package broken\n\ndeny contains msg if {"}},
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("NewGate() accepted an uncompilable qualifier")
	}
}

func TestDecideRateLimit(t *testing.T) {
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{
			Pattern:   "mcp://search.query",
			RateLimit: &RateLimit{Limit: 2, Window: time.Minute},
		}},
	})
	now := time.Unix(1000, 0)
	gate.now = func() time.Time { return now }

	req := Request{Tool: "mcp://search.query"}
	for i := 0; i < 2; i++ {
		if d := gate.Decide(context.Background(), req); !d.Allowed {
			t.Fatalf("call %d denied: %s", i+1, d.Reason)
		}
	}

	d := gate.Decide(context.Background(), req)
	if d.Allowed {
		t.Fatal("third call within window admitted")
	}
	if !d.RateLimited {
		t.Error("rate limit denial not flagged RateLimited")
	}

	// The window slides: calls age out.
	now = now.Add(2 * time.Minute)
	if d := gate.Decide(context.Background(), req); !d.Allowed {
		t.Errorf("call after window denied: %s", d.Reason)
	}

	// Reset clears counters mid-window.
	gate.ResetWindows()
	for i := 0; i < 2; i++ {
		if d := gate.Decide(context.Background(), req); !d.Allowed {
			t.Fatalf("post-reset call %d denied: %s", i+1, d.Reason)
		}
	}
}

func TestCheckCapabilityDoesNotChargeLimits(t *testing.T) {
	gate := newTestGate(t, &Manifest{
		Allow: []Rule{{
			Pattern:   "mcp://search.query",
			RateLimit: &RateLimit{Limit: 1, Window: time.Minute},
		}},
		Deny: []Rule{{Pattern: "mcp://mail.*"}},
	})

	req := Request{Tool: "mcp://search.query"}
	for i := 0; i < 5; i++ {
		if d := gate.CheckCapability(context.Background(), req); !d.Allowed {
			t.Fatalf("feasibility check %d denied: %s", i+1, d.Reason)
		}
	}
	// The real call budget is untouched.
	if d := gate.Decide(context.Background(), req); !d.Allowed {
		t.Errorf("first real call denied after feasibility checks: %s", d.Reason)
	}

	if d := gate.CheckCapability(context.Background(), Request{Tool: "mcp://mail.send"}); d.Allowed {
		t.Error("CheckCapability allowed a denied tool")
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"mcp://fs.read", "mcp://fs.read", true},
		{"mcp://fs.read", "mcp://fs.write", false},
		{"mcp://fs.*", "mcp://fs.read", true},
		{"mcp://fs.*", "mcp://net.get", false},
		{"mcp://*", "mcp://anything/at.all", true},
		{"*", "mcp://x", true},
		{"", "mcp://x", false},
		{"mcp://*.read", "mcp://fs.read", true},
		{"mcp://*.read", "mcp://fs.write", false},
	}

	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.s); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}

func TestToolURI(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"db.query", "mcp://db.query"},
		{"mcp://db.query", "mcp://db.query"},
		{"mcp://fs.*", "mcp://fs.*"},
		{"", "mcp://"},
	}

	for _, tt := range tests {
		if got := ToolURI(tt.tool); got != tt.want {
			t.Errorf("ToolURI(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}
