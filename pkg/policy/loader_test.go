package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadYAMLManifest(t *testing.T) {
	path := writeManifest(t, "policy.yaml", `
allow:
  - pattern: "mcp://fs.read"
  - pattern: "mcp://search.*"
    rate_limit:
      limit: 10
      window: 60s
deny:
  - pattern: "mcp://mail.*"
`)

	manifest, err := NewLoader(zerolog.Nop()).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(manifest.Allow) != 2 || len(manifest.Deny) != 1 {
		t.Errorf("Load() = %d allow, %d deny, want 2/1", len(manifest.Allow), len(manifest.Deny))
	}
	rl := manifest.Allow[1].RateLimit
	if rl == nil || rl.Limit != 10 || rl.Window != time.Minute {
		t.Errorf("rate limit = %+v, want limit 10 window 1m", rl)
	}
}

func TestLoadJSONManifest(t *testing.T) {
	path := writeManifest(t, "policy.json", `{"allow": [{"pattern": "mcp://fs.read"}]}`)
	manifest, err := NewLoader(zerolog.Nop()).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(manifest.Allow) != 1 {
		t.Errorf("len(Allow) = %d, want 1", len(manifest.Allow))
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"missing pattern", "p.yaml", "allow:\n  - fields: [a]\n"},
		{"zero rate limit", "p.yaml", "allow:\n  - pattern: x\n    rate_limit:\n      limit: 0\n      window: 60s\n"},
		{"bad yaml", "p.yaml", ":\n:::"},
		{"bad json", "p.json", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.file, tt.content)
			if _, err := NewLoader(zerolog.Nop()).Load(path); err == nil {
				t.Error("Load() accepted an invalid manifest")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader(zerolog.Nop()).Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded on a missing file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeManifest(t, "policy.yaml", `allow: [{pattern: "mcp://one"}]`)

	w, err := NewWatcher(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if got := len(w.Current().Allow); got != 1 {
		t.Fatalf("initial Allow = %d rules, want 1", got)
	}

	if err := os.WriteFile(path, []byte(`allow: [{pattern: "mcp://one"}, {pattern: "mcp://two"}]`), 0o600); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Current().Allow) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("manifest not reloaded: %d allow rules", len(w.Current().Allow))
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	path := writeManifest(t, "policy.yaml", `allow: [{pattern: "mcp://one"}]`)

	w, err := NewWatcher(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(":\n:::"), 0o600); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := len(w.Current().Allow); got != 1 {
		t.Errorf("bad reload replaced manifest: %d allow rules", got)
	}
}
