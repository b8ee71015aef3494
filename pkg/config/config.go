// Package config loads run profiles: the operator-facing document that
// binds constraints, tool servers, policy manifest, and telemetry into
// one named configuration. Profiles are CUE files validated against a
// built-in schema before anything touches them.
package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"

	"github.com/patina/patina/pkg/engine"
	"github.com/patina/patina/pkg/telemetry"
	"github.com/patina/patina/pkg/toolclient"
)

// Profile is one named run configuration.
type Profile struct {
	// Name identifies the profile.
	Name string `json:"name" validate:"required"`

	// DataDir holds the database and artifact tree.
	DataDir string `json:"data_dir" validate:"required"`

	// WorkerPath is the sandbox worker binary.
	WorkerPath string `json:"worker_path" validate:"required"`

	// PolicyManifest is the capability manifest path.
	PolicyManifest string `json:"policy_manifest" validate:"required"`

	// MaxReplans bounds re-planning rounds per run.
	MaxReplans int `json:"max_replans" validate:"gte=0,lte=5"`

	// Constraints are the default run constraints.
	Constraints engine.Constraints `json:"constraints"`

	// ToolServers lists the tool servers available to runs.
	ToolServers []toolclient.ServerConfig `json:"tool_servers" validate:"dive"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `json:"telemetry"`
}

// profileSchema constrains profile documents beyond Go-side checks.
const profileSchema = `
#Profile: {
	name:            string & !=""
	data_dir:        string & !=""
	worker_path:     string & !=""
	policy_manifest: string & !=""
	max_replans:     int & >=0 & <=5 | *1
	constraints: {
		max_nodes:   int & >=0 | *0
		max_workers: int & >=0 | *4
		...
	}
	tool_servers: [...{
		name:    string & !=""
		uri:     string & !=""
		version: string & !=""
		...
	}]
	...
}
`

// Loader parses and validates profiles.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader creates a profile loader.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(profileSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile profile schema: %w", err)
	}
	return &Loader{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Profile")),
		validate: validator.New(),
	}, nil
}

// Load reads, unifies, and validates one profile file.
func (l *Loader) Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return l.Parse(raw)
}

// Parse validates a profile document from memory.
func (l *Loader) Parse(raw []byte) (*Profile, error) {
	value := l.ctx.CompileBytes(raw)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	unified := l.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("profile does not satisfy schema: %w", err)
	}

	var profile Profile
	if err := unified.Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := l.validate.Struct(&profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if err := profile.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return &profile, nil
}

// Default returns the built-in development profile.
func Default() *Profile {
	return &Profile{
		Name:           "dev",
		DataDir:        "./data",
		WorkerPath:     "patina-worker",
		PolicyManifest: "./policy.yaml",
		MaxReplans:     1,
		Constraints: engine.Constraints{
			MaxWorkers: 4,
			NodeDefaults: engine.Budget{
				CPUMillis:      5000,
				MemMB:          256,
				MaxOps:         1_000_000,
				MaxOutputBytes: 256 * 1024,
			},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
