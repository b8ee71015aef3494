package engine

// BuiltinTemplates returns the deterministic plan templates shipped
// with the CLI.
func BuiltinTemplates() map[string]Template {
	return map[string]Template{
		// inline runs the goal text itself as a single script node.
		"inline": func(goal string, c Constraints) []NodeSpec {
			return []NodeSpec{{
				ID: "script",
				Unit: ExecutionUnit{
					Engine: EngineStarlark,
					Code:   []byte(goal),
				},
				Idempotent: true,
			}}
		},
	}
}
