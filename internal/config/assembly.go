package config

// AssemblyConfig configures the context assembler's token budget.
//
// Budget is the total size of the payload sent to the model, counted in
// token units. The stack tiers (root goal, ancestor path, sibling results,
// current detail) always fill first; memory facts take whatever remains.
type AssemblyConfig struct {
	// Budget is the default total token budget per assembly. Callers may
	// override it per call.
	Budget int `yaml:"budget"`

	// CharsPerToken calibrates the token estimate heuristic.
	CharsPerToken float64 `yaml:"chars_per_token"`

	// TraceLines caps how many recent trace lines the current frame's
	// detail segment includes.
	TraceLines int `yaml:"trace_lines"`
}

// DefaultAssemblyConfig returns a configuration sized for a 32k-token
// payload with the ~4 chars/token calibration.
func DefaultAssemblyConfig() AssemblyConfig {
	return AssemblyConfig{
		Budget:        32000,
		CharsPerToken: 4.0,
		TraceLines:    20,
	}
}

// NewAssemblyConfigWithBudget returns the default assembly configuration
// with a specific total budget.
func NewAssemblyConfigWithBudget(budget int) AssemblyConfig {
	cfg := DefaultAssemblyConfig()
	if budget >= 0 {
		cfg.Budget = budget
	}
	return cfg
}
