package config

// GateConfig configures the similarity/provenance gate.
type GateConfig struct {
	// SimilarityFloor is the minimum similarity score a candidate needs to
	// be admitted outright. Candidates below the floor count against the
	// distractor budget.
	SimilarityFloor float64 `yaml:"similarity_floor"`

	// DistractorBudget caps how many below-floor candidates may still be
	// admitted per call. Zero is the strict default: even one low-relevance
	// item measurably degrades output quality.
	DistractorBudget int `yaml:"distractor_budget"`
}

// DefaultGateConfig returns the maximally strict admission policy.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SimilarityFloor:  0.75,
		DistractorBudget: 0,
	}
}
