package config

// CurationConfig configures the memory curator.
type CurationConfig struct {
	// DedupThreshold is the content-similarity score at or above which an
	// add-content delta merges into an existing valid fact of the same
	// section instead of inserting a new row.
	DedupThreshold float64 `yaml:"dedup_threshold"`
}

// DefaultCurationConfig returns the default curation thresholds.
func DefaultCurationConfig() CurationConfig {
	return CurationConfig{
		DedupThreshold: 0.90,
	}
}
