package throttle

import "time"

// AdaptiveConfig holds configuration for adaptive submission pacing.
type AdaptiveConfig struct {
	// Enabled controls whether pacing is active
	Enabled bool `yaml:"enabled"`

	// Gap bounds between two patients
	MinInterval time.Duration `yaml:"min_interval"` // Gap while the endpoint is fast (default: 0)
	MaxInterval time.Duration `yaml:"max_interval"` // Gap while the endpoint is slow (default: 5s)

	// Latency thresholds for interval adjustment
	LowLatencyThreshold  time.Duration `yaml:"low_latency"`  // Below this = min interval (default: 500ms)
	HighLatencyThreshold time.Duration `yaml:"high_latency"` // Above this = max interval (default: 2s)

	// Smoothing factor of the latency average, in (0, 1]
	Smoothing float64 `yaml:"smoothing"`
}

// DefaultConfig returns sensible defaults for adaptive pacing.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:              false,
		MinInterval:          0,
		MaxInterval:          5 * time.Second,
		LowLatencyThreshold:  500 * time.Millisecond,
		HighLatencyThreshold: 2 * time.Second,
		Smoothing:            0.3,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c AdaptiveConfig) WithDefaults() AdaptiveConfig {
	d := DefaultConfig()
	if c.MaxInterval == 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.LowLatencyThreshold == 0 {
		c.LowLatencyThreshold = d.LowLatencyThreshold
	}
	if c.HighLatencyThreshold == 0 {
		c.HighLatencyThreshold = d.HighLatencyThreshold
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = d.Smoothing
	}
	return c
}
