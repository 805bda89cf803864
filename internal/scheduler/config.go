// Package scheduler runs the background reconcile sweep over active runs.
package scheduler

import "time"

// Config defines the sweeper configuration.
type Config struct {
	// Interval between sweeps. Zero disables the sweeper.
	Interval time.Duration `yaml:"interval"`
	// GlobalMax is the configured bound on non-terminal runs, reported in stats.
	GlobalMax int `yaml:"global_max"`
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:  time.Second,
		GlobalMax: 10,
	}
}
