package circuitbreaker

import "time"

// Settings tune a breaker, as they appear in the circuit_breaker section
// of the config file. Zero fields fall back to the per-target defaults.
type Settings struct {
	// MaxRequests is the probe budget while half-open
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval clears the closed-state counters; zero never clears them
	Interval time.Duration `mapstructure:"interval"`
	// Timeout is how long the breaker stays open before probing
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// DefaultSettings fills any setting left unset by the target defaults
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// StoreSettings returns the defaults for session store breakers
func StoreSettings() Settings {
	return Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

// HTTPSettings returns the defaults for remote agent breakers. Agent calls
// are slow, so the breaker waits longer before probing.
func HTTPSettings() Settings {
	return Settings{
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
}

// Merge returns s with every zero field taken from defaults
func (s Settings) Merge(defaults Settings) Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = defaults.MaxRequests
	}
	if s.Interval == 0 {
		s.Interval = defaults.Interval
	}
	if s.Timeout == 0 {
		s.Timeout = defaults.Timeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = defaults.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = defaults.SuccessThreshold
	}
	return s
}
