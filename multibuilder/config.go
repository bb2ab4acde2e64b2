package multibuilder

import (
	"fmt"
	"time"

	"github.com/stableexo/warden-relay/retry"
)

// Config tunes selection, dispatch and reputation tracking of the Manager.
type Config struct {
	Strategy SelectionStrategy
	// TopN is the fan-out of StrategyTopN and StrategyAdaptive.
	TopN int
	// Value thresholds for StrategyValueBased, in the unit of NegotiatedBlock.TotalValue.
	LowValueThreshold    float64
	MediumValueThreshold float64
	HighValueThreshold   float64
	// MinSuccessRate filters builders in StrategyPerformanceBased.
	MinSuccessRate float64
	// Parallel dispatches to all builders at once, otherwise one by one in priority order.
	Parallel bool
	// Timeout bounds a single attempt against a builder.
	Timeout       time.Duration
	HealthTimeout time.Duration
	Retry         retry.Policy
	// MetricsEnabled turns on reputation tracking.
	MetricsEnabled bool
}

func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyTopN,
		TopN:                 DefaultTopN,
		LowValueThreshold:    100,
		MediumValueThreshold: 1000,
		HighValueThreshold:   10000,
		MinSuccessRate:       0.5,
		Parallel:             true,
		Timeout:              5 * time.Second,
		HealthTimeout:        2 * time.Second,
		Retry:                retry.DefaultPolicy(),
		MetricsEnabled:       true,
	}
}

func (c *Config) Validate() error {
	if _, err := ParseSelectionStrategy(string(c.Strategy)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.TopN < 0 {
		return fmt.Errorf("%w: top n must not be negative", ErrInvalidConfig)
	}
	if c.LowValueThreshold > c.MediumValueThreshold || c.MediumValueThreshold > c.HighValueThreshold {
		return fmt.Errorf("%w: value thresholds must be ordered low <= medium <= high", ErrInvalidConfig)
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("%w: min success rate must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Timeout <= 0 || c.HealthTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
