package multibuilder

import (
	"fmt"
	"strings"
)

type SelectionStrategy string

const (
	StrategyAll              SelectionStrategy = "all"
	StrategyTopN             SelectionStrategy = "top_n"
	StrategyValueBased       SelectionStrategy = "value_based"
	StrategyPerformanceBased SelectionStrategy = "performance_based"
	// StrategyAdaptive is reserved. It currently selects exactly like StrategyTopN.
	StrategyAdaptive SelectionStrategy = "adaptive"
)

// ParseSelectionStrategy accepts both "top_n" and "TOP_N" spellings.
func ParseSelectionStrategy(s string) (SelectionStrategy, error) {
	strategy := SelectionStrategy(strings.ToLower(strings.TrimSpace(s)))
	switch strategy {
	case StrategyAll, StrategyTopN, StrategyValueBased, StrategyPerformanceBased, StrategyAdaptive:
		return strategy, nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", s)
}

// SuccessRateFunc reports the current success rate of a builder, ok is false when it has no history.
type SuccessRateFunc func(builderID string) (rate float64, ok bool)

// SelectBuilders picks the destinations for a bundle of the given value. It only reads the registry.
func SelectBuilders(registry *Registry, cfg *Config, strategy SelectionStrategy, value float64, successRate SuccessRateFunc) []BuilderEndpoint {
	switch strategy {
	case StrategyAll:
		return registry.GetActiveBuilders()
	case StrategyValueBased:
		switch {
		case value >= cfg.HighValueThreshold:
			return registry.GetActiveBuilders()
		case value >= cfg.MediumValueThreshold:
			return registry.GetTopBuilders(valueBasedMediumCount)
		default:
			return registry.GetTopBuilders(valueBasedLowCount)
		}
	case StrategyPerformanceBased:
		active := registry.GetActiveBuilders()
		selected := make([]BuilderEndpoint, 0, len(active))
		for _, b := range active {
			if successRate != nil {
				if rate, ok := successRate(b.ID); ok && rate < cfg.MinSuccessRate {
					continue
				}
			}
			// builders without history are not penalized
			selected = append(selected, b)
		}
		return selected
	case StrategyTopN, StrategyAdaptive:
		return registry.GetTopBuilders(cfg.TopN)
	default:
		return registry.GetTopBuilders(cfg.TopN)
	}
}
