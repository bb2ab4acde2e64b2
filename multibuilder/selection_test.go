package multibuilder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func selectionRegistry() *Registry {
	return NewRegistry(
		testEndpoint("a", 0.40, true, 10),
		testEndpoint("b", 0.25, true, 20),
		testEndpoint("c", 0.20, true, 30),
		testEndpoint("d", 0.10, true, 40),
		testEndpoint("e", 0.05, false, 50),
	)
}

func TestSelectBuilders(t *testing.T) {
	cfg := DefaultConfig()
	rates := map[string]float64{"a": 0.9, "b": 0.2, "c": 0.5}
	successRate := func(id string) (float64, bool) {
		r, ok := rates[id]
		return r, ok
	}

	testCases := map[string]struct {
		strategy SelectionStrategy
		value    float64
		expected []string
	}{
		"all":                  {strategy: StrategyAll, expected: []string{"a", "b", "c", "d"}},
		"top n":                {strategy: StrategyTopN, expected: []string{"a", "b", "c"}},
		"adaptive is top n":    {strategy: StrategyAdaptive, expected: []string{"a", "b", "c"}},
		"value below low":      {strategy: StrategyValueBased, value: 50, expected: []string{"a"}},
		"value between low":    {strategy: StrategyValueBased, value: 500, expected: []string{"a"}},
		"value medium":         {strategy: StrategyValueBased, value: 1000, expected: []string{"a", "b", "c"}},
		"value high":           {strategy: StrategyValueBased, value: 10000, expected: []string{"a", "b", "c", "d"}},
		"performance filtered": {strategy: StrategyPerformanceBased, expected: []string{"a", "c", "d"}},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			selected := SelectBuilders(selectionRegistry(), &cfg, tc.strategy, tc.value, successRate)
			require.Equal(t, tc.expected, ids(selected))
		})
	}
}

func TestSelectBuilders_Empty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopN = 0
	require.Empty(t, SelectBuilders(selectionRegistry(), &cfg, StrategyTopN, 0, nil))

	inactive := NewRegistry(testEndpoint("a", 0.5, false, 0))
	require.Empty(t, SelectBuilders(inactive, &cfg, StrategyAll, 0, nil))
}

func TestSelectBuilders_PerformanceWithoutHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSuccessRate = 1
	selected := SelectBuilders(selectionRegistry(), &cfg, StrategyPerformanceBased, 0, NewMetricsTracker().SuccessRate)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(selected))
}

func TestParseSelectionStrategy(t *testing.T) {
	for in, expected := range map[string]SelectionStrategy{
		"ALL":               StrategyAll,
		"top_n":             StrategyTopN,
		" VALUE_BASED ":     StrategyValueBased,
		"performance_based": StrategyPerformanceBased,
		"Adaptive":          StrategyAdaptive,
	} {
		s, err := ParseSelectionStrategy(in)
		require.NoError(t, err, in)
		require.Equal(t, expected, s)
	}
	_, err := ParseSelectionStrategy("random")
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]func(c *Config){
		"strategy":   func(c *Config) { c.Strategy = "random" },
		"top n":      func(c *Config) { c.TopN = -1 },
		"thresholds": func(c *Config) { c.MediumValueThreshold = 1 },
		"rate":       func(c *Config) { c.MinSuccessRate = 1.5 },
		"timeout":    func(c *Config) { c.Timeout = 0 },
		"retry":      func(c *Config) { c.Retry.MaxAttempts = 0 },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}
