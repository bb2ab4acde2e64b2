package multibuilder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsTracker_RecordSubmission(t *testing.T) {
	tracker := NewMetricsTracker()

	_, ok := tracker.SuccessRate("a")
	require.False(t, ok)

	tracker.RecordSubmission("a", true, 100*time.Millisecond, 10)
	m, ok := tracker.Get("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), m.TotalSubmissions)
	require.Equal(t, 1.0, m.SuccessRate)
	// first sample seeds the average
	require.InDelta(t, 100.0, m.AvgLatencyMs, 1e-9)
	require.InDelta(t, 0.7, m.ReputationScore, 1e-9)

	tracker.RecordSubmission("a", false, 600*time.Millisecond, 10)
	m, _ = tracker.Get("a")
	require.Equal(t, uint64(2), m.TotalSubmissions)
	require.Equal(t, uint64(1), m.SuccessfulSubmissions)
	require.Equal(t, 0.5, m.SuccessRate)
	require.InDelta(t, 200.0, m.AvgLatencyMs, 1e-9)
	require.Equal(t, 20.0, m.TotalValueSubmitted)
	require.False(t, m.LastSubmission.IsZero())

	rate, ok := tracker.SuccessRate("a")
	require.True(t, ok)
	require.Equal(t, 0.5, rate)
}

func TestMetricsTracker_RecordInclusion(t *testing.T) {
	tracker := NewMetricsTracker()
	tracker.RecordResults([]BundleSubmissionResult{
		{BuilderID: "a", Success: true, Attempts: 1, Latency: 50 * time.Millisecond},
		{BuilderID: "a", Success: true, Attempts: 1, Latency: 50 * time.Millisecond},
		{BuilderID: "b", Success: false, Attempts: 3, Latency: 50 * time.Millisecond},
	}, 1)

	tracker.RecordInclusion("a", 0.3)
	m, _ := tracker.Get("a")
	require.Equal(t, uint64(1), m.IncludedBundles)
	require.Equal(t, 0.5, m.InclusionRate)
	require.Equal(t, 0.3, m.TotalValueCaptured)
	require.InDelta(t, 0.5+0.15+0.2, m.ReputationScore, 1e-9)

	// inclusions reported without a successful submission never push the rate above 1
	tracker.RecordInclusion("b", 0)
	m, _ = tracker.Get("b")
	require.Equal(t, 0.0, m.InclusionRate)
	tracker.RecordInclusion("a", 0)
	tracker.RecordInclusion("a", 0)
	m, _ = tracker.Get("a")
	require.Equal(t, 1.0, m.InclusionRate)
}

func TestMetricsTracker_ConcurrentUpdates(t *testing.T) {
	tracker := NewMetricsTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tracker.RecordSubmission("a", (i+j)%2 == 0, time.Millisecond, 1)
			}
		}(i)
	}
	wg.Wait()

	m, _ := tracker.Get("a")
	require.Equal(t, uint64(1000), m.TotalSubmissions)
	require.Equal(t, uint64(500), m.SuccessfulSubmissions)
	require.Equal(t, Ratio(m.SuccessfulSubmissions, m.TotalSubmissions), m.SuccessRate)
}

func TestMetricsTracker_SnapshotRestore(t *testing.T) {
	tracker := NewMetricsTracker()
	tracker.RecordSubmission("b", true, 10*time.Millisecond, 0)
	tracker.RecordSubmission("a", false, 10*time.Millisecond, 0)

	snapshot := tracker.Snapshot()
	require.Equal(t, []string{"a", "b"}, []string{snapshot[0].BuilderID, snapshot[1].BuilderID})

	// snapshots are copies
	snapshot[0].TotalSubmissions = 99
	m, _ := tracker.Get("a")
	require.Equal(t, uint64(1), m.TotalSubmissions)

	restored := NewMetricsTracker()
	restored.Restore([]BuilderMetrics{
		{BuilderID: "a", TotalSubmissions: 4, SuccessfulSubmissions: 3, SuccessRate: 0.1, AvgLatencyMs: 100},
		{BuilderID: "", TotalSubmissions: 1},
		{BuilderID: "broken", TotalSubmissions: 1, SuccessfulSubmissions: 2},
	})
	m, ok := restored.Get("a")
	require.True(t, ok)
	// derived fields are recomputed from the counters
	require.Equal(t, 0.75, m.SuccessRate)
	_, ok = restored.Get("broken")
	require.False(t, ok)
	require.Len(t, restored.Snapshot(), 1)
}

func TestMetricsTracker_UnreachedBuilder(t *testing.T) {
	tracker := NewMetricsTracker()

	unreached := BundleSubmissionResult{BuilderID: "a", Error: "no client"}
	tracker.RecordResults([]BundleSubmissionResult{unreached}, 1)
	m, _ := tracker.Get("a")
	require.Equal(t, uint64(1), m.TotalSubmissions)
	require.Equal(t, 0.0, m.AvgLatencyMs)
	require.Equal(t, 0.0, m.SuccessRate)

	// the first real sample still seeds the average
	tracker.RecordResults([]BundleSubmissionResult{{BuilderID: "a", Success: true, Attempts: 1, Latency: 600 * time.Millisecond}}, 1)
	m, _ = tracker.Get("a")
	require.InDelta(t, 600.0, m.AvgLatencyMs, 1e-9)

	tracker.RecordResults([]BundleSubmissionResult{unreached}, 1)
	m, _ = tracker.Get("a")
	require.InDelta(t, 600.0, m.AvgLatencyMs, 1e-9)
	require.Equal(t, uint64(3), m.TotalSubmissions)
}
