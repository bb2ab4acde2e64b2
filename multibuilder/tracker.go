package multibuilder

import (
	"sort"
	"sync"
	"time"
)

// MetricsTracker holds the reputation of every builder that was ever attempted.
// All updates are read-modify-write under one lock, so concurrent batches never lose an update.
type MetricsTracker struct {
	mu      sync.Mutex
	entries map[string]*BuilderMetrics
	// builders whose AvgLatencyMs holds at least one real sample
	sampled map[string]struct{}
	now     func() time.Time
}

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		entries: make(map[string]*BuilderMetrics),
		sampled: make(map[string]struct{}),
		now:     time.Now,
	}
}

func (t *MetricsTracker) entry(builderID string) *BuilderMetrics {
	m, ok := t.entries[builderID]
	if !ok {
		m = &BuilderMetrics{BuilderID: builderID, Active: true}
		t.entries[builderID] = m
	}
	return m
}

// recompute refreshes every derived field from the counters.
func recompute(m *BuilderMetrics) {
	m.SuccessRate = Ratio(m.SuccessfulSubmissions, m.TotalSubmissions)
	m.InclusionRate = clamp(Ratio(m.IncludedBundles, m.SuccessfulSubmissions), 0, 1)
	m.ReputationScore = ReputationScore(m.SuccessRate, m.InclusionRate, m.AvgLatencyMs)
}

// RecordSubmission accounts for one attempt against a builder.
func (t *MetricsTracker) RecordSubmission(builderID string, success bool, latency time.Duration, value float64) {
	t.record(builderID, success, &latency, value)
}

// RecordResults accounts for every result of one batch. Results without attempts never reached
// the builder and leave its latency average untouched.
func (t *MetricsTracker) RecordResults(results []BundleSubmissionResult, value float64) {
	for _, r := range results {
		var latency *time.Duration
		if r.Attempts > 0 {
			latency = &r.Latency
		}
		t.record(r.BuilderID, r.Success, latency, value)
	}
}

func (t *MetricsTracker) record(builderID string, success bool, latency *time.Duration, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.entry(builderID)
	if latency != nil {
		sampleMs := float64(*latency) / float64(time.Millisecond)
		if _, ok := t.sampled[builderID]; ok {
			m.AvgLatencyMs = UpdateLatencyEMA(m.AvgLatencyMs, sampleMs)
		} else {
			m.AvgLatencyMs = sampleMs
			t.sampled[builderID] = struct{}{}
		}
	}
	m.TotalSubmissions++
	if success {
		m.SuccessfulSubmissions++
	}
	m.TotalValueSubmitted += value
	m.LastSubmission = t.now()
	recompute(m)
}

// RecordInclusion accounts for a bundle accepted by builderID that landed on chain.
func (t *MetricsTracker) RecordInclusion(builderID string, valueCaptured float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.entry(builderID)
	m.IncludedBundles++
	m.TotalValueCaptured += valueCaptured
	m.LastInclusion = t.now()
	recompute(m)
}

func (t *MetricsTracker) Get(builderID string) (BuilderMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.entries[builderID]
	if !ok {
		return BuilderMetrics{}, false
	}
	return *m, true
}

// SuccessRate implements SuccessRateFunc. Builders without submissions have no history.
func (t *MetricsTracker) SuccessRate(builderID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.entries[builderID]
	if !ok || m.TotalSubmissions == 0 {
		return 0, false
	}
	return m.SuccessRate, true
}

// Snapshot returns copies of all entries sorted by builder id.
func (t *MetricsTracker) Snapshot() []BuilderMetrics {
	t.mu.Lock()
	res := make([]BuilderMetrics, 0, len(t.entries))
	for _, m := range t.entries {
		res = append(res, *m)
	}
	t.mu.Unlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].BuilderID < res[j].BuilderID
	})
	return res
}

// Restore replaces the entries with previously persisted snapshots. Derived fields are recomputed.
func (t *MetricsTracker) Restore(snapshots []BuilderMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range snapshots {
		if s.BuilderID == "" || s.SuccessfulSubmissions > s.TotalSubmissions {
			continue
		}
		m := s
		recompute(&m)
		t.entries[s.BuilderID] = &m
		if m.TotalSubmissions > 0 {
			t.sampled[s.BuilderID] = struct{}{}
		} else {
			delete(t.sampled, s.BuilderID)
		}
	}
}
