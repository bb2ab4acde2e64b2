package multibuilder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stableexo/warden-relay/metrics"
	"go.uber.org/zap"
)

// ClientFactory builds the client used to reach one builder.
type ClientFactory func(endpoint BuilderEndpoint) (Client, error)

type Option func(*Manager)

func WithClientFactory(factory ClientFactory) Option {
	return func(m *Manager) {
		m.factory = factory
	}
}

func WithReplacementIndex(index ReplacementIndex) Option {
	return func(m *Manager) {
		m.replacements = index
	}
}

func WithSubmissionRecorder(recorder SubmissionRecorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

func WithMetricsTracker(tracker *MetricsTracker) Option {
	return func(m *Manager) {
		m.tracker = tracker
	}
}

type cachedClient struct {
	client Client
	// endpoint the client was built from
	endpoint BuilderEndpoint
}

// sameClientConfig reports whether a client built from a can serve b.
func sameClientConfig(a, b *BuilderEndpoint) bool {
	return a.RelayURL == b.RelayURL &&
		a.API == b.API &&
		a.RateLimit == b.RateLimit &&
		equalSlices(a.FallbackURLs, b.FallbackURLs) &&
		equalSlices(a.Capabilities, b.Capabilities)
}

func equalSlices[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Manager fans one bundle out to the selected builders and keeps their reputation.
type Manager struct {
	log      *zap.Logger
	registry *Registry
	cfg      Config

	factory      ClientFactory
	tracker      *MetricsTracker
	replacements ReplacementIndex
	recorder     SubmissionRecorder

	clientsMu sync.Mutex
	clients   map[string]cachedClient
}

func NewManager(log *zap.Logger, registry *Registry, cfg Config, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		log:      log,
		registry: registry,
		cfg:      cfg,
		clients:  make(map[string]cachedClient),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		clientOpts := ClientOptions{
			Timeout:       cfg.Timeout,
			HealthTimeout: cfg.HealthTimeout,
			Retry:         cfg.Retry,
		}
		m.factory = func(endpoint BuilderEndpoint) (Client, error) {
			return NewBuilderClient(log, endpoint, clientOpts)
		}
	}
	if m.tracker == nil {
		m.tracker = NewMetricsTracker()
	}
	if m.replacements == nil {
		m.replacements = NewMemoryReplacementIndex(DefaultReplacementTTL)
	}
	return m, nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Client returns the cached client of endpoint, building it on first use. The client is rebuilt
// when the endpoint changed in a way the client depends on.
func (m *Manager) Client(endpoint BuilderEndpoint) (Client, error) { //nolint:ireturn
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	if c, ok := m.clients[endpoint.ID]; ok && sameClientConfig(&c.endpoint, &endpoint) {
		return c.client, nil
	}
	client, err := m.factory(endpoint)
	if err != nil {
		return nil, err
	}
	m.clients[endpoint.ID] = cachedClient{client: client, endpoint: endpoint.clone()}
	return client, nil
}

// Submit selects builders for block, converts it and dispatches it to all of them.
// Only malformed input fails the call, failures of single builders are part of the result.
func (m *Manager) Submit(ctx context.Context, block *NegotiatedBlock, opts SubmitOptions) (*MultiBuilderSubmissionResult, error) {
	start := time.Now()
	metrics.IncBundlesReceived()

	if block == nil {
		metrics.IncBundlesRejected()
		return nil, ErrNilBlock
	}

	strategy := m.cfg.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	value := BundleValue(block, opts)
	selected := SelectBuilders(m.registry, &m.cfg, strategy, value, m.tracker.SuccessRate)

	bundle, err := ConvertToStandardBundle(block, opts.TargetBlock)
	if err != nil {
		metrics.IncBundlesRejected()
		return nil, err
	}

	if !m.cfg.Parallel {
		selected = SortByPriority(selected)
	}
	metrics.RecordBuildersSelected(len(selected))

	logger := m.log.With(
		zap.String("block", block.ID),
		zap.Stringer("bundle", bundle.Hash()),
		zap.Uint64("target", bundle.BlockNumber),
	)
	logger.Debug("Dispatching bundle", zap.String("strategy", string(strategy)), zap.Int("builders", len(selected)))

	var results []BundleSubmissionResult
	if m.cfg.Parallel {
		results = m.dispatchParallel(ctx, bundle, selected)
	} else {
		results = m.dispatchSequential(ctx, bundle, selected)
	}

	result := aggregate(bundle, selected, results)
	result.TotalTime = time.Since(start)

	if m.cfg.MetricsEnabled {
		m.tracker.RecordResults(results, value)
	}
	for _, r := range results {
		metrics.RecordBuilderSubmission(r.BuilderID, r.Success, r.Latency.Milliseconds())
		metrics.RecordBuilderAttempts(r.BuilderID, r.Attempts)
	}
	metrics.RecordSubmitDuration(result.TotalTime.Milliseconds())
	metrics.RecordInclusionProbability(result.EstimatedInclusionProbability)
	if !result.Success {
		metrics.IncBundlesUnplaced()
	}

	if bundle.ReplacementUUID != "" && len(result.SuccessfulSubmissions) > 0 {
		accepted := make([]string, 0, len(result.SuccessfulSubmissions))
		for _, r := range result.SuccessfulSubmissions {
			accepted = append(accepted, r.BuilderID)
		}
		if err := m.replacements.Record(ctx, bundle.ReplacementUUID, accepted); err != nil {
			logger.Error("Failed to record replacement uuid", zap.Error(err))
		}
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSubmission(ctx, bundle, result); err != nil {
			logger.Error("Failed to record submission", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Int("accepted", len(result.SuccessfulSubmissions)),
		zap.Int("failed", len(result.FailedSubmissions)),
		zap.Float64("inclusionProbability", result.EstimatedInclusionProbability),
		zap.Duration("elapsed", result.TotalTime),
	}
	if !result.Success {
		logger.Error("No builder accepted bundle", fields...)
	} else {
		logger.Info("Bundle dispatched", fields...)
	}
	return result, nil
}

// submitTo never fails; a builder whose client cannot be built yields a failed result.
func (m *Manager) submitTo(ctx context.Context, bundle *StandardBundle, endpoint BuilderEndpoint) BundleSubmissionResult {
	client, err := m.Client(endpoint)
	if err != nil {
		return BundleSubmissionResult{
			BuilderID: endpoint.ID,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}
	}
	return client.SubmitBundle(ctx, bundle)
}

func (m *Manager) dispatchParallel(ctx context.Context, bundle *StandardBundle, selected []BuilderEndpoint) []BundleSubmissionResult {
	results := make([]BundleSubmissionResult, len(selected))
	var wg sync.WaitGroup
	for idx, endpoint := range selected {
		wg.Add(1)
		go func(idx int, endpoint BuilderEndpoint) {
			defer wg.Done()
			results[idx] = m.submitTo(ctx, bundle, endpoint)
		}(idx, endpoint)
	}
	wg.Wait()
	return results
}

func (m *Manager) dispatchSequential(ctx context.Context, bundle *StandardBundle, selected []BuilderEndpoint) []BundleSubmissionResult {
	results := make([]BundleSubmissionResult, 0, len(selected))
	for _, endpoint := range selected {
		results = append(results, m.submitTo(ctx, bundle, endpoint))
	}
	return results
}

func aggregate(bundle *StandardBundle, selected []BuilderEndpoint, results []BundleSubmissionResult) *MultiBuilderSubmissionResult {
	shares := make(map[string]float64, len(selected))
	res := &MultiBuilderSubmissionResult{
		BundleHash:            bundle.Hash(),
		TargetBlock:           bundle.BlockNumber,
		BuildersAttempted:     make([]string, 0, len(selected)),
		SuccessfulSubmissions: make([]BundleSubmissionResult, 0, len(results)),
		FailedSubmissions:     make([]BundleSubmissionResult, 0, len(results)),
	}
	for _, endpoint := range selected {
		res.BuildersAttempted = append(res.BuildersAttempted, endpoint.ID)
		shares[endpoint.ID] = endpoint.MarketShare
	}

	accepted := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Success {
			res.SuccessfulSubmissions = append(res.SuccessfulSubmissions, r)
			accepted = append(accepted, shares[r.BuilderID])
		} else {
			res.FailedSubmissions = append(res.FailedSubmissions, r)
		}
	}
	res.Success = len(res.SuccessfulSubmissions) > 0
	res.EstimatedInclusionProbability = EstimateInclusionProbability(accepted)
	return res
}

// Cancel sends eth_cancelBundle to every builder that accepted a bundle with replacementUUID and
// can cancel. Builders without the capability are skipped.
func (m *Manager) Cancel(ctx context.Context, replacementUUID string) ([]CancelResult, error) {
	if replacementUUID == "" {
		return nil, ErrNoReplacementUUID
	}
	ids, err := m.replacements.Builders(ctx, replacementUUID)
	if err != nil {
		return nil, err
	}

	targets := make([]BuilderEndpoint, 0, len(ids))
	for _, id := range ids {
		endpoint, ok := m.registry.GetBuilder(id)
		if !ok || !endpoint.HasCapability(CapabilityCancellation) {
			continue
		}
		targets = append(targets, endpoint)
	}

	results := make([]CancelResult, len(targets))
	var wg sync.WaitGroup
	for idx, endpoint := range targets {
		wg.Add(1)
		go func(idx int, endpoint BuilderEndpoint) {
			defer wg.Done()
			res := CancelResult{BuilderID: endpoint.ID}
			client, err := m.Client(endpoint)
			if err == nil {
				err = Cancel(ctx, client, replacementUUID)
			}
			if err != nil {
				res.Error = err.Error()
				m.log.Warn("Failed to cancel bundle", zap.String("builder", endpoint.ID), zap.String("replacementUuid", replacementUUID), zap.Error(err))
			} else {
				res.Success = true
				metrics.IncCancellationsDispatched()
			}
			results[idx] = res
		}(idx, endpoint)
	}
	wg.Wait()
	return results, nil
}

// RecordInclusion reports that a bundle accepted by builderID landed on chain.
func (m *Manager) RecordInclusion(builderID string, valueCaptured float64) error {
	if _, ok := m.registry.GetBuilder(builderID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuilder, builderID)
	}
	m.tracker.RecordInclusion(builderID, valueCaptured)
	metrics.IncInclusionsReported()
	return nil
}

// MetricsSnapshot returns the reputation of every attempted builder with its current registry state.
func (m *Manager) MetricsSnapshot() []BuilderMetrics {
	snapshot := m.tracker.Snapshot()
	for i := range snapshot {
		if endpoint, ok := m.registry.GetBuilder(snapshot[i].BuilderID); ok {
			snapshot[i].Active = endpoint.Active
		}
	}
	return snapshot
}

func (m *Manager) RestoreMetrics(snapshots []BuilderMetrics) {
	m.tracker.Restore(snapshots)
}

// Simulate dry-runs block at one builder. Builders without simulation report StatusUnsupported.
func (m *Manager) Simulate(ctx context.Context, builderID string, block *NegotiatedBlock, opts SubmitOptions) (*SimulationResult, error) {
	endpoint, ok := m.registry.GetBuilder(builderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuilder, builderID)
	}
	bundle, err := ConvertToStandardBundle(block, opts.TargetBlock)
	if err != nil {
		return nil, err
	}
	if !endpoint.HasCapability(CapabilitySimulation) {
		return &SimulationResult{BuilderID: builderID, Status: StatusUnsupported}, nil
	}
	client, err := m.Client(endpoint)
	if err != nil {
		return nil, err
	}
	return Simulate(ctx, client, bundle)
}

// BundleStats asks one builder what happened to a previously accepted bundle.
func (m *Manager) BundleStats(ctx context.Context, builderID, bundleID string, blockNumber uint64) (*BundleStats, error) {
	endpoint, ok := m.registry.GetBuilder(builderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuilder, builderID)
	}
	if !endpoint.HasCapability(CapabilityBundleStats) {
		return &BundleStats{BuilderID: builderID, Status: StatusUnsupported}, nil
	}
	client, err := m.Client(endpoint)
	if err != nil {
		return nil, err
	}
	return Stats(ctx, client, bundleID, blockNumber)
}
