package multibuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/stableexo/warden-relay/jsonrpcserver"
	"github.com/stableexo/warden-relay/metrics"
	"go.uber.org/zap"
)

const (
	SendBundleEndpointName       = "warden_sendBundle"
	CancelBundleEndpointName     = "warden_cancelBundle"
	SimulateBundleEndpointName   = "warden_simulateBundle"
	BundleStatsEndpointName      = "warden_bundleStats"
	BuilderMetricsEndpointName   = "warden_builderMetrics"
	ActiveBuildersEndpointName   = "warden_activeBuilders"
	SetBuilderActiveEndpointName = "warden_setBuilderActive"
	ReportInclusionEndpointName  = "warden_reportInclusion"

	recentBundleCacheSize = 1000
)

var ErrInternalServiceError = errors.New("warden relay service error")

type recentKey struct {
	hash   common.Hash
	target uint64
}

// API exposes the Manager over JSON-RPC.
type API struct {
	log     *zap.Logger
	manager *Manager
	// eth is optional, without it target blocks are not checked against the chain head
	eth BlockNumberSource

	recent *lru.Cache[recentKey, *MultiBuilderSubmissionResult]
}

func NewAPI(log *zap.Logger, manager *Manager, eth BlockNumberSource) *API {
	return &API{
		log:     log,
		manager: manager,
		eth:     eth,
		recent:  lru.NewCache[recentKey, *MultiBuilderSubmissionResult](recentBundleCacheSize),
	}
}

// Methods maps endpoint names to handlers for jsonrpcserver.NewHandler.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		SendBundleEndpointName:       a.SendBundle,
		CancelBundleEndpointName:     a.CancelBundle,
		SimulateBundleEndpointName:   a.SimulateBundle,
		BundleStatsEndpointName:      a.BundleStats,
		BuilderMetricsEndpointName:   a.BuilderMetrics,
		ActiveBuildersEndpointName:   a.ActiveBuilders,
		SetBuilderActiveEndpointName: a.SetBuilderActive,
		ReportInclusionEndpointName:  a.ReportInclusion,
	}
}

func track(method string, start time.Time, err error) {
	metrics.RecordRPCCallDuration(method, time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(method)
	}
}

// SendBundle dispatches block to the selected builders. Resending a bundle that was already
// placed for the same target block returns the earlier result.
func (a *API) SendBundle(ctx context.Context, block NegotiatedBlock, opts SubmitOptions) (_ *MultiBuilderSubmissionResult, err error) {
	startAt := time.Now()
	defer func() { track(SendBundleEndpointName, startAt, err) }()

	logger := a.log.With(zap.String("block", block.ID), zap.String("origin", jsonrpcserver.GetOrigin(ctx)))

	bundle, err := ConvertToStandardBundle(&block, opts.TargetBlock)
	if err != nil {
		logger.Debug("Rejected bundle", zap.Error(err))
		return nil, err
	}

	if a.eth != nil {
		head, err := a.eth.BlockNumber(ctx)
		if err != nil {
			logger.Error("Failed to get current block", zap.Error(err))
			return nil, ErrInternalServiceError
		}
		if bundle.BlockNumber <= head {
			return nil, fmt.Errorf("%w: target %d, head %d", ErrStaleTargetBlock, bundle.BlockNumber, head)
		}
	}

	key := recentKey{hash: bundle.Hash(), target: bundle.BlockNumber}
	if res, ok := a.recent.Get(key); ok {
		logger.Debug("Bundle already placed", zap.Stringer("bundle", key.hash))
		return res, nil
	}

	res, err := a.manager.Submit(ctx, &block, opts)
	if err != nil {
		return nil, err
	}
	if res.Success {
		a.recent.Add(key, res)
	}
	return res, nil
}

func (a *API) CancelBundle(ctx context.Context, replacementUUID string) (_ []CancelResult, err error) {
	startAt := time.Now()
	defer func() { track(CancelBundleEndpointName, startAt, err) }()

	res, err := a.manager.Cancel(ctx, replacementUUID)
	if err != nil && !errors.Is(err, ErrConfiguration) {
		a.log.Error("Failed to cancel bundle", zap.String("replacementUuid", replacementUUID), zap.Error(err))
		return nil, ErrInternalServiceError
	}
	return res, err
}

func (a *API) SimulateBundle(ctx context.Context, builderID string, block NegotiatedBlock, opts SubmitOptions) (_ *SimulationResult, err error) {
	startAt := time.Now()
	defer func() { track(SimulateBundleEndpointName, startAt, err) }()

	return a.manager.Simulate(ctx, builderID, &block, opts)
}

func (a *API) BundleStats(ctx context.Context, builderID, bundleID string, blockNumber hexutil.Uint64) (_ *BundleStats, err error) {
	startAt := time.Now()
	defer func() { track(BundleStatsEndpointName, startAt, err) }()

	return a.manager.BundleStats(ctx, builderID, bundleID, uint64(blockNumber))
}

func (a *API) BuilderMetrics(_ context.Context) ([]BuilderMetrics, error) {
	return a.manager.MetricsSnapshot(), nil
}

func (a *API) ActiveBuilders(_ context.Context) ([]BuilderEndpoint, error) {
	return a.manager.Registry().GetActiveBuilders(), nil
}

// SetBuilderActive toggles a builder and reports whether it is known.
func (a *API) SetBuilderActive(_ context.Context, builderID string, active bool) (bool, error) {
	registry := a.manager.Registry()
	if _, ok := registry.GetBuilder(builderID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBuilder, builderID)
	}
	if active {
		registry.Activate(builderID)
	} else {
		registry.Deactivate(builderID)
	}
	a.log.Info("Builder state changed", zap.String("builder", builderID), zap.Bool("active", active))
	return true, nil
}

func (a *API) ReportInclusion(_ context.Context, builderID string, valueCaptured float64) (bool, error) {
	if err := a.manager.RecordInclusion(builderID, valueCaptured); err != nil {
		return false, err
	}
	return true, nil
}
