package multibuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stableexo/warden-relay/metrics"
	"github.com/stableexo/warden-relay/retry"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	DefaultSubmitTimeout = 5 * time.Second
	DefaultHealthTimeout = 2 * time.Second
)

// Client talks to exactly one builder. SubmitBundle never fails across this boundary,
// every failure is reported in the returned result.
type Client interface {
	ID() string
	SubmitBundle(ctx context.Context, bundle *StandardBundle) BundleSubmissionResult
	HealthCheck(ctx context.Context) bool
}

// Simulator is implemented by clients of builders that can dry-run a bundle.
type Simulator interface {
	SimulateBundle(ctx context.Context, bundle *StandardBundle) (*SimulationResult, error)
}

// StatsProvider is implemented by clients of builders that report what happened to a bundle.
type StatsProvider interface {
	GetBundleStats(ctx context.Context, bundleID string, blockNumber uint64) (*BundleStats, error)
}

// Canceller is implemented by clients of builders that accept replacement uuid cancellation.
type Canceller interface {
	CancelBundle(ctx context.Context, replacementUUID string) error
}

type ClientOptions struct {
	Timeout       time.Duration
	HealthTimeout time.Duration
	Retry         retry.Policy
	HTTPClient    *http.Client
	Headers       map[string]string
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultSubmitTimeout
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// JSONRPCBuilder is the standard eth_sendBundle client. Attempts rotate over the relay url
// followed by the fallback urls.
type JSONRPCBuilder struct {
	endpoint BuilderEndpoint
	clients  []jsonrpc.RPCClient
	limiter  *rate.Limiter
	opts     ClientOptions
	log      *zap.Logger
}

func NewJSONRPCBuilder(log *zap.Logger, endpoint BuilderEndpoint, opts ClientOptions) (*JSONRPCBuilder, error) {
	if endpoint.ID == "" || endpoint.RelayURL == "" {
		return nil, fmt.Errorf("%w: id and url are required", ErrInvalidBuilderConfig)
	}
	opts = opts.withDefaults()
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}

	rpcOpts := &jsonrpc.RPCClientOpts{
		HTTPClient:    opts.HTTPClient,
		CustomHeaders: opts.Headers,
	}
	urls := append([]string{endpoint.RelayURL}, endpoint.FallbackURLs...)
	clients := make([]jsonrpc.RPCClient, 0, len(urls))
	for _, url := range urls {
		clients = append(clients, jsonrpc.NewClientWithOpts(url, rpcOpts))
	}

	limit := rate.Inf
	burst := 1
	if endpoint.RateLimit > 0 {
		limit = rate.Limit(endpoint.RateLimit)
		if endpoint.RateLimit > 1 {
			burst = int(endpoint.RateLimit)
		}
	}

	return &JSONRPCBuilder{
		endpoint: endpoint.clone(),
		clients:  clients,
		limiter:  rate.NewLimiter(limit, burst),
		opts:     opts,
		log:      log.With(zap.String("builder", endpoint.ID)),
	}, nil
}

func (b *JSONRPCBuilder) ID() string {
	return b.endpoint.ID
}

func (b *JSONRPCBuilder) client(attempt int) jsonrpc.RPCClient {
	return b.clients[(attempt-1)%len(b.clients)]
}

// invoke calls method under policy. handle is run on every well formed response and may
// reject it; a rejected response is retried like a transport failure.
func (b *JSONRPCBuilder) invoke(ctx context.Context, method string, params interface{}, timeout time.Duration, policy retry.Policy, handle func(*jsonrpc.RPCResponse) error) (int, error) {
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		res, err := b.client(attempt).Call(callCtx, method, params)
		metrics.RecordRPCCallDuration(method, time.Since(start).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(method)
			b.log.Debug("Builder call failed", zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if res == nil {
			return ErrMissingResult
		}
		if res.Error != nil {
			metrics.IncRPCCallFailure(method)
			return fmt.Errorf("%w: %s (code %d)", ErrProtocol, res.Error.Message, res.Error.Code)
		}
		if res.Result == nil {
			return ErrMissingResult
		}
		return handle(res)
	})
}

func (b *JSONRPCBuilder) SubmitBundle(ctx context.Context, bundle *StandardBundle) BundleSubmissionResult {
	start := time.Now()
	result := BundleSubmissionResult{BuilderID: b.endpoint.ID}

	args := NewSendBundleArgs(bundle, b.endpoint.HasCapability(CapabilityPrivacyHints))
	attempts, err := b.invoke(ctx, SendBundleMethod, []SendBundleArgs{args}, b.opts.Timeout, b.opts.Retry, func(res *jsonrpc.RPCResponse) error {
		id, err := bundleIdentifier(res)
		if err != nil {
			return err
		}
		result.BundleID = id
		return nil
	})

	result.Attempts = attempts
	result.Latency = time.Since(start)
	result.Timestamp = time.Now()
	if err != nil {
		result.BundleID = ""
		result.Error = err.Error()
		b.log.Warn("Failed to submit bundle", zap.Int("attempts", attempts), zap.Error(err))
		return result
	}
	result.Success = true
	return result
}

// HealthCheck sends a single eth_blockNumber probe, any well formed result counts as healthy.
func (b *JSONRPCBuilder) HealthCheck(ctx context.Context) bool {
	_, err := b.invoke(ctx, HealthCheckMethod, []interface{}{}, b.opts.HealthTimeout, retry.Policy{MaxAttempts: 1}, func(*jsonrpc.RPCResponse) error {
		return nil
	})
	if err != nil {
		b.log.Debug("Health check failed", zap.Error(err))
		return false
	}
	return true
}

// bundleIdentifier extracts the builder assigned id. Builders answer either with a bare string
// or with an object holding a bundleHash.
func bundleIdentifier(res *jsonrpc.RPCResponse) (string, error) {
	switch v := res.Result.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]interface{}:
		for _, key := range []string{"bundleHash", "bundleUUID", "uuid"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", ErrMissingResult
}

// FlashbotsBuilder adds eth_callBundle simulation and flashbots bundle stats.
type FlashbotsBuilder struct {
	*JSONRPCBuilder
}

type callBundleResponse struct {
	BundleHash   string `json:"bundleHash"`
	CoinbaseDiff string `json:"coinbaseDiff"`
	TotalGasUsed uint64 `json:"totalGasUsed"`
	Results      []struct {
		Error  string `json:"error,omitempty"`
		Revert string `json:"revert,omitempty"`
	} `json:"results"`
}

func (b *FlashbotsBuilder) SimulateBundle(ctx context.Context, bundle *StandardBundle) (*SimulationResult, error) {
	args := CallBundleArgs{
		Txs:              bundle.Transactions,
		BlockNumber:      hexutil.Uint64(bundle.BlockNumber),
		StateBlockNumber: "latest",
		Timestamp:        bundle.MinTimestamp,
	}

	out := &SimulationResult{BuilderID: b.endpoint.ID, Status: StatusOK}
	_, err := b.invoke(ctx, CallBundleMethod, []CallBundleArgs{args}, b.opts.Timeout, retry.Policy{MaxAttempts: 1}, func(res *jsonrpc.RPCResponse) error {
		var sim callBundleResponse
		if err := res.GetObject(&sim); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrProtocol, err))
		}
		out.Raw, _ = json.Marshal(res.Result)
		out.BundleHash = sim.BundleHash
		out.CoinbaseDiff = sim.CoinbaseDiff
		out.GasUsed = sim.TotalGasUsed
		out.Success = true
		// results are positional, a failed tx only fails the bundle when it may not revert
		for i, tx := range sim.Results {
			if tx.Error == "" || (i < len(bundle.Transactions) && bundle.CanRevert(bundle.Transactions[i])) {
				continue
			}
			out.Success = false
			out.Error = tx.Error
			if tx.Revert != "" {
				out.Error = tx.Error + ": " + tx.Revert
			}
			break
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type builderTimestamp struct {
	Pubkey    string `json:"pubkey"`
	Timestamp string `json:"timestamp"`
}

type flashbotsStatsResponse struct {
	IsHighPriority         bool               `json:"isHighPriority"`
	IsSimulated            bool               `json:"isSimulated"`
	SimulatedAt            string             `json:"simulatedAt"`
	ReceivedAt             string             `json:"receivedAt"`
	ConsideredByBuildersAt []builderTimestamp `json:"consideredByBuildersAt"`
	SealedByBuildersAt     []builderTimestamp `json:"sealedByBuildersAt"`
}

func (b *FlashbotsBuilder) GetBundleStats(ctx context.Context, bundleID string, blockNumber uint64) (*BundleStats, error) {
	params := []interface{}{map[string]interface{}{
		"bundleHash":  bundleID,
		"blockNumber": hexutil.Uint64(blockNumber),
	}}
	out := &BundleStats{BuilderID: b.endpoint.ID, Status: StatusOK}
	_, err := b.invoke(ctx, FlashbotsBundleStatsMethod, params, b.opts.Timeout, retry.Policy{MaxAttempts: 1}, func(res *jsonrpc.RPCResponse) error {
		var stats flashbotsStatsResponse
		if err := res.GetObject(&stats); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrProtocol, err))
		}
		out.Raw, _ = json.Marshal(res.Result)
		out.Simulated = stats.IsSimulated
		out.Included = len(stats.SealedByBuildersAt) > 0
		switch {
		case out.Included:
			out.State = "sealed"
		case len(stats.ConsideredByBuildersAt) > 0:
			out.State = "considered"
		case stats.IsSimulated:
			out.State = "simulated"
		default:
			out.State = "received"
		}
		return nil
	})
	if errors.Is(err, ErrMissingResult) {
		return &BundleStats{BuilderID: b.endpoint.ID, Status: StatusNoData}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TitanBuilder adds replacement uuid cancellation and titan bundle stats.
type TitanBuilder struct {
	*JSONRPCBuilder
}

func (b *TitanBuilder) CancelBundle(ctx context.Context, replacementUUID string) error {
	if replacementUUID == "" {
		return ErrNoReplacementUUID
	}
	args := []CancelBundleArgs{{ReplacementUUID: replacementUUID}}
	_, err := b.invoke(ctx, CancelBundleMethod, args, b.opts.Timeout, b.opts.Retry, func(*jsonrpc.RPCResponse) error {
		return nil
	})
	return err
}

type titanStatsResponse struct {
	Status         string `json:"status"`
	BuilderPayment string `json:"builderPayment,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (b *TitanBuilder) GetBundleStats(ctx context.Context, bundleID string, _ uint64) (*BundleStats, error) {
	params := []BundleStatsArgs{{BundleHash: bundleID}}
	out := &BundleStats{BuilderID: b.endpoint.ID, Status: StatusOK}
	_, err := b.invoke(ctx, TitanBundleStatsMethod, params, b.opts.Timeout, retry.Policy{MaxAttempts: 1}, func(res *jsonrpc.RPCResponse) error {
		var stats titanStatsResponse
		if err := res.GetObject(&stats); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrProtocol, err))
		}
		out.Raw, _ = json.Marshal(res.Result)
		out.State = stats.Status
		switch stats.Status {
		case "Invalid", "SimulationFail", "SimulationPass", "ExcludedFromBlock":
			out.Simulated = true
		case "IncludedInBlock", "Submitted":
			out.Simulated = true
			out.Included = true
		}
		return nil
	})
	if errors.Is(err, ErrMissingResult) {
		return &BundleStats{BuilderID: b.endpoint.ID, Status: StatusNoData}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewBuilderClient builds the client flavour matching endpoint.API.
func NewBuilderClient(log *zap.Logger, endpoint BuilderEndpoint, opts ClientOptions) (Client, error) { //nolint:ireturn
	base, err := NewJSONRPCBuilder(log, endpoint, opts)
	if err != nil {
		return nil, err
	}
	switch endpoint.API {
	case BuilderAPIStandard, "":
		return base, nil
	case BuilderAPIFlashbots:
		return &FlashbotsBuilder{base}, nil
	case BuilderAPITitan:
		return &TitanBuilder{base}, nil
	default:
		return nil, fmt.Errorf("%w: unknown api %q", ErrInvalidBuilderConfig, endpoint.API)
	}
}

// Simulate runs SimulateBundle when client supports it and reports StatusUnsupported otherwise.
func Simulate(ctx context.Context, client Client, bundle *StandardBundle) (*SimulationResult, error) {
	sim, ok := client.(Simulator)
	if !ok {
		return &SimulationResult{BuilderID: client.ID(), Status: StatusUnsupported}, nil
	}
	return sim.SimulateBundle(ctx, bundle)
}

func Stats(ctx context.Context, client Client, bundleID string, blockNumber uint64) (*BundleStats, error) {
	sp, ok := client.(StatsProvider)
	if !ok {
		return &BundleStats{BuilderID: client.ID(), Status: StatusUnsupported}, nil
	}
	return sp.GetBundleStats(ctx, bundleID, blockNumber)
}

func Cancel(ctx context.Context, client Client, replacementUUID string) error {
	c, ok := client.(Canceller)
	if !ok {
		return ErrCapabilityUnsupported
	}
	return c.CancelBundle(ctx, replacementUUID)
}
