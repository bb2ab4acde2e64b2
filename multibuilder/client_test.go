package multibuilder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stableexo/warden-relay/retry"
	"github.com/stretchr/testify/require"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// reply is what a fake builder answers; status other than 200 sends an empty body.
type reply struct {
	status int
	result interface{}
	err    *rpcErr
}

type fakeBuilder struct {
	*httptest.Server
	mu     sync.Mutex
	calls  []rpcCall
	handle func(call rpcCall, n int) reply
}

func newFakeBuilder(t *testing.T, handle func(call rpcCall, n int) reply) *fakeBuilder {
	t.Helper()
	f := &fakeBuilder{handle: handle}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		n := len(f.calls)
		f.mu.Unlock()

		rep := f.handle(call, n)
		if rep.status != 0 && rep.status != http.StatusOK {
			w.WriteHeader(rep.status)
			return
		}
		res := map[string]interface{}{"jsonrpc": "2.0", "id": call.ID}
		if rep.err != nil {
			res["error"] = rep.err
		} else {
			res["result"] = rep.result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBuilder) Calls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcCall(nil), f.calls...)
}

func respond(result interface{}) func(rpcCall, int) reply {
	return func(rpcCall, int) reply { return reply{result: result} }
}

func fastOptions() ClientOptions {
	return ClientOptions{
		Timeout:       time.Second,
		HealthTimeout: 200 * time.Millisecond,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func endpointFor(id, url string, api BuilderAPI, capabilities ...Capability) BuilderEndpoint {
	if len(capabilities) == 0 {
		capabilities = []Capability{CapabilityStandardBundle}
	}
	return BuilderEndpoint{
		ID:           id,
		RelayURL:     url,
		MarketShare:  0.1,
		Capabilities: capabilities,
		Active:       true,
		API:          api,
	}
}

func newTestClient(t *testing.T, endpoint BuilderEndpoint) Client { //nolint:ireturn
	t.Helper()
	client, err := NewBuilderClient(zap.NewNop(), endpoint, fastOptions())
	require.NoError(t, err)
	return client
}

func testBundle() *StandardBundle {
	return &StandardBundle{
		Transactions: []string{"0x01", "0x02"},
		BlockNumber:  100,
		RevertingTxs: []string{"0x02"},
		Hints:        &RoutingHints{Hints: HintHash},
	}
}

func TestJSONRPCBuilder_SubmitBundle(t *testing.T) {
	fake := newFakeBuilder(t, respond(map[string]interface{}{"bundleHash": "0xfeed"}))
	client := newTestClient(t, endpointFor("a", fake.URL, BuilderAPIStandard))

	res := client.SubmitBundle(context.Background(), testBundle())
	require.True(t, res.Success, res.Error)
	require.Equal(t, "a", res.BuilderID)
	require.Equal(t, "0xfeed", res.BundleID)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, res.Error)
	require.False(t, res.Timestamp.IsZero())

	calls := fake.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, SendBundleMethod, calls[0].Method)
	require.Len(t, calls[0].Params, 1)
	// builders without privacy hints never see them
	require.JSONEq(t, `{
		"version": "v0.1",
		"inclusion": {"block": "0x64", "maxBlock": "0x65"},
		"body": {"tx": ["0x01", "0x02"], "canRevert": [false, true]}
	}`, string(calls[0].Params[0]))
}

func TestJSONRPCBuilder_SubmitBundlePrivacy(t *testing.T) {
	fake := newFakeBuilder(t, respond("0xfeed"))
	client := newTestClient(t, endpointFor("a", fake.URL, BuilderAPIStandard, CapabilityStandardBundle, CapabilityPrivacyHints))

	res := client.SubmitBundle(context.Background(), testBundle())
	require.True(t, res.Success)
	require.Equal(t, "0xfeed", res.BundleID)

	var args SendBundleArgs
	require.NoError(t, json.Unmarshal(fake.Calls()[0].Params[0], &args))
	require.NotNil(t, args.Privacy)
	require.True(t, args.Privacy.Hints.HasHint(HintHash))
}

func TestJSONRPCBuilder_SubmitBundleFailures(t *testing.T) {
	testCases := map[string]struct {
		handle      func(rpcCall, int) reply
		success     bool
		attempts    int
		errContains string
	}{
		"recovers after server errors": {
			handle: func(_ rpcCall, n int) reply {
				if n < 3 {
					return reply{status: http.StatusBadGateway}
				}
				return reply{result: "0x01"}
			},
			success:  true,
			attempts: 3,
		},
		"http error exhausted": {
			handle:      func(rpcCall, int) reply { return reply{status: http.StatusInternalServerError} },
			attempts:    3,
			errContains: ErrTransport.Error(),
		},
		"rpc error exhausted": {
			handle:      func(rpcCall, int) reply { return reply{err: &rpcErr{Code: -32000, Message: "bundle rejected"}} },
			attempts:    3,
			errContains: "bundle rejected",
		},
		"missing result": {
			handle:      respond(nil),
			attempts:    3,
			errContains: ErrMissingResult.Error(),
		},
		"empty identifier": {
			handle:      respond(map[string]interface{}{"other": "x"}),
			attempts:    3,
			errContains: ErrMissingResult.Error(),
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			fake := newFakeBuilder(t, tc.handle)
			client := newTestClient(t, endpointFor("a", fake.URL, BuilderAPIStandard))

			res := client.SubmitBundle(context.Background(), testBundle())
			require.Equal(t, tc.success, res.Success)
			require.Equal(t, tc.attempts, res.Attempts)
			require.Len(t, fake.Calls(), tc.attempts)
			if tc.errContains != "" {
				require.Contains(t, res.Error, tc.errContains)
				require.Empty(t, res.BundleID)
			}
		})
	}
}

func TestJSONRPCBuilder_Fallbacks(t *testing.T) {
	primary := newFakeBuilder(t, func(rpcCall, int) reply { return reply{status: http.StatusServiceUnavailable} })
	fallback := newFakeBuilder(t, respond("0xbeef"))

	endpoint := endpointFor("a", primary.URL, BuilderAPIStandard)
	endpoint.FallbackURLs = []string{fallback.URL}
	client := newTestClient(t, endpoint)

	res := client.SubmitBundle(context.Background(), testBundle())
	require.True(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Len(t, primary.Calls(), 1)
	require.Len(t, fallback.Calls(), 1)
}

func TestJSONRPCBuilder_Unreachable(t *testing.T) {
	fake := newFakeBuilder(t, respond("0x01"))
	url := fake.URL
	fake.Close()

	client := newTestClient(t, endpointFor("a", url, BuilderAPIStandard))
	res := client.SubmitBundle(context.Background(), testBundle())
	require.False(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Contains(t, res.Error, ErrTransport.Error())

	require.False(t, client.HealthCheck(context.Background()))
}

func TestJSONRPCBuilder_CancelledContext(t *testing.T) {
	fake := newFakeBuilder(t, func(rpcCall, int) reply { return reply{status: http.StatusInternalServerError} })
	client := newTestClient(t, endpointFor("a", fake.URL, BuilderAPIStandard))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := client.SubmitBundle(ctx, testBundle())
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestJSONRPCBuilder_HealthCheck(t *testing.T) {
	healthy := newFakeBuilder(t, respond("0x10"))
	client := newTestClient(t, endpointFor("a", healthy.URL, BuilderAPIStandard))
	require.True(t, client.HealthCheck(context.Background()))
	require.Equal(t, HealthCheckMethod, healthy.Calls()[0].Method)

	failing := newFakeBuilder(t, func(rpcCall, int) reply { return reply{status: http.StatusInternalServerError} })
	client = newTestClient(t, endpointFor("b", failing.URL, BuilderAPIStandard))
	require.False(t, client.HealthCheck(context.Background()))
	// probes are never retried
	require.Len(t, failing.Calls(), 1)
}

func TestNewBuilderClient_Flavours(t *testing.T) {
	testCases := map[BuilderAPI]struct {
		simulator, stats, canceller bool
	}{
		BuilderAPIStandard:  {},
		BuilderAPIFlashbots: {simulator: true, stats: true},
		BuilderAPITitan:     {stats: true, canceller: true},
	}
	for api, tc := range testCases {
		t.Run(string(api), func(t *testing.T) {
			client := newTestClient(t, endpointFor("a", "http://127.0.0.1:1", api))
			_, isSim := client.(Simulator)
			_, isStats := client.(StatsProvider)
			_, isCancel := client.(Canceller)
			require.Equal(t, tc.simulator, isSim)
			require.Equal(t, tc.stats, isStats)
			require.Equal(t, tc.canceller, isCancel)
		})
	}

	_, err := NewBuilderClient(zap.NewNop(), endpointFor("a", "http://127.0.0.1:1", "v9"), fastOptions())
	require.ErrorIs(t, err, ErrInvalidBuilderConfig)
	_, err = NewBuilderClient(zap.NewNop(), endpointFor("a", "", BuilderAPIStandard), fastOptions())
	require.ErrorIs(t, err, ErrInvalidBuilderConfig)
}

func TestCapabilityHelpers_Unsupported(t *testing.T) {
	client := newTestClient(t, endpointFor("a", "http://127.0.0.1:1", BuilderAPIStandard))
	ctx := context.Background()

	sim, err := Simulate(ctx, client, testBundle())
	require.NoError(t, err)
	require.Equal(t, StatusUnsupported, sim.Status)
	require.False(t, sim.Success)

	stats, err := Stats(ctx, client, "0x01", 100)
	require.NoError(t, err)
	require.Equal(t, StatusUnsupported, stats.Status)

	require.ErrorIs(t, Cancel(ctx, client, "uuid"), ErrCapabilityUnsupported)
}

func TestTitanBuilder(t *testing.T) {
	fake := newFakeBuilder(t, func(call rpcCall, _ int) reply {
		switch call.Method {
		case CancelBundleMethod:
			return reply{result: 200}
		case TitanBundleStatsMethod:
			return reply{result: map[string]interface{}{"status": "IncludedInBlock"}}
		}
		return reply{err: &rpcErr{Code: -32601, Message: "method not found"}}
	})
	client := newTestClient(t, endpointFor("titan", fake.URL, BuilderAPITitan))
	ctx := context.Background()

	require.NoError(t, Cancel(ctx, client, "b8f3e2c4-1111-4a3e-9c1d-0123456789ab"))
	calls := fake.Calls()
	require.Equal(t, CancelBundleMethod, calls[0].Method)
	require.JSONEq(t, `{"replacementUuid":"b8f3e2c4-1111-4a3e-9c1d-0123456789ab"}`, string(calls[0].Params[0]))

	require.ErrorIs(t, Cancel(ctx, client, ""), ErrNoReplacementUUID)

	stats, err := Stats(ctx, client, "0xfeed", 100)
	require.NoError(t, err)
	require.Equal(t, StatusOK, stats.Status)
	require.Equal(t, "IncludedInBlock", stats.State)
	require.True(t, stats.Included)
}

func TestFlashbotsBuilder(t *testing.T) {
	fake := newFakeBuilder(t, func(call rpcCall, _ int) reply {
		switch call.Method {
		case CallBundleMethod:
			return reply{result: map[string]interface{}{
				"bundleHash":   "0xfeed",
				"coinbaseDiff": "1000",
				"totalGasUsed": 42000,
				"results": []map[string]interface{}{
					{},
					{"error": "execution reverted"},
				},
			}}
		case FlashbotsBundleStatsMethod:
			return reply{result: nil}
		}
		return reply{err: &rpcErr{Code: -32601, Message: "method not found"}}
	})
	client := newTestClient(t, endpointFor("flashbots", fake.URL, BuilderAPIFlashbots))
	ctx := context.Background()

	// the reverting tx is allowed to revert
	sim, err := Simulate(ctx, client, testBundle())
	require.NoError(t, err)
	require.Equal(t, StatusOK, sim.Status)
	require.True(t, sim.Success)
	require.Equal(t, uint64(42000), sim.GasUsed)
	require.Equal(t, "0xfeed", sim.BundleHash)

	strict := testBundle()
	strict.RevertingTxs = nil
	sim, err = Simulate(ctx, client, strict)
	require.NoError(t, err)
	require.False(t, sim.Success)
	require.Equal(t, "execution reverted", sim.Error)

	stats, err := Stats(ctx, client, "0xfeed", 100)
	require.NoError(t, err)
	require.Equal(t, StatusNoData, stats.Status)
}

func TestJSONRPCBuilder_ErrorsKeepCause(t *testing.T) {
	fake := newFakeBuilder(t, func(rpcCall, int) reply {
		time.Sleep(200 * time.Millisecond)
		return reply{result: "0x1"}
	})
	opts := fastOptions()
	opts.Timeout = 20 * time.Millisecond
	opts.Retry.MaxAttempts = 1
	builder, err := NewJSONRPCBuilder(zap.NewNop(), endpointFor("a", fake.URL, BuilderAPIStandard), opts)
	require.NoError(t, err)

	attempts, err := builder.invoke(context.Background(), HealthCheckMethod, []interface{}{}, opts.Timeout, opts.Retry, func(*jsonrpc.RPCResponse) error { return nil })
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = builder.invoke(ctx, HealthCheckMethod, []interface{}{}, opts.Timeout, opts.Retry, func(*jsonrpc.RPCResponse) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
