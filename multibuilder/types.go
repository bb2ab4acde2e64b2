package multibuilder

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidHintIntent = errors.New("invalid hint intent")

type Capability string

const (
	CapabilityStandardBundle Capability = "standard_bundle"
	CapabilitySimulation     Capability = "simulation"
	CapabilityCancellation   Capability = "cancellation"
	CapabilityPrivacyHints   Capability = "privacy_hints"
	CapabilityBundleStats    Capability = "bundle_stats"
)

func (c Capability) valid() bool {
	switch c {
	case CapabilityStandardBundle, CapabilitySimulation, CapabilityCancellation, CapabilityPrivacyHints, CapabilityBundleStats:
		return true
	}
	return false
}

// BuilderAPI selects the wire dialect used to talk to a builder.
type BuilderAPI string

const (
	BuilderAPIStandard  BuilderAPI = "standard"
	BuilderAPIFlashbots BuilderAPI = "flashbots"
	BuilderAPITitan     BuilderAPI = "titan"
)

// BuilderEndpoint is the static description of one destination.
type BuilderEndpoint struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	RelayURL     string       `json:"relayUrl"`
	FallbackURLs []string     `json:"fallbackUrls,omitempty"`
	MarketShare  float64      `json:"marketShare"`
	Capabilities []Capability `json:"capabilities"`
	Active       bool         `json:"active"`
	Priority     int          `json:"priority"`
	API          BuilderAPI   `json:"api"`
	// RateLimit is the client side request budget per second, 0 means unlimited.
	RateLimit float64           `json:"rateLimit,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e *BuilderEndpoint) HasCapability(c Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (e *BuilderEndpoint) clone() BuilderEndpoint {
	out := *e
	out.FallbackURLs = append([]string(nil), e.FallbackURLs...)
	out.Capabilities = append([]Capability(nil), e.Capabilities...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HintIntent is a set of privacy hints a builder may share about a bundle.
// It is marshalled as an array of strings.
type HintIntent uint8

const (
	HintContractAddress HintIntent = 1 << iota
	HintFunctionSelector
	HintLogs
	HintCallData
	HintHash
	HintTxHash
	HintNone = 0
)

var hintNames = []struct {
	flag HintIntent
	name string
}{
	{HintContractAddress, "contract_address"},
	{HintFunctionSelector, "function_selector"},
	{HintLogs, "logs"},
	{HintCallData, "calldata"},
	{HintHash, "hash"},
	{HintTxHash, "tx_hash"},
}

func (b *HintIntent) SetHint(flag HintIntent) {
	*b |= flag
}

func (b HintIntent) HasHint(flag HintIntent) bool {
	return b&flag != 0
}

func (b HintIntent) MarshalJSON() ([]byte, error) {
	arr := []string{}
	for _, h := range hintNames {
		if b.HasHint(h.flag) {
			arr = append(arr, h.name)
		}
	}
	return json.Marshal(arr)
}

func (b *HintIntent) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
outer:
	for _, v := range arr {
		for _, h := range hintNames {
			if h.name == v {
				b.SetHint(h.flag)
				continue outer
			}
		}
		return ErrInvalidHintIntent
	}
	return nil
}

// RoutingHints are optional per-bundle instructions forwarded to builders that understand them.
type RoutingHints struct {
	Hints    HintIntent `json:"hints,omitempty"`
	Builders []string   `json:"builders,omitempty"`
}

// StandardBundle is the destination-agnostic payload. It is built by ConvertToStandardBundle
// and must not be modified afterwards.
type StandardBundle struct {
	Transactions []string `json:"transactions"`
	BlockNumber  uint64   `json:"blockNumber"`
	// MaxBlockNumber of zero means BlockNumber+1.
	MaxBlockNumber  uint64        `json:"maxBlockNumber,omitempty"`
	MinTimestamp    *uint64       `json:"minTimestamp,omitempty"`
	MaxTimestamp    *uint64       `json:"maxTimestamp,omitempty"`
	RevertingTxs    []string      `json:"revertingTxs,omitempty"`
	ReplacementUUID string        `json:"replacementUuid,omitempty"`
	Hints           *RoutingHints `json:"hints,omitempty"`
}

func (b *StandardBundle) Validate() error {
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	for _, tx := range b.Transactions {
		if tx == "" {
			return ErrEmptyTx
		}
	}
	if b.BlockNumber == 0 {
		return ErrNoTargetBlock
	}
	if b.MaxBlockNumber != 0 && b.MaxBlockNumber < b.BlockNumber {
		return ErrInvalidMaxBlock
	}
	return nil
}

// InclusionWindow returns the block range the bundle is valid for.
func (b *StandardBundle) InclusionWindow() (uint64, uint64) {
	if b.MaxBlockNumber == 0 {
		return b.BlockNumber, b.BlockNumber + 1
	}
	return b.BlockNumber, b.MaxBlockNumber
}

func (b *StandardBundle) CanRevert(tx string) bool {
	for _, r := range b.RevertingTxs {
		if r == tx {
			return true
		}
	}
	return false
}

// Hash is the keccak256 of the ordered keccak256 hashes of the transactions.
// Single transaction bundles hash to the transaction hash.
func (b *StandardBundle) Hash() common.Hash {
	hashes := make([]common.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		raw, err := hexutil.Decode(tx)
		if err != nil {
			raw = []byte(tx)
		}
		h := sha3.NewLegacyKeccak256()
		h.Write(raw)
		hashes[i] = common.BytesToHash(h.Sum(nil))
	}
	if len(hashes) == 1 {
		return hashes[0]
	}
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}

// BundleSubmissionResult is the outcome of submitting one bundle to one builder.
type BundleSubmissionResult struct {
	BuilderID string        `json:"builderId"`
	Success   bool          `json:"success"`
	BundleID  string        `json:"bundleId,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
}

// MultiBuilderSubmissionResult aggregates one Manager.Submit call.
type MultiBuilderSubmissionResult struct {
	BundleHash                    common.Hash              `json:"bundleHash"`
	TargetBlock                   uint64                   `json:"targetBlock"`
	BuildersAttempted             []string                 `json:"buildersAttempted"`
	SuccessfulSubmissions         []BundleSubmissionResult `json:"successfulSubmissions"`
	FailedSubmissions             []BundleSubmissionResult `json:"failedSubmissions"`
	Success                       bool                     `json:"success"`
	EstimatedInclusionProbability float64                  `json:"estimatedInclusionProbability"`
	TotalTime                     time.Duration            `json:"totalTime"`
}

// BuilderMetrics is the reputation state of one builder. Rates and score are always derived
// from the counters.
type BuilderMetrics struct {
	BuilderID             string    `json:"builderId"`
	TotalSubmissions      uint64    `json:"totalSubmissions"`
	SuccessfulSubmissions uint64    `json:"successfulSubmissions"`
	IncludedBundles       uint64    `json:"includedBundles"`
	SuccessRate           float64   `json:"successRate"`
	InclusionRate         float64   `json:"inclusionRate"`
	AvgLatencyMs          float64   `json:"avgLatencyMs"`
	TotalValueSubmitted   float64   `json:"totalValueSubmitted"`
	TotalValueCaptured    float64   `json:"totalValueCaptured"`
	ReputationScore       float64   `json:"reputationScore"`
	LastSubmission        time.Time `json:"lastSubmission"`
	LastInclusion         time.Time `json:"lastInclusion"`
	Active                bool      `json:"active"`
}

// NegotiatedBlock is produced by the coalition layer: the transactions agreed on for one block.
type NegotiatedBlock struct {
	ID           string                   `json:"id"`
	Transactions []NegotiatedTransaction  `json:"transactions"`
	TotalValue   float64                  `json:"totalValue"`
	Metadata     *NegotiatedBlockMetadata `json:"metadata,omitempty"`
}

type NegotiatedTransaction struct {
	SignedTx    string `json:"signedTx"`
	CanRevert   bool   `json:"canRevert,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type NegotiatedBlockMetadata struct {
	TargetBlock     *uint64       `json:"targetBlock,omitempty"`
	MaxBlock        *uint64       `json:"maxBlock,omitempty"`
	MinTimestamp    *uint64       `json:"minTimestamp,omitempty"`
	MaxTimestamp    *uint64       `json:"maxTimestamp,omitempty"`
	ReplacementUUID string        `json:"replacementUuid,omitempty"`
	Hints           *RoutingHints `json:"hints,omitempty"`
}

// SubmitOptions are per-call overrides.
type SubmitOptions struct {
	// TargetBlock takes precedence over the block metadata.
	TargetBlock *uint64 `json:"targetBlock,omitempty"`
	// BundleValue overrides NegotiatedBlock.TotalValue for value based selection and metrics.
	BundleValue *float64 `json:"bundleValue,omitempty"`
	// Strategy overrides the configured selection strategy.
	Strategy SelectionStrategy `json:"strategy,omitempty"`
}

type ResultStatus string

const (
	StatusOK          ResultStatus = "ok"
	StatusNoData      ResultStatus = "no_data"
	StatusUnsupported ResultStatus = "unsupported"
)

type SimulationResult struct {
	BuilderID    string          `json:"builderId"`
	Status       ResultStatus    `json:"status"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	BundleHash   string          `json:"bundleHash,omitempty"`
	GasUsed      uint64          `json:"gasUsed,omitempty"`
	CoinbaseDiff string          `json:"coinbaseDiff,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

type BundleStats struct {
	BuilderID string          `json:"builderId"`
	Status    ResultStatus    `json:"status"`
	State     string          `json:"state,omitempty"`
	Simulated bool            `json:"simulated"`
	Included  bool            `json:"included"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

type CancelResult struct {
	BuilderID string `json:"builderId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}
