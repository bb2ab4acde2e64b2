package multibuilder

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SendBundleArgs is the params element of eth_sendBundle.
type SendBundleArgs struct {
	Version         string          `json:"version"`
	Inclusion       BundleInclusion `json:"inclusion"`
	Body            BundleBody      `json:"body"`
	Validity        *BundleValidity `json:"validity,omitempty"`
	Privacy         *RoutingHints   `json:"privacy,omitempty"`
	ReplacementUUID string          `json:"replacementUuid,omitempty"`
}

type BundleInclusion struct {
	BlockNumber hexutil.Uint64 `json:"block"`
	MaxBlock    hexutil.Uint64 `json:"maxBlock"`
}

// BundleBody carries the transactions; CanRevert[i] belongs to Tx[i].
type BundleBody struct {
	Tx        []string `json:"tx"`
	CanRevert []bool   `json:"canRevert"`
}

type BundleValidity struct {
	MinTimestamp *hexutil.Uint64 `json:"minTimestamp,omitempty"`
	MaxTimestamp *hexutil.Uint64 `json:"maxTimestamp,omitempty"`
}

type CancelBundleArgs struct {
	ReplacementUUID string `json:"replacementUuid"`
}

type CallBundleArgs struct {
	Txs              []string       `json:"txs"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	StateBlockNumber string         `json:"stateBlockNumber"`
	Timestamp        *uint64        `json:"timestamp,omitempty"`
}

type BundleStatsArgs struct {
	BundleHash string `json:"bundleHash"`
}

// NewSendBundleArgs builds the envelope for bundle. Routing hints are only kept when withPrivacy is set.
func NewSendBundleArgs(bundle *StandardBundle, withPrivacy bool) SendBundleArgs {
	minBlock, maxBlock := bundle.InclusionWindow()
	args := SendBundleArgs{
		Version: BundleVersion,
		Inclusion: BundleInclusion{
			BlockNumber: hexutil.Uint64(minBlock),
			MaxBlock:    hexutil.Uint64(maxBlock),
		},
		Body: BundleBody{
			Tx:        append([]string(nil), bundle.Transactions...),
			CanRevert: make([]bool, len(bundle.Transactions)),
		},
		ReplacementUUID: bundle.ReplacementUUID,
	}
	for i, tx := range bundle.Transactions {
		args.Body.CanRevert[i] = bundle.CanRevert(tx)
	}
	if bundle.MinTimestamp != nil || bundle.MaxTimestamp != nil {
		args.Validity = &BundleValidity{
			MinTimestamp: (*hexutil.Uint64)(copyUint64(bundle.MinTimestamp)),
			MaxTimestamp: (*hexutil.Uint64)(copyUint64(bundle.MaxTimestamp)),
		}
	}
	if withPrivacy && bundle.Hints != nil {
		args.Privacy = &RoutingHints{
			Hints:    bundle.Hints.Hints,
			Builders: append([]string(nil), bundle.Hints.Builders...),
		}
	}
	return args
}
