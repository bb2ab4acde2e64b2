// Package multibuilder submits one finalized bundle to several independent block builders.
//
// Flow of a submission:
//
// caller -> Manager.Submit(negotiated block)
//
//	Manager -> SelectBuilders picks destinations from the Registry (strategy + value + reputation)
//	Manager -> ConvertToStandardBundle builds the destination-agnostic bundle
//	Manager -> Client.SubmitBundle is called for every destination in parallel
//	Manager -> aggregates the per-builder results and estimates inclusion probability
//	Manager -> MetricsTracker updates reputation of every attempted builder
//
// Per-builder failures never abort the call; only malformed input does.
package multibuilder

const (
	// BundleVersion is the version tag sent inside every eth_sendBundle envelope.
	BundleVersion = "v0.1"

	SendBundleMethod   = "eth_sendBundle"
	CancelBundleMethod = "eth_cancelBundle"
	CallBundleMethod   = "eth_callBundle"
	HealthCheckMethod  = "eth_blockNumber"

	FlashbotsBundleStatsMethod = "flashbots_getBundleStatsV2"
	TitanBundleStatsMethod     = "titan_getBundleStats"

	DefaultTopN = 3

	// value-based selection sends medium value bundles to this many builders and low value bundles to one
	valueBasedMediumCount = 3
	valueBasedLowCount    = 1
)
