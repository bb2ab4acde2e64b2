// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesReceived         = metrics.NewCounter("bundles_received_total")
	bundlesRejected         = metrics.NewCounter("bundles_rejected_total")
	bundlesUnplaced         = metrics.NewCounter("bundles_unplaced_total")
	submitDuration          = metrics.NewSummary("bundle_submit_duration_milliseconds")
	inclusionProbability    = metrics.NewHistogram("bundle_inclusion_probability")
	buildersSelected        = metrics.NewHistogram("bundle_builders_selected")
	inclusionsReported      = metrics.NewCounter("bundle_inclusions_reported_total")
	cancellationsDispatched = metrics.NewCounter("bundle_cancellations_dispatched_total")
)

func IncBundlesReceived() {
	bundlesReceived.Inc()
}

// IncBundlesRejected counts bundles refused before any builder was contacted.
func IncBundlesRejected() {
	bundlesRejected.Inc()
}

// IncBundlesUnplaced counts bundles that no selected builder accepted.
func IncBundlesUnplaced() {
	bundlesUnplaced.Inc()
}

func RecordSubmitDuration(ms int64) {
	submitDuration.Update(float64(ms))
}

func RecordInclusionProbability(p float64) {
	inclusionProbability.Update(p)
}

func RecordBuildersSelected(n int) {
	buildersSelected.Update(float64(n))
}

func IncInclusionsReported() {
	inclusionsReported.Inc()
}

func IncCancellationsDispatched() {
	cancellationsDispatched.Inc()
}

func RecordBuilderSubmission(builder string, success bool, latencyMs int64) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`builder_submissions_total{builder=%q,success="%t"}`, builder, success)).Inc()
	metrics.GetOrCreateSummary(fmt.Sprintf(`builder_submission_latency_milliseconds{builder=%q}`, builder)).Update(float64(latencyMs))
}

func RecordBuilderAttempts(builder string, attempts int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`builder_attempts_total{builder=%q}`, builder)).Add(attempts)
}

func RecordBuilderHealth(builder string, healthy bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`builder_health_checks_total{builder=%q,healthy="%t"}`, builder, healthy)).Inc()
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}
