package internaldefs

import (
	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   goAuthSync.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   goAuthSync.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goAuthSync.MetricRefreshAttempt, Name: "goauthsync_refresh_attempt_total", Help: "Refresh flights started."},
	{ID: goAuthSync.MetricRefreshJoined, Name: "goauthsync_refresh_joined_total", Help: "Refresh calls that joined an in-flight refresh."},
	{ID: goAuthSync.MetricRefreshSuccess, Name: "goauthsync_refresh_success_total", Help: "Refresh flights that produced a token pair."},
	{ID: goAuthSync.MetricRefreshFailure, Name: "goauthsync_refresh_failure_total", Help: "Refresh flights that failed transiently."},
	{ID: goAuthSync.MetricRefreshRejected, Name: "goauthsync_refresh_rejected_total", Help: "Refresh credentials rejected by the server."},
	{ID: goAuthSync.MetricRefreshCooldown, Name: "goauthsync_refresh_cooldown_total", Help: "Refresh calls refused by the minimum interval."},
	{ID: goAuthSync.MetricRefreshNoCredential, Name: "goauthsync_refresh_no_credential_total", Help: "Refresh calls made without a refresh credential."},
	{ID: goAuthSync.MetricTokenUpdateSent, Name: "goauthsync_token_update_sent_total", Help: "TOKEN_UPDATE broadcasts."},
	{ID: goAuthSync.MetricTokenClearSent, Name: "goauthsync_token_clear_sent_total", Help: "TOKEN_CLEAR broadcasts."},
	{ID: goAuthSync.MetricStateRequestSent, Name: "goauthsync_state_request_sent_total", Help: "STATE_REQUEST broadcasts."},
	{ID: goAuthSync.MetricStateResponseSent, Name: "goauthsync_state_response_sent_total", Help: "STATE_RESPONSE broadcasts."},
	{ID: goAuthSync.MetricRemoteUpdateApplied, Name: "goauthsync_remote_update_applied_total", Help: "Sibling token updates accepted."},
	{ID: goAuthSync.MetricRemoteClearApplied, Name: "goauthsync_remote_clear_applied_total", Help: "Sibling logouts accepted."},
	{ID: goAuthSync.MetricStaleMessageDropped, Name: "goauthsync_stale_message_dropped_total", Help: "Messages discarded by last-write-wins."},
	{ID: goAuthSync.MetricSelfMessageDropped, Name: "goauthsync_self_message_dropped_total", Help: "Echoes of the tab's own broadcasts."},
	{ID: goAuthSync.MetricMalformedMessage, Name: "goauthsync_malformed_message_total", Help: "Broadcast frames that failed validation."},
	{ID: goAuthSync.MetricPublishFailure, Name: "goauthsync_publish_failure_total", Help: "Broadcasts the transport refused."},
	{ID: goAuthSync.MetricStoreFailure, Name: "goauthsync_store_failure_total", Help: "Credential store errors."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goAuthSync.MetricRefreshLatency, Name: "goauthsync_refresh_latency_seconds", Help: "Refresh network call latency."},
}

// AuditDroppedName is the counter of audit events dropped by backpressure.
const AuditDroppedName = "goauthsync_audit_dropped_total"

// HistogramUpperBounds are the bucket upper bounds in seconds, +Inf excluded.
var HistogramUpperBounds = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters without native
// histogram support.
var HistogramBoundSuffix = []string{
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
