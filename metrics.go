package goAuthSync

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram of a tab.
type MetricID uint16

const (
	// MetricRefreshAttempt counts refresh flights started.
	MetricRefreshAttempt MetricID = iota
	// MetricRefreshJoined counts callers that joined an in-flight refresh.
	MetricRefreshJoined
	// MetricRefreshSuccess counts refresh flights that produced a token pair.
	MetricRefreshSuccess
	// MetricRefreshFailure counts transient refresh failures.
	MetricRefreshFailure
	// MetricRefreshRejected counts refresh credentials rejected by the server.
	MetricRefreshRejected
	// MetricRefreshCooldown counts calls refused by the minimum interval.
	MetricRefreshCooldown
	// MetricRefreshNoCredential counts calls made without a refresh credential.
	MetricRefreshNoCredential
	// MetricTokenUpdateSent counts TOKEN_UPDATE broadcasts.
	MetricTokenUpdateSent
	// MetricTokenClearSent counts TOKEN_CLEAR broadcasts.
	MetricTokenClearSent
	// MetricStateRequestSent counts STATE_REQUEST broadcasts.
	MetricStateRequestSent
	// MetricStateResponseSent counts STATE_RESPONSE broadcasts.
	MetricStateResponseSent
	// MetricRemoteUpdateApplied counts accepted TOKEN_UPDATE/STATE_RESPONSE messages.
	MetricRemoteUpdateApplied
	// MetricRemoteClearApplied counts accepted TOKEN_CLEAR messages.
	MetricRemoteClearApplied
	// MetricStaleMessageDropped counts messages discarded by last-write-wins.
	MetricStaleMessageDropped
	// MetricSelfMessageDropped counts echoes of a tab's own broadcasts.
	MetricSelfMessageDropped
	// MetricMalformedMessage counts frames that failed to decode.
	MetricMalformedMessage
	// MetricPublishFailure counts broadcast publishes the transport refused.
	MetricPublishFailure
	// MetricStoreFailure counts credential store errors.
	MetricStoreFailure
	// MetricRefreshLatency is the refresh network call latency histogram.
	MetricRefreshLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters for one tab. A nil or disabled Metrics ignores writes.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a copy of every counter and histogram at one instant.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics builds a Metrics from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only MetricRefreshLatency has buckets.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricRefreshLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters, and the latency histogram when enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricRefreshLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricRefreshLatency].buckets[i])
		}
		s.Histograms[MetricRefreshLatency] = buckets
	}

	return s
}

// Refresh calls go over the network, so the buckets sit higher than a hot-path histogram.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 25:
		return 0
	case ms <= 50:
		return 1
	case ms <= 100:
		return 2
	case ms <= 250:
		return 3
	case ms <= 500:
		return 4
	case ms <= 1000:
		return 5
	case ms <= 2500:
		return 6
	default:
		return 7
	}
}
