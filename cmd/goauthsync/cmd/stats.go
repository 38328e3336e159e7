package cmd

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// latencies collects samples from concurrent callers.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
	fails   int64
}

func (l *latencies) add(d time.Duration, ok bool) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	if !ok {
		l.fails++
	}
	l.mu.Unlock()
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func (l *latencies) stats(total time.Duration) phaseStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) == 0 {
		return phaseStats{total: total}
	}
	samples := append([]time.Duration(nil), l.samples...)
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: l.fails,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(w io.Writer, name string, s phaseStats) {
	fmt.Fprintf(w, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
