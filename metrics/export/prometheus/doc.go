// Package prometheus exports tab metrics through github.com/prometheus/client_golang.
//
// Register a [Collector] per tab with a registry and serve it with [Handler]; every
// scrape reads a fresh snapshot.
package prometheus
