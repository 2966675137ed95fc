// Package metrics registers the Prometheus series Bunflare exposes for its
// own operation: per-binding operation counters and latency histograms, and
// generation-manager reload/active-generation gauges. Every binding package
// increments these directly; nothing here talks to storage.
package metrics
