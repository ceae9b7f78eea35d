package metrics

import (
	"fmt"
	"sort"
	"strings"
)

const prefix = "askrelay_"

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	scalar(&sb, "uptime_seconds", "gauge", "Time since the relay started", snap.Uptime)

	labelled(&sb, "requests_total", "counter", "Total number of requests by endpoint", "endpoint", snap.TotalRequests)
	labelled(&sb, "request_errors_total", "counter", "Total number of failed requests by endpoint", "endpoint", snap.RequestErrors)

	// Only show active endpoints
	active := make(map[string]int64)
	for k, v := range snap.RequestsInProgress {
		if v > 0 {
			active[k] = v
		}
	}
	labelled(&sb, "requests_in_progress", "gauge", "Current number of requests being processed", "endpoint", active)
	labelled(&sb, "request_duration_ms_total", "counter", "Total request duration in milliseconds", "endpoint", snap.TotalRequestsDur)

	scalar(&sb, "rate_limit_hits_total", "counter", "Total number of rate limit rejections", snap.RateLimitHits)
	masked := make(map[string]int64, len(snap.RateLimitByKey))
	for k, v := range snap.RateLimitByKey {
		masked[maskKey(k)] += v
	}
	labelled(&sb, "rate_limit_by_key_total", "counter", "Rate limit hits by client", "key", masked)

	scalar(&sb, "sessions_created_total", "counter", "Sessions registered by prepare", snap.SessionsCreated)
	scalar(&sb, "sessions_active", "gauge", "Sessions attached to a live channel", snap.SessionsActive)
	labelled(&sb, "sessions_closed_total", "counter", "Closed sessions by reason", "reason", snap.SessionsClosed)
	scalar(&sb, "sessions_swept_total", "counter", "Prepared sessions dropped after the idle bound", snap.SessionsSwept)

	labelled(&sb, "relay_events_total", "counter", "Events pushed to clients by kind", "kind", snap.RelayEvents)
	labelled(&sb, "dispatches_total", "counter", "Questions sent upstream by outcome", "outcome", snap.Dispatches)
	labelled(&sb, "dispatch_latency_ms_total", "counter", "Total dispatch time in milliseconds by outcome", "outcome", snap.DispatchLatency)
	labelled(&sb, "upstream_errors_total", "counter", "Upstream failures by class", "class", snap.UpstreamErrors)
	scalar(&sb, "upstream_retries_total", "counter", "Retried upstream calls", snap.UpstreamRetries)

	scalar(&sb, "prompt_tokens_total", "counter", "Total prompt tokens sent", snap.TotalPromptTokens)
	scalar(&sb, "completion_tokens_total", "counter", "Total completion tokens received", snap.TotalCompletionTokens)
	labelled(&sb, "tokens_by_model_total", "counter", "Total tokens by model", "model", snap.TokensByModel)

	return sb.String()
}

func scalar(sb *strings.Builder, name, kind, help string, v int64) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s %s\n", prefix, name, kind)
	fmt.Fprintf(sb, "%s%s %d\n\n", prefix, name, v)
}

func labelled(sb *strings.Builder, name, kind, help, label string, values map[string]int64) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s %s\n", prefix, name, kind)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(sb, "%s%s{%s=%q} %d\n", prefix, name, label, k, values[k])
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// maskKey keeps only the last four characters of a client key.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "client_***"
	}
	return "client_***" + key[len(key)-4:]
}
