package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	scalar(&sb, "taskd_uptime_seconds", "gauge", "Time since the service started", snap.Uptime)

	labeled(&sb, "taskd_requests_total", "Total number of requests by endpoint", "endpoint", snap.TotalRequests)
	labeled(&sb, "taskd_request_errors_total", "Requests answered with a server error by endpoint", "endpoint", snap.RequestErrors)
	labeled(&sb, "taskd_request_duration_ms_total", "Total request duration in milliseconds", "endpoint", snap.TotalRequestsDur)
	scalar(&sb, "taskd_rate_limit_hits_total", "counter", "Total number of rate limit rejections", snap.RateLimitHits)

	labeled(&sb, "taskd_tasks_created_total", "Tasks admitted by generator", "generator", snap.TasksCreated)
	labeled(&sb, "taskd_tasks_finished_total", "Tasks reaching a terminal status", "status", snap.TasksFinished)

	// Callback keys are provider|outcome.
	sb.WriteString("# HELP taskd_callbacks_total Provider callbacks by outcome\n")
	sb.WriteString("# TYPE taskd_callbacks_total counter\n")
	for _, key := range sortedKeys(snap.Callbacks) {
		provider, outcome, _ := strings.Cut(key, "|")
		sb.WriteString(fmt.Sprintf("taskd_callbacks_total{provider=\"%s\",outcome=\"%s\"} %d\n", provider, outcome, snap.Callbacks[key]))
	}
	sb.WriteString("\n")

	labeled(&sb, "taskd_provider_submissions_total", "Job submissions by provider", "provider", snap.SubmitRequests)
	labeled(&sb, "taskd_provider_submission_errors_total", "Failed job submissions by provider", "provider", snap.SubmitErrors)
	labeled(&sb, "taskd_provider_submission_latency_ms_total", "Total submission latency in milliseconds", "provider", snap.SubmitLatency)

	scalar(&sb, "taskd_credits_debited_total", "counter", "Credits debited for tasks", snap.CreditsDebited)
	scalar(&sb, "taskd_credits_refunded_total", "counter", "Credits refunded for failed tasks", snap.CreditsRefunded)
	scalar(&sb, "taskd_credits_granted_total", "counter", "Credits granted by vouchers, payments and admins", snap.CreditsGranted)

	scalar(&sb, "taskd_bus_dropped_events_total", "counter", "Updates dropped for slow subscribers", snap.DroppedEvents)
	scalar(&sb, "taskd_bus_subscribers", "gauge", "Connected live-update subscribers", int64(snap.Subscribers))

	return sb.String()
}

func scalar(sb *strings.Builder, name, kind, help string, value int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, kind))
	sb.WriteString(fmt.Sprintf("%s %d\n\n", name, value))
}

func labeled(sb *strings.Builder, name, help, label string, values map[string]int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range sortedKeys(values) {
		sb.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, key, values[key]))
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
