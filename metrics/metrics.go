// Package metrics exposes the shared Prometheus collectors. Every service
// serves them on its /metrics endpoint via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCompleted counts tasks a service finished, by service name.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Total tasks completed by service",
	}, []string{"service"})

	// AgentExecutionTime observes how long one agent operation took.
	AgentExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_execution_time_seconds",
		Help:    "Time spent executing agent tasks",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
	}, []string{"service", "operation"})

	// LLMTokens counts tokens by service and direction (prompt/completion).
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Total LLM tokens consumed",
	}, []string{"service", "direction"})

	// PRCreationLatency observes end-to-end pull request creation time.
	PRCreationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pr_creation_latency_seconds",
		Help:    "Latency of pull request creation",
		Buckets: []float64{1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
	})
)

// ObserveTokens records one completion's token usage for a service.
func ObserveTokens(service string, promptTokens, completionTokens int) {
	LLMTokens.WithLabelValues(service, "prompt").Add(float64(promptTokens))
	LLMTokens.WithLabelValues(service, "completion").Add(float64(completionTokens))
}
