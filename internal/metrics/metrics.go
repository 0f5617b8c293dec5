// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intents claimed by the dispatcher, by priority
	IntentsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_intents_claimed_total",
			Help: "Call intents claimed for dispatch",
		},
		[]string{"priority"},
	)

	// Policy verdicts by reason; eligible decisions use reason "eligible"
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_policy_decisions_total",
			Help: "Campaign policy decisions by reason",
		},
		[]string{"reason"},
	)

	// Placement attempts by result: success, transient, permanent, exhausted, skipped
	PlacementResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_placement_results_total",
			Help: "Call placement attempts by result",
		},
		[]string{"result"},
	)

	PlacementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_placement_duration_seconds",
			Help:    "Provider origination latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConversationTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_conversation_turns_total",
			Help: "Conversation turns by speaker",
		},
		[]string{"speaker"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_generation_latency_seconds",
			Help:    "Language model reply latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
		},
	)

	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_call_outcomes_total",
			Help: "Analyzed call outcomes by primary outcome and next action",
		},
		[]string{"outcome", "action"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Middleware records request counts and latencies using the matched route
// template to keep label cardinality low.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
		return err
	}
}
