package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedemptionsTotal tracks redemption attempts by outcome (success or error kind)
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_redemptions_total",
		Help: "Total number of key redemption attempts by outcome",
	}, []string{"outcome"})

	// RedemptionDuration tracks end-to-end redemption latency including retries
	RedemptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloudlicense_redemption_duration_seconds",
		Help:    "Histogram of redemption processing duration",
		Buckets: prometheus.DefBuckets,
	})

	// KeysIssued tracks keys generated per product
	KeysIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_keys_issued_total",
		Help: "Total number of license keys issued",
	}, []string{"product_id"})

	// CodeGenerationAttempts tracks how many candidates were drawn before a unique code was found
	CodeGenerationAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloudlicense_code_generation_attempts",
		Help:    "Number of generation attempts needed per unique key code",
		Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
	})

	// CodeGenerationExhausted counts batches that ran out of attempts. Should page an operator.
	CodeGenerationExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlicense_code_generation_exhausted_total",
		Help: "Number of times unique code generation exceeded its attempt bound",
	})

	// TransientRetries counts store operations retried after a transient failure
	TransientRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_transient_retries_total",
		Help: "Number of retries after transient store failures",
	}, []string{"operation"})

	// SubscriptionsSwept tracks subscriptions flipped to inactive by the expiry sweep
	SubscriptionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlicense_subscriptions_swept_total",
		Help: "Total number of subscriptions deactivated by the expiry sweep",
	})

	// HWIDRiskFindings tracks heuristic findings on presented device ids
	HWIDRiskFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_hwid_risk_findings_total",
		Help: "Total number of HWID risk findings by code",
	}, []string{"code"})

	// SideEffectFailures counts post-commit tasks that could not be enqueued or processed
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_side_effect_failures_total",
		Help: "Total number of failed post-commit side effects",
	}, []string{"task"})

	// RateLimited counts requests rejected by an attempt limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlicense_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"limiter"})
)
