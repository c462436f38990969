package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
	Flush()
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_VerificationOutcome = "verifier.outcome"
	Metric_Incr_AwardCredited       = "awards.credited"
	Metric_Incr_AwardDuplicate      = "awards.duplicate"
	Metric_Incr_AwardRejected       = "awards.rejected"
	Metric_Incr_StoreRetry          = "store.retry"
	Metric_Incr_FallbackAccumulated = "fallback.accumulated"
	Metric_Incr_FallbackReconciled  = "fallback.reconciled"
	Metric_Incr_FallbackDeadLetter  = "fallback.deadLettered"
	Metric_Incr_EventPublishFailed  = "events.publishFailed"
	Metric_Incr_HttpRequest         = "rpc.http.request"

	Metric_Gauge_FallbackPending = "fallback.pending"

	Metric_Timing_VerificationDuration = "verifier.duration"
	Metric_Timing_AwardDuration        = "awards.duration"
	Metric_Timing_HttpDuration         = "rpc.http.duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_VerificationOutcome,
			Labels: []string{"chain", "status"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_AwardCredited,
			Labels: []string{"kind", "source"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_AwardDuplicate,
			Labels: []string{"kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_AwardRejected,
			Labels: []string{"kind", "reason"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_StoreRetry,
			Labels: []string{"kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_FallbackAccumulated,
			Labels: []string{"kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_FallbackReconciled,
			Labels: []string{"outcome"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_FallbackDeadLetter,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EventPublishFailed,
			Labels: []string{"event"},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_HttpRequest,
			Labels: []string{
				"method",
				"pattern",
				"status_code",
			},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_FallbackPending,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_VerificationDuration,
			Labels: []string{"chain", "status"},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_AwardDuration,
			Labels: []string{"kind", "state"},
		},
		MetricsTypeConfig{
			Name: Metric_Timing_HttpDuration,
			Labels: []string{
				"method",
				"pattern",
				"status_code",
			},
		},
	},
}
