package dogstatsd

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

const namespace = "xp_ledger."

// statsdClient is the subset of *statsd.Client the metrics client uses.
type statsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Flush() error
}

type DogStatsdMetricsClient struct {
	client statsdClient
	logger *zap.Logger
}

func NewDogStatsdMetricsClient(addr string, l *zap.Logger) (*DogStatsdMetricsClient, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}
	return newDogStatsdMetricsClient(client, l), nil
}

func newDogStatsdMetricsClient(client statsdClient, l *zap.Logger) *DogStatsdMetricsClient {
	return &DogStatsdMetricsClient{
		client: client,
		logger: l,
	}
}

func formatTags(labels []metricsTypes.MetricsLabel) []string {
	tags := make([]string, 0, len(labels))
	for _, label := range labels {
		tags = append(tags, fmt.Sprintf("%s:%s", label.Name, label.Value))
	}
	return tags
}

func (dmc *DogStatsdMetricsClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	return dmc.client.Count(name, int64(value), formatTags(labels), 1)
}

func (dmc *DogStatsdMetricsClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	return dmc.client.Gauge(name, value, formatTags(labels), 1)
}

func (dmc *DogStatsdMetricsClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	return dmc.client.Timing(name, value, formatTags(labels), 1)
}

func (dmc *DogStatsdMetricsClient) Flush() {
	if err := dmc.client.Flush(); err != nil {
		dmc.logger.Sugar().Warnw("Failed to flush statsd client", zap.Error(err))
	}
}
