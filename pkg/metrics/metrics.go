package metrics

import (
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/dogstatsd"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/prometheus"
	"go.uber.org/zap"
)

type MetricsSinkConfig struct{}

// MetricsSink fans every measurement out to the configured metrics clients.
type MetricsSink struct {
	config  *MetricsSinkConfig
	clients []metricsTypes.IMetricsClient
}

func NewMetricsSink(cfg *MetricsSinkConfig, clients []metricsTypes.IMetricsClient) (*MetricsSink, error) {
	return &MetricsSink{
		config:  cfg,
		clients: clients,
	}, nil
}

func (ms *MetricsSink) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) {
	for _, client := range ms.clients {
		_ = client.Incr(name, labels, value)
	}
}

func (ms *MetricsSink) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) {
	for _, client := range ms.clients {
		_ = client.Gauge(name, value, labels)
	}
}

func (ms *MetricsSink) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) {
	for _, client := range ms.clients {
		_ = client.Timing(name, value, labels)
	}
}

func (ms *MetricsSink) Flush() {
	for _, client := range ms.clients {
		client.Flush()
	}
}

func InitMetricsSinksFromConfig(cfg *config.Config, l *zap.Logger) ([]metricsTypes.IMetricsClient, error) {
	clients := make([]metricsTypes.IMetricsClient, 0)

	if cfg.DataDogConfig.StatsdConfig.Enabled {
		s, err := dogstatsd.NewDogStatsdMetricsClient(cfg.DataDogConfig.StatsdConfig.Url, l)
		if err != nil {
			l.Sugar().Errorw("Failed to create statsd client", zap.Error(err))
			return nil, err
		}
		clients = append(clients, s)
		l.Sugar().Infow("Statsd metrics client enabled", zap.String("url", cfg.DataDogConfig.StatsdConfig.Url))
	}

	if cfg.PrometheusConfig.Enabled {
		pmc, err := prometheus.NewPrometheusMetricsClient(&prometheus.PrometheusMetricsConfig{
			Metrics: metricsTypes.MetricTypes,
		}, l)
		if err != nil {
			l.Sugar().Errorw("Failed to create prometheus client", zap.Error(err))
			return nil, err
		}
		clients = append(clients, pmc)
		l.Sugar().Infow("Prometheus metrics client enabled")
	}

	return clients, nil
}
