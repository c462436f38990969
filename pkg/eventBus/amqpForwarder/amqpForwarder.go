// Package amqpForwarder relays award events from the in-process event bus to an AMQP topic exchange,
// where notification services pick them up.
package amqpForwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/eventBus"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerId = "amqp-forwarder"

// Publisher is the subset of *amqp.Channel the forwarder needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AmqpForwarderConfig struct {
	Url            string
	Exchange       string
	PublishTimeout time.Duration
	BufferSize     int
}

type AmqpForwarder struct {
	config    *AmqpForwarderConfig
	publisher Publisher
	conn      *amqp.Connection
	bus       *eventBus.EventBus
	sink      *metrics.MetricsSink
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewAmqpForwarder dials the broker and declares a durable topic exchange.
func NewAmqpForwarder(cfg *AmqpForwarderConfig, bus *eventBus.EventBus, sink *metrics.MetricsSink, l *zap.Logger) (*AmqpForwarder, error) {
	conn, err := amqp.Dial(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	f := newAmqpForwarder(cfg, ch, bus, sink, l)
	f.conn = conn
	return f, nil
}

func newAmqpForwarder(cfg *AmqpForwarderConfig, publisher Publisher, bus *eventBus.EventBus, sink *metrics.MetricsSink, l *zap.Logger) *AmqpForwarder {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 256
	}
	return &AmqpForwarder{
		config:    cfg,
		publisher: publisher,
		bus:       bus,
		sink:      sink,
		logger:    l,
	}
}

// Start subscribes to the bus and forwards events until ctx is done. Events still buffered when ctx
// ends are forwarded before the loop exits.
func (f *AmqpForwarder) Start(ctx context.Context) {
	consumer := f.bus.SubscribeNew(ctx, consumerId, f.config.BufferSize)
	publishCtx := context.WithoutCancel(ctx)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				f.bus.Unsubscribe(consumer)
				f.drain(publishCtx, consumer.Channel)
				return
			case event := <-consumer.Channel:
				f.handle(publishCtx, event)
			}
		}
	}()
}

func (f *AmqpForwarder) drain(ctx context.Context, events <-chan *eventBusTypes.Event) {
	drained := 0
	for {
		select {
		case event := <-events:
			f.handle(ctx, event)
			drained++
		default:
			if drained > 0 {
				f.logger.Sugar().Infow("Forwarded buffered events on shutdown", zap.Int("count", drained))
			}
			return
		}
	}
}

func (f *AmqpForwarder) handle(ctx context.Context, event *eventBusTypes.Event) {
	if err := f.forward(ctx, event); err != nil {
		f.logger.Sugar().Errorw("Failed to forward event",
			zap.String("eventName", string(event.Name)),
			zap.Error(err),
		)
		f.sink.Incr(metricsTypes.Metric_Incr_EventPublishFailed, []metricsTypes.MetricsLabel{
			{Name: "event", Value: string(event.Name)},
		}, 1)
	}
}

// forward publishes with its own timeout so a shutdown in progress does not abort in flight events.
func (f *AmqpForwarder) forward(ctx context.Context, event *eventBusTypes.Event) error {
	body, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, f.config.PublishTimeout)
	defer cancel()

	return f.publisher.PublishWithContext(publishCtx, f.config.Exchange, string(event.Name), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close waits for the forwarding loop to exit and releases the broker connection.
func (f *AmqpForwarder) Close() error {
	f.wg.Wait()
	if err := f.publisher.Close(); err != nil {
		return err
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
