// Package eventBus distributes award events to in-process consumers such as the AMQP forwarder.
// Publishing never blocks the award path: a consumer that cannot keep up misses events.
package eventBus

import (
	"context"

	"github.com/Layr-Labs/xp-ledger/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

type EventBus struct {
	consumers *eventBusTypes.ConsumerList
	sink      *metrics.MetricsSink
	logger    *zap.Logger
}

func NewEventBus(sink *metrics.MetricsSink, l *zap.Logger) *EventBus {
	return &EventBus{
		consumers: eventBusTypes.NewConsumerList(),
		sink:      sink,
		logger:    l,
	}
}

// Subscribe registers a consumer to receive events published to the event bus.
func (eb *EventBus) Subscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Add(consumer)
	eb.logger.Sugar().Debugw("Subscribed consumer", zap.String("consumerId", string(consumer.Id)))
}

// SubscribeNew creates a consumer with a buffered channel and subscribes it.
func (eb *EventBus) SubscribeNew(ctx context.Context, id string, buffer int) *eventBusTypes.Consumer {
	consumer := &eventBusTypes.Consumer{
		Id:      eventBusTypes.ConsumerId(id),
		Context: ctx,
		Channel: make(chan *eventBusTypes.Event, buffer),
	}
	eb.Subscribe(consumer)
	return consumer
}

func (eb *EventBus) Unsubscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Remove(consumer)
	eb.logger.Sugar().Infow("Unsubscribed consumer", zap.String("consumerId", string(consumer.Id)))
}

// Publish offers the event to every consumer without blocking. Consumers whose channel is full,
// nil, or whose context is done are skipped and the miss is counted.
func (eb *EventBus) Publish(event *eventBusTypes.Event) {
	eb.logger.Sugar().Debugw("Publishing event", zap.String("eventName", string(event.Name)))
	for _, consumer := range eb.consumers.GetAll() {
		if consumer.Channel == nil || (consumer.Context != nil && consumer.Context.Err() != nil) {
			eb.logger.Sugar().Debugw("Consumer is not receiving", zap.String("consumerId", string(consumer.Id)))
			eb.recordMiss(event)
			continue
		}
		select {
		case consumer.Channel <- event:
			eb.logger.Sugar().Debugw("Published event to consumer",
				zap.String("consumerId", string(consumer.Id)),
				zap.String("eventName", event.Name.String()),
			)
		default:
			eb.logger.Sugar().Warnw("Consumer channel is full, dropping event",
				zap.String("consumerId", string(consumer.Id)),
				zap.String("eventName", event.Name.String()),
			)
			eb.recordMiss(event)
		}
	}
}

// PublishAwardCompleted wraps data in an Event_AwardCompleted event and publishes it.
func (eb *EventBus) PublishAwardCompleted(data *eventBusTypes.AwardCompletedData) {
	eb.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_AwardCompleted,
		Data: data,
	})
}

func (eb *EventBus) recordMiss(event *eventBusTypes.Event) {
	if eb.sink == nil {
		return
	}
	eb.sink.Incr(metricsTypes.Metric_Incr_EventPublishFailed, []metricsTypes.MetricsLabel{
		{Name: "event", Value: string(event.Name)},
	}, 1)
}
