// Package eventBusTypes holds the event and consumer types shared by the event bus and its
// subscribers.
package eventBusTypes

import (
	"context"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type EventName string

func (en *EventName) String() string {
	return string(*en)
}

var (
	// Event_AwardCompleted is emitted when an award request reaches a terminal success state.
	Event_AwardCompleted EventName = "award_completed"
)

type Event struct {
	Name EventName
	Data any
}

type ConsumerId string

// Consumer receives events on Channel until Context is done.
type Consumer struct {
	Id      ConsumerId
	Context context.Context
	Channel chan *Event
}

// ConsumerList holds consumers by id in subscription order. Adding an id that is already present
// replaces the earlier consumer.
type ConsumerList struct {
	mu        sync.Mutex
	consumers *orderedmap.OrderedMap[ConsumerId, *Consumer]
}

func NewConsumerList() *ConsumerList {
	return &ConsumerList{
		consumers: orderedmap.New[ConsumerId, *Consumer](),
	}
}

func (cl *ConsumerList) Add(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers.Set(consumer.Id, consumer)
}

// Remove drops the consumer registered under consumer.Id, if it is still the same consumer.
func (cl *ConsumerList) Remove(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if current, ok := cl.consumers.Get(consumer.Id); ok && current == consumer {
		cl.consumers.Delete(consumer.Id)
	}
}

// GetAll returns a snapshot of the consumers in subscription order.
func (cl *ConsumerList) GetAll() []*Consumer {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]*Consumer, 0, cl.consumers.Len())
	for pair := cl.consumers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (cl *ConsumerList) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.consumers.Len()
}

// AwardCompletedData is the payload of Event_AwardCompleted.
type AwardCompletedData struct {
	RequestId        string    `json:"request_id"`
	Kind             string    `json:"kind"`
	WalletAddress    string    `json:"wallet_address"`
	TxHash           string    `json:"tx_hash,omitempty"`
	GameType         string    `json:"game_type,omitempty"`
	Source           string    `json:"source"`
	FinalXp          int64     `json:"final_xp"`
	XpFromPer100     int64     `json:"xp_from_per_100,omitempty"`
	XpFromMilestones int64     `json:"xp_from_milestones,omitempty"`
	Milestones       []string  `json:"milestones,omitempty"`
	NewTotalXp       int64     `json:"new_total_xp"`
	Multiplier       int64     `json:"multiplier"`
	Credited         bool      `json:"credited"`
	Degraded         bool      `json:"degraded"`
	CompletedAt      time.Time `json:"completed_at"`
}
