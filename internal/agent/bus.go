package agent

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Broadcast addresses a message to every subscriber.
const Broadcast = "*"

// Progress event types published by the agents.
const (
	EventStepStarted            = "step_started"
	EventStepCompleted          = "step_completed"
	EventStepFailed             = "step_failed"
	EventAdaptation             = "adaptation"
	EventEscalation             = "escalation"
	EventVerdictReady           = "verdict_ready"
	EventInvestigationCompleted = "investigation_completed"
)

// Message is one progress/audit event on the bus.
type Message struct {
	ID              string         `json:"id"`
	From            string         `json:"from"`
	To              string         `json:"to"` // agent id or Broadcast
	InvestigationID string         `json:"investigation_id"`
	Type            string         `json:"type"`
	Data            map[string]any `json:"data,omitempty"`
	Priority        int            `json:"priority"` // 1 (highest) .. 5
	Timestamp       time.Time      `json:"timestamp"`
	Delivered       bool           `json:"delivered"`
}

type subscription struct {
	to string
	ch chan Message
}

// Bus is the in-process progress/audit channel between agents and external
// observers. Delivery is at-most-once and never blocks a publisher: a full
// subscriber buffer drops the message. Per-investigation history is bounded
// and evicted on completion or by LRU pressure.
type Bus struct {
	logger  log.Logger
	metrics *Metrics

	mu      sync.RWMutex
	subs    []*subscription
	history *lru.Cache[string, *messageRing]
	perInv  int
}

// NewBus creates a bus retaining history for up to maxInvestigations
// investigations, historyPerInvestigation messages each. metrics may be nil.
func NewBus(logger log.Logger, metrics *Metrics, maxInvestigations, historyPerInvestigation int) (*Bus, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if maxInvestigations <= 0 {
		maxInvestigations = 256
	}
	if historyPerInvestigation <= 0 {
		historyPerInvestigation = 200
	}
	cache, err := lru.New[string, *messageRing](maxInvestigations)
	if err != nil {
		return nil, err
	}
	return &Bus{
		logger:  logger,
		metrics: metrics,
		history: cache,
		perInv:  historyPerInvestigation,
	}, nil
}

// Subscribe registers a recipient. Messages addressed to `to` or broadcast
// are delivered on the returned channel. The returned cancel function must
// be called to release the subscription.
func (b *Bus) Subscribe(to string, buf int) (<-chan Message, func()) {
	if buf <= 0 {
		buf = 64
	}
	sub := &subscription{to: to, ch: make(chan Message, buf)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish assigns id/timestamp, records history, and delivers the message
// to matching subscribers without blocking.
func (b *Bus) Publish(ctx context.Context, msg Message) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Priority < 1 || msg.Priority > 5 {
		msg.Priority = 3
	}
	if msg.To == "" {
		msg.To = Broadcast
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.RUnlock()

	delivered := false
	for _, sub := range subs {
		if msg.To != Broadcast && sub.to != msg.To && sub.to != Broadcast {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered = true
		default:
			if b.metrics != nil {
				b.metrics.BusDropped.Inc()
			}
			b.logger.Warn(ctx, "bus subscriber buffer full, message dropped",
				"to", sub.to, "type", msg.Type, "investigation_id", msg.InvestigationID,
			)
		}
	}
	msg.Delivered = delivered

	if msg.InvestigationID != "" {
		b.record(msg)
	}
	if b.metrics != nil {
		b.metrics.BusPublished.WithLabelValues(msg.Type).Inc()
	}
}

// History returns the retained messages for an investigation, oldest first.
func (b *Bus) History(investigationID string) []Message {
	ring, ok := b.history.Get(investigationID)
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// Evict drops the retained history for a completed investigation.
func (b *Bus) Evict(investigationID string) {
	b.history.Remove(investigationID)
}

func (b *Bus) record(msg Message) {
	ring, ok := b.history.Get(msg.InvestigationID)
	if !ok {
		ring = newMessageRing(b.perInv)
		b.history.Add(msg.InvestigationID, ring)
	}
	ring.add(msg)
}

// messageRing is a bounded FIFO of messages.
type messageRing struct {
	mu   sync.Mutex
	max  int
	msgs []Message
}

func newMessageRing(max int) *messageRing {
	return &messageRing{max: max}
}

func (r *messageRing) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if len(r.msgs) > r.max {
		r.msgs = r.msgs[len(r.msgs)-r.max:]
	}
}

func (r *messageRing) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
