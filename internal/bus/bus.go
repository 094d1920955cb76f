package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Catalog event topics. Subscribers usually match on the "item." or "link." prefix.
const (
	TopicItemCreated       = "item.created"
	TopicItemUpdated       = "item.updated"
	TopicItemStatusChanged = "item.status_changed"
	TopicItemTagged        = "item.tagged"
	TopicItemDeleted       = "item.deleted"
	TopicItemRestored      = "item.restored"
	TopicLinkStatusChanged = "link.status_changed"
)

// ItemEvent is published after an item write commits.
type ItemEvent struct {
	ItemID     string `json:"item_id"`
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id,omitempty"`
	Kind       string `json:"kind"`             // audit event kind, e.g. created
	Detail     string `json:"detail,omitempty"` // deletion type, new status, tag names
}

// LinkStatusEvent is published when a calendar link changes state.
type LinkStatusEvent struct {
	LinkID    string `json:"link_id"`
	ItemID    string `json:"item_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	EventID   string `json:"event_id,omitempty"`
}

// Filter selects catalog events. Zero fields match everything. ItemID and
// Provider only match payloads that carry them, so a filter on either one
// excludes run and maintenance events.
type Filter struct {
	Topic    string // topic prefix
	ItemID   string
	Provider string
	RunID    string
}

func (f Filter) match(ev Event) bool {
	if f.Topic != "" && !strings.HasPrefix(ev.Topic, f.Topic) {
		return false
	}
	if f.ItemID == "" && f.Provider == "" && f.RunID == "" {
		return true
	}
	var itemID, provider, runID string
	switch p := ev.Payload.(type) {
	case ItemEvent:
		itemID, provider = p.ItemID, p.Provider
	case LinkStatusEvent:
		itemID = p.ItemID
	case RunEvent:
		runID = p.RunID
	default:
		return false
	}
	return (f.ItemID == "" || f.ItemID == itemID) &&
		(f.Provider == "" || f.Provider == provider) &&
		(f.RunID == "" || f.RunID == runID)
}

// Subscription receives the events matching its filter.
type Subscription struct {
	id      int
	filter  Filter
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Dropped reports how many matching events were lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus fans catalog events out to in-process subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe is SubscribeFilter with only a topic prefix. An empty prefix
// matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeFilter(Filter{Topic: topicPrefix})
}

// SubscribeFilter registers a subscriber for events matching f. The channel
// buffers 100 events; a slow consumer misses events rather than stalling
// writers, and the loss is counted in Dropped.
func (b *Bus) SubscribeFilter(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
