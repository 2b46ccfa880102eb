// Package bus provides a process-wide publish/subscribe event bus.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies an event stream.
type Topic string

const (
	TopicMessageReceived  Topic = "message.received"
	TopicChannelStatus    Topic = "channel.status"
	TopicRunStarted       Topic = "run.started"
	TopicRunCompleted     Topic = "run.completed"
	TopicRunError         Topic = "run.error"
	TopicApprovalRequired Topic = "approval.required"
	TopicApprovalResolved Topic = "approval.resolved"
	TopicMCPStatus        Topic = "mcp.status"
	TopicSkillInstalled   Topic = "skill.installed"
)

// Event is one published record.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Bus fans events out to subscribers. Publish never blocks: subscribers
// with full buffers drop the event rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	all     []chan Event
	dropped atomic.Int64
	bufSize int
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[Topic][]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel receiving events for the given topics.
// With no topics, the subscriber receives every event.
func (b *Bus) Subscribe(topics ...Topic) <-chan Event {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.all = append(b.all, ch)
		return ch
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Unsubscribe removes a channel from all topics and closes it.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var closed chan Event
	for t, list := range b.subs {
		b.subs[t] = removeChan(list, ch, &closed)
	}
	b.all = removeChan(b.all, ch, &closed)
	if closed != nil {
		close(closed)
	}
}

func removeChan(list []chan Event, target <-chan Event, closed *chan Event) []chan Event {
	out := list[:0]
	for _, c := range list {
		if c == target {
			*closed = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		b.deliver(ch, ev)
	}
	for _, ch := range b.all {
		b.deliver(ch, ev)
	}
}

func (b *Bus) deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to full subscriber
// buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
