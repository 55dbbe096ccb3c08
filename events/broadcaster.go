// Package events provides per-session publish/subscribe of loop events.
//
// Publishing never blocks: each subscriber owns a bounded buffer and when
// it is full the oldest undelivered event is dropped to make room. Events
// for one session reach every subscriber in publish order. A nil
// *Broadcaster is safe to use and discards everything.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindUserMessage       Kind = "user_message"
	KindThought           Kind = "thought"
	KindToolCall          Kind = "tool_call"
	KindObservation       Kind = "observation"
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalResolved  Kind = "approval_resolved"
	KindFinalAnswer       Kind = "final_answer"
	KindSessionFailed     Kind = "session_failed"
	KindStatus            Kind = "status"
	KindToken             Kind = "token"
	KindToolExecution     Kind = "tool_execution"
)

// Event is one published occurrence. Seq increases by one per publish
// within a session.
type Event struct {
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(sessionID string, kind Kind, data map[string]any)
}

// DefaultBufferSize is the per-subscriber buffer when none is given.
const DefaultBufferSize = 64

// Broadcaster fans events out to per-session subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	bufferSize int
	onDrop     func(sessionID string)
	now        func() time.Time
}

type topic struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the default per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook registers a callback invoked whenever an event is dropped
// for a slow subscriber. It runs on the publisher's goroutine.
func WithDropHook(fn func(sessionID string)) Option {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

// New creates a broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		topics:     make(map[string]*topic),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps and delivers an event to every current subscriber of the
// session. With no subscribers it only advances the sequence number.
func (b *Broadcaster) Publish(sessionID string, kind Kind, data map[string]any) {
	if b == nil {
		return
	}
	t := b.topic(sessionID, true)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := Event{
		Seq:       t.seq,
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: b.now(),
		Data:      data,
	}
	for _, sub := range t.subs {
		if sub.offer(ev) {
			continue
		}
		if b.onDrop != nil {
			b.onDrop(sessionID)
		}
	}
}

// Subscribe registers a subscriber with the default buffer size.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	return b.SubscribeBuffered(sessionID, 0)
}

// SubscribeBuffered registers a subscriber with its own buffer size. The
// returned subscription's channel is closed by Close or when the
// broadcaster shuts down.
func (b *Broadcaster) SubscribeBuffered(sessionID string, size int) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
		if b != nil {
			size = b.bufferSize
		}
	}
	ch := make(chan Event, size)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID}

	if b == nil {
		sub.closed = true
		close(ch)
		return sub
	}
	t := b.topic(sessionID, true)
	if t == nil {
		sub.closed = true
		close(ch)
		return sub
	}

	t.mu.Lock()
	t.nextID++
	sub.id = t.nextID
	sub.topic = t
	t.subs[sub.id] = sub
	t.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	if b == nil {
		return 0
	}
	t := b.topic(sessionID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Remove closes every subscription for a session and forgets its sequence.
func (b *Broadcaster) Remove(sessionID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	t := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if t != nil {
		t.closeAll()
	}
}

// Close shuts the broadcaster down and closes all subscriptions.
// Later publishes are discarded.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.closed = true
	b.mu.Unlock()

	for _, t := range topics {
		t.closeAll()
	}
}

func (b *Broadcaster) topic(sessionID string, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	t, ok := b.topics[sessionID]
	if !ok && create {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[sessionID] = t
	}
	return t
}

func (t *topic) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.closeLocked()
	}
}

// Subscription receives one session's events.
type Subscription struct {
	// C delivers events in publish order.
	C <-chan Event

	ch        chan Event
	sessionID string
	id        uint64
	topic     *topic
	closed    bool
	dropped   atomic.Uint64
}

// offer delivers without blocking, evicting the oldest buffered event when
// the buffer is full. It reports false if anything was dropped. Callers
// hold the topic lock.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
	return false
}

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	if s.topic == nil {
		return
	}
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	delete(s.topic.subs, s.id)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
