// Package alerts fans crisis alerts out to live supervisor connections.
package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const defaultQueueSize = 64

var (
	// ErrBusClosed is returned by Subscribe after Close.
	ErrBusClosed = errors.New("alerts: bus closed")
	// ErrSubscriptionClosed is returned by Next once the subscription has ended.
	ErrSubscriptionClosed = errors.New("alerts: subscription closed")
)

// EventKind tags what a subscriber is reading.
type EventKind string

const (
	EventAlert     EventKind = "alert"
	EventGap       EventKind = "gap"
	EventHeartbeat EventKind = "ping"
	EventReady     EventKind = "ready"
)

// Event is one item read from a subscription.
type Event struct {
	Kind EventKind
	// Seq is the bus-wide publish sequence number of an alert.
	Seq   uint64
	Alert crisis.Alert
	// Missed counts alerts dropped before this gap event.
	Missed int
}

// Bus is a volatile, in-process fan-out of alerts. Subscribers receive only
// alerts published after they subscribed, in publish order.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	seq       uint64
	closed    bool
	queueSize int
	logger    *logging.Logger
	metrics   *metrics.DialogueMetrics
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize bounds each subscriber's pending alerts.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics records subscriber counts and drops.
func WithMetrics(m *metrics.DialogueMetrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an empty bus.
func NewBus(logger *logging.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	b := &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: defaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues the alert for every live subscriber and returns its
// sequence number. It never blocks on a subscriber: a full queue drops its
// oldest entry and records a gap.
func (b *Bus) Publish(alert crisis.Alert) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.seq++
	for _, sub := range b.subs {
		if sub.enqueue(b.seq, alert) {
			b.metrics.AddDroppedFrames(1)
		}
	}
	return b.seq
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := newSubscription(uuid.NewString(), b.queueSize)
	b.subs[sub.id] = sub
	b.metrics.SetAlertSubscribers(len(b.subs))
	b.logger.Debug("alert subscriber added", "subscriber_id", sub.id, "subscribers", len(b.subs))
	return sub, nil
}

// Unsubscribe removes sub. Calling it more than once, or with nil, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	n := len(b.subs)
	b.mu.Unlock()

	sub.close()
	if ok {
		b.metrics.SetAlertSubscribers(n)
		b.logger.Debug("alert subscriber removed", "subscriber_id", sub.id, "subscribers", n, "dropped", sub.Dropped())
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.metrics.SetAlertSubscribers(0)
}

type queuedAlert struct {
	seq   uint64
	alert crisis.Alert
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id        string
	createdAt time.Time

	mu      sync.Mutex
	ring    []queuedAlert
	head    int
	size    int
	missed  int
	dropped uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id string, capacity int) *Subscription {
	return &Subscription{
		id:        id,
		createdAt: time.Now().UTC(),
		ring:      make([]queuedAlert, capacity),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID identifies the subscription.
func (s *Subscription) ID() string { return s.id }

// Notify is signalled when new events may be available.
func (s *Subscription) Notify() <-chan struct{} { return s.notify }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Alive reports whether the subscription is still registered.
func (s *Subscription) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Dropped returns how many alerts overflowed this subscriber's queue.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue reports whether an older alert had to be dropped.
func (s *Subscription) enqueue(seq uint64, alert crisis.Alert) bool {
	if !s.Alive() {
		return false
	}
	s.mu.Lock()
	dropped := false
	if s.size == len(s.ring) {
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.missed++
		s.dropped++
		dropped = true
	}
	s.ring[(s.head+s.size)%len(s.ring)] = queuedAlert{seq: seq, alert: alert}
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext returns the next pending event without blocking. A gap event
// precedes the first alert after an overflow.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		return Event{Kind: EventGap, Missed: missed}, true
	}
	if s.size == 0 {
		return Event{}, false
	}
	item := s.ring[s.head]
	s.ring[s.head] = queuedAlert{}
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return Event{Kind: EventAlert, Seq: item.seq, Alert: item.alert}, true
}

// Next blocks until an event is available, the subscription ends or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if !s.Alive() {
			return Event{}, ErrSubscriptionClosed
		}
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrSubscriptionClosed
		case <-s.notify:
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
