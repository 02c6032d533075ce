// Package broadcast fans momentum samples out to per-match subscribers.
//
// Every subscription owns a bounded queue. Publishing never blocks: when a
// queue is full its oldest sample is discarded and the next delivered
// update reports how many were lost.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/model"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("broadcast: subscription closed")

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 64

// Update is one delivered sample. Dropped counts samples discarded for this
// subscriber since the previous delivery.
type Update struct {
	Sample  model.MomentumSample `json:"sample"`
	Dropped int                  `json:"dropped,omitempty"`
}

// Options for a subscription.
type Options struct {
	QueueSize int
}

type queued struct {
	sample  model.MomentumSample
	dropped int
}

// Subscription receives samples for one match.
type Subscription struct {
	matchID string
	b       *Broadcaster

	mu      sync.Mutex
	queue   []queued // ring buffer
	head    int
	size    int
	last    model.MomentumSample
	hasLast bool
	closed  bool
	notify  chan struct{}
}

// MatchID returns the subscribed match.
func (s *Subscription) MatchID() string { return s.matchID }

// push enqueues a sample, evicting the oldest on overflow.
func (s *Subscription) push(sample model.MomentumSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// One delivery per tick.
	if s.hasLast && !sample.Timestamp.After(s.last.Timestamp) {
		return
	}
	s.last = sample
	s.hasLast = true

	var carry int
	if s.size == len(s.queue) {
		lost := s.queue[s.head]
		s.queue[s.head] = queued{}
		s.head = (s.head + 1) % len(s.queue)
		s.size--
		metrics.BroadcastDrops.Inc()
		// The loss is reported on whatever is delivered next.
		if s.size > 0 {
			s.queue[s.head].dropped += lost.dropped + 1
		} else {
			carry = lost.dropped + 1
		}
	}
	s.queue[(s.head+s.size)%len(s.queue)] = queued{sample: sample, dropped: carry}
	s.size++

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an update is available, ctx is done or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			q := s.queue[s.head]
			s.queue[s.head] = queued{}
			s.head = (s.head + 1) % len(s.queue)
			s.size--
			s.mu.Unlock()
			return Update{Sample: q.sample, Dropped: q.dropped}, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Update{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending reports the number of queued updates.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// Broadcaster maintains the subscriber registry.
type Broadcaster struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New creates a broadcaster. A non-positive queueSize uses the default.
func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		queueSize: queueSize,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for matchID.
func (b *Broadcaster) Subscribe(matchID string, opts Options) *Subscription {
	size := opts.QueueSize
	if size <= 0 {
		size = b.queueSize
	}
	sub := &Subscription{
		matchID: matchID,
		b:       b,
		queue:   make([]queued, size),
		notify:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	set, ok := b.subs[matchID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[matchID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	metrics.Subscribers.Inc()
	slog.Debug("subscriber added", "match", matchID)
	return sub
}

// Unsubscribe removes sub. Queued updates are still readable; Next returns
// ErrClosed once they are drained.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	set := b.subs[sub.matchID]
	_, ok := set[sub]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.matchID)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
	metrics.Subscribers.Dec()
}

// Publish delivers sample to every subscriber of its match without
// blocking.
func (b *Broadcaster) Publish(sample model.MomentumSample) {
	b.mu.RLock()
	set := b.subs[sample.MatchID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(sample)
	}
}

// CloseMatch closes every subscription of a match, used when it ends.
func (b *Broadcaster) CloseMatch(matchID string) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[matchID]))
	for sub := range b.subs[matchID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.Unsubscribe(sub)
	}
}

// Count returns the number of subscribers for a match.
func (b *Broadcaster) Count(matchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[matchID])
}
