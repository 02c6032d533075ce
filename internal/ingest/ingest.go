// Package ingest validates raw match-event records from the live feed and
// forwards them, in per-match timestamp order, to the momentum calculator.
//
// The ingestor holds no business logic: it normalizes fields, enforces
// per-match timestamp monotonicity and applies backpressure when the
// downstream queue is full.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/model"
)

var (
	// ErrMalformedEvent is returned when a required field is missing or invalid.
	ErrMalformedEvent = errors.New("ingest: malformed event")

	// ErrOutOfOrderEvent is returned when an event is not newer than the last
	// accepted event for the same match. The event is dropped; not fatal.
	ErrOutOfOrderEvent = errors.New("ingest: out-of-order event")
)

// RawEvent is a match event record as delivered by the feed.
type RawEvent struct {
	MatchID   string    `json:"match_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"event_kind"`
	Team      string    `json:"team"`
	Value     *float64  `json:"value,omitempty"`
}

// Options configures an Ingestor.
type Options struct {
	// AllowEqualTimestamps accepts events whose timestamp equals the last
	// accepted one for the match. They keep ingestion (FIFO) order.
	AllowEqualTimestamps bool
}

// Ingestor validates raw events and pushes them onto a bounded queue.
type Ingestor struct {
	out  chan<- model.MatchEvent
	opts Options
	seq  atomic.Uint64

	mu       sync.Mutex
	lastSeen map[string]time.Time
	// ordering serializes the check-send-record sequence per match, so a
	// send blocked on backpressure holds up only its own match.
	ordering map[string]*sync.Mutex
}

// New creates an ingestor that forwards valid events to out.
func New(out chan<- model.MatchEvent, opts Options) *Ingestor {
	return &Ingestor{
		out:      out,
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		ordering: make(map[string]*sync.Mutex),
	}
}

// Ingest validates raw and, if it is well formed and in order, forwards it
// downstream. The send blocks while the queue is full until ctx is done.
func (in *Ingestor) Ingest(ctx context.Context, raw RawEvent) (model.MatchEvent, error) {
	ev, err := Normalize(raw)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		return model.MatchEvent{}, err
	}

	// Events of a match leave in the same order they were accepted.
	order := in.matchLock(ev.MatchID)
	order.Lock()
	defer order.Unlock()

	in.mu.Lock()
	last, ok := in.lastSeen[ev.MatchID]
	in.mu.Unlock()
	if ok {
		if ev.Timestamp.Before(last) || (ev.Timestamp.Equal(last) && !in.opts.AllowEqualTimestamps) {
			metrics.EventsRejected.WithLabelValues("out_of_order").Inc()
			slog.Debug("dropping out-of-order event",
				"match", ev.MatchID,
				"ts", ev.Timestamp,
				"last", last,
			)
			return model.MatchEvent{}, fmt.Errorf("%w: match %s at %s, last %s",
				ErrOutOfOrderEvent, ev.MatchID, ev.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
	}

	ev.Seq = in.seq.Add(1)

	select {
	case in.out <- ev:
	case <-ctx.Done():
		return model.MatchEvent{}, ctx.Err()
	}

	in.mu.Lock()
	in.lastSeen[ev.MatchID] = ev.Timestamp
	in.mu.Unlock()
	metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	return ev, nil
}

func (in *Ingestor) matchLock(matchID string) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.ordering[matchID]
	if !ok {
		l = &sync.Mutex{}
		in.ordering[matchID] = l
	}
	return l
}

// Forget drops the ordering state for a finished match.
func (in *Ingestor) Forget(matchID string) {
	in.mu.Lock()
	delete(in.lastSeen, matchID)
	in.mu.Unlock()
}

// LastSeen returns the newest accepted timestamp per match. The feed client
// uses it to resume after a reconnect.
func (in *Ingestor) LastSeen() map[string]time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]time.Time, len(in.lastSeen))
	for k, v := range in.lastSeen {
		out[k] = v
	}
	return out
}

// Normalize converts a raw record into a MatchEvent without ordering checks.
func Normalize(raw RawEvent) (model.MatchEvent, error) {
	matchID := strings.TrimSpace(raw.MatchID)
	if matchID == "" {
		return model.MatchEvent{}, fmt.Errorf("%w: match_id is required", ErrMalformedEvent)
	}
	if raw.Timestamp.IsZero() {
		return model.MatchEvent{}, fmt.Errorf("%w: timestamp is required", ErrMalformedEvent)
	}

	kind := model.EventKind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	if !kind.Valid() {
		return model.MatchEvent{}, fmt.Errorf("%w: unknown event_kind %q", ErrMalformedEvent, raw.Kind)
	}
	team := model.Team(strings.ToLower(strings.TrimSpace(raw.Team)))
	if !team.Valid() {
		return model.MatchEvent{}, fmt.Errorf("%w: unknown team %q", ErrMalformedEvent, raw.Team)
	}

	var value float64
	switch {
	case raw.Value != nil:
		value = *raw.Value
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return model.MatchEvent{}, fmt.Errorf("%w: value must be a finite non-negative number", ErrMalformedEvent)
		}
	case kind == model.KindPossessionSample || kind == model.KindXGUpdate:
		return model.MatchEvent{}, fmt.Errorf("%w: value is required for %s", ErrMalformedEvent, kind)
	default:
		value = 1
	}

	return model.MatchEvent{
		MatchID:   matchID,
		Timestamp: raw.Timestamp.UTC(),
		Kind:      kind,
		Team:      team,
		Value:     value,
	}, nil
}
