// Package momentum maintains a rolling event window per live match and
// derives the 0–100 momentum index from it once per tick.
//
// The index is a 20/20/30/20/10 blend of possession share, shot ratio,
// expected-goals ratio, field tilt and an exponentially decayed recency
// term, each scoped to the window. A match with no evidence sits at
// the neutral 50 and drifts back there as old events leave the window.
package momentum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/model"
)

// ErrUnknownMatch is returned for matches with no calculator state.
var ErrUnknownMatch = errors.New("momentum: unknown match")

// Config tunes the calculator.
type Config struct {
	// Window is the trailing span of events that influence the index.
	Window time.Duration
	// Tick is the nominal interval between samples.
	Tick time.Duration
	// HalfLife of the recency decay term.
	HalfLife time.Duration
	// JumpAlert logs and counts index moves larger than this between
	// consecutive samples. Zero disables the alert.
	JumpAlert int
}

// DefaultConfig returns the documented defaults: 5 minute window, 1 second
// tick, 60 second half-life.
func DefaultConfig() Config {
	return Config{
		Window:    5 * time.Minute,
		Tick:      time.Second,
		HalfLife:  60 * time.Second,
		JumpAlert: 20,
	}
}

type matchState struct {
	win       window
	contacted bool // at least one event ever applied
	sample    model.MomentumSample
	hasSample bool
}

// reasonMatchEnded labels events dropped because their match has ended.
const reasonMatchEnded = "match_ended"

// Calculator owns the per-match windows. All access goes through its
// methods; Run is the stage loop that applies events and emits samples.
type Calculator struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	matches map[string]*matchState
	// ended holds matches closed by EndMatch. Events still queued for them
	// are dropped until the match is started again.
	ended map[string]struct{}
}

// Option customizes a Calculator.
type Option func(*Calculator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// NewCalculator creates a calculator. Zero config fields take defaults.
func NewCalculator(cfg Config, opts ...Option) *Calculator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	c := &Calculator{
		cfg:     cfg,
		now:     time.Now,
		matches: make(map[string]*matchState),
		ended:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// StartMatch registers a match at the neutral index. From the next tick on
// it emits a sample every tick, events or not. Starting a live match is a
// no-op; starting an ended one brings it back.
func (c *Calculator) StartMatch(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ended, matchID)
	if _, ok := c.matches[matchID]; !ok {
		c.matches[matchID] = &matchState{}
		metrics.LiveMatches.Set(float64(len(c.matches)))
		slog.Info("match started", "match", matchID)
	}
}

// EndMatch destroys the match window. Returns false if it was not live.
// Events for the match applied afterwards are dropped until StartMatch.
func (c *Calculator) EndMatch(matchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.matches[matchID]; !ok {
		return false
	}
	delete(c.matches, matchID)
	c.ended[matchID] = struct{}{}
	metrics.LiveMatches.Set(float64(len(c.matches)))
	metrics.MomentumIndex.DeleteLabelValues(matchID)
	slog.Info("match ended", "match", matchID)
	return true
}

// Apply adds an event to its match window, creating the match on first
// contact. Events older than the newest one already applied are ignored;
// the ingestor filters those before they get here. Events of an ended match
// are dropped.
func (c *Calculator) Apply(ev model.MatchEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ended[ev.MatchID]; ok {
		metrics.EventsRejected.WithLabelValues(reasonMatchEnded).Inc()
		slog.Debug("calculator: dropping event of ended match", "match", ev.MatchID, "ts", ev.Timestamp)
		return
	}
	st, ok := c.matches[ev.MatchID]
	if !ok {
		st = &matchState{}
		c.matches[ev.MatchID] = st
		metrics.LiveMatches.Set(float64(len(c.matches)))
	}
	if ev.Timestamp.Before(st.win.latest) {
		slog.Warn("calculator: ignoring event older than window head",
			"match", ev.MatchID, "ts", ev.Timestamp, "latest", st.win.latest)
		return
	}
	st.win.push(ev, c.cfg.HalfLife)
	st.contacted = true
}

// Tick evicts expired events and emits one sample per live match, in match
// id order. A match without events emits the neutral index.
func (c *Calculator) Tick(now time.Time) []model.MomentumSample {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.matches))
	for id := range c.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	samples := make([]model.MomentumSample, 0, len(ids))
	for _, id := range ids {
		st := c.matches[id]
		s := c.compute(id, st, now)

		// Timestamps strictly increase per match even if the clock stalls.
		if st.hasSample && !s.Timestamp.After(st.sample.Timestamp) {
			s.Timestamp = st.sample.Timestamp.Add(time.Nanosecond)
		}
		if st.hasSample && c.cfg.JumpAlert > 0 {
			if jump := s.MomentumIndex - st.sample.MomentumIndex; jump > c.cfg.JumpAlert || -jump > c.cfg.JumpAlert {
				metrics.IndexJumps.Inc()
				slog.Warn("momentum index jump",
					"match", id,
					"from", st.sample.MomentumIndex,
					"to", s.MomentumIndex,
				)
			}
		}

		st.sample = s
		st.hasSample = true
		samples = append(samples, s)
		metrics.MomentumIndex.WithLabelValues(id).Set(float64(s.MomentumIndex))
	}
	metrics.SamplesEmitted.Add(float64(len(samples)))
	return samples
}

// compute evicts and derives the sample at now. Caller holds c.mu.
func (c *Calculator) compute(matchID string, st *matchState, now time.Time) model.MomentumSample {
	ref := now
	if st.win.latest.After(ref) {
		ref = st.win.latest
	}
	st.win.evict(ref, c.cfg.Window, c.cfg.HalfLife)

	sig := c.signals(&st.win, ref)
	w := &st.win
	return model.MomentumSample{
		MatchID:       matchID,
		Timestamp:     now,
		MomentumIndex: sig.Index(),
		Possession:    round2(sig.PossessionShare * 100),
		ShotsHome:     w.shots[home],
		ShotsAway:     w.shots[away],
		XGHome:        round2(w.xg[home]),
		XGAway:        round2(w.xg[away]),
		FieldTilt:     round2(sig.FieldTilt * 100),
	}
}

func (c *Calculator) signals(w *window, at time.Time) Signals {
	dh, da := w.decayedAt(at, c.cfg.HalfLife)
	return Signals{
		PossessionShare: ratio(w.possession[home], w.possession[away]),
		ShotRatio:       ratio(float64(w.shots[home]), float64(w.shots[away])),
		XGRatio:         ratio(w.xg[home], w.xg[away]),
		FieldTilt:       ratio(float64(w.count[home]), float64(w.count[away])),
		RecentDecay:     decaySignal(dh, da),
	}
}

// Signals returns the current signal breakdown for a match.
func (c *Calculator) Signals(matchID string) (Signals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.matches[matchID]
	if !ok {
		return Signals{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	if !st.contacted {
		return NeutralSignals(), nil
	}
	now := c.now()
	ref := now
	if st.win.latest.After(ref) {
		ref = st.win.latest
	}
	st.win.evict(ref, c.cfg.Window, c.cfg.HalfLife)
	return c.signals(&st.win, ref), nil
}

// Current returns the index a caller should see right now: the last
// emitted sample, or a fresh computation before the first tick. A match
// with no events computes to the neutral index.
func (c *Calculator) Current(matchID string) (model.MomentumSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.matches[matchID]
	if !ok {
		return model.MomentumSample{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	if st.hasSample {
		return st.sample, nil
	}
	return c.compute(matchID, st, c.now()), nil
}

// Latest returns the last emitted sample for a match.
func (c *Calculator) Latest(matchID string) (model.MomentumSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.matches[matchID]
	if !ok || !st.hasSample {
		return model.MomentumSample{}, false
	}
	return st.sample, true
}

// Live reports whether the match has calculator state.
func (c *Calculator) Live(matchID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.matches[matchID]
	return ok
}

// Matches lists live match ids in order.
func (c *Calculator) Matches() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.matches))
	for id := range c.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run applies events from in and emits samples to out every tick until
// ctx is done or in is closed. Sends to out block, so a slow consumer
// slows the calculator rather than growing a buffer.
func (c *Calculator) Run(ctx context.Context, in <-chan model.MatchEvent, out chan<- model.MomentumSample) error {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			c.Apply(ev)
		case <-ticker.C:
			for _, s := range c.Tick(c.now()) {
				select {
				case out <- s:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
