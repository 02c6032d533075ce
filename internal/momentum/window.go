package momentum

import (
	"math"
	"time"

	"github.com/futstar/momentum-engine/internal/model"
)

const (
	home = 0
	away = 1
)

func teamSlot(t model.Team) int {
	if t == model.TeamAway {
		return away
	}
	return home
}

// window is the rolling event window of one match. Events arrive in
// timestamp order, so eviction only ever pops from the head and every
// aggregate is maintained incrementally.
type window struct {
	events []model.MatchEvent
	head   int

	possession [2]float64
	shots      [2]int
	xg         [2]float64
	count      [2]int

	// decayed[i] is Σ 2^(-(decayAt - t_e)/halfLife) over team i's events.
	decayed [2]float64
	decayAt time.Time

	latest time.Time
}

func (w *window) len() int {
	return len(w.events) - w.head
}

// push appends an event. Callers guarantee ev is not older than latest.
func (w *window) push(ev model.MatchEvent, halfLife time.Duration) {
	i := teamSlot(ev.Team)
	switch ev.Kind {
	case model.KindPossessionSample:
		w.possession[i] += ev.Value
	case model.KindShot:
		w.shots[i]++
	case model.KindXGUpdate:
		w.xg[i] += ev.Value
	}
	w.count[i]++

	w.advanceDecay(ev.Timestamp, halfLife)
	w.decayed[i]++

	w.events = append(w.events, ev)
	if ev.Timestamp.After(w.latest) {
		w.latest = ev.Timestamp
	}
}

// evict drops events older than span relative to ref.
func (w *window) evict(ref time.Time, span, halfLife time.Duration) {
	cutoff := ref.Add(-span)
	for w.head < len(w.events) && w.events[w.head].Timestamp.Before(cutoff) {
		ev := w.events[w.head]
		w.events[w.head] = model.MatchEvent{}
		w.head++

		i := teamSlot(ev.Team)
		switch ev.Kind {
		case model.KindPossessionSample:
			w.possession[i] -= ev.Value
		case model.KindShot:
			w.shots[i]--
		case model.KindXGUpdate:
			w.xg[i] -= ev.Value
		}
		w.count[i]--
		w.decayed[i] -= decayFactor(w.decayAt.Sub(ev.Timestamp), halfLife)
	}

	if w.len() == 0 {
		// Reset running sums so float error cannot accumulate across bursts.
		latest := w.latest
		*w = window{events: w.events[:0], latest: latest}
		return
	}
	if w.head > 64 && w.head > len(w.events)/2 {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
	for i := range w.decayed {
		if w.decayed[i] < 0 {
			w.decayed[i] = 0
		}
		if w.possession[i] < 0 {
			w.possession[i] = 0
		}
		if w.xg[i] < 0 {
			w.xg[i] = 0
		}
	}
}

// advanceDecay re-anchors the decayed sums at t. t never moves backwards.
func (w *window) advanceDecay(t time.Time, halfLife time.Duration) {
	if w.decayAt.IsZero() {
		w.decayAt = t
		return
	}
	if !t.After(w.decayAt) {
		return
	}
	f := decayFactor(t.Sub(w.decayAt), halfLife)
	w.decayed[home] *= f
	w.decayed[away] *= f
	w.decayAt = t
}

// decayedAt returns the per-team decayed weights as seen at t.
func (w *window) decayedAt(t time.Time, halfLife time.Duration) (float64, float64) {
	f := 1.0
	if t.After(w.decayAt) {
		f = decayFactor(t.Sub(w.decayAt), halfLife)
	}
	return w.decayed[home] * f, w.decayed[away] * f
}

func decayFactor(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Seconds() / halfLife.Seconds())
}
