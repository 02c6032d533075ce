package momentum

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futstar/momentum-engine/internal/model"
)

var t0 = time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newCalc(t *testing.T) (*Calculator, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: t0}
	return NewCalculator(DefaultConfig(), WithClock(clk.now)), clk
}

func event(match string, ts time.Time, kind model.EventKind, team model.Team, value float64) model.MatchEvent {
	return model.MatchEvent{MatchID: match, Timestamp: ts, Kind: kind, Team: team, Value: value}
}

func TestCurrent_UnknownMatch(t *testing.T) {
	c, _ := newCalc(t)
	_, err := c.Current("nope")
	assert.True(t, errors.Is(err, ErrUnknownMatch))
	assert.False(t, c.Live("nope"))
}

func TestCurrent_StartedMatchWithoutEventsIsNeutral(t *testing.T) {
	c, _ := newCalc(t)
	c.StartMatch("m1")

	s, err := c.Current("m1")
	require.NoError(t, err)
	assert.Equal(t, NeutralIndex, s.MomentumIndex)
	assert.True(t, c.Live("m1"))

	_, ok := c.Latest("m1")
	assert.False(t, ok)

	// Emitted every tick so settlement always has a fresh index.
	samples := c.Tick(t0.Add(time.Second))
	require.Len(t, samples, 1)
	assert.Equal(t, NeutralIndex, samples[0].MomentumIndex)
	assert.Equal(t, t0.Add(time.Second), samples[0].Timestamp)
	assert.Equal(t, 50.0, samples[0].Possession)

	latest, ok := c.Latest("m1")
	require.True(t, ok)
	assert.Equal(t, samples[0], latest)
}

func TestSignals_SingleHomeShot(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))

	sig, err := c.Signals("m1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.ShotRatio)
	assert.InDelta(t, 0.20, sig.ShotRatio*WeightShots, 1e-12)
	assert.Equal(t, 0.5, sig.PossessionShare, "no possession samples is neutral")
	assert.Equal(t, 0.5, sig.XGRatio, "no xg is neutral")

	samples := c.Tick(t0)
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].ShotsHome)
	assert.Equal(t, 0, samples[0].ShotsAway)
	// 0.10 + 0.20 + 0.15 + 0.20 + 0.10
	assert.Equal(t, 75, samples[0].MomentumIndex)
}

func TestSignals_NeutralWeightsGiveFifty(t *testing.T) {
	assert.Equal(t, 50, NeutralSignals().Index())
	assert.InDelta(t, 1.0, WeightPossession+WeightShots+WeightXG+WeightFieldTilt+WeightDecay, 1e-12)
}

func TestSignals_AllHomeAndAllAway(t *testing.T) {
	c, _ := newCalc(t)
	for i, kind := range []model.EventKind{model.KindPossessionSample, model.KindShot, model.KindXGUpdate} {
		c.Apply(event("home", t0.Add(time.Duration(i)*time.Second), kind, model.TeamHome, 0.7))
		c.Apply(event("away", t0.Add(time.Duration(i)*time.Second), kind, model.TeamAway, 0.7))
	}
	samples := c.Tick(t0.Add(2 * time.Second))
	require.Len(t, samples, 2)

	byID := map[string]model.MomentumSample{}
	for _, s := range samples {
		byID[s.MatchID] = s
	}
	assert.Equal(t, 0, byID["away"].MomentumIndex)
	assert.Equal(t, 100, byID["home"].MomentumIndex)
	assert.Equal(t, 100.0, byID["home"].Possession)
	assert.Equal(t, 0.7, byID["home"].XGHome)
}

func TestIndex_AlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := []model.EventKind{model.KindPossessionSample, model.KindShot, model.KindXGUpdate, model.KindGeneric}
	teams := []model.Team{model.TeamHome, model.TeamAway}

	for run := 0; run < 20; run++ {
		c, _ := newCalc(t)
		ts := t0
		for i := 0; i < 500; i++ {
			ts = ts.Add(time.Duration(rng.Intn(5000)) * time.Millisecond)
			c.Apply(event("m", ts, kinds[rng.Intn(len(kinds))], teams[rng.Intn(2)], rng.Float64()*3))
			if i%7 == 0 {
				for _, s := range c.Tick(ts.Add(time.Duration(rng.Intn(400)) * time.Second)) {
					require.GreaterOrEqual(t, s.MomentumIndex, 0)
					require.LessOrEqual(t, s.MomentumIndex, 100)
				}
			}
		}
	}
}

func TestWindow_EvictsEventsOlderThanWindow(t *testing.T) {
	c, _ := newCalc(t)
	// A burst of away pressure at kick-off.
	for i := 0; i < 5; i++ {
		c.Apply(event("m1", t0.Add(time.Duration(i)*time.Second), model.KindShot, model.TeamAway, 1))
	}
	c.Apply(event("m1", t0.Add(5*time.Second), model.KindXGUpdate, model.TeamAway, 0.8))

	early := c.Tick(t0.Add(10 * time.Second))
	require.Len(t, early, 1)
	assert.Equal(t, 5, early[0].ShotsAway)
	assert.Less(t, early[0].MomentumIndex, 50)

	// A single home event six minutes later: the away burst is outside the
	// window relative to the newest event and no longer counts.
	late := t0.Add(6 * time.Minute)
	c.Apply(event("m1", late, model.KindGeneric, model.TeamHome, 1))
	samples := c.Tick(late)
	require.Len(t, samples, 1)
	assert.Equal(t, 0, samples[0].ShotsAway)
	assert.Equal(t, 0.0, samples[0].XGAway)

	sig, err := c.Signals("m1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, sig.ShotRatio)
	assert.Equal(t, 1.0, sig.FieldTilt)
}

func TestWindow_EventAtExactBoundaryStillCounts(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))
	samples := c.Tick(t0.Add(5 * time.Minute))
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].ShotsHome)

	samples = c.Tick(t0.Add(5*time.Minute + time.Millisecond))
	assert.Equal(t, 0, samples[0].ShotsHome)
}

func TestTick_DriftsToNeutralWithoutEvents(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))
	c.Apply(event("m1", t0, model.KindXGUpdate, model.TeamHome, 0.5))

	first := c.Tick(t0)[0].MomentumIndex
	later := c.Tick(t0.Add(3 * time.Minute))[0].MomentumIndex
	gone := c.Tick(t0.Add(6 * time.Minute))[0].MomentumIndex

	assert.Greater(t, first, later, "recency term decays while events age")
	assert.Greater(t, later, NeutralIndex)
	assert.Equal(t, NeutralIndex, gone, "re-emits neutral once the window is empty")
}

func TestSignals_RecentEventsDominateDecay(t *testing.T) {
	c, clk := newCalc(t)
	for i := 0; i < 3; i++ {
		c.Apply(event("m1", t0.Add(time.Duration(i)*time.Second), model.KindGeneric, model.TeamAway, 1))
	}
	c.Apply(event("m1", t0.Add(4*time.Minute), model.KindGeneric, model.TeamHome, 1))
	clk.t = t0.Add(4 * time.Minute)

	sig, err := c.Signals("m1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, sig.FieldTilt, "frequency still favours away")
	assert.Greater(t, sig.RecentDecay, 0.8, "the fresh home event dominates the decay term")
}

func TestTick_TimestampsStrictlyIncrease(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))

	a := c.Tick(t0.Add(time.Second))[0]
	b := c.Tick(t0.Add(time.Second))[0]
	d := c.Tick(t0)[0]
	assert.True(t, b.Timestamp.After(a.Timestamp))
	assert.True(t, d.Timestamp.After(b.Timestamp))

	latest, ok := c.Latest("m1")
	require.True(t, ok)
	assert.Equal(t, d, latest)
}

func TestApply_IgnoresEventsOlderThanHead(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0.Add(time.Minute), model.KindShot, model.TeamHome, 1))
	c.Apply(event("m1", t0, model.KindShot, model.TeamAway, 1))

	s := c.Tick(t0.Add(time.Minute))[0]
	assert.Equal(t, 1, s.ShotsHome)
	assert.Equal(t, 0, s.ShotsAway)
}

func TestEndMatch_DestroysState(t *testing.T) {
	c, _ := newCalc(t)
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))
	c.StartMatch("m2")
	assert.Equal(t, []string{"m1", "m2"}, c.Matches())

	assert.True(t, c.EndMatch("m1"))
	assert.False(t, c.EndMatch("m1"))
	assert.False(t, c.Live("m1"))
	assert.Equal(t, []string{"m2"}, c.Matches())

	samples := c.Tick(t0.Add(time.Second))
	require.Len(t, samples, 1)
	assert.Equal(t, "m2", samples[0].MatchID)
}

func TestApply_DropsEventsOfEndedMatch(t *testing.T) {
	c, _ := newCalc(t)
	c.StartMatch("m1")
	c.Apply(event("m1", t0, model.KindShot, model.TeamHome, 1))
	require.True(t, c.EndMatch("m1"))

	// Still queued when the match ended.
	c.Apply(event("m1", t0.Add(time.Second), model.KindShot, model.TeamAway, 1))
	assert.False(t, c.Live("m1"))
	assert.Empty(t, c.Matches())
	assert.Empty(t, c.Tick(t0.Add(2*time.Second)))

	// A restart clears the tombstone with a fresh window.
	c.StartMatch("m1")
	c.Apply(event("m1", t0.Add(3*time.Second), model.KindShot, model.TeamAway, 1))
	samples := c.Tick(t0.Add(3 * time.Second))
	require.Len(t, samples, 1)
	assert.Equal(t, 0, samples[0].ShotsHome)
	assert.Equal(t, 1, samples[0].ShotsAway)
}

func TestRun_EndMatchRacingQueuedEvents(t *testing.T) {
	c := NewCalculator(Config{Tick: 5 * time.Millisecond})
	in := make(chan model.MatchEvent, 16)
	out := make(chan model.MomentumSample, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, out) }()
	go func() {
		for {
			select {
			case <-out:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		c.StartMatch("m1")
		in <- event("m1", time.Now(), model.KindShot, model.TeamHome, 1)
		c.EndMatch("m1")
		time.Sleep(2 * time.Millisecond)
		assert.False(t, c.Live("m1"), "run %d: match live after EndMatch", i)
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWindow_LongRunCompactsQueue(t *testing.T) {
	c, _ := newCalc(t)
	ts := t0
	for i := 0; i < 5000; i++ {
		ts = ts.Add(time.Second)
		c.Apply(event("m1", ts, model.KindShot, model.TeamHome, 1))
		c.Tick(ts)
	}
	st := c.matches["m1"]
	// 5 minutes at one event per second.
	assert.Equal(t, 301, st.win.len())
	assert.LessOrEqual(t, len(st.win.events), 2*301+64)
	assert.Equal(t, 301, st.win.shots[home])
	assert.False(t, math.IsNaN(st.win.decayed[home]))
}

func TestRun_AppliesEventsAndEmitsSamples(t *testing.T) {
	c := NewCalculator(Config{Tick: 10 * time.Millisecond})
	in := make(chan model.MatchEvent, 4)
	out := make(chan model.MomentumSample, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, out) }()

	in <- event("m1", time.Now(), model.KindShot, model.TeamHome, 1)

	select {
	case s := <-out:
		assert.Equal(t, "m1", s.MatchID)
		assert.Greater(t, s.MomentumIndex, NeutralIndex)
	case <-time.After(time.Second):
		t.Fatal("no sample emitted")
	}

	cancel()
	assert.NoError(t, <-done)
}
