package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/store"
)

var t0 = time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type staticIndex struct {
	mu     sync.Mutex
	sample model.MomentumSample
}

func (s *staticIndex) Current(string) (model.MomentumSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, nil
}

type recordingPayer struct {
	mu   sync.Mutex
	paid []ledger.Payout
	fail bool
}

func (p *recordingPayer) Pay(_ context.Context, po ledger.Payout) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("gateway down")
	}
	p.paid = append(p.paid, po)
	return "rcpt", nil
}

type harness struct {
	clock  *clock
	index  *staticIndex
	payer  *recordingPayer
	ledger *ledger.Ledger
	sched  *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: &clock{t: t0},
		index: &staticIndex{},
		payer: &recordingPayer{},
	}
	cfg := ledger.DefaultConfig()
	cfg.PayoutMaxRetry = 0
	h.ledger = ledger.New(cfg, h.index, h.payer, store.NewMemoryStore(), ledger.WithClock(h.clock.Now))
	h.sched = NewScheduler(Config{
		Tick:            time.Second,
		Freshness:       2 * time.Second,
		StalenessBudget: 30 * time.Second,
		Workers:         4,
	}, h.ledger, WithClock(h.clock.Now))
	return h
}

// open opens a one minute position at entry and schedules it.
func (h *harness) open(t *testing.T, side model.Side, entry int) model.Position {
	t.Helper()
	h.index.mu.Lock()
	h.index.sample = model.MomentumSample{MatchID: "m1", MomentumIndex: entry, Timestamp: h.clock.Now()}
	h.index.mu.Unlock()

	p, err := h.ledger.Open(context.Background(), ledger.OpenRequest{
		OwnerID: "alice",
		MatchID: "m1",
		Side:    side,
		Stake:   d("100"),
		Window:  time.Minute,
	})
	require.NoError(t, err)
	h.sched.Schedule(p)
	return p
}

func (h *harness) observe(offset time.Duration, index int) {
	h.sched.Observe(model.MomentumSample{MatchID: "m1", Timestamp: t0.Add(offset), MomentumIndex: index})
}

func (h *harness) tick(offset time.Duration) {
	h.clock.Set(t0.Add(offset))
	h.sched.Tick(context.Background(), t0.Add(offset))
}

func (h *harness) status(t *testing.T, id string) ledger.Status {
	t.Helper()
	st, err := h.ledger.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestTick_SettlesAtDeadlineWithFreshSample(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, model.SideLong, 40)

	h.observe(30*time.Second, 48)
	h.tick(30 * time.Second)
	assert.Equal(t, 1, h.sched.Pending(), "not due yet")

	h.observe(60*time.Second, 60)
	h.tick(60 * time.Second)
	assert.Equal(t, 0, h.sched.Pending())

	st := h.status(t, p.ID)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, model.StateSettled, st.Position.State)
	assert.Equal(t, 60, st.Settlement.ExitIndex)
	assert.True(t, st.Settlement.Payout.Equal(d("119.6")), "payout %s", st.Settlement.Payout)
	assert.True(t, st.Settlement.Fee.Equal(d("0.4")), "fee %s", st.Settlement.Fee)
	assert.False(t, st.Settlement.Stale)
}

func TestTick_WaitsForFreshSampleWithinBudget(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, model.SideShort, 70)

	h.observe(10*time.Second, 75)
	h.tick(65 * time.Second)
	assert.Equal(t, 1, h.sched.Pending())
	assert.Equal(t, model.StateActive, h.status(t, p.ID).Position.State)

	// A fresh sample arrives before the budget runs out.
	h.observe(70*time.Second, 90)
	h.tick(71 * time.Second)

	st := h.status(t, p.ID)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, 90, st.Settlement.ExitIndex)
	assert.True(t, st.Settlement.Payout.Equal(d("80")), "payout %s", st.Settlement.Payout)
	assert.False(t, st.Settlement.Stale)
}

func TestTick_StaleSettlementUsesLastKnownIndex(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, model.SideLong, 40)

	// The feed goes quiet after this sample.
	h.observe(20*time.Second, 55)

	h.tick(60 * time.Second)
	h.tick(89 * time.Second)
	require.Equal(t, 1, h.sched.Pending(), "budget not exhausted yet")

	h.tick(91 * time.Second)
	assert.Equal(t, 0, h.sched.Pending())

	st := h.status(t, p.ID)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, model.StateSettled, st.Position.State)
	assert.True(t, st.Position.Flags.Has(model.FlagStaleSettlement))
	assert.True(t, st.Settlement.Stale)
	assert.Equal(t, 55, st.Settlement.ExitIndex)
}

func TestTick_StaleSettlementWithoutSampleUsesEntryIndex(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, model.SideLong, 40)

	h.tick(91 * time.Second)

	st := h.status(t, p.ID)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, 40, st.Settlement.ExitIndex)
	assert.True(t, st.Settlement.Stale)
	assert.True(t, st.Settlement.Payout.Equal(d("100")), "flat position returns the stake")
}

func TestTick_DropsPositionsNoLongerActive(t *testing.T) {
	h := newHarness(t)
	h.sched.Schedule(model.Position{ID: "ghost", MatchID: "m1", EntryTime: t0, WindowDuration: time.Second})
	h.observe(time.Second, 50)

	h.tick(time.Second)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestTick_PayoutFailureLeavesPositionToReconciliation(t *testing.T) {
	h := newHarness(t)
	h.payer.fail = true
	p := h.open(t, model.SideLong, 40)

	h.observe(60*time.Second, 60)
	h.tick(60 * time.Second)
	assert.Equal(t, 0, h.sched.Pending(), "scheduler hands off after pinning")

	st := h.status(t, p.ID)
	assert.Equal(t, model.StateActive, st.Position.State)
	assert.True(t, st.Position.Flags.Has(model.FlagReconciliationRequired))

	h.payer.mu.Lock()
	h.payer.fail = false
	h.payer.mu.Unlock()
	n, err := h.ledger.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateSettled, h.status(t, p.ID).Position.State)
}

type flakySettler struct {
	calls atomic.Int32
}

func (f *flakySettler) Settle(context.Context, string, int, bool) (model.SettlementResult, error) {
	if f.calls.Add(1) == 1 {
		return model.SettlementResult{}, errors.New("store unavailable")
	}
	return model.SettlementResult{}, nil
}

func TestTick_RetriesTransientErrors(t *testing.T) {
	f := &flakySettler{}
	s := NewScheduler(Config{Freshness: 2 * time.Second}, f)
	s.Schedule(model.Position{ID: "p1", MatchID: "m1", EntryTime: t0, WindowDuration: time.Second})
	s.Observe(model.MomentumSample{MatchID: "m1", Timestamp: t0.Add(time.Second), MomentumIndex: 50})

	s.Tick(context.Background(), t0.Add(time.Second))
	assert.Equal(t, 1, s.Pending())

	s.Tick(context.Background(), t0.Add(2*time.Second))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestSchedule_IgnoresDuplicates(t *testing.T) {
	s := NewScheduler(Config{}, &flakySettler{})
	p := model.Position{ID: "p1", MatchID: "m1", EntryTime: t0, WindowDuration: time.Minute}
	s.Schedule(p)
	s.Schedule(p)
	assert.Equal(t, 1, s.Pending())
}

func TestTick_SettlesInDeadlineOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	rec := settlerFunc(func(_ context.Context, id string, _ int, _ bool) (model.SettlementResult, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, id)
		return model.SettlementResult{}, nil
	})
	s := NewScheduler(Config{Workers: 1, Freshness: time.Hour}, rec)
	s.Schedule(model.Position{ID: "late", MatchID: "m1", EntryTime: t0, WindowDuration: 3 * time.Minute})
	s.Schedule(model.Position{ID: "early", MatchID: "m1", EntryTime: t0, WindowDuration: time.Minute})
	s.Schedule(model.Position{ID: "mid", MatchID: "m1", EntryTime: t0, WindowDuration: 2 * time.Minute})
	s.Observe(model.MomentumSample{MatchID: "m1", Timestamp: t0, MomentumIndex: 50})

	s.Tick(context.Background(), t0.Add(2*time.Minute))
	assert.Equal(t, []string{"early", "mid"}, order)
	assert.Equal(t, 1, s.Pending())
}

func TestEndMatch_KeepsLastSampleUntilDrained(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, model.SideLong, 40)
	h.observe(30*time.Second, 70)
	h.sched.EndMatch("m1")
	h.observe(40*time.Second, 10) // in flight when the match ended

	// The match ended; the position still settles stale on its last index.
	h.tick(91 * time.Second)
	st := h.status(t, p.ID)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, 70, st.Settlement.ExitIndex)

	h.sched.mu.Lock()
	_, kept := h.sched.latest["m1"]
	h.sched.mu.Unlock()
	assert.False(t, kept)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewScheduler(Config{Tick: 5 * time.Millisecond}, &flakySettler{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

type settlerFunc func(context.Context, string, int, bool) (model.SettlementResult, error)

func (f settlerFunc) Settle(ctx context.Context, id string, exit int, stale bool) (model.SettlementResult, error) {
	return f(ctx, id, exit, stale)
}
