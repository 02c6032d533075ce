package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futstar/momentum-engine/internal/broadcast"
	"github.com/futstar/momentum-engine/internal/ingest"
	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/momentum"
	"github.com/futstar/momentum-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type payer struct {
	mu   sync.Mutex
	paid []ledger.Payout
}

func (p *payer) Pay(_ context.Context, po ledger.Payout) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, po)
	return "rcpt-" + po.PositionID, nil
}

func (p *payer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paid)
}

type escrow struct {
	err error
}

func (e escrow) LockStake(context.Context, model.Position) error { return e.err }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Momentum.Tick = 10 * time.Millisecond
	cfg.Ledger.PayoutMaxRetry = 0
	cfg.Ledger.Freshness = time.Second
	cfg.Settlement.Freshness = time.Second
	cfg.Settlement.Tick = 0
	cfg.EscrowTimeout = 50 * time.Millisecond
	return cfg
}

type running struct {
	*Engine
	store *store.MemoryStore
	payer *payer
}

func start(t *testing.T, cfg Config, deps Deps) *running {
	t.Helper()
	r := &running{store: store.NewMemoryStore(), payer: &payer{}}
	if deps.Positions == nil {
		deps.Positions = r.store
	}
	if deps.Samples == nil {
		deps.Samples = r.store
	}
	if deps.Payer == nil {
		deps.Payer = r.payer
	}
	r.Engine = New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return r
}

func shot(match, team string) ingest.RawEvent {
	return ingest.RawEvent{MatchID: match, Timestamp: time.Now().UTC(), Kind: "shot", Team: team}
}

// updateWithIndex waits for the first update carrying index, skipping the
// neutral samples a started match emits before its events are applied.
func updateWithIndex(t *testing.T, sub *broadcast.Subscription, index int) broadcast.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		u, err := sub.Next(ctx)
		require.NoError(t, err)
		if u.Sample.MomentumIndex == index {
			return u
		}
	}
}

func TestCurrentIndex_NeutralAndUnknown(t *testing.T) {
	e := New(testConfig(), Deps{})

	_, err := e.CurrentIndex("nope")
	assert.ErrorIs(t, err, momentum.ErrUnknownMatch)

	e.StartMatch("m1")
	s, err := e.CurrentIndex("m1")
	require.NoError(t, err)
	assert.Equal(t, 50, s.MomentumIndex)
	assert.Equal(t, []string{"m1"}, e.Matches())
}

func TestRun_SingleHomeShotBroadcasts75(t *testing.T) {
	r := start(t, testConfig(), Deps{})
	r.StartMatch("m1")
	sub := r.Subscribe("m1")
	defer sub.Close()

	_, err := r.Ingest(context.Background(), shot("m1", "home"))
	require.NoError(t, err)

	u := updateWithIndex(t, sub, 75)
	assert.Equal(t, "m1", u.Sample.MatchID)
	assert.Equal(t, 1, u.Sample.ShotsHome)

	assert.Eventually(t, func() bool {
		h, err := r.History(context.Background(), "m1", time.Time{}, 0)
		return err == nil && len(h) > 0
	}, 2*time.Second, 10*time.Millisecond, "samples reach the audit store")
}

func TestRun_PositionSettlesAfterWindow(t *testing.T) {
	r := start(t, testConfig(), Deps{})
	r.StartMatch("m1")
	_, err := r.Ingest(context.Background(), shot("m1", "home"))
	require.NoError(t, err)

	// Wait for the first tick so the entry index reflects the shot.
	require.Eventually(t, func() bool {
		s, err := r.CurrentIndex("m1")
		return err == nil && s.MomentumIndex == 75
	}, 2*time.Second, 5*time.Millisecond)

	p, err := r.OpenPosition(context.Background(), ledger.OpenRequest{
		OwnerID: "alice",
		MatchID: "m1",
		Side:    model.SideLong,
		Stake:   d("100"),
		Window:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, p.State)
	assert.Equal(t, 75, p.EntryIndex)
	assert.True(t, r.Pool("m1").LongVolume.Equal(d("100")))

	require.Eventually(t, func() bool {
		st, err := r.SettlementStatus(context.Background(), p.ID)
		return err == nil && st.Position.State == model.StateSettled
	}, 3*time.Second, 10*time.Millisecond)

	st, err := r.SettlementStatus(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Settlement)
	assert.Equal(t, 75, st.Settlement.ExitIndex)
	assert.True(t, st.Settlement.Payout.Equal(d("100")))
	assert.Equal(t, "rcpt-"+p.ID, st.Settlement.Receipt)
	assert.Equal(t, 1, r.payer.count())

	owned, err := r.OwnerPositions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, model.StateSettled, owned[0].State)
}

func TestRun_QuietMatchSettlesAtDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Settlement.StalenessBudget = time.Minute
	r := start(t, cfg, Deps{})
	r.StartMatch("m1")

	p, err := r.OpenPosition(context.Background(), ledger.OpenRequest{
		OwnerID: "alice",
		MatchID: "m1",
		Side:    model.SideLong,
		Stake:   d("10"),
		Window:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, p.EntryIndex)

	// Well inside the staleness budget: the neutral samples keep exit fresh.
	require.Eventually(t, func() bool {
		st, err := r.SettlementStatus(context.Background(), p.ID)
		return err == nil && st.Position.State == model.StateSettled
	}, time.Second, 5*time.Millisecond)

	st, err := r.SettlementStatus(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Settlement)
	assert.False(t, st.Settlement.Stale)
	assert.Equal(t, 50, st.Settlement.ExitIndex)
	assert.True(t, st.Settlement.Payout.Equal(d("10")))
}

func TestEndMatch_QueuedEventsDoNotReviveMatch(t *testing.T) {
	r := start(t, testConfig(), Deps{})

	for i := 0; i < 20; i++ {
		r.StartMatch("m1")
		_, err := r.Ingest(context.Background(), shot("m1", "home"))
		require.NoError(t, err)
		require.NoError(t, r.EndMatch("m1"))

		time.Sleep(20 * time.Millisecond)
		_, err = r.CurrentIndex("m1")
		require.ErrorIs(t, err, momentum.ErrUnknownMatch, "run %d", i)
		require.Empty(t, r.Matches(), "run %d", i)
	}
}

func TestOpenPosition_UnknownMatch(t *testing.T) {
	e := New(testConfig(), Deps{})
	_, err := e.OpenPosition(context.Background(), ledger.OpenRequest{
		OwnerID: "alice", MatchID: "ghost", Side: model.SideLong, Stake: d("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrUnknownMatch)
}

func TestEndMatch_ClosesSubscriptions(t *testing.T) {
	r := start(t, testConfig(), Deps{})
	r.StartMatch("m1")
	sub := r.Subscribe("m1")

	require.NoError(t, r.EndMatch("m1"))
	// Samples queued before the end are still delivered.
	var err error
	for err == nil {
		_, err = sub.Next(context.Background())
	}
	assert.ErrorIs(t, err, broadcast.ErrClosed)

	assert.ErrorIs(t, r.EndMatch("m1"), momentum.ErrUnknownMatch)
	_, err = r.CurrentIndex("m1")
	assert.ErrorIs(t, err, momentum.ErrUnknownMatch)
}

func TestEscrow_LockActivatesPosition(t *testing.T) {
	r := start(t, testConfig(), Deps{Escrow: escrow{}})
	r.StartMatch("m1")

	p, err := r.OpenPosition(context.Background(), ledger.OpenRequest{
		OwnerID: "alice", MatchID: "m1", Side: model.SideShort, Stake: d("10"), Window: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, p.State)

	assert.Eventually(t, func() bool {
		got, err := r.Position(context.Background(), p.ID)
		return err == nil && got.State == model.StateActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEscrow_PermanentFailureCancels(t *testing.T) {
	r := start(t, testConfig(), Deps{Escrow: escrow{err: backoff.Permanent(errors.New("insufficient funds"))}})
	r.StartMatch("m1")

	p, err := r.OpenPosition(context.Background(), ledger.OpenRequest{
		OwnerID: "alice", MatchID: "m1", Side: model.SideLong, Stake: d("10"), Window: time.Minute,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := r.Position(context.Background(), p.ID)
		return err == nil && got.State == model.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Pool("m1").LongVolume.IsZero(), "cancelled stake leaves the pool")
}

func TestRun_RecoversActivePositions(t *testing.T) {
	mem := store.NewMemoryStore()
	entry := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, mem.SavePosition(context.Background(), &model.Position{
		ID:             "p-old",
		MatchID:        "gone",
		OwnerID:        "bob",
		Side:           model.SideLong,
		Stake:          d("20"),
		EntryIndex:     62,
		EntryTime:      entry,
		WindowDuration: 10 * time.Second,
		State:          model.StateActive,
		UpdatedAt:      entry,
	}))

	cfg := testConfig()
	cfg.Settlement.StalenessBudget = 10 * time.Millisecond
	r := start(t, cfg, Deps{Positions: mem})

	require.Eventually(t, func() bool {
		st, err := r.SettlementStatus(context.Background(), "p-old")
		return err == nil && st.Position.State == model.StateSettled
	}, 3*time.Second, 10*time.Millisecond)

	st, err := r.SettlementStatus(context.Background(), "p-old")
	require.NoError(t, err)
	require.NotNil(t, st.Settlement)
	assert.True(t, st.Settlement.Stale)
	assert.Equal(t, 62, st.Settlement.ExitIndex, "no sample ever seen, entry index is used")
}

func TestFeedHandler_IngestsAndResumes(t *testing.T) {
	e := New(testConfig(), Deps{})
	h := e.FeedHandler()
	ev := shot("m1", "away")

	require.NoError(t, h.Ingest(context.Background(), ev))
	assert.ErrorIs(t, h.Ingest(context.Background(), ev), ingest.ErrOutOfOrderEvent)
	assert.True(t, h.Resume()["m1"].Equal(ev.Timestamp))

	e.StartMatch("m1")
	h.EndMatch("m1")
	assert.Empty(t, h.Resume())
}
