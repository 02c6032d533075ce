// Package ledger owns the lifecycle of momentum positions and computes
// their payouts.
//
// A position is opened against the latest momentum sample of a live match,
// counts down its window while Active and is settled exactly once. Every
// state change is written through to the position store. All monetary
// values use shopspring/decimal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/futstar/momentum-engine/internal/limits"
	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/store"
)

var (
	ErrInvalidStake  = errors.New("ledger: stake must be positive")
	ErrInvalidSide   = errors.New("ledger: side must be long or short")
	ErrInvalidWindow = errors.New("ledger: invalid window duration")
	ErrInvalidOwner  = errors.New("ledger: owner_id is required")
	ErrUnknownMatch  = errors.New("ledger: unknown match")
	ErrNoRecentIndex = errors.New("ledger: no recent momentum index")
	ErrNotFound      = errors.New("ledger: position not found")
	ErrNotActive     = errors.New("ledger: position is not active")
	ErrNotOpen       = errors.New("ledger: position is not open")
	ErrPayoutFailed  = errors.New("ledger: payout failed")
)

// IndexSource provides the momentum index a position is opened against.
type IndexSource interface {
	Current(matchID string) (model.MomentumSample, error)
}

// Payout is the instruction forwarded to the settlement collaborator.
// Delivery is at-least-once; receivers deduplicate on PositionID.
type Payout struct {
	PositionID string          `json:"position_id"`
	OwnerID    string          `json:"owner_id"`
	MatchID    string          `json:"match_id"`
	Amount     decimal.Decimal `json:"payout"`
}

// Payer forwards payouts. Errors wrapped with backoff.Permanent are not
// retried.
type Payer interface {
	Pay(ctx context.Context, p Payout) (receipt string, err error)
}

// Config tunes the ledger.
type Config struct {
	FeeRate       decimal.Decimal
	MaxWindow     time.Duration
	DefaultWindow time.Duration
	// Freshness is the maximum age of the entry sample, normally 2× tick.
	Freshness time.Duration
	// Escrow makes Open return positions in the Open state until the stake
	// lock is confirmed with Activate or rolled back with Cancel.
	Escrow bool
	Limits *limits.StakeLimiter

	PayoutTimeout  time.Duration
	PayoutMaxRetry time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FeeRate:        decimal.RequireFromString("0.02"),
		MaxWindow:      time.Hour,
		DefaultWindow:  5 * time.Minute,
		Freshness:      2 * time.Second,
		PayoutTimeout:  10 * time.Second,
		PayoutMaxRetry: 30 * time.Second,
	}
}

// OpenRequest is the input of Open.
type OpenRequest struct {
	OwnerID string
	MatchID string
	Side    model.Side
	Stake   decimal.Decimal
	Window  time.Duration // zero means the default window
}

// Status is the settlement status of a position.
type Status struct {
	Position   model.Position          `json:"position"`
	Settlement *model.SettlementResult `json:"settlement,omitempty"`
}

// entry is a live position. mu serializes every state change of the
// position; Ledger.mu only guards the maps.
type entry struct {
	// Immutable copies, readable without mu.
	owner string
	match string
	stake decimal.Decimal

	mu     sync.Mutex
	pos    model.Position
	pinned *model.SettlementResult
}

func newEntry(p model.Position) *entry {
	return &entry{owner: p.OwnerID, match: p.MatchID, stake: p.Stake, pos: p}
}

// Ledger is the position ledger.
type Ledger struct {
	cfg   Config
	index IndexSource
	payer Payer
	store store.PositionStore
	now   func() time.Time

	mu    sync.RWMutex
	live  map[string]*entry
	pools map[string]*model.PoolStats
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger. payer may be nil, in which case payouts are
// recorded without being forwarded.
func New(cfg Config, index IndexSource, payer Payer, st store.PositionStore, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:   cfg,
		index: index,
		payer: payer,
		store: st,
		now:   time.Now,
		live:  make(map[string]*entry),
		pools: make(map[string]*model.PoolStats),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open validates the request and opens a position at the current index.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if err := l.validate(&req); err != nil {
		metrics.PositionRejections.WithLabelValues(reason(err)).Inc()
		return model.Position{}, err
	}

	now := l.now().UTC()
	sample, err := l.index.Current(req.MatchID)
	if err != nil {
		metrics.PositionRejections.WithLabelValues("unknown_match").Inc()
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownMatch, req.MatchID)
	}
	if age := now.Sub(sample.Timestamp); age > l.cfg.Freshness {
		metrics.PositionRejections.WithLabelValues("no_recent_index").Inc()
		return model.Position{}, fmt.Errorf("%w: latest sample for %s is %s old", ErrNoRecentIndex, req.MatchID, age.Round(time.Millisecond))
	}

	state := model.StateActive
	if l.cfg.Escrow {
		state = model.StateOpen
	}
	e := newEntry(model.Position{
		ID:             uuid.New().String(),
		MatchID:        req.MatchID,
		OwnerID:        req.OwnerID,
		Side:           req.Side,
		Stake:          req.Stake,
		EntryIndex:     sample.MomentumIndex,
		EntryTime:      now,
		WindowDuration: req.Window,
		State:          state,
		UpdatedAt:      now,
	})

	// The entry stays locked until it is persisted, so nothing can move it
	// before the store knows about it.
	e.mu.Lock()
	defer e.mu.Unlock()

	// Limit check and registration happen under one lock so two concurrent
	// opens by the same owner cannot both squeeze under the cap.
	l.mu.Lock()
	if err := l.cfg.Limits.CheckLimit(req.MatchID, req.Stake, l.exposuresLocked(req.OwnerID)); err != nil {
		l.mu.Unlock()
		metrics.PositionRejections.WithLabelValues("limit").Inc()
		return model.Position{}, err
	}
	l.live[e.pos.ID] = e
	l.addToPoolLocked(&e.pos)
	l.mu.Unlock()

	if err := l.store.SavePosition(ctx, &e.pos); err != nil {
		l.mu.Lock()
		delete(l.live, e.pos.ID)
		l.removeFromPoolLocked(&e.pos, true)
		l.mu.Unlock()
		// Anyone already holding the entry sees a terminal position.
		e.pos.State = model.StateCancelled
		return model.Position{}, fmt.Errorf("ledger: persist position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(string(req.Side)).Inc()
	slog.Info("position opened",
		"position", e.pos.ID,
		"owner", e.pos.OwnerID,
		"match", e.pos.MatchID,
		"side", e.pos.Side,
		"stake", e.pos.Stake.String(),
		"entry_index", e.pos.EntryIndex,
		"window", e.pos.WindowDuration,
		"state", e.pos.State,
	)
	return e.pos, nil
}

func (l *Ledger) validate(req *OpenRequest) error {
	if req.OwnerID == "" {
		return ErrInvalidOwner
	}
	if !req.Stake.IsPositive() {
		return ErrInvalidStake
	}
	if !req.Side.Valid() {
		return ErrInvalidSide
	}
	if req.Window == 0 {
		req.Window = l.cfg.DefaultWindow
	}
	if req.Window <= 0 || (l.cfg.MaxWindow > 0 && req.Window > l.cfg.MaxWindow) {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, req.Window)
	}
	return nil
}

// Activate confirms an Open position once its stake is locked.
func (l *Ledger) Activate(ctx context.Context, id string) (model.Position, error) {
	return l.fromOpen(ctx, id, model.StateActive)
}

// Cancel rolls back an Open position. The stake is returned in full and
// no fee is charged.
func (l *Ledger) Cancel(ctx context.Context, id string) (model.Position, error) {
	p, err := l.fromOpen(ctx, id, model.StateCancelled)
	if err == nil {
		metrics.PositionsCancelled.Inc()
	}
	return p, err
}

func (l *Ledger) fromOpen(ctx context.Context, id string, to model.PositionState) (model.Position, error) {
	e, err := l.liveEntry(ctx, id, ErrNotOpen)
	if err != nil {
		return model.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != model.StateOpen {
		return e.pos, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, e.pos.State)
	}
	if err := model.Transition(e.pos.State, to); err != nil {
		return e.pos, err
	}

	next := e.pos
	next.State = to
	next.UpdatedAt = l.now().UTC()
	if err := l.store.SavePosition(ctx, &next); err != nil {
		return e.pos, fmt.Errorf("ledger: persist position: %w", err)
	}
	e.pos = next

	if to.Terminal() {
		l.archive(e, true)
	}
	slog.Info("position transition", "position", id, "state", to)
	return e.pos, nil
}

// Settle computes the payout of an Active position at exitIndex, forwards
// it and marks the position Settled. stale flags a settlement that used
// the last known index after the staleness budget ran out.
//
// When the payer fails the position stays Active, is flagged for
// reconciliation and the computed result is pinned: later attempts pay the
// same amount regardless of exitIndex. Settle then returns the pinned
// result together with an error wrapping ErrPayoutFailed.
func (l *Ledger) Settle(ctx context.Context, id string, exitIndex int, stale bool) (model.SettlementResult, error) {
	e, err := l.liveEntry(ctx, id, ErrNotActive)
	if err != nil {
		return model.SettlementResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != model.StateActive {
		return model.SettlementResult{}, fmt.Errorf("%w: %s is %s", ErrNotActive, id, e.pos.State)
	}

	now := l.now().UTC()
	if e.pinned == nil {
		r := Compute(e.pos, exitIndex, l.cfg.FeeRate)
		r.Stale = stale
		r.SettledAt = now
		if stale {
			e.pos.Flags |= model.FlagStaleSettlement
			metrics.StaleSettlements.Inc()
		}
		e.pinned = &r
	}
	return l.pay(ctx, e, now)
}

// pay forwards the pinned result of e and finalizes the position. Caller
// holds e.mu.
func (l *Ledger) pay(ctx context.Context, e *entry, now time.Time) (model.SettlementResult, error) {
	r := *e.pinned

	if r.Payout.IsPositive() && l.payer != nil {
		receipt, err := l.forward(ctx, Payout{
			PositionID: r.PositionID,
			OwnerID:    r.OwnerID,
			MatchID:    r.MatchID,
			Amount:     r.Payout,
		})
		if err != nil {
			first := !e.pos.Flags.Has(model.FlagReconciliationRequired)
			e.pos.Flags |= model.FlagReconciliationRequired
			e.pos.UpdatedAt = now
			if serr := l.store.SaveSettlement(ctx, &r); serr != nil {
				slog.Error("ledger: persist pinned settlement", "position", r.PositionID, "err", serr)
			}
			if serr := l.store.SavePosition(ctx, &e.pos); serr != nil {
				slog.Error("ledger: persist flagged position", "position", r.PositionID, "err", serr)
			}
			metrics.PayoutFailures.Inc()
			if first {
				metrics.ReconciliationPending.Inc()
			}
			slog.Warn("payout failed, reconciliation required",
				"position", r.PositionID,
				"payout", r.Payout.String(),
				"err", err,
			)
			return r, fmt.Errorf("%w: %s: %v", ErrPayoutFailed, r.PositionID, err)
		}
		r.Receipt = receipt
	}

	if err := model.Transition(e.pos.State, model.StateSettled); err != nil {
		return r, err
	}
	if e.pos.Flags.Has(model.FlagReconciliationRequired) {
		e.pos.Flags &^= model.FlagReconciliationRequired
		metrics.ReconciliationPending.Dec()
	}
	e.pos.State = model.StateSettled
	e.pos.UpdatedAt = now
	e.pinned = &r

	// The payout went out; a failed write cannot roll it back, so the
	// in-memory state wins and the error is only logged.
	if err := l.store.SaveSettlement(ctx, &r); err != nil {
		slog.Error("ledger: persist settlement", "position", r.PositionID, "err", err)
	}
	if err := l.store.SavePosition(ctx, &e.pos); err != nil {
		slog.Error("ledger: persist settled position", "position", r.PositionID, "err", err)
	}
	l.archive(e, false)

	metrics.PositionsSettled.WithLabelValues(outcome(r)).Inc()
	metrics.SettlementLag.Observe(now.Sub(e.pos.Deadline()).Seconds())
	slog.Info("position settled",
		"position", r.PositionID,
		"entry_index", r.EntryIndex,
		"exit_index", r.ExitIndex,
		"pnl", r.PnL.String(),
		"fee", r.Fee.String(),
		"payout", r.Payout.String(),
		"stale", r.Stale,
	)
	return r, nil
}

// forward calls the payer with exponential backoff until it succeeds, a
// permanent error is returned or the retry budget runs out.
func (l *Ledger) forward(ctx context.Context, p Payout) (string, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if l.cfg.PayoutMaxRetry > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxElapsedTime = l.cfg.PayoutMaxRetry
		b = exp
	}

	var receipt string
	op := func() error {
		callCtx := ctx
		if l.cfg.PayoutTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.PayoutTimeout)
			defer cancel()
		}
		r, err := l.payer.Pay(callCtx, p)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("payout attempt failed", "position", p.PositionID, "retry_in", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return "", err
	}
	return receipt, nil
}

// Reconcile retries every position flagged for reconciliation with its
// pinned result. Returns the number settled.
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	var settled int
	var errs []error
	for _, e := range l.snapshot() {
		e.mu.Lock()
		if e.pos.State != model.StateActive || !e.pos.Flags.Has(model.FlagReconciliationRequired) || e.pinned == nil {
			e.mu.Unlock()
			continue
		}
		_, err := l.pay(ctx, e, l.now().UTC())
		e.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		settled++
	}
	if settled > 0 || len(errs) > 0 {
		slog.Info("reconciliation pass", "settled", settled, "failed", len(errs))
	}
	return settled, errors.Join(errs...)
}

// Restore rebuilds the live set from the store after a restart and
// returns the recovered positions. Pinned results of flagged positions are
// reloaded so reconciliation pays the amount computed before the restart.
func (l *Ledger) Restore(ctx context.Context) ([]model.Position, error) {
	positions, err := l.store.ListLivePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list live positions: %w", err)
	}

	var pending int
	entries := make([]*entry, 0, len(positions))
	for _, p := range positions {
		e := newEntry(p)
		if p.Flags.Has(model.FlagReconciliationRequired) {
			r, err := l.store.GetSettlement(ctx, p.ID)
			switch {
			case err == nil:
				e.pinned = r
				pending++
			case errors.Is(err, store.ErrNotFound):
				// Nothing was pinned; the scheduler will settle it afresh.
				e.pos.Flags &^= model.FlagReconciliationRequired
			default:
				return nil, fmt.Errorf("ledger: load pinned settlement %s: %w", p.ID, err)
			}
		}
		entries = append(entries, e)
	}

	l.mu.Lock()
	for _, e := range entries {
		if _, ok := l.live[e.pos.ID]; ok {
			continue
		}
		l.live[e.pos.ID] = e
		l.addToPoolLocked(&e.pos)
	}
	l.mu.Unlock()

	metrics.ReconciliationPending.Add(float64(pending))
	slog.Info("ledger restored", "positions", len(entries), "pending_reconciliation", pending)

	out := make([]model.Position, len(entries))
	for i, e := range entries {
		out[i] = e.pos
	}
	return out, nil
}

// Get returns a position by id.
func (l *Ledger) Get(ctx context.Context, id string) (model.Position, error) {
	l.mu.RLock()
	e, ok := l.live[id]
	l.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.pos, nil
	}

	p, err := l.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Position{}, err
	}
	return *p, nil
}

// Status returns a position with its settlement result, if any. The
// result of a position awaiting reconciliation is its pinned result.
func (l *Ledger) Status(ctx context.Context, id string) (Status, error) {
	l.mu.RLock()
	e, ok := l.live[id]
	l.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		st := Status{Position: e.pos}
		if e.pinned != nil {
			r := *e.pinned
			st.Settlement = &r
		}
		return st, nil
	}

	p, err := l.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Position: p}
	if p.State == model.StateSettled {
		r, err := l.store.GetSettlement(ctx, id)
		if err != nil {
			return Status{}, fmt.Errorf("ledger: load settlement %s: %w", id, err)
		}
		st.Settlement = r
	}
	return st, nil
}

// ByOwner lists every position of an owner, newest first.
func (l *Ledger) ByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	return l.store.ListPositionsByOwner(ctx, ownerID)
}

// Pool returns the stake totals of a match.
func (l *Ledger) Pool(matchID string) model.PoolStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.pools[matchID]; ok {
		return *p
	}
	return model.PoolStats{MatchID: matchID}
}

// Active returns the Active positions in no particular order.
func (l *Ledger) Active() []model.Position {
	var out []model.Position
	for _, e := range l.snapshot() {
		e.mu.Lock()
		if e.pos.State == model.StateActive {
			out = append(out, e.pos)
		}
		e.mu.Unlock()
	}
	return out
}

// liveEntry finds a live entry. Positions that exist only in the store
// are terminal, reported as notLive.
func (l *Ledger) liveEntry(ctx context.Context, id string, notLive error) (*entry, error) {
	l.mu.RLock()
	e, ok := l.live[id]
	l.mu.RUnlock()
	if ok {
		return e, nil
	}
	p, err := l.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", notLive, id, p.State)
}

func (l *Ledger) snapshot() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.live))
	for _, e := range l.live {
		out = append(out, e)
	}
	return out
}

// archive drops a terminal entry from the live set. Caller holds e.mu.
func (l *Ledger) archive(e *entry, refund bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.live, e.pos.ID)
	l.removeFromPoolLocked(&e.pos, refund)
}

// exposuresLocked sums the live stake of an owner per match.
func (l *Ledger) exposuresLocked(ownerID string) map[string]decimal.Decimal {
	var owned []*entry
	for _, e := range l.live {
		if e.owner == ownerID {
			owned = append(owned, e)
		}
	}
	return limits.Exposures(owned,
		func(e *entry) string { return e.match },
		func(e *entry) decimal.Decimal { return e.stake },
	)
}

func (l *Ledger) addToPoolLocked(p *model.Position) {
	pool, ok := l.pools[p.MatchID]
	if !ok {
		pool = &model.PoolStats{MatchID: p.MatchID}
		l.pools[p.MatchID] = pool
	}
	if p.Side == model.SideLong {
		pool.LongVolume = pool.LongVolume.Add(p.Stake)
	} else {
		pool.ShortVolume = pool.ShortVolume.Add(p.Stake)
	}
	pool.OpenPositions++
}

// removeFromPoolLocked decrements the live count. Volumes are cumulative
// and only shrink when the stake is refunded.
func (l *Ledger) removeFromPoolLocked(p *model.Position, refund bool) {
	pool, ok := l.pools[p.MatchID]
	if !ok {
		return
	}
	pool.OpenPositions--
	if !refund {
		return
	}
	if p.Side == model.SideLong {
		pool.LongVolume = pool.LongVolume.Sub(p.Stake)
	} else {
		pool.ShortVolume = pool.ShortVolume.Sub(p.Stake)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrInvalidWindow):
		return "invalid_window"
	case errors.Is(err, ErrInvalidOwner):
		return "invalid_owner"
	}
	return "other"
}

func outcome(r model.SettlementResult) string {
	switch {
	case r.PnL.IsPositive():
		return "win"
	case r.PnL.IsNegative():
		return "loss"
	}
	return "flat"
}
