// Package engine composes the momentum pipeline and the position ledger
// into the API consumed by the HTTP layer and the feed client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/futstar/momentum-engine/internal/broadcast"
	"github.com/futstar/momentum-engine/internal/ingest"
	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/momentum"
	"github.com/futstar/momentum-engine/internal/settlement"
	"github.com/futstar/momentum-engine/internal/store"
)

// ErrBusy is returned when the engine cannot accept more work right now.
var ErrBusy = errors.New("engine: busy, retry later")

// Escrow locks the stake of an Open position before it becomes Active.
type Escrow interface {
	LockStake(ctx context.Context, p model.Position) error
}

// Config bundles the settings of every stage.
type Config struct {
	Momentum   momentum.Config
	Ledger     ledger.Config
	Settlement settlement.Config
	Ingest     ingest.Options

	EventQueue      int
	SampleQueue     int
	SubscriberQueue int
	EscrowWorkers   int
	// EscrowTimeout bounds how long a stake lock is retried before the
	// position is cancelled.
	EscrowTimeout time.Duration
}

// DefaultConfig returns defaults for every stage.
func DefaultConfig() Config {
	return Config{
		Momentum:        momentum.DefaultConfig(),
		Ledger:          ledger.DefaultConfig(),
		Settlement:      settlement.DefaultConfig(),
		EventQueue:      1024,
		SampleQueue:     256,
		SubscriberQueue: broadcast.DefaultQueueSize,
		EscrowWorkers:   4,
		EscrowTimeout:   30 * time.Second,
	}
}

// Deps are the external collaborators. Samples, Payer and Escrow may be
// nil.
type Deps struct {
	Positions store.PositionStore
	Samples   store.SampleStore
	Payer     ledger.Payer
	Escrow    Escrow
}

// Engine is the facade over the pipeline stages.
type Engine struct {
	cfg Config

	calc      *momentum.Calculator
	ingestor  *ingest.Ingestor
	bcast     *broadcast.Broadcaster
	ledger    *ledger.Ledger
	scheduler *settlement.Scheduler
	samples   store.SampleStore
	escrow    Escrow

	events   chan model.MatchEvent
	emitted  chan model.MomentumSample
	escrowQ  chan model.Position
	restored []model.Position
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock of every stage, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires the stages together. Call Run to start them.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultConfig()
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}
	if cfg.SampleQueue <= 0 {
		cfg.SampleQueue = def.SampleQueue
	}
	if cfg.EscrowWorkers <= 0 {
		cfg.EscrowWorkers = def.EscrowWorkers
	}
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = def.EscrowTimeout
	}
	if deps.Positions == nil {
		deps.Positions = store.NewMemoryStore()
	}
	cfg.Ledger.Escrow = deps.Escrow != nil

	calc := momentum.NewCalculator(cfg.Momentum, momentum.WithClock(o.now))
	// Freshness follows the effective tick so entry and exit use the same
	// definition of a recent index.
	tick := calc.Config().Tick
	if cfg.Ledger.Freshness <= 0 {
		cfg.Ledger.Freshness = 2 * tick
	}
	if cfg.Settlement.Freshness <= 0 {
		cfg.Settlement.Freshness = 2 * tick
	}
	if cfg.Settlement.Tick <= 0 {
		cfg.Settlement.Tick = tick
	}

	events := make(chan model.MatchEvent, cfg.EventQueue)
	led := ledger.New(cfg.Ledger, calc, deps.Payer, deps.Positions, ledger.WithClock(o.now))

	return &Engine{
		cfg:       cfg,
		calc:      calc,
		ingestor:  ingest.New(events, cfg.Ingest),
		bcast:     broadcast.New(cfg.SubscriberQueue),
		ledger:    led,
		scheduler: settlement.NewScheduler(cfg.Settlement, led, settlement.WithClock(o.now)),
		samples:   deps.Samples,
		escrow:    deps.Escrow,
		events:    events,
		emitted:   make(chan model.MomentumSample, cfg.SampleQueue),
		escrowQ:   make(chan model.Position, cfg.EventQueue),
	}
}

// Ledger exposes the position ledger, for reconciliation jobs.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Ingest validates a raw feed record and queues it for the calculator.
func (e *Engine) Ingest(ctx context.Context, raw ingest.RawEvent) (model.MatchEvent, error) {
	return e.ingestor.Ingest(ctx, raw)
}

// StartMatch registers a match at the neutral index.
func (e *Engine) StartMatch(matchID string) {
	e.calc.StartMatch(matchID)
	e.scheduler.StartMatch(matchID)
}

// EndMatch tears down everything the pipeline holds for a match. Open
// subscriptions are closed; positions on the match still settle.
func (e *Engine) EndMatch(matchID string) error {
	if !e.calc.EndMatch(matchID) {
		return fmt.Errorf("%w: %s", momentum.ErrUnknownMatch, matchID)
	}
	e.ingestor.Forget(matchID)
	e.bcast.CloseMatch(matchID)
	e.scheduler.EndMatch(matchID)
	return nil
}

// Matches lists live matches.
func (e *Engine) Matches() []string { return e.calc.Matches() }

// CurrentIndex returns the current momentum sample of a match, or an error
// wrapping momentum.ErrUnknownMatch.
func (e *Engine) CurrentIndex(matchID string) (model.MomentumSample, error) {
	return e.calc.Current(matchID)
}

// Signals returns the raw signal values behind the current index.
func (e *Engine) Signals(matchID string) (momentum.Signals, error) {
	return e.calc.Signals(matchID)
}

// History returns audited samples of a match after since, oldest first.
func (e *Engine) History(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	if e.samples == nil {
		return []model.MomentumSample{}, nil
	}
	return e.samples.ListSamples(ctx, matchID, since, limit)
}

// Subscribe streams the samples of a match. The match does not need to be
// live yet.
func (e *Engine) Subscribe(matchID string) *broadcast.Subscription {
	return e.bcast.Subscribe(matchID, broadcast.Options{})
}

// OpenPosition opens a position at the current index. Without escrow it is
// Active and scheduled at once; with escrow it is Open until the stake
// lock resolves.
func (e *Engine) OpenPosition(ctx context.Context, req ledger.OpenRequest) (model.Position, error) {
	p, err := e.ledger.Open(ctx, req)
	if err != nil {
		return model.Position{}, err
	}
	if p.State == model.StateActive {
		e.scheduler.Schedule(p)
		return p, nil
	}

	select {
	case e.escrowQ <- p:
	default:
		// Queue full; give the stake back rather than block the caller.
		slog.Warn("escrow queue full, cancelling position", "position", p.ID)
		if _, cerr := e.ledger.Cancel(ctx, p.ID); cerr != nil {
			slog.Error("cancel after escrow overflow", "position", p.ID, "err", cerr)
		}
		return model.Position{}, ErrBusy
	}
	return p, nil
}

// CancelPosition cancels an Open position.
func (e *Engine) CancelPosition(ctx context.Context, id string) (model.Position, error) {
	return e.ledger.Cancel(ctx, id)
}

// Position returns a position by id.
func (e *Engine) Position(ctx context.Context, id string) (model.Position, error) {
	return e.ledger.Get(ctx, id)
}

// SettlementStatus returns a position and its settlement result, if any.
func (e *Engine) SettlementStatus(ctx context.Context, id string) (ledger.Status, error) {
	return e.ledger.Status(ctx, id)
}

// OwnerPositions lists an owner's positions, newest first.
func (e *Engine) OwnerPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return e.ledger.ByOwner(ctx, ownerID)
}

// Pool returns the stake totals of a match.
func (e *Engine) Pool(matchID string) model.PoolStats {
	return e.ledger.Pool(matchID)
}

// Restore reloads live positions from the store. Run calls it; calling it
// earlier lets the caller fail fast on a broken store.
func (e *Engine) Restore(ctx context.Context) error {
	if e.restored != nil {
		return nil
	}
	positions, err := e.ledger.Restore(ctx)
	if err != nil {
		return err
	}
	e.restored = positions
	return nil
}

// Run starts every stage and blocks until ctx is done or a stage fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}

	var reopen []model.Position
	for _, p := range e.restored {
		switch p.State {
		case model.StateActive:
			e.scheduler.Schedule(p)
		case model.StateOpen:
			reopen = append(reopen, p)
		}
	}
	slog.Info("engine starting", "recovered", len(e.restored), "awaiting_escrow", len(reopen))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.calc.Run(ctx, e.events, e.emitted)
	})
	g.Go(func() error {
		return e.fanOut(ctx)
	})
	g.Go(func() error {
		return e.scheduler.Run(ctx)
	})
	for i := 0; i < e.cfg.EscrowWorkers; i++ {
		g.Go(func() error {
			return e.escrowWorker(ctx)
		})
	}
	if len(reopen) > 0 {
		g.Go(func() error {
			for _, p := range reopen {
				select {
				case e.escrowQ <- p:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// fanOut hands every emitted sample to the scheduler, the subscribers and
// the audit store. Samples already queued are written as one batch.
func (e *Engine) fanOut(ctx context.Context) error {
	batch := make([]model.MomentumSample, 0, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-e.emitted:
			batch = append(batch[:0], s)
		drain:
			for len(batch) < cap(batch) {
				select {
				case s := <-e.emitted:
					batch = append(batch, s)
				default:
					break drain
				}
			}

			for _, s := range batch {
				e.scheduler.Observe(s)
				e.bcast.Publish(s)
			}
			if e.samples != nil {
				if err := e.samples.AppendSamples(ctx, batch); err != nil {
					slog.Error("persist momentum samples", "count", len(batch), "err", err)
				}
			}
		}
	}
}

// escrowWorker locks stakes of Open positions. A lock that keeps failing
// past EscrowTimeout, or fails permanently, cancels the position.
func (e *Engine) escrowWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-e.escrowQ:
			e.lock(ctx, p)
		}
	}
}

func (e *Engine) lock(ctx context.Context, p model.Position) {
	if e.escrow == nil {
		// Left Open by a run that had escrow enabled.
		e.activate(ctx, p)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = e.cfg.EscrowTimeout

	err := backoff.RetryNotify(func() error {
		return e.escrow.LockStake(ctx, p)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("stake lock failed, retrying", "position", p.ID, "retry_in", wait, "err", err)
	})
	if ctx.Err() != nil {
		// Shutting down; the position stays Open and is picked up on restart.
		return
	}

	if err != nil {
		slog.Warn("stake lock failed, cancelling position", "position", p.ID, "err", err)
		if _, cerr := e.ledger.Cancel(ctx, p.ID); cerr != nil && !errors.Is(cerr, ledger.ErrNotOpen) {
			slog.Error("cancel after failed stake lock", "position", p.ID, "err", cerr)
		}
		return
	}

	e.activate(ctx, p)
}

func (e *Engine) activate(ctx context.Context, p model.Position) {
	active, err := e.ledger.Activate(ctx, p.ID)
	if err != nil {
		// Cancelled by the owner while the lock was in flight.
		slog.Warn("activate after stake lock", "position", p.ID, "err", err)
		return
	}
	e.scheduler.Schedule(active)
}

// FeedHandler adapts the engine to the feed client.
func (e *Engine) FeedHandler() ingest.FeedHandler {
	return feedHandler{e}
}

type feedHandler struct{ e *Engine }

func (h feedHandler) Ingest(ctx context.Context, raw ingest.RawEvent) error {
	_, err := h.e.Ingest(ctx, raw)
	return err
}

func (h feedHandler) EndMatch(matchID string) {
	if err := h.e.EndMatch(matchID); err != nil {
		slog.Debug("feed ended unknown match", "match", matchID)
	}
}

func (h feedHandler) Resume() map[string]time.Time {
	return h.e.ingestor.LastSeen()
}
