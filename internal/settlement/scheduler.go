// Package settlement drives positions to their terminal state once their
// window elapses, and holds the clients of the external payout and escrow
// services.
package settlement

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/model"
)

// Settler settles a position at an exit index.
type Settler interface {
	Settle(ctx context.Context, id string, exitIndex int, stale bool) (model.SettlementResult, error)
}

// Config tunes the scheduler.
type Config struct {
	// Tick is the scan interval of Run.
	Tick time.Duration
	// Freshness is the maximum age of a sample used as exit index,
	// normally 2× the calculator tick.
	Freshness time.Duration
	// StalenessBudget is how long past its deadline a position waits for a
	// fresh sample before settling on the last known index.
	StalenessBudget time.Duration
	// Workers bounds concurrent settlements within one tick.
	Workers int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Tick:            time.Second,
		Freshness:       2 * time.Second,
		StalenessBudget: 30 * time.Second,
		Workers:         8,
	}
}

type item struct {
	id         string
	matchID    string
	entryIndex int
	deadline   time.Time
	index      int // heap position
}

// deadlineHeap is a min-heap of positions by deadline.
type deadlineHeap []*item

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler settles every scheduled position at or shortly after its
// deadline using the momentum sample current at that time.
type Scheduler struct {
	cfg     Config
	settler Settler
	now     func() time.Time

	mu     sync.Mutex
	queue  deadlineHeap
	queued map[string]*item
	latest map[string]model.MomentumSample // last observed sample per match
	ended  map[string]bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock used by Run.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. Zero config fields take defaults.
func NewScheduler(cfg Config, settler Settler, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 2 * cfg.Tick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	s := &Scheduler{
		cfg:     cfg,
		settler: settler,
		now:     time.Now,
		queued:  make(map[string]*item),
		latest:  make(map[string]model.MomentumSample),
		ended:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues an Active position. Scheduling the same position twice
// is a no-op.
func (s *Scheduler) Schedule(p model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[p.ID]; ok {
		return
	}
	it := &item{id: p.ID, matchID: p.MatchID, entryIndex: p.EntryIndex, deadline: p.Deadline()}
	heap.Push(&s.queue, it)
	s.queued[p.ID] = it
	metrics.PendingSettlements.Set(float64(len(s.queued)))
}

// Observe records the latest sample of a match. The engine feeds every
// emitted sample through here, so a settlement always happens after the
// sample it uses.
func (s *Scheduler) Observe(sample model.MomentumSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended[sample.MatchID] {
		// Late sample of an ended match still in flight.
		return
	}
	if cur, ok := s.latest[sample.MatchID]; ok && !sample.Timestamp.After(cur.Timestamp) {
		return
	}
	s.latest[sample.MatchID] = sample
}

// StartMatch clears the ended mark of a match that is played again.
func (s *Scheduler) StartMatch(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ended, matchID)
}

// EndMatch marks a match as finished. Its last sample is kept as the last
// known index until its remaining positions settle.
func (s *Scheduler) EndMatch(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended[matchID] = true
	s.pruneLocked()
}

// Pending returns the number of queued positions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type job struct {
	it    *item
	exit  int
	stale bool
}

// Tick settles every position whose deadline is at or before now. It
// returns once all settlements started in this tick have finished.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var jobs []job
	var waiting []*item
	for len(s.queue) > 0 && !s.queue[0].deadline.After(now) {
		it := heap.Pop(&s.queue).(*item)

		sample, ok := s.latest[it.matchID]
		switch {
		case ok && now.Sub(sample.Timestamp) <= s.cfg.Freshness:
			jobs = append(jobs, job{it: it, exit: sample.MomentumIndex})
		case now.Sub(it.deadline) > s.cfg.StalenessBudget:
			exit := it.entryIndex
			if ok {
				exit = sample.MomentumIndex
			}
			jobs = append(jobs, job{it: it, exit: exit, stale: true})
		default:
			// No fresh sample yet; look again next tick.
			waiting = append(waiting, it)
		}
	}
	for _, it := range waiting {
		heap.Push(&s.queue, it)
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	var retry []*item
	var retryMu sync.Mutex
	for _, j := range jobs {
		g.Go(func() error {
			if !s.settle(gctx, j) {
				retryMu.Lock()
				retry = append(retry, j.it)
				retryMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for _, it := range jobs {
		delete(s.queued, it.it.id)
	}
	for _, it := range retry {
		heap.Push(&s.queue, it)
		s.queued[it.id] = it
	}
	s.pruneLocked()
	metrics.PendingSettlements.Set(float64(len(s.queued)))
	s.mu.Unlock()
}

// settle runs one job. It reports false when the position should be
// retried on the next tick.
func (s *Scheduler) settle(ctx context.Context, j job) bool {
	if j.stale {
		slog.Warn("settling on stale index",
			"position", j.it.id,
			"match", j.it.matchID,
			"exit_index", j.exit,
			"deadline", j.it.deadline,
		)
	}
	_, err := s.settler.Settle(ctx, j.it.id, j.exit, j.stale)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ledger.ErrNotActive), errors.Is(err, ledger.ErrNotFound):
		slog.Debug("scheduled position no longer active", "position", j.it.id, "err", err)
		return true
	case errors.Is(err, ledger.ErrPayoutFailed):
		// The ledger pinned the result; reconciliation takes it from here.
		return true
	}
	slog.Error("settlement failed, retrying next tick", "position", j.it.id, "err", err)
	return false
}

// pruneLocked forgets the last sample of ended matches with nothing left
// to settle.
func (s *Scheduler) pruneLocked() {
	if len(s.ended) == 0 {
		return
	}
	busy := make(map[string]bool, len(s.ended))
	for _, it := range s.queued {
		busy[it.matchID] = true
	}
	for m := range s.ended {
		if !busy[m] {
			delete(s.latest, m)
			delete(s.ended, m)
		}
	}
}

// Run scans for due positions every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}
