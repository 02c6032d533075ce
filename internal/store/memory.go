package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/futstar/momentum-engine/internal/model"
)

// DefaultSampleRetention caps the samples kept per match by MemoryStore:
// three hours at one sample per second.
const DefaultSampleRetention = 3 * 60 * 60

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[string]*model.Position
	settlements map[string]*model.SettlementResult
	samples     map[string][]model.MomentumSample
	retention   int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[string]*model.Position),
		settlements: make(map[string]*model.SettlementResult),
		samples:     make(map[string][]model.MomentumSample),
		retention:   DefaultSampleRetention,
	}
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListLivePositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if !p.State.Terminal() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, r *model.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.settlements[r.PositionID] = &cp
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, positionID string) (*model.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.settlements[positionID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", positionID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) AppendSamples(_ context.Context, samples []model.MomentumSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range samples {
		hist := s.samples[sample.MatchID]
		// Samples arrive in timestamp order per match; anything not newer
		// than the tail is a duplicate.
		if n := len(hist); n > 0 && !sample.Timestamp.After(hist[n-1].Timestamp) {
			continue
		}
		hist = append(hist, sample)
		if over := len(hist) - s.retention; over > 0 {
			hist = append(hist[:0:0], hist[over:]...)
		}
		s.samples[sample.MatchID] = hist
	}
	return nil
}

func (s *MemoryStore) ListSamples(_ context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.samples[matchID]
	start := sort.Search(len(hist), func(i int) bool { return hist[i].Timestamp.After(since) })
	end := len(hist)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	out := make([]model.MomentumSample, end-start)
	copy(out, hist[start:end])
	return out, nil
}

func sortNewestFirst(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].EntryTime.Equal(ps[j].EntryTime) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].EntryTime.After(ps[j].EntryTime)
	})
}
