package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/futstar/momentum-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ID), ownerKey(p.OwnerID))
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, r *model.SettlementResult) error {
	if err := s.primary.SaveSettlement(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, settlementKey(r.PositionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.cached(ctx, positionKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(id), got)
	return got, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, ownerKey(ownerID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ownerKey(ownerID), positions)
	return positions, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, positionID string) (*model.SettlementResult, error) {
	var r model.SettlementResult
	if s.cached(ctx, settlementKey(positionID), &r) {
		return &r, nil
	}

	got, err := s.primary.GetSettlement(ctx, positionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, settlementKey(positionID), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListLivePositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListLivePositions(ctx)
}

func (s *CachedStore) AppendSamples(ctx context.Context, samples []model.MomentumSample) error {
	return s.primary.AppendSamples(ctx, samples)
}

func (s *CachedStore) ListSamples(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	return s.primary.ListSamples(ctx, matchID, since, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func ownerKey(id string) string { return fmt.Sprintf("owner-positions:%s", id) }
func settlementKey(id string) string { return fmt.Sprintf("settlement:%s", id) }
