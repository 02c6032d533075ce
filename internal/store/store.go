// Package store defines the persistence interfaces for the momentum engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), ClickHouse (sample audit trail) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/futstar/momentum-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// PositionStore persists positions and their settlement results. The
// ledger writes through to it on every state change.
type PositionStore interface {
	// SavePosition inserts or replaces a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByOwner returns every position of an owner, newest first.
	ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error)

	// ListLivePositions returns positions in Open or Active state, used to
	// rebuild the ledger and scheduler at startup.
	ListLivePositions(ctx context.Context) ([]model.Position, error)

	// SaveSettlement inserts or replaces the settlement result of a
	// position. A result without receipt is pinned but not yet paid.
	SaveSettlement(ctx context.Context, r *model.SettlementResult) error

	// GetSettlement retrieves the settlement result of a position.
	GetSettlement(ctx context.Context, positionID string) (*model.SettlementResult, error)
}

// SampleStore persists the momentum sample history.
type SampleStore interface {
	// AppendSamples stores samples. Duplicates of (match, timestamp) are
	// ignored.
	AppendSamples(ctx context.Context, samples []model.MomentumSample) error

	// ListSamples returns at most limit samples of a match with timestamp
	// after since, oldest first. A non-positive limit means no limit.
	ListSamples(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error)
}

// Store is the full persistence interface.
type Store interface {
	PositionStore
	SampleStore
}
