// Package model defines the core domain types shared across the momentum
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a match event.
type EventKind string

const (
	KindPossessionSample EventKind = "possession_sample"
	KindShot             EventKind = "shot"
	KindXGUpdate         EventKind = "xg_update"
	KindGeneric          EventKind = "generic"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindPossessionSample, KindShot, KindXGUpdate, KindGeneric:
		return true
	}
	return false
}

// Team identifies which side an event belongs to.
type Team string

const (
	TeamHome Team = "home"
	TeamAway Team = "away"
)

// Valid reports whether t is home or away.
func (t Team) Valid() bool {
	return t == TeamHome || t == TeamAway
}

// MatchEvent is a normalized, validated event from the live feed.
// Immutable once created by the ingestor.
type MatchEvent struct {
	MatchID   string    `json:"match_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"event_kind"`
	Team      Team      `json:"team"`
	Value     float64   `json:"value"`
	Seq       uint64    `json:"seq"` // ingestion order, tie-break for equal timestamps
}

// MomentumSample is the momentum snapshot for one match at one tick.
// Index 0 means the away side dominates, 100 the home side, 50 is neutral.
type MomentumSample struct {
	MatchID       string    `json:"match_id" db:"match_id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	MomentumIndex int       `json:"momentum_index" db:"momentum_index"`
	Possession    float64   `json:"possession" db:"possession"` // home share, percent
	ShotsHome     int       `json:"shots_home" db:"shots_home"`
	ShotsAway     int       `json:"shots_away" db:"shots_away"`
	XGHome        float64   `json:"xg_home" db:"xg_home"`
	XGAway        float64   `json:"xg_away" db:"xg_away"`
	FieldTilt     float64   `json:"field_tilt" db:"field_tilt"` // home share, percent
}

// Side is the direction a position takes on the momentum index.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Position is a stake on the direction of the momentum index over a fixed
// window. Mutated only by the position ledger.
type Position struct {
	ID             string          `json:"position_id" db:"id"`
	MatchID        string          `json:"match_id" db:"match_id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	Side           Side            `json:"side" db:"side"`
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	EntryIndex     int             `json:"entry_index" db:"entry_index"`
	EntryTime      time.Time       `json:"entry_time" db:"entry_time"`
	WindowDuration time.Duration   `json:"-" db:"window_duration"` // JSON: window_seconds
	State          PositionState   `json:"state" db:"state"`
	Flags          PositionFlag    `json:"flags" db:"flags"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

type positionJSON Position

// MarshalJSON writes the window as window_seconds, the unit the API takes
// it in.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		positionJSON
		WindowSeconds float64 `json:"window_seconds"`
	}{positionJSON(p), p.WindowDuration.Seconds()})
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var v struct {
		positionJSON
		WindowSeconds float64 `json:"window_seconds"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Position(v.positionJSON)
	p.WindowDuration = time.Duration(math.Round(v.WindowSeconds * float64(time.Second)))
	return nil
}

// Deadline is the moment the position's window elapses.
func (p *Position) Deadline() time.Time {
	return p.EntryTime.Add(p.WindowDuration)
}

// SettlementResult is produced exactly once per settled position.
type SettlementResult struct {
	PositionID string          `json:"position_id" db:"position_id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	MatchID    string          `json:"match_id" db:"match_id"`
	EntryIndex int             `json:"entry_index" db:"entry_index"`
	ExitIndex  int             `json:"exit_index" db:"exit_index"`
	PnLRatio   decimal.Decimal `json:"pnl_ratio" db:"pnl_ratio"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"`       // payout - stake
	Fee        decimal.Decimal `json:"fee" db:"fee"`       // never negative
	Payout     decimal.Decimal `json:"payout" db:"payout"` // never negative
	Stale      bool            `json:"stale" db:"stale"`
	Receipt    string          `json:"receipt,omitempty" db:"receipt"`
	SettledAt  time.Time       `json:"settled_at" db:"settled_at"`
}

// PoolStats aggregates stake volume per match and side.
type PoolStats struct {
	MatchID       string          `json:"match_id"`
	LongVolume    decimal.Decimal `json:"long_volume"`
	ShortVolume   decimal.Decimal `json:"short_volume"`
	OpenPositions int             `json:"open_positions"`
}
