// Package limits enforces per-owner stake limits on new positions.
//
// An owner's exposure is the sum of stakes of their live positions. Two
// caps apply: one per match, and one across every match the owner is in.
// A zero cap disables that check.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMatchLimitExceeded is returned when a position would push the
	// owner's stake in a single match beyond the per-match maximum.
	ErrMatchLimitExceeded = errors.New("limits: per-match stake limit exceeded")

	// ErrOpenLimitExceeded is returned when a position would push the
	// owner's total live stake beyond the aggregate maximum.
	ErrOpenLimitExceeded = errors.New("limits: open stake limit exceeded")
)

// StakeLimiter enforces stake limits for one owner at a time.
type StakeLimiter struct {
	// MaxPerMatch is the maximum live stake an owner may hold in any
	// single match.
	MaxPerMatch decimal.Decimal

	// MaxOpen is the maximum live stake an owner may hold across all
	// matches.
	MaxOpen decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerMatch, maxOpen decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerMatch: maxPerMatch,
		MaxOpen:     maxOpen,
	}
}

// CheckLimit validates whether a new stake respects the owner's limits.
//
// Parameters:
//   - matchID: match the new position is in
//   - stake: stake of the new position
//   - exposures: map of match ID → current live stake for this owner
func (l *StakeLimiter) CheckLimit(matchID string, stake decimal.Decimal, exposures map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-match limit.
	inMatch := exposures[matchID].Add(stake)
	if l.MaxPerMatch.IsPositive() && inMatch.GreaterThan(l.MaxPerMatch) {
		return ErrMatchLimitExceeded
	}

	// 2. Aggregate limit across matches.
	total := inMatch
	for id, exposure := range exposures {
		if id == matchID {
			continue // already counted via inMatch above
		}
		total = total.Add(exposure)
	}
	if l.MaxOpen.IsPositive() && total.GreaterThan(l.MaxOpen) {
		return ErrOpenLimitExceeded
	}

	return nil
}

// Exposures sums stakes per match. Callers pass only live positions.
func Exposures[T any](items []T, match func(T) string, stake func(T) decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(items))
	for _, it := range items {
		id := match(it)
		out[id] = out[id].Add(stake(it))
	}
	return out
}
