package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when a state change is not allowed by
// the position lifecycle.
var ErrInvalidTransition = errors.New("model: invalid position state transition")

// PositionState is the lifecycle state of a position.
type PositionState int

const (
	StateOpen PositionState = iota + 1
	StateActive
	StateSettled
	StateCancelled
)

var stateNames = map[PositionState]string{
	StateOpen:      "open",
	StateActive:    "active",
	StateSettled:   "settled",
	StateCancelled: "cancelled",
}

// transitions lists every legal edge. Nothing leaves a terminal state.
var transitions = map[PositionState][]PositionState{
	StateOpen:   {StateActive, StateCancelled},
	StateActive: {StateSettled},
}

func (s PositionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s PositionState) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// CanTransition reports whether s may move to next.
func (s PositionState) CanTransition(next PositionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the edge from → to.
func Transition(from, to PositionState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParsePositionState parses the lower-case state name.
func ParsePositionState(s string) (PositionState, error) {
	for state, name := range stateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("model: unknown position state %q", s)
}

func (s PositionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PositionState) UnmarshalText(text []byte) error {
	parsed, err := ParsePositionState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PositionFlag marks conditions that need operator attention.
type PositionFlag uint8

const (
	// FlagStaleSettlement: settled with the last known index after the feed
	// went quiet past the staleness budget.
	FlagStaleSettlement PositionFlag = 1 << iota
	// FlagReconciliationRequired: the payout collaborator rejected the
	// settlement; the position stays Active until reconciled.
	FlagReconciliationRequired
)

// Has reports whether all bits of f are set.
func (p PositionFlag) Has(f PositionFlag) bool {
	return p&f == f
}

// Names lists the set flags, for logs and JSON.
func (p PositionFlag) Names() []string {
	var names []string
	if p.Has(FlagStaleSettlement) {
		names = append(names, "stale_settlement")
	}
	if p.Has(FlagReconciliationRequired) {
		names = append(names, "reconciliation_required")
	}
	return names
}
