package momentum

import "math"

// Component weights of the momentum index. They sum to 1.
const (
	WeightPossession = 0.20
	WeightShots      = 0.20
	WeightXG         = 0.30
	WeightFieldTilt  = 0.20
	WeightDecay      = 0.10
)

// NeutralIndex is the index of a match with no evidence either way.
const NeutralIndex = 50

// Signals are the five window-scoped inputs of the index, each in [0, 1]
// where 1 favours the home side and 0.5 is neutral.
type Signals struct {
	PossessionShare float64 `json:"possession_share"`
	ShotRatio       float64 `json:"shot_ratio"`
	XGRatio         float64 `json:"xg_ratio"`
	FieldTilt       float64 `json:"field_tilt"`
	RecentDecay     float64 `json:"recent_event_decay"`
}

// NeutralSignals returns the signals of an empty window.
func NeutralSignals() Signals {
	return Signals{0.5, 0.5, 0.5, 0.5, 0.5}
}

// WeightedSum combines the signals with the component weights.
func (s Signals) WeightedSum() float64 {
	return s.PossessionShare*WeightPossession +
		s.ShotRatio*WeightShots +
		s.XGRatio*WeightXG +
		s.FieldTilt*WeightFieldTilt +
		s.RecentDecay*WeightDecay
}

// Index maps the weighted sum onto the 0–100 momentum index.
func (s Signals) Index() int {
	return int(math.Round(100 * clamp01(s.WeightedSum())))
}

// ratio is home/(home+away), or neutral when there is nothing to compare.
func ratio(h, a float64) float64 {
	total := h + a
	if total <= 0 || math.IsNaN(total) {
		return 0.5
	}
	return clamp01(h / total)
}

// decaySignal is the decayed home share, pulled toward neutral while the
// total decayed weight is below one fresh event.
func decaySignal(h, a float64) float64 {
	total := h + a
	if total <= 0 {
		return 0.5
	}
	strength := math.Min(1, total)
	return clamp01(0.5 + (h/total-0.5)*strength)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0.5
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
