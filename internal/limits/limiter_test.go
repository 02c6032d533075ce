package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("m1", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMatchExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"m1": d(950),
	}

	err := limiter.CheckLimit("m1", d(100), existing)
	if err != ErrMatchLimitExceeded {
		t.Errorf("expected ErrMatchLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMatchAtCap(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"m1": d(900),
	}

	err := limiter.CheckLimit("m1", d(100), existing)
	if err != nil {
		t.Errorf("stake exactly at the cap should pass, got %v", err)
	}
}

func TestCheckLimit_OpenExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"m1": d(800),
		"m2": d(800),
		"m3": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("m4", d(200), existing)
	if err != ErrOpenLimitExceeded {
		t.Errorf("expected ErrOpenLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroCapsDisableChecks(t *testing.T) {
	limiter := NewStakeLimiter(decimal.Zero, decimal.Zero)

	existing := map[string]decimal.Decimal{
		"m1": d(1e9),
	}

	err := limiter.CheckLimit("m1", d(1e9), existing)
	if err != nil {
		t.Errorf("zero caps should not limit, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *StakeLimiter

	if err := limiter.CheckLimit("m1", d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}

func TestExposures_SumsPerMatch(t *testing.T) {
	type pos struct {
		match string
		stake decimal.Decimal
	}
	items := []pos{{"m1", d(10)}, {"m2", d(5)}, {"m1", d(2.5)}}

	got := Exposures(items,
		func(p pos) string { return p.match },
		func(p pos) decimal.Decimal { return p.stake },
	)

	if !got["m1"].Equal(d(12.5)) {
		t.Errorf("m1 exposure = %s, want 12.5", got["m1"])
	}
	if !got["m2"].Equal(d(5)) {
		t.Errorf("m2 exposure = %s, want 5", got["m2"])
	}
}
