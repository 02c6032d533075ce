package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/futstar/momentum-engine/internal/model"
)

func TestCompute_PayoutAndFeeBounds(t *testing.T) {
	fee := d("0.02")
	stake := d("37.5")

	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		for entry := 0; entry <= 100; entry += 5 {
			for exit := 0; exit <= 100; exit += 5 {
				p := model.Position{Side: side, Stake: stake, EntryIndex: entry}
				r := Compute(p, exit, fee)

				if r.Payout.IsNegative() {
					t.Fatalf("%s %d->%d: negative payout %s", side, entry, exit, r.Payout)
				}
				if r.Fee.IsNegative() {
					t.Fatalf("%s %d->%d: negative fee %s", side, entry, exit, r.Fee)
				}
				if r.Fee.IsPositive() && !r.PnLRatio.IsPositive() {
					t.Fatalf("%s %d->%d: fee charged on a non-winning position", side, entry, exit)
				}
				if !r.PnL.Equal(r.Payout.Sub(stake)) {
					t.Fatalf("%s %d->%d: pnl %s != payout - stake", side, entry, exit, r.PnL)
				}
			}
		}
	}
}

func TestPnLRatio_Clamped(t *testing.T) {
	cases := []struct {
		side        model.Side
		entry, exit int
		want        string
	}{
		{model.SideLong, 40, 60, "0.2"},
		{model.SideShort, 70, 90, "-0.2"},
		{model.SideShort, 90, 70, "0.2"},
		{model.SideLong, 0, 100, "1"},
		{model.SideLong, 100, 0, "-1"},
		{model.SideLong, 50, 50, "0"},
		// Out of range inputs still clamp.
		{model.SideLong, 0, 250, "1"},
		{model.SideShort, 0, 250, "-1"},
	}
	for _, tc := range cases {
		got := PnLRatio(tc.side, tc.entry, tc.exit)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("PnLRatio(%s, %d, %d) = %s, want %s", tc.side, tc.entry, tc.exit, got, tc.want)
		}
	}
}

func TestCompute_ZeroFeeRate(t *testing.T) {
	r := Compute(model.Position{Side: model.SideLong, Stake: d("100"), EntryIndex: 40}, 60, decimal.Zero)
	if !r.Payout.Equal(d("120")) || !r.Fee.IsZero() {
		t.Errorf("payout=%s fee=%s, want 120 and 0", r.Payout, r.Fee)
	}
}
