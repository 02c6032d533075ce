package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/futstar/momentum-engine/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// PnLRatio is the signed index move in the position's favour, as a
// fraction of the full 0–100 scale, clamped to [-1, 1].
func PnLRatio(side model.Side, entryIndex, exitIndex int) decimal.Decimal {
	delta := exitIndex - entryIndex
	if side == model.SideShort {
		delta = -delta
	}
	ratio := decimal.NewFromInt(int64(delta)).Div(hundred)
	switch {
	case ratio.GreaterThan(one):
		return one
	case ratio.LessThan(one.Neg()):
		return one.Neg()
	}
	return ratio
}

// Compute derives the settlement of p at exitIndex.
//
//	profit = stake × ratio
//	fee    = max(0, profit) × feeRate
//	payout = stake + profit − fee
//	pnl    = payout − stake
//
// Losing positions pay no fee and a full adverse move pays out zero.
func Compute(p model.Position, exitIndex int, feeRate decimal.Decimal) model.SettlementResult {
	ratio := PnLRatio(p.Side, p.EntryIndex, exitIndex)
	profit := p.Stake.Mul(ratio)

	fee := decimal.Zero
	if profit.IsPositive() {
		fee = profit.Mul(feeRate)
	}
	payout := p.Stake.Add(profit).Sub(fee)
	if payout.IsNegative() {
		payout = decimal.Zero
	}

	return model.SettlementResult{
		PositionID: p.ID,
		OwnerID:    p.OwnerID,
		MatchID:    p.MatchID,
		EntryIndex: p.EntryIndex,
		ExitIndex:  exitIndex,
		PnLRatio:   ratio,
		PnL:        payout.Sub(p.Stake),
		Fee:        fee,
		Payout:     payout,
	}
}
