// Package risk computes account health metrics for open positions.
//
// The matching engine settles in exact integer arithmetic; this package
// provides the decimal read model served over the API: unrealized PnL,
// equity, margin ratio and the projected liquidation price. Nothing here
// mutates state, so precision loss in the decimals can never corrupt a
// balance.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/model"
)

// ErrNoPosition is returned when health is requested for an account
// without an open position.
var ErrNoPosition = errors.New("risk: account has no open position")

var bpsDenom = decimal.NewFromInt(10_000)

// Health summarizes the state of an open position at a given oracle price.
type Health struct {
	// UnrealizedPnL is the profit or loss if the position were closed
	// at the current oracle price.
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`

	// Equity is margin plus unrealized PnL. It can go negative when a
	// loss exceeds the posted margin.
	Equity decimal.Decimal `json:"equity"`

	// MarginRatio is equity divided by margin. Liquidation triggers
	// when it falls to or below the governance threshold.
	MarginRatio decimal.Decimal `json:"margin_ratio"`

	// LiquidationPrice is the oracle price at which equity reaches the
	// liquidation threshold exactly.
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`

	// Liquidatable reports whether the position can be liquidated now.
	Liquidatable bool `json:"liquidatable"`
}

// ComputeHealth evaluates an account's open position against the given
// oracle price and governance parameters.
func ComputeHealth(pos *model.Position, oraclePrice uint64, params model.GovernanceParams) (*Health, error) {
	if pos == nil {
		return nil, ErrNoPosition
	}

	entryPrice := decimal.NewFromUint64(pos.EntryPrice)
	oracle := decimal.NewFromUint64(oraclePrice)
	margin := decimal.NewFromUint64(pos.Margin)
	absSize := decimal.NewFromUint64(pos.AbsSize())
	threshold := decimal.NewFromInt(int64(params.LiquidationThreshold)).Div(bpsDenom)

	// pnl = absSize * (oracle - entry) / entry, negated for shorts.
	diff := oracle.Sub(entryPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	pnl := absSize.Mul(diff).Div(entryPrice)

	equity := margin.Add(pnl)
	liqEquity := margin.Mul(threshold)

	h := &Health{
		UnrealizedPnL:    pnl,
		Equity:           equity,
		MarginRatio:      equity.Div(margin),
		LiquidationPrice: liquidationPrice(entryPrice, margin, absSize, threshold, pos.IsLong()),
		Liquidatable:     equity.LessThanOrEqual(liqEquity),
	}
	return h, nil
}

// liquidationPrice solves margin + pnl(P) = margin * threshold for P.
//
// For a long, pnl(P) = absSize * (P - entry) / entry, giving
// P = entry * (1 + margin*(threshold-1)/absSize); shorts mirror around
// the entry price. threshold < 1 so the offset is negative for longs
// and positive for shorts.
func liquidationPrice(entry, margin, absSize, threshold decimal.Decimal, isLong bool) decimal.Decimal {
	offset := margin.Mul(threshold.Sub(decimal.NewFromInt(1))).Div(absSize)
	if isLong {
		return entry.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(offset))
}
