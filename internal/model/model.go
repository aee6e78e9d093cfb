// Package model defines the core domain records shared across the
// perp engine: governance parameters, the custody vault, per-trader
// accounts, positions, and the venue-wide exchange state.
//
// All monetary fields are unsigned 64-bit integers in the collateral
// token's smallest unit. Rates are basis points (parts per 10000).
package model

import (
	"time"

	"github.com/google/uuid"
)

// GovernanceParams is the static-until-changed venue configuration.
// Pure data; updated only by trusted administrative writes.
type GovernanceParams struct {
	TradingFeeRate       uint16 `json:"trading_fee_rate" db:"trading_fee_rate"`             // basis points
	LiquidationThreshold uint16 `json:"liquidation_threshold" db:"liquidation_threshold"`   // basis points
	MaxLeverage          uint8  `json:"max_leverage" db:"max_leverage"`
	MinMargin            uint64 `json:"min_margin" db:"min_margin"`
	FundingInterval      uint32 `json:"funding_interval" db:"funding_interval"`             // seconds; carried, not settled
	OracleValidityPeriod uint32 `json:"oracle_validity_period" db:"oracle_validity_period"` // seconds
}

// DefaultGovernanceParams returns the venue defaults: 1% trading fee,
// 10x max leverage, 80% liquidation threshold, 5 minute oracle validity.
func DefaultGovernanceParams() GovernanceParams {
	return GovernanceParams{
		TradingFeeRate:       100,
		LiquidationThreshold: 8000,
		MaxLeverage:          10,
		MinMargin:            1_000_000,
		FundingInterval:      3600,
		OracleValidityPeriod: 300,
	}
}

// Vault is the aggregate custody record. Invariants:
//
//	ReservedCollateral <= TotalBalance
//	ReservedCollateral == Σ margin over all open positions
type Vault struct {
	TotalBalance       uint64 `json:"total_balance" db:"total_balance"`
	ReservedCollateral uint64 `json:"reserved_collateral" db:"reserved_collateral"`
}

// Position is an open leveraged position. A nil *Position on an Account
// means no position is open; there is no separate is-open flag that
// could disagree with the size.
//
// Size is signed notional: positive = long, negative = short.
// |Size| = Margin × Leverage at open time and is never adjusted.
type Position struct {
	Size       int64  `json:"size" db:"size"`
	Margin     uint64 `json:"margin" db:"margin"`
	EntryPrice uint64 `json:"entry_price" db:"entry_price"`
	Leverage   uint8  `json:"leverage" db:"leverage"`
	OpenedAt   int64  `json:"opened_at" db:"opened_at"` // unix seconds
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Size > 0 }

// AbsSize returns the unsigned notional size.
func (p *Position) AbsSize() uint64 {
	if p.Size < 0 {
		return uint64(-p.Size)
	}
	return uint64(p.Size)
}

// Account is the per-trader record, owned exclusively by one external
// identity. CollateralBalance holds unreserved, withdrawable funds;
// margin backing an open position lives in the vault's reserved pool.
type Account struct {
	Owner             string    `json:"owner" db:"owner"`
	CollateralBalance uint64    `json:"collateral_balance" db:"collateral_balance"`
	Position          *Position `json:"position,omitempty"`
	TotalFeesPaid     uint64    `json:"total_fees_paid" db:"total_fees_paid"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ExchangeState is the venue-wide singleton: the reference price, running
// totals, pause flag, and governance parameters. TotalLongPositions and
// TotalShortPositions are absolute notional sums over open positions and
// move only with the position lifecycle operations.
type ExchangeState struct {
	OraclePrice          uint64           `json:"oracle_price" db:"oracle_price"`
	OracleLastUpdate     int64            `json:"oracle_last_update" db:"oracle_last_update"` // unix seconds
	TotalLongPositions   uint64           `json:"total_long_positions" db:"total_long_positions"`
	TotalShortPositions  uint64           `json:"total_short_positions" db:"total_short_positions"`
	TotalVolume          uint64           `json:"total_volume" db:"total_volume"`
	CollectedFees        uint64           `json:"collected_fees" db:"collected_fees"`
	InsuranceFundBalance uint64           `json:"insurance_fund_balance" db:"insurance_fund_balance"`
	IsPaused             bool             `json:"is_paused" db:"is_paused"`
	Params               GovernanceParams `json:"params"`
}

// Operation kinds recorded in the audit ledger.
const (
	OpDeposit   = "deposit"
	OpWithdraw  = "withdraw"
	OpOpen      = "open"
	OpClose     = "close"
	OpLiquidate = "liquidate"
)

// OperationRecord is an immutable audit entry for one successful
// operation. Once written, these are never modified or deleted.
type OperationRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Owner     string    `json:"owner" db:"owner"`
	Kind      string    `json:"kind" db:"kind"` // one of the Op* constants
	Amount    uint64    `json:"amount" db:"amount"`
	Price     uint64    `json:"price,omitempty" db:"price"`
	PnL       int64     `json:"pnl,omitempty" db:"pnl"`
	Fee       uint64    `json:"fee,omitempty" db:"fee"`
	Initiator string    `json:"initiator,omitempty" db:"initiator"` // liquidator identity, when distinct
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
