// Package engine implements the position/ledger state machine for the
// perp venue: deposits and withdrawals against the custody vault, and
// the open / close / liquidate position lifecycle.
//
// The engine is pure: it performs no I/O, reads no clock, and mutates
// only the records passed to it. Each operation validates all
// preconditions and computes every derived value with checked
// arithmetic before touching any record, so a failed invocation leaves
// all records exactly as they were. Serializing concurrent invocations
// and persisting the mutated records atomically are the caller's
// responsibility.
package engine

import (
	"math/big"

	"github.com/perpx/perp-engine/internal/model"
)

// OpenParams are the caller-supplied inputs for opening a position.
type OpenParams struct {
	IsLong   bool
	Margin   uint64
	Leverage uint8
}

// OpenResult reports the opened position and the fee charged.
type OpenResult struct {
	Position model.Position
	Notional uint64
	Fee      uint64
}

// CloseResult reports the settlement of a closed position.
type CloseResult struct {
	PnL      int64
	Fee      uint64
	Returned uint64 // collateral credited back; zero when the loss consumed the margin
}

// LiquidateResult reports the outcome of a forced closure.
type LiquidateResult struct {
	PnL                   int64
	Reward                uint64 // 1% of original margin, reported for attribution
	InsuranceContribution uint64
}

// Deposit moves amount from an external funding source into the vault
// and the account's collateral balance.
func Deposit(acct *model.Account, vault *model.Vault, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	newBalance, err := addU64(acct.CollateralBalance, amount)
	if err != nil {
		return err
	}
	newTotal, err := addU64(vault.TotalBalance, amount)
	if err != nil {
		return err
	}

	acct.CollateralBalance = newBalance
	vault.TotalBalance = newTotal
	return nil
}

// Withdraw is the symmetric reverse transfer. Reserved margin is not
// withdrawable; only the unreserved collateral balance is available.
func Withdraw(acct *model.Account, vault *model.Vault, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if acct.CollateralBalance < amount {
		return ErrInsufficientCollateral
	}
	newBalance, err := subU64(acct.CollateralBalance, amount)
	if err != nil {
		return err
	}
	newTotal, err := subU64(vault.TotalBalance, amount)
	if err != nil {
		return err
	}

	acct.CollateralBalance = newBalance
	vault.TotalBalance = newTotal
	return nil
}

// SetOraclePrice applies an accepted reference price and refreshes its
// timestamp. Authorization is the dispatch layer's concern.
func SetOraclePrice(st *model.ExchangeState, price uint64, now int64) error {
	if price == 0 {
		return ErrInvalidPrice
	}
	st.OraclePrice = price
	st.OracleLastUpdate = now
	return nil
}

// checkOracleFresh rejects a reference price older than the governance
// validity period. An age exactly equal to the period is still fresh.
func checkOracleFresh(st *model.ExchangeState, now int64) error {
	if now-st.OracleLastUpdate > int64(st.Params.OracleValidityPeriod) {
		return ErrStaleOracle
	}
	return nil
}

// Open opens a leveraged position against the current reference price.
// The fee is charged in addition to margin; both are escrowed (margin
// into the vault's reserved pool, the fee into collected fees).
func Open(acct *model.Account, vault *model.Vault, st *model.ExchangeState, p OpenParams, now int64) (*OpenResult, error) {
	if st.IsPaused {
		return nil, ErrTradingPaused
	}
	if p.Margin == 0 {
		return nil, ErrInvalidAmount
	}
	if p.Leverage == 0 || p.Leverage > st.Params.MaxLeverage {
		return nil, ErrInvalidLeverage
	}
	if p.Margin < st.Params.MinMargin {
		return nil, ErrMarginTooLow
	}
	if acct.Position != nil {
		return nil, ErrPositionExists
	}
	if err := checkOracleFresh(st, now); err != nil {
		return nil, err
	}

	size, err := notional(p.Margin, p.Leverage)
	if err != nil {
		return nil, err
	}
	fee, err := mulBps(p.Margin, st.Params.TradingFeeRate)
	if err != nil {
		return nil, err
	}
	required, err := addU64(p.Margin, fee)
	if err != nil {
		return nil, err
	}
	if acct.CollateralBalance < required {
		return nil, ErrInsufficientCollateral
	}

	// Stage every mutation before applying any of them.
	newBalance := acct.CollateralBalance - required
	newReserved, err := addU64(vault.ReservedCollateral, p.Margin)
	if err != nil {
		return nil, err
	}
	newFees, err := addU64(st.CollectedFees, fee)
	if err != nil {
		return nil, err
	}
	newFeesPaid, err := addU64(acct.TotalFeesPaid, fee)
	if err != nil {
		return nil, err
	}
	newVolume, err := addU64(st.TotalVolume, size)
	if err != nil {
		return nil, err
	}
	var newLong, newShort uint64
	if p.IsLong {
		newLong, err = addU64(st.TotalLongPositions, size)
		newShort = st.TotalShortPositions
	} else {
		newShort, err = addU64(st.TotalShortPositions, size)
		newLong = st.TotalLongPositions
	}
	if err != nil {
		return nil, err
	}

	signedSize := int64(size)
	if !p.IsLong {
		signedSize = -signedSize
	}
	pos := model.Position{
		Size:       signedSize,
		Margin:     p.Margin,
		EntryPrice: st.OraclePrice,
		Leverage:   p.Leverage,
		OpenedAt:   now,
	}

	acct.CollateralBalance = newBalance
	acct.Position = &pos
	acct.TotalFeesPaid = newFeesPaid
	vault.ReservedCollateral = newReserved
	st.CollectedFees = newFees
	st.TotalVolume = newVolume
	st.TotalLongPositions = newLong
	st.TotalShortPositions = newShort

	return &OpenResult{Position: pos, Notional: size, Fee: fee}, nil
}

// Close settles the account's open position at the current reference
// price. A positive final margin (margin + pnl − fee) is credited back
// to the collateral balance; when the loss consumes the entire margin,
// nothing is credited and the shortfall is not drawn from the insurance
// fund.
func Close(acct *model.Account, vault *model.Vault, st *model.ExchangeState, now int64) (*CloseResult, error) {
	if acct.Position == nil {
		return nil, ErrNoPosition
	}
	if err := checkOracleFresh(st, now); err != nil {
		return nil, err
	}

	pos := acct.Position
	absSize := pos.AbsSize()

	gain, err := pnl(absSize, pos.EntryPrice, st.OraclePrice, pos.IsLong())
	if err != nil {
		return nil, err
	}
	fee, err := mulBps(pos.Margin, st.Params.TradingFeeRate)
	if err != nil {
		return nil, err
	}

	finalMargin := marginWithPnL(pos.Margin, gain)
	finalMargin.Sub(finalMargin, bigFromU64(fee))

	var returned uint64
	newBalance := acct.CollateralBalance
	if finalMargin.Sign() > 0 {
		returned, err = signedToU64(finalMargin)
		if err != nil {
			return nil, err
		}
		newBalance, err = addU64(acct.CollateralBalance, returned)
		if err != nil {
			return nil, err
		}
	}

	newReserved, err := subU64(vault.ReservedCollateral, pos.Margin)
	if err != nil {
		return nil, err
	}
	newCollected, err := addU64(st.CollectedFees, fee)
	if err != nil {
		return nil, err
	}
	newFeesPaid, err := addU64(acct.TotalFeesPaid, fee)
	if err != nil {
		return nil, err
	}
	newVolume, err := addU64(st.TotalVolume, absSize)
	if err != nil {
		return nil, err
	}
	newLong, newShort := st.TotalLongPositions, st.TotalShortPositions
	if pos.IsLong() {
		newLong, err = subU64(newLong, absSize)
	} else {
		newShort, err = subU64(newShort, absSize)
	}
	if err != nil {
		return nil, err
	}

	acct.CollateralBalance = newBalance
	acct.TotalFeesPaid = newFeesPaid
	acct.Position = nil
	vault.ReservedCollateral = newReserved
	st.CollectedFees = newCollected
	st.TotalVolume = newVolume
	st.TotalLongPositions = newLong
	st.TotalShortPositions = newShort

	return &CloseResult{PnL: gain, Fee: fee, Returned: returned}, nil
}

// Liquidate force-closes an under-collateralized position. The position
// is liquidatable exactly when its current equity (margin + pnl) has
// fallen to or below the configured fraction of the original margin;
// the gate is evaluated without regard to who requested it.
//
// The 1% reward is computed and reported but not transferred to the
// liquidator; any equity above the reward accrues to the insurance
// fund. The target's collateral balance is untouched: the lost margin
// was segregated in the vault reservation at open time and is released,
// not returned.
func Liquidate(acct *model.Account, vault *model.Vault, st *model.ExchangeState, now int64) (*LiquidateResult, error) {
	if acct.Position == nil {
		return nil, ErrNoPosition
	}
	if err := checkOracleFresh(st, now); err != nil {
		return nil, err
	}

	pos := acct.Position
	absSize := pos.AbsSize()

	gain, err := pnl(absSize, pos.EntryPrice, st.OraclePrice, pos.IsLong())
	if err != nil {
		return nil, err
	}
	equity := marginWithPnL(pos.Margin, gain)

	threshold, err := mulBps(pos.Margin, st.Params.LiquidationThreshold)
	if err != nil {
		return nil, err
	}
	if equity.Cmp(bigFromU64(threshold)) > 0 {
		return nil, ErrPositionNotLiquidatable
	}

	reward, err := mulBps(pos.Margin, 100)
	if err != nil {
		return nil, err
	}

	var contribution uint64
	newInsurance := st.InsuranceFundBalance
	if equity.Cmp(bigFromU64(reward)) > 0 {
		remainder := new(big.Int).Sub(equity, bigFromU64(reward))
		contribution, err = signedToU64(remainder)
		if err != nil {
			return nil, err
		}
		newInsurance, err = addU64(st.InsuranceFundBalance, contribution)
		if err != nil {
			return nil, err
		}
	}

	newReserved, err := subU64(vault.ReservedCollateral, pos.Margin)
	if err != nil {
		return nil, err
	}
	newLong, newShort := st.TotalLongPositions, st.TotalShortPositions
	if pos.IsLong() {
		newLong, err = subU64(newLong, absSize)
	} else {
		newShort, err = subU64(newShort, absSize)
	}
	if err != nil {
		return nil, err
	}

	acct.Position = nil
	vault.ReservedCollateral = newReserved
	st.InsuranceFundBalance = newInsurance
	st.TotalLongPositions = newLong
	st.TotalShortPositions = newShort

	return &LiquidateResult{PnL: gain, Reward: reward, InsuranceContribution: contribution}, nil
}
