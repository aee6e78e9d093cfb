package engine

import "errors"

// Errors are classified by the precondition violated, not by where in the
// code they were detected. Every failure is terminal for the invocation:
// no record is mutated and nothing is retried internally.
var (
	// ErrInvalidAmount is returned when a zero amount is supplied to an
	// operation that requires a positive one.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrInvalidLeverage is returned when leverage is zero or exceeds the
	// governance maximum.
	ErrInvalidLeverage = errors.New("engine: leverage out of allowed range")

	// ErrMarginTooLow is returned when margin is below the governance floor.
	ErrMarginTooLow = errors.New("engine: margin below minimum")

	// ErrPositionExists is returned when opening while a position is open.
	ErrPositionExists = errors.New("engine: position already exists")

	// ErrNoPosition is returned when closing or liquidating without an
	// open position.
	ErrNoPosition = errors.New("engine: no open position")

	// ErrInsufficientCollateral is returned when the collateral balance
	// cannot cover the requested amount (including fees).
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")

	// ErrStaleOracle is returned when the reference price is older than
	// the governance validity period.
	ErrStaleOracle = errors.New("engine: oracle price is stale")

	// ErrMathOverflow is returned when any arithmetic step would overflow
	// or underflow. No silent wraparound is permitted anywhere.
	ErrMathOverflow = errors.New("engine: arithmetic overflow")

	// ErrPositionNotLiquidatable is returned when the position's equity is
	// still above the liquidation threshold.
	ErrPositionNotLiquidatable = errors.New("engine: position not liquidatable")

	// ErrInvalidPrice is returned for a zero reference price.
	ErrInvalidPrice = errors.New("engine: price must be positive")

	// ErrTradingPaused is returned when opening while the venue is paused.
	ErrTradingPaused = errors.New("engine: trading is paused")

	// ErrUnauthorizedAdmin is returned for administrative requests that
	// fail authorization. The check lives in the dispatch layer but
	// surfaces through the same error channel as the engine's own taxonomy.
	ErrUnauthorizedAdmin = errors.New("engine: unauthorized admin")
)
