package engine

import (
	"math"
	"math/big"
	"math/bits"
)

// bpsDenominator is the fixed-point denominator for all rate fields.
const bpsDenominator = 10_000

// Checked unsigned arithmetic. Every step that can wrap maps to
// ErrMathOverflow; nothing in the engine wraps silently.

func addU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

func subU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrMathOverflow
	}
	return diff, nil
}

func mulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrMathOverflow
	}
	return lo, nil
}

// mulBps computes floor(amount × rate / 10000) with a widened
// intermediate product, so the multiplication itself cannot overflow.
// The quotient overflows only if rate > 10000 on a near-max amount,
// which is a governance misconfiguration; it is still reported rather
// than wrapped.
func mulBps(amount uint64, rate uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(rate))
	if hi >= bpsDenominator {
		return 0, ErrMathOverflow
	}
	quo, _ := bits.Div64(hi, lo, bpsDenominator)
	return quo, nil
}

// pnl computes absSize × priceDiff / entryPrice in widened signed
// arithmetic, truncating toward zero. The divisor is the entry price,
// which is nonzero because positions cannot open at a zero price.
// A result whose magnitude exceeds int64 is reported as overflow.
func pnl(absSize, entryPrice, oraclePrice uint64, isLong bool) (int64, error) {
	diff := new(big.Int).SetUint64(oraclePrice)
	diff.Sub(diff, new(big.Int).SetUint64(entryPrice))
	if !isLong {
		diff.Neg(diff)
	}

	v := new(big.Int).SetUint64(absSize)
	v.Mul(v, diff)
	v.Quo(v, new(big.Int).SetUint64(entryPrice))

	if !v.IsInt64() {
		return 0, ErrMathOverflow
	}
	return v.Int64(), nil
}

// marginWithPnL returns margin + pnl as a widened signed value.
func marginWithPnL(margin uint64, pnl int64) *big.Int {
	v := new(big.Int).SetUint64(margin)
	return v.Add(v, big.NewInt(pnl))
}

func bigFromU64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// signedToU64 converts a non-negative widened value to uint64,
// reporting overflow if it does not fit.
func signedToU64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrMathOverflow
	}
	return v.Uint64(), nil
}

// notional computes margin × leverage. The product must fit the signed
// 64-bit size field, so anything above MaxInt64 is rejected.
func notional(margin uint64, leverage uint8) (uint64, error) {
	n, err := mulU64(margin, uint64(leverage))
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, ErrMathOverflow
	}
	return n, nil
}
