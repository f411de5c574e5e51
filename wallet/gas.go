package wallet

import (
	"context"
	"math"
	"math/bits"
)

// GasPolicy decides the gas limit of a transaction.
type GasPolicy struct {
	fixed   uint64
	percent uint64
}

// FixedGas uses limit without estimating.
func FixedGas(limit uint64) GasPolicy {
	return GasPolicy{fixed: limit}
}

// PaddedGas estimates the gas and adds percent on top of the estimate.
func PaddedGas(percent uint64) GasPolicy {
	return GasPolicy{percent: percent}
}

func (p GasPolicy) limit(ctx context.Context,
	estimate func(context.Context) (uint64, error)) (uint64, error) {

	if p.fixed != 0 {
		return p.fixed, nil
	}
	estimated, err := estimate(ctx)
	if err != nil {
		return 0, err
	}
	return PadGas(estimated, p.percent), nil
}

// PadGas returns estimated plus floor(estimated*percent/100). The result is
// never below estimated and saturates at math.MaxUint64.
func PadGas(estimated, percent uint64) uint64 {
	q, r := estimated/100, estimated%100
	hi, pad := bits.Mul64(q, percent)
	if hi != 0 {
		return math.MaxUint64
	}
	// r < 100, so the high word of r*percent is below the divisor.
	rhi, rlo := bits.Mul64(r, percent)
	rest, _ := bits.Div64(rhi, rlo, 100)
	pad, carry := bits.Add64(pad, rest, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	sum, carry := bits.Add64(estimated, pad, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
