package resource

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/spacemeshos/go-trxexec/common/types"
)

// Precision of the fixed point average stored in types.UsageAccumulator.ValueEx.
const Precision = 1_000_000

func u256(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// divCeil returns ceil(num/den) for den > 0.
func divCeil(num, den *uint256.Int) *uint256.Int {
	quo := new(uint256.Int).Div(num, den)
	if !new(uint256.Int).Mod(num, den).IsZero() {
		quo.AddUint64(quo, 1)
	}
	return quo
}

// clampInt64 converts to int64 saturating at the max value.
func clampInt64(v *uint256.Int) int64 {
	const maxInt64 = uint64(1<<63 - 1)
	if !v.IsUint64() || v.Uint64() > maxInt64 {
		return int64(maxInt64)
	}
	return int64(v.Uint64())
}

func clampUint64(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// accumulate decays average to the ordinal and adds units spread over the window.
func accumulate(acc *types.UsageAccumulator, units uint64, ordinal, window uint32) error {
	if ordinal != acc.LastOrdinal {
		if ordinal < acc.LastOrdinal {
			return fmt.Errorf("%w: ordinal %d is before %d", ErrOrdinalRegression, ordinal, acc.LastOrdinal)
		}
		if uint64(acc.LastOrdinal)+uint64(window) > uint64(ordinal) {
			decay := u256(uint64(window - (ordinal - acc.LastOrdinal)))
			value := new(uint256.Int).Mul(u256(acc.ValueEx), decay)
			acc.ValueEx = value.Div(value, u256(uint64(window))).Uint64()
		} else {
			acc.ValueEx = 0
		}
		acc.LastOrdinal = ordinal
		acc.Consumed = average(acc)
	}
	added := divCeil(new(uint256.Int).Mul(u256(units), u256(Precision)), u256(uint64(window)))
	acc.ValueEx = clampUint64(added.Add(added, u256(acc.ValueEx)))
	acc.Consumed += units
	return nil
}

// average returns the average usage per ordinal rounded up.
func average(acc *types.UsageAccumulator) uint64 {
	return divCeil(u256(acc.ValueEx), u256(Precision)).Uint64()
}

// usedInWindow returns usage accounted over the whole window.
func usedInWindow(acc *types.UsageAccumulator, window uint32, ceil bool) *uint256.Int {
	num := new(uint256.Int).Mul(u256(acc.ValueEx), u256(uint64(window)))
	if ceil {
		return divCeil(num, u256(Precision))
	}
	return num.Div(num, u256(Precision))
}

func mulRatio(v uint64, r Ratio) uint64 {
	result := new(uint256.Int).Mul(u256(v), u256(r.Numerator))
	return clampUint64(result.Div(result, u256(r.Denominator)))
}

// elasticLimit contracts or expands current limit depending on the average block usage.
func elasticLimit(current, avg uint64, params *ElasticLimitParameters) uint64 {
	var result uint64
	if avg > params.Target {
		result = mulRatio(current, params.ContractRate)
	} else {
		result = mulRatio(current, params.ExpandRate)
	}
	upper := clampUint64(new(uint256.Int).Mul(u256(params.Max), u256(uint64(params.MaxMultiplier))))
	return min(max(result, params.Max), upper)
}
