package deploy

import (
	"math/big"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// GasPolicy prices deployment transactions below the network's suggested
// maximum fee.
type GasPolicy struct {
	// LimitBufferPct pads the gas estimate.
	LimitBufferPct int
	// FeeDiscountPct is taken off the suggested max fee.
	FeeDiscountPct int
	// MinPriorityFee is the tip offered. Nil uses the node's suggestion.
	MinPriorityFee *big.Int
}

// DefaultGasPolicy pads by 20%, discounts 10% and tips 1 gwei.
func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		LimitBufferPct: 20,
		FeeDiscountPct: 10,
		MinPriorityFee: big.NewInt(1_000_000_000),
	}
}

// Price returns the gas limit, max fee and priority fee for a transaction
// with the given estimate. The max fee never drops below base fee plus tip,
// so the transaction stays includable in the next block.
func (p GasPolicy) Price(estimate uint64, fees domain.FeeData) (limit uint64, maxFee, tip *big.Int) {
	buffer := p.LimitBufferPct
	if buffer < 0 {
		buffer = 0
	}
	limit = estimate * uint64(100+buffer) / 100

	tip = fees.SuggestedTip
	if p.MinPriorityFee != nil {
		tip = p.MinPriorityFee
	}
	tip = new(big.Int).Set(tip)

	discount := p.FeeDiscountPct
	if discount < 0 || discount >= 100 {
		discount = 0
	}
	maxFee = fees.SuggestedMaxFee()
	maxFee.Mul(maxFee, big.NewInt(int64(100-discount)))
	maxFee.Div(maxFee, big.NewInt(100))

	floor := new(big.Int).Add(fees.BaseFee, tip)
	if maxFee.Cmp(floor) < 0 {
		maxFee = floor
	}
	return limit, maxFee, tip
}
