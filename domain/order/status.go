package order

import (
	"math/big"
)

// StatusKind enumerates the order lifecycle. Transitions are monotonic:
// Accepted -> PartiallyFilled -> Filled | Cancelled. NotFound never
// follows any other state.
type StatusKind uint8

const (
	StatusNotFound StatusKind = iota
	StatusAccepted
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusAccepted:
		return "Accepted"
	case StatusPartiallyFilled:
		return "PartiallyFilled"
	case StatusFilled:
		return "Filled"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "NotFound"
	}
}

// Terminal reports whether no further transition is possible.
func (k StatusKind) Terminal() bool {
	return k == StatusFilled || k == StatusCancelled
}

// Status is the lifecycle state together with the fill accounting.
type Status struct {
	Kind         StatusKind
	FilledAmount int64
	FilledFee    int64
}

// PriceValue converts an amount-asset quantity at a price into
// price-asset units. The product is accumulated in 128 bits before the
// PriceConstant division, so it never wraps for admissible orders.
func PriceValue(amount, price int64) int64 {
	v := new(big.Int).Mul(big.NewInt(amount), big.NewInt(price))
	v.Quo(v, big.NewInt(PriceConstant))
	return v.Int64()
}

// ProRataFee is the fee charged for a partial execution:
// ceil(fee * execAmount / totalAmount), capped by the caller at the
// order's remaining fee.
func ProRataFee(fee, execAmount, totalAmount int64) int64 {
	if totalAmount <= 0 {
		return 0
	}
	v := new(big.Int).Mul(big.NewInt(fee), big.NewInt(execAmount))
	v.Add(v, big.NewInt(totalAmount-1))
	v.Quo(v, big.NewInt(totalAmount))
	return v.Int64()
}
