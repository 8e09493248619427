package store

import "errors"

// ErrAmountOverflow is returned by Amount arithmetic that would wrap
// around a uint64, and by subtraction that would go negative.
var ErrAmountOverflow = errors.New("store: amount overflow")

// Amount is an unsigned quantity of base units. All arithmetic is
// overflow-checked; the federation never has a reason to represent a
// negative balance or an amount that doesn't fit in 64 bits.
type Amount uint64

// Add returns a+b, or ErrAmountOverflow if the sum would wrap.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if sum < a {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// Sub returns a-b, or ErrAmountOverflow if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrAmountOverflow
	}
	return a - b, nil
}

// SumAmounts adds every amount in turn, failing fast on the first
// overflow. Used by the transaction balancer to total inputs/outputs.
func SumAmounts(amounts ...Amount) (Amount, error) {
	var total Amount
	var err error
	for _, a := range amounts {
		total, err = total.Add(a)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
