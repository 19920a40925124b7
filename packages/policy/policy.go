// Package policy decides whether an account balance is worth sweeping and how
// much of it can be moved once the transfer fee is paid.
package policy

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrFeeOverflow is returned when gasPrice * gasLimit does not fit in 256 bits.
var ErrFeeOverflow = errors.New("fee cost overflows uint256")

// Reason explains a Decision.
type Reason string

const (
	ReasonBelowThreshold    Reason = "below-threshold"
	ReasonFeeExceedsBalance Reason = "fee-exceeds-balance"
	ReasonSweep             Reason = "sweep"
)

// FeeEstimate is a point-in-time fee quote for a single transfer.
type FeeEstimate struct {
	GasPrice *uint256.Int
	GasLimit uint64
}

// Cost returns GasPrice * GasLimit.
func (f FeeEstimate) Cost() (*uint256.Int, error) {
	if f.GasPrice == nil {
		return nil, fmt.Errorf("fee estimate has no gas price")
	}
	cost, overflow := new(uint256.Int).MulOverflow(f.GasPrice, uint256.NewInt(f.GasLimit))
	if overflow {
		return nil, fmt.Errorf("%w: price=%s limit=%d", ErrFeeOverflow, f.GasPrice.Dec(), f.GasLimit)
	}
	return cost, nil
}

// Decision is the result of Decide. Amount is only set when Act is true.
type Decision struct {
	Act    bool
	Amount *uint256.Int
	Reason Reason
}

func skip(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Eligible reports whether balance reaches the threshold. It is the cheap
// pre-check done before any fee data is fetched.
func Eligible(balance, threshold *uint256.Int) bool {
	return !balance.Lt(threshold)
}

// Decide returns Act(balance - feeCost) when balance >= threshold and the fee
// leaves a strictly positive remainder, and Skip otherwise.
func Decide(balance, feeCost, threshold *uint256.Int) Decision {
	if !Eligible(balance, threshold) {
		return skip(ReasonBelowThreshold)
	}
	if !feeCost.Lt(balance) {
		return skip(ReasonFeeExceedsBalance)
	}
	return Decision{
		Act:    true,
		Amount: new(uint256.Int).Sub(balance, feeCost),
		Reason: ReasonSweep,
	}
}
