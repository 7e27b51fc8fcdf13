// Package pricing computes the fee breakdown for a transfer. The orchestrator
// treats the quoter as a pure function input; business fee rules live here
// and nowhere else.
package pricing

import (
	"errors"
	"fmt"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
)

// ErrAmountOutOfBounds is returned when the requested target amount falls
// outside the configured transaction size limits. Never retried.
var ErrAmountOutOfBounds = errors.New("amount out of bounds")

// Quote is the computed fee breakdown for a target amount.
type Quote struct {
	TargetAmount money.Money `json:"target_amount"`
	Fee          money.Money `json:"fee"`
	TotalCharge  money.Money `json:"total_charge"` // target + fee
}

// Quoter validates amount bounds and computes the fee for a target amount.
type Quoter interface {
	Quote(target money.Money) (Quote, error)
}

// TieredQuoter charges a basis-point fee clamped between a minimum and
// maximum, and enforces per-transaction amount bounds.
type TieredQuoter struct {
	FeeBps    int64
	MinFee    money.Money
	MaxFee    money.Money
	MinAmount money.Money
	MaxAmount money.Money
}

// DefaultKESQuoter mirrors the production fee schedule: 1.5% fee, floor
// KES 50, cap KES 2,500, transaction size KES 100 to 150,000.
func DefaultKESQuoter() *TieredQuoter {
	return &TieredQuoter{
		FeeBps:    150,
		MinFee:    money.New(50_00, "KES"),
		MaxFee:    money.New(2_500_00, "KES"),
		MinAmount: money.New(100_00, "KES"),
		MaxAmount: money.New(150_000_00, "KES"),
	}
}

// Quote validates bounds and computes the clamped basis-point fee.
func (q *TieredQuoter) Quote(target money.Money) (Quote, error) {
	if target.Currency != q.MinAmount.Currency {
		return Quote{}, fmt.Errorf("unsupported currency %s", target.Currency)
	}
	if target.LessThan(q.MinAmount) || target.GreaterThan(q.MaxAmount) {
		return Quote{}, fmt.Errorf("%w: %s outside [%s, %s]",
			ErrAmountOutOfBounds, target, q.MinAmount, q.MaxAmount)
	}

	fee := target.PercentBps(q.FeeBps)
	if fee.LessThan(q.MinFee) {
		fee = q.MinFee
	}
	if fee.GreaterThan(q.MaxFee) {
		fee = q.MaxFee
	}

	total, err := target.Add(fee)
	if err != nil {
		return Quote{}, err
	}
	return Quote{TargetAmount: target, Fee: fee, TotalCharge: total}, nil
}
