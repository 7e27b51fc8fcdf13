package pricing

import (
	"errors"
	"testing"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
)

func TestQuoteBasisPointFee(t *testing.T) {
	q := DefaultKESQuoter()

	// KES 10,000 at 1.5% is KES 150.
	quote, err := q.Quote(money.New(10_000_00, "KES"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Fee.AmountMinor != 150_00 {
		t.Errorf("fee = %d, want 15000", quote.Fee.AmountMinor)
	}
	if quote.TotalCharge.AmountMinor != 10_150_00 {
		t.Errorf("total = %d, want 1015000", quote.TotalCharge.AmountMinor)
	}
}

func TestQuoteFeeFloor(t *testing.T) {
	q := DefaultKESQuoter()

	// 1.5% of KES 200 is KES 3; the floor lifts it to KES 50.
	quote, err := q.Quote(money.New(200_00, "KES"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Fee.AmountMinor != 50_00 {
		t.Errorf("fee = %d, want 5000 (floor)", quote.Fee.AmountMinor)
	}
}

func TestQuoteFeeCap(t *testing.T) {
	// The default 1.5% never reaches the cap within bounds; use a steeper
	// schedule to exercise it.
	q := &TieredQuoter{
		FeeBps:    500,
		MinFee:    money.New(50_00, "KES"),
		MaxFee:    money.New(2_500_00, "KES"),
		MinAmount: money.New(100_00, "KES"),
		MaxAmount: money.New(150_000_00, "KES"),
	}
	quote, err := q.Quote(money.New(150_000_00, "KES"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Fee.AmountMinor != 2_500_00 {
		t.Errorf("fee = %d, want 250000 (cap)", quote.Fee.AmountMinor)
	}
}

func TestQuoteBounds(t *testing.T) {
	q := DefaultKESQuoter()

	if _, err := q.Quote(money.New(99_99, "KES")); !errors.Is(err, ErrAmountOutOfBounds) {
		t.Errorf("below minimum: got %v, want ErrAmountOutOfBounds", err)
	}
	if _, err := q.Quote(money.New(150_000_01, "KES")); !errors.Is(err, ErrAmountOutOfBounds) {
		t.Errorf("above maximum: got %v, want ErrAmountOutOfBounds", err)
	}
	if _, err := q.Quote(money.New(100_00, "KES")); err != nil {
		t.Errorf("at minimum: %v", err)
	}
	if _, err := q.Quote(money.New(150_000_00, "KES")); err != nil {
		t.Errorf("at maximum: %v", err)
	}
}

func TestQuoteRejectsUnsupportedCurrency(t *testing.T) {
	q := DefaultKESQuoter()
	if _, err := q.Quote(money.New(10_000_00, "USD")); err == nil {
		t.Error("expected unsupported currency error")
	}
}
