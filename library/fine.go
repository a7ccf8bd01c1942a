package library

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// FinePolicy sets how overdue fines accrue.
type FinePolicy struct {
	GraceDays  int64
	RatePerDay decimal.Decimal
}

// DefaultFinePolicy is seven free days, then one unit of currency per day.
func DefaultFinePolicy() FinePolicy {
	return FinePolicy{GraceDays: 7, RatePerDay: decimal.NewFromInt(1)}
}

// Validate rejects negative settings.
func (p FinePolicy) Validate() error {
	if p.GraceDays < 0 {
		return invalid("graceDays", "must not be negative")
	}
	if p.RatePerDay.IsNegative() {
		return invalid("ratePerDay", "must not be negative")
	}
	return nil
}

// Calculate returns the whole days elapsed since issuedAt and the fine owed at now.
// A now before issuedAt yields zero for both.
func (p FinePolicy) Calculate(issuedAt, now time.Time) (daysOverdue int64, amount decimal.Decimal) {
	if now.Before(issuedAt) {
		return 0, decimal.Zero
	}

	daysOverdue = int64(now.Sub(issuedAt) / day)

	chargeable := daysOverdue - p.GraceDays
	if chargeable <= 0 {
		return daysOverdue, decimal.Zero
	}

	return daysOverdue, p.RatePerDay.Mul(decimal.NewFromInt(chargeable))
}

// assess refreshes f's computed fields. Paid fines keep the amount they were paid at;
// returned loans stop accruing at the return time.
func (p FinePolicy) assess(f *Fine, now time.Time) {
	if f.IsPaid {
		return
	}

	end := now
	if f.ReturnedAt != nil {
		end = *f.ReturnedAt
	}

	f.DaysOverdue, f.Amount = p.Calculate(f.IssuedAt, end)
}
