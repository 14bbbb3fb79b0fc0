package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the billing interval of a recurring charge.
type Frequency string

const (
	FrequencyWeekly     Frequency = "weekly"
	FrequencyMonthly    Frequency = "monthly"
	FrequencySemiannual Frequency = "semiannual"
	FrequencyAnnual     Frequency = "annual"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencySemiannual, FrequencyAnnual:
		return true
	}
	return false
}

// NextChargeDate advances from by one interval of f. Month-based intervals
// move by calendar months and clamp to the last day of the target month,
// so Jan 31 + 1 month is Feb 28 (or 29).
func NextChargeDate(from time.Time, f Frequency) (time.Time, error) {
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyMonthly:
		return addMonths(from, 1), nil
	case FrequencySemiannual:
		return addMonths(from, 6), nil
	case FrequencyAnnual:
		return addMonths(from, 12), nil
	}
	return time.Time{}, &ErrValidation{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", f)}
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// MinorToMajor converts integer cents, as delivered by the PIX processor,
// into a major-unit amount.
func MinorToMajor(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// MajorToMinor converts a major-unit amount into integer cents, rounding
// half away from zero at the second decimal place.
func MajorToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
