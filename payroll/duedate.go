/*
duedate.go - Next due date calculation

PURPOSE:
  Pure calendar arithmetic: given a payment frequency and a reference
  date, return the next date a salary payment is due. No clock, no
  store, no error conditions - deterministic for testability.

EDGE CASES:
  - Monthly keeps the same day-of-month; when the target month is
    shorter (Jan 31 -> Feb), the date clamps to the last day of the
    target month.
  - December rolls the year forward.

SEE ALSO:
  - ledger.go: Calls NextDueDate when closing a successful payment
  - scheduler/: Uses the result to register one-shot payment jobs
*/
package payroll

import "time"

// NextDueDate returns the next payment due date after from, normalized
// to a UTC day. Unknown frequencies fall through to monthly, matching
// the contract that frequency validity is enforced at the edges.
func NextDueDate(freq Frequency, from time.Time) time.Time {
	day := UTCDay(from)

	switch freq {
	case FrequencyWeekly:
		return day.AddDate(0, 0, 7)
	case FrequencyBiWeekly:
		return day.AddDate(0, 0, 14)
	default:
		return nextMonthlyDate(day)
	}
}

// nextMonthlyDate advances one month keeping the day-of-month, clamped
// to the last day of the target month when it is shorter.
func nextMonthlyDate(day time.Time) time.Time {
	year, month := day.Year(), day.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}

	d := day.Day()
	if last := lastDayOfMonth(year, month); d > last {
		d = last
	}
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
