package payroll

import "time"

// Clock abstracts "now" so due-date math and the duplicate-payment day
// guard are deterministic in tests. Production code uses SystemClock;
// tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test double.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
