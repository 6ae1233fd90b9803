package types

import (
	"math"
	"strconv"
)

// Credits is a count of metered-usage credits. All arithmetic is integer-only
// and saturates instead of overflowing.
type Credits int64

// Int64 returns the raw value.
func (c Credits) Int64() int64 { return int64(c) }

// IsPositive returns true if the value is greater than zero.
func (c Credits) IsPositive() bool { return c > 0 }

// IsNegative returns true if the value is less than zero.
func (c Credits) IsNegative() bool { return c < 0 }

// Add adds two values, saturating at the int64 bounds.
func (c Credits) Add(other Credits) Credits {
	if other > 0 && c > math.MaxInt64-other {
		return math.MaxInt64
	}
	if other < 0 && c < math.MinInt64-other {
		return math.MinInt64
	}
	return c + other
}

// AddCapped applies a grant bounded by a rollover limit: the result is
// min(c+grant, limit), but never less than c. A balance already above the
// limit is left untouched rather than truncated.
func (c Credits) AddCapped(grant, limit Credits) Credits {
	next := c.Add(grant)
	if next > limit {
		next = limit
	}
	if next < c {
		return c
	}
	return next
}

// Sub subtracts amount and reports whether the result stays non-negative.
// On failure the original value is returned.
func (c Credits) Sub(amount Credits) (Credits, bool) {
	next := c.Add(-amount)
	if next < 0 {
		return c, false
	}
	return next, true
}

// String returns the decimal representation.
func (c Credits) String() string {
	return strconv.FormatInt(int64(c), 10)
}
