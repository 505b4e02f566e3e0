package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Limit is a per-period quota ceiling. It is either a finite amount or unlimited;
// there is no numeric sentinel for "unlimited".
type Limit struct {
	amount    int64
	unlimited bool
}

// Limited returns a finite limit of n units. Negative n is clamped to zero.
func Limited(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{amount: n}
}

// Unlimited returns a limit that is never exhausted
func Unlimited() Limit {
	return Limit{unlimited: true}
}

// IsUnlimited reports whether the limit has no ceiling
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Amount returns the finite ceiling and true, or 0 and false when unlimited
func (l Limit) Amount() (int64, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.amount, true
}

// String returns "unlimited" or the decimal amount
func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(l.amount, 10)
}

// MarshalJSON encodes an unlimited limit as null
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return []byte("null"), nil
	}
	return json.Marshal(l.amount)
}

// UnmarshalJSON decodes null as unlimited
func (l *Limit) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = Unlimited()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("invalid limit: %d is negative", n)
	}
	*l = Limited(n)
	return nil
}

// Remaining is what is left of a limit. A finite remaining may be negative
// once a soft-capped quota has gone into overage.
type Remaining struct {
	amount    int64
	unlimited bool
}

// RemainingUnlimited is the remaining amount under an unlimited quota
func RemainingUnlimited() Remaining {
	return Remaining{unlimited: true}
}

// RemainingAmount returns a finite remaining amount
func RemainingAmount(n int64) Remaining {
	return Remaining{amount: n}
}

// RemainingFor computes limit - used
func RemainingFor(limit Limit, used int64) Remaining {
	n, ok := limit.Amount()
	if !ok {
		return RemainingUnlimited()
	}
	return RemainingAmount(n - used)
}

// IsUnlimited reports whether nothing constrains further usage
func (r Remaining) IsUnlimited() bool {
	return r.unlimited
}

// Amount returns the finite remaining and true, or 0 and false when unlimited
func (r Remaining) Amount() (int64, bool) {
	if r.unlimited {
		return 0, false
	}
	return r.amount, true
}

// Covers reports whether requested units fit without overage
func (r Remaining) Covers(requested int64) bool {
	return r.unlimited || r.amount >= requested
}

// String returns "unlimited" or the decimal amount
func (r Remaining) String() string {
	if r.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(r.amount, 10)
}

// MarshalJSON encodes an unlimited remaining as null
func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.unlimited {
		return []byte("null"), nil
	}
	return json.Marshal(r.amount)
}

// UnmarshalJSON decodes null as unlimited
func (r *Remaining) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = RemainingUnlimited()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid remaining: %w", err)
	}
	*r = RemainingAmount(n)
	return nil
}
