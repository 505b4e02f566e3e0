package valueobject

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// DefaultCurrency is the billing currency of the tier catalog
const DefaultCurrency = USD

// ErrCurrencyMismatch is returned when two amounts in different currencies are combined
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an immutable decimal amount in one currency. Prices keep their
// full precision; rounding to cents happens once, when a charge is submitted.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

func NewMoney(amount decimal.Decimal, currency Currency) (Money, error) {
	if currency == "" {
		return Money{}, errors.New("currency cannot be empty")
	}
	return Money{amount: amount, currency: currency}, nil
}

// ParseMoney reads a decimal amount such as "1.50"
func ParseMoney(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return NewMoney(d, currency)
}

// MustUSD parses a USD amount for static price tables and panics on bad input
func MustUSD(amount string) Money {
	m, err := ParseMoney(amount, USD)
	if err != nil {
		panic(err)
	}
	return m
}

func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }
func (m Money) IsPositive() bool        { return m.amount.IsPositive() }
func (m Money) IsNegative() bool        { return m.amount.IsNegative() }

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Times prices a number of units at m per unit
func (m Money) Times(units int64) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(units)), currency: m.currency}
}

// Cents converts to minor units, rounding half away from zero
func (m Money) Cents() int64 {
	return m.amount.Shift(2).Round(0).IntPart()
}

func (m Money) Equals(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// Compare orders two amounts of the same currency
func (m Money) Compare(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Compare(other)
	return c < 0, err
}

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + string(m.currency)
}

func (m Money) StringFixed(places int32) string {
	return m.amount.StringFixed(places)
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

// MarshalJSON writes the amount as a string so no precision is lost
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.String(), Currency: m.currency})
}

// UnmarshalJSON reads {"amount","currency"}; a missing currency means DefaultCurrency
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Currency == "" {
		v.Currency = DefaultCurrency
	}
	parsed, err := ParseMoney(v.Amount, v.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value stores the amount only; the currency lives in its own column
func (m Money) Value() (driver.Value, error) {
	return m.amount.String(), nil
}

// Scan reads a NUMERIC column. The currency is kept if already set,
// otherwise it becomes DefaultCurrency.
func (m *Money) Scan(value any) error {
	var d decimal.Decimal
	switch v := value.(type) {
	case nil:
		d = decimal.Zero
	case int64:
		d = decimal.NewFromInt(v)
	case float64:
		d = decimal.NewFromFloat(v)
	case string, []byte:
		if err := d.Scan(v); err != nil {
			return fmt.Errorf("invalid numeric value: %w", err)
		}
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
	m.amount = d
	if m.currency == "" || value == nil {
		m.currency = DefaultCurrency
	}
	return nil
}
