package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
)

// ErrNoCustomer is returned when a user has no Stripe customer mapping. The
// submit fails and the period stays CLOSED until the next sweep.
var ErrNoCustomer = errors.New("stripe: no customer configured for user")

// StripeConfig holds the Stripe credentials and the user to customer mapping.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	IsTestMode    bool

	// DefaultCurrency applies to invoices whose total carries no currency.
	DefaultCurrency string

	// CustomerIDs maps user id strings to Stripe customer ids.
	CustomerIDs map[string]string
}

func DefaultStripeConfig() *StripeConfig {
	return &StripeConfig{
		IsTestMode:      true,
		DefaultCurrency: "usd",
		CustomerIDs:     map[string]string{},
	}
}

// Validate rejects a missing key and a key whose mode disagrees with IsTestMode.
func (c *StripeConfig) Validate() error {
	switch {
	case c.SecretKey == "":
		return errors.New("stripe: secret key is required")
	case c.IsTestMode && isLiveKey(c.SecretKey):
		return errors.New("stripe: test mode enabled but secret key is not a test key")
	case !c.IsTestMode && isTestKey(c.SecretKey):
		return errors.New("stripe: live mode enabled but secret key is not a live key")
	case c.DefaultCurrency == "":
		return errors.New("stripe: default currency is required")
	}
	return nil
}

func isTestKey(key string) bool { return strings.HasPrefix(key, "sk_test") }
func isLiveKey(key string) bool { return strings.HasPrefix(key, "sk_live") }

func (c *StripeConfig) CustomerID(userID uuid.UUID) (string, error) {
	if id := c.CustomerIDs[userID.String()]; id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoCustomer, userID)
}

// applyKey installs the secret key on the stripe-go package client.
func (c *StripeConfig) applyKey() {
	stripe.Key = c.SecretKey
}
