package billing

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSubscription         = errors.New("no active subscription")
	ErrUnknownPrice           = errors.New("unknown price id")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrPurchaseAlreadyApplied = errors.New("credit purchase already applied")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrNotCancellable         = errors.New("subscription is not pending cancellation")
	ErrCreditsNotAvailable    = errors.New("credit purchases are not available on this tier")
	ErrBillingDisabled        = errors.New("billing is disabled in local mode")
)

// Policy error codes returned to callers.
const (
	CodeDowngradeSameInterval = "downgrade_same_interval"
	CodeCommitmentActive      = "commitment_active"
)

// PolicyError is a structured rejection of a lifecycle request. It is an
// expected outcome, not a system failure.
type PolicyError struct {
	Code            string     `json:"code"`
	Message         string     `json:"message"`
	CommitmentEnd   *time.Time `json:"commitment_end,omitempty"`
	MonthsRemaining int        `json:"months_remaining,omitempty"`
}

func (e *PolicyError) Error() string {
	return e.Message
}

// ProviderError wraps a payment gateway failure. These are the only billing
// errors that should surface as 5xx.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}
