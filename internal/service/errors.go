package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict marks requests that are valid but not in the current state,
	// e.g. confirming an order that is already completed.
	ErrConflict = errors.New("conflict")
	// ErrRetryLater marks failures the caller should retry: the request may
	// succeed once a concurrent operation settles.
	ErrRetryLater = errors.New("retry later")
	// ErrPayoutInFlight is returned for a result that arrives before the
	// disbursement call that produced it has been recorded.
	ErrPayoutInFlight = fmt.Errorf("%w: payout disbursement still in flight", ErrRetryLater)
)

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Payout rejection reasons shown to vendors.
const (
	RejectBelowThreshold    = "below_threshold"
	RejectFeeExceedsBalance = "fee_exceeds_balance"
	RejectNoPayoutAccount   = "no_payout_account"
	RejectGatewayDisabled   = "payout_gateway_unavailable"
)

// PayoutRejection is a payout request refused before any money moved.
type PayoutRejection struct {
	Reason  string
	Message string
}

func (e *PayoutRejection) Error() string {
	return e.Message
}

func IsPayoutRejection(err error) (*PayoutRejection, bool) {
	var rej *PayoutRejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
