// Package gateway adapts the external payment rails to one contract.
//
// Every rail implements PaymentGateway. VerifyStatus is the only source of
// truth for whether money arrived; callback bodies are advisory.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Name string

const (
	Mpesa       Name = "mpesa"
	Airtel      Name = "airtel"
	Pesapal     Name = "pesapal"
	Flutterwave Name = "flutterwave"
	Paystack    Name = "paystack"
)

// ParseName maps a route or config value onto a known rail.
func ParseName(s string) (Name, bool) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case Mpesa, Airtel, Pesapal, Flutterwave, Paystack:
		return n, true
	}
	return "", false
}

// KeysOnMerchantRef reports whether the rail files a charge under the
// merchant reference we send, so a charge can be queried before the rail has
// answered the collect call.
func KeysOnMerchantRef(n Name) bool {
	switch n {
	case Airtel, Flutterwave, Paystack:
		return true
	}
	return false
}

// MerchantRefGateways lists the rails KeysOnMerchantRef accepts.
func MerchantRefGateways() []string {
	return []string{string(Airtel), string(Flutterwave), string(Paystack)}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type BillingInfo struct {
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	CountryCode string `json:"country_code"`
}

type CollectRequest struct {
	OrderNo     string
	MerchantRef string // short, unique per attempt
	Amount      int64
	Currency    string
	Description string
	Billing     BillingInfo
}

type CollectResult struct {
	// Reference is the id the rail uses for this charge; callbacks and status
	// queries are keyed on it.
	Reference   string
	RedirectURL string
	Prompt      string
	Raw         json.RawMessage
}

type PaymentState struct {
	Status Status
	// Recoverable marks failures the buyer can retry on the same order
	// (prompt cancelled or timed out, insufficient funds).
	Recoverable bool
	// Amount is what the rail reports as paid, 0 when the rail does not say.
	Amount      int64
	Currency    string
	Code        string
	Description string
	Receipt     string
	Raw         json.RawMessage
}

type DisburseRequest struct {
	Destination string
	AccountName string
	Amount      int64
	Currency    string
	Narrative   string
	// Reference is generated by the caller before the call so that a timed
	// out disbursement can still be matched with its result callback.
	Reference string
}

type DisburseResult struct {
	TrackingID string
	Raw        json.RawMessage
}

// PayoutState is the rail's answer to a transfer status query.
type PayoutState struct {
	Status      Status
	Code        string
	Description string
	Raw         json.RawMessage
}

// PayoutVerifier is implemented by rails that expose a transfer status query.
// Result callbacks from those rails are re-checked through it.
type PayoutVerifier interface {
	VerifyPayout(ctx context.Context, trackingID string) (*PayoutState, error)
}

type PaymentGateway interface {
	Name() Name
	Collect(ctx context.Context, req CollectRequest) (*CollectResult, error)
	VerifyStatus(ctx context.Context, reference string) (*PaymentState, error)
	Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
}

var (
	ErrUnknownOutcome          = errors.New("gateway: request timed out, outcome unknown")
	ErrMalformedResponse       = errors.New("gateway: malformed response")
	ErrDisbursementUnsupported = errors.New("gateway: disbursement not supported by this rail")
	ErrGatewayUnavailable      = errors.New("gateway: not configured")
	ErrInvalidRequest          = errors.New("gateway: invalid request")
)

// GatewayError carries the provider's raw response for support and retry.
type GatewayError struct {
	Gateway    Name
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Gateway, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > 512 {
			body = body[:512] + "..."
		}
		fmt.Fprintf(&b, ": %s", body)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ConfigError reports missing credentials for one rail.
type ConfigError struct {
	Gateway Name
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing configuration %s", e.Gateway, strings.Join(e.Missing, ", "))
}

func requireFields(gw Name, fields map[string]string) error {
	var missing []string
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sortStrings(missing)
	return &ConfigError{Gateway: gw, Missing: missing}
}

// IsUnknownOutcome reports whether a money-moving call may or may not have
// taken effect. Callers must re-verify instead of retrying blindly.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnknownOutcome)
}

// IsRetryable reports whether err is a transient provider or network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsUnknownOutcome(err) {
		return true
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode == 0 || gwErr.StatusCode == 429 || gwErr.StatusCode >= 500
	}
	return false
}
