package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"settlement/internal/config"
)

// Paystack amounts are in the currency's subunit.
const paystackSubunit = 100

type paystackGateway struct {
	cfg         config.PaystackConfig
	countryCode string
	client      *httpClient
}

// NewPaystack builds the card/mobile money checkout adapter.
func NewPaystack(cfg config.PaystackConfig, countryCode string, opts Options) (PaymentGateway, error) {
	if err := requireFields(Paystack, map[string]string{
		"secret_key": cfg.SecretKey,
	}); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.paystack.co"
	}
	return &paystackGateway{cfg: cfg, countryCode: countryCode, client: newHTTPClient(Paystack, base, opts)}, nil
}

func (g *paystackGateway) Name() Name { return Paystack }

type paystackEnvelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

func (g *paystackGateway) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	if strings.TrimSpace(req.Billing.Email) == "" {
		return nil, fmt.Errorf("%w: paystack requires a customer email", ErrInvalidRequest)
	}
	body := map[string]interface{}{
		"email":     req.Billing.Email,
		"amount":    req.Amount * paystackSubunit,
		"currency":  req.Currency,
		"reference": req.MerchantRef,
		"metadata":  map[string]string{"order_no": req.OrderNo},
	}
	if g.cfg.CallbackURL != "" {
		body["callback_url"] = g.cfg.CallbackURL
	}
	var resp struct {
		paystackEnvelope
		Data struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{op: "collect", method: http.MethodPost, path: "/transaction/initialize", headers: bearer(g.cfg.SecretKey), body: body}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status || resp.Data.AuthorizationURL == "" {
		return nil, &GatewayError{Gateway: Paystack, Op: "collect", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Message, "transaction not initialized"))}
	}
	return &CollectResult{
		Reference:   firstNonEmpty(resp.Data.Reference, req.MerchantRef),
		RedirectURL: resp.Data.AuthorizationURL,
		Raw:         raw,
	}, nil
}

func (g *paystackGateway) VerifyStatus(ctx context.Context, reference string) (*PaymentState, error) {
	var resp struct {
		paystackEnvelope
		Data struct {
			Status          string  `json:"status"`
			Reference       string  `json:"reference"`
			Amount          flexInt `json:"amount"`
			Currency        string  `json:"currency"`
			GatewayResponse string  `json:"gateway_response"`
			ID              flexInt `json:"id"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{
		op:      "verify",
		method:  http.MethodGet,
		path:    "/transaction/verify/" + url.PathEscape(reference),
		headers: bearer(g.cfg.SecretKey),
	}, &resp)
	if err != nil {
		return nil, err
	}

	d := resp.Data
	state := &PaymentState{
		Code:        d.Status,
		Description: firstNonEmpty(d.GatewayResponse, resp.Message),
		Amount:      int64(d.Amount) / paystackSubunit,
		Currency:    d.Currency,
		Raw:         raw,
	}
	if d.ID != 0 {
		state.Receipt = d.ID.String()
	}
	switch d.Status {
	case "success":
		state.Status = StatusCompleted
	case "failed":
		state.Status = StatusFailed
		state.Recoverable = true
	case "reversed":
		state.Status = StatusFailed
	default: // abandoned, ongoing, pending, processing, queued
		state.Status = StatusPending
	}
	return state, nil
}

func (g *paystackGateway) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	msisdn, err := NormalizeMSISDN(req.Destination, g.countryCode)
	if err != nil {
		return nil, err
	}

	var recipient struct {
		paystackEnvelope
		Data struct {
			RecipientCode string `json:"recipient_code"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{
		op:      "transfer_recipient",
		method:  http.MethodPost,
		path:    "/transferrecipient",
		headers: bearer(g.cfg.SecretKey),
		body: map[string]string{
			"type":           "mobile_money",
			"name":           firstNonEmpty(req.AccountName, msisdn),
			"account_number": "0" + NationalNumber(msisdn, g.countryCode),
			"bank_code":      firstNonEmpty(g.cfg.BankCode, "MPESA"),
			"currency":       req.Currency,
		},
	}, &recipient)
	if err != nil {
		return nil, err
	}
	if !recipient.Status || recipient.Data.RecipientCode == "" {
		return nil, &GatewayError{Gateway: Paystack, Op: "transfer_recipient", Body: string(raw), Err: errors.New(firstNonEmpty(recipient.Message, "recipient not created"))}
	}

	var resp struct {
		paystackEnvelope
		Data struct {
			TransferCode string `json:"transfer_code"`
			Reference    string `json:"reference"`
			Status       string `json:"status"`
		} `json:"data"`
	}
	raw, err = g.client.do(ctx, request{
		op:      "disburse",
		method:  http.MethodPost,
		path:    "/transfer",
		headers: bearer(g.cfg.SecretKey),
		body: map[string]interface{}{
			"source":    "balance",
			"amount":    req.Amount * paystackSubunit,
			"recipient": recipient.Data.RecipientCode,
			"reason":    truncate(firstNonEmpty(req.Narrative, "Vendor payout"), 100),
			"reference": req.Reference,
			"currency":  req.Currency,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &GatewayError{Gateway: Paystack, Op: "disburse", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Message, "transfer rejected"))}
	}
	return &DisburseResult{TrackingID: firstNonEmpty(resp.Data.Reference, req.Reference), Raw: raw}, nil
}

func (g *paystackGateway) VerifyPayout(ctx context.Context, trackingID string) (*PayoutState, error) {
	var resp struct {
		paystackEnvelope
		Data struct {
			Status    string `json:"status"`
			Reference string `json:"reference"`
			Reason    string `json:"reason"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{
		op:      "verify_payout",
		method:  http.MethodGet,
		path:    "/transfer/verify/" + url.PathEscape(trackingID),
		headers: bearer(g.cfg.SecretKey),
	}, &resp)
	if err != nil {
		return nil, err
	}
	state := &PayoutState{Code: resp.Data.Status, Description: firstNonEmpty(resp.Data.Reason, resp.Message), Raw: raw}
	switch resp.Data.Status {
	case "success":
		state.Status = StatusCompleted
	case "failed", "reversed", "abandoned", "rejected":
		state.Status = StatusFailed
	default: // otp, pending, received
		state.Status = StatusPending
	}
	return state, nil
}
