package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"settlement/internal/config"
)

type airtelStatus struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ResultCode string `json:"result_code"`
	Success    bool   `json:"success"`
}

type airtelGateway struct {
	cfg         config.AirtelConfig
	countryCode string
	client      *httpClient
	tokens      *TokenCache
	now         func() time.Time
}

// NewAirtel builds the Airtel Money adapter: USSD push collection and
// disbursement.
func NewAirtel(cfg config.AirtelConfig, countryCode string, opts Options) (PaymentGateway, error) {
	if err := requireFields(Airtel, map[string]string{
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
		"country":       cfg.Country,
		"currency":      cfg.Currency,
	}); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = "https://openapiuat.airtel.africa"
		if opts.Production {
			base = "https://openapi.airtel.africa"
		}
	}
	g := &airtelGateway{cfg: cfg, countryCode: countryCode, client: newHTTPClient(Airtel, base, opts), now: opts.Now}
	g.tokens = NewTokenCache(Airtel, opts.TokenMargin, g.fetchToken, opts.Store, opts.Now, opts.Logger)
	return g, nil
}

func (g *airtelGateway) Name() Name { return Airtel }

func (g *airtelGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	var resp struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   flexInt `json:"expires_in"`
	}
	_, err := g.client.do(ctx, request{
		op:     "token",
		method: http.MethodPost,
		path:   "/auth/oauth2/token",
		body: map[string]string{
			"client_id":     g.cfg.ClientID,
			"client_secret": g.cfg.ClientSecret,
			"grant_type":    "client_credentials",
		},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.AccessToken, g.now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
}

func (g *airtelGateway) headers(token string) map[string]string {
	h := bearer(token)
	h["X-Country"] = g.cfg.Country
	h["X-Currency"] = g.cfg.Currency
	return h
}

func (g *airtelGateway) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	msisdn, err := NormalizeMSISDN(req.Billing.Phone, g.countryCode)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"reference": truncate(firstNonEmpty(req.Description, "Order "+req.OrderNo), 64),
		"subscriber": map[string]string{
			"country":  g.cfg.Country,
			"currency": g.cfg.Currency,
			"msisdn":   NationalNumber(msisdn, g.countryCode),
		},
		"transaction": map[string]interface{}{
			"amount":   req.Amount,
			"country":  g.cfg.Country,
			"currency": g.cfg.Currency,
			"id":       req.MerchantRef,
		},
	}
	var resp struct {
		Data struct {
			Transaction struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"transaction"`
		} `json:"data"`
		Status airtelStatus `json:"status"`
	}
	var raw []byte
	err = g.tokens.withToken(ctx, func(token string) error {
		raw, err = g.client.do(ctx, request{op: "collect", method: http.MethodPost, path: "/merchant/v1/payments/", headers: g.headers(token), body: body}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !resp.Status.Success {
		return nil, &GatewayError{Gateway: Airtel, Op: "collect", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Status.Message, "payment request rejected"))}
	}
	return &CollectResult{
		Reference: firstNonEmpty(resp.Data.Transaction.ID, req.MerchantRef),
		Prompt:    "Check your phone to approve the Airtel Money payment",
		Raw:       raw,
	}, nil
}

func (g *airtelGateway) VerifyStatus(ctx context.Context, reference string) (*PaymentState, error) {
	var resp struct {
		Data struct {
			Transaction struct {
				AirtelMoneyID string `json:"airtel_money_id"`
				ID            string `json:"id"`
				Message       string `json:"message"`
				Status        string `json:"status"`
			} `json:"transaction"`
		} `json:"data"`
		Status airtelStatus `json:"status"`
	}
	var raw []byte
	err := g.tokens.withToken(ctx, func(token string) error {
		var err error
		raw, err = g.client.do(ctx, request{op: "verify", method: http.MethodGet, path: "/standard/v1/payments/" + url.PathEscape(reference), headers: g.headers(token)}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !resp.Status.Success {
		return nil, &GatewayError{Gateway: Airtel, Op: "verify", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Status.Message, "status query rejected"))}
	}

	tx := resp.Data.Transaction
	state := &PaymentState{Code: tx.Status, Description: tx.Message, Receipt: tx.AirtelMoneyID, Raw: raw}
	switch tx.Status {
	case "TS":
		state.Status = StatusCompleted
	case "TF":
		state.Status = StatusFailed
	case "TE":
		state.Status = StatusFailed
		state.Recoverable = true
	default: // TIP, TA
		state.Status = StatusPending
	}
	return state, nil
}

func (g *airtelGateway) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	if g.cfg.DisbursePIN == "" {
		return nil, &ConfigError{Gateway: Airtel, Missing: []string{"disburse_pin"}}
	}
	msisdn, err := NormalizeMSISDN(req.Destination, g.countryCode)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"payee":     map[string]string{"msisdn": NationalNumber(msisdn, g.countryCode)},
		"reference": truncate(firstNonEmpty(req.Narrative, "Vendor payout"), 64),
		"pin":       g.cfg.DisbursePIN,
		"transaction": map[string]interface{}{
			"amount": req.Amount,
			"id":     req.Reference,
		},
	}
	var resp struct {
		Data struct {
			Transaction struct {
				ReferenceID   string `json:"reference_id"`
				AirtelMoneyID string `json:"airtel_money_id"`
				ID            string `json:"id"`
				Status        string `json:"status"`
			} `json:"transaction"`
		} `json:"data"`
		Status airtelStatus `json:"status"`
	}
	var raw []byte
	err = g.tokens.withToken(ctx, func(token string) error {
		raw, err = g.client.do(ctx, request{op: "disburse", method: http.MethodPost, path: "/standard/v1/disbursements/", headers: g.headers(token), body: body}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !resp.Status.Success {
		return nil, &GatewayError{Gateway: Airtel, Op: "disburse", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Status.Message, "disbursement rejected"))}
	}
	return &DisburseResult{TrackingID: firstNonEmpty(resp.Data.Transaction.ID, req.Reference), Raw: raw}, nil
}

func (g *airtelGateway) VerifyPayout(ctx context.Context, trackingID string) (*PayoutState, error) {
	var resp struct {
		Data struct {
			Transaction struct {
				ID      string `json:"id"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"transaction"`
		} `json:"data"`
		Status airtelStatus `json:"status"`
	}
	var raw []byte
	err := g.tokens.withToken(ctx, func(token string) error {
		var err error
		raw, err = g.client.do(ctx, request{op: "verify_payout", method: http.MethodGet, path: "/standard/v1/disbursements/" + url.PathEscape(trackingID), headers: g.headers(token)}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	tx := resp.Data.Transaction
	state := &PayoutState{Code: tx.Status, Description: firstNonEmpty(tx.Message, resp.Status.Message), Raw: raw}
	switch tx.Status {
	case "TS":
		state.Status = StatusCompleted
	case "TF", "TE":
		state.Status = StatusFailed
	default:
		state.Status = StatusPending
	}
	return state, nil
}
