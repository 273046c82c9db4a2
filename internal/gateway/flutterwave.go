package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"settlement/internal/config"

	"github.com/shopspring/decimal"
)

type flutterwaveGateway struct {
	cfg         config.FlutterwaveConfig
	countryCode string
	client      *httpClient
}

// NewFlutterwave builds the hosted-checkout adapter. Flutterwave authenticates
// with the static secret key, so there is no token cache.
func NewFlutterwave(cfg config.FlutterwaveConfig, countryCode string, opts Options) (PaymentGateway, error) {
	if err := requireFields(Flutterwave, map[string]string{
		"secret_key":   cfg.SecretKey,
		"redirect_url": cfg.RedirectURL,
	}); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.flutterwave.com"
	}
	return &flutterwaveGateway{cfg: cfg, countryCode: countryCode, client: newHTTPClient(Flutterwave, base, opts)}, nil
}

func (g *flutterwaveGateway) Name() Name { return Flutterwave }

func (g *flutterwaveGateway) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	name := strings.TrimSpace(req.Billing.FirstName + " " + req.Billing.LastName)
	body := map[string]interface{}{
		"tx_ref":       req.MerchantRef,
		"amount":       req.Amount,
		"currency":     req.Currency,
		"redirect_url": g.cfg.RedirectURL,
		"customer": map[string]string{
			"email":       req.Billing.Email,
			"phonenumber": req.Billing.Phone,
			"name":        name,
		},
		"customizations": map[string]string{
			"title":       "Order " + req.OrderNo,
			"description": firstNonEmpty(req.Description, "Order "+req.OrderNo),
		},
		"meta": map[string]string{"order_no": req.OrderNo},
	}
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{op: "collect", method: http.MethodPost, path: "/v3/payments", headers: bearer(g.cfg.SecretKey), body: body}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return nil, &GatewayError{Gateway: Flutterwave, Op: "collect", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Message, "payment link not created"))}
	}
	return &CollectResult{Reference: req.MerchantRef, RedirectURL: resp.Data.Link, Raw: raw}, nil
}

func (g *flutterwaveGateway) VerifyStatus(ctx context.Context, reference string) (*PaymentState, error) {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			ID            flexInt         `json:"id"`
			TxRef         string          `json:"tx_ref"`
			FlwRef        string          `json:"flw_ref"`
			Amount        decimal.Decimal `json:"amount"`
			ChargedAmount decimal.Decimal `json:"charged_amount"`
			Currency      string          `json:"currency"`
			Status        string          `json:"status"`
			ProcessorResp string          `json:"processor_response"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{
		op:      "verify",
		method:  http.MethodGet,
		path:    "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference),
		headers: bearer(g.cfg.SecretKey),
	}, &resp)
	if statusOf(err) == http.StatusNotFound {
		// no transaction yet: the buyer has not finished checkout
		return &PaymentState{Status: StatusPending, Code: "not_found", Raw: raw}, nil
	}
	if err != nil {
		return nil, err
	}

	d := resp.Data
	state := &PaymentState{
		Code:        d.Status,
		Description: firstNonEmpty(d.ProcessorResp, resp.Message),
		Receipt:     d.FlwRef,
		Amount:      d.Amount.Round(0).IntPart(),
		Currency:    d.Currency,
		Raw:         raw,
	}
	switch strings.ToLower(d.Status) {
	case "successful":
		state.Status = StatusCompleted
	case "failed":
		state.Status = StatusFailed
		state.Recoverable = true
	case "cancelled":
		state.Status = StatusFailed
	default:
		state.Status = StatusPending
	}
	return state, nil
}

func (g *flutterwaveGateway) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	msisdn, err := NormalizeMSISDN(req.Destination, g.countryCode)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"account_bank":     firstNonEmpty(g.cfg.BankCode, "MPS"),
		"account_number":   msisdn,
		"amount":           req.Amount,
		"currency":         req.Currency,
		"beneficiary_name": req.AccountName,
		"narration":        truncate(firstNonEmpty(req.Narrative, "Vendor payout"), 100),
		"reference":        req.Reference,
	}
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			ID        flexInt `json:"id"`
			Reference string  `json:"reference"`
			Status    string  `json:"status"`
		} `json:"data"`
	}
	raw, err := g.client.do(ctx, request{op: "disburse", method: http.MethodPost, path: "/v3/transfers", headers: bearer(g.cfg.SecretKey), body: body}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, &GatewayError{Gateway: Flutterwave, Op: "disburse", Body: string(raw), Err: errors.New(firstNonEmpty(resp.Message, "transfer rejected"))}
	}
	return &DisburseResult{TrackingID: firstNonEmpty(resp.Data.Reference, req.Reference), Raw: raw}, nil
}
