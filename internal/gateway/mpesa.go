package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"settlement/internal/config"
)

var eat = time.FixedZone("EAT", 3*60*60)

// STK query while the customer still has the prompt open.
const mpesaStillProcessing = "500.001.1001"

// Result codes the buyer can recover from by retrying the prompt.
var mpesaRecoverable = map[string]bool{
	"1":    true, // insufficient balance
	"1032": true, // cancelled by user
	"1037": true, // phone unreachable / prompt timed out
	"2001": true, // wrong PIN
}

type mpesaGateway struct {
	cfg         config.MpesaConfig
	callbackURL string
	resultURL   string
	timeoutURL  string
	countryCode string
	client      *httpClient
	tokens      *TokenCache
	now         func() time.Time
}

// NewMpesa builds the Daraja adapter: STK push collection and B2C payouts.
func NewMpesa(cfg config.MpesaConfig, countryCode string, opts Options) (PaymentGateway, error) {
	if err := requireFields(Mpesa, map[string]string{
		"consumer_key":    cfg.ConsumerKey,
		"consumer_secret": cfg.ConsumerSecret,
		"short_code":      cfg.ShortCode,
		"passkey":         cfg.Passkey,
		"callback_url":    cfg.CallbackURL,
	}); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = "https://sandbox.safaricom.co.ke"
		if opts.Production {
			base = "https://api.safaricom.co.ke"
		}
	}
	var urls [3]string
	for i, raw := range []string{cfg.CallbackURL, cfg.ResultURL, cfg.TimeoutURL} {
		u, err := withToken(raw, cfg.CallbackToken)
		if err != nil {
			return nil, fmt.Errorf("mpesa callback url %q: %w", raw, err)
		}
		urls[i] = u
	}
	g := &mpesaGateway{
		cfg:         cfg,
		callbackURL: urls[0],
		resultURL:   urls[1],
		timeoutURL:  urls[2],
		countryCode: countryCode,
		client:      newHTTPClient(Mpesa, base, opts),
		now:         opts.Now,
	}
	g.tokens = NewTokenCache(Mpesa, opts.TokenMargin, g.fetchToken, opts.Store, opts.Now, opts.Logger)
	return g, nil
}

func (g *mpesaGateway) Name() Name { return Mpesa }

func (g *mpesaGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))
	var resp struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   flexInt `json:"expires_in"`
	}
	_, err := g.client.do(ctx, request{
		op:      "token",
		method:  http.MethodGet,
		path:    "/oauth/v1/generate?grant_type=client_credentials",
		headers: map[string]string{"Authorization": "Basic " + basic},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.AccessToken, g.now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
}

func (g *mpesaGateway) password() (password, timestamp string) {
	timestamp = g.now().In(eat).Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))
	return password, timestamp
}

func (g *mpesaGateway) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	msisdn, err := NormalizeMSISDN(req.Billing.Phone, g.countryCode)
	if err != nil {
		return nil, err
	}
	password, timestamp := g.password()
	body := map[string]interface{}{
		"BusinessShortCode": g.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount,
		"PartyA":            msisdn,
		"PartyB":            g.cfg.ShortCode,
		"PhoneNumber":       msisdn,
		"CallBackURL":       g.callbackURL,
		"AccountReference":  truncate(req.MerchantRef, 12),
		"TransactionDesc":   truncate(firstNonEmpty(req.Description, "Order "+req.OrderNo), 13),
	}
	var resp struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
	}
	var raw []byte
	err = g.tokens.withToken(ctx, func(token string) error {
		raw, err = g.client.do(ctx, request{op: "collect", method: http.MethodPost, path: "/mpesa/stkpush/v1/processrequest", headers: bearer(token), body: body}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &GatewayError{Gateway: Mpesa, Op: "collect", Body: string(raw), Err: errors.New("stk push rejected")}
	}
	return &CollectResult{
		Reference: resp.CheckoutRequestID,
		Prompt:    firstNonEmpty(resp.CustomerMessage, "Check your phone to complete the M-Pesa payment"),
		Raw:       raw,
	}, nil
}

func (g *mpesaGateway) VerifyStatus(ctx context.Context, reference string) (*PaymentState, error) {
	password, timestamp := g.password()
	body := map[string]interface{}{
		"BusinessShortCode": g.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": reference,
	}
	var resp struct {
		ResponseCode string  `json:"ResponseCode"`
		ResultCode   flexInt `json:"ResultCode"`
		ResultDesc   string  `json:"ResultDesc"`
		ErrorCode    string  `json:"errorCode"`
	}
	var raw []byte
	err := g.tokens.withToken(ctx, func(token string) error {
		var err error
		raw, err = g.client.do(ctx, request{op: "verify", method: http.MethodPost, path: "/mpesa/stkpushquery/v1/query", headers: bearer(token), body: body}, &resp)
		return err
	})
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && strings.Contains(gwErr.Body, mpesaStillProcessing) {
			return &PaymentState{Status: StatusPending, Code: mpesaStillProcessing, Description: "transaction is being processed", Raw: []byte(gwErr.Body)}, nil
		}
		return nil, err
	}

	code := resp.ResultCode.String()
	state := &PaymentState{Code: code, Description: resp.ResultDesc, Raw: raw}
	switch {
	case code == "0":
		state.Status = StatusCompleted
	case mpesaRecoverable[code]:
		state.Status = StatusFailed
		state.Recoverable = true
	default:
		state.Status = StatusFailed
	}
	return state, nil
}

func (g *mpesaGateway) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	if err := requireFields(Mpesa, map[string]string{
		"initiator_name":      g.cfg.InitiatorName,
		"security_credential": g.cfg.SecurityCredential,
		"b2c_short_code":      g.cfg.B2CShortCode,
		"result_url":          g.cfg.ResultURL,
		"timeout_url":         g.cfg.TimeoutURL,
	}); err != nil {
		return nil, err
	}
	msisdn, err := NormalizeMSISDN(req.Destination, g.countryCode)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"OriginatorConversationID": req.Reference,
		"InitiatorName":            g.cfg.InitiatorName,
		"SecurityCredential":       g.cfg.SecurityCredential,
		"CommandID":                "BusinessPayment",
		"Amount":                   req.Amount,
		"PartyA":                   g.cfg.B2CShortCode,
		"PartyB":                   msisdn,
		"Remarks":                  truncate(firstNonEmpty(req.Narrative, "Vendor payout"), 100),
		"QueueTimeOutURL":          g.timeoutURL,
		"ResultURL":                g.resultURL,
		"Occasion":                 truncate(req.Reference, 100),
	}
	var resp struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDescription      string `json:"ResponseDescription"`
	}
	var raw []byte
	err = g.tokens.withToken(ctx, func(token string) error {
		raw, err = g.client.do(ctx, request{op: "disburse", method: http.MethodPost, path: "/mpesa/b2c/v3/paymentrequest", headers: bearer(token), body: body}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &GatewayError{Gateway: Mpesa, Op: "disburse", Body: string(raw), Err: fmt.Errorf("b2c rejected: %s", resp.ResponseDescription)}
	}
	return &DisburseResult{TrackingID: firstNonEmpty(resp.OriginatorConversationID, req.Reference), Raw: raw}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
