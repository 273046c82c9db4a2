package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"settlement/internal/config"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type pesapalError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type pesapalGateway struct {
	cfg    config.PesapalConfig
	client *httpClient
	tokens *TokenCache
	store  ProviderStore

	ipnMu sync.RWMutex
	ipnID string
	ipnSF singleflight.Group
}

// NewPesapal builds the hosted-checkout adapter. The buyer is redirected to
// Pesapal and the result arrives as an IPN carrying a tracking id.
func NewPesapal(cfg config.PesapalConfig, opts Options) (PaymentGateway, error) {
	if err := requireFields(Pesapal, map[string]string{
		"consumer_key":    cfg.ConsumerKey,
		"consumer_secret": cfg.ConsumerSecret,
		"ipn_url":         cfg.IPNURL,
		"callback_url":    cfg.CallbackURL,
	}); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = "https://cybqa.pesapal.com/pesapalv3"
		if opts.Production {
			base = "https://pay.pesapal.com/v3"
		}
	}
	g := &pesapalGateway{cfg: cfg, client: newHTTPClient(Pesapal, base, opts), store: opts.Store}
	g.tokens = NewTokenCache(Pesapal, opts.TokenMargin, g.fetchToken, opts.Store, opts.Now, opts.Logger)
	return g, nil
}

func (g *pesapalGateway) Name() Name { return Pesapal }

func (g *pesapalGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	var resp struct {
		Token      string        `json:"token"`
		ExpiryDate time.Time     `json:"expiryDate"`
		Error      *pesapalError `json:"error"`
		Status     string        `json:"status"`
	}
	raw, err := g.client.do(ctx, request{
		op:     "token",
		method: http.MethodPost,
		path:   "/api/Auth/RequestToken",
		body:   map[string]string{"consumer_key": g.cfg.ConsumerKey, "consumer_secret": g.cfg.ConsumerSecret},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.Error != nil {
		return "", time.Time{}, &GatewayError{Gateway: Pesapal, Op: "token", Body: string(raw), Err: errors.New(resp.Error.Message)}
	}
	return resp.Token, resp.ExpiryDate, nil
}

// notificationID registers the IPN URL once and reuses the returned id, from
// memory or from the provider config row.
func (g *pesapalGateway) notificationID(ctx context.Context) (string, error) {
	g.ipnMu.RLock()
	id := g.ipnID
	g.ipnMu.RUnlock()
	if id != "" {
		return id, nil
	}

	v, err, _ := g.ipnSF.Do("ipn", func() (interface{}, error) {
		if g.store != nil {
			if id, err := g.store.LoadCallbackID(ctx, string(Pesapal)); err == nil && id != "" {
				return id, nil
			}
		}
		var resp struct {
			IPNID string        `json:"ipn_id"`
			URL   string        `json:"url"`
			Error *pesapalError `json:"error"`
		}
		var raw []byte
		err := g.tokens.withToken(ctx, func(token string) error {
			var err error
			raw, err = g.client.do(ctx, request{
				op:      "register_ipn",
				method:  http.MethodPost,
				path:    "/api/URLSetup/RegisterIPN",
				headers: bearer(token),
				body:    map[string]string{"url": g.cfg.IPNURL, "ipn_notification_type": "GET"},
			}, &resp)
			return err
		})
		if err != nil {
			return "", err
		}
		if resp.Error != nil || resp.IPNID == "" {
			return "", &GatewayError{Gateway: Pesapal, Op: "register_ipn", Body: string(raw), Err: errors.New("ipn registration rejected")}
		}
		if g.store != nil {
			_ = g.store.SaveCallbackID(ctx, string(Pesapal), resp.IPNID)
		}
		return resp.IPNID, nil
	})
	if err != nil {
		return "", err
	}
	id = v.(string)
	g.ipnMu.Lock()
	g.ipnID = id
	g.ipnMu.Unlock()
	return id, nil
}

func (g *pesapalGateway) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	ipnID, err := g.notificationID(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"id":              req.MerchantRef,
		"currency":        req.Currency,
		"amount":          req.Amount,
		"description":     truncate(firstNonEmpty(req.Description, "Order "+req.OrderNo), 100),
		"callback_url":    g.cfg.CallbackURL,
		"notification_id": ipnID,
		"billing_address": map[string]string{
			"email_address": req.Billing.Email,
			"phone_number":  req.Billing.Phone,
			"country_code":  req.Billing.CountryCode,
			"first_name":    req.Billing.FirstName,
			"last_name":     req.Billing.LastName,
			"line_1":        req.Billing.AddressLine,
			"city":          req.Billing.City,
		},
	}
	var resp struct {
		OrderTrackingID   string        `json:"order_tracking_id"`
		MerchantReference string        `json:"merchant_reference"`
		RedirectURL       string        `json:"redirect_url"`
		Error             *pesapalError `json:"error"`
		Status            string        `json:"status"`
	}
	var raw []byte
	err = g.tokens.withToken(ctx, func(token string) error {
		raw, err = g.client.do(ctx, request{op: "collect", method: http.MethodPost, path: "/api/Transactions/SubmitOrderRequest", headers: bearer(token), body: body}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil || resp.OrderTrackingID == "" || resp.RedirectURL == "" {
		return nil, &GatewayError{Gateway: Pesapal, Op: "collect", Body: string(raw), Err: errors.New("order request rejected")}
	}
	return &CollectResult{Reference: resp.OrderTrackingID, RedirectURL: resp.RedirectURL, Raw: raw}, nil
}

func (g *pesapalGateway) VerifyStatus(ctx context.Context, reference string) (*PaymentState, error) {
	var resp struct {
		PaymentMethod            string          `json:"payment_method"`
		Amount                   decimal.Decimal `json:"amount"`
		ConfirmationCode         string          `json:"confirmation_code"`
		PaymentStatusDescription string          `json:"payment_status_description"`
		Description              string          `json:"description"`
		StatusCode               flexInt         `json:"status_code"`
		MerchantReference        string          `json:"merchant_reference"`
		Currency                 string          `json:"currency"`
		Error                    *pesapalError   `json:"error"`
	}
	var raw []byte
	err := g.tokens.withToken(ctx, func(token string) error {
		var err error
		raw, err = g.client.do(ctx, request{
			op:      "verify",
			method:  http.MethodGet,
			path:    "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(reference),
			headers: bearer(token),
		}, &resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil && resp.Error.Code != "" && resp.StatusCode == 0 && resp.PaymentStatusDescription == "" {
		return nil, &GatewayError{Gateway: Pesapal, Op: "verify", Body: string(raw), Err: errors.New(resp.Error.Message)}
	}

	state := &PaymentState{
		Code:        resp.StatusCode.String(),
		Description: firstNonEmpty(resp.PaymentStatusDescription, resp.Description),
		Receipt:     resp.ConfirmationCode,
		Amount:      resp.Amount.Round(0).IntPart(),
		Currency:    resp.Currency,
		Raw:         raw,
	}
	switch resp.StatusCode {
	case 1:
		state.Status = StatusCompleted
	case 2:
		state.Status = StatusFailed
		state.Recoverable = true
	case 3:
		state.Status = StatusFailed
	default: // 0: not yet paid
		state.Status = StatusPending
	}
	return state, nil
}

func (g *pesapalGateway) Disburse(context.Context, DisburseRequest) (*DisburseResult, error) {
	return nil, ErrDisbursementUnsupported
}
