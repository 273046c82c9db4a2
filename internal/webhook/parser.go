package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"settlement/internal/gateway"
)

// Secrets verify callbacks on rails that sign them.
type Secrets struct {
	PaystackSecretKey     string
	FlutterwaveSecretHash string
	AirtelCallbackToken   string
	MpesaCallbackToken    string
}

type Parser struct {
	secrets Secrets
}

func NewParser(secrets Secrets) *Parser {
	return &Parser{secrets: secrets}
}

// Parse never fails: anything it cannot act on comes back as KindIgnorable
// with a reason, to be acknowledged and dropped.
func (p *Parser) Parse(gw gateway.Name, in Inbound) Event {
	if in.Method == http.MethodOptions {
		return ignorable(gw, "preflight")
	}
	switch gw {
	case gateway.Mpesa:
		return p.parseMpesa(in)
	case gateway.Airtel:
		return p.parseAirtel(in)
	case gateway.Pesapal:
		return p.parsePesapal(in)
	case gateway.Flutterwave:
		return p.parseFlutterwave(in)
	case gateway.Paystack:
		return p.parsePaystack(in)
	}
	return ignorable(gw, "unknown gateway")
}

func emptyBody(body []byte) bool {
	return len(bytes.TrimSpace(body)) == 0
}

// resultCode accepts a code sent as a number or a string.
type resultCode string

func (c *resultCode) UnmarshalJSON(data []byte) error {
	*c = resultCode(strings.Trim(string(bytes.TrimSpace(data)), `"`))
	return nil
}

// callbackToken checks the token we append to callback URLs on rails that do
// not sign their callbacks. ok is false when a token is configured and the
// request does not carry it.
func callbackToken(in Inbound, secret string) (authenticated, ok bool) {
	if secret == "" {
		return false, true
	}
	if !equalSecret(in.Query.Get("token"), secret) {
		return false, false
	}
	return true, true
}

func (p *Parser) parseMpesa(in Inbound) Event {
	authenticated, ok := callbackToken(in, p.secrets.MpesaCallbackToken)
	if !ok {
		return ignorable(gateway.Mpesa, "bad callback token")
	}
	if emptyBody(in.Body) {
		return ignorable(gateway.Mpesa, "empty body")
	}
	if !json.Valid(in.Body) {
		return ignorable(gateway.Mpesa, "malformed json")
	}

	if conforms(mpesaSTKLoader, in.Body) {
		var cb struct {
			Body struct {
				StkCallback struct {
					MerchantRequestID string     `json:"MerchantRequestID"`
					CheckoutRequestID string     `json:"CheckoutRequestID"`
					ResultCode        resultCode `json:"ResultCode"`
					ResultDesc        string     `json:"ResultDesc"`
				} `json:"stkCallback"`
			} `json:"Body"`
		}
		if err := json.Unmarshal(in.Body, &cb); err != nil {
			return ignorable(gateway.Mpesa, "malformed json")
		}
		stk := cb.Body.StkCallback
		return Event{
			Kind:        KindPayment,
			Gateway:     gateway.Mpesa,
			Reference:   stk.CheckoutRequestID,
			StatusHint:    string(stk.ResultCode),
			Description:   stk.ResultDesc,
			Authenticated: authenticated,
		}
	}

	if conforms(mpesaB2CLoader, in.Body) {
		var cb struct {
			Result struct {
				ResultCode               resultCode `json:"ResultCode"`
				ResultDesc               string     `json:"ResultDesc"`
				OriginatorConversationID string     `json:"OriginatorConversationID"`
				TransactionID            string     `json:"TransactionID"`
			} `json:"Result"`
		}
		if err := json.Unmarshal(in.Body, &cb); err != nil {
			return ignorable(gateway.Mpesa, "malformed json")
		}
		r := cb.Result
		return Event{
			Kind:        KindPayout,
			Gateway:     gateway.Mpesa,
			Reference:   r.OriginatorConversationID,
			StatusHint:    string(r.ResultCode),
			Succeeded:     r.ResultCode == "0",
			Description:   firstNonEmpty(r.ResultDesc, r.TransactionID),
			Authenticated: authenticated,
		}
	}
	return ignorable(gateway.Mpesa, "unrecognised payload")
}

func (p *Parser) parseAirtel(in Inbound) Event {
	authenticated, ok := callbackToken(in, p.secrets.AirtelCallbackToken)
	if !ok {
		return ignorable(gateway.Airtel, "bad callback token")
	}
	if emptyBody(in.Body) {
		return ignorable(gateway.Airtel, "empty body")
	}
	if !json.Valid(in.Body) {
		return ignorable(gateway.Airtel, "malformed json")
	}
	if !conforms(airtelLoader, in.Body) {
		return ignorable(gateway.Airtel, "unrecognised payload")
	}
	var cb struct {
		Transaction struct {
			ID            string `json:"id"`
			Message       string `json:"message"`
			StatusCode    string `json:"status_code"`
			AirtelMoneyID string `json:"airtel_money_id"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(in.Body, &cb); err != nil {
		return ignorable(gateway.Airtel, "malformed json")
	}
	tx := cb.Transaction
	return Event{
		Kind:        KindTransaction,
		Gateway:     gateway.Airtel,
		Reference:   tx.ID,
		MerchantRef: tx.ID,
		StatusHint:    tx.StatusCode,
		Succeeded:     tx.StatusCode == "TS",
		Description:   tx.Message,
		Authenticated: authenticated,
	}
}

// parsePesapal reads the IPN either from the query string (GET IPN or the
// buyer's browser redirect) or from a JSON body (POST IPN).
func (p *Parser) parsePesapal(in Inbound) Event {
	body := in.Body
	if in.Query.Get("OrderTrackingId") != "" {
		fields := map[string]string{}
		for _, k := range []string{"OrderTrackingId", "OrderMerchantReference", "OrderNotificationType"} {
			if v := in.Query.Get(k); v != "" {
				fields[k] = v
			}
		}
		body, _ = json.Marshal(fields)
	}
	if emptyBody(body) {
		return ignorable(gateway.Pesapal, "empty body")
	}
	if !json.Valid(body) {
		return ignorable(gateway.Pesapal, "malformed json")
	}
	if !conforms(pesapalLoader, body) {
		return ignorable(gateway.Pesapal, "unrecognised payload")
	}
	var ipn struct {
		OrderTrackingID        string `json:"OrderTrackingId"`
		OrderMerchantReference string `json:"OrderMerchantReference"`
		OrderNotificationType  string `json:"OrderNotificationType"`
	}
	if err := json.Unmarshal(body, &ipn); err != nil {
		return ignorable(gateway.Pesapal, "malformed json")
	}
	return Event{
		Kind:        KindPayment,
		Gateway:     gateway.Pesapal,
		Reference:   ipn.OrderTrackingID,
		MerchantRef: ipn.OrderMerchantReference,
		StatusHint:  ipn.OrderNotificationType,
		Ack: map[string]interface{}{
			"orderNotificationType":  ipn.OrderNotificationType,
			"orderTrackingId":        ipn.OrderTrackingID,
			"orderMerchantReference": ipn.OrderMerchantReference,
			"status":                 200,
		},
	}
}

func (p *Parser) parseFlutterwave(in Inbound) Event {
	if p.secrets.FlutterwaveSecretHash == "" {
		return ignorable(gateway.Flutterwave, "secret hash not configured")
	}
	if !equalSecret(in.Header.Get("verif-hash"), p.secrets.FlutterwaveSecretHash) {
		return ignorable(gateway.Flutterwave, "bad signature")
	}
	if emptyBody(in.Body) {
		return ignorable(gateway.Flutterwave, "empty body")
	}
	if !json.Valid(in.Body) {
		return ignorable(gateway.Flutterwave, "malformed json")
	}
	if !conforms(flutterwaveLoader, in.Body) {
		return ignorable(gateway.Flutterwave, "unrecognised payload")
	}
	var cb struct {
		Event string `json:"event"`
		Data  struct {
			TxRef           string `json:"tx_ref"`
			Reference       string `json:"reference"`
			Status          string `json:"status"`
			CompleteMessage string `json:"complete_message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(in.Body, &cb); err != nil {
		return ignorable(gateway.Flutterwave, "malformed json")
	}

	switch {
	case strings.HasPrefix(cb.Event, "charge."):
		if cb.Data.TxRef == "" {
			return ignorable(gateway.Flutterwave, "missing tx_ref")
		}
		return Event{Kind: KindPayment, Gateway: gateway.Flutterwave, Reference: cb.Data.TxRef, MerchantRef: cb.Data.TxRef, StatusHint: cb.Data.Status, Authenticated: true}
	case strings.HasPrefix(cb.Event, "transfer."):
		if cb.Data.Reference == "" {
			return ignorable(gateway.Flutterwave, "missing transfer reference")
		}
		return Event{
			Kind:        KindPayout,
			Gateway:       gateway.Flutterwave,
			Reference:     cb.Data.Reference,
			StatusHint:    cb.Data.Status,
			Succeeded:     strings.EqualFold(cb.Data.Status, "SUCCESSFUL"),
			Description:   cb.Data.CompleteMessage,
			Authenticated: true,
		}
	}
	return ignorable(gateway.Flutterwave, "unhandled event "+strconv.Quote(cb.Event))
}

func (p *Parser) parsePaystack(in Inbound) Event {
	if p.secrets.PaystackSecretKey == "" {
		return ignorable(gateway.Paystack, "secret key not configured")
	}
	if !validPaystackSignature(in.Body, in.Header.Get("x-paystack-signature"), p.secrets.PaystackSecretKey) {
		return ignorable(gateway.Paystack, "bad signature")
	}
	if emptyBody(in.Body) {
		return ignorable(gateway.Paystack, "empty body")
	}
	if !json.Valid(in.Body) {
		return ignorable(gateway.Paystack, "malformed json")
	}
	if !conforms(paystackLoader, in.Body) {
		return ignorable(gateway.Paystack, "unrecognised payload")
	}
	var cb struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Reason    string `json:"reason"`
		} `json:"data"`
	}
	if err := json.Unmarshal(in.Body, &cb); err != nil {
		return ignorable(gateway.Paystack, "malformed json")
	}

	switch {
	case strings.HasPrefix(cb.Event, "charge."):
		return Event{Kind: KindPayment, Gateway: gateway.Paystack, Reference: cb.Data.Reference, MerchantRef: cb.Data.Reference, StatusHint: cb.Data.Status, Authenticated: true}
	case strings.HasPrefix(cb.Event, "transfer."):
		return Event{
			Kind:        KindPayout,
			Gateway:       gateway.Paystack,
			Reference:     cb.Data.Reference,
			StatusHint:    cb.Event,
			Succeeded:     cb.Event == "transfer.success",
			Description:   cb.Data.Reason,
			Authenticated: true,
		}
	}
	return ignorable(gateway.Paystack, "unhandled event "+strconv.Quote(cb.Event))
}

// SignPaystack returns the x-paystack-signature value for body.
func SignPaystack(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validPaystackSignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected := SignPaystack(body, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func equalSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
