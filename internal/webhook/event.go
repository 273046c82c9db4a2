// Package webhook turns inbound gateway callbacks into typed events.
//
// A callback only says "go check now": payment events carry the reference
// to re-verify, never a trusted status.
package webhook

import (
	"net/http"
	"net/url"

	"settlement/internal/gateway"
)

type Kind string

const (
	KindPayment Kind = "payment"
	KindPayout  Kind = "payout"
	// KindTransaction is used by rails that send the same shape for
	// collections and disbursements; the reference decides which it is.
	KindTransaction Kind = "transaction"
	KindIgnorable   Kind = "ignorable"
)

// Inbound is the raw HTTP request as received.
type Inbound struct {
	Method string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type Event struct {
	Kind    Kind
	Gateway gateway.Name
	// Reference is the rail's id for the charge or transfer.
	Reference string
	// MerchantRef is our own reference when the rail echoes it.
	MerchantRef string
	// StatusHint is what the callback claims. Payment callbacks are never
	// applied on it.
	StatusHint string
	// Succeeded is the callback's claimed outcome for a transfer.
	Succeeded bool
	// Authenticated is set when the callback carried a valid signature or
	// callback token.
	Authenticated bool
	// Description carries the rail's result text for support.
	Description string
	// Reason explains why an event is ignorable.
	Reason string
	// Ack is echoed by rails that expect a specific acknowledgement.
	Ack map[string]interface{}
}

func ignorable(gw gateway.Name, reason string) Event {
	return Event{Kind: KindIgnorable, Gateway: gw, Reason: reason}
}

// Acknowledgement returns the 200 body a rail expects back.
func Acknowledgement(ev Event) interface{} {
	switch ev.Gateway {
	case gateway.Mpesa:
		return map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"}
	case gateway.Pesapal:
		if ev.Ack != nil {
			return ev.Ack
		}
	}
	return map[string]interface{}{"status": "ok"}
}
