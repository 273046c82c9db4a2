package idgen

import (
	"log"

	nanoid "github.com/jaevor/go-nanoid"
)

// Merchant references are sent to every rail, so they use the strictest
// common format: 12 alphanumeric characters (M-Pesa AccountReference limit,
// no punctuation for Paystack).
const (
	merchantRefAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	merchantRefLength   = 12
)

var merchantRef func() string

func init() {
	gen, err := nanoid.CustomASCII(merchantRefAlphabet, merchantRefLength)
	if err != nil {
		log.Fatalf("init merchant reference generator: %v", err)
	}
	merchantRef = gen
}

// GenerateMerchantRef returns a fresh reference for one collection attempt.
func GenerateMerchantRef() string {
	return merchantRef()
}
