package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidMSISDN is returned for payer references that are not a valid mobile number
var ErrInvalidMSISDN = errors.New("invalid payer phone number")

// PushRequest asks the provider to prompt a payer for payment
type PushRequest struct {
	OrderID        string
	PayerReference string
	Amount         int64
	Description    string
}

// PushResponse is the provider's synchronous answer to a push. The payment
// outcome arrives later as a callback.
type PushResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// Accepted reports whether the provider accepted the push for processing
func (r *PushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// StatusResult is the provider's view of a previously initiated push
type StatusResult struct {
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	// Pending is true while the payer has not yet answered the prompt.
	Pending           bool   `json:"pending"`
	ResultCode        int    `json:"result_code"`
	ResultDescription string `json:"result_description"`
}

// Client is a push-to-pay provider
type Client interface {
	// InitiatePush sends a payment prompt to the payer's handset.
	InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error)

	// QueryStatus asks the provider for the outcome of an earlier push.
	QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
}

// NormalizeMSISDN converts the local and international spellings of a Kenyan
// mobile number (07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX, 2547XXXXXXXX, 7XXXXXXXX)
// to the 254XXXXXXXXX form the provider expects.
func NormalizeMSISDN(ref string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(ref))
	s = strings.TrimPrefix(s, "+")

	switch {
	case len(s) == 10 && s[0] == '0':
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	}

	if len(s) != 12 || !strings.HasPrefix(s, "254") {
		return "", ErrInvalidMSISDN
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", ErrInvalidMSISDN
		}
	}
	if s[3] != '7' && s[3] != '1' {
		return "", ErrInvalidMSISDN
	}
	return s, nil
}
