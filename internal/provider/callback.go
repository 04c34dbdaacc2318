package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"payment-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

// ErrMalformedCallback is returned for callback bodies that cannot be interpreted
var ErrMalformedCallback = errors.New("malformed payment callback")

// CallbackEnvelope is the JSON body the provider posts to the callback URL
type CallbackEnvelope struct {
	Body struct {
		StkCallback stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *callbackMetadata `json:"CallbackMetadata,omitempty"`
}

type callbackMetadata struct {
	Item []callbackItem `json:"Item"`
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback decodes a raw callback body into a notification
func ParseCallback(body []byte) (models.CallbackNotification, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.CallbackNotification{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	return env.Notification()
}

// Notification converts the envelope into the provider-neutral form. Amounts are
// parsed as decimals and must be whole currency units.
func (e *CallbackEnvelope) Notification() (models.CallbackNotification, error) {
	cb := e.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return models.CallbackNotification{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}

	n := models.CallbackNotification{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDescription: cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil || len(cb.CallbackMetadata.Item) == 0 {
		return n, nil
	}

	meta := &models.CallbackMetadata{}
	for _, item := range cb.CallbackMetadata.Item {
		raw := rawValue(item.Value)
		switch item.Name {
		case "Amount":
			amount, err := wholeUnits(raw)
			if err != nil {
				return models.CallbackNotification{}, fmt.Errorf("%w: Amount: %v", ErrMalformedCallback, err)
			}
			meta.Amount = amount
		case "Balance":
			if raw == "" {
				continue
			}
			balance, err := wholeUnits(raw)
			if err != nil {
				return models.CallbackNotification{}, fmt.Errorf("%w: Balance: %v", ErrMalformedCallback, err)
			}
			meta.Balance = balance
		case "MpesaReceiptNumber":
			meta.ReceiptNumber = raw
		case "TransactionDate":
			meta.TransactionDate = raw
		case "PhoneNumber":
			meta.PhoneNumber = raw
		}
	}
	n.Metadata = meta
	return n, nil
}

// BuildCallback produces the provider's JSON form of a notification
func BuildCallback(n models.CallbackNotification) CallbackEnvelope {
	var env CallbackEnvelope
	env.Body.StkCallback = stkCallback{
		MerchantRequestID: n.MerchantRequestID,
		CheckoutRequestID: n.CheckoutRequestID,
		ResultCode:        n.ResultCode,
		ResultDesc:        n.ResultDescription,
	}
	if m := n.Metadata; m != nil {
		items := []callbackItem{
			{Name: "Amount", Value: json.RawMessage(decimal.NewFromInt(m.Amount).StringFixed(2))},
			{Name: "MpesaReceiptNumber", Value: scalar(m.ReceiptNumber)},
		}
		if m.TransactionDate != "" {
			items = append(items, callbackItem{Name: "TransactionDate", Value: scalar(m.TransactionDate)})
		}
		if m.PhoneNumber != "" {
			items = append(items, callbackItem{Name: "PhoneNumber", Value: scalar(m.PhoneNumber)})
		}
		env.Body.StkCallback.CallbackMetadata = &callbackMetadata{Item: items}
	}
	return env
}

func wholeUnits(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("fractional amount %s", raw)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", raw)
	}
	return d.IntPart(), nil
}

// rawValue returns a JSON scalar as its literal text, unquoting strings
func rawValue(v json.RawMessage) string {
	s := strings.TrimSpace(string(v))
	if s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if json.Unmarshal(v, &out) == nil {
			return out
		}
	}
	return s
}

// scalar encodes all-digit values as JSON numbers the way the provider does
func scalar(s string) json.RawMessage {
	numeric := s != ""
	for _, r := range s {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
