package mpesa

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tulipay/mpesa-gateway/internal/models"
)

// ErrUnknownShape means the payload matched neither recognized envelope
// casing. The ingestor answers 400 only for this error.
var ErrUnknownShape = errors.New("callback payload matches no known envelope shape")

// The provider has shipped the same envelope under two casings over the
// years. Each gets its own parse function; they are tried in sequence and
// an unmatched payload falls through to ErrUnknownShape instead of
// defaulting fields to zero values.
type stkCallbackBody struct {
	MerchantRequestID string  `json:"MerchantRequestID"`
	CheckoutRequestID string  `json:"CheckoutRequestID"`
	ResultCode        jsonInt `json:"ResultCode"`
	ResultDesc        string  `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback normalizes a raw webhook body into a CallbackOutcome.
func ParseCallback(raw []byte) (*models.CallbackOutcome, error) {
	if out, ok := parseLowerEnvelope(raw); ok {
		return out, nil
	}
	if out, ok := parseUpperEnvelope(raw); ok {
		return out, nil
	}
	return nil, ErrUnknownShape
}

func parseLowerEnvelope(raw []byte) (*models.CallbackOutcome, bool) {
	var envelope struct {
		Body struct {
			StkCallback *stkCallbackBody `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false
	}
	return normalize(envelope.Body.StkCallback)
}

func parseUpperEnvelope(raw []byte) (*models.CallbackOutcome, bool) {
	var envelope struct {
		Body struct {
			StkCallback *stkCallbackBody `json:"StkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false
	}
	return normalize(envelope.Body.StkCallback)
}

func normalize(cb *stkCallbackBody) (*models.CallbackOutcome, bool) {
	if cb == nil || cb.CheckoutRequestID == "" {
		return nil, false
	}

	out := &models.CallbackOutcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        int(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
	}

	// Metadata items are matched by name. The provider does not guarantee
	// their order.
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if d, err := itemDecimal(item.Value); err == nil {
					out.Amount = d
				}
			case "MpesaReceiptNumber":
				out.ReceiptNumber = itemString(item.Value)
			case "TransactionDate":
				out.TransactionDate = itemString(item.Value)
			case "PhoneNumber":
				out.PhoneNumber = itemString(item.Value)
			}
		}
	}

	return out, true
}

// itemString renders a metadata value that may arrive as a JSON string or
// number (phone numbers and dates come as bare numbers).
func itemString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func itemDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	return decimal.NewFromString(itemString(raw))
}
