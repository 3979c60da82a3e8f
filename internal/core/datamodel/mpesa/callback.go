package mpesa

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frahmantamala/soko-payments/internal"
)

const (
	ResultSuccess Code = 0

	MetadataReceiptNumber = "MpesaReceiptNumber"
	// receiptFallbackIndex is where the receipt sits when items are unnamed.
	receiptFallbackIndex = 1
)

type STKCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *Code             `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string `json:"Name"`
	Value Value  `json:"Value"`
}

func (c *STKCallback) Succeeded() bool {
	return c.ResultCode != nil && *c.ResultCode == ResultSuccess
}

// ReceiptNumber finds the gateway receipt among the metadata items, by name
// first and by position when the items carry no names.
func (c *STKCallback) ReceiptNumber() (string, error) {
	if c.CallbackMetadata == nil || len(c.CallbackMetadata.Item) == 0 {
		return "", internal.NewMalformedCallbackError("successful collection callback has no metadata")
	}
	items := c.CallbackMetadata.Item
	for _, item := range items {
		if strings.EqualFold(item.Name, MetadataReceiptNumber) {
			if item.Value == "" {
				break
			}
			return item.Value.String(), nil
		}
	}
	if len(items) <= receiptFallbackIndex {
		return "", internal.NewMalformedCallbackError("receipt number missing from callback metadata")
	}
	fallback := items[receiptFallbackIndex]
	if fallback.Name != "" && !strings.EqualFold(fallback.Name, MetadataReceiptNumber) {
		return "", internal.NewMalformedCallbackError("receipt number missing from callback metadata")
	}
	if fallback.Value == "" {
		return "", internal.NewMalformedCallbackError("receipt number is empty")
	}
	return fallback.Value.String(), nil
}

// Metadata returns a named metadata value, or "" when absent.
func (c *STKCallback) Metadata(name string) string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if strings.EqualFold(item.Name, name) {
			return item.Value.String()
		}
	}
	return ""
}

// DecodeSTKCallback parses a collection callback. Any structural problem is
// reported as a malformed-callback validation error.
func DecodeSTKCallback(raw []byte) (*STKCallback, error) {
	var env STKCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, internal.NewMalformedCallbackError("collection callback is not valid JSON").WithCause(err)
	}
	cb := env.Body.STKCallback
	if cb == nil {
		return nil, internal.NewMalformedCallbackError("collection callback has no Body.stkCallback")
	}
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, internal.NewMalformedCallbackError("collection callback has no CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return nil, internal.NewMalformedCallbackError("collection callback has no ResultCode")
	}
	return cb, nil
}

type B2CResultEnvelope struct {
	Result *B2CResult `json:"Result"`
}

type B2CResult struct {
	ResultType               *int            `json:"ResultType,omitempty"`
	ResultCode               *Code           `json:"ResultCode"`
	ResultDesc               string          `json:"ResultDesc"`
	OriginatorConversationID string          `json:"OriginatorConversationID"`
	ConversationID           string          `json:"ConversationID"`
	TransactionID            string          `json:"TransactionID"`
	ResultParameters         json.RawMessage `json:"ResultParameters,omitempty"`
	ReferenceData            json.RawMessage `json:"ReferenceData,omitempty"`
}

func (r *B2CResult) Succeeded() bool {
	return r.ResultCode != nil && *r.ResultCode == ResultSuccess
}

// Reason is the failure description, falling back to the code.
func (r *B2CResult) Reason() string {
	if r.ResultDesc != "" {
		return r.ResultDesc
	}
	if r.ResultCode != nil {
		return fmt.Sprintf("result code %d", int(*r.ResultCode))
	}
	return ""
}

func decodeB2C(raw []byte, kind string) (*B2CResult, error) {
	var env B2CResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, internal.NewMalformedCallbackError(kind + " is not valid JSON").WithCause(err)
	}
	if env.Result == nil {
		return nil, internal.NewMalformedCallbackError(kind + " has no Result")
	}
	r := env.Result
	if strings.TrimSpace(r.ConversationID) == "" && strings.TrimSpace(r.OriginatorConversationID) == "" {
		return nil, internal.NewMalformedCallbackError(kind + " has no conversation id")
	}
	return r, nil
}

// DecodeB2CResult parses a disbursement result callback.
func DecodeB2CResult(raw []byte) (*B2CResult, error) {
	r, err := decodeB2C(raw, "disbursement result")
	if err != nil {
		return nil, err
	}
	if r.ResultCode == nil {
		return nil, internal.NewMalformedCallbackError("disbursement result has no ResultCode")
	}
	return r, nil
}

// DecodeB2CTimeout parses a queue-timeout notification. The result code is
// optional there.
func DecodeB2CTimeout(raw []byte) (*B2CResult, error) {
	return decodeB2C(raw, "disbursement timeout")
}
