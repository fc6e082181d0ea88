package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// STKCallback is the envelope Daraja POSTs to the merchant callback URL
// after the customer acts on the push prompt (or it times out).
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string           `json:"MerchantRequestID"`
			CheckoutRequestID string           `json:"CheckoutRequestID"`
			ResultCode        int              `json:"ResultCode"`
			ResultDesc        string           `json:"ResultDesc"`
			CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackMetadata is the name/value item list attached to successful
// callbacks.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is one entry of the callback metadata list. Value is left
// untyped because Daraja mixes strings and numbers in the same list.
type MetadataItem struct {
	Name  string      `json:"Name" bson:"name"`
	Value interface{} `json:"Value,omitempty" bson:"value,omitempty"`
}

// String looks up a metadata item by name and renders its value as a string.
func (m CallbackMetadata) String(name string) (string, bool) {
	for _, item := range m.Item {
		if item.Name == name {
			if item.Value == nil {
				return "", false
			}
			return fmt.Sprintf("%v", item.Value), true
		}
	}
	return "", false
}

// TransactionDate extracts and parses the TransactionDate item, which Daraja
// delivers as a numeric YYYYMMDDHHMMSS value. encoding/json hands numbers to
// an interface{} as float64, so every numeric shape is accepted.
func (m CallbackMetadata) TransactionDate() (time.Time, bool) {
	var n int64
	found := false
	for _, item := range m.Item {
		if item.Name != "TransactionDate" {
			continue
		}
		switch v := item.Value.(type) {
		case float64:
			n = int64(v)
		case int64:
			n = v
		case int:
			n = int64(v)
		case json.Number:
			parsed, err := v.Int64()
			if err != nil {
				return time.Time{}, false
			}
			n = parsed
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			n = parsed
		default:
			return time.Time{}, false
		}
		found = true
		break
	}
	if !found {
		return time.Time{}, false
	}

	t, err := time.Parse("20060102150405", fmt.Sprintf("%014d", n))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
