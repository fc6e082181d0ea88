package models

import (
	"time"
)

// Transaction statuses. A transaction starts as pending and moves to at most
// one of the terminal states; terminal states are never left.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminalStatus reports whether a status admits no further transition.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Transaction is the persisted record for one STK push, keyed by the
// gateway-issued CheckoutRequestID. It is created only after Daraja has
// acknowledged the initiate call, so a failed initiation leaves no record.
type Transaction struct {
	CheckoutRequestID  string         `bson:"checkout_request_id" json:"checkoutRequestId"`
	MerchantRequestID  string         `bson:"merchant_request_id" json:"merchantRequestId"`
	PhoneNumber        string         `bson:"phone_number" json:"phoneNumber"`
	Amount             float64        `bson:"amount" json:"amount"`
	AccountReference   string         `bson:"account_reference" json:"accountReference"`
	TransactionDesc    string         `bson:"transaction_desc" json:"transactionDesc"`
	Status             string         `bson:"status" json:"status"`
	MpesaReceiptNumber string         `bson:"mpesa_receipt_number,omitempty" json:"mpesaReceiptNumber,omitempty"`
	TransactionDate    *time.Time     `bson:"transaction_date,omitempty" json:"transactionDate,omitempty"`
	ResultCode         string         `bson:"result_code,omitempty" json:"resultCode,omitempty"`
	ResultDesc         string         `bson:"result_desc,omitempty" json:"resultDesc,omitempty"`
	CallbackMetadata   []MetadataItem `bson:"callback_metadata,omitempty" json:"callbackMetadata,omitempty"`
	CreatedAt          time.Time      `bson:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `bson:"updated_at" json:"updatedAt"`
}
