package mpesa

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// timestampLayout is Daraja's whole-second timestamp with no separators.
const timestampLayout = "20060102150405"

var kenyanPhonePattern = regexp.MustCompile(`^254\d{9}$`)

// STKPushRequest is the signed payload POSTed to the stkpush endpoint. The
// Timestamp field must be the exact value folded into Password, because the
// gateway recomputes the digest and compares.
type STKPushRequest struct {
	BusinessShortCode int64       `json:"BusinessShortCode"`
	Password          string      `json:"Password"`
	Timestamp         string      `json:"Timestamp"`
	TransactionType   string      `json:"TransactionType"`
	Amount            json.Number `json:"Amount"`
	PartyA            string      `json:"PartyA"`
	PartyB            int64       `json:"PartyB"`
	PhoneNumber       string      `json:"PhoneNumber"`
	CallBackURL       string      `json:"CallBackURL"`
	AccountReference  string      `json:"AccountReference"`
	TransactionDesc   string      `json:"TransactionDesc"`
}

// PayloadBuilder assembles signed Daraja payloads from normalized merchant
// inputs. It does no I/O and holds no mutable state; the clock is injected
// so signing is reproducible in tests.
type PayloadBuilder struct {
	shortCode   string
	passKey     string
	callbackURL string
	now         func() time.Time
}

func NewPayloadBuilder(shortCode, passKey, callbackURL string) *PayloadBuilder {
	return &PayloadBuilder{
		shortCode:   shortCode,
		passKey:     passKey,
		callbackURL: callbackURL,
		now:         time.Now,
	}
}

// WithClock replaces the time source, for tests that need a fixed timestamp.
func (b *PayloadBuilder) WithClock(now func() time.Time) *PayloadBuilder {
	b.now = now
	return b
}

// Password derives the request password for the current second:
// base64(shortcode + passkey + timestamp). The returned timestamp is the
// exact value folded into the digest.
func (b *PayloadBuilder) Password() (password, timestamp string) {
	timestamp = b.now().Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(b.shortCode + b.passKey + timestamp))
	return password, timestamp
}

// NormalizePhoneNumber converts a phone number to Daraja's 254XXXXXXXXX
// form: the + prefix is dropped and a leading 0 becomes 254.
func NormalizePhoneNumber(phoneNumber string) (string, error) {
	formatted := strings.TrimPrefix(strings.TrimSpace(phoneNumber), "+")
	if strings.HasPrefix(formatted, "0") {
		formatted = "254" + formatted[1:]
	}
	if !kenyanPhonePattern.MatchString(formatted) {
		return "", fmt.Errorf("%w: %q is not a Kenyan phone number", ErrInvalidPhoneNumber, phoneNumber)
	}
	return formatted, nil
}

// ParseAmount coerces an amount to a strictly positive decimal.
func ParseAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not numeric", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, d)
	}
	return d, nil
}

func (b *PayloadBuilder) numericShortCode() (int64, error) {
	n, err := strconv.ParseInt(b.shortCode, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidShortCode, b.shortCode)
	}
	return n, nil
}

// STKPushPayload normalizes the inputs, signs the request for the current
// second, and assembles the full stkpush payload. Validation failures are
// returned before anything touches the network.
func (b *PayloadBuilder) STKPushPayload(phoneNumber, amount, accountReference, transactionDesc string) (*STKPushRequest, error) {
	formattedPhone, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}
	numericAmount, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	shortCode, err := b.numericShortCode()
	if err != nil {
		return nil, err
	}
	if transactionDesc == "" {
		transactionDesc = "Payment"
	}

	password, timestamp := b.Password()
	return &STKPushRequest{
		BusinessShortCode: shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            json.Number(numericAmount.String()),
		PartyA:            formattedPhone,
		PartyB:            shortCode,
		PhoneNumber:       formattedPhone,
		CallBackURL:       b.callbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   transactionDesc,
	}, nil
}

// QueryPayload signs a status query for a previously issued checkout
// request id.
func (b *PayloadBuilder) QueryPayload(checkoutRequestID string) (*QueryRequest, error) {
	shortCode, err := b.numericShortCode()
	if err != nil {
		return nil, err
	}
	password, timestamp := b.Password()
	return &QueryRequest{
		BusinessShortCode: shortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}, nil
}
