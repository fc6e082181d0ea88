package mpesa

import (
	"errors"
	"fmt"
)

// Validation sentinels. They never reach the gateway; handlers map them to
// 400 responses via errors.Is.
var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidShortCode   = errors.New("invalid shortcode")
)

// CredentialError means a bearer token could not be obtained: network
// failure, non-success status, or a malformed token response.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("failed to obtain access token: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// GatewayError carries the raw status and body of a failed initiate or
// status-query call for diagnostics.
type GatewayError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mpesa %s failed: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }
