package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// STKPushResponse is Daraja's synchronous acknowledgement of an initiate
// call. CheckoutRequestID is the correlation id matched against the later
// callback or status query.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryRequest is the signed payload for the stkpushquery endpoint.
type QueryRequest struct {
	BusinessShortCode int64  `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResponse is the gateway's report on a previously initiated push.
// ResultCode "0" means the customer paid; any other value is a failure.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Client talks to the Daraja initiate and query endpoints. It attaches a
// bearer token from the cache, bounds every call with the configured
// timeout, and never retries; retry policy belongs to the caller. A circuit
// breaker sheds calls fast while the gateway is down.
type Client struct {
	baseURL string
	tokens  *TokenCache
	builder *PayloadBuilder
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, tokens *TokenCache, builder *PayloadBuilder, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		builder: builder,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "daraja",
			Timeout: 30 * time.Second,
		}),
	}
}

// Initiate sends a signed STK push payload and returns the gateway
// acknowledgement.
func (c *Client) Initiate(ctx context.Context, payload *STKPushRequest) (*STKPushResponse, error) {
	var resp STKPushResponse
	if err := c.post(ctx, "initiate", "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryStatus re-signs a fresh password/timestamp pair and asks the gateway
// for the outcome of an earlier push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	payload, err := c.builder.QueryPayload(checkoutRequestID)
	if err != nil {
		return nil, err
	}
	var resp QueryResponse
	if err := c.post(ctx, "query", "/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, &GatewayError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &GatewayError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			return nil, &GatewayError{Op: op, Status: resp.StatusCode, Body: string(raw)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, &GatewayError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("malformed response body: %w", err)}
		}
		return nil, nil
	})
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return err
		}
		// Breaker open or half-open rejection.
		return &GatewayError{Op: op, Err: err}
	}
	return nil
}
