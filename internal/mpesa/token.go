package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// TokenCache obtains and caches a Daraja bearer token. A single fetch is in
// flight at a time: concurrent callers on a cold cache block on the mutex
// and reuse the token the first caller stored.
type TokenCache struct {
	consumerKey    string
	consumerSecret string
	baseURL        string
	safetyMargin   time.Duration
	client         *http.Client
	now            func() time.Time

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

func NewTokenCache(consumerKey, consumerSecret, baseURL string, safetyMargin, timeout time.Duration) *TokenCache {
	return &TokenCache{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		baseURL:        baseURL,
		safetyMargin:   safetyMargin,
		client:         &http.Client{Timeout: timeout},
		now:            time.Now,
	}
}

// Token returns a currently valid bearer token, fetching a fresh one when
// none is cached or the cached one is inside the safety margin of expiry.
// Fetch failures leave the cache unchanged.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiry) {
		return c.accessToken, nil
	}

	token, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", &CredentialError{Err: err}
	}

	c.accessToken = token
	c.expiry = c.now().Add(ttl - c.safetyMargin)
	log.Printf("mpesa: access token refreshed, valid for %s", ttl)
	return c.accessToken, nil
}

func (c *TokenCache) fetch(ctx context.Context) (string, time.Duration, error) {
	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	// Daraja serves expires_in as a JSON string.
	var tokenResp struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("malformed token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	seconds, err := tokenResp.ExpiresIn.Int64()
	if err != nil || seconds <= 0 {
		return "", 0, fmt.Errorf("token response has invalid expires_in %q", tokenResp.ExpiresIn)
	}

	return tokenResp.AccessToken, time.Duration(seconds) * time.Second, nil
}
