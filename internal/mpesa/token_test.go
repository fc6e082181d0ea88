package mpesa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTokenServer(t *testing.T, fetches *int32, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("missing or wrong basic auth")
		}
		atomic.AddInt32(fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":"3599"}`, token)
	}))
}

func TestTokenColdCacheSingleFetch(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, "tok-1")
	defer srv.Close()

	cache := NewTokenCache("key", "secret", srv.URL, time.Minute, 5*time.Second)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Token(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if tok != "tok-1" {
				errs <- fmt.Errorf("wrong token %q", tok)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Token failed: %v", err)
	}

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("want exactly 1 fetch on a cold cache, got %d", n)
	}
}

func TestTokenRefreshInsideSafetyMargin(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, "tok-2")
	defer srv.Close()

	cache := NewTokenCache("key", "secret", srv.URL, time.Minute, 5*time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }

	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("cached call refetched: %d fetches", n)
	}

	// Past the expiry (ttl minus margin) the next call must refetch.
	now = now.Add(3599*time.Second - 30*time.Second)
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("refresh fetch: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Fatalf("want refetch inside safety margin, got %d fetches", n)
	}
}

func TestTokenFetchFailureLeavesCacheUnchanged(t *testing.T) {
	fail := true
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, `{"errorMessage":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":"3599"}`, token)
	}))
	defer srv.Close()

	cache := NewTokenCache("key", "secret", srv.URL, time.Minute, 5*time.Second)

	var credErr *CredentialError
	if _, err := cache.Token(context.Background()); !errors.As(err, &credErr) {
		t.Fatalf("want CredentialError, got %v", err)
	}
	if cache.accessToken != "" {
		t.Fatalf("failed fetch poisoned the cache: %q", cache.accessToken)
	}

	fail, token = false, "tok-3"
	tok, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("recovery fetch: %v", err)
	}
	if tok != "tok-3" {
		t.Fatalf("want tok-3, got %q", tok)
	}
}

func TestTokenMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":""}`)
	}))
	defer srv.Close()

	cache := NewTokenCache("key", "secret", srv.URL, time.Minute, 5*time.Second)
	var credErr *CredentialError
	if _, err := cache.Token(context.Background()); !errors.As(err, &credErr) {
		t.Fatalf("want CredentialError for missing access_token, got %v", err)
	}
}
