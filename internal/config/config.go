package config

import (
	"fmt"
	"os"
	"time"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

// Config holds everything the service reads from the environment. Load is
// called once in main; components receive the struct instead of touching
// os.Getenv themselves.
type Config struct {
	Port     string
	MongoURI string
	Storage  string // "mongo" or "memory"

	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	BaseURL        string

	TokenSafetyMargin time.Duration
	HTTPTimeout       time.Duration
	ReconcileAfter    time.Duration
	ReconcileInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		MongoURI:          os.Getenv("MONGOURI"),
		Storage:           envOr("STORAGE", "mongo"),
		ConsumerKey:       os.Getenv("MPESA_CONSUMER_KEY"),
		ConsumerSecret:    os.Getenv("MPESA_CONSUMER_SECRET"),
		ShortCode:         os.Getenv("MPESA_SHORTCODE"),
		PassKey:           os.Getenv("MPESA_PASSKEY"),
		CallbackURL:       os.Getenv("MPESA_CALLBACK_URL"),
		TokenSafetyMargin: 60 * time.Second,
		HTTPTimeout:       10 * time.Second,
		ReconcileAfter:    2 * time.Minute,
		ReconcileInterval: time.Minute,
	}

	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are not set")
	}
	if cfg.ShortCode == "" {
		return nil, fmt.Errorf("MPESA_SHORTCODE is not set")
	}
	if cfg.PassKey == "" {
		return nil, fmt.Errorf("MPESA_PASSKEY is not set")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("MPESA_CALLBACK_URL is not set")
	}
	if cfg.Storage == "mongo" && cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGOURI is not set")
	}

	cfg.BaseURL = os.Getenv("MPESA_BASE_URL")
	if cfg.BaseURL == "" {
		if os.Getenv("MPESA_ENV") == "production" {
			cfg.BaseURL = productionBaseURL
		} else {
			cfg.BaseURL = sandboxBaseURL
		}
	}

	var err error
	if cfg.TokenSafetyMargin, err = durationOr("MPESA_TOKEN_MARGIN", cfg.TokenSafetyMargin); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = durationOr("MPESA_HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconcileAfter, err = durationOr("RECONCILE_AFTER", cfg.ReconcileAfter); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = durationOr("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
