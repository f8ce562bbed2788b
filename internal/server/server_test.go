package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/logging"
)

func TestServerErrorsAreJSON(t *testing.T) {
	cfg := config.Config{AppEnv: "development", JWTSecret: "s3cret", DefaultCurrency: "XAF", IdempotencyTTL: time.Hour}
	components, cleanup, err := app.New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	defer cleanup()

	srv, err := New(cfg, components, logging.Discard())
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	resp, err := srv.Handler().Test(httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "missing bearer token" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestNewRequiresSecretOutsideDevelopment(t *testing.T) {
	cfg := config.Config{AppEnv: "development", DefaultCurrency: "XAF", IdempotencyTTL: time.Hour}
	components, cleanup, err := app.New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	defer cleanup()

	cfg.AppEnv = "production"
	if _, err := New(cfg, components, logging.Discard()); err == nil {
		t.Fatalf("expected missing JWT secret to fail")
	}
}
