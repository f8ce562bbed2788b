package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/auth"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/logging"
	"github.com/congo-pay/walletledger/internal/wallet"
)

const secret = "s3cret"

func setupApp(t *testing.T) (*fiber.App, *app.App) {
	t.Helper()
	cfg := config.Config{
		AppEnv:          "development",
		JWTSecret:       secret,
		DefaultCurrency: "XAF",
		IdempotencyTTL:  time.Hour,
		RetryBase:       time.Millisecond,
	}
	components, cleanup, err := app.New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(cleanup)

	f := fiber.New()
	if err := Setup(f, Deps{
		Cfg:      cfg,
		Logger:   logging.Discard(),
		Wallets:  components.Wallets,
		Gatherer: components.Registry,
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return f, components
}

func request(t *testing.T, f *fiber.App, method, path, subject, key, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if subject != "" {
		token, err := auth.SignHS256(auth.Claims{Subject: subject, ExpiresAt: time.Now().Add(time.Hour).Unix()}, []byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := f.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestWalletRoutes(t *testing.T) {
	f, components := setupApp(t)
	ctx := context.Background()

	if status, _ := request(t, f, fiber.MethodGet, "/api/v1/wallet", "", "", ""); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status, _ := request(t, f, fiber.MethodPost, "/api/v1/wallet", "alice", "", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a write without key, got %d", status)
	}
	for _, who := range []string{"alice", "bob"} {
		if status, _ := request(t, f, fiber.MethodPost, "/api/v1/wallet", who, "open-"+who, ""); status != http.StatusCreated {
			t.Fatalf("expected 201 provisioning %s, got %d", who, status)
		}
	}
	if _, err := components.Wallets.TopUp(ctx, "alice", 1_000, "seed"); err != nil {
		t.Fatalf("top up: %v", err)
	}

	status, body := request(t, f, fiber.MethodPost, "/api/v1/wallet/transfers", "alice", "t1", `{"to_account_id":"bob","amount":250}`)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", status, body)
	}
	status, bal := request(t, f, fiber.MethodGet, "/api/v1/wallet/balance", "bob", "", "")
	if status != http.StatusOK || bal["amount"].(float64) != 250 || bal["display"] != "250" {
		t.Fatalf("unexpected balance %d %v", status, bal)
	}

	status, w := request(t, f, fiber.MethodGet, "/api/v1/wallet", "alice", "", "")
	if status != http.StatusOK || w["currency"] != "XAF" {
		t.Fatalf("unexpected wallet %d %v", status, w)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f, components := setupApp(t)
	if _, _, err := components.Wallets.Provision(context.Background(), wallet.ProvisionInput{AccountID: "alice"}); err != nil {
		t.Fatalf("provision: %v", err)
	}

	status, body := request(t, f, fiber.MethodGet, "/healthz", "", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected healthy in-memory app, got %d %v", status, body)
	}

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := f.Test(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}
