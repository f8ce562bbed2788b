package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/logging"
)

func sharedApp(t *testing.T) (config.Config, builder) {
	t.Helper()
	cfg := config.Config{AppEnv: "development", DefaultCurrency: "XAF", IdempotencyTTL: time.Hour}
	a, cleanup, err := app.New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(cleanup)
	return cfg, func(context.Context) (*app.App, func(), error) {
		return a, func() {}, nil
	}
}

func run(t *testing.T, cfg config.Config, build builder, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(cfg, build)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLedgerctlLifecycle(t *testing.T) {
	cfg, build := sharedApp(t)

	out, err := run(t, cfg, build, "provision", "alice")
	if err != nil || !strings.Contains(out, "created alice (XAF, active)") {
		t.Fatalf("provision: %q %v", out, err)
	}
	if out, err = run(t, cfg, build, "provision", "alice"); err != nil || !strings.HasPrefix(out, "exists alice") {
		t.Fatalf("second provision: %q %v", out, err)
	}

	out, err = run(t, cfg, build, "topup", "alice", "1500", "--idempotency-key", "seed")
	if err != nil || !strings.Contains(out, "alice balance 1500 XAF") || strings.Contains(out, "treasury") {
		t.Fatalf("topup: %q %v", out, err)
	}
	if out, err = run(t, cfg, build, "topup", "alice", "1500", "--idempotency-key", "seed"); err != nil || !strings.Contains(out, "replayed=true") {
		t.Fatalf("topup replay: %q %v", out, err)
	}
	if _, err := run(t, cfg, build, "topup", "alice", "lots"); err == nil {
		t.Fatalf("expected a non-numeric amount to fail")
	}

	out, err = run(t, cfg, build, "verify", "--all")
	if err != nil || strings.Contains(out, "MISMATCH") || !strings.Contains(out, "alice") {
		t.Fatalf("verify: %q %v", out, err)
	}
	if _, err := run(t, cfg, build, "verify"); err == nil {
		t.Fatalf("expected verify without accounts to fail")
	}

	out, err = run(t, cfg, build, "history", "alice")
	if err != nil || !strings.Contains(out, "1500") {
		t.Fatalf("history: %q %v", out, err)
	}

	if _, err := run(t, cfg, build, "close", "alice"); err == nil {
		t.Fatalf("expected closing a funded wallet to fail")
	}
	if _, err := run(t, cfg, build, "provision", "bob"); err != nil {
		t.Fatalf("provision bob: %v", err)
	}
	if out, err = run(t, cfg, build, "close", "bob"); err != nil || !strings.Contains(out, "bob closed") {
		t.Fatalf("close: %q %v", out, err)
	}
}

func TestLedgerctlMigrateRequiresDatabase(t *testing.T) {
	cfg, build := sharedApp(t)
	if _, err := run(t, cfg, build, "migrate"); err == nil {
		t.Fatalf("expected migrate without DATABASE_URL to fail")
	}
}
