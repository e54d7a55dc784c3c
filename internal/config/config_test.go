package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/papertrade/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Feed.Quote != "USDT" {
		t.Errorf("quote: got %s, want USDT", cfg.Feed.Quote)
	}
	if len(cfg.Feed.Symbols) != 10 || cfg.Feed.Symbols[0] != "BTC" {
		t.Errorf("symbols: got %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.InitialDelay != time.Second || cfg.Feed.MaxDelay != 30*time.Second || cfg.Feed.MaxAttempts != 5 {
		t.Errorf("backoff: got %s %s %d", cfg.Feed.InitialDelay, cfg.Feed.MaxDelay, cfg.Feed.MaxAttempts)
	}
	if cfg.Ledger.StartingBalance != 10000 || cfg.Ledger.LossPolicy != "isolated" {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if cfg.OrderBook.Mode != "replace" || cfg.OrderBook.Throttle != 500*time.Millisecond {
		t.Errorf("orderbook: got %+v", cfg.OrderBook)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAPERTRADE_SERVER_PORT", "9090")
	t.Setenv("PAPERTRADE_FEED_SYMBOLS", "btc,eth sol")
	t.Setenv("PAPERTRADE_LEDGER_LOSS_POLICY", "cross")
	t.Setenv("SESSION_SIGNING_KEY", "from-env")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: got %d, want 9090", cfg.Server.Port)
	}
	want := []string{"BTC", "ETH", "SOL"}
	if len(cfg.Feed.Symbols) != len(want) {
		t.Fatalf("symbols: got %v, want %v", cfg.Feed.Symbols, want)
	}
	for i := range want {
		if cfg.Feed.Symbols[i] != want[i] {
			t.Errorf("symbol %d: got %s, want %s", i, cfg.Feed.Symbols[i], want[i])
		}
	}
	if cfg.Ledger.LossPolicy != "cross" {
		t.Errorf("loss policy: got %s, want cross", cfg.Ledger.LossPolicy)
	}
	if cfg.Auth.SigningKey != "from-env" {
		t.Errorf("signing key: got %q, want from-env", cfg.Auth.SigningKey)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "papertrade.yaml")
	body := []byte(`
feed:
  quote: usdc
  symbols: [btc, eth]
  max_attempts: 0
ledger:
  starting_balance: 2500
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.Quote != "USDC" {
		t.Errorf("quote: got %s, want USDC", cfg.Feed.Quote)
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "ETH" {
		t.Errorf("symbols: got %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.MaxAttempts != 0 {
		t.Errorf("max attempts: got %d, want 0", cfg.Feed.MaxAttempts)
	}
	if cfg.Ledger.StartingBalance != 2500 {
		t.Errorf("starting balance: got %v, want 2500", cfg.Ledger.StartingBalance)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	bad := *cfg
	bad.Feed.Symbols = nil
	if err := bad.Validate(); err == nil {
		t.Error("empty universe should fail validation")
	}

	bad = *cfg
	bad.Feed.MaxDelay = bad.Feed.InitialDelay / 2
	if err := bad.Validate(); err == nil {
		t.Error("max delay below initial delay should fail validation")
	}
}
