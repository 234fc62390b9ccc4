package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStrategyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadStrategy(t *testing.T) {
	t.Run("parses full file", func(t *testing.T) {
		path := writeStrategyFile(t, `
strategy:
  liquidity_rank: 25
  min_amount: 500000000
  buy_threshold_kospi: 96
  buy_threshold_kosdaq: 93
  order_value: 2000000
  max_positions: 5
  max_holding_days: 7
  stop_loss: 0.03
  take_profit: 0.08
  ord_dvsn: "00"
refill:
  chunk_days: 30
  cooldown_sec: 2
  start_date: "2020-01-01"
`)
		f, err := LoadStrategy(path)
		if err != nil {
			t.Fatalf("LoadStrategy: %v", err)
		}
		if f.Strategy.LiquidityRank != 25 || f.Strategy.MaxPositions != 5 {
			t.Errorf("strategy = %+v", f.Strategy)
		}
		if f.Strategy.OrdDvsn != "00" {
			t.Errorf("ord_dvsn = %q, want 00", f.Strategy.OrdDvsn)
		}
		if f.Refill.ChunkDays != 30 || f.Refill.StartDate != "2020-01-01" {
			t.Errorf("refill = %+v", f.Refill)
		}
	})

	t.Run("defaults fill unset fields", func(t *testing.T) {
		path := writeStrategyFile(t, "strategy:\n  max_positions: 3\n")
		f, err := LoadStrategy(path)
		if err != nil {
			t.Fatalf("LoadStrategy: %v", err)
		}
		if f.Strategy.MaxPositions != 3 {
			t.Errorf("max_positions = %d, want 3", f.Strategy.MaxPositions)
		}
		if f.Strategy.OrdDvsn != "01" {
			t.Errorf("default ord_dvsn = %q, want 01", f.Strategy.OrdDvsn)
		}
		if f.Strategy.StopLoss != 0.05 || f.Strategy.TakeProfit != 0.10 {
			t.Errorf("default exits = %v/%v", f.Strategy.StopLoss, f.Strategy.TakeProfit)
		}
		if f.Refill.ChunkDays != 90 || f.Refill.StartDate == "" {
			t.Errorf("refill defaults = %+v", f.Refill)
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := LoadStrategy(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := writeStrategyFile(t, "strategy: [not a map")
		if _, err := LoadStrategy(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("KIS_ENV", "prod")
	t.Setenv("KIS_CALL_INTERVAL_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.KISEnv != "prod" {
		t.Errorf("KISEnv = %q", cfg.KISEnv)
	}
	if cfg.KISCallInterval.Milliseconds() != 250 {
		t.Errorf("KISCallInterval = %v", cfg.KISCallInterval)
	}
	if cfg.KISMaxRetries != 8 {
		t.Errorf("default KISMaxRetries = %d", cfg.KISMaxRetries)
	}
}
