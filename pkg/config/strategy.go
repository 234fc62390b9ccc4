package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy holds the signal-generation tunables from the YAML file.
type Strategy struct {
	LiquidityRank      int     `yaml:"liquidity_rank"`       // top-N by traded amount
	MinAmount          float64 `yaml:"min_amount"`           // daily traded amount floor (KRW)
	BuyThresholdKOSPI  float64 `yaml:"buy_threshold_kospi"`  // disparity entry level
	BuyThresholdKOSDAQ float64 `yaml:"buy_threshold_kosdaq"` //
	OrderValue         float64 `yaml:"order_value"`          // KRW per new position
	MaxPositions       int     `yaml:"max_positions"`
	MaxHoldingDays     int     `yaml:"max_holding_days"`
	StopLoss           float64 `yaml:"stop_loss"`   // fraction, e.g. 0.05
	TakeProfit         float64 `yaml:"take_profit"` // fraction, e.g. 0.10
	OrdDvsn            string  `yaml:"ord_dvsn"`    // KIS order division, "01" = market
}

// Refill holds the history backfill tunables.
type Refill struct {
	ChunkDays   int    `yaml:"chunk_days"`
	CooldownSec int    `yaml:"cooldown_sec"` // sleep between chunk fetches
	StartDate   string `yaml:"start_date"`   // coverage origin, YYYY-MM-DD
	HorizonDays int    `yaml:"horizon_days"` // coverage target lag behind today
}

// StrategyFile is the top-level YAML structure.
type StrategyFile struct {
	Strategy Strategy `yaml:"strategy"`
	Refill   Refill   `yaml:"refill"`
}

// LoadStrategy reads the tunables file and applies defaults for anything
// left unset.
func LoadStrategy(path string) (*StrategyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}

	var file StrategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy config: %w", err)
	}
	file.applyDefaults()
	return &file, nil
}

func (f *StrategyFile) applyDefaults() {
	s := &f.Strategy
	if s.LiquidityRank <= 0 {
		s.LiquidityRank = 50
	}
	if s.MinAmount <= 0 {
		s.MinAmount = 1_000_000_000
	}
	if s.BuyThresholdKOSPI <= 0 {
		s.BuyThresholdKOSPI = 95
	}
	if s.BuyThresholdKOSDAQ <= 0 {
		s.BuyThresholdKOSDAQ = 92
	}
	if s.OrderValue <= 0 {
		s.OrderValue = 1_000_000
	}
	if s.MaxPositions <= 0 {
		s.MaxPositions = 10
	}
	if s.MaxHoldingDays <= 0 {
		s.MaxHoldingDays = 10
	}
	if s.StopLoss <= 0 {
		s.StopLoss = 0.05
	}
	if s.TakeProfit <= 0 {
		s.TakeProfit = 0.10
	}
	if s.OrdDvsn == "" {
		s.OrdDvsn = "01"
	}

	r := &f.Refill
	if r.ChunkDays <= 0 {
		r.ChunkDays = 90
	}
	if r.CooldownSec < 0 {
		r.CooldownSec = 0
	}
	if r.StartDate == "" {
		r.StartDate = "2018-01-01"
	}
	if r.HorizonDays < 0 {
		r.HorizonDays = 0
	}
}
