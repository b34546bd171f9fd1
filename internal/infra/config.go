// Package infra holds the operational shell around the engine: config,
// logging, the price oracle, the market data feed, permissions and the
// resilience primitives they share.
package infra

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

// Config holds the full node configuration. Environment variables
// override file values after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Assets  []domain.Asset  `yaml:"assets"`
	Markets []domain.Market `yaml:"markets"`

	// Operators may post funding rates and declare bankruptcies.
	Operators []domain.UserID `yaml:"operators"`

	Engine struct {
		LoanDurationHours int64     `yaml:"loan_duration_hours"`
		EmergencyRateBps  quant.Bps `yaml:"emergency_rate_bps"`
		LiqBorrowCapBps   quant.Bps `yaml:"liq_borrow_cap_bps"`
		LiqRewardBps      quant.Bps `yaml:"liq_reward_bps"`
		LiqSlippageX      int64     `yaml:"liq_slippage_x"`
	} `yaml:"engine"`

	Oracle struct {
		// URL is the mark price endpoint; empty keeps the oracle static.
		URL             string `yaml:"url"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
		// Static seeds marks by asset symbol, as decimal strings.
		Static map[string]string `yaml:"static"`
	} `yaml:"oracle"`

	Feed struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"feed"`

	Monitor struct {
		// Liquidator is the account the watcher files liquidations as;
		// zero disables the watcher.
		Liquidator      domain.UserID `yaml:"liquidator"`
		PollIntervalSec int           `yaml:"poll_interval_sec"`
		// MaxPerSec caps liquidation attempts per second.
		MaxPerSec float64 `yaml:"max_per_sec"`
	} `yaml:"monitor"`

	Storage struct {
		SnapshotKeep        int `yaml:"snapshot_keep"`
		SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.LoanDurationHours == 0 {
		c.Engine.LoanDurationHours = 30 * 24
	}
	if c.Engine.EmergencyRateBps == 0 {
		c.Engine.EmergencyRateBps = 4999
	}
	if c.Engine.LiqBorrowCapBps == 0 {
		c.Engine.LiqBorrowCapBps = 10400
	}
	if c.Engine.LiqRewardBps == 0 {
		c.Engine.LiqRewardBps = 100
	}
	if c.Engine.LiqSlippageX == 0 {
		c.Engine.LiqSlippageX = 4
	}
	if c.Oracle.PollIntervalSec == 0 {
		c.Oracle.PollIntervalSec = 5
	}
	if c.Monitor.PollIntervalSec == 0 {
		c.Monitor.PollIntervalSec = 2
	}
	if c.Monitor.MaxPerSec == 0 {
		c.Monitor.MaxPerSec = 2
	}
	if c.Storage.SnapshotKeep == 0 {
		c.Storage.SnapshotKeep = 5
	}
	if c.Storage.SnapshotIntervalSec == 0 {
		c.Storage.SnapshotIntervalSec = 300
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	seen := make(map[domain.AssetID]bool, len(c.Assets))
	for i := range c.Assets {
		a := &c.Assets[i]
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate asset id %d", a.ID)
		}
		seen[a.ID] = true
	}
	if !seen[domain.BaseAsset] {
		return fmt.Errorf("settlement asset %d must be configured", domain.BaseAsset)
	}

	marketIDs := make(map[domain.MarketID]bool, len(c.Markets))
	for i := range c.Markets {
		m := &c.Markets[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if marketIDs[m.ID] {
			return fmt.Errorf("duplicate market id %d", m.ID)
		}
		marketIDs[m.ID] = true
		if !seen[m.Base] || !seen[m.Quote] {
			return fmt.Errorf("market %d references unknown asset", m.ID)
		}
	}

	for sym := range c.Oracle.Static {
		if _, ok := c.AssetBySymbol(sym); !ok {
			return fmt.Errorf("oracle static price for unknown symbol %s", sym)
		}
	}
	if c.Feed.ListenAddr == "" {
		return fmt.Errorf("feed listen address is required")
	}
	if c.Oracle.PollIntervalSec <= 0 {
		return fmt.Errorf("oracle poll interval must be positive")
	}
	return nil
}

// AssetMap returns the asset registry keyed by id.
func (c *Config) AssetMap() map[domain.AssetID]*domain.Asset {
	out := make(map[domain.AssetID]*domain.Asset, len(c.Assets))
	for i := range c.Assets {
		out[c.Assets[i].ID] = &c.Assets[i]
	}
	return out
}

// MarketList returns the configured markets as the engine expects them.
func (c *Config) MarketList() []*domain.Market {
	out := make([]*domain.Market, 0, len(c.Markets))
	for i := range c.Markets {
		out = append(out, &c.Markets[i])
	}
	return out
}

// AssetBySymbol resolves a configured asset by its symbol.
func (c *Config) AssetBySymbol(sym string) (*domain.Asset, bool) {
	for i := range c.Assets {
		if c.Assets[i].Symbol == sym {
			return &c.Assets[i], true
		}
	}
	return nil, false
}

// overrideWithEnv applies environment variables over file values.
// Environment wins so deployments can retarget a packaged config.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("DEX_ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv("DEX_FEED_ADDR"); v != "" {
		cfg.Feed.ListenAddr = v
	}
	if v := os.Getenv("DEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DEX_SNAPSHOT_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.SnapshotKeep = n
		}
	}
}
