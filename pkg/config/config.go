// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/luxfi/log"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/vaults/pkg/fees"
	"github.com/luxfi/vaults/pkg/sharemath"
	"github.com/luxfi/vaults/pkg/store"
	"github.com/luxfi/vaults/pkg/vault"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the daemon configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Store    store.Config  `yaml:"store"`
	Server   ServerConfig  `yaml:"server"`
	NATS     NATSConfig    `yaml:"nats"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Vault    VaultConfig   `yaml:"vault"`
	Queue    QueueConfig   `yaml:"queue"`
	Keeper   KeeperConfig  `yaml:"keeper"`
	Paper    PaperConfig   `yaml:"paper"`
}

// ServerConfig holds the listen address of the JSON-RPC, metrics and
// websocket endpoints.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

// VaultConfig describes the single vault the daemon runs. Amounts are
// decimal strings in whole units of the asset; fees are percentages.
type VaultConfig struct {
	ID             string        `yaml:"id"`
	Owner          string        `yaml:"owner"`
	Keeper         string        `yaml:"keeper"`
	FeeRecipient   string        `yaml:"fee_recipient"`
	Asset          string        `yaml:"asset"`
	NativeAsset    string        `yaml:"native_asset"`
	Underlying     string        `yaml:"underlying"`
	Decimals       uint8         `yaml:"decimals"`
	IsPut          bool          `yaml:"is_put"`
	Strategy       string        `yaml:"strategy"`
	Cap            string        `yaml:"cap"`
	MinimumSupply  string        `yaml:"minimum_supply"`
	ManagementFee  string        `yaml:"management_fee"`
	PerformanceFee string        `yaml:"performance_fee"`
	AllocationBps  uint64        `yaml:"allocation_bps"`
	CommitDelay    time.Duration `yaml:"commit_delay"`
	Period         time.Duration `yaml:"period"`
	AnchorHour     int           `yaml:"anchor_hour"`
}

// QueueConfig configures the purchase queue. MinPurchase is in whole
// options; Ceiling is the premium per option in whole units of the asset.
type QueueConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Owner       string `yaml:"owner"`
	MinPurchase string `yaml:"min_purchase"`
	Ceiling     string `yaml:"ceiling"`
}

// KeeperConfig drives the cron keeper. Schedule is a six-field cron spec,
// seconds first. Premium is the per-option premium passed to each roll.
type KeeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Premium  string `yaml:"premium"`
}

// PaperConfig seeds the paper collaborators.
type PaperConfig struct {
	SpotPrice    string        `yaml:"spot_price"`
	StrikeOTMBps uint64        `yaml:"strike_otm_bps"`
	StrikeStep   string        `yaml:"strike_step"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// Default returns a weekly covered-call vault on WBTC served on :8080.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: store.Config{
			Path:      "./data",
			Backend:   store.BackendBadger,
			Namespace: "vaultd",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{SubjectPrefix: "vaults"},
		Metrics: MetricsConfig{
			Namespace: "vault",
			Interval:  15 * time.Second,
		},
		Vault: VaultConfig{
			ID:             "wbtc-covered-call",
			Owner:          "owner",
			Keeper:         "keeper",
			Asset:          "WBTC",
			Underlying:     "WBTC",
			Decimals:       8,
			Strategy:       string(vault.StrategySell),
			Cap:            "1000",
			MinimumSupply:  "0.0001",
			ManagementFee:  "2",
			PerformanceFee: "10",
			CommitDelay:    time.Hour,
			Period:         vault.Week,
			AnchorHour:     vault.DefaultAnchorHour,
		},
		Queue: QueueConfig{
			Owner:       "owner",
			MinPurchase: "0",
			Ceiling:     "0",
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "0 */5 * * * *",
			Premium:  "0.01",
		},
		Paper: PaperConfig{
			SpotPrice:    "45000",
			StrikeOTMBps: 1_000,
			StrikeStep:   "1000",
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that every derived value can be built.
func (c *Config) Validate() error {
	if _, err := log.ToLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr required", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case store.BackendBadger, store.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if _, err := c.VaultConfig(); err != nil {
		return err
	}
	if _, err := c.Premium(); err != nil {
		return err
	}
	if c.Keeper.Enabled && c.Keeper.Schedule == "" {
		return fmt.Errorf("%w: keeper.schedule required", ErrInvalidConfig)
	}
	if c.Queue.Enabled {
		if c.Queue.Owner == "" {
			return fmt.Errorf("%w: queue.owner required", ErrInvalidConfig)
		}
		if _, err := c.QueueCeiling(); err != nil {
			return err
		}
		if _, err := c.QueueMinPurchase(); err != nil {
			return err
		}
	}
	if _, err := c.SpotPrice(); err != nil {
		return err
	}
	if _, err := c.StrikeStep(); err != nil {
		return err
	}
	return nil
}

// VaultConfig builds the vault configuration.
func (c *Config) VaultConfig() (vault.Config, error) {
	v := c.Vault
	if v.Decimals == 0 {
		return vault.Config{}, fmt.Errorf("%w: vault.decimals required", ErrInvalidConfig)
	}
	capAmount, err := amount("vault.cap", v.Cap, v.Decimals)
	if err != nil {
		return vault.Config{}, err
	}
	minSupply, err := amount("vault.minimum_supply", v.MinimumSupply, v.Decimals)
	if err != nil {
		return vault.Config{}, err
	}
	mgmt, err := fees.ParseRate(v.ManagementFee)
	if err != nil {
		return vault.Config{}, fmt.Errorf("%w: vault.management_fee: %w", ErrInvalidConfig, err)
	}
	perf, err := fees.ParseRate(v.PerformanceFee)
	if err != nil {
		return vault.Config{}, fmt.Errorf("%w: vault.performance_fee: %w", ErrInvalidConfig, err)
	}
	period := v.Period
	if period == 0 {
		period = vault.Week
	}
	if v.AnchorHour < 0 || v.AnchorHour > 23 {
		return vault.Config{}, fmt.Errorf("%w: vault.anchor_hour %d", ErrInvalidConfig, v.AnchorHour)
	}

	out := vault.Config{
		ID:           v.ID,
		Owner:        v.Owner,
		Keeper:       v.Keeper,
		FeeRecipient: v.FeeRecipient,
		Params: vault.Params{
			Asset:         v.Asset,
			NativeAsset:   v.NativeAsset,
			Underlying:    v.Underlying,
			Decimals:      v.Decimals,
			IsPut:         v.IsPut,
			MinimumSupply: minSupply,
			Cap:           capAmount,
			Strategy:      vault.Strategy(v.Strategy),
		},
		Fees: fees.Config{
			ManagementFee:  mgmt,
			PerformanceFee: perf,
			Period:         period,
		},
		Schedule:      vault.Schedule{Period: period, AnchorHour: v.AnchorHour},
		AllocationPct: v.AllocationBps,
		CommitDelay:   v.CommitDelay,
	}
	if out.ID == "" || out.Owner == "" || out.Keeper == "" {
		return vault.Config{}, fmt.Errorf("%w: vault id, owner and keeper required", ErrInvalidConfig)
	}
	if err := out.Params.Validate(); err != nil {
		return vault.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if out.AllocationPct > vault.AllocationDenominator {
		return vault.Config{}, fmt.Errorf("%w: vault.allocation_bps %d", ErrInvalidConfig, out.AllocationPct)
	}
	if _, err := fees.NewEngine(out.Fees); err != nil {
		return vault.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return out, nil
}

// Premium is the keeper's roll premium in base units.
func (c *Config) Premium() (*big.Int, error) {
	p, err := amount("keeper.premium", c.Keeper.Premium, c.Vault.Decimals)
	if err != nil {
		return nil, err
	}
	if c.Keeper.Enabled && p.Sign() <= 0 {
		return nil, fmt.Errorf("%w: keeper.premium must be positive", ErrInvalidConfig)
	}
	return p, nil
}

// QueueCeiling is the queue's premium ceiling in base units.
func (c *Config) QueueCeiling() (*big.Int, error) {
	return amount("queue.ceiling", c.Queue.Ceiling, c.Vault.Decimals)
}

// QueueMinPurchase is the queue minimum in option base units.
func (c *Config) QueueMinPurchase() (*big.Int, error) {
	return amount("queue.min_purchase", c.Queue.MinPurchase, vault.DefaultOptionDecimals)
}

// SpotPrice is the paper oracle's starting price, 8 decimals.
func (c *Config) SpotPrice() (*big.Int, error) {
	return amount("paper.spot_price", c.Paper.SpotPrice, 8)
}

// StrikeStep is the paper strike rounding step, 8 decimals.
func (c *Config) StrikeStep() (*big.Int, error) {
	return amount("paper.strike_step", c.Paper.StrikeStep, 8)
}

func amount(field, s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, err := sharemath.Parse(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidConfig, field)
	}
	return v, nil
}
