package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"defarm/internal/fee"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Chain     ChainConfig     `yaml:"chain"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Redis     RedisConfig     `yaml:"redis"`
	Registry  RegistryConfig  `yaml:"registry"`
	Seeds     SeedsConfig     `yaml:"seeds"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ChainConfig struct {
	ID uint64 `yaml:"id"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type OracleConfig struct {
	URL            string            `yaml:"url"`
	MaxAge         time.Duration     `yaml:"max_age"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
	Prices         map[string]string `yaml:"prices"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	TLS       bool   `yaml:"tls"`
	KeyPrefix string `yaml:"key_prefix"`
}

type TokenConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// LeverageDecimals is the precision of leverage values, 1x being 1e6.
const LeverageDecimals = 6

// RegistryConfig amounts are decimal strings in whole settlement units,
// leverage is a multiple such as "2.5" and fees are percentages.
type RegistryConfig struct {
	Address              string        `yaml:"address"`
	Owner                string        `yaml:"owner"`
	Admin                string        `yaml:"admin"`
	Maker                string        `yaml:"maker"`
	Treasury             string        `yaml:"treasury"`
	SettlementAsset      TokenConfig   `yaml:"settlement_asset"`
	Tokens               []TokenConfig `yaml:"tokens"`
	Operators            []string      `yaml:"operators"`
	CapacityPerFarm      string        `yaml:"capacity_per_farm"`
	MinInvestment        string        `yaml:"min_investment"`
	MaxInvestment        string        `yaml:"max_investment"`
	MinLeverage          string        `yaml:"min_leverage"`
	MaxLeverage          string        `yaml:"max_leverage"`
	MaxFundraisingPeriod time.Duration `yaml:"max_fundraising_period"`
	FundDeadline         time.Duration `yaml:"fund_deadline"`
	MaxManagerFee        string        `yaml:"max_manager_fee"`
	ProtocolFee          string        `yaml:"protocol_fee"`
	EthFee               string        `yaml:"eth_fee"`
	PenaltyFees          []string      `yaml:"penalty_fees"`
}

// SeedsConfig fee percents are fractions of the trade price, "0.05" being 5%.
type SeedsConfig struct {
	Address            string `yaml:"address"`
	Owner              string `yaml:"owner"`
	ProtocolFeePercent string `yaml:"protocol_fee_percent"`
	SubjectFeePercent  string `yaml:"subject_fee_percent"`
}

type KeeperConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Address  string `yaml:"address"`
	Schedule string `yaml:"schedule"`
}

func (k KeeperConfig) EnabledValue() bool {
	return k.Enabled != nil && *k.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`

	// The operator channel accepts admin commands from chat_id. An empty
	// allowlist admits every member of that chat.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Chain.ID == 0 {
		cfg.Chain.ID = 1
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/defarm.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Oracle.MaxAge == 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 30 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "defarm:"
	}
	r := &cfg.Registry
	if r.SettlementAsset.Decimals == 0 {
		r.SettlementAsset.Decimals = 6
	}
	if r.MinLeverage == "" {
		r.MinLeverage = "1"
	}
	if r.MaxLeverage == "" {
		r.MaxLeverage = "10"
	}
	if r.MaxFundraisingPeriod == 0 {
		r.MaxFundraisingPeriod = 7 * 24 * time.Hour
	}
	if r.FundDeadline == 0 {
		r.FundDeadline = 30 * 24 * time.Hour
	}
	if r.MaxManagerFee == "" {
		r.MaxManagerFee = "15"
	}
	if r.ProtocolFee == "" {
		r.ProtocolFee = "1"
	}
	if r.EthFee == "" {
		r.EthFee = "0"
	}
	if len(r.PenaltyFees) == 0 {
		r.PenaltyFees = []string{"50", "30", "10"}
	}
	if cfg.Seeds.ProtocolFeePercent == "" {
		cfg.Seeds.ProtocolFeePercent = "0.05"
	}
	if cfg.Seeds.SubjectFeePercent == "" {
		cfg.Seeds.SubjectFeePercent = "0.05"
	}
	if cfg.Keeper.Enabled == nil {
		enabled := true
		cfg.Keeper.Enabled = &enabled
	}
	if cfg.Keeper.Schedule == "" {
		cfg.Keeper.Schedule = "@every 1h"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

// applyEnvOverrides lets secrets stay out of the yaml file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("DEFARM_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("DEFARM_TIMESCALE_DSN"); ok && v != "" {
		cfg.Timescale.DSN = v
	}
	if v, ok := os.LookupEnv("DEFARM_REDIS_PASSWORD"); ok && v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv("DEFARM_TELEGRAM_TOKEN"); ok && v != "" {
		cfg.Telegram.Token = v
	}
	if v, ok := os.LookupEnv("DEFARM_TELEGRAM_CHAT_ID"); ok && v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	r := cfg.Registry
	for name, addr := range map[string]string{
		"registry.address":                  r.Address,
		"registry.owner":                    r.Owner,
		"registry.maker":                    r.Maker,
		"registry.treasury":                 r.Treasury,
		"registry.settlement_asset.address": r.SettlementAsset.Address,
		"seeds.address":                     cfg.Seeds.Address,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address, got %q", name, addr)
		}
	}
	if r.Admin != "" && !common.IsHexAddress(r.Admin) {
		return fmt.Errorf("registry.admin must be a hex address, got %q", r.Admin)
	}
	for i, tok := range r.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("registry.tokens[%d].address must be a hex address", i)
		}
	}
	for i, op := range r.Operators {
		if !common.IsHexAddress(op) {
			return fmt.Errorf("registry.operators[%d] must be a hex address", i)
		}
	}
	if r.CapacityPerFarm == "" || r.MinInvestment == "" || r.MaxInvestment == "" {
		return errors.New("registry capacity_per_farm, min_investment and max_investment are required")
	}
	for name, amount := range map[string]string{
		"registry.capacity_per_farm": r.CapacityPerFarm,
		"registry.min_investment":    r.MinInvestment,
		"registry.max_investment":    r.MaxInvestment,
	} {
		if _, err := fee.ParseUnits(amount, r.SettlementAsset.Decimals); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := fee.ParseUnits(r.EthFee, 18); err != nil {
		return fmt.Errorf("registry.eth_fee: %w", err)
	}
	minLev, err := fee.ParseUnits(r.MinLeverage, LeverageDecimals)
	if err != nil {
		return fmt.Errorf("registry.min_leverage: %w", err)
	}
	maxLev, err := fee.ParseUnits(r.MaxLeverage, LeverageDecimals)
	if err != nil {
		return fmt.Errorf("registry.max_leverage: %w", err)
	}
	if minLev.IsZero() || minLev.Gt(maxLev) || !maxLev.IsUint64() {
		return errors.New("registry leverage bounds are invalid")
	}
	if len(r.PenaltyFees) != 3 {
		return fmt.Errorf("registry.penalty_fees needs 3 tiers, got %d", len(r.PenaltyFees))
	}
	percents := append([]string{r.MaxManagerFee, r.ProtocolFee}, r.PenaltyFees...)
	for _, p := range percents {
		if _, err := fee.ParsePercent(p); err != nil {
			return err
		}
	}
	protocolCut, err := fee.ParseUnits(cfg.Seeds.ProtocolFeePercent, 18)
	if err != nil {
		return fmt.Errorf("seeds.protocol_fee_percent: %w", err)
	}
	subjectCut, err := fee.ParseUnits(cfg.Seeds.SubjectFeePercent, 18)
	if err != nil {
		return fmt.Errorf("seeds.subject_fee_percent: %w", err)
	}
	if total, err := fee.Add(protocolCut, subjectCut); err != nil || total.Gt(fee.One) {
		return errors.New("seeds fee fractions must sum to at most 1")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Keeper.EnabledValue() && !common.IsHexAddress(cfg.Keeper.Address) {
		return errors.New("keeper.address must be a hex address when the keeper is enabled")
	}
	if tg := cfg.Telegram; tg.OperatorEnabled {
		if !tg.Enabled {
			return errors.New("telegram.operator_enabled requires telegram.enabled")
		}
		if _, err := strconv.ParseInt(strings.TrimSpace(tg.ChatID), 10, 64); err != nil {
			return fmt.Errorf("telegram.chat_id must be numeric for the operator channel: %w", err)
		}
		if !common.IsHexAddress(r.Admin) {
			return errors.New("registry.admin is required when the telegram operator is enabled")
		}
		// the http client gives up after 10s
		if tg.OperatorPollInterval < time.Second || tg.OperatorPollInterval >= 10*time.Second {
			return fmt.Errorf("telegram.operator_poll_interval must be between 1s and 10s, got %s", tg.OperatorPollInterval)
		}
	}
	for asset, price := range cfg.Oracle.Prices {
		if !common.IsHexAddress(asset) {
			return fmt.Errorf("oracle.prices key %q must be a hex address", asset)
		}
		if _, err := fee.ParseUnits(price, 18); err != nil {
			return fmt.Errorf("oracle.prices[%s]: %w", asset, err)
		}
	}
	return nil
}
