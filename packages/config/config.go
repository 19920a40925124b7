// Package config resolves the sweeper settings from command-line flags,
// SWEEPER_* environment variables, an optional config file and defaults,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/ledger"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/monitor"
)

const EnvPrefix = "SWEEPER"

const (
	FlagConfigFile    = "config"
	FlagRPC           = "rpc"
	FlagDestination   = "destination"
	FlagKeys          = "keys"
	FlagInterval      = "interval"
	FlagThreshold     = "threshold"
	FlagEstimateValue = "estimate-value"
	FlagChainID       = "chain-id"
	FlagCallTimeout   = "call-timeout"
	FlagRateLimit     = "rate-limit"
	FlagStatsInterval = "stats-interval"
	FlagLogLevel      = "log.level"
	FlagLogFormat     = "log.format"
)

const (
	DefaultRPC           = "https://mainnet.storyrpc.io"
	DefaultDestination   = "0xB09FF7F74e627Ac36F7Ddf2dBDBF9CBea9350Aa0"
	DefaultKeys          = "private-keys.txt"
	DefaultInterval      = 2 * time.Second
	DefaultThreshold     = "10000000000000000"
	DefaultEstimateValue = "100"
	DefaultStatsInterval = time.Minute
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "terminal"
)

var (
	ErrInvalidRPC         = errors.New("invalid rpc endpoint")
	ErrInvalidDestination = errors.New("invalid destination address")
	ErrInvalidInterval    = errors.New("invalid polling interval")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrInvalidAmount      = errors.New("invalid estimate value")
	ErrInvalidCallTimeout = errors.New("invalid call timeout")
	ErrInvalidRateLimit   = errors.New("invalid rate limit")
	ErrInvalidStats       = errors.New("invalid stats interval")
)

type LogConfig struct {
	Level  string
	Format string
}

type Config struct {
	RPC           string
	Destination   common.Address
	Keys          string
	Interval      time.Duration
	Threshold     *uint256.Int
	EstimateValue *uint256.Int
	// ChainID zero means the node is asked for it.
	ChainID     uint64
	CallTimeout time.Duration
	RateLimit   float64
	// StatsInterval zero logs statistics only on shutdown.
	StatsInterval time.Duration
	Log           LogConfig
}

// Flags registers every setting on fs. Flag defaults mirror the viper
// defaults so that help output is accurate.
func Flags(fs *pflag.FlagSet) {
	fs.StringP(FlagConfigFile, "f", "", "Path to a config file (yaml, toml or json)")
	fs.String(FlagRPC, DefaultRPC, "Node RPC endpoint (http, https, ws or ipc)")
	fs.String(FlagDestination, DefaultDestination, "Address every sweep is sent to")
	fs.String(FlagKeys, DefaultKeys, "File with one hex private key per line")
	fs.Duration(FlagInterval, DefaultInterval, "Polling period per account")
	fs.String(FlagThreshold, DefaultThreshold, "Minimum balance in wei before sweeping")
	fs.String(FlagEstimateValue, DefaultEstimateValue, "Value in wei of the transfer used for gas estimation")
	fs.Uint64(FlagChainID, 0, "Chain ID for signing, 0 to query the node")
	fs.Duration(FlagCallTimeout, ledger.DefaultCallTimeout, "Timeout for each RPC call")
	fs.Float64(FlagRateLimit, 0, "Maximum RPC requests per second across all accounts, 0 for unlimited")
	fs.Duration(FlagStatsInterval, DefaultStatsInterval, "Period of the sweep statistics log line, 0 to log only on shutdown")
	fs.String(FlagLogLevel, DefaultLogLevel, "Log level (trace, debug, info, warn, error, crit)")
	fs.String(FlagLogFormat, DefaultLogFormat, "Log format (terminal, logfmt, json)")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(FlagRPC, DefaultRPC)
	v.SetDefault(FlagDestination, DefaultDestination)
	v.SetDefault(FlagKeys, DefaultKeys)
	v.SetDefault(FlagInterval, DefaultInterval)
	v.SetDefault(FlagThreshold, DefaultThreshold)
	v.SetDefault(FlagEstimateValue, DefaultEstimateValue)
	v.SetDefault(FlagChainID, 0)
	v.SetDefault(FlagCallTimeout, ledger.DefaultCallTimeout)
	v.SetDefault(FlagRateLimit, 0)
	v.SetDefault(FlagStatsInterval, DefaultStatsInterval)
	v.SetDefault(FlagLogLevel, DefaultLogLevel)
	v.SetDefault(FlagLogFormat, DefaultLogFormat)
	return v
}

// Load resolves and validates the configuration. fs may be nil, in which
// case only the environment and defaults are consulted.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := newViper()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	if path := v.GetString(FlagConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		RPC:           strings.TrimSpace(v.GetString(FlagRPC)),
		Keys:          v.GetString(FlagKeys),
		Interval:      v.GetDuration(FlagInterval),
		ChainID:       v.GetUint64(FlagChainID),
		CallTimeout:   v.GetDuration(FlagCallTimeout),
		RateLimit:     v.GetFloat64(FlagRateLimit),
		StatsInterval: v.GetDuration(FlagStatsInterval),
		Log: LogConfig{
			Level:  v.GetString(FlagLogLevel),
			Format: v.GetString(FlagLogFormat),
		},
	}

	dest := strings.TrimSpace(v.GetString(FlagDestination))
	if !common.IsHexAddress(dest) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, dest)
	}
	cfg.Destination = common.HexToAddress(dest)

	var err error
	if cfg.Threshold, err = parseWei(v.GetString(FlagThreshold)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	if cfg.EstimateValue, err = parseWei(v.GetString(FlagEstimateValue)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseWei accepts a decimal or 0x-prefixed hex amount of wei.
func parseWei(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

func (c *Config) Validate() error {
	switch {
	case c.RPC == "":
		return fmt.Errorf("%w: empty", ErrInvalidRPC)
	case c.Destination == (common.Address{}):
		return fmt.Errorf("%w: zero address", ErrInvalidDestination)
	case c.Interval <= 0:
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.Interval)
	case c.Threshold == nil || c.Threshold.IsZero():
		return fmt.Errorf("%w: must be positive", ErrInvalidThreshold)
	case c.EstimateValue == nil:
		return fmt.Errorf("%w: missing", ErrInvalidAmount)
	case c.CallTimeout < 0:
		return fmt.Errorf("%w: %s", ErrInvalidCallTimeout, c.CallTimeout)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: %v", ErrInvalidRateLimit, c.RateLimit)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: %s", ErrInvalidStats, c.StatsInterval)
	}
	return nil
}

// Ledger returns the node client settings.
func (c *Config) Ledger() ledger.Config {
	cfg := ledger.Config{
		URL:         c.RPC,
		CallTimeout: c.CallTimeout,
		RateLimit:   c.RateLimit,
	}
	if c.ChainID > 0 {
		cfg.ChainID = new(big.Int).SetUint64(c.ChainID)
	}
	return cfg
}

// Monitor returns the per-account loop settings for a fleet signing with signer.
func (c *Config) Monitor(signer types.Signer) monitor.Config {
	return monitor.Config{
		Destination:   c.Destination,
		Threshold:     c.Threshold.Clone(),
		Interval:      c.Interval,
		EstimateValue: c.EstimateValue.Clone(),
		Signer:        signer,
	}
}
