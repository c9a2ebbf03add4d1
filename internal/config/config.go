package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/trend"
	"github.com/cccoin/witness/internal/voting"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// WitnessConfig holds everything the run command needs.
type WitnessConfig struct {
	RPCURL     string
	Contract   string
	Witness    string
	Keys       []string
	Gas        uint64
	RPCTimeout time.Duration
	MaxRetries uint

	MaxConcurrency uint
	ChunkSize      uint64
	StartBlock     uint64

	Tick            time.Duration
	DistributeEvery time.Duration
	Confirmed       uint64
	Stale           uint64

	TrendWindow       int
	TrendPrevMultiple int
	TrendFloor        float64
	TrendAbsolute     bool
	TrendDecay        bool
	TrendHalfLife     float64

	PayoutThreshold float64
	RewardBudget    uint64
	VotePolicy      string
	VerifyReveals   bool

	RedisAddr      string
	DedupCacheSize int
	DedupTTL       time.Duration

	PostgresDSN string
	MetricsAddr string
}

// LoadWitnessConfig reads the configuration from viper.
func LoadWitnessConfig() WitnessConfig {
	return WitnessConfig{
		RPCURL:     viper.GetString("rpc-url"),
		Contract:   viper.GetString("contract"),
		Witness:    viper.GetString("witness"),
		Keys:       viper.GetStringSlice("keys"),
		Gas:        viper.GetUint64("gas"),
		RPCTimeout: viper.GetDuration("rpc-timeout"),
		MaxRetries: viper.GetUint("max-retries"),

		MaxConcurrency: viper.GetUint("max-concurrency"),
		ChunkSize:      viper.GetUint64("chunk-size"),
		StartBlock:     viper.GetUint64("start-block"),

		Tick:            viper.GetDuration("tick"),
		DistributeEvery: viper.GetDuration("distribute-every"),
		Confirmed:       viper.GetUint64("confirmed-depth"),
		Stale:           viper.GetUint64("stale-depth"),

		TrendWindow:       viper.GetInt("trend-window"),
		TrendPrevMultiple: viper.GetInt("trend-prev-multiple"),
		TrendFloor:        viper.GetFloat64("trend-floor"),
		TrendAbsolute:     viper.GetBool("trend-absolute"),
		TrendDecay:        viper.GetBool("trend-decay"),
		TrendHalfLife:     viper.GetFloat64("trend-half-life"),

		PayoutThreshold: viper.GetFloat64("payout-threshold"),
		RewardBudget:    viper.GetUint64("reward-budget"),
		VotePolicy:      viper.GetString("vote-policy"),
		VerifyReveals:   viper.GetBool("verify-reveals"),

		RedisAddr:      viper.GetString("redis-addr"),
		DedupCacheSize: viper.GetInt("dedup-cache-size"),
		DedupTTL:       viper.GetDuration("dedup-ttl"),

		PostgresDSN: viper.GetString("postgres-dsn"),
		MetricsAddr: viper.GetString("metrics-addr"),
	}
}

func (c WitnessConfig) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc-url must be set")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract %q is not an address", c.Contract)
	}
	if !common.IsHexAddress(c.Witness) {
		return fmt.Errorf("witness %q is not an address", c.Witness)
	}
	if c.MaxConcurrency < 1 {
		return errors.New("max-concurrency must be at least 1")
	}
	if c.ChunkSize < 1 {
		return errors.New("chunk-size must be at least 1")
	}
	if c.Tick <= 0 || c.DistributeEvery <= 0 {
		return errors.New("tick and distribute-every must be positive")
	}
	if c.DedupCacheSize < 1 {
		return errors.New("dedup-cache-size must be at least 1")
	}
	if c.PayoutThreshold < 0 {
		return errors.New("payout-threshold must not be negative")
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if err := c.Trend().Validate(); err != nil {
		return err
	}
	if _, err := voting.ParsePolicy(c.VotePolicy); err != nil {
		return err
	}
	return nil
}

// Policy returns the configured confirmation depths.
func (c WitnessConfig) Policy() models.ConfirmationPolicy {
	p := models.DefaultConfirmationPolicy()
	p.Confirmed = c.Confirmed
	p.Stale = c.Stale
	return p
}

// Trend returns the scorer parameters.
func (c WitnessConfig) Trend() trend.Config {
	return trend.Config{
		Window:        c.TrendWindow,
		PrevMultiple:  c.TrendPrevMultiple,
		Floor:         c.TrendFloor,
		AbsoluteInput: c.TrendAbsolute,
		Decay:         c.TrendDecay,
		HalfLife:      c.TrendHalfLife,
	}
}
