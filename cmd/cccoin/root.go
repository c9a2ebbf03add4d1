package cccoin

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cccoin-witness",
	Short: "Witness for the CCCoin content ledger",
	Long: `cccoin-witness follows the CCCoin contract on an EVM ledger, confirms
posts and commit/reveal votes, ranks items by vote trend and distributes
token rewards.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		return setLogLevel(viper.GetString("logLevel"))
	},
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "logLevel", "l", "info", "Log level (debug|info|warn|error)")
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		slog.Error("Failed to bind persistent flags", "error", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(runCmd)
}

func initConfig() error {
	viper.SetEnvPrefix("CCCOIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}
	slog.Info("Using config file", "file", viper.ConfigFileUsed())
	return nil
}

func setLogLevel(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func registerRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("rpc-url", "http://localhost:8545", "JSON-RPC endpoint of the ledger node")
	f.String("contract", "", "Address of the CCCoin contract")
	f.String("witness", "", "Unlocked node account the witness transacts from")
	f.StringSlice("keys", nil, "Hex private keys of users signing locally")
	f.Uint64("gas", 3_000_000, "Gas limit of submitted transactions")
	f.Duration("rpc-timeout", 10*time.Second, "Timeout of a single ledger call")
	f.Uint("max-retries", 3, "Retries of an unavailable ledger call")

	f.Uint("max-concurrency", 8, "Concurrent log range requests during catch-up")
	f.Uint64("chunk-size", 2000, "Blocks per log range request during catch-up")
	f.Uint64("start-block", 0, "First block to read when no checkpoint is stored")

	f.Duration("tick", 500*time.Millisecond, "Interval between loop cycles")
	f.Duration("distribute-every", time.Minute, "Minimum interval between reward distributions")
	f.Uint64("confirmed-depth", 15, "Blocks after which a transaction or log is final")
	f.Uint64("stale-depth", 100, "Blocks after which an unconfirmed transaction is abandoned")

	f.Int("trend-window", 7, "Steps in the current trend window")
	f.Int("trend-prev-multiple", 1, "Size of the previous window as a multiple of the current one")
	f.Float64("trend-floor", 1, "Lower clamp of window values")
	f.Bool("trend-absolute", false, "Treat tallies as running totals")
	f.Bool("trend-decay", false, "Report each item's best score with exponential decay")
	f.Float64("trend-half-life", 1, "Half-life of decayed scores, in steps")

	f.Float64("payout-threshold", 0, "Score an item must rise above to be rewarded")
	f.Uint64("reward-budget", 1000, "Tokens split between the rewarded items of a step")
	f.String("vote-policy", "merge", "Handling of repeated votes in a step (merge|last|reject)")
	f.Bool("verify-reveals", false, "Check that reveal signatures recover to the ballot voter")

	f.String("redis-addr", "", "Redis address for persistent de-duplication marks")
	f.Int("dedup-cache-size", 65536, "Entries of the in-process de-duplication cache")
	f.Duration("dedup-ttl", 30*24*time.Hour, "Lifetime of a de-duplication mark in Redis")

	f.String("postgres-dsn", "", "PostgreSQL connection string of the output sink")
	f.String("metrics-addr", ":2112", "Listen address of the Prometheus endpoint, empty to disable")

	if err := viper.BindPFlags(f); err != nil {
		slog.Error("Failed to bind run flags", "error", err)
		os.Exit(1)
	}
}
