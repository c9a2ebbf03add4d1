package cccoin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/config"
	"github.com/cccoin/witness/internal/dedup"
	"github.com/cccoin/witness/internal/extractor"
	"github.com/cccoin/witness/internal/output"
	"github.com/cccoin/witness/internal/output/postgresql"
	"github.com/cccoin/witness/internal/voting"
	"github.com/cccoin/witness/internal/witness"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Catch up on confirmed history, then follow the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadWitnessConfig()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg)
	},
}

func init() {
	registerRunFlags(runCmd)
}

func run(ctx context.Context, cfg config.WitnessConfig) error {
	ledger, err := client.NewJSONRPCClient(client.Options{
		URL:        cfg.RPCURL,
		Contract:   common.HexToAddress(cfg.Contract),
		From:       common.HexToAddress(cfg.Witness),
		Gas:        cfg.Gas,
		Timeout:    cfg.RPCTimeout,
		MaxRetries: int(cfg.MaxRetries),
	})
	if err != nil {
		return err
	}
	signer, err := client.NewKeySigner(ledger, cfg.Keys...)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
	}
	dd, err := dedup.New(rdb, cfg.DedupCacheSize, cfg.DedupTTL)
	if err != nil {
		return err
	}

	var out output.OutputHandler = output.Discard{}
	if cfg.PostgresDSN != "" {
		pg, err := postgresql.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		out = pg
	}
	defer out.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	policy, err := voting.ParsePolicy(cfg.VotePolicy)
	if err != nil {
		return err
	}
	w, err := witness.New(witness.Config{
		Policy:          cfg.Policy(),
		Trend:           cfg.Trend(),
		VotePolicy:      policy,
		VerifyReveals:   cfg.VerifyReveals,
		Tick:            cfg.Tick,
		DistributeEvery: cfg.DistributeEvery,
		PayoutThreshold: cfg.PayoutThreshold,
		RewardBudget:    cfg.RewardBudget,
		MaxRetries:      cfg.MaxRetries,
		CallTimeout:     cfg.RPCTimeout,
		StartBlock:      cfg.StartBlock,
	}, witness.Deps{
		Ledger:     ledger,
		Signer:     signer,
		Output:     out,
		Dedup:      dd,
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("Catching up on confirmed history", "startBlock", cfg.StartBlock, "confirmedDepth", cfg.Confirmed)
	err = w.CatchUp(ctx, extractor.Config{
		ChunkSize:      cfg.ChunkSize,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxRetries:     cfg.MaxRetries,
		ShowProgress:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to catch up: %w", err)
	}
	return w.Run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
