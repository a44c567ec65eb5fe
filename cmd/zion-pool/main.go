// zion-pool is a Stratum-style mining pool daemon: it serves block
// templates and credits PPLNS shares against a running ziond node, and
// periodically batches won-block rewards into payout transactions.
//
// Usage:
//
//	zion-pool [--config=zion-pool.yaml]
package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/zion-network/zion-chain/internal/log"
	"github.com/zion-network/zion-chain/internal/metrics"
	"github.com/zion-network/zion-chain/internal/payout"
	"github.com/zion-network/zion-chain/internal/pool"
	"github.com/zion-network/zion-chain/internal/storage"
)

func decodeHexSeed(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func main() {
	configPath := ""
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			configPath = args[i][len("--config="):]
		case args[i] == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		}
	}

	cfg, err := loadPoolConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.LogLevel, cfg.LogJSON, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	coinbaseAddr, err := cfg.coinbaseAddress()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid coinbase_address: %v\n", err)
		os.Exit(1)
	}
	treasuryAddr, err := cfg.treasuryAddress()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid treasury_address: %v\n", err)
		os.Exit(1)
	}
	operatorAddr, err := cfg.operatorAddress()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid operator_address: %v\n", err)
		os.Exit(1)
	}
	poolKey, err := cfg.poolKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data dir: %v\n", err)
		os.Exit(1)
	}
	jobsDB, err := storage.NewBadger(filepath.Join(cfg.DataDir, "shares"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening share database: %v\n", err)
		os.Exit(1)
	}
	defer jobsDB.Close()
	payoutDB, err := storage.NewBadger(filepath.Join(cfg.DataDir, "payouts"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening payout database: %v\n", err)
		os.Exit(1)
	}
	defer payoutDB.Close()

	collector := metrics.New()

	payoutEngine, err := payout.New(payout.Config{
		RPCEndpoint:     cfg.RPCEndpoint,
		PoolAddress:     coinbaseAddr,
		PoolPrivateKey:  poolKey,
		TreasuryAddress: treasuryAddr,
		OperatorAddress: operatorAddr,
		Threshold:       cfg.PayoutThreshold,
		Interval:        cfg.PayoutInterval,
		MaxInputsPerTx:  cfg.MaxInputsPerTx,
		DB:              payoutDB,
		Metrics:         collector,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating payout engine: %v\n", err)
		os.Exit(1)
	}

	coordinator, err := pool.New(pool.Config{
		ListenAddr:        cfg.ListenAddr,
		RPCEndpoint:       cfg.RPCEndpoint,
		CoinbaseAddress:   coinbaseAddr,
		InitialDifficulty: cfg.InitialDifficulty,
		MaxJobs:           cfg.MaxJobs,
		PollInterval:      cfg.PollInterval,
		MinRefreshPeriod:  cfg.MinRefreshPeriod,
		DB:                jobsDB,
		Metrics:           collector,
		OnBlockFound:      payoutEngine.OnBlockFound,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pool coordinator: %v\n", err)
		os.Exit(1)
	}
	payoutEngine.AttachShares(coordinator)

	dashboard := pool.NewDashboard()
	coordinator.AttachDashboard(dashboard)

	if err := coordinator.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting pool coordinator: %v\n", err)
		os.Exit(1)
	}
	payoutEngine.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/ws", dashboard.Handler())
	statsServer := &http.Server{Addr: cfg.StatsAddr, Handler: mux}
	go func() {
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Pool.Error().Err(err).Msg("stats server stopped")
		}
	}()

	log.Pool.Info().Str("listen", cfg.ListenAddr).Str("stats", cfg.StatsAddr).Msg("zion-pool started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	payoutEngine.Stop()
	coordinator.Stop()
	statsServer.Close()
}
