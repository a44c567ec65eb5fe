package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/types"
)

// poolConfig holds everything cmd/zion-pool needs to run a Stratum server
// and its payout engine against an already-running ziond node. Layered the
// way the node's own config.Load reads a file then overlays flags/env, but
// via viper: YAML file, then ZION_POOL_-prefixed environment variables.
type poolConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	RPCEndpoint string `mapstructure:"rpc_endpoint"`
	// StatsAddr serves both the dashboard websocket (/ws) and the
	// Prometheus scrape endpoint (/metrics), the same one-mux-two-routes
	// layout the node's own RPC server uses.
	StatsAddr string `mapstructure:"stats_addr"`

	CoinbaseAddress string `mapstructure:"coinbase_address"`
	TreasuryAddress string `mapstructure:"treasury_address"`
	OperatorAddress string `mapstructure:"operator_address"`
	PoolPrivateKey  string `mapstructure:"pool_private_key"` // hex-encoded 32-byte Ed25519 seed

	InitialDifficulty float64       `mapstructure:"initial_difficulty"`
	MaxJobs           int           `mapstructure:"max_jobs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MinRefreshPeriod  time.Duration `mapstructure:"min_refresh_period"`

	PayoutThreshold uint64        `mapstructure:"payout_threshold"`
	PayoutInterval  time.Duration `mapstructure:"payout_interval"`
	MaxInputsPerTx  int           `mapstructure:"max_inputs_per_tx"`

	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

func loadPoolConfig(configPath string) (*poolConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("zion-pool")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zion-pool")
	}

	v.SetEnvPrefix("ZION_POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", "0.0.0.0:3333")
	v.SetDefault("rpc_endpoint", "http://127.0.0.1:8545")
	v.SetDefault("stats_addr", "127.0.0.1:3334")
	v.SetDefault("initial_difficulty", 1024.0)
	v.SetDefault("max_jobs", 32)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("min_refresh_period", 30*time.Second)
	v.SetDefault("payout_threshold", uint64(1_000_000))
	v.SetDefault("payout_interval", 30*time.Minute)
	v.SetDefault("max_inputs_per_tx", 64)
	v.SetDefault("data_dir", "./pool-data")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read pool config: %w", err)
		}
	}

	var cfg poolConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	return &cfg, nil
}

func (c *poolConfig) coinbaseAddress() (types.Address, error) {
	return types.ParseAddress(c.CoinbaseAddress)
}

func (c *poolConfig) treasuryAddress() (types.Address, error) {
	return types.ParseAddress(c.TreasuryAddress)
}

func (c *poolConfig) operatorAddress() (types.Address, error) {
	return types.ParseAddress(c.OperatorAddress)
}

func (c *poolConfig) poolKey() (*crypto.PrivateKey, error) {
	if c.PoolPrivateKey == "" {
		return nil, fmt.Errorf("pool_private_key is required")
	}
	seed, err := decodeHexSeed(c.PoolPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode pool_private_key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(seed)
}
