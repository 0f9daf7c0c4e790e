package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/bazaar/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Log                LogConfig
	RPC                RPCConfig
	Chain              ChainConfig
	Signer             SignerConfig
	DB                 DBConfig
	Redis              RedisConfig
	Feed               FeedConfig
	Metrics            MetricsConfig
}

// LogConfig selects the zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RPCConfig holds the gRPC listener settings.
type RPCConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// ChainConfig holds the EVM node and marketplace contract settings.
type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ChainID            int64  `mapstructure:"chain_id"`
	MarketplaceAddress string `mapstructure:"marketplace_address"`
	ReceiptPollMs      int    `mapstructure:"receipt_poll_ms"`
	ReceiptTimeoutSec  int    `mapstructure:"receipt_timeout_sec"`
	GasLimitMarginPct  int    `mapstructure:"gas_limit_margin_pct"`
}

// Marketplace returns the marketplace identity as an address.
func (c ChainConfig) Marketplace() common.Address {
	return common.HexToAddress(c.MarketplaceAddress)
}

// ReceiptPoll returns the receipt polling interval.
func (c ChainConfig) ReceiptPoll() time.Duration {
	return time.Duration(c.ReceiptPollMs) * time.Millisecond
}

// ReceiptTimeout returns how long to wait for a transaction to be mined.
func (c ChainConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSec) * time.Second
}

// SignerConfig holds operator key settings.
type SignerConfig struct {
	SessionTTLSec     int    `mapstructure:"session_ttl_sec"`
	KeyCiphertextPath string `mapstructure:"key_ciphertext_path"`
	KMSKeyID          string `mapstructure:"kms_key_id"`
	AWSRegion         string `mapstructure:"aws_region"`
	MaxPayoutWei      string `mapstructure:"max_payout_wei"`
}

// MaxPayout parses MaxPayoutWei.
func (s SignerConfig) MaxPayout() (*big.Int, error) {
	v, ok := new(big.Int).SetString(s.MaxPayoutWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid max_payout_wei: %q", s.MaxPayoutWei)
	}
	return v, nil
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// FeedConfig holds the WebSocket event feed listener.
type FeedConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from environment variables prefixed with BAZAAR_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BAZAAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("log.level", logging.LevelInfo)
	v.SetDefault("log.format", logging.FormatJSON)

	v.SetDefault("rpc.socket_path", "/var/run/bazaar/market.sock")

	// Chain defaults
	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.chain_id", 31337)
	v.SetDefault("chain.marketplace_address", "")
	v.SetDefault("chain.receipt_poll_ms", 500)
	v.SetDefault("chain.receipt_timeout_sec", 120)
	v.SetDefault("chain.gas_limit_margin_pct", 20)

	// Signer defaults
	v.SetDefault("signer.session_ttl_sec", 86400)
	v.SetDefault("signer.key_ciphertext_path", "/etc/bazaar/operator.key.enc")
	v.SetDefault("signer.aws_region", "us-east-1")
	v.SetDefault("signer.max_payout_wei", "1000000000000000000000")

	// DB defaults
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "bazaar")
	v.SetDefault("db.password", "bazaar")
	v.SetDefault("db.dbname", "bazaar")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 4)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "market:events")

	v.SetDefault("feed.listen_addr", ":8546")
	v.SetDefault("metrics.listen_addr", ":9102")

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	cfg.RPC = RPCConfig{
		SocketPath: v.GetString("rpc.socket_path"),
	}

	cfg.Chain = ChainConfig{
		RPCURL:             v.GetString("chain.rpc_url"),
		ChainID:            v.GetInt64("chain.chain_id"),
		MarketplaceAddress: v.GetString("chain.marketplace_address"),
		ReceiptPollMs:      v.GetInt("chain.receipt_poll_ms"),
		ReceiptTimeoutSec:  v.GetInt("chain.receipt_timeout_sec"),
		GasLimitMarginPct:  v.GetInt("chain.gas_limit_margin_pct"),
	}

	cfg.Signer = SignerConfig{
		SessionTTLSec:     v.GetInt("signer.session_ttl_sec"),
		KeyCiphertextPath: v.GetString("signer.key_ciphertext_path"),
		KMSKeyID:          v.GetString("signer.kms_key_id"),
		AWSRegion:         v.GetString("signer.aws_region"),
		MaxPayoutWei:      v.GetString("signer.max_payout_wei"),
	}

	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		DBName:   v.GetString("db.dbname"),
		SSLMode:  v.GetString("db.sslmode"),
		MaxConns: v.GetInt("db.max_conns"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		Stream:   v.GetString("redis.stream"),
	}

	cfg.Feed = FeedConfig{ListenAddr: v.GetString("feed.listen_addr")}
	cfg.Metrics = MetricsConfig{ListenAddr: v.GetString("metrics.listen_addr")}

	return cfg, nil
}

// Validate checks the settings marketd cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatPlain {
		errs = append(errs, fmt.Errorf("unsupported log format: %s", c.Log.Format))
	}
	if !common.IsHexAddress(c.Chain.MarketplaceAddress) {
		errs = append(errs, fmt.Errorf("invalid chain.marketplace_address: %q", c.Chain.MarketplaceAddress))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("invalid chain.chain_id: %d", c.Chain.ChainID))
	}
	if c.Chain.ReceiptPollMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid chain.receipt_poll_ms: %d", c.Chain.ReceiptPollMs))
	}
	if _, err := c.Signer.MaxPayout(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
