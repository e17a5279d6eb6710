// Package config provides configuration management for the auto-earn sweeper.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/auto-earn/internal/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	Chain           ChainConfig
	AutoEarn        AutoEarnConfig
	TransferService TransferServiceConfig
	Sweep           SweepConfig
	Logging         LoggingConfig
}

// ServerConfig holds ops API server configuration
type ServerConfig struct {
	Port       string
	Host       string
	CronSecret string
	WorkerPort string // worker /health and /metrics
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration runner.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds JSON-RPC configuration for the chain the Safes live on
type ChainConfig struct {
	ChainID             int64
	RPCPrimary          string
	RPCSecondary        string
	CallTimeout         time.Duration
	ReceiptTimeout      time.Duration // how long to wait for one confirmation before giving up
	ReceiptPollInterval time.Duration
}

// AutoEarnConfig holds the on-chain module and relayer settings
type AutoEarnConfig struct {
	ModuleAddress       string
	RelayerPrivateKey   string
	TokenAddress        string // USDC by default
	VerifyModuleOnChain bool
}

// TransferServiceConfig holds Safe Transaction Service settings
type TransferServiceConfig struct {
	BaseURL           string
	PageLimit         int
	MaxPages          int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// SweepConfig holds sweep run settings
type SweepConfig struct {
	AccountConcurrency int
	LockTTL            time.Duration
	ClaimTTL           time.Duration
	Schedule           string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Base mainnet USDC.
const defaultUSDCAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			CronSecret: getEnv("CRON_SECRET", ""),
			WorkerPort: getEnv("WORKER_HEALTH_PORT", "8081"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "auto_earn"),
				User:           getEnv("POSTGRES_USER", "auto_earn"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Chain: ChainConfig{
			ChainID:             int64(getEnvAsInt("CHAIN_ID", 8453)),
			RPCPrimary:          getEnv("RPC_URL", ""),
			RPCSecondary:        getEnv("RPC_URL_SECONDARY", ""),
			CallTimeout:         getEnvAsDuration("RPC_CALL_TIMEOUT", 15*time.Second),
			ReceiptTimeout:      getEnvAsDuration("RECEIPT_TIMEOUT", 2*time.Minute),
			ReceiptPollInterval: getEnvAsDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		},
		AutoEarn: AutoEarnConfig{
			ModuleAddress:       getEnv("AUTO_EARN_MODULE_ADDRESS", ""),
			RelayerPrivateKey:   strings.TrimPrefix(getEnv("RELAYER_PRIVATE_KEY", ""), "0x"),
			TokenAddress:        getEnv("USDC_ADDRESS", defaultUSDCAddress),
			VerifyModuleOnChain: getEnvAsBool("AUTO_EARN_VERIFY_MODULE_ON_CHAIN", false),
		},
		TransferService: TransferServiceConfig{
			BaseURL:           strings.TrimRight(getEnv("SAFE_TRANSACTION_SERVICE_URL", ""), "/"),
			PageLimit:         getEnvAsInt("SAFE_TX_SERVICE_PAGE_LIMIT", 100),
			MaxPages:          getEnvAsInt("SAFE_TX_SERVICE_MAX_PAGES", 20),
			RequestsPerSecond: getEnvAsFloat("SAFE_TX_SERVICE_RPS", 5),
			Timeout:           getEnvAsDuration("SAFE_TX_SERVICE_TIMEOUT", 30*time.Second),
		},
		Sweep: SweepConfig{
			AccountConcurrency: getEnvAsInt("SWEEP_ACCOUNT_CONCURRENCY", 1),
			LockTTL:            getEnvAsDuration("SWEEP_LOCK_TTL", 10*time.Minute),
			ClaimTTL:           getEnvAsDuration("SWEEP_CLAIM_TTL", time.Hour),
			Schedule:           getEnv("SWEEP_SCHEDULE", "*/10 * * * *"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate reports every missing or malformed setting a sweep run needs.
// Binaries call it once at startup and exit non-zero on failure.
func (c *Config) Validate() error {
	problems := c.chainProblems()
	problems = append(problems, c.syncProblems()...)
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.AutoEarn.RelayerPrivateKey, "0x")); err != nil {
		problems = append(problems, "RELAYER_PRIVATE_KEY is required (32-byte hex, optional 0x prefix)")
	}
	if c.Sweep.ClaimTTL <= 0 {
		problems = append(problems, "SWEEP_CLAIM_TTL must be positive")
	}
	if c.Chain.ReceiptTimeout <= 0 {
		problems = append(problems, "RECEIPT_TIMEOUT must be positive")
	}
	return joinProblems(problems)
}

// ValidateSync checks only what a deposit sync run needs; it never touches the chain.
func (c *Config) ValidateSync() error {
	return joinProblems(c.syncProblems())
}

// ValidateRead checks what read-only vault queries need. No relayer key is required.
func (c *Config) ValidateRead() error {
	return joinProblems(c.chainProblems())
}

func (c *Config) chainProblems() []string {
	var problems []string
	if c.Chain.RPCPrimary == "" {
		problems = append(problems, "RPC_URL is required")
	}
	if c.Chain.ChainID <= 0 {
		problems = append(problems, "CHAIN_ID must be positive")
	}
	if !types.IsHexAddress(c.AutoEarn.ModuleAddress) {
		problems = append(problems, "AUTO_EARN_MODULE_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if !types.IsHexAddress(c.AutoEarn.TokenAddress) {
		problems = append(problems, "USDC_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	return problems
}

func (c *Config) syncProblems() []string {
	var problems []string
	if c.TransferService.BaseURL == "" {
		problems = append(problems, "SAFE_TRANSACTION_SERVICE_URL is required")
	}
	if !types.IsHexAddress(c.AutoEarn.TokenAddress) {
		problems = append(problems, "USDC_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.TransferService.PageLimit <= 0 || c.TransferService.PageLimit > 1000 {
		problems = append(problems, "SAFE_TX_SERVICE_PAGE_LIMIT must be between 1 and 1000")
	}
	if c.Sweep.AccountConcurrency < 1 {
		problems = append(problems, "SWEEP_ACCOUNT_CONCURRENCY must be at least 1")
	}
	return problems
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	// the token check appears in both groups
	seen := make(map[string]bool, len(problems))
	unique := problems[:0]
	for _, p := range problems {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(unique, "; "))
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
