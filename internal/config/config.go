package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// SeedConfig models seed.json (or seed.yaml): network, allow-list seeds, secrets and tuning.
type SeedConfig struct {
	Chain struct {
		ChainID uint64 `json:"chainId" yaml:"chainId"`
		RPCURL  string `json:"rpcUrl" yaml:"rpcUrl"`
	} `json:"chain" yaml:"chain"`
	SupportedChains []uint64 `json:"supportedChains" yaml:"supportedChains"`
	SupportedTokens []string `json:"supportedTokens" yaml:"supportedTokens"`
	Secrets         struct {
		APISecret    string `json:"apiSecret" yaml:"apiSecret"`
		AdminSecret  string `json:"adminSecret" yaml:"adminSecret"`
		BridgeSecret string `json:"bridgeSecret" yaml:"bridgeSecret"`
	} `json:"secrets" yaml:"secrets"`
	Retry struct {
		MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
		InitialBackoffMs  int     `json:"initialBackoffMs" yaml:"initialBackoffMs"`
		MaxBackoffMs      int     `json:"maxBackoffMs" yaml:"maxBackoffMs"`
		BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	} `json:"retry" yaml:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs" yaml:"rpcTimeoutMs"`
		SettlementTimeoutSecs int `json:"settlementTimeoutSeconds" yaml:"settlementTimeoutSeconds"`
		SweepIntervalSecs     int `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds" yaml:"idempotencyWindowSeconds"`
	} `json:"timeouts" yaml:"timeouts"`
}

// DeploymentConfig represents deployments.json: who plays which role.
type DeploymentConfig struct {
	ChainID   uint64 `json:"chainId" yaml:"chainId"`
	Owner     string `json:"owner" yaml:"owner"`
	Executor  string `json:"executor" yaml:"executor"`
	Validator string `json:"validator" yaml:"validator"`
	Bridge    string `json:"bridge" yaml:"bridge"`
	Contracts struct {
		BridgeRouter string `json:"BridgeRouter" yaml:"BridgeRouter"`
		SwapRouter   string `json:"SwapRouter" yaml:"SwapRouter"`
	} `json:"contracts" yaml:"contracts"`
}

// Principals are the parsed role addresses.
type Principals struct {
	Owner     common.Address
	Executor  common.Address
	Validator common.Address
	Bridge    common.Address
}

// Principals parses and checks every role address.
func (d DeploymentConfig) Principals() (Principals, error) {
	var p Principals
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"owner", d.Owner, &p.Owner},
		{"executor", d.Executor, &p.Executor},
		{"validator", d.Validator, &p.Validator},
		{"bridge", d.Bridge, &p.Bridge},
	} {
		if !common.IsHexAddress(f.raw) {
			return Principals{}, fmt.Errorf("deployment %s address %q is invalid", f.name, f.raw)
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	return p, nil
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed        SeedConfig
	Deployment  DeploymentConfig
	Service     ServiceConfig
	Chain       ChainConfig
	Retry       RetryConfig
	Idempotency StoreConfig
	Notify      NotifyConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	SettlementTimeout time.Duration
	SweepInterval     time.Duration
	DLQPath           string
	LogLevel          string
	LogFormat         string
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
}

// DevMode reports whether the service should run on in-memory collaborators.
func (c ChainConfig) DevMode() bool {
	return c.RPCURL == "" || c.PrivateKey == ""
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

type StoreConfig struct {
	Backend       string
	FilePath      string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type NotifyConfig struct {
	NATSURL         string
	SubjectPrefix   string
	DeliverySubject string
	PostgresDSN     string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	return LoadFrom(envOr("SEED_PATH", defaultSeedPath), envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
}

func LoadFrom(seedPath, deploymentsPath string) (*AppConfig, error) {
	var seedCfg SeedConfig
	if err := decodeFile(seedPath, &seedCfg); err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	var deployCfg DeploymentConfig
	if err := decodeFile(deploymentsPath, &deployCfg); err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: secondsOr(seedCfg.Timeouts.IdempotencyWindowSecs, 24*time.Hour),
		SettlementTimeout: envOrDuration("SETTLEMENT_TIMEOUT", secondsOr(seedCfg.Timeouts.SettlementTimeoutSecs, 1800*time.Second)),
		SweepInterval:     envOrDuration("SWEEP_INTERVAL", secondsOr(seedCfg.Timeouts.SweepIntervalSecs, 30*time.Second)),
		DLQPath:           envOr("DLQ_PATH", filepath.Join(os.TempDir(), "intentrails-dlq")),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "text"),
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
		RPCTimeout:     millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second),
		ReceiptTimeout: envOrDuration("RECEIPT_TIMEOUT", 2*time.Minute),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       seedCfg.Retry.MaxAttempts,
		InitialBackoff:    millisOr(seedCfg.Retry.InitialBackoffMs, 200*time.Millisecond),
		MaxBackoff:        millisOr(seedCfg.Retry.MaxBackoffMs, 5*time.Second),
		BackoffMultiplier: seedCfg.Retry.BackoffMultiplier,
	}
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 3
	}
	if retryCfg.BackoffMultiplier < 1 {
		retryCfg.BackoffMultiplier = 2
	}

	storeCfg := StoreConfig{
		Backend:       envOr("IDEMPOTENCY_BACKEND", "file"),
		FilePath:      envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "intentrails-idem.json")),
		PostgresDSN:   envOr("IDEMPOTENCY_POSTGRES_DSN", envOr("DATABASE_URL", "")),
		RedisAddr:     envOr("REDIS_ADDR", ""),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envOrInt("REDIS_DB", 0),
	}

	notifyCfg := NotifyConfig{
		NATSURL:         envOr("NATS_URL", ""),
		SubjectPrefix:   envOr("NATS_SUBJECT_PREFIX", "intents"),
		DeliverySubject: envOr("NATS_DELIVERY_SUBJECT", "bridge.delivery"),
		PostgresDSN:     envOr("EVENTS_POSTGRES_DSN", envOr("DATABASE_URL", "")),
	}

	return &AppConfig{
		Seed:        seedCfg,
		Deployment:  deployCfg,
		Service:     serviceCfg,
		Chain:       chainCfg,
		Retry:       retryCfg,
		Idempotency: storeCfg,
		Notify:      notifyCfg,
	}, nil
}

// SupportedTokens parses the seeded token allow-list.
func (c *AppConfig) SupportedTokens() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Seed.SupportedTokens))
	for _, raw := range c.Seed.SupportedTokens {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("supported token %q is not an address", raw)
		}
		out = append(out, common.HexToAddress(raw))
	}
	return out, nil
}

// decodeFile reads JSON, or YAML when the extension says so.
func decodeFile(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, dst)
	default:
		return json.Unmarshal(raw, dst)
	}
}

func secondsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
