// Package config loads and validates the liquidatord runtime
// configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"liquidatord/liquidator"
)

// Defaults applied by normalize when a field is absent.
const (
	defaultListenAddress   = ":7070"
	defaultPollInterval    = 30 * time.Second
	defaultCheckpointPath  = "liquidatord.db"
	defaultRPCRateLimit    = 20
	defaultGasPremiumBps   = 12_500
	defaultPassphraseEnv   = "LIQUIDATOR_KEYSTORE_PASSPHRASE"
	defaultPriceFeedMaxAge = time.Hour
)

// Config captures the runtime settings for the liquidation daemon.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Admin    AdminConfig    `yaml:"admin"`
	Policy   PolicyConfig   `yaml:"policy"`

	// PollInterval is the pause between engine passes.
	PollInterval time.Duration `yaml:"poll_interval"`
	// CheckpointPath locates the bbolt database holding the log-scan
	// checkpoint and the discovered sponsor set.
	CheckpointPath string `yaml:"checkpoint_path"`
}

// ChainConfig describes the RPC endpoint and the monitored contracts.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	PriceFeed       string `yaml:"price_feed_address"`
	// PriceFeedMaxAge withholds prices older than this duration. Zero
	// keeps the default; a negative value disables the check.
	PriceFeedMaxAge time.Duration `yaml:"price_feed_max_age"`
	// StartBlock bounds the first event scan when no checkpoint exists.
	StartBlock uint64 `yaml:"start_block"`
	// RPCRateLimit caps backend requests per second.
	RPCRateLimit int `yaml:"rpc_rate_limit"`
	// GasPremiumBps marks up the node's suggested gas price, in basis
	// points. 12500 means 1.25x.
	GasPremiumBps uint64 `yaml:"gas_premium_bps"`
}

// KeystoreConfig locates the operator key material. The passphrase is
// read from the named environment variable, never from the file.
type KeystoreConfig struct {
	Path          string `yaml:"path"`
	Account       string `yaml:"account"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// AdminConfig describes the HTTP surface serving health and metrics.
type AdminConfig struct {
	ListenAddress string `yaml:"listen"`
}

// PolicyConfig carries optional overrides for the engine policy keys.
// Absent fields fall back to the engine defaults.
type PolicyConfig struct {
	CRThreshold         *string `yaml:"cr_threshold"`
	LiquidationDeadline *int64  `yaml:"liquidation_deadline"`
	LiquidationMinPrice *string `yaml:"liquidation_min_price"`
	TxnGasLimit         *uint64 `yaml:"txn_gas_limit"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	cfg.Chain.ContractAddress = strings.TrimSpace(cfg.Chain.ContractAddress)
	cfg.Chain.PriceFeed = strings.TrimSpace(cfg.Chain.PriceFeed)
	if cfg.Chain.PriceFeedMaxAge == 0 {
		cfg.Chain.PriceFeedMaxAge = defaultPriceFeedMaxAge
	}
	if cfg.Chain.PriceFeedMaxAge < 0 {
		cfg.Chain.PriceFeedMaxAge = 0
	}
	if cfg.Chain.RPCRateLimit == 0 {
		cfg.Chain.RPCRateLimit = defaultRPCRateLimit
	}
	if cfg.Chain.GasPremiumBps == 0 {
		cfg.Chain.GasPremiumBps = defaultGasPremiumBps
	}

	cfg.Keystore.Path = strings.TrimSpace(cfg.Keystore.Path)
	cfg.Keystore.Account = strings.TrimSpace(cfg.Keystore.Account)
	cfg.Keystore.PassphraseEnv = strings.TrimSpace(cfg.Keystore.PassphraseEnv)
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}

	cfg.Admin.ListenAddress = strings.TrimSpace(cfg.Admin.ListenAddress)
	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = defaultListenAddress
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.CheckpointPath = strings.TrimSpace(cfg.CheckpointPath)
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = defaultCheckpointPath
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain: rpc_url is required")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return fmt.Errorf("chain: contract_address %q is not a hex address", cfg.Chain.ContractAddress)
	}
	if !common.IsHexAddress(cfg.Chain.PriceFeed) {
		return fmt.Errorf("chain: price_feed_address %q is not a hex address", cfg.Chain.PriceFeed)
	}
	if cfg.Chain.RPCRateLimit < 0 {
		return fmt.Errorf("chain: rpc_rate_limit must not be negative")
	}
	if cfg.Keystore.Path == "" {
		return fmt.Errorf("keystore: path is required")
	}
	if !common.IsHexAddress(cfg.Keystore.Account) {
		return fmt.Errorf("keystore: account %q is not a hex address", cfg.Keystore.Account)
	}
	// Policy values get their real validation inside NewPolicy; running
	// it here surfaces bad values at startup instead of first pass.
	if _, err := liquidator.NewPolicy(cfg.PolicyOverrides()); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// PolicyOverrides converts the YAML policy block into engine overrides.
func (cfg Config) PolicyOverrides() liquidator.PolicyOverrides {
	return liquidator.PolicyOverrides{
		CRThreshold:         cfg.Policy.CRThreshold,
		LiquidationDeadline: cfg.Policy.LiquidationDeadline,
		LiquidationMinPrice: cfg.Policy.LiquidationMinPrice,
		TxnGasLimit:         cfg.Policy.TxnGasLimit,
	}
}

// ContractAddress returns the parsed financial contract address.
func (cfg Config) ContractAddress() common.Address {
	return common.HexToAddress(cfg.Chain.ContractAddress)
}

// PriceFeedAddress returns the parsed aggregator address.
func (cfg Config) PriceFeedAddress() common.Address {
	return common.HexToAddress(cfg.Chain.PriceFeed)
}

// OperatorAccount returns the parsed operator address.
func (cfg Config) OperatorAccount() common.Address {
	return common.HexToAddress(cfg.Keystore.Account)
}

// KeystorePassphrase reads the keystore passphrase from the configured
// environment variable.
func (cfg Config) KeystorePassphrase() (string, error) {
	passphrase, ok := os.LookupEnv(cfg.Keystore.PassphraseEnv)
	if !ok {
		return "", fmt.Errorf("keystore passphrase env %s is not set", cfg.Keystore.PassphraseEnv)
	}
	return passphrase, nil
}
