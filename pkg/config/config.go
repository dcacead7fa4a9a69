package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

// Config represents the coordinator configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Signer     SignerConfig     `yaml:"signer"`
	Relay      RelayConfig      `yaml:"relay"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Swap       SwapConfig       `yaml:"swap"`
	Chains     []ChainConfig    `yaml:"chains" validate:"required,min=2,dive"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host" default:"0.0.0.0"`
	Port         int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" default:"60s"`
}

// DatabaseConfig contains database connection settings. Driver "bolt" keeps
// everything in a single local file and ignores the connection fields.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" default:"postgres" validate:"oneof=postgres bolt"`
	BoltPath     string `yaml:"bolt_path" default:"coordinator.db"`
	Host         string `yaml:"host" default:"localhost"`
	Port         int    `yaml:"port" default:"5432"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database" default:"swap_coordinator"`
	SSLMode      string `yaml:"ssl_mode" default:"disable"`
	MaxOpenConns int    `yaml:"max_open_conns" default:"10"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// MonitoringConfig contains event monitor and metrics settings
type MonitoringConfig struct {
	DisableMetrics bool `yaml:"disable_metrics"`
	// EventBuffer bounds the channel between the monitor and the executor.
	EventBuffer int `yaml:"event_buffer" default:"256" validate:"min=1"`
	// MaxFailures is the number of consecutive failed polls after which a
	// watcher is marked degraded.
	MaxFailures    int           `yaml:"max_failures" default:"5" validate:"min=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"1m"`
}

// SignerConfig contains the threshold signing service endpoint
type SignerConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
	// JWTSecret signs the service tokens presented to the signer.
	JWTSecret string        `yaml:"jwt_secret" validate:"required,min=32"`
	Issuer    string        `yaml:"issuer" default:"swap-coordinator"`
	Audience  string        `yaml:"audience" default:"signing-service"`
	TokenTTL  time.Duration `yaml:"token_ttl" default:"5m"`
}

// RelayConfig contains the secret relay endpoint. An empty URL disables the
// relay, which makes ledgers without claim-for-beneficiary unusable as
// destinations.
type RelayConfig struct {
	URL       string        `yaml:"url" validate:"omitempty,url"`
	Timeout   time.Duration `yaml:"timeout" default:"10s"`
	JWTSecret string        `yaml:"jwt_secret" validate:"required_with=URL"`
	Issuer    string        `yaml:"issuer" default:"swap-coordinator"`
	Audience  string        `yaml:"audience" default:"secret-relay"`
	TokenTTL  time.Duration `yaml:"token_ttl" default:"5m"`
}

// SecretsConfig contains the key used to seal swap secrets at rest
type SecretsConfig struct {
	// MasterKey is a 32 byte hex encoded AES key.
	MasterKey string `yaml:"master_key" validate:"required,hexadecimal,len=64"`
}

// ExecutorConfig contains state machine scheduling settings
type ExecutorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" default:"8" validate:"min=1"`
	PollInterval   time.Duration `yaml:"poll_interval" default:"5s"`
	MaxAttempts    int           `yaml:"max_attempts" default:"10" validate:"min=1"`
	RetryDelay     time.Duration `yaml:"retry_delay" default:"5s"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay" default:"5m"`
	// ClaimLatency is the time budgeted for a claim to be built, signed and
	// confirmed before a window closes.
	ClaimLatency time.Duration `yaml:"claim_latency" default:"10m"`
	// RebroadcastAfter is how long a broadcast transaction may stay pending
	// before the same bytes are sent again.
	RebroadcastAfter time.Duration `yaml:"rebroadcast_after" default:"1m"`
}

// AnalyzerConfig contains profitability and risk thresholds
type AnalyzerConfig struct {
	MarginBps           uint32        `yaml:"margin_bps" default:"1000"`
	MinSafetyDepositBps uint32        `yaml:"min_safety_deposit_bps" default:"100"`
	MinExecutionTime    time.Duration `yaml:"min_execution_time" default:"2h"`
	SafetyMargin        time.Duration `yaml:"safety_margin" default:"15m"`
	// SignatureFee is the signing service fee per order in fee units.
	SignatureFee string `yaml:"signature_fee" default:"0"`
}

// SwapConfig contains per-order policy
type SwapConfig struct {
	SafetyDepositFloor string `yaml:"safety_deposit_floor" default:"0"`
	// SafetyDepositCap of zero means uncapped.
	SafetyDepositCap string               `yaml:"safety_deposit_cap" default:"0"`
	TimelockMargin   time.Duration        `yaml:"timelock_margin" default:"10m"`
	Timelocks        swap.TimelockOffsets `yaml:"timelocks"`
	Pairs            []PairConfig         `yaml:"pairs" validate:"dive"`
}

// PairConfig overrides the timelock offsets for one ledger pair
type PairConfig struct {
	Source      string               `yaml:"source" validate:"required"`
	Destination string               `yaml:"destination" validate:"required"`
	Timelocks   swap.TimelockOffsets `yaml:"timelocks"`
}

// ChainConfig contains the settings of one ledger
type ChainConfig struct {
	ID     string `yaml:"id" validate:"required"`
	Family string `yaml:"family" validate:"required,oneof=evm utxo ed25519"`
	RPCURL string `yaml:"rpc_url" validate:"required"`

	Confirmations uint64        `yaml:"confirmations" default:"12"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"15s"`
	RescanWindow  uint64        `yaml:"rescan_window" default:"64"`
	StartHeight   uint64        `yaml:"start_height"`
	BlockInterval time.Duration `yaml:"block_interval"`

	// Price converts one native base unit into fee units.
	Price string `yaml:"price" default:"0"`

	RPC RPCPoolConfig `yaml:"rpc"`
	Key KeyConfig     `yaml:"key"`

	EVM     EVMConfig     `yaml:"evm"`
	UTXO    UTXOConfig    `yaml:"utxo"`
	Ed25519 Ed25519Config `yaml:"ed25519"`
}

// RPCPoolConfig bounds RPC usage against one ledger
type RPCPoolConfig struct {
	MaxConcurrent  int64         `yaml:"max_concurrent" default:"4"`
	RequestsPerSec float64       `yaml:"requests_per_sec" default:"10"`
	MaxRetries     uint64        `yaml:"max_retries" default:"5"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"200ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"5s"`
}

// KeyConfig names the signing key used on one ledger
type KeyConfig struct {
	DerivationPath string `yaml:"derivation_path" validate:"required"`
	Version        uint32 `yaml:"version"`
	// PublicKey pins the expected key, hex encoded. When empty it is fetched
	// from the signing service at startup.
	PublicKey string `yaml:"public_key" validate:"omitempty,hexadecimal"`
}

// EVMConfig contains EVM adapter settings
type EVMConfig struct {
	NetworkID      int64  `yaml:"network_id"`
	EscrowContract string `yaml:"escrow_contract"`
	Legacy         bool   `yaml:"legacy"`
	MaxFeePerGas   string `yaml:"max_fee_per_gas"`
}

// UTXOConfig contains UTXO adapter settings
type UTXOConfig struct {
	Network         string `yaml:"network" default:"mainnet"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DisableTLS      bool   `yaml:"disable_tls"`
	ConfTarget      int64  `yaml:"conf_target" default:"6"`
	FallbackFeeRate int64  `yaml:"fallback_fee_rate" default:"10"`
	DustRelayFee    int64  `yaml:"dust_relay_fee" default:"3"`
}

// Ed25519Config contains Ed25519 account ledger settings
type Ed25519Config struct {
	Program              string `yaml:"program"`
	Commitment           string `yaml:"commitment" default:"confirmed"`
	LamportsPerSignature uint64 `yaml:"lamports_per_signature" default:"5000"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// Load loads configuration from file and environment variables. A .env file
// next to the process is loaded first when present, then ${VAR} references
// in the YAML are expanded.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	for i := range cfg.Chains {
		cfg.Chains[i].applyFamilyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyFamilyDefaults fills values whose default depends on the family.
func (c *ChainConfig) applyFamilyDefaults() {
	if c.BlockInterval > 0 {
		return
	}
	switch c.Family {
	case "evm":
		c.BlockInterval = 12 * time.Second
	case "utxo":
		c.BlockInterval = 10 * time.Minute
	case "ed25519":
		c.BlockInterval = 400 * time.Millisecond
	}
}

var validate = validator.New()

// Validate runs struct validation and the cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Database.Driver == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Relay.URL != "" && len(c.Relay.JWTSecret) < 32 {
		return fmt.Errorf("relay.jwt_secret must be at least 32 characters")
	}

	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ID] {
			return fmt.Errorf("duplicate chain id %q", ch.ID)
		}
		seen[ch.ID] = true
		if err := ch.validateFamily(); err != nil {
			return fmt.Errorf("chain %s: %w", ch.ID, err)
		}
		if _, err := ch.PriceDecimal(); err != nil {
			return fmt.Errorf("chain %s: %w", ch.ID, err)
		}
	}
	for _, p := range c.Swap.Pairs {
		if !seen[p.Source] || !seen[p.Destination] {
			return fmt.Errorf("swap pair %s/%s references an unknown chain", p.Source, p.Destination)
		}
	}

	if _, err := c.SafetyDepositPolicy(); err != nil {
		return err
	}
	if _, err := c.Analyzer.SignatureFeeDecimal(); err != nil {
		return err
	}
	return nil
}

func (c *ChainConfig) validateFamily() error {
	switch c.Family {
	case "evm":
		if c.EVM.NetworkID <= 0 {
			return fmt.Errorf("evm.network_id is required")
		}
		if c.EVM.EscrowContract == "" {
			return fmt.Errorf("evm.escrow_contract is required")
		}
		if c.EVM.MaxFeePerGas != "" {
			if _, ok := new(big.Int).SetString(c.EVM.MaxFeePerGas, 10); !ok {
				return fmt.Errorf("evm.max_fee_per_gas %q is not an integer", c.EVM.MaxFeePerGas)
			}
		}
	case "ed25519":
		if c.Ed25519.Program == "" {
			return fmt.Errorf("ed25519.program is required")
		}
	}
	return nil
}

// PriceDecimal returns the configured native unit price.
func (c *ChainConfig) PriceDecimal() (decimal.Decimal, error) {
	p, err := decimal.NewFromString(c.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", c.Price, err)
	}
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("price must not be negative")
	}
	return p, nil
}

// SignatureFeeDecimal returns the signing fee in fee units.
func (c *AnalyzerConfig) SignatureFeeDecimal() (decimal.Decimal, error) {
	f, err := decimal.NewFromString(c.SignatureFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid analyzer.signature_fee %q: %w", c.SignatureFee, err)
	}
	return f, nil
}

// SafetyDepositPolicy parses the safety deposit bounds.
func (c *Config) SafetyDepositPolicy() (swap.SafetyDepositPolicy, error) {
	floor, ok := new(big.Int).SetString(c.Swap.SafetyDepositFloor, 10)
	if !ok || floor.Sign() < 0 {
		return swap.SafetyDepositPolicy{}, fmt.Errorf("invalid swap.safety_deposit_floor %q", c.Swap.SafetyDepositFloor)
	}
	limit, ok := new(big.Int).SetString(c.Swap.SafetyDepositCap, 10)
	if !ok || limit.Sign() < 0 {
		return swap.SafetyDepositPolicy{}, fmt.Errorf("invalid swap.safety_deposit_cap %q", c.Swap.SafetyDepositCap)
	}
	if limit.Sign() > 0 && limit.Cmp(floor) < 0 {
		return swap.SafetyDepositPolicy{}, fmt.Errorf("swap.safety_deposit_cap is below the floor")
	}
	return swap.SafetyDepositPolicy{Floor: floor, Cap: limit}, nil
}

// TimelocksFor returns the offsets for a ledger pair, falling back to the
// global offsets.
func (c *SwapConfig) TimelocksFor(source, destination string) swap.TimelockOffsets {
	for _, p := range c.Pairs {
		if p.Source == source && p.Destination == destination {
			return p.Timelocks
		}
	}
	return c.Timelocks
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}
