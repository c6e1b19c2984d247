package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Global    GlobalConfig    `yaml:"global"`
	Source    Source          `yaml:"source"`
	Connect   ConnectPolicy   `yaml:"connect"`
	Listener  ListenerConfig  `yaml:"listener"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Submitter SubmitterConfig `yaml:"submitter"`
}

type GlobalConfig struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

// Source describes the watched chain and bridge contract.
type Source struct {
	ID              string        `yaml:"id"`
	RPCURL          string        `yaml:"rpc_url"`
	Contract        string        `yaml:"contract"`
	ABIPath         string        `yaml:"abi_path"`
	StartBlock      string        `yaml:"start_block"`
	Confirmations   uint64        `yaml:"confirmations"`
	ChunkSize       uint64        `yaml:"chunk_size"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	RPCRate         float64       `yaml:"rpc_rps"`
	DisconnectAfter int           `yaml:"disconnect_after"`
}

// ConnectPolicy bounds connection attempts to the source RPC.
type ConnectPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

type ListenerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	MaxRetries   int           `yaml:"max_retries"`
	Where        []string      `yaml:"where"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type SubmitterConfig struct {
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`

	// log
	Signer string `yaml:"signer"`

	// webhook
	URL      string `yaml:"url"`
	Method   string `yaml:"method"`
	Template string `yaml:"template"`

	// kafka
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`

	// evm
	RPCURL     string `yaml:"rpc_url"`
	ChainID    int64  `yaml:"chain_id"`
	Contract   string `yaml:"contract"`
	PrivateKey string `yaml:"private_key"`
	GasLimit   uint64 `yaml:"gas_limit"`
	WaitMined  bool   `yaml:"wait_mined"`
}

const (
	defaultDBPath          = "relayer.db"
	defaultChunkSize       = 500
	defaultFetchTimeout    = 20 * time.Second
	defaultDisconnectAfter = 3
	defaultMaxAttempts     = 3
	defaultInitialBackoff  = 5 * time.Second
	defaultMaxBackoff      = time.Minute
	defaultMultiplier      = 2
	defaultPollInterval    = 10 * time.Second
	defaultMaxRetries      = 5
	defaultSubmitTimeout   = 30 * time.Second
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills in defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = defaultDBPath
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Connect.Validate(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.Submitter.Validate(); err != nil {
		return fmt.Errorf("submitter: %w", err)
	}
	return nil
}

func (s *Source) Validate() error {
	if s.ID == "" {
		s.ID = "source"
	}
	if s.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(s.Contract) {
		return fmt.Errorf("contract %q is not a hex address", s.Contract)
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = defaultChunkSize
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = defaultFetchTimeout
	}
	if s.RPCRate < 0 {
		return errors.New("rpc_rps must not be negative")
	}
	if s.DisconnectAfter <= 0 {
		s.DisconnectAfter = defaultDisconnectAfter
	}
	return nil
}

func (p *ConnectPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		return errors.New("max_backoff must be >= initial_backoff")
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.Multiplier < 1 {
		return errors.New("multiplier must be >= 1")
	}
	return nil
}

func (l *ListenerConfig) Validate() error {
	if l.PollInterval <= 0 {
		l.PollInterval = defaultPollInterval
	}
	if l.ErrorBackoff <= 0 {
		l.ErrorBackoff = 2 * l.PollInterval
	}
	if l.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = defaultMaxRetries
	}
	return nil
}

func (l *LedgerConfig) Validate() error {
	switch strings.ToLower(l.Backend) {
	case "", "sqlite":
		l.Backend = "sqlite"
	case "jsonl":
		l.Backend = "jsonl"
		if l.Path == "" {
			return errors.New("path is required for jsonl ledger")
		}
	case "postgres":
		l.Backend = "postgres"
		if l.DSN == "" {
			return errors.New("dsn is required for postgres ledger")
		}
	default:
		return fmt.Errorf("unsupported ledger backend: %s", l.Backend)
	}
	return nil
}

func (s *SubmitterConfig) Validate() error {
	if s.Timeout <= 0 {
		s.Timeout = defaultSubmitTimeout
	}

	switch strings.ToLower(s.Type) {
	case "", "log":
		s.Type = "log"
	case "webhook":
		s.Type = "webhook"
		if s.URL == "" {
			return errors.New("url is required for webhook submitter")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "kafka":
		s.Type = "kafka"
		if s.Brokers == "" || s.Topic == "" {
			return errors.New("brokers and topic are required for kafka submitter")
		}
	case "evm":
		s.Type = "evm"
		if s.RPCURL == "" {
			return errors.New("rpc_url is required for evm submitter")
		}
		if s.ChainID <= 0 {
			return errors.New("chain_id is required for evm submitter")
		}
		if !common.IsHexAddress(s.Contract) {
			return fmt.Errorf("contract %q is not a hex address", s.Contract)
		}
		if s.PrivateKey == "" {
			return errors.New("private_key is required for evm submitter")
		}
	default:
		return fmt.Errorf("unsupported submitter type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
