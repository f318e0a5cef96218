package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`
	Verify VerifyConfig `yaml:"verify" mapstructure:"verify"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LedgerConfig configures the Solana RPC connection and anchor programs.
// Driver "memory" swaps the RPC client for an in-process ledger whose state
// ends with the process.
type LedgerConfig struct {
	Driver             string  `yaml:"driver" mapstructure:"driver"`
	RPCURL             string  `yaml:"rpc_url" mapstructure:"rpc_url"`
	MemoProgramID      string  `yaml:"memo_program_id" mapstructure:"memo_program_id"`
	AnchorProgramID    string  `yaml:"anchor_program_id" mapstructure:"anchor_program_id"`
	Commitment         string  `yaml:"commitment" mapstructure:"commitment"`
	ConfirmTimeoutSecs int     `yaml:"confirm_timeout_secs" mapstructure:"confirm_timeout_secs"`
	PollIntervalMs     int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	ReadCacheTTLMins   int     `yaml:"read_cache_ttl_mins" mapstructure:"read_cache_ttl_mins"`
	KeypairPath        string  `yaml:"keypair_path" mapstructure:"keypair_path"`
}

func (l LedgerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSecs) * time.Second
}

func (l LedgerConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMs) * time.Millisecond
}

func (l LedgerConfig) ReadCacheTTL() time.Duration {
	return time.Duration(l.ReadCacheTTLMins) * time.Minute
}

// VerifyConfig bounds concurrent verification.
type VerifyConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUTOTRUST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("ledger.driver", "solana")
	v.SetDefault("ledger.rpc_url", "https://api.devnet.solana.com")
	v.SetDefault("ledger.memo_program_id", "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	v.SetDefault("ledger.anchor_program_id", "")
	v.SetDefault("ledger.commitment", "confirmed")
	v.SetDefault("ledger.confirm_timeout_secs", 60)
	v.SetDefault("ledger.poll_interval_ms", 500)
	v.SetDefault("ledger.requests_per_second", 10)
	v.SetDefault("ledger.read_cache_ttl_mins", 30)
	v.SetDefault("ledger.keypair_path", "")
	v.SetDefault("verify.concurrency", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name.
func (c *Config) Validate(mode string) error {
	var problems []string
	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		case "sqlite":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required (sqlite file path)")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}
	needLedger := func() {
		switch c.Ledger.Driver {
		case "", "solana":
			if c.Ledger.RPCURL == "" {
				problems = append(problems, "ledger.rpc_url is required")
			}
		case "memory":
		default:
			problems = append(problems, "ledger.driver must be solana or memory")
		}
		switch c.Ledger.Commitment {
		case "processed", "confirmed", "finalized":
		default:
			problems = append(problems, "ledger.commitment must be processed, confirmed or finalized")
		}
		if c.Ledger.ConfirmTimeoutSecs <= 0 {
			problems = append(problems, "ledger.confirm_timeout_secs must be positive")
		}
	}

	switch mode {
	case "serve":
		needStore()
		needLedger()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	case "migrate":
		needStore()
	case "verify":
		needStore()
		needLedger()
	case "anchor":
		needStore()
		needLedger()
		if c.Ledger.KeypairPath == "" {
			problems = append(problems, "ledger.keypair_path is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
