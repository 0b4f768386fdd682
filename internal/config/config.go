package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CHATSYNC"
	defaultDatabasePath      = "chatsync.db"
	defaultLogLevel          = "info"
	defaultLogFile           = "chatsync.log"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxBackups     = 3
	defaultQueueCapacity     = 10
	defaultPageSize          = 20
	defaultHistoryLimit      = 100
	defaultInitialBackoffMax = time.Minute
	defaultControlAddress    = "127.0.0.1:8089"
	defaultTokenTTL          = 24 * time.Hour
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	DatabasePath  string
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	RelayURL      string

	QueueCapacity     int
	PageSize          int
	HistoryLimit      int
	InitialBackoffMax time.Duration

	ControlAddress       string
	ControlSigningSecret string
	ControlTokenTTL      time.Duration
}

// ControlEnabled reports whether the local control API should listen.
func (c AppConfig) ControlEnabled() bool {
	return strings.TrimSpace(c.ControlAddress) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AllowEmptyEnv(true)
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", defaultLogFile)
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("sync.queue_capacity", defaultQueueCapacity)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.history_limit", defaultHistoryLimit)
	configViper.SetDefault("sync.initial_backoff_max", defaultInitialBackoffMax)
	configViper.SetDefault("control.address", defaultControlAddress)
	configViper.SetDefault("control.token_ttl", defaultTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		LogMaxSizeMB:         configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:        configViper.GetInt("log.max_backups"),
		RelayURL:             configViper.GetString("relay.url"),
		QueueCapacity:        configViper.GetInt("sync.queue_capacity"),
		PageSize:             configViper.GetInt("sync.page_size"),
		HistoryLimit:         configViper.GetInt("sync.history_limit"),
		InitialBackoffMax:    configViper.GetDuration("sync.initial_backoff_max"),
		ControlAddress:       configViper.GetString("control.address"),
		ControlSigningSecret: configViper.GetString("control.signing_secret"),
		ControlTokenTTL:      configViper.GetDuration("control.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RelayURL) == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("sync.queue_capacity must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.HistoryLimit == 0 {
		return fmt.Errorf("sync.history_limit must be positive, or negative for no limit")
	}
	if c.InitialBackoffMax <= 0 {
		return fmt.Errorf("sync.initial_backoff_max must be positive")
	}
	if c.ControlEnabled() {
		if strings.TrimSpace(c.ControlSigningSecret) == "" {
			return fmt.Errorf("control.signing_secret is required when control.address is set")
		}
		if c.ControlTokenTTL <= 0 {
			return fmt.Errorf("control.token_ttl must be positive")
		}
	}
	return nil
}

// TokenConfig is the subset of configuration needed to mint control API tokens.
type TokenConfig struct {
	SigningSecret string
	TTL           time.Duration
}

// LoadTokenConfig parses the control token settings without requiring the sync settings.
func LoadTokenConfig(configViper *viper.Viper) (TokenConfig, error) {
	cfg := TokenConfig{
		SigningSecret: configViper.GetString("control.signing_secret"),
		TTL:           configViper.GetDuration("control.token_ttl"),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return TokenConfig{}, fmt.Errorf("control.signing_secret is required")
	}
	if cfg.TTL <= 0 {
		return TokenConfig{}, fmt.Errorf("control.token_ttl must be positive")
	}
	return cfg, nil
}
