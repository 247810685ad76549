// Package config loads and validates the service configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"muse/internal/domain/balancer"
	"muse/internal/domain/instance"
	"muse/internal/shared/logging"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	APISecret    string        `mapstructure:"api_secret" yaml:"api_secret"`
	Debug        bool          `mapstructure:"debug" yaml:"debug"`
	EnableCORS   bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DispatchConfig holds balancing and execution settings.
type DispatchConfig struct {
	Policy   string        `mapstructure:"policy" yaml:"policy"`
	Watchdog time.Duration `mapstructure:"watchdog" yaml:"watchdog"`
}

// NotifyConfig holds webhook delivery settings.
type NotifyConfig struct {
	DefaultHook string `mapstructure:"default_hook" yaml:"default_hook"`
	QueueSize   int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// StoreConfig holds task retention settings.
type StoreConfig struct {
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxTasks    int           `mapstructure:"max_tasks" yaml:"max_tasks"`
	PersistFile string        `mapstructure:"persist_file" yaml:"persist_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig       `mapstructure:"server" yaml:"server"`
	Dispatch DispatchConfig     `mapstructure:"dispatch" yaml:"dispatch"`
	Notify   NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Store    StoreConfig        `mapstructure:"store" yaml:"store"`
	Log      LogConfig          `mapstructure:"log" yaml:"log"`
	Accounts []instance.Account `mapstructure:"accounts" yaml:"accounts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Dispatch: DispatchConfig{
			Policy:   balancer.PolicyBestWaitIdle,
			Watchdog: 30 * time.Minute,
		},
		Notify: NotifyConfig{QueueSize: 256},
		Store: StoreConfig{
			Retention: 24 * time.Hour,
			MaxTasks:  10000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the configuration from path (or the default search locations
// when path is empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("muse")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.muse")
		v.AddConfigPath("/etc/muse")
	}
	v.SetEnvPrefix("MUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// No file found in the search path; defaults plus env apply.
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies and logs non-fatal
// adjustments.
func (c Config) Validate() error {
	logger := logging.NewComponentLogger("Config")

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := balancer.New(c.Dispatch.Policy); err != nil {
		return fmt.Errorf("dispatch.policy: %w", err)
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[acc.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
		if acc.ChannelID == "" || acc.GuildID == "" {
			return fmt.Errorf("account %s: guild_id and channel_id are required", acc.ID)
		}
		if acc.UserToken == "" {
			return fmt.Errorf("account %s: user_token is required", acc.ID)
		}
		if acc.CoreSize != acc.EffectiveCoreSize() {
			logger.Warn("account %s: core_size %d clamped to %d", acc.ID, acc.CoreSize, acc.EffectiveCoreSize())
		}
		if acc.Weight < 0 {
			return fmt.Errorf("account %s: weight must not be negative", acc.ID)
		}
	}
	return nil
}

// YAML renders the configuration for the config print command. Credentials
// are redacted.
func (c Config) YAML() (string, error) {
	redacted := c
	redacted.Server.APISecret = redact(c.Server.APISecret)
	redacted.Accounts = make([]instance.Account, len(c.Accounts))
	copy(redacted.Accounts, c.Accounts)
	for i := range redacted.Accounts {
		redacted.Accounts[i].UserToken = redact(redacted.Accounts[i].UserToken)
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
