// Package config contains trxexec configuration definitions.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-trxexec/chain"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

const defaultConfigFileName = "./config.toml"

// Config defines the top level configuration of the executor.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Context    trxcontext.Config `mapstructure:"context"`
	Resource   resource.Config   `mapstructure:"resource"`
	Chain      chain.Config      `mapstructure:"chain"`
	Genesis    chain.Genesis     `mapstructure:"genesis"`
	LOGGING    LoggerConfig      `mapstructure:"logging"`
}

// BaseConfig defines locations used by the executor.
type BaseConfig struct {
	ConfigFile string `mapstructure:"config"`
	// Database is the path of the ledger database. Empty for an in-memory ledger.
	Database string `mapstructure:"database"`
	// DatabaseConnections is the size of the connection pool.
	DatabaseConnections int  `mapstructure:"database-connections"`
	CollectMetrics      bool `mapstructure:"metrics"`
	MetricsPort         int  `mapstructure:"metrics-port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			ConfigFile:          defaultConfigFileName,
			DatabaseConnections: 16,
			MetricsPort:         1010,
		},
		Context:  trxcontext.DefaultConfig(),
		Resource: resource.DefaultConfig(),
		Chain:    chain.DefaultConfig(),
		Genesis:  DefaultGenesis(),
		LOGGING:  defaultLoggingConfig(),
	}
}

// Validate fails if any section of the config is invalid.
func (cfg *Config) Validate() error {
	if err := cfg.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := cfg.Resource.Validate(); err != nil {
		return fmt.Errorf("resource: %w", err)
	}
	if err := ValidateGenesis(&cfg.Genesis, cfg.Context.SystemAccount); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	return nil
}

// LoadConfig reads the config file into vip.
// Missing default config file is not an error.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		if fileLocation == defaultConfigFileName && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %w", err)
	}
	return nil
}

// DecodeHook converts strings from config files and flags into config values.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// Parse overwrites defaults with values loaded into vip.
func Parse(vip *viper.Viper) (*Config, error) {
	conf := DefaultConfig()
	if vip.IsSet("genesis.accounts") {
		// decoding into a non-empty slice keeps default elements
		conf.Genesis.Accounts = nil
	}
	if err := vip.Unmarshal(&conf, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}
