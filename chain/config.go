package chain

import (
	"errors"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
)

// Config for Controller.
type Config struct {
	// MaxDeferredPerBlock limits number of delayed transactions executed in a block.
	MaxDeferredPerBlock int `mapstructure:"max-deferred-per-block"`
	// Prevalidators is the number of transactions validated concurrently outside of a block.
	Prevalidators int `mapstructure:"prevalidators"`
	// OnBlock enables implicit onblock transaction at the start of every block.
	OnBlock bool `mapstructure:"on-block"`
	// Leeway is added to the deadline of transactions in a produced block.
	Leeway time.Duration `mapstructure:"leeway"`
}

// DefaultConfig for Controller.
func DefaultConfig() Config {
	return Config{
		MaxDeferredPerBlock: 100,
		Prevalidators:       4,
		OnBlock:             true,
	}
}

func (c *Config) validate() error {
	if c.MaxDeferredPerBlock < 0 {
		return errors.New("max deferred per block must not be negative")
	}
	if c.Prevalidators <= 0 {
		return errors.New("prevalidators must be positive")
	}
	return nil
}

// GenesisAccount is an account created at genesis.
type GenesisAccount struct {
	Name       types.Name `mapstructure:"name"`
	Privileged bool       `mapstructure:"privileged"`
	// Limits are -1 when unlimited.
	NetWeight     int64        `mapstructure:"net-weight"`
	CPUWeight     int64        `mapstructure:"cpu-weight"`
	RAMBytes      int64        `mapstructure:"ram-bytes"`
	FeeBalance    int64        `mapstructure:"fee-balance"`
	StaticActions []types.Name `mapstructure:"static-actions"`
}

// Genesis is the initial state of the ledger.
type Genesis struct {
	Time     time.Time        `mapstructure:"time"`
	Accounts []GenesisAccount `mapstructure:"accounts"`
}
