package resource

import (
	"errors"
	"fmt"
	"time"
)

// Ratio is a rational multiplier.
type Ratio struct {
	Numerator   uint64 `mapstructure:"numerator"`
	Denominator uint64 `mapstructure:"denominator"`
}

// ElasticLimitParameters configure how the virtual block limit follows average block usage.
type ElasticLimitParameters struct {
	// Target is the desired average usage per block.
	Target uint64 `mapstructure:"target"`
	// Max is the hard per block limit.
	Max uint64 `mapstructure:"max"`
	// Periods is the number of blocks averaged.
	Periods uint32 `mapstructure:"periods"`
	// MaxMultiplier bounds virtual limit from above by Max*MaxMultiplier.
	MaxMultiplier uint32 `mapstructure:"max-multiplier"`
	// ContractRate is applied when average usage is above Target.
	ContractRate Ratio `mapstructure:"contract-rate"`
	// ExpandRate is applied when average usage is at or below Target.
	ExpandRate Ratio `mapstructure:"expand-rate"`
}

func (p *ElasticLimitParameters) validate() error {
	if p.Periods == 0 {
		return errors.New("elastic limit periods must be positive")
	}
	if p.MaxMultiplier == 0 {
		return errors.New("elastic limit max multiplier must be positive")
	}
	if p.ContractRate.Denominator == 0 || p.ExpandRate.Denominator == 0 {
		return errors.New("elastic limit rate denominator must be positive")
	}
	if p.Target > p.Max {
		return fmt.Errorf("elastic limit target %d exceeds max %d", p.Target, p.Max)
	}
	return nil
}

// Config of the resource limits.
type Config struct {
	NetLimit ElasticLimitParameters `mapstructure:"net-limit"`
	CPULimit ElasticLimitParameters `mapstructure:"cpu-limit"`

	// AccountNetUsageAverageWindow is the number of slots averaged for account net usage.
	AccountNetUsageAverageWindow uint32 `mapstructure:"account-net-usage-average-window"`
	// AccountCPUUsageAverageWindow is the number of slots averaged for account cpu usage.
	AccountCPUUsageAverageWindow uint32 `mapstructure:"account-cpu-usage-average-window"`
	// SlotDuration is the duration of a single usage slot.
	SlotDuration time.Duration `mapstructure:"slot-duration"`
	// LimitsCacheSize is the number of account limits kept in memory.
	LimitsCacheSize int `mapstructure:"limits-cache-size"`
}

// Validate config.
func (c *Config) Validate() error {
	if err := c.NetLimit.validate(); err != nil {
		return fmt.Errorf("net limit: %w", err)
	}
	if err := c.CPULimit.validate(); err != nil {
		return fmt.Errorf("cpu limit: %w", err)
	}
	if c.AccountNetUsageAverageWindow == 0 || c.AccountCPUUsageAverageWindow == 0 {
		return errors.New("account usage average window must be positive")
	}
	if c.SlotDuration <= 0 {
		return errors.New("slot duration must be positive")
	}
	if c.LimitsCacheSize <= 0 {
		return errors.New("limits cache size must be positive")
	}
	return nil
}

// DefaultConfig returns limits for 0.5s slots with a 24h account averaging window.
func DefaultConfig() Config {
	const (
		maxBlockNet = 1024 * 1024
		maxBlockCPU = 200_000
		blocks      = 120
		day         = 24 * 60 * 60 * 2
	)
	return Config{
		NetLimit: ElasticLimitParameters{
			Target:        maxBlockNet / 10,
			Max:           maxBlockNet,
			Periods:       blocks,
			MaxMultiplier: 1000,
			ContractRate:  Ratio{Numerator: 99, Denominator: 100},
			ExpandRate:    Ratio{Numerator: 1000, Denominator: 999},
		},
		CPULimit: ElasticLimitParameters{
			Target:        maxBlockCPU / 10,
			Max:           maxBlockCPU,
			Periods:       blocks,
			MaxMultiplier: 1000,
			ContractRate:  Ratio{Numerator: 99, Denominator: 100},
			ExpandRate:    Ratio{Numerator: 1000, Denominator: 999},
		},
		AccountNetUsageAverageWindow: day,
		AccountCPUUsageAverageWindow: day,
		SlotDuration:                 500 * time.Millisecond,
		LimitsCacheSize:              10_000,
	}
}
