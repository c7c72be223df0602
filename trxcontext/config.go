package trxcontext

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql/fees"
)

const (
	// TransactionIDNetUsage is net billed for retiring a delayed transaction by id.
	TransactionIDNetUsage = 32
	// GeneratedTransactionOverhead is ram billed for a stored delayed transaction in addition to its size.
	GeneratedTransactionOverhead = 260
)

// ResourceModel selects how transactions pay for resources.
type ResourceModel string

const (
	// StakeModel bills cpu and net against staked bandwidth of authorizers.
	StakeModel ResourceModel = "stake"
	// FeeModel debits a fee from the first authorizer of the first action.
	FeeModel ResourceModel = "fee"
)

var (
	activePermission = types.MustName("active")
	onFeeAction      = types.MustName("onfee")
)

// Config are chain parameters applied to every transaction.
type Config struct {
	MaxTransactionNetUsage     uint64 `mapstructure:"max-transaction-net-usage"`
	MaxTransactionCPUUsage     uint64 `mapstructure:"max-transaction-cpu-usage"`
	MinTransactionCPUUsage     uint64 `mapstructure:"min-transaction-cpu-usage"`
	BasePerTransactionNetUsage uint64 `mapstructure:"base-per-transaction-net-usage"`
	NetUsageLeeway             uint64 `mapstructure:"net-usage-leeway"`
	// Prunable data is billed with num/den discount.
	ContextFreeDiscountNetUsageNum uint64 `mapstructure:"context-free-discount-net-usage-num"`
	ContextFreeDiscountNetUsageDen uint64 `mapstructure:"context-free-discount-net-usage-den"`

	MaxInlineActionDepth        uint32        `mapstructure:"max-inline-action-depth"`
	MaxTransactionLifetime      time.Duration `mapstructure:"max-transaction-lifetime"`
	MaxTransactionDelay         time.Duration `mapstructure:"max-transaction-delay"`
	DeferredTrxExpirationWindow time.Duration `mapstructure:"deferred-trx-expiration-window"`
	SubjectiveCPULeeway         time.Duration `mapstructure:"subjective-cpu-leeway"`

	OnlyBillFirstAuthorizer bool           `mapstructure:"only-bill-first-authorizer"`
	ResourceModel           ResourceModel  `mapstructure:"resource-model"`
	SystemAccount           types.Name     `mapstructure:"system-account"`
	DefaultActionFee        fees.ActionFee `mapstructure:"default-action-fee"`

	// GreylistLimit is the elastic multiplier applied to accounts that are not greylisted while producing.
	GreylistLimit  uint32       `mapstructure:"greylist-limit"`
	Greylist       []types.Name `mapstructure:"greylist"`
	ActorWhitelist []types.Name `mapstructure:"actor-whitelist"`
	ActorBlacklist []types.Name `mapstructure:"actor-blacklist"`
}

// DefaultConfig returns parameters for a 200ms block cpu budget.
func DefaultConfig() Config {
	return Config{
		MaxTransactionNetUsage:         512 * 1024,
		MaxTransactionCPUUsage:         150_000,
		MinTransactionCPUUsage:         100,
		BasePerTransactionNetUsage:     12,
		NetUsageLeeway:                 500,
		ContextFreeDiscountNetUsageNum: 20,
		ContextFreeDiscountNetUsageDen: 100,
		MaxInlineActionDepth:           4,
		MaxTransactionLifetime:         time.Hour,
		MaxTransactionDelay:            45 * 24 * time.Hour,
		DeferredTrxExpirationWindow:    10 * time.Minute,
		SubjectiveCPULeeway:            3 * time.Millisecond,
		ResourceModel:                  StakeModel,
		SystemAccount:                  types.MustName("eosio"),
		DefaultActionFee:               fees.ActionFee{Fee: 100},
		GreylistLimit:                  1000,
	}
}

// Validate config.
func (c *Config) Validate() error {
	switch c.ResourceModel {
	case StakeModel, FeeModel:
	default:
		return fmt.Errorf("unknown resource model %q", c.ResourceModel)
	}
	if c.MinTransactionCPUUsage > c.MaxTransactionCPUUsage {
		return fmt.Errorf("min transaction cpu %d exceeds max %d", c.MinTransactionCPUUsage, c.MaxTransactionCPUUsage)
	}
	if c.GreylistLimit == 0 {
		return errors.New("greylist limit must be positive")
	}
	if c.SystemAccount.Empty() {
		return errors.New("system account must be set")
	}
	if c.SubjectiveCPULeeway < 0 {
		return errors.New("subjective cpu leeway must not be negative")
	}
	return nil
}

func (c *Config) greylisted(account types.Name) bool {
	return slices.Contains(c.Greylist, account)
}

func (c *Config) checkActors(actors []types.Name) error {
	if len(c.ActorWhitelist) > 0 {
		for _, actor := range actors {
			if !slices.Contains(c.ActorWhitelist, actor) {
				return fmt.Errorf("%w: authorizing actor %s is not on the whitelist", ErrActorWhitelistBlacklist, actor)
			}
		}
	}
	for _, actor := range actors {
		if slices.Contains(c.ActorBlacklist, actor) {
			return fmt.Errorf("%w: authorizing actor %s is on the blacklist", ErrActorWhitelistBlacklist, actor)
		}
	}
	return nil
}
