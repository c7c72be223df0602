package resource

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/resources"
)

var (
	// ErrOrdinalRegression is returned when usage is added for an ordinal before the last one.
	ErrOrdinalRegression = errors.New("resource: ordinal regression")
	// ErrAccountCPUExceeded is returned when account can't afford billed cpu.
	ErrAccountCPUExceeded = errors.New("resource: account cpu usage exceeded")
	// ErrAccountNetExceeded is returned when account can't afford billed net.
	ErrAccountNetExceeded = errors.New("resource: account net usage exceeded")
	// ErrBlockResourceExhausted is returned when block has no cpu or net left.
	ErrBlockResourceExhausted = errors.New("resource: block resource exhausted")
	// ErrRAMUsageExceeded is returned when account uses more ram than its quota.
	ErrRAMUsageExceeded = errors.New("resource: ram usage exceeded")
	// ErrRAMUsageUnderflow is returned when ram usage becomes negative.
	ErrRAMUsageUnderflow = errors.New("resource: ram usage underflow")
)

// slotsEpoch is the start of usage slots.
var slotsEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// AccountLimit is the bandwidth of an account over its averaging window.
// All values are -1 for unlimited accounts.
type AccountLimit struct {
	Used      int64
	Available int64
	Max       int64
}

func unlimitedAccount() AccountLimit {
	return AccountLimit{Used: -1, Available: -1, Max: -1}
}

// Opt for configuring Manager.
type Opt func(*Manager)

// WithLogger sets logger for Manager.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithConfig overwrites default config.
func WithConfig(cfg Config) Opt {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// Manager computes resource limits and usage over ledger state.
// Every method takes the executor of the session it must read from and write to.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	limits *lru.Cache[types.Name, types.ResourceLimits]
}

// New creates Manager.
func New(opts ...Opt) (*Manager, error) {
	m := &Manager{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	limits, err := lru.New[types.Name, types.ResourceLimits](m.cfg.LimitsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limits cache: %w", err)
	}
	m.limits = limits
	return m, nil
}

// Config returns config of the manager.
func (m *Manager) Config() Config {
	return m.cfg
}

// Slot returns usage slot of the timestamp.
func (m *Manager) Slot(t time.Time) uint32 {
	if t.Before(slotsEpoch) {
		return 0
	}
	return uint32(t.Sub(slotsEpoch) / m.cfg.SlotDuration)
}

// Purge drops cached limits. Must be called when a session that might have changed limits is undone.
func (m *Manager) Purge() {
	m.limits.Purge()
}

// Initialize writes initial block resource state.
func (m *Manager) Initialize(db sql.Executor) error {
	state := types.ResourceState{
		VirtualNetLimit: m.cfg.NetLimit.Max,
		VirtualCPULimit: m.cfg.CPULimit.Max,
	}
	return resources.SetState(db, &state)
}

// AccountLimits returns resource limits of the account.
func (m *Manager) AccountLimits(db sql.Executor, account types.Name) (types.ResourceLimits, error) {
	if limits, exists := m.limits.Get(account); exists {
		return limits, nil
	}
	limits, err := resources.GetLimits(db, account)
	if err != nil {
		return limits, err
	}
	m.limits.Add(account, limits)
	return limits, nil
}

// SetAccountLimits overwrites limits of the account and adjusts total staked weights.
// Returns true if ram quota was decreased.
func (m *Manager) SetAccountLimits(db sql.Executor, account types.Name, limits types.ResourceLimits) (bool, error) {
	prev, err := resources.GetLimits(db, account)
	if err != nil {
		return false, err
	}
	state, err := resources.GetState(db)
	if err != nil {
		return false, err
	}
	state.TotalNetWeight = reweight(state.TotalNetWeight, prev.NetWeight, limits.NetWeight)
	state.TotalCPUWeight = reweight(state.TotalCPUWeight, prev.CPUWeight, limits.CPUWeight)
	if err := resources.SetState(db, &state); err != nil {
		return false, err
	}
	m.limits.Remove(account)
	if err := resources.SetLimits(db, account, limits); err != nil {
		return false, err
	}
	decreased := limits.RAMBytes >= 0 && (prev.RAMBytes < 0 || limits.RAMBytes < prev.RAMBytes)
	m.logger.Debug("account limits updated",
		zap.Stringer("account", account),
		zap.Object("limits", &limits),
		zap.Bool("ram decreased", decreased),
	)
	return decreased, nil
}

func reweight(total uint64, prev, next int64) uint64 {
	if prev > 0 {
		total -= uint64(prev)
	}
	if next > 0 {
		total += uint64(next)
	}
	return total
}

// UpdateAccountUsage decays usage of accounts to the slot.
func (m *Manager) UpdateAccountUsage(db sql.Executor, accounts []types.Name, slot uint32) error {
	for _, account := range accounts {
		usage, err := resources.GetUsage(db, account)
		if err != nil {
			return err
		}
		if err := accumulate(&usage.Net, 0, slot, m.cfg.AccountNetUsageAverageWindow); err != nil {
			return fmt.Errorf("net usage of %s: %w", account, err)
		}
		if err := accumulate(&usage.CPU, 0, slot, m.cfg.AccountCPUUsageAverageWindow); err != nil {
			return fmt.Errorf("cpu usage of %s: %w", account, err)
		}
		if err := resources.SetUsage(db, account, &usage); err != nil {
			return err
		}
	}
	return nil
}

// AddTransactionUsage bills cpu and net to accounts and to the pending block usage.
func (m *Manager) AddTransactionUsage(
	db sql.Executor,
	accounts []types.Name,
	cpu, net uint64,
	slot uint32,
) error {
	state, err := resources.GetState(db)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		usage, err := resources.GetUsage(db, account)
		if err != nil {
			return err
		}
		if err := accumulate(&usage.Net, net, slot, m.cfg.AccountNetUsageAverageWindow); err != nil {
			return fmt.Errorf("net usage of %s: %w", account, err)
		}
		if err := accumulate(&usage.CPU, cpu, slot, m.cfg.AccountCPUUsageAverageWindow); err != nil {
			return fmt.Errorf("cpu usage of %s: %w", account, err)
		}
		limits, err := m.AccountLimits(db, account)
		if err != nil {
			return err
		}
		if limits.CPUWeight >= 0 && state.TotalCPUWeight > 0 {
			window := m.cfg.AccountCPUUsageAverageWindow
			used := usedInWindow(&usage.CPU, window, false)
			allowed := maxUserUse(state.VirtualCPULimit, window, limits.CPUWeight, state.TotalCPUWeight)
			if used.Gt(allowed) {
				return fmt.Errorf("%w: %s used %d of %d in window",
					ErrAccountCPUExceeded, account, clampUint64(used), clampUint64(allowed))
			}
		}
		if limits.NetWeight >= 0 && state.TotalNetWeight > 0 {
			window := m.cfg.AccountNetUsageAverageWindow
			used := usedInWindow(&usage.Net, window, false)
			allowed := maxUserUse(state.VirtualNetLimit, window, limits.NetWeight, state.TotalNetWeight)
			if used.Gt(allowed) {
				return fmt.Errorf("%w: %s used %d of %d in window",
					ErrAccountNetExceeded, account, clampUint64(used), clampUint64(allowed))
			}
		}
		if err := resources.SetUsage(db, account, &usage); err != nil {
			return err
		}
	}
	state.PendingCPUUsage += cpu
	state.PendingNetUsage += net
	if state.PendingCPUUsage > m.cfg.CPULimit.Max {
		return fmt.Errorf("%w: insufficient cpu", ErrBlockResourceExhausted)
	}
	if state.PendingNetUsage > m.cfg.NetLimit.Max {
		return fmt.Errorf("%w: insufficient net", ErrBlockResourceExhausted)
	}
	return resources.SetState(db, &state)
}

func maxUserUse(capacity uint64, window uint32, weight int64, total uint64) *uint256.Int {
	inWindow := new(uint256.Int).Mul(u256(capacity), u256(uint64(window)))
	inWindow.Mul(inWindow, u256(uint64(weight)))
	return inWindow.Div(inWindow, u256(total))
}

// AddPendingRAMUsage adds delta to ram used by the account.
func (m *Manager) AddPendingRAMUsage(db sql.Executor, account types.Name, delta int64) error {
	if delta == 0 {
		return nil
	}
	usage, err := resources.GetUsage(db, account)
	if err != nil {
		return err
	}
	if delta < 0 && usage.RAMUsage+delta < 0 {
		return fmt.Errorf("%w: %s uses %d, delta %d", ErrRAMUsageUnderflow, account, usage.RAMUsage, delta)
	}
	usage.RAMUsage += delta
	return resources.SetUsage(db, account, &usage)
}

// VerifyAccountRAMUsage fails if account uses more ram than its quota.
func (m *Manager) VerifyAccountRAMUsage(db sql.Executor, account types.Name) error {
	limits, err := m.AccountLimits(db, account)
	if err != nil {
		return err
	}
	if limits.RAMBytes < 0 {
		return nil
	}
	usage, err := resources.GetUsage(db, account)
	if err != nil {
		return err
	}
	if usage.RAMUsage > limits.RAMBytes {
		return fmt.Errorf("%w: %s has insufficient ram; needs %d bytes has %d bytes",
			ErrRAMUsageExceeded, account, usage.RAMUsage, limits.RAMBytes)
	}
	return nil
}

// AccountRAMUsage returns ram used by the account.
func (m *Manager) AccountRAMUsage(db sql.Executor, account types.Name) (int64, error) {
	usage, err := resources.GetUsage(db, account)
	if err != nil {
		return 0, err
	}
	return usage.RAMUsage, nil
}

// AccountNetLimit returns net bandwidth of the account. Greylist limit below the max multiplier
// caps the virtual capacity to greylistLimit times the block max; the returned flag is true
// when that cap was binding.
func (m *Manager) AccountNetLimit(
	db sql.Executor,
	account types.Name,
	greylistLimit uint32,
) (AccountLimit, bool, error) {
	limits, err := m.AccountLimits(db, account)
	if err != nil {
		return AccountLimit{}, false, err
	}
	state, err := resources.GetState(db)
	if err != nil {
		return AccountLimit{}, false, err
	}
	if limits.NetWeight < 0 || state.TotalNetWeight == 0 {
		return unlimitedAccount(), false, nil
	}
	usage, err := resources.GetUsage(db, account)
	if err != nil {
		return AccountLimit{}, false, err
	}
	limit, greylisted := m.accountLimit(
		&usage.Net, m.cfg.AccountNetUsageAverageWindow, &m.cfg.NetLimit,
		state.VirtualNetLimit, limits.NetWeight, state.TotalNetWeight, greylistLimit,
	)
	return limit, greylisted, nil
}

// AccountCPULimit returns cpu bandwidth of the account. See AccountNetLimit.
func (m *Manager) AccountCPULimit(
	db sql.Executor,
	account types.Name,
	greylistLimit uint32,
) (AccountLimit, bool, error) {
	limits, err := m.AccountLimits(db, account)
	if err != nil {
		return AccountLimit{}, false, err
	}
	state, err := resources.GetState(db)
	if err != nil {
		return AccountLimit{}, false, err
	}
	if limits.CPUWeight < 0 || state.TotalCPUWeight == 0 {
		return unlimitedAccount(), false, nil
	}
	usage, err := resources.GetUsage(db, account)
	if err != nil {
		return AccountLimit{}, false, err
	}
	limit, greylisted := m.accountLimit(
		&usage.CPU, m.cfg.AccountCPUUsageAverageWindow, &m.cfg.CPULimit,
		state.VirtualCPULimit, limits.CPUWeight, state.TotalCPUWeight, greylistLimit,
	)
	return limit, greylisted, nil
}

func (m *Manager) accountLimit(
	usage *types.UsageAccumulator,
	window uint32,
	params *ElasticLimitParameters,
	virtualLimit uint64,
	weight int64,
	totalWeight uint64,
	greylistLimit uint32,
) (AccountLimit, bool) {
	capacity := new(uint256.Int).Mul(u256(virtualLimit), u256(uint64(window)))
	greylisted := false
	if greylistLimit < params.MaxMultiplier {
		reduced := new(uint256.Int).Mul(u256(uint64(window)), u256(uint64(greylistLimit)))
		reduced.Mul(reduced, u256(params.Max))
		if reduced.Lt(capacity) {
			capacity = reduced
			greylisted = true
		}
	}
	maxUse := capacity.Mul(capacity, u256(uint64(weight)))
	maxUse.Div(maxUse, u256(totalWeight))
	used := usedInWindow(usage, window, true)

	limit := AccountLimit{
		Used: clampInt64(used),
		Max:  clampInt64(maxUse),
	}
	if maxUse.Gt(used) {
		limit.Available = clampInt64(new(uint256.Int).Sub(maxUse, used))
	}
	return limit, greylisted
}

// BlockNetLimit returns net left in the pending block.
func (m *Manager) BlockNetLimit(db sql.Executor) (uint64, error) {
	state, err := resources.GetState(db)
	if err != nil {
		return 0, err
	}
	if state.PendingNetUsage >= m.cfg.NetLimit.Max {
		return 0, nil
	}
	return m.cfg.NetLimit.Max - state.PendingNetUsage, nil
}

// BlockCPULimit returns cpu left in the pending block.
func (m *Manager) BlockCPULimit(db sql.Executor) (uint64, error) {
	state, err := resources.GetState(db)
	if err != nil {
		return 0, err
	}
	if state.PendingCPUUsage >= m.cfg.CPULimit.Max {
		return 0, nil
	}
	return m.cfg.CPULimit.Max - state.PendingCPUUsage, nil
}

// VirtualBlockLimits returns elastic net and cpu limits.
func (m *Manager) VirtualBlockLimits(db sql.Executor) (net, cpu uint64, err error) {
	state, err := resources.GetState(db)
	if err != nil {
		return 0, 0, err
	}
	return state.VirtualNetLimit, state.VirtualCPULimit, nil
}

// ProcessBlockUsage folds pending block usage into averages and updates virtual limits.
func (m *Manager) ProcessBlockUsage(db sql.Executor, block uint32) error {
	state, err := resources.GetState(db)
	if err != nil {
		return err
	}
	if err := accumulate(&state.AverageCPU, state.PendingCPUUsage, block, m.cfg.CPULimit.Periods); err != nil {
		return fmt.Errorf("block cpu usage: %w", err)
	}
	state.VirtualCPULimit = elasticLimit(state.VirtualCPULimit, average(&state.AverageCPU), &m.cfg.CPULimit)
	state.PendingCPUUsage = 0

	if err := accumulate(&state.AverageNet, state.PendingNetUsage, block, m.cfg.NetLimit.Periods); err != nil {
		return fmt.Errorf("block net usage: %w", err)
	}
	state.VirtualNetLimit = elasticLimit(state.VirtualNetLimit, average(&state.AverageNet), &m.cfg.NetLimit)
	state.PendingNetUsage = 0

	if err := resources.SetState(db, &state); err != nil {
		return err
	}
	blockVirtualCPU.Set(float64(state.VirtualCPULimit))
	blockVirtualNet.Set(float64(state.VirtualNetLimit))
	m.logger.Debug("processed block usage",
		zap.Uint32("block", block),
		zap.Object("state", &state),
	)
	return nil
}
