package trxcontext

import (
	"fmt"
	"math"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
)

// unlimitedBandwidth leaves room for adding leeway without overflow.
const unlimitedBandwidth = math.MaxInt64 / 2

// Bandwidth is the highest net (bytes) and cpu (microseconds) all billed accounts can pay for.
type Bandwidth struct {
	Net int64
	CPU int64
	// GreylistedNet is true if greylisting lowered net of any billed account.
	GreylistedNet bool
	// GreylistedCPU is true if greylisting lowered cpu of any billed account.
	GreylistedCPU bool
}

type billing interface {
	bandwidth(c *Context, forceElasticLimits bool) (Bandwidth, error)
	beforeExec(c *Context) error
	afterSchedule(c *Context) error
	bill(c *Context) error
}

// stakeBilling bills cpu and net to staked bandwidth of the authorizers.
type stakeBilling struct{}

func (stakeBilling) bandwidth(c *Context, forceElasticLimits bool) (Bandwidth, error) {
	bw := Bandwidth{Net: unlimitedBandwidth, CPU: unlimitedBandwidth}
	cfg := c.rl.Config()
	for _, account := range c.billToAccounts {
		netGreylist := cfg.NetLimit.MaxMultiplier
		cpuGreylist := cfg.CPULimit.MaxMultiplier
		if !forceElasticLimits && c.block.Producing {
			if c.cfg.greylisted(account) {
				netGreylist, cpuGreylist = 1, 1
			} else {
				netGreylist, cpuGreylist = c.cfg.GreylistLimit, c.cfg.GreylistLimit
			}
		}
		net, greylisted, err := c.rl.AccountNetLimit(c.session, account, netGreylist)
		if err != nil {
			return bw, err
		}
		if net.Max >= 0 {
			bw.Net = min(bw.Net, net.Available)
			bw.GreylistedNet = bw.GreylistedNet || greylisted
		}
		cpu, greylisted, err := c.rl.AccountCPULimit(c.session, account, cpuGreylist)
		if err != nil {
			return bw, err
		}
		if cpu.Max >= 0 {
			bw.CPU = min(bw.CPU, cpu.Available)
			bw.GreylistedCPU = bw.GreylistedCPU || greylisted
		}
	}
	return bw, nil
}

func (stakeBilling) beforeExec(*Context) error { return nil }

func (stakeBilling) afterSchedule(*Context) error { return nil }

func (stakeBilling) bill(c *Context) error {
	return c.rl.AddTransactionUsage(
		c.session,
		c.billToAccounts,
		c.billedCPUTimeUS,
		c.trace.NetUsage,
		c.rl.Slot(c.block.Time),
	)
}

// MaxBandwidthBilledAccountsCanPay returns the net and cpu all billed accounts can afford.
// Elastic limits are used for every account if forceElasticLimits is true or the block
// is not produced locally.
func (c *Context) MaxBandwidthBilledAccountsCanPay(forceElasticLimits bool) (Bandwidth, error) {
	return c.billing.bandwidth(c, forceElasticLimits)
}

// AddNetUsage bills net to the transaction. Rejected usage is not billed.
func (c *Context) AddNetUsage(u uint64) error {
	if c.implicit {
		return nil
	}
	usage := c.trace.NetUsage + u
	if usage < c.trace.NetUsage {
		usage = math.MaxUint64
	}
	if err := c.checkNetUsage(usage); err != nil {
		return err
	}
	c.trace.NetUsage = usage
	return nil
}

// CheckNetUsage fails if billed net exceeds the limit.
func (c *Context) CheckNetUsage() error {
	return c.checkNetUsage(c.trace.NetUsage)
}

func (c *Context) checkNetUsage(usage uint64) error {
	if c.skipTrxChecks || c.implicit || usage <= c.eagerNetLimit {
		return nil
	}
	code := TxNetUsageExceeded
	switch {
	case c.netLimitDueToBlock:
		code = BlockNetUsageExceeded
	case c.netLimitDueToGreylist:
		code = GreylistNetUsageExceeded
	}
	return &UsageError{Code: code, Usage: usage, Limit: c.eagerNetLimit}
}

// Checktime fails if the timer expired.
func (c *Context) Checktime() error {
	if !c.timer.Expired() {
		return nil
	}
	limit := c.billingTimerDurationLimit
	if c.explicitBilledCPUTime || c.deadlineCode == DeadlineCallerExceeded {
		return newDeadlineError(DeadlineCallerExceeded, "deadline exceeded, billing timer %s", limit)
	}
	switch c.deadlineCode {
	case BlockCPUUsageExceeded:
		return newDeadlineError(BlockCPUUsageExceeded,
			"not enough time left in block to complete executing transaction, billing timer %s", limit)
	case TxCPUUsageExceeded:
		if c.cpuLimitDueToGreylist {
			return newDeadlineError(GreylistCPUUsageExceeded, "greylisted transaction was executing for too long, billing timer %s", limit)
		}
		return newDeadlineError(TxCPUUsageExceeded, "transaction was executing for too long, billing timer %s", limit)
	case LeewayDeadlineExceeded:
		return newDeadlineError(LeewayDeadlineExceeded,
			"the transaction was unable to complete by deadline, but it is possible it could have succeeded if it were allowed to run to completion, billing timer %s", limit)
	}
	return fmt.Errorf("%w: unexpected deadline code %s", ErrInvalidState, c.deadlineCode)
}

// PauseBillingTimer stops charging cpu time. The caller deadline keeps running.
// An expired timer stays expired.
func (c *Context) PauseBillingTimer() error {
	if c.explicitBilledCPUTime || c.pseudoStart.IsZero() {
		return nil
	}
	c.billedTime = c.clock.Now().Sub(c.pseudoStart)
	c.pseudoStart = time.Time{}
	if c.timer.Expired() {
		return nil
	}
	c.timer.Stop()
	if c.skipTrxChecks || c.deadline.IsZero() || c.state < StateInitialized {
		return nil
	}
	c.effectiveDeadline = c.deadline
	c.deadlineCode = DeadlineCallerExceeded
	return c.timer.Start(c.deadline)
}

// ResumeBillingTimer continues charging cpu time paused by PauseBillingTimer.
func (c *Context) ResumeBillingTimer() error {
	if c.explicitBilledCPUTime || !c.pseudoStart.IsZero() {
		return nil
	}
	c.pseudoStart = c.clock.Now().Add(-c.billedTime)
	if c.timer.Expired() || c.state < StateInitialized {
		return nil
	}
	c.timer.Stop()
	billingDeadline := c.pseudoStart.Add(c.billingTimerDurationLimit)
	if c.deadline.IsZero() || !billingDeadline.After(c.deadline) {
		c.effectiveDeadline = billingDeadline
		c.deadlineCode = c.billingTimerCode
	} else {
		c.effectiveDeadline = c.deadline
		c.deadlineCode = DeadlineCallerExceeded
	}
	if c.skipTrxChecks {
		return nil
	}
	return c.timer.Start(c.effectiveDeadline)
}

// UpdateBilledCPUTime converts cpu time elapsed since the start into billed microseconds.
// Billed time never decreases and is at least the minimal transaction cpu usage.
func (c *Context) UpdateBilledCPUTime(now time.Time) uint64 {
	if c.explicitBilledCPUTime {
		return c.billedCPUTimeUS
	}
	elapsed := c.billedTime
	if !c.pseudoStart.IsZero() {
		elapsed = now.Sub(c.pseudoStart)
	}
	us := uint64(max(elapsed, 0) / time.Microsecond)
	c.billedCPUTimeUS = max(c.billedCPUTimeUS, us, c.cfg.MinTransactionCPUUsage)
	return c.billedCPUTimeUS
}

// ValidateCPUUsageToBill fails if billed cpu is above the objective limit
// or, with checkMinimum, below the minimal transaction cpu usage.
func (c *Context) ValidateCPUUsageToBill(us uint64, checkMinimum bool) error {
	if c.skipTrxChecks {
		return nil
	}
	if checkMinimum && us < c.cfg.MinTransactionCPUUsage {
		return fmt.Errorf("%w: cannot bill %dus, minimum is %dus",
			ErrBilledCPUBelowMinimum, us, c.cfg.MinTransactionCPUUsage)
	}
	limit := c.objectiveDurationLimit
	if microseconds(us) <= limit {
		return nil
	}
	switch {
	case c.billingTimerCode == BlockCPUUsageExceeded:
		return newDeadlineError(BlockCPUUsageExceeded,
			"billed cpu time %dus is greater than the billable cpu time left in the block %s", us, limit)
	case c.cpuLimitDueToGreylist:
		return newDeadlineError(GreylistCPUUsageExceeded,
			"billed cpu time %dus is greater than the maximum greylisted billable cpu time for the transaction %s", us, limit)
	default:
		return newDeadlineError(TxCPUUsageExceeded,
			"billed cpu time %dus is greater than the maximum billable cpu time for the transaction %s", us, limit)
	}
}

// addRAMUsage bills ram delta to the account. Accounts that grew are verified in Finalize.
func (c *Context) addRAMUsage(account types.Name, delta int64) error {
	if err := c.rl.AddPendingRAMUsage(c.session, account, delta); err != nil {
		return err
	}
	if delta > 0 {
		c.validateRAMUsage[account] = struct{}{}
	}
	return nil
}
