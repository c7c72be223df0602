package trxcontext

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/fees"
)

// FeeContext is the fee state of a transaction executed with the fee resource model.
type FeeContext struct {
	// Payer is the first authorizer of the first action.
	Payer types.Name
	// Costed is the fee debited so far.
	Costed int64
	// MaxFee is the most the payer agreed to pay. Never exceeded.
	MaxFee int64
}

// feeBilling debits fees for every original action instead of billing staked bandwidth.
// Cpu and net limits are derived from the fee schedules of the paid actions.
type feeBilling struct {
	ctx FeeContext
	set bool

	useLimitByContract bool
	cpuLimitByContract uint64
	netLimitByContract uint64
}

func (*feeBilling) bandwidth(*Context, bool) (Bandwidth, error) {
	return Bandwidth{Net: unlimitedBandwidth, CPU: unlimitedBandwidth}, nil
}

func (f *feeBilling) beforeExec(c *Context) error {
	if !f.set && !c.implicit {
		if err := c.setFeeContext(0); err != nil {
			return err
		}
	}
	return nil
}

// Implicit transactions are free.
func (f *feeBilling) afterSchedule(c *Context) error {
	if c.implicit {
		return nil
	}
	tx := c.tx()
	for i := range tx.Actions {
		act := &tx.Actions[i]
		if err := c.ProcessFeeCost(act); err != nil {
			return err
		}
		if err := c.AddLimitByFee(act); err != nil {
			return err
		}
	}
	if err := c.applyLimitsByFee(); err != nil {
		return err
	}
	return c.scheduleFeeAction()
}

// bill adds usage to the pending block only. Accounts paid with fees.
func (*feeBilling) bill(c *Context) error {
	return c.rl.AddTransactionUsage(
		c.session,
		nil,
		c.billedCPUTimeUS,
		c.trace.NetUsage,
		c.rl.Slot(c.block.Time),
	)
}

func (c *Context) feeState() (*feeBilling, error) {
	f, ok := c.billing.(*feeBilling)
	if !ok {
		return nil, fmt.Errorf("%w: resource model %s", ErrFeeModelDisabled, c.cfg.ResourceModel)
	}
	return f, nil
}

// FeeContext returns the fee state. Fails unless the fee resource model is used.
func (c *Context) FeeContext() (FeeContext, error) {
	f, err := c.feeState()
	if err != nil {
		return FeeContext{}, err
	}
	return f.ctx, nil
}

// SetFeeContext fixes the fee payer to the first authorizer of the first action
// and caps the fee it pays for the transaction at maxFee.
// Must be called before Exec. Exec uses a zero cap if it wasn't called.
func (c *Context) SetFeeContext(maxFee int64) error {
	if c.state != StateCreated && c.state != StateInitialized {
		return fmt.Errorf("%w: set fee context in %s state", ErrInvalidState, c.state)
	}
	return c.setFeeContext(maxFee)
}

func (c *Context) setFeeContext(maxFee int64) error {
	f, err := c.feeState()
	if err != nil {
		return err
	}
	if maxFee < 0 {
		return fmt.Errorf("%w: negative max fee %d", ErrInsufficientFee, maxFee)
	}
	tx := c.tx()
	if len(tx.Actions) == 0 || len(tx.Actions[0].Authorization) == 0 {
		return fmt.Errorf("%w: first action has no authorization", ErrEmptyFeePayer)
	}
	payer := tx.Actions[0].Authorization[0].Actor
	if payer.Empty() {
		return ErrEmptyFeePayer
	}
	f.ctx = FeeContext{Payer: payer, MaxFee: maxFee}
	f.set = true
	return nil
}

func (c *Context) actionFee(act *types.Action) (fees.ActionFee, error) {
	fee, err := fees.GetActionFee(c.session, act.Account, act.Name)
	switch {
	case errors.Is(err, sql.ErrNotFound):
		return c.cfg.DefaultActionFee, nil
	case err != nil:
		return fees.ActionFee{}, err
	}
	return fee, nil
}

// ProcessFeeCost debits the fee of the action from the fee payer.
// Fails with ErrInsufficientFee if the fee exceeds what is left of the cap or the payer balance.
func (c *Context) ProcessFeeCost(act *types.Action) error {
	f, err := c.feeState()
	if err != nil {
		return err
	}
	if !f.set {
		return fmt.Errorf("%w: fee context is not set", ErrInvalidState)
	}
	fee, err := c.actionFee(act)
	if err != nil {
		return err
	}
	if fee.Fee > f.ctx.MaxFee-f.ctx.Costed {
		return fmt.Errorf("%w: %s::%s costs %d, paid %d of max %d",
			ErrInsufficientFee, act.Account, act.Name, fee.Fee, f.ctx.Costed, f.ctx.MaxFee)
	}
	balance, err := fees.Debit(c.session, f.ctx.Payer, fee.Fee)
	if errors.Is(err, fees.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %w", ErrInsufficientFee, err)
	} else if err != nil {
		return err
	}
	f.ctx.Costed += fee.Fee
	c.logger.Debug("fee debited",
		zap.Stringer("payer", f.ctx.Payer),
		zap.Stringer("account", act.Account),
		zap.Stringer("action", act.Name),
		zap.Int64("fee", fee.Fee),
		zap.Int64("balance", balance),
	)
	return nil
}

// AddLimitByFee adds cpu and net paid with the fee of the action to the transaction limits.
// Actions without limits in their schedule don't restrict the transaction.
func (c *Context) AddLimitByFee(act *types.Action) error {
	f, err := c.feeState()
	if err != nil {
		return err
	}
	fee, err := c.actionFee(act)
	if err != nil {
		return err
	}
	if fee.CPULimit <= 0 && fee.NetLimit <= 0 {
		return nil
	}
	f.useLimitByContract = true
	if fee.CPULimit > 0 {
		f.cpuLimitByContract += uint64(fee.CPULimit)
	}
	if fee.NetLimit > 0 {
		f.netLimitByContract += uint64(fee.NetLimit)
	}
	return nil
}

// applyLimitsByFee lowers the objective limits to the limits paid with fees
// and re-arms the timer if the billing deadline moved earlier.
func (c *Context) applyLimitsByFee() error {
	f, err := c.feeState()
	if err != nil {
		return err
	}
	if !f.useLimitByContract {
		return nil
	}
	if f.netLimitByContract > 0 && f.netLimitByContract < c.netLimit {
		c.netLimit = f.netLimitByContract
		c.netLimitDueToBlock = false
		c.eagerNetLimit = min(c.eagerNetLimit, c.netLimit)
		if err := c.CheckNetUsage(); err != nil {
			return err
		}
	}
	if f.cpuLimitByContract == 0 {
		return nil
	}
	limit := microseconds(f.cpuLimitByContract)
	if limit >= c.objectiveDurationLimit {
		return nil
	}
	c.objectiveDurationLimit = limit
	c.billingTimerCode = TxCPUUsageExceeded
	if limit >= c.billingTimerDurationLimit {
		return nil
	}
	c.billingTimerDurationLimit = limit
	if c.explicitBilledCPUTime || c.pseudoStart.IsZero() {
		return nil
	}
	deadline := c.pseudoStart.Add(limit)
	if !c.deadline.IsZero() && c.deadline.Before(deadline) {
		return nil
	}
	c.effectiveDeadline = deadline
	c.deadlineCode = c.billingTimerCode
	if c.skipTrxChecks || c.timer.Expired() {
		return nil
	}
	c.timer.Stop()
	return c.timer.Start(deadline)
}

// scheduleFeeAction appends onfee action notifying the system account of the collected fee.
func (c *Context) scheduleFeeAction() error {
	f, err := c.feeState()
	if err != nil {
		return err
	}
	data, err := codec.Encode(&types.OnFee{Payer: f.ctx.Payer, Fee: f.ctx.Costed})
	if err != nil {
		return err
	}
	c.scheduleOwnedAction(types.Action{
		Account: c.cfg.SystemAccount,
		Name:    onFeeAction,
		Authorization: []types.PermissionLevel{
			{Actor: f.ctx.Payer, Permission: activePermission},
		},
		Data: data,
	}, c.cfg.SystemAccount, false, 0, 0)
	return nil
}
