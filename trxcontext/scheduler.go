package trxcontext

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/globals"
	"github.com/spacemeshos/go-trxexec/sql/staticaccounts"
)

// GetActionTrace returns trace of the scheduled action.
// The pointer is invalidated by the next scheduled action.
func (c *Context) GetActionTrace(ordinal uint32) (*types.ActionTrace, error) {
	if ordinal == 0 || int(ordinal) > len(c.trace.ActionTraces) {
		return nil, fmt.Errorf("%w: %d, scheduled %d", ErrUnknownActionOrdinal, ordinal, len(c.trace.ActionTraces))
	}
	return &c.trace.ActionTraces[ordinal-1], nil
}

// scheduleAction copies the action into a new trace and returns its ordinal.
func (c *Context) scheduleAction(
	act *types.Action,
	receiver types.Name,
	contextFree bool,
	creator, closestUnnotified uint32,
) uint32 {
	return c.scheduleOwnedAction(act.Clone(), receiver, contextFree, creator, closestUnnotified)
}

// scheduleOwnedAction moves the action into a new trace and returns its ordinal.
func (c *Context) scheduleOwnedAction(
	act types.Action,
	receiver types.Name,
	contextFree bool,
	creator, closestUnnotified uint32,
) uint32 {
	ordinal := uint32(len(c.trace.ActionTraces)) + 1
	c.trace.ActionTraces = append(c.trace.ActionTraces, types.ActionTrace{
		ActionOrdinal:                          ordinal,
		CreatorActionOrdinal:                   creator,
		ClosestUnnotifiedAncestorActionOrdinal: closestUnnotified,
		Receiver:                               receiver,
		Act:                                    act,
		ContextFree:                            contextFree,
	})
	return ordinal
}

// scheduleActionFromOrdinal schedules the action of an already scheduled trace for another receiver.
func (c *Context) scheduleActionFromOrdinal(
	from uint32,
	receiver types.Name,
	contextFree bool,
	creator, closestUnnotified uint32,
) (uint32, error) {
	trace, err := c.GetActionTrace(from)
	if err != nil {
		return 0, err
	}
	// act is shared with the source trace, both are read only after scheduling
	return c.scheduleOwnedAction(trace.Act, receiver, contextFree, creator, closestUnnotified), nil
}

// executeAction executes the scheduled action, its notifications and inline actions.
func (c *Context) executeAction(ordinal, depth uint32) error {
	if depth > c.cfg.MaxInlineActionDepth {
		return fmt.Errorf("%w: depth %d, max %d", ErrTooMuchActionRecursion, depth, c.cfg.MaxInlineActionDepth)
	}
	trace, err := c.GetActionTrace(ordinal)
	if err != nil {
		return err
	}
	ac := &applyContext{
		c:                    c,
		depth:                depth,
		firstReceiverOrdinal: ordinal,
		ordinal:              ordinal,
		receiver:             trace.Receiver,
		act:                  &trace.Act,
		contextFree:          trace.ContextFree,
	}
	return ac.exec()
}

type notification struct {
	receiver types.Name
	ordinal  uint32
}

// applyContext executes an action for its receiver and every notified receiver.
// It is the ActionHost handed to the Executor.
type applyContext struct {
	c     *Context
	depth uint32
	// firstReceiverOrdinal is the ordinal of the action executed for its own account.
	firstReceiverOrdinal uint32

	// current receiver
	ordinal     uint32
	receiver    types.Name
	act         *types.Action
	contextFree bool
	ramDeltas   []types.AccountDelta

	notified   []notification
	inlines    []uint32
	cfaInlines []uint32
}

func (a *applyContext) exec() error {
	a.notified = append(a.notified, notification{receiver: a.receiver, ordinal: a.ordinal})
	kind := executedOriginal
	if a.depth > 0 {
		kind = executedInline
	}
	if err := a.execOne(); err != nil {
		return err
	}
	kind.Inc()
	for i := 1; i < len(a.notified); i++ {
		a.receiver = a.notified[i].receiver
		a.ordinal = a.notified[i].ordinal
		if err := a.execOne(); err != nil {
			return err
		}
		executedNotification.Inc()
	}
	if len(a.inlines) > 0 || len(a.cfaInlines) > 0 {
		if a.depth >= a.c.cfg.MaxInlineActionDepth {
			return fmt.Errorf("%w: depth %d, max %d", ErrTooMuchActionRecursion, a.depth+1, a.c.cfg.MaxInlineActionDepth)
		}
	}
	for _, ordinal := range a.cfaInlines {
		if err := a.c.executeAction(ordinal, a.depth+1); err != nil {
			return err
		}
	}
	for _, ordinal := range a.inlines {
		if err := a.c.executeAction(ordinal, a.depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (a *applyContext) execOne() error {
	c := a.c
	start := c.clock.Now()
	a.ramDeltas = nil
	if err := c.Checktime(); err != nil {
		return err
	}
	if err := c.CheckNetUsage(); err != nil {
		return err
	}
	if err := a.checkReceiver(); err != nil {
		return a.failTrace(err, start)
	}
	ret, err := c.executor.Apply(a)
	if err != nil {
		return a.failTrace(fmt.Errorf("apply %s::%s on %s: %w", a.act.Account, a.act.Name, a.receiver, err), start)
	}
	if err := c.Checktime(); err != nil {
		return err
	}
	receipt := types.ActionReceipt{
		Receiver:     a.receiver,
		ActDigest:    a.act.Digest(),
		ReturnDigest: types.CalcHash32(ret),
	}
	if err := a.fillSequences(&receipt); err != nil {
		return err
	}
	c.executed = append(c.executed, receipt)

	trace, err := c.GetActionTrace(a.ordinal)
	if err != nil {
		return err
	}
	trace.Receipt = &receipt
	trace.ReturnValue = ret
	trace.Elapsed = c.clock.Since(start)
	trace.AccountRAMDeltas = a.ramDeltas
	c.logger.Debug("action executed", zap.Inline(trace))
	return nil
}

func (a *applyContext) failTrace(err error, start time.Time) error {
	if trace, terr := a.c.GetActionTrace(a.ordinal); terr == nil {
		trace.Elapsed = a.c.clock.Since(start)
		trace.Error = err.Error()
	}
	return err
}

func (a *applyContext) checkReceiver() error {
	c := a.c
	exists, err := accounts.Has(c.session, a.receiver)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: receiver %s", ErrUnknownAccount, a.receiver)
	}
	if a.receiver != a.act.Account {
		return nil
	}
	static, err := staticaccounts.IsStatic(c.session, a.act.Account)
	if err != nil || !static {
		return err
	}
	registered, err := staticaccounts.Has(c.session, a.act.Account, a.act.Name)
	if err != nil {
		return err
	}
	if !registered {
		return fmt.Errorf("%w: %s::%s", ErrStaticAccountAction, a.act.Account, a.act.Name)
	}
	return nil
}

func (a *applyContext) fillSequences(receipt *types.ActionReceipt) error {
	c := a.c
	var err error
	if receipt.GlobalSequence, err = globals.NextActionSequence(c.session); err != nil {
		return err
	}
	if receipt.RecvSequence, err = accounts.NextRecvSequence(c.session, a.receiver); err != nil {
		return err
	}
	actors := make([]types.Name, 0, len(a.act.Authorization))
	for _, auth := range a.act.Authorization {
		actors = append(actors, auth.Actor)
	}
	slices.Sort(actors)
	actors = slices.Compact(actors)
	for _, actor := range actors {
		seq, err := accounts.NextAuthSequence(c.session, actor)
		if err != nil {
			return err
		}
		receipt.AuthSequence = append(receipt.AuthSequence, types.AuthSequence{Account: actor, Sequence: seq})
	}
	return nil
}

func (a *applyContext) Receiver() types.Name { return a.receiver }

func (a *applyContext) Action() *types.Action { return a.act }

func (a *applyContext) ContextFree() bool { return a.contextFree }

func (a *applyContext) ActionOrdinal() uint32 { return a.ordinal }

func (a *applyContext) RecurseDepth() uint32 { return a.depth }

func (a *applyContext) BlockTime() time.Time { return a.c.block.Time }

func (a *applyContext) Ledger() sql.Executor { return a.c.session }

func (a *applyContext) Checktime() error { return a.c.Checktime() }

func (a *applyContext) ContextFreeData(i int) ([]byte, bool) {
	data := a.c.trx.ContextFreeData
	if i < 0 || i >= len(data) {
		return nil, false
	}
	return data[i], true
}

func (a *applyContext) HasRecipient(receiver types.Name) bool {
	return slices.ContainsFunc(a.notified, func(n notification) bool {
		return n.receiver == receiver
	})
}

func (a *applyContext) RequireRecipient(receiver types.Name) error {
	if a.contextFree {
		return fmt.Errorf("%w: require recipient %s", ErrContextFree, receiver)
	}
	if a.HasRecipient(receiver) {
		return nil
	}
	ordinal, err := a.c.scheduleActionFromOrdinal(a.ordinal, receiver, false, a.ordinal, a.firstReceiverOrdinal)
	if err != nil {
		return err
	}
	// scheduling may reallocate traces
	trace, err := a.c.GetActionTrace(a.ordinal)
	if err != nil {
		return err
	}
	a.act = &trace.Act
	a.notified = append(a.notified, notification{receiver: receiver, ordinal: ordinal})
	return nil
}

func (a *applyContext) SendInline(act types.Action) error {
	if a.contextFree {
		return fmt.Errorf("%w: send inline %s::%s", ErrContextFree, act.Account, act.Name)
	}
	if err := a.validateInline(&act); err != nil {
		return err
	}
	if err := a.authorizeInline(&act); err != nil {
		return err
	}
	ordinal := a.c.scheduleAction(&act, act.Account, false, a.ordinal, a.firstReceiverOrdinal)
	a.refreshAction()
	a.inlines = append(a.inlines, ordinal)
	return nil
}

func (a *applyContext) SendContextFreeInline(act types.Action) error {
	if a.contextFree {
		return fmt.Errorf("%w: send context free inline %s::%s", ErrContextFree, act.Account, act.Name)
	}
	if len(act.Authorization) > 0 {
		return fmt.Errorf("%w: context free inline %s::%s has authorizations", ErrContextFree, act.Account, act.Name)
	}
	if err := a.validateInline(&act); err != nil {
		return err
	}
	ordinal := a.c.scheduleAction(&act, act.Account, true, a.ordinal, a.firstReceiverOrdinal)
	a.refreshAction()
	a.cfaInlines = append(a.cfaInlines, ordinal)
	return nil
}

func (a *applyContext) refreshAction() {
	// the trace exists, it was fetched before scheduling
	trace, _ := a.c.GetActionTrace(a.ordinal)
	a.act = &trace.Act
}

func (a *applyContext) validateInline(act *types.Action) error {
	c := a.c
	if len(act.Data) > types.MaxActionDataSize {
		return fmt.Errorf("%w: inline %s::%s has %d bytes", ErrActionDataTooLarge, act.Account, act.Name, len(act.Data))
	}
	exists, err := accounts.Has(c.session, act.Account)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: inline action code account %s", ErrUnknownAccount, act.Account)
	}
	for _, auth := range act.Authorization {
		if err := c.validatePermission(auth); err != nil {
			return err
		}
	}
	if c.enforceWhiteBlacklist && c.block.Producing {
		actors := make([]types.Name, 0, len(act.Authorization))
		for _, auth := range act.Authorization {
			actors = append(actors, auth.Actor)
		}
		return c.cfg.checkActors(actors)
	}
	return nil
}

// authorizeInline allows the receiver to use its own authority, and the first receiver
// to forward authorities of the action that invoked it.
func (a *applyContext) authorizeInline(act *types.Action) error {
	c := a.c
	var provided []types.PermissionLevel
	if a.receiver == a.act.Account {
		first, err := c.GetActionTrace(a.firstReceiverOrdinal)
		if err != nil {
			return err
		}
		provided = first.Act.Authorization
	}
	for _, auth := range act.Authorization {
		if auth.Actor == a.receiver {
			continue
		}
		if !slices.Contains(provided, auth) {
			return fmt.Errorf("%w: %s is not satisfied for inline %s::%s sent by %s",
				ErrInvalidAuthorization, auth, act.Account, act.Name, a.receiver)
		}
	}
	return nil
}

func (a *applyContext) AddRAMUsage(account types.Name, delta int64) error {
	if a.contextFree {
		return fmt.Errorf("%w: ram usage of %s", ErrContextFree, account)
	}
	if err := a.c.addRAMUsage(account, delta); err != nil {
		return err
	}
	for i := range a.ramDeltas {
		if a.ramDeltas[i].Account == account {
			a.ramDeltas[i].Delta += delta
			return nil
		}
	}
	a.ramDeltas = append(a.ramDeltas, types.AccountDelta{Account: account, Delta: delta})
	return nil
}

// validatePermission checks that actor and its permission exist.
func (c *Context) validatePermission(auth types.PermissionLevel) error {
	exists, err := accounts.Has(c.session, auth.Actor)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: actor %s does not exist", ErrInvalidAuthorization, auth.Actor)
	}
	exists, err = accounts.HasPermission(c.session, auth)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: permission %s does not exist", ErrInvalidAuthorization, auth)
	}
	return nil
}

var _ ActionHost = (*applyContext)(nil)
