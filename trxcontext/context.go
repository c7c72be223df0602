package trxcontext

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/checktime"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/sql"
)

// State of the transaction context.
type State uint8

const (
	// StateCreated is the state after construction.
	StateCreated State = iota
	// StateInitialized is the state after one of the Init methods.
	StateInitialized
	// StateExecuting is the state while actions execute.
	StateExecuting
	// StateExecuted is the state after successful Exec.
	StateExecuted
	// StateFinalized is the state after successful Finalize.
	StateFinalized
	// StateFailed is the state after any failure. Only Undo is valid.
	StateFailed
	// StateSquashed is terminal, effects are merged into the parent session.
	StateSquashed
	// StateDiscarded is terminal, effects are discarded.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateExecuting:
		return "executing"
	case StateExecuted:
		return "executed"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateSquashed:
		return "squashed"
	case StateDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) terminal() bool {
	return s == StateSquashed || s == StateDiscarded
}

// Block is the pending block a transaction executes in.
type Block struct {
	Num  uint32
	Time time.Time
	// Producing is true if the local node produces the block.
	Producing bool
}

// Opt for configuring Context.
type Opt func(*Context)

// WithLogger sets logger for Context.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithConfig overwrites default chain parameters.
func WithConfig(cfg Config) Opt {
	return func(c *Context) {
		c.cfg = cfg
	}
}

// WithDeadline sets wall clock deadline for the transaction.
func WithDeadline(deadline time.Time) Opt {
	return func(c *Context) {
		c.deadline = deadline
	}
}

// WithLeeway overwrites subjective cpu leeway.
func WithLeeway(leeway time.Duration) Opt {
	return func(c *Context) {
		c.leeway = &leeway
	}
}

// WithBilledCPUTime bills the recorded cpu time instead of measuring it.
// Used when validating blocks produced by others.
func WithBilledCPUTime(us uint64) Opt {
	return func(c *Context) {
		c.billedCPUTimeUS = us
		c.explicitBilledCPUTime = us > 0
	}
}

// WithSkipTransactionChecks skips objective checks of already validated transactions.
func WithSkipTransactionChecks() Opt {
	return func(c *Context) {
		c.skipTrxChecks = true
	}
}

// WithEnforceWhiteBlacklist toggles actor lists enforcement while producing.
func WithEnforceWhiteBlacklist(enforce bool) Opt {
	return func(c *Context) {
		c.enforceWhiteBlacklist = enforce
	}
}

// Context executes a single transaction in a nested ledger session.
// Context is not safe for concurrent use.
type Context struct {
	logger   *zap.Logger
	cfg      Config
	clock    clockwork.Clock
	rl       *resource.Manager
	executor Executor
	timer    *checktime.Timer
	billing  billing

	trx     *types.SignedTransaction
	id      types.TransactionID
	block   Block
	session *sql.Session
	trace   *types.TransactionTrace
	state   State

	executed         []types.ActionReceipt
	billToAccounts   []types.Name
	validateRAMUsage map[types.Name]struct{}

	start     time.Time
	published time.Time
	delay     time.Duration
	deadline  time.Time
	leeway    *time.Duration

	isInput               bool
	implicit              bool
	applyContextFree      bool
	enforceWhiteBlacklist bool
	skipTrxChecks         bool

	billedCPUTimeUS       uint64
	explicitBilledCPUTime bool
	initialMaxBillableCPU uint64

	netLimit              uint64
	eagerNetLimit         uint64
	netLimitDueToBlock    bool
	netLimitDueToGreylist bool
	cpuLimitDueToGreylist bool

	objectiveDurationLimit    time.Duration
	billingTimerDurationLimit time.Duration
	effectiveDeadline         time.Time
	deadlineCode              DeadlineCode
	billingTimerCode          DeadlineCode
	pseudoStart               time.Time
	billedTime                time.Duration
}

// New opens a session nested in parent and creates a context for the transaction.
// The context borrows the timer until Close.
func New(
	parent Ledger,
	trx *types.SignedTransaction,
	block Block,
	rl *resource.Manager,
	executor Executor,
	timer *checktime.Timer,
	opts ...Opt,
) (*Context, error) {
	c := &Context{
		logger:                zap.NewNop(),
		cfg:                   DefaultConfig(),
		clock:                 timer.Clock(),
		rl:                    rl,
		executor:              executor,
		timer:                 timer,
		trx:                   trx,
		block:                 block,
		validateRAMUsage:      map[types.Name]struct{}{},
		applyContextFree:      true,
		enforceWhiteBlacklist: true,
		netLimitDueToBlock:    true,
		deadlineCode:          BlockCPUUsageExceeded,
		billingTimerCode:      BlockCPUUsageExceeded,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := trx.ID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTransaction, err)
	}
	c.id = id
	if c.leeway == nil {
		c.leeway = &c.cfg.SubjectiveCPULeeway
	}
	switch c.cfg.ResourceModel {
	case FeeModel:
		c.billing = &feeBilling{}
	default:
		c.billing = stakeBilling{}
	}
	session, err := parent.Session()
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", c.id, err)
	}
	c.session = session
	c.start = c.clock.Now()
	c.pseudoStart = c.start
	c.trace = &types.TransactionTrace{
		ID:        c.id,
		BlockNum:  block.Num,
		BlockTime: block.Time,
	}
	c.logger = c.logger.With(zap.Stringer("trx", c.id))
	return c, nil
}

// ID of the transaction.
func (c *Context) ID() types.TransactionID {
	return c.id
}

// State of the context.
func (c *Context) State() State {
	return c.state
}

// Trace of the transaction. Valid until the next call that mutates the context.
func (c *Context) Trace() *types.TransactionTrace {
	return c.trace
}

// Executed returns receipts of executed actions in execution order.
func (c *Context) Executed() []types.ActionReceipt {
	return c.executed
}

// NetUsage billed so far.
func (c *Context) NetUsage() uint64 {
	return c.trace.NetUsage
}

// NetLimit is the objective net limit of the transaction.
func (c *Context) NetLimit() uint64 {
	return c.netLimit
}

// BilledCPUTimeUS is the billed cpu time in microseconds.
func (c *Context) BilledCPUTimeUS() uint64 {
	return c.billedCPUTimeUS
}

// InitialMaxBillableCPU is the cpu time billed accounts could afford at initialization.
func (c *Context) InitialMaxBillableCPU() uint64 {
	return c.initialMaxBillableCPU
}

// BillToAccounts returns sorted accounts billed for the transaction.
func (c *Context) BillToAccounts() []types.Name {
	return c.billToAccounts
}

// Ledger is the session of the transaction.
func (c *Context) Ledger() sql.Executor {
	return c.session
}

func (c *Context) tx() *types.Transaction {
	return &c.trx.Transaction
}

func (c *Context) expect(state State, op string) error {
	if c.state != state {
		return fmt.Errorf("%w: %s in %s state", ErrInvalidState, op, c.state)
	}
	return nil
}

func (c *Context) fail(err error) error {
	if !c.state.terminal() {
		c.state = StateFailed
	}
	c.trace.Error = err.Error()
	c.logger.Debug("transaction failed", zap.Error(err))
	return err
}

// InitForImplicitTrx initializes a transaction generated by the chain itself.
// Implicit transactions are not billed for net.
func (c *Context) InitForImplicitTrx() error {
	if err := c.expect(StateCreated, "init"); err != nil {
		return err
	}
	if len(c.tx().Extensions) > 0 {
		if err := c.DisallowTransactionExtensions("no transaction extensions supported yet for implicit transactions"); err != nil {
			return c.fail(err)
		}
	}
	c.implicit = true
	c.published = c.block.Time
	if err := c.init(0); err != nil {
		return c.fail(err)
	}
	return nil
}

// InitForInputTrx initializes a transaction received from outside the chain.
// Packed sizes are the sizes of the signed transaction without and with only its prunable data.
func (c *Context) InitForInputTrx(packedUnprunableSize, packedPrunableSize uint64, skipRecording bool) error {
	if err := c.expect(StateCreated, "init"); err != nil {
		return err
	}
	if err := c.initForInputTrx(packedUnprunableSize, packedPrunableSize, skipRecording); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Context) initForInputTrx(packedUnprunableSize, packedPrunableSize uint64, skipRecording bool) error {
	tx := c.tx()
	if len(tx.Extensions) > 0 {
		if err := c.DisallowTransactionExtensions("no transaction extensions supported yet for input transactions"); err != nil {
			return err
		}
	}
	discounted := packedPrunableSize
	num, den := c.cfg.ContextFreeDiscountNetUsageNum, c.cfg.ContextFreeDiscountNetUsageDen
	if den > 0 && num < den {
		discounted = (discounted*num + den - 1) / den
	}
	initial := c.cfg.BasePerTransactionNetUsage + packedUnprunableSize + discounted
	if initial < packedUnprunableSize {
		return fmt.Errorf("%w: packed size overflows", ErrNetUsageExceeded)
	}
	if tx.DelaySec > 0 {
		initial += c.cfg.BasePerTransactionNetUsage + TransactionIDNetUsage
	}
	c.delay = tx.Delay()
	c.published = c.block.Time
	c.isInput = true
	if !c.skipTrxChecks {
		if err := c.validateExpiration(); err != nil {
			return err
		}
		if c.delay > c.cfg.MaxTransactionDelay {
			return fmt.Errorf("%w: %s exceeds %s", ErrDelayTooLong, c.delay, c.cfg.MaxTransactionDelay)
		}
		if err := c.ValidateReferencedAccounts(tx, c.enforceWhiteBlacklist && c.block.Producing); err != nil {
			return err
		}
	}
	if err := c.init(initial); err != nil {
		return err
	}
	if !skipRecording {
		return c.RecordTransaction(c.id, tx.Expiration)
	}
	return nil
}

// InitForDeferredTrx initializes a delayed transaction that was published at the given time.
func (c *Context) InitForDeferredTrx(published time.Time) error {
	if err := c.expect(StateCreated, "init"); err != nil {
		return err
	}
	tx := c.tx()
	if tx.Expiration != 0 && len(tx.Extensions) > 0 {
		if err := c.DisallowTransactionExtensions("no transaction extensions supported yet for deferred transactions"); err != nil {
			return c.fail(err)
		}
	}
	c.published = published
	c.trace.Scheduled = true
	c.applyContextFree = false
	if err := c.init(0); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Context) validateExpiration() error {
	expiration := c.tx().ExpirationTime()
	if expiration.Before(c.block.Time) {
		return fmt.Errorf("%w: expiration %s, pending block time %s",
			ErrExpiredTransaction, expiration, c.block.Time)
	}
	if expiration.After(c.block.Time.Add(c.cfg.MaxTransactionLifetime)) {
		return fmt.Errorf("%w: expiration %s, pending block time %s, max lifetime %s",
			ErrExpirationTooFar, expiration, c.block.Time, c.cfg.MaxTransactionLifetime)
	}
	return nil
}

func (c *Context) init(initialNetUsage uint64) error {
	blockNet, err := c.rl.BlockNetLimit(c.session)
	if err != nil {
		return err
	}
	blockCPU, err := c.rl.BlockCPULimit(c.session)
	if err != nil {
		return err
	}
	c.netLimit = blockNet
	c.objectiveDurationLimit = microseconds(blockCPU)
	c.effectiveDeadline = c.start.Add(c.objectiveDurationLimit)

	if c.cfg.MaxTransactionNetUsage <= c.netLimit {
		c.netLimit = c.cfg.MaxTransactionNetUsage
		c.netLimitDueToBlock = false
	}
	if maxCPU := microseconds(c.cfg.MaxTransactionCPUUsage); maxCPU <= c.objectiveDurationLimit {
		c.objectiveDurationLimit = maxCPU
		c.billingTimerCode = TxCPUUsageExceeded
		c.effectiveDeadline = c.start.Add(c.objectiveDurationLimit)
	}
	tx := c.tx()
	if limit := uint64(tx.MaxNetUsageWords) * 8; limit > 0 && limit <= c.netLimit {
		c.netLimit = limit
		c.netLimitDueToBlock = false
	}
	if tx.MaxCPUUsageMS > 0 {
		if limit := time.Duration(tx.MaxCPUUsageMS) * time.Millisecond; limit <= c.objectiveDurationLimit {
			c.objectiveDurationLimit = limit
			c.billingTimerCode = TxCPUUsageExceeded
			c.effectiveDeadline = c.start.Add(c.objectiveDurationLimit)
		}
	}
	if c.billedCPUTimeUS > 0 {
		if err := c.ValidateCPUUsageToBill(c.billedCPUTimeUS, false); err != nil {
			return err
		}
	}

	if c.cfg.OnlyBillFirstAuthorizer {
		if first := tx.FirstAuthorizer(); !first.Empty() {
			c.billToAccounts = []types.Name{first}
		}
	} else {
		for _, act := range tx.Actions {
			for _, auth := range act.Authorization {
				c.billToAccounts = append(c.billToAccounts, auth.Actor)
			}
		}
		slices.Sort(c.billToAccounts)
		c.billToAccounts = slices.Compact(c.billToAccounts)
	}
	if err := c.rl.UpdateAccountUsage(c.session, c.billToAccounts, c.rl.Slot(c.block.Time)); err != nil {
		return err
	}
	bw, err := c.MaxBandwidthBilledAccountsCanPay(false)
	if err != nil {
		return err
	}
	c.netLimitDueToGreylist = c.netLimitDueToGreylist || bw.GreylistedNet
	c.cpuLimitDueToGreylist = c.cpuLimitDueToGreylist || bw.GreylistedCPU
	c.initialMaxBillableCPU = uint64(bw.CPU)

	c.eagerNetLimit = c.netLimit
	if eager := uint64(bw.Net) + c.cfg.NetUsageLeeway; eager < c.eagerNetLimit {
		c.eagerNetLimit = eager
		c.netLimitDueToBlock = false
	}
	if accountCPU := microseconds(uint64(bw.CPU)) + *c.leeway; accountCPU <= c.effectiveDeadline.Sub(c.start) {
		c.effectiveDeadline = c.start.Add(accountCPU)
		c.billingTimerCode = LeewayDeadlineExceeded
	}
	c.billingTimerDurationLimit = c.effectiveDeadline.Sub(c.start)

	if c.explicitBilledCPUTime || (!c.deadline.IsZero() && c.deadline.Before(c.effectiveDeadline)) {
		c.effectiveDeadline = c.deadline
		c.deadlineCode = DeadlineCallerExceeded
	} else {
		c.deadlineCode = c.billingTimerCode
	}
	c.eagerNetLimit = (c.eagerNetLimit / 8) * 8

	if initialNetUsage > 0 {
		if err := c.AddNetUsage(initialNetUsage); err != nil {
			return err
		}
	}
	if !c.skipTrxChecks && !c.effectiveDeadline.IsZero() {
		if err := c.timer.Start(c.effectiveDeadline); err != nil {
			return err
		}
	}
	c.state = StateInitialized
	c.logger.Debug("transaction initialized",
		zap.Uint64("net_limit", c.netLimit),
		zap.Uint64("eager_net_limit", c.eagerNetLimit),
		zap.Duration("objective_duration_limit", c.objectiveDurationLimit),
		zap.Time("deadline", c.effectiveDeadline),
		zap.Stringer("deadline_code", c.deadlineCode),
		zap.Uint64("initial_net_usage", initialNetUsage),
	)
	return nil
}

// Exec executes the actions of the transaction or schedules the transaction if it is delayed.
func (c *Context) Exec() error {
	if err := c.expect(StateInitialized, "exec"); err != nil {
		return err
	}
	c.state = StateExecuting
	if err := c.exec(); err != nil {
		return c.fail(err)
	}
	c.state = StateExecuted
	return nil
}

func (c *Context) exec() error {
	if err := c.billing.beforeExec(c); err != nil {
		return err
	}
	tx := c.tx()
	if c.applyContextFree {
		for i := range tx.ContextFreeActions {
			act := &tx.ContextFreeActions[i]
			c.scheduleAction(act, act.Account, true, 0, 0)
		}
	}
	if c.delay == 0 {
		for i := range tx.Actions {
			act := &tx.Actions[i]
			c.scheduleAction(act, act.Account, false, 0, 0)
		}
		if err := c.billing.afterSchedule(c); err != nil {
			return err
		}
	}
	originals := uint32(len(c.trace.ActionTraces))
	for ordinal := uint32(1); ordinal <= originals; ordinal++ {
		if err := c.executeAction(ordinal, 0); err != nil {
			return err
		}
	}
	if c.delay != 0 {
		return c.ScheduleTransaction()
	}
	return nil
}

// Finalize computes final net and cpu usage and bills them.
func (c *Context) Finalize() error {
	if err := c.expect(StateExecuted, "finalize"); err != nil {
		return err
	}
	if err := c.finalize(); err != nil {
		return c.fail(err)
	}
	c.state = StateFinalized
	billedCPU.Observe(float64(c.billedCPUTimeUS))
	netUsage.Observe(float64(c.trace.NetUsage))
	return nil
}

func (c *Context) finalize() error {
	accounts := make([]types.Name, 0, len(c.validateRAMUsage))
	for account := range c.validateRAMUsage {
		accounts = append(accounts, account)
	}
	slices.Sort(accounts)
	for _, account := range accounts {
		if err := c.rl.VerifyAccountRAMUsage(c.session, account); err != nil {
			return err
		}
	}

	bw, err := c.MaxBandwidthBilledAccountsCanPay(false)
	if err != nil {
		return err
	}
	c.netLimitDueToGreylist = c.netLimitDueToGreylist || bw.GreylistedNet
	c.cpuLimitDueToGreylist = c.cpuLimitDueToGreylist || bw.GreylistedCPU
	if uint64(bw.Net) <= c.netLimit {
		c.netLimit = uint64(bw.Net)
		c.netLimitDueToBlock = false
	}
	if accountCPU := microseconds(uint64(bw.CPU)); accountCPU <= c.objectiveDurationLimit {
		c.objectiveDurationLimit = accountCPU
		c.billingTimerCode = TxCPUUsageExceeded
	}

	if !c.implicit {
		c.trace.NetUsage = ((c.trace.NetUsage + 7) / 8) * 8
		c.eagerNetLimit = c.netLimit
		if err := c.CheckNetUsage(); err != nil {
			return err
		}
	}

	now := c.clock.Now()
	c.trace.Elapsed = now.Sub(c.start)
	c.UpdateBilledCPUTime(now)
	if err := c.ValidateCPUUsageToBill(c.billedCPUTimeUS, true); err != nil {
		return err
	}
	c.trace.CPUUsageUS = c.billedCPUTimeUS
	c.timer.Stop()
	if err := c.billing.bill(c); err != nil {
		return err
	}
	c.logger.Debug("transaction finalized",
		zap.Uint64("net_usage", c.trace.NetUsage),
		zap.Uint64("billed_cpu_us", c.billedCPUTimeUS),
		zap.Duration("elapsed", c.trace.Elapsed),
		zap.Int("actions", len(c.trace.ActionTraces)),
	)
	return nil
}

// Squash merges the session of the transaction into its parent.
func (c *Context) Squash() error {
	if err := c.expect(StateFinalized, "squash"); err != nil {
		return err
	}
	c.timer.Stop()
	if err := c.session.Squash(); err != nil {
		return c.fail(err)
	}
	c.state = StateSquashed
	squashed.Inc()
	return nil
}

// Undo discards the session of the transaction, its trace and billing state.
func (c *Context) Undo() error {
	if c.state.terminal() {
		return fmt.Errorf("%w: undo in %s state", ErrInvalidState, c.state)
	}
	c.timer.Stop()
	c.state = StateDiscarded
	c.trace.ActionTraces = nil
	c.trace.AccountRAMDelta = nil
	c.trace.NetUsage = 0
	c.trace.CPUUsageUS = 0
	c.executed = nil
	c.billedCPUTimeUS = 0
	c.validateRAMUsage = map[types.Name]struct{}{}
	discarded.Inc()
	if err := c.session.Undo(); err != nil && !errors.Is(err, sql.ErrSessionDone) {
		return fmt.Errorf("undo %s: %w", c.id, err)
	}
	return nil
}

// Close stops the timer and undoes the session unless the context reached a terminal state.
func (c *Context) Close() error {
	c.timer.Stop()
	if c.state.terminal() {
		return nil
	}
	return c.Undo()
}

// DisallowTransactionExtensions fails with ErrUnsupportedTransactionExtension.
// The failure is subjective while producing.
func (c *Context) DisallowTransactionExtensions(msg string) error {
	if c.block.Producing {
		return fmt.Errorf("%w: %w: %s", ErrSubjective, ErrUnsupportedTransactionExtension, msg)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTransactionExtension, msg)
}

// microseconds converts to duration saturating well below overflow of time.Duration sums.
func microseconds(us uint64) time.Duration {
	const maxUS = uint64(1<<62) / uint64(time.Microsecond)
	if us > maxUS {
		us = maxUS
	}
	return time.Duration(us) * time.Microsecond
}
