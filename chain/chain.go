package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/checktime"
	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/blocks"
	"github.com/spacemeshos/go-trxexec/sql/fees"
	"github.com/spacemeshos/go-trxexec/sql/generated"
	"github.com/spacemeshos/go-trxexec/sql/staticaccounts"
	"github.com/spacemeshos/go-trxexec/sql/transactions"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

var (
	// ErrPendingBlock is returned when an operation conflicts with the pending block.
	ErrPendingBlock = errors.New("chain: block is pending")
	// ErrNoPendingBlock is returned when an operation requires a pending block.
	ErrNoPendingBlock = errors.New("chain: no pending block")
	// ErrNoGenesis is returned before genesis is applied.
	ErrNoGenesis = errors.New("chain: genesis is not applied")
	// ErrGenesisApplied is returned when genesis is applied twice.
	ErrGenesisApplied = errors.New("chain: genesis is already applied")
	// ErrBlockTime is returned when block time doesn't advance.
	ErrBlockTime = errors.New("chain: block time must advance")
)

var onBlockAction = types.MustName("onblock")

// Opt for configuring Controller.
type Opt func(*Controller)

// WithLogger sets logger for Controller.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithConfig overwrites default config.
func WithConfig(cfg Config) Opt {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithContextConfig overwrites chain parameters applied to every transaction.
func WithContextConfig(cfg trxcontext.Config) Opt {
	return func(c *Controller) {
		c.trxCfg = cfg
	}
}

// WithResourceManager sets resource manager shared with contracts.
func WithResourceManager(rl *resource.Manager) Opt {
	return func(c *Controller) {
		c.rl = rl
	}
}

// WithClock sets clock for transaction timers.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Controller) {
		c.clock = clock
	}
}

// Controller applies transactions to a pending block and commits blocks.
// Controller is not safe for concurrent use, except for Prevalidate.
type Controller struct {
	logger   *zap.Logger
	cfg      Config
	trxCfg   trxcontext.Config
	clock    clockwork.Clock
	db       *sql.Database
	rl       *resource.Manager
	executor trxcontext.Executor
	source   *checktime.Source

	pending *pendingBlock
}

// New creates Controller.
func New(db *sql.Database, executor trxcontext.Executor, opts ...Opt) (*Controller, error) {
	c := &Controller{
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
		trxCfg:   trxcontext.DefaultConfig(),
		clock:    clockwork.NewRealClock(),
		db:       db,
		executor: executor,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.validate(); err != nil {
		return nil, err
	}
	if err := c.trxCfg.Validate(); err != nil {
		return nil, err
	}
	if c.rl == nil {
		rl, err := resource.New(resource.WithLogger(c.logger.Named("resource")))
		if err != nil {
			return nil, err
		}
		c.rl = rl
	}
	c.source = checktime.NewSource(
		checktime.WithLogger(c.logger.Named("checktime")),
		checktime.WithClock(c.clock),
	)
	return c, nil
}

// ResourceManager returns resource manager used for billing.
func (c *Controller) ResourceManager() *resource.Manager {
	return c.rl
}

// Head returns header of the last committed block.
func (c *Controller) Head() (types.BlockHeader, error) {
	header, err := blocks.Latest(c.db)
	if errors.Is(err, sql.ErrNotFound) {
		return header, ErrNoGenesis
	}
	return header, err
}

// ApplyGenesis creates genesis accounts and commits the first block.
func (c *Controller) ApplyGenesis(ctx context.Context, genesis *Genesis) error {
	if _, err := blocks.Latest(c.db); err == nil {
		return ErrGenesisApplied
	} else if !errors.Is(err, sql.ErrNotFound) {
		return err
	}
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.rl.Initialize(tx); err != nil {
			return err
		}
		for i := range genesis.Accounts {
			if err := c.genesisAccount(tx, genesis.Time, &genesis.Accounts[i]); err != nil {
				return err
			}
		}
		header := types.BlockHeader{Num: 1, Time: genesis.Time.UTC()}
		if err := blocks.Add(tx, &header); err != nil {
			return err
		}
		c.logger.Info("genesis applied",
			zap.Object("block", &header),
			zap.Int("accounts", len(genesis.Accounts)),
		)
		return nil
	})
}

func (c *Controller) genesisAccount(tx *sql.Tx, created time.Time, account *GenesisAccount) error {
	if err := accounts.Create(tx, &types.Account{
		Name:       account.Name,
		Created:    created,
		Privileged: account.Privileged,
	}); err != nil {
		return fmt.Errorf("genesis account %s: %w", account.Name, err)
	}
	if err := accounts.AddPermission(tx, types.PermissionLevel{
		Actor:      account.Name,
		Permission: types.MustName("active"),
	}); err != nil {
		return err
	}
	limits := types.ResourceLimits{
		NetWeight: account.NetWeight,
		CPUWeight: account.CPUWeight,
		RAMBytes:  account.RAMBytes,
	}
	if limits != types.UnlimitedResources() {
		if _, err := c.rl.SetAccountLimits(tx, account.Name, limits); err != nil {
			return err
		}
	}
	if account.FeeBalance > 0 {
		if err := fees.Credit(tx, account.Name, account.FeeBalance); err != nil {
			return err
		}
	}
	for _, action := range account.StaticActions {
		if err := staticaccounts.Add(tx, account.Name, action); err != nil {
			return err
		}
	}
	c.logger.Debug("genesis account",
		zap.Stringer("name", account.Name),
		zap.Bool("privileged", account.Privileged),
		zap.Object("limits", &limits),
	)
	return nil
}

// StartBlock opens pending block following the head.
// If producing, transactions are subject to subjective limits of the local producer.
func (c *Controller) StartBlock(ctx context.Context, blockTime time.Time, producing bool) (trxcontext.Block, error) {
	if c.pending != nil {
		return trxcontext.Block{}, ErrPendingBlock
	}
	head, err := c.Head()
	if err != nil {
		return trxcontext.Block{}, err
	}
	if !blockTime.After(head.Time) {
		return trxcontext.Block{}, fmt.Errorf("%w: %s is not after %s", ErrBlockTime, blockTime, head.Time)
	}
	tx, err := c.db.Tx(ctx)
	if err != nil {
		return trxcontext.Block{}, err
	}
	c.pending = &pendingBlock{
		tx: tx,
		block: trxcontext.Block{
			Num:       head.Num + 1,
			Time:      blockTime.UTC(),
			Producing: producing,
		},
	}
	c.logger.Debug("block started",
		zap.Uint32("num", c.pending.block.Num),
		zap.Time("time", c.pending.block.Time),
		zap.Bool("producing", producing),
	)
	if c.cfg.OnBlock {
		c.onBlock()
	}
	return c.pending.block, nil
}

// onBlock notifies the system account of the new block with an implicit transaction.
// Its failure doesn't prevent the block.
func (c *Controller) onBlock() {
	system := c.trxCfg.SystemAccount
	trx := &types.SignedTransaction{
		Transaction: types.Transaction{
			Expiration: uint32(c.pending.block.Time.Unix()),
			Actions: []types.Action{{
				Account: system,
				Name:    onBlockAction,
				Authorization: []types.PermissionLevel{
					{Actor: system, Permission: types.MustName("active")},
				},
			}},
		},
	}
	trace, err := c.apply(trx, pushConf{implicit: true}, func(tctx *trxcontext.Context) error {
		return tctx.InitForImplicitTrx()
	})
	if err != nil {
		implicitFailed.Inc()
		c.logger.Warn("onblock failed",
			zap.Uint32("block", c.pending.block.Num),
			traceField(trace),
			zap.Error(err),
		)
		return
	}
	implicitApplied.Inc()
}

// PushOpt modifies execution of a single transaction.
type PushOpt func(*pushConf)

type pushConf struct {
	deadline      time.Time
	billedCPU     uint64
	maxFee        int64
	skipRecording bool
	implicit      bool
}

// WithDeadline sets caller deadline for the transaction.
func WithDeadline(deadline time.Time) PushOpt {
	return func(conf *pushConf) {
		conf.deadline = deadline
	}
}

// WithBilledCPU bills cpu recorded by the producer instead of measuring it.
func WithBilledCPU(us uint64) PushOpt {
	return func(conf *pushConf) {
		conf.billedCPU = us
	}
}

// WithMaxFee caps the fee paid for the transaction with the fee resource model.
func WithMaxFee(fee int64) PushOpt {
	return func(conf *pushConf) {
		conf.maxFee = fee
	}
}

// WithSkipRecording doesn't record the transaction id for deduplication.
func WithSkipRecording() PushOpt {
	return func(conf *pushConf) {
		conf.skipRecording = true
	}
}

// PushTransaction applies the input transaction to the pending block.
// Returns the trace of the transaction also when it fails. Effects of a failed transaction are discarded.
func (c *Controller) PushTransaction(trx *types.SignedTransaction, opts ...PushOpt) (*types.TransactionTrace, error) {
	if c.pending == nil {
		return nil, ErrNoPendingBlock
	}
	var conf pushConf
	for _, opt := range opts {
		opt(&conf)
	}
	trace, err := c.apply(trx, conf, func(tctx *trxcontext.Context) error {
		unprunable, prunable, err := trx.PackedSizes()
		if err != nil {
			return err
		}
		return tctx.InitForInputTrx(unprunable, prunable, conf.skipRecording)
	})
	if err != nil {
		inputFailed.Inc()
		return trace, err
	}
	inputApplied.Inc()
	return trace, nil
}

// ExecuteDeferred executes delayed transactions that are due in the pending block.
// Due transactions are removed whether they succeed or not. Expired transactions are not executed.
func (c *Controller) ExecuteDeferred() ([]*types.TransactionTrace, error) {
	if c.pending == nil {
		return nil, ErrNoPendingBlock
	}
	p := c.pending
	due, err := generated.Ready(p.tx, p.block.Time, c.cfg.MaxDeferredPerBlock)
	if err != nil {
		return nil, err
	}
	traces := make([]*types.TransactionTrace, 0, len(due))
	for i := range due {
		gtx := &due[i]
		if err := c.retire(gtx); err != nil {
			return traces, err
		}
		if gtx.Expiration.Before(p.block.Time) {
			deferredExpired.Inc()
			traces = append(traces, &types.TransactionTrace{
				ID:        gtx.ID,
				BlockNum:  p.block.Num,
				BlockTime: p.block.Time,
				Scheduled: true,
				Error:     fmt.Sprintf("%s: deferred transaction expired at %s", trxcontext.ErrExpiredTransaction, gtx.Expiration),
			})
			continue
		}
		var trx types.SignedTransaction
		if err := codec.Decode(gtx.Packed, &trx.Transaction); err != nil {
			return traces, fmt.Errorf("decode deferred %s: %w", gtx.ID, err)
		}
		// the payer agreed to the delay, fees are capped by its balance only
		trace, err := c.apply(&trx, pushConf{maxFee: math.MaxInt64}, func(tctx *trxcontext.Context) error {
			return tctx.InitForDeferredTrx(gtx.Published)
		})
		if err != nil {
			deferredFailed.Inc()
			c.logger.Debug("deferred transaction failed", traceField(trace), zap.Error(err))
		} else {
			deferredApplied.Inc()
		}
		traces = append(traces, trace)
	}
	return traces, nil
}

// retire removes generated transaction and refunds its ram to the payer.
func (c *Controller) retire(gtx *types.GeneratedTransaction) error {
	tx := c.pending.tx
	if err := generated.Delete(tx, gtx.ID); err != nil {
		return err
	}
	delta := -int64(trxcontext.GeneratedTransactionOverhead + len(gtx.Packed))
	return c.rl.AddPendingRAMUsage(tx, gtx.Payer, delta)
}

func (c *Controller) apply(
	trx *types.SignedTransaction,
	conf pushConf,
	init func(*trxcontext.Context) error,
) (*types.TransactionTrace, error) {
	p := c.pending
	timer, err := c.source.Acquire()
	if err != nil {
		return nil, err
	}
	defer timer.Close()

	opts := []trxcontext.Opt{
		trxcontext.WithLogger(c.logger.Named("trx")),
		trxcontext.WithConfig(c.trxCfg),
	}
	if !conf.deadline.IsZero() {
		opts = append(opts, trxcontext.WithDeadline(conf.deadline))
	}
	if conf.billedCPU > 0 {
		opts = append(opts, trxcontext.WithBilledCPUTime(conf.billedCPU))
	}
	if p.block.Producing && c.cfg.Leeway > 0 {
		opts = append(opts, trxcontext.WithLeeway(c.cfg.Leeway))
	}
	tctx, err := trxcontext.New(p.tx, trx, p.block, c.rl, c.executor, timer, opts...)
	if err != nil {
		return nil, err
	}
	defer tctx.Close()

	if err := c.execute(tctx, conf, init); err != nil {
		if uerr := tctx.Undo(); uerr != nil {
			return tctx.Trace(), errors.Join(err, uerr)
		}
		// limits cached from the discarded session are stale
		c.rl.Purge()
		return tctx.Trace(), fmt.Errorf("apply %s: %w", tctx.ID(), err)
	}
	p.add(tctx)
	return tctx.Trace(), nil
}

func (c *Controller) execute(tctx *trxcontext.Context, conf pushConf, init func(*trxcontext.Context) error) error {
	if err := init(tctx); err != nil {
		return err
	}
	if c.trxCfg.ResourceModel == trxcontext.FeeModel && !conf.implicit {
		if err := tctx.SetFeeContext(conf.maxFee); err != nil {
			return err
		}
	}
	if err := tctx.Exec(); err != nil {
		return err
	}
	if err := tctx.Finalize(); err != nil {
		return err
	}
	return tctx.Squash()
}

// FinalizeBlock updates block resource limits, removes expired dedup records and commits the pending block.
func (c *Controller) FinalizeBlock() (types.BlockHeader, error) {
	if c.pending == nil {
		return types.BlockHeader{}, ErrNoPendingBlock
	}
	num := c.pending.block.Num
	header, expired, err := c.finalize()
	if err != nil {
		c.AbortBlock()
		return header, fmt.Errorf("finalize block %d: %w", num, err)
	}
	c.pending = nil
	blocksCommitted.Inc()
	blockTransactions.Observe(float64(header.Transactions))
	c.logger.Info("block committed",
		zap.Object("block", &header),
		zap.Int("expired records", expired),
	)
	return header, nil
}

func (c *Controller) finalize() (types.BlockHeader, int, error) {
	p := c.pending
	if err := c.rl.ProcessBlockUsage(p.tx, p.block.Num); err != nil {
		return types.BlockHeader{}, 0, err
	}
	expired, err := transactions.DeleteExpired(p.tx, uint32(p.block.Time.Unix()))
	if err != nil {
		return types.BlockHeader{}, 0, err
	}
	header := p.header()
	if err := blocks.Add(p.tx, &header); err != nil {
		return header, 0, err
	}
	if err := p.tx.Commit(); err != nil {
		return header, 0, err
	}
	return header, expired, p.tx.Release()
}

// AbortBlock discards the pending block.
func (c *Controller) AbortBlock() {
	if c.pending == nil {
		return
	}
	p := c.pending
	c.pending = nil
	if err := p.tx.Release(); err != nil {
		c.logger.Warn("failed to release block", zap.Uint32("num", p.block.Num), zap.Error(err))
	}
	c.rl.Purge()
	blocksAborted.Inc()
	c.logger.Debug("block aborted", zap.Uint32("num", p.block.Num), zap.Int("transactions", len(p.ids)))
}

func traceField(trace *types.TransactionTrace) zap.Field {
	if trace == nil {
		return zap.Skip()
	}
	return zap.Object("trace", trace)
}

type pendingBlock struct {
	tx    *sql.Tx
	block trxcontext.Block

	ids      []types.TransactionID
	receipts []types.Hash32
	net      uint64
	cpu      uint64
}

func (p *pendingBlock) add(tctx *trxcontext.Context) {
	trace := tctx.Trace()
	p.ids = append(p.ids, trace.ID)
	for i := range tctx.Executed() {
		p.receipts = append(p.receipts, tctx.Executed()[i].Digest())
	}
	p.net += trace.NetUsage
	p.cpu += trace.CPUUsageUS
}

func (p *pendingBlock) header() types.BlockHeader {
	header := types.BlockHeader{
		Num:          p.block.Num,
		Time:         p.block.Time,
		Transactions: uint32(len(p.ids)),
		NetUsage:     p.net,
		CPUUsage:     p.cpu,
	}
	chunks := make([][]byte, 0, max(len(p.receipts), len(p.ids)))
	for i := range p.receipts {
		chunks = append(chunks, p.receipts[i].Bytes())
	}
	header.ActionRoot = types.CalcHash32(chunks...)
	chunks = chunks[:0]
	for i := range p.ids {
		chunks = append(chunks, p.ids[i].Bytes())
	}
	header.TransactionRoot = types.CalcHash32(chunks...)
	return header
}
