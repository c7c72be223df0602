package trxcontext

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-trxexec/checktime"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/fees"
	"github.com/spacemeshos/go-trxexec/sql/generated"
	"github.com/spacemeshos/go-trxexec/sql/globals"
	"github.com/spacemeshos/go-trxexec/sql/transactions"
)

var (
	alice  = types.MustName("alice")
	bob    = types.MustName("bob")
	token  = types.MustName("token")
	system = types.MustName("eosio")

	transfer = types.MustName("transfer")
	issue    = types.MustName("issue")
	memo     = types.MustName("memo")

	genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	errFailed = errors.New("failed")
)

type tester struct {
	tb       testing.TB
	tx       *sql.Tx
	rl       *resource.Manager
	clock    clockwork.FakeClock
	source   *checktime.Source
	executor *MockExecutor
	block    Block
	cfg      Config
}

func newTester(tb testing.TB) *tester {
	tb.Helper()
	db := sql.InMemory()
	tb.Cleanup(func() { require.NoError(tb, db.Close()) })
	tx, err := db.Tx(context.Background())
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = tx.Release() })

	rl, err := resource.New(resource.WithLogger(zaptest.NewLogger(tb)))
	require.NoError(tb, err)
	require.NoError(tb, rl.Initialize(tx))

	clock := clockwork.NewFakeClockAt(genesis.Add(time.Hour))
	t := &tester{
		tb:       tb,
		tx:       tx,
		rl:       rl,
		clock:    clock,
		source:   checktime.NewSource(checktime.WithClock(clock)),
		executor: NewMockExecutor(gomock.NewController(tb)),
		block:    Block{Num: 2, Time: clock.Now()},
		cfg:      DefaultConfig(),
	}
	for _, name := range []types.Name{alice, bob, token, system} {
		t.createAccount(name)
	}
	return t
}

func (t *tester) createAccount(name types.Name) {
	t.tb.Helper()
	require.NoError(t.tb, accounts.Create(t.tx, &types.Account{Name: name, Created: genesis}))
	require.NoError(t.tb, accounts.AddPermission(t.tx, types.PermissionLevel{Actor: name, Permission: activePermission}))
}

func (t *tester) newContext(trx *types.SignedTransaction, opts ...Opt) *Context {
	t.tb.Helper()
	timer, err := t.source.Acquire()
	require.NoError(t.tb, err)
	t.tb.Cleanup(timer.Close)
	opts = append([]Opt{WithLogger(zaptest.NewLogger(t.tb)), WithConfig(t.cfg)}, opts...)
	c, err := New(t.tx, trx, t.block, t.rl, t.executor, timer, opts...)
	require.NoError(t.tb, err)
	return c
}

// release returns the timer slot, so that the next context can be created.
func (t *tester) release(c *Context) {
	t.tb.Helper()
	require.NoError(t.tb, c.Close())
	c.timer.Close()
}

func (t *tester) initInput(c *Context) error {
	t.tb.Helper()
	unprunable, prunable, err := c.trx.PackedSizes()
	require.NoError(t.tb, err)
	return c.InitForInputTrx(unprunable, prunable, false)
}

// handle dispatches every Apply call to fn.
func (t *tester) handle(fn func(host ActionHost) ([]byte, error)) {
	t.executor.EXPECT().Apply(gomock.Any()).DoAndReturn(fn).AnyTimes()
}

func auth(actor types.Name) []types.PermissionLevel {
	return []types.PermissionLevel{{Actor: actor, Permission: activePermission}}
}

func (t *tester) transaction(actions ...types.Action) *types.SignedTransaction {
	return &types.SignedTransaction{
		Transaction: types.Transaction{
			Expiration: uint32(t.block.Time.Add(10 * time.Minute).Unix()),
			Actions:    actions,
		},
	}
}

func TestImplicitWithoutActions(t *testing.T) {
	tt := newTester(t)
	c := tt.newContext(&types.SignedTransaction{})

	require.NoError(t, c.InitForImplicitTrx())
	require.Equal(t, StateInitialized, c.State())
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())
	require.Zero(t, c.NetUsage())
	require.Empty(t, c.Trace().ActionTraces)
	require.Equal(t, tt.cfg.MinTransactionCPUUsage, c.BilledCPUTimeUS())
	require.NoError(t, c.Squash())
	require.Equal(t, StateSquashed, c.State())
}

func TestInlineActionsOrder(t *testing.T) {
	tt := newTester(t)
	tt.handle(func(host ActionHost) ([]byte, error) {
		act := host.Action()
		if act.Name == transfer {
			for _, name := range []types.Name{issue, memo} {
				require.NoError(t, host.SendInline(types.Action{
					Account:       token,
					Name:          name,
					Authorization: auth(token),
				}))
			}
		}
		return []byte(act.Name.String()), nil
	})
	c := tt.newContext(tt.transaction(types.Action{
		Account:       token,
		Name:          transfer,
		Authorization: auth(alice),
		Data:          []byte{1, 2, 3},
	}))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())

	traces := c.Trace().ActionTraces
	require.Len(t, traces, 3)
	for i, name := range []types.Name{transfer, issue, memo} {
		require.Equal(t, uint32(i+1), traces[i].ActionOrdinal)
		require.Equal(t, name, traces[i].Act.Name)
		require.Equal(t, token, traces[i].Receiver)
		require.NotNil(t, traces[i].Receipt)
		require.Equal(t, uint64(i+1), traces[i].Receipt.GlobalSequence)
		require.Equal(t, uint64(i+1), traces[i].Receipt.RecvSequence)
		require.Equal(t, types.CalcHash32([]byte(name.String())), traces[i].Receipt.ReturnDigest)
	}
	require.Zero(t, traces[0].CreatorActionOrdinal)
	require.Equal(t, uint32(1), traces[1].CreatorActionOrdinal)
	require.Equal(t, uint32(1), traces[2].CreatorActionOrdinal)
	require.Equal(t, uint32(1), traces[2].ClosestUnnotifiedAncestorActionOrdinal)

	executed := c.Executed()
	require.Len(t, executed, 3)
	require.Equal(t, []types.AuthSequence{{Account: alice, Sequence: 1}}, executed[0].AuthSequence)
	require.Equal(t, []types.AuthSequence{{Account: token, Sequence: 1}}, executed[1].AuthSequence)
	require.Equal(t, traces[0].Act.Digest(), executed[0].ActDigest)

	require.NoError(t, c.Squash())
	seq, err := globals.ActionSequence(tt.tx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestDeadlineInThePast(t *testing.T) {
	tt := newTester(t)
	// no Apply calls are expected
	c := tt.newContext(
		tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}),
		WithDeadline(tt.clock.Now().Add(-time.Millisecond)),
	)
	require.NoError(t, tt.initInput(c))
	err := c.Exec()
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	var derr *DeadlineError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, ScopeTransaction, derr.Scope)
	require.Equal(t, DeadlineCallerExceeded, derr.Code)
	require.Empty(t, c.Executed())
	require.Nil(t, c.Trace().ActionTraces[0].Receipt)
	require.Equal(t, StateFailed, c.State())

	require.ErrorIs(t, c.Finalize(), ErrInvalidState)
	require.NoError(t, c.Undo())
	require.Equal(t, StateDiscarded, c.State())
	require.Empty(t, c.Trace().ActionTraces)
}

func TestBlockDeadline(t *testing.T) {
	tt := newTester(t)
	cfg := resource.DefaultConfig()
	cfg.CPULimit.Max = 1000
	cfg.CPULimit.Target = 100
	rl, err := resource.New(resource.WithConfig(cfg))
	require.NoError(t, err)
	tt.rl = rl

	c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
	tt.handle(func(host ActionHost) ([]byte, error) {
		tt.clock.Advance(2 * time.Millisecond)
		require.Eventually(t, c.timer.Expired, time.Second, time.Millisecond)
		return nil, nil
	})
	require.NoError(t, tt.initInput(c))
	err = c.Exec()
	var derr *DeadlineError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, ScopeBlock, derr.Scope)
	require.Equal(t, BlockCPUUsageExceeded, derr.Code)
	require.Empty(t, c.Executed())
}

func TestTransactionCPULimit(t *testing.T) {
	tt := newTester(t)
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})
	trx.MaxCPUUsageMS = 1
	c := tt.newContext(trx)
	tt.handle(func(host ActionHost) ([]byte, error) {
		tt.clock.Advance(2 * time.Millisecond)
		require.Eventually(t, c.timer.Expired, time.Second, time.Millisecond)
		return nil, host.Checktime()
	})
	require.NoError(t, tt.initInput(c))
	err := c.Exec()
	var derr *DeadlineError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, ScopeTransaction, derr.Scope)
	require.Equal(t, TxCPUUsageExceeded, derr.Code)
	require.NotEmpty(t, c.Trace().ActionTraces[0].Error)
}

func TestUndoRestoresLedger(t *testing.T) {
	tt := newTester(t)
	tt.handle(func(host ActionHost) ([]byte, error) {
		require.NoError(t, fees.Credit(host.Ledger(), bob, 100))
		if host.Action().Name == memo {
			return nil, errFailed
		}
		return nil, nil
	})
	c := tt.newContext(tt.transaction(
		types.Action{Account: token, Name: transfer, Authorization: auth(alice)},
		types.Action{Account: token, Name: memo, Authorization: auth(alice)},
	))
	require.NoError(t, tt.initInput(c))
	require.ErrorIs(t, c.Exec(), errFailed)
	require.Len(t, c.Executed(), 1)
	require.NoError(t, c.Undo())

	balance, err := fees.Balance(tt.tx, bob)
	require.NoError(t, err)
	require.Zero(t, balance)
	account, err := accounts.Get(tt.tx, token)
	require.NoError(t, err)
	require.Zero(t, account.RecvSequence)
	recorded, err := transactions.Has(tt.tx, c.ID())
	require.NoError(t, err)
	require.False(t, recorded)
	require.Empty(t, c.Executed())
	require.Zero(t, c.NetUsage())

	require.ErrorIs(t, c.Undo(), ErrInvalidState)
}

func TestSquashPreconditions(t *testing.T) {
	tt := newTester(t)
	c := tt.newContext(&types.SignedTransaction{})
	require.ErrorIs(t, c.Squash(), ErrInvalidState)
	require.ErrorIs(t, c.Exec(), ErrInvalidState)
	require.ErrorIs(t, c.Finalize(), ErrInvalidState)

	require.NoError(t, c.InitForImplicitTrx())
	require.ErrorIs(t, c.InitForImplicitTrx(), ErrInvalidState)
	require.ErrorIs(t, c.Squash(), ErrInvalidState)
	require.NoError(t, c.Exec())
	require.ErrorIs(t, c.Squash(), ErrInvalidState)
	require.NoError(t, c.Finalize())
	require.NoError(t, c.Squash())
	require.ErrorIs(t, c.Squash(), ErrInvalidState)
	require.ErrorIs(t, c.Undo(), ErrInvalidState)
	require.NoError(t, c.Close())
}

func TestDuplicateTransaction(t *testing.T) {
	tt := newTester(t)
	tt.handle(func(ActionHost) ([]byte, error) { return nil, nil })
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})

	c := tt.newContext(trx)
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())
	require.NoError(t, c.Squash())
	tt.release(c)

	c = tt.newContext(trx)
	require.ErrorIs(t, tt.initInput(c), ErrDuplicateTransaction)
	require.Equal(t, StateFailed, c.State())
	tt.release(c)

	c = tt.newContext(trx)
	unprunable, prunable, err := trx.PackedSizes()
	require.NoError(t, err)
	require.NoError(t, c.InitForInputTrx(unprunable, prunable, true))
}

func TestInputTransactionChecks(t *testing.T) {
	tt := newTester(t)
	valid := types.Action{Account: token, Name: transfer, Authorization: auth(alice)}
	for _, tc := range []struct {
		desc   string
		modify func(*types.SignedTransaction)
		cfg    func(*Config)
		err    error
	}{
		{
			desc: "expired",
			modify: func(trx *types.SignedTransaction) {
				trx.Expiration = uint32(tt.block.Time.Add(-time.Second).Unix())
			},
			err: ErrExpiredTransaction,
		},
		{
			desc: "expiration too far",
			modify: func(trx *types.SignedTransaction) {
				trx.Expiration = uint32(tt.block.Time.Add(2 * time.Hour).Unix())
			},
			err: ErrExpirationTooFar,
		},
		{
			desc: "delay too long",
			modify: func(trx *types.SignedTransaction) {
				trx.DelaySec = uint32((46 * 24 * time.Hour).Seconds())
			},
			err: ErrDelayTooLong,
		},
		{
			desc: "unknown actor",
			modify: func(trx *types.SignedTransaction) {
				trx.Actions[0].Authorization = auth(types.MustName("carol"))
			},
			err: ErrInvalidAuthorization,
		},
		{
			desc: "unknown permission",
			modify: func(trx *types.SignedTransaction) {
				trx.Actions[0].Authorization = []types.PermissionLevel{{Actor: alice, Permission: types.MustName("owner")}}
			},
			err: ErrInvalidAuthorization,
		},
		{
			desc: "unknown code account",
			modify: func(trx *types.SignedTransaction) {
				trx.Actions[0].Account = types.MustName("carol")
			},
			err: ErrUnknownAccount,
		},
		{
			desc: "no authorizations",
			modify: func(trx *types.SignedTransaction) {
				trx.Actions[0].Authorization = nil
			},
			err: ErrNoAuthorizations,
		},
		{
			desc: "authorized context free action",
			modify: func(trx *types.SignedTransaction) {
				trx.ContextFreeActions = []types.Action{valid}
			},
			err: ErrContextFree,
		},
		{
			desc: "extensions",
			modify: func(trx *types.SignedTransaction) {
				trx.Extensions = []types.Extension{{Type: 1}}
			},
			err: ErrUnsupportedTransactionExtension,
		},
		{
			desc:   "blacklisted",
			modify: func(*types.SignedTransaction) {},
			cfg: func(cfg *Config) {
				cfg.ActorBlacklist = []types.Name{alice}
			},
			err: ErrActorWhitelistBlacklist,
		},
		{
			desc:   "not whitelisted",
			modify: func(*types.SignedTransaction) {},
			cfg: func(cfg *Config) {
				cfg.ActorWhitelist = []types.Name{bob}
			},
			err: ErrActorWhitelistBlacklist,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tt.tb = t
			tt.cfg = DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&tt.cfg)
			}
			tt.block.Producing = true
			trx := tt.transaction(valid.Clone())
			tc.modify(trx)
			c := tt.newContext(trx)
			defer tt.release(c)
			require.ErrorIs(t, tt.initInput(c), tc.err)
		})
	}
}

func TestSubjectiveExtensions(t *testing.T) {
	tt := newTester(t)
	trx := &types.SignedTransaction{Transaction: types.Transaction{Extensions: []types.Extension{{Type: 1}}}}

	c := tt.newContext(trx)
	err := c.InitForImplicitTrx()
	require.ErrorIs(t, err, ErrUnsupportedTransactionExtension)
	require.NotErrorIs(t, err, ErrSubjective)
	tt.release(c)

	tt.block.Producing = true
	c = tt.newContext(trx)
	require.ErrorIs(t, c.InitForImplicitTrx(), ErrSubjective)
}

func TestContextFreeDiscount(t *testing.T) {
	tt := newTester(t)
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})
	trx.ContextFreeData = [][]byte{make([]byte, 1000)}
	unprunable, prunable, err := trx.PackedSizes()
	require.NoError(t, err)

	c := tt.newContext(trx)
	require.NoError(t, c.InitForInputTrx(unprunable, prunable, false))
	discounted := (prunable*20 + 99) / 100
	require.Equal(t, tt.cfg.BasePerTransactionNetUsage+unprunable+discounted, c.NetUsage())
}

func TestDelayedTransaction(t *testing.T) {
	tt := newTester(t)
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})
	trx.DelaySec = 60
	unprunable, prunable, err := trx.PackedSizes()
	require.NoError(t, err)

	c := tt.newContext(trx)
	require.NoError(t, c.InitForInputTrx(unprunable, prunable, false))
	initial := tt.cfg.BasePerTransactionNetUsage + unprunable + (prunable*20+99)/100 +
		tt.cfg.BasePerTransactionNetUsage + TransactionIDNetUsage
	require.Equal(t, initial, c.NetUsage())
	// actions are not executed
	require.NoError(t, c.Exec())
	require.Empty(t, c.Trace().ActionTraces)
	require.NoError(t, c.Finalize())
	require.NoError(t, c.Squash())

	gtx, err := generated.Get(tt.tx, c.ID())
	require.NoError(t, err)
	require.Equal(t, alice, gtx.Payer)
	require.True(t, gtx.Sender.Empty())
	require.Equal(t, c.ID().Hash32(), gtx.SenderID)
	require.Equal(t, tt.block.Time.Add(time.Minute), gtx.DelayUntil)
	require.Equal(t, gtx.DelayUntil.Add(tt.cfg.DeferredTrxExpirationWindow), gtx.Expiration)

	delta := c.Trace().AccountRAMDelta
	require.NotNil(t, delta)
	require.Equal(t, alice, delta.Account)
	require.Equal(t, int64(GeneratedTransactionOverhead+len(gtx.Packed)), delta.Delta)
	used, err := tt.rl.AccountRAMUsage(tt.tx, alice)
	require.NoError(t, err)
	require.Equal(t, delta.Delta, used)
}

func TestDeferredTransaction(t *testing.T) {
	tt := newTester(t)
	var receivers []types.Name
	tt.handle(func(host ActionHost) ([]byte, error) {
		receivers = append(receivers, host.Action().Name)
		return nil, nil
	})
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})
	trx.ContextFreeActions = []types.Action{{Account: token, Name: memo}}
	c := tt.newContext(trx)
	require.NoError(t, c.InitForDeferredTrx(tt.block.Time.Add(-time.Minute)))
	require.True(t, c.Trace().Scheduled)
	require.NoError(t, c.Exec())
	require.Equal(t, []types.Name{transfer}, receivers)
	require.NoError(t, c.Finalize())
	require.Zero(t, c.NetUsage())
}

func TestRAMQuota(t *testing.T) {
	tt := newTester(t)
	_, err := tt.rl.SetAccountLimits(tt.tx, alice, types.ResourceLimits{
		NetWeight: types.Unlimited,
		CPUWeight: types.Unlimited,
		RAMBytes:  100,
	})
	require.NoError(t, err)
	tt.handle(func(host ActionHost) ([]byte, error) {
		return nil, host.AddRAMUsage(alice, 101)
	})
	c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.Exec())
	require.Equal(t, []types.AccountDelta{{Account: alice, Delta: 101}}, c.Trace().ActionTraces[0].AccountRAMDeltas)
	require.ErrorIs(t, c.Finalize(), resource.ErrRAMUsageExceeded)
	require.NoError(t, c.Undo())
}

func TestStakeBilling(t *testing.T) {
	tt := newTester(t)
	for _, name := range []types.Name{alice, bob} {
		_, err := tt.rl.SetAccountLimits(tt.tx, name, types.ResourceLimits{
			NetWeight: 1,
			CPUWeight: 1,
			RAMBytes:  types.Unlimited,
		})
		require.NoError(t, err)
	}
	tt.handle(func(ActionHost) ([]byte, error) { return nil, nil })
	c := tt.newContext(tt.transaction(
		types.Action{Account: token, Name: transfer, Authorization: auth(bob)},
		types.Action{Account: token, Name: transfer, Authorization: auth(alice)},
	))
	require.NoError(t, tt.initInput(c))
	require.Equal(t, []types.Name{alice, bob}, c.BillToAccounts())
	require.Positive(t, c.InitialMaxBillableCPU())
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())
	require.Zero(t, c.NetUsage()%8)
	require.NoError(t, c.Squash())

	for _, name := range []types.Name{alice, bob} {
		cpu, _, err := tt.rl.AccountCPULimit(tt.tx, name, tt.rl.Config().CPULimit.MaxMultiplier)
		require.NoError(t, err)
		// usage is averaged with rounding up
		require.InDelta(t, c.BilledCPUTimeUS(), cpu.Used, 1)
	}
}

func TestOnlyBillFirstAuthorizer(t *testing.T) {
	tt := newTester(t)
	tt.cfg.OnlyBillFirstAuthorizer = true
	c := tt.newContext(tt.transaction(
		types.Action{Account: token, Name: transfer, Authorization: auth(bob)},
		types.Action{Account: token, Name: transfer, Authorization: auth(alice)},
	))
	require.NoError(t, tt.initInput(c))
	require.Equal(t, []types.Name{bob}, c.BillToAccounts())
}

func TestExplicitBilledCPU(t *testing.T) {
	tt := newTester(t)
	tt.handle(func(ActionHost) ([]byte, error) {
		tt.clock.Advance(time.Millisecond)
		return nil, nil
	})
	c := tt.newContext(
		tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}),
		WithBilledCPUTime(777),
	)
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())
	require.Equal(t, uint64(777), c.BilledCPUTimeUS())
	require.Equal(t, uint64(777), c.Trace().CPUUsageUS)

	tt.release(c)
	c = tt.newContext(&types.SignedTransaction{}, WithBilledCPUTime(tt.cfg.MaxTransactionCPUUsage+1))
	require.ErrorIs(t, c.InitForImplicitTrx(), ErrDeadlineExceeded)
}

func TestMalformedTransaction(t *testing.T) {
	tt := newTester(t)
	trx := tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)})
	trx.Actions[0].Authorization = make([]types.PermissionLevel, types.MaxAuthorizations+1)

	timer, err := tt.source.Acquire()
	require.NoError(t, err)
	_, err = New(tt.tx, trx, tt.block, tt.rl, tt.executor, timer, WithConfig(tt.cfg))
	require.ErrorIs(t, err, ErrMalformedTransaction)
	timer.Close()

	// nothing is held by the rejected transaction
	trx.Actions[0].Authorization = auth(alice)
	c := tt.newContext(trx)
	tt.release(c)
}
