package chain

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/native"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/blocks"
	"github.com/spacemeshos/go-trxexec/sql/fees"
	"github.com/spacemeshos/go-trxexec/sql/generated"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

var (
	system = types.MustName("eosio")
	token  = types.MustName("token")
	alice  = types.MustName("alice")
	bob    = types.MustName("bob")
	active = types.MustName("active")
	memo   = types.MustName("memo")

	genesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type tester struct {
	tb    testing.TB
	db    *sql.Database
	token *native.Token
	*Controller
}

type testOpt func(*Config, *trxcontext.Config, *Genesis)

func newTester(tb testing.TB, opts ...testOpt) *tester {
	tb.Helper()
	db := sql.InMemory()
	tb.Cleanup(func() { require.NoError(tb, db.Close()) })

	cfg := DefaultConfig()
	trxCfg := trxcontext.DefaultConfig()
	genesis := &Genesis{Time: genesisTime}
	for _, name := range []types.Name{system, token, alice, bob} {
		genesis.Accounts = append(genesis.Accounts, GenesisAccount{
			Name:       name,
			Privileged: name == system,
			NetWeight:  -1,
			CPUWeight:  -1,
			RAMBytes:   -1,
		})
	}
	for _, opt := range opts {
		opt(&cfg, &trxCfg, genesis)
	}

	logger := zaptest.NewLogger(tb)
	registry := native.New(native.WithLogger(logger))
	c, err := New(db, registry,
		WithLogger(logger),
		WithConfig(cfg),
		WithContextConfig(trxCfg),
		WithClock(clockwork.NewFakeClockAt(genesisTime)),
	)
	require.NoError(tb, err)
	t := &tester{tb: tb, db: db, token: native.NewToken(token), Controller: c}
	registry.Register(system, native.NewSystem(system, c.ResourceManager(), logger))
	registry.Register(token, t.token)
	require.NoError(tb, c.ApplyGenesis(context.Background(), genesis))
	tb.Cleanup(c.AbortBlock)
	return t
}

func (t *tester) start(offset time.Duration) trxcontext.Block {
	t.tb.Helper()
	block, err := t.StartBlock(context.Background(), genesisTime.Add(offset), true)
	require.NoError(t.tb, err)
	return block
}

func (t *tester) finalize() types.BlockHeader {
	t.tb.Helper()
	header, err := t.FinalizeBlock()
	require.NoError(t.tb, err)
	return header
}

func (t *tester) balance(owner types.Name) uint64 {
	t.tb.Helper()
	balance, err := t.token.BalanceOf(t.db, owner)
	require.NoError(t.tb, err)
	return balance.Amount
}

func (t *tester) transaction(expiration time.Time, actions ...types.Action) *types.SignedTransaction {
	return &types.SignedTransaction{
		Transaction: types.Transaction{
			Expiration: uint32(expiration.Unix()),
			Actions:    actions,
		},
	}
}

func auth(actor types.Name) []types.PermissionLevel {
	return []types.PermissionLevel{{Actor: actor, Permission: active}}
}

func action(tb testing.TB, account, name, actor types.Name, payload codec.Encodable) types.Action {
	tb.Helper()
	act := types.Action{Account: account, Name: name, Authorization: auth(actor)}
	if payload != nil {
		data, err := codec.Encode(payload)
		require.NoError(tb, err)
		act.Data = data
	}
	return act
}

func counterValue(tb testing.TB, counter prometheus.Counter) float64 {
	tb.Helper()
	var m dto.Metric
	require.NoError(tb, counter.Write(&m))
	return m.GetCounter().GetValue()
}

func issueAction(tb testing.TB, to types.Name, quantity uint64) types.Action {
	return action(tb, token, native.ActionIssue, token, &native.Issue{To: to, Quantity: quantity})
}

func transferAction(tb testing.TB, from, to types.Name, quantity uint64) types.Action {
	return action(tb, token, native.ActionTransfer, from, &native.Transfer{From: from, To: to, Quantity: quantity})
}

func TestGenesis(t *testing.T) {
	tt := newTester(t)
	head, err := tt.Head()
	require.NoError(t, err)
	require.Equal(t, uint32(1), head.Num)
	require.Equal(t, genesisTime, head.Time)

	account, err := accounts.Get(tt.db, system)
	require.NoError(t, err)
	require.True(t, account.Privileged)
	has, err := accounts.HasPermission(tt.db, types.PermissionLevel{Actor: alice, Permission: active})
	require.NoError(t, err)
	require.True(t, has)

	require.ErrorIs(t, tt.ApplyGenesis(context.Background(), &Genesis{Time: genesisTime}), ErrGenesisApplied)
}

func TestNoGenesis(t *testing.T) {
	db := sql.InMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	c, err := New(db, native.New())
	require.NoError(t, err)
	_, err = c.Head()
	require.ErrorIs(t, err, ErrNoGenesis)
	_, err = c.StartBlock(context.Background(), genesisTime, false)
	require.ErrorIs(t, err, ErrNoGenesis)
}

func TestBlockLifecycle(t *testing.T) {
	tt := newTester(t)
	_, err := tt.PushTransaction(tt.transaction(genesisTime, issueAction(t, alice, 1)))
	require.ErrorIs(t, err, ErrNoPendingBlock)
	_, err = tt.FinalizeBlock()
	require.ErrorIs(t, err, ErrNoPendingBlock)
	_, err = tt.StartBlock(context.Background(), genesisTime, true)
	require.ErrorIs(t, err, ErrBlockTime)

	block := tt.start(time.Second)
	require.Equal(t, uint32(2), block.Num)
	_, err = tt.StartBlock(context.Background(), genesisTime.Add(2*time.Second), true)
	require.ErrorIs(t, err, ErrPendingBlock)

	header := tt.finalize()
	require.Equal(t, uint32(2), header.Num)
	// onblock
	require.Equal(t, uint32(1), header.Transactions)
	require.False(t, header.ActionRoot.Empty())

	stored, err := blocks.Get(tt.db, 2)
	require.NoError(t, err)
	require.Equal(t, header, stored)
	head, err := tt.Head()
	require.NoError(t, err)
	require.Equal(t, header, head)
}

func TestAbortBlock(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	_, err := tt.PushTransaction(tt.transaction(genesisTime.Add(time.Minute), issueAction(t, alice, 10)))
	require.NoError(t, err)
	tt.AbortBlock()
	tt.AbortBlock()

	require.Zero(t, tt.balance(alice))
	head, err := tt.Head()
	require.NoError(t, err)
	require.Equal(t, uint32(1), head.Num)

	block := tt.start(2 * time.Second)
	require.Equal(t, uint32(2), block.Num)
}

func TestTokenTransfer(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	expiration := genesisTime.Add(time.Minute)
	_, err := tt.PushTransaction(tt.transaction(expiration, issueAction(t, alice, 100)))
	require.NoError(t, err)
	trace, err := tt.PushTransaction(tt.transaction(expiration, transferAction(t, alice, bob, 30)))
	require.NoError(t, err)

	require.Empty(t, trace.Error)
	require.Len(t, trace.ActionTraces, 3)
	for i, receiver := range []types.Name{token, alice, bob} {
		require.Equal(t, receiver, trace.ActionTraces[i].Receiver)
		require.Equal(t, native.ActionTransfer, trace.ActionTraces[i].Act.Name)
	}
	var remaining native.Balance
	require.NoError(t, codec.Decode(trace.ActionTraces[0].ReturnValue, &remaining))
	require.Equal(t, uint64(70), remaining.Amount)

	header := tt.finalize()
	require.Equal(t, uint32(3), header.Transactions)
	require.Equal(t, uint64(70), tt.balance(alice))
	require.Equal(t, uint64(30), tt.balance(bob))

	// token paid for the row of alice, alice paid for the row of bob
	for _, payer := range []types.Name{token, alice} {
		ram, err := tt.ResourceManager().AccountRAMUsage(tt.db, payer)
		require.NoError(t, err)
		require.Positive(t, ram)
	}
	ram, err := tt.ResourceManager().AccountRAMUsage(tt.db, bob)
	require.NoError(t, err)
	require.Zero(t, ram)
}

func TestFailedTransactionDiscarded(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	expiration := genesisTime.Add(time.Minute)
	_, err := tt.PushTransaction(tt.transaction(expiration, issueAction(t, alice, 10)))
	require.NoError(t, err)

	trx := tt.transaction(expiration,
		transferAction(t, alice, bob, 5),
		transferAction(t, alice, bob, 50),
	)
	trace, err := tt.PushTransaction(trx)
	require.ErrorIs(t, err, native.ErrInsufficientBalance)
	require.NotNil(t, trace)
	require.Contains(t, trace.Error, "insufficient token balance")

	// the id is not recorded, so the same transaction may be retried
	_, err = tt.PushTransaction(trx)
	require.ErrorIs(t, err, native.ErrInsufficientBalance)

	_, err = tt.PushTransaction(tt.transaction(expiration, transferAction(t, bob, alice, 1)))
	require.ErrorIs(t, err, native.ErrInsufficientBalance)

	header := tt.finalize()
	require.Equal(t, uint32(2), header.Transactions)
	require.Equal(t, uint64(10), tt.balance(alice))
	require.Zero(t, tt.balance(bob))
}

func TestDuplicateTransaction(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	trx := tt.transaction(genesisTime.Add(time.Minute), issueAction(t, alice, 10))
	_, err := tt.PushTransaction(trx)
	require.NoError(t, err)
	_, err = tt.PushTransaction(trx)
	require.ErrorIs(t, err, trxcontext.ErrDuplicateTransaction)
	tt.finalize()

	tt.start(2 * time.Second)
	_, err = tt.PushTransaction(trx)
	require.ErrorIs(t, err, trxcontext.ErrDuplicateTransaction)
	_, err = tt.PushTransaction(trx, WithSkipRecording())
	require.NoError(t, err)
	tt.finalize()
	require.Equal(t, uint64(20), tt.balance(alice))
}

func TestExpiredTransaction(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Minute)
	_, err := tt.PushTransaction(tt.transaction(genesisTime.Add(time.Second), issueAction(t, alice, 10)))
	require.ErrorIs(t, err, trxcontext.ErrExpiredTransaction)
}

func TestDeferredTransaction(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	trx := tt.transaction(genesisTime.Add(time.Minute), action(t, bob, memo, alice, nil))
	trx.DelaySec = 60
	trace, err := tt.PushTransaction(trx)
	require.NoError(t, err)
	require.Empty(t, trace.ActionTraces)
	require.NotNil(t, trace.AccountRAMDelta)
	require.Equal(t, alice, trace.AccountRAMDelta.Account)
	tt.finalize()

	ram, err := tt.ResourceManager().AccountRAMUsage(tt.db, alice)
	require.NoError(t, err)
	require.Equal(t, trace.AccountRAMDelta.Delta, ram)
	gtx, err := generated.Get(tt.db, trace.ID)
	require.NoError(t, err)
	require.Equal(t, genesisTime.Add(61*time.Second), gtx.DelayUntil)

	tt.start(30 * time.Second)
	traces, err := tt.ExecuteDeferred()
	require.NoError(t, err)
	require.Empty(t, traces)
	tt.finalize()

	tt.start(61 * time.Second)
	traces, err = tt.ExecuteDeferred()
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, trace.ID, traces[0].ID)
	require.True(t, traces[0].Scheduled)
	require.Empty(t, traces[0].Error)
	require.Len(t, traces[0].ActionTraces, 1)
	require.Equal(t, bob, traces[0].ActionTraces[0].Receiver)
	tt.finalize()

	ram, err = tt.ResourceManager().AccountRAMUsage(tt.db, alice)
	require.NoError(t, err)
	require.Zero(t, ram)
	_, err = generated.Get(tt.db, trace.ID)
	require.ErrorIs(t, err, sql.ErrNotFound)
}

func TestDeferredExpired(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	trx := tt.transaction(genesisTime.Add(time.Minute), action(t, bob, memo, alice, nil))
	trx.DelaySec = 1
	trace, err := tt.PushTransaction(trx)
	require.NoError(t, err)
	tt.finalize()

	tt.start(time.Second + time.Hour)
	traces, err := tt.ExecuteDeferred()
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, trace.ID, traces[0].ID)
	require.Contains(t, traces[0].Error, "expired")
	require.Empty(t, traces[0].ActionTraces)
	tt.finalize()

	ram, err := tt.ResourceManager().AccountRAMUsage(tt.db, alice)
	require.NoError(t, err)
	require.Zero(t, ram)
}

func TestMaxDeferredPerBlock(t *testing.T) {
	tt := newTester(t, func(cfg *Config, _ *trxcontext.Config, _ *Genesis) {
		cfg.MaxDeferredPerBlock = 1
	})
	tt.start(time.Second)
	for i := range 2 {
		trx := tt.transaction(genesisTime.Add(time.Minute), action(t, bob, memo, alice, nil))
		trx.DelaySec = uint32(i + 1)
		_, err := tt.PushTransaction(trx)
		require.NoError(t, err)
	}
	tt.finalize()

	tt.start(time.Minute)
	traces, err := tt.ExecuteDeferred()
	require.NoError(t, err)
	require.Len(t, traces, 1)
	tt.finalize()

	tt.start(2 * time.Minute)
	traces, err = tt.ExecuteDeferred()
	require.NoError(t, err)
	require.Len(t, traces, 1)
	tt.finalize()
}

func TestPrevalidate(t *testing.T) {
	tt := newTester(t)
	expiration := genesisTime.Add(time.Minute)

	pushed := tt.transaction(expiration, issueAction(t, alice, 10))
	tt.start(time.Second)
	_, err := tt.Prevalidate(context.Background(), nil)
	require.ErrorIs(t, err, ErrPendingBlock)
	_, err = tt.PushTransaction(pushed)
	require.NoError(t, err)
	tt.finalize()

	unauthorized := tt.transaction(expiration, types.Action{Account: token, Name: memo})
	withExtension := tt.transaction(expiration, issueAction(t, alice, 1))
	withExtension.Extensions = []types.Extension{{Type: 1}}
	malformed := tt.transaction(expiration, issueAction(t, alice, 1))
	malformed.Actions[0].Authorization = make([]types.PermissionLevel, types.MaxAuthorizations+1)

	trxs := []*types.SignedTransaction{
		tt.transaction(expiration, transferAction(t, alice, bob, 1)),
		tt.transaction(genesisTime, issueAction(t, alice, 1)),
		tt.transaction(genesisTime.Add(2*time.Hour), issueAction(t, alice, 1)),
		tt.transaction(expiration, action(t, types.MustName("nobody"), memo, alice, nil)),
		tt.transaction(expiration, action(t, token, memo, types.MustName("nobody"), nil)),
		unauthorized,
		withExtension,
		pushed,
		malformed,
	}
	failed := counterValue(t, prevalidateFailed)
	results, err := tt.Prevalidate(context.Background(), trxs)
	require.NoError(t, err)
	require.Len(t, results, len(trxs))
	require.Equal(t, failed+float64(len(trxs)-1), counterValue(t, prevalidateFailed))
	require.NoError(t, results[0])
	require.ErrorIs(t, results[1], trxcontext.ErrExpiredTransaction)
	require.ErrorIs(t, results[2], trxcontext.ErrExpirationTooFar)
	require.ErrorIs(t, results[3], trxcontext.ErrUnknownAccount)
	require.ErrorIs(t, results[4], trxcontext.ErrInvalidAuthorization)
	require.ErrorIs(t, results[5], trxcontext.ErrNoAuthorizations)
	require.ErrorIs(t, results[6], trxcontext.ErrUnsupportedTransactionExtension)
	require.ErrorIs(t, results[7], trxcontext.ErrDuplicateTransaction)
	require.ErrorIs(t, results[8], trxcontext.ErrMalformedTransaction)
}

func TestMalformedTransaction(t *testing.T) {
	tt := newTester(t)
	tt.start(time.Second)
	expiration := genesisTime.Add(time.Minute)

	tooManyAuths := tt.transaction(expiration, issueAction(t, alice, 1))
	for i := 0; i < types.MaxAuthorizations; i++ {
		tooManyAuths.Actions[0].Authorization = append(tooManyAuths.Actions[0].Authorization, auth(token)...)
	}
	failed := counterValue(t, inputFailed)
	trace, err := tt.PushTransaction(tooManyAuths)
	require.ErrorIs(t, err, trxcontext.ErrMalformedTransaction)
	require.Nil(t, trace)
	require.Equal(t, failed+1, counterValue(t, inputFailed))

	tooLarge := tt.transaction(expiration, issueAction(t, alice, 1))
	tooLarge.Actions[0].Data = make([]byte, types.MaxActionDataSize+1)
	_, err = tt.PushTransaction(tooLarge)
	require.ErrorIs(t, err, trxcontext.ErrMalformedTransaction)

	// the block is still usable
	_, err = tt.PushTransaction(tt.transaction(expiration, issueAction(t, alice, 1)))
	require.NoError(t, err)
	require.Equal(t, uint32(2), tt.finalize().Transactions)
}

func TestPrevalidateCanceled(t *testing.T) {
	tt := newTester(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tt.Prevalidate(ctx, []*types.SignedTransaction{
		tt.transaction(genesisTime.Add(time.Minute), issueAction(t, alice, 1)),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFeeModel(t *testing.T) {
	tt := newTester(t, func(_ *Config, trxCfg *trxcontext.Config, genesis *Genesis) {
		trxCfg.ResourceModel = trxcontext.FeeModel
		for i := range genesis.Accounts {
			genesis.Accounts[i].FeeBalance = 1000
		}
	})
	tt.start(time.Second)
	expiration := genesisTime.Add(time.Minute)
	_, err := tt.PushTransaction(tt.transaction(expiration, issueAction(t, alice, 10)), WithMaxFee(100))
	require.NoError(t, err)

	trace, err := tt.PushTransaction(tt.transaction(expiration, transferAction(t, alice, bob, 5)), WithMaxFee(100))
	require.NoError(t, err)
	i := slices.IndexFunc(trace.ActionTraces, func(at types.ActionTrace) bool {
		return at.Act.Name == native.ActionOnFee
	})
	require.NotEqual(t, -1, i)
	require.Equal(t, system, trace.ActionTraces[i].Receiver)
	require.Empty(t, trace.ActionTraces[i].Error)

	trace, err = tt.PushTransaction(tt.transaction(expiration, transferAction(t, alice, bob, 6)))
	require.ErrorIs(t, err, trxcontext.ErrInsufficientFee)
	require.NotErrorIs(t, err, trxcontext.ErrDuplicateTransaction)
	require.NotEmpty(t, trace.Error)

	header := tt.finalize()
	// onblock is free
	require.Equal(t, uint32(3), header.Transactions)

	// alice paid for the first transfer only
	for name, expected := range map[types.Name]int64{token: 900, alice: 900, bob: 1000, system: 1200} {
		balance, err := fees.Balance(tt.db, name)
		require.NoError(t, err)
		require.Equal(t, expected, balance, name.String())
	}
}
