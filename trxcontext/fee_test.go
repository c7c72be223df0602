package trxcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql/fees"
)

func newFeeTester(tb testing.TB, balance int64) *tester {
	tt := newTester(tb)
	tt.cfg.ResourceModel = FeeModel
	if balance > 0 {
		require.NoError(tb, fees.Credit(tt.tx, alice, balance))
	}
	return tt
}

func TestFeeCharged(t *testing.T) {
	tt := newFeeTester(t, 1000)
	var receivers []types.Name
	var onfee types.OnFee
	tt.handle(func(host ActionHost) ([]byte, error) {
		receivers = append(receivers, host.Receiver())
		if host.Action().Name == onFeeAction {
			require.NoError(t, codec.Decode(host.Action().Data, &onfee))
		}
		return nil, nil
	})
	c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.SetFeeContext(500))
	require.NoError(t, c.Exec())
	require.NoError(t, c.Finalize())

	require.Equal(t, []types.Name{token, system}, receivers)
	require.Equal(t, types.OnFee{Payer: alice, Fee: 100}, onfee)
	fctx, err := c.FeeContext()
	require.NoError(t, err)
	require.Equal(t, FeeContext{Payer: alice, Costed: 100, MaxFee: 500}, fctx)

	traces := c.Trace().ActionTraces
	require.Len(t, traces, 2)
	require.Equal(t, system, traces[1].Receiver)
	require.Equal(t, auth(alice), traces[1].Act.Authorization)

	require.NoError(t, c.Squash())
	balance, err := fees.Balance(tt.tx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(900), balance)
}

func TestFeePerAction(t *testing.T) {
	tt := newFeeTester(t, 1000)
	require.NoError(t, fees.SetActionFee(tt.tx, token, issue, fees.ActionFee{Fee: 250}))
	tt.handle(func(ActionHost) ([]byte, error) { return nil, nil })
	c := tt.newContext(tt.transaction(
		types.Action{Account: token, Name: transfer, Authorization: auth(alice)},
		types.Action{Account: token, Name: issue, Authorization: auth(bob)},
	))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.SetFeeContext(350))
	require.NoError(t, c.Exec())
	fctx, err := c.FeeContext()
	require.NoError(t, err)
	require.Equal(t, int64(350), fctx.Costed)
	require.Len(t, c.Executed(), 3)
}

func TestFeeFailures(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		balance int64
		maxFee  int64
		skipSet bool
		errs    []error
	}{
		{
			desc:    "insufficient balance",
			balance: 50,
			maxFee:  500,
			errs:    []error{ErrInsufficientFee, fees.ErrInsufficientBalance},
		},
		{
			desc:    "over max fee",
			balance: 1000,
			maxFee:  99,
			errs:    []error{ErrInsufficientFee},
		},
		{
			desc:    "zero max fee by default",
			balance: 1000,
			skipSet: true,
			errs:    []error{ErrInsufficientFee},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tt := newFeeTester(t, tc.balance)
			// no Apply calls are expected
			c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
			require.NoError(t, tt.initInput(c))
			if !tc.skipSet {
				require.NoError(t, c.SetFeeContext(tc.maxFee))
			}
			err := c.Exec()
			for _, target := range tc.errs {
				require.ErrorIs(t, err, target)
			}
			require.Equal(t, StateFailed, c.State())

			require.NoError(t, c.Undo())
			require.Equal(t, StateDiscarded, c.State())
			require.Empty(t, c.Trace().ActionTraces)
			balance, err := fees.Balance(tt.tx, alice)
			require.NoError(t, err)
			require.Equal(t, tc.balance, balance)
		})
	}
}

func TestSetFeeContext(t *testing.T) {
	t.Run("stake model", func(t *testing.T) {
		tt := newTester(t)
		c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
		require.ErrorIs(t, c.SetFeeContext(1), ErrFeeModelDisabled)
		_, err := c.FeeContext()
		require.ErrorIs(t, err, ErrFeeModelDisabled)
		act := types.Action{Account: token, Name: transfer}
		require.ErrorIs(t, c.ProcessFeeCost(&act), ErrFeeModelDisabled)
		require.ErrorIs(t, c.AddLimitByFee(&act), ErrFeeModelDisabled)
	})
	t.Run("negative", func(t *testing.T) {
		tt := newFeeTester(t, 0)
		c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
		require.ErrorIs(t, c.SetFeeContext(-1), ErrInsufficientFee)
	})
	t.Run("empty payer", func(t *testing.T) {
		tt := newFeeTester(t, 0)
		c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer}))
		require.ErrorIs(t, c.SetFeeContext(1), ErrEmptyFeePayer)
	})
	t.Run("after exec", func(t *testing.T) {
		tt := newFeeTester(t, 1000)
		tt.handle(func(ActionHost) ([]byte, error) { return nil, nil })
		c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
		require.NoError(t, tt.initInput(c))
		require.NoError(t, c.SetFeeContext(100))
		require.NoError(t, c.Exec())
		require.ErrorIs(t, c.SetFeeContext(200), ErrInvalidState)
	})
}

func TestLimitsByFee(t *testing.T) {
	tt := newFeeTester(t, 1000)
	require.NoError(t, fees.SetActionFee(tt.tx, token, transfer, fees.ActionFee{
		Fee:      10,
		CPULimit: 500,
		NetLimit: 4096,
	}))
	var c *Context
	tt.handle(func(host ActionHost) ([]byte, error) {
		if host.Receiver() == token {
			tt.clock.Advance(time.Millisecond)
			require.Eventually(t, c.timer.Expired, time.Second, time.Millisecond)
		}
		return nil, nil
	})
	c = tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.SetFeeContext(10))

	err := c.Exec()
	require.Equal(t, uint64(4096), c.NetLimit())
	require.Equal(t, 500*time.Microsecond, c.objectiveDurationLimit)
	var derr *DeadlineError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, TxCPUUsageExceeded, derr.Code)
}

func TestNetLimitByFee(t *testing.T) {
	tt := newFeeTester(t, 1000)
	require.NoError(t, fees.SetActionFee(tt.tx, token, transfer, fees.ActionFee{Fee: 10, NetLimit: 8}))
	c := tt.newContext(tt.transaction(types.Action{Account: token, Name: transfer, Authorization: auth(alice)}))
	require.NoError(t, tt.initInput(c))
	require.NoError(t, c.SetFeeContext(10))

	var uerr *UsageError
	require.ErrorAs(t, c.Exec(), &uerr)
	require.Equal(t, TxNetUsageExceeded, uerr.Code)
	require.Equal(t, uint64(8), uerr.Limit)
}
