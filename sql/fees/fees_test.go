package fees

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

func TestBalance(t *testing.T) {
	db := sql.InMemory()
	alice := types.MustName("alice")

	balance, err := Balance(db, alice)
	require.NoError(t, err)
	require.Zero(t, balance)

	_, err = Debit(db, alice, 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, Credit(db, alice, 100))
	require.NoError(t, Credit(db, alice, 50))

	left, err := Debit(db, alice, 120)
	require.NoError(t, err)
	require.EqualValues(t, 30, left)

	_, err = Debit(db, alice, 31)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	left, err = Debit(db, alice, 0)
	require.NoError(t, err)
	require.EqualValues(t, 30, left)

	_, err = Debit(db, alice, -1)
	require.Error(t, err)
	require.Error(t, Credit(db, alice, -1))
}

func TestActionFee(t *testing.T) {
	db := sql.InMemory()
	token := types.MustName("token")
	transfer := types.MustName("transfer")

	_, err := GetActionFee(db, token, transfer)
	require.ErrorIs(t, err, sql.ErrNotFound)

	expected := ActionFee{Fee: 10, CPULimit: 500, NetLimit: 256}
	require.NoError(t, SetActionFee(db, token, transfer, expected))
	fee, err := GetActionFee(db, token, transfer)
	require.NoError(t, err)
	require.Equal(t, expected, fee)

	expected.Fee = 20
	require.NoError(t, SetActionFee(db, token, transfer, expected))
	fee, err = GetActionFee(db, token, transfer)
	require.NoError(t, err)
	require.Equal(t, expected, fee)
}
