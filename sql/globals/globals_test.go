package globals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-trxexec/sql"
)

func TestActionSequence(t *testing.T) {
	db := sql.InMemory()
	seq, err := ActionSequence(db)
	require.NoError(t, err)
	require.Zero(t, seq)

	tx, err := db.Tx(context.Background())
	require.NoError(t, err)
	session, err := tx.Session()
	require.NoError(t, err)
	for i := uint64(1); i <= 2; i++ {
		seq, err := NextActionSequence(session)
		require.NoError(t, err)
		require.Equal(t, i, seq)
	}
	require.NoError(t, session.Undo())
	seq, err = ActionSequence(tx)
	require.NoError(t, err)
	require.Zero(t, seq)
	require.NoError(t, tx.Release())
}
