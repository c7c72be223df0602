package sql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTables(db Executor) error {
	if _, err := db.Exec(`create table testing1 (
		id varchar primary key,
		field int
	)`, nil, nil); err != nil {
		return err
	}
	return nil
}

func testURI(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "state.sql")
}

func insert(tb testing.TB, db Executor, key string, value int64) {
	tb.Helper()
	_, err := db.Exec("insert into testing1(id, field) values (?1, ?2)", func(stmt *Statement) {
		stmt.BindText(1, key)
		stmt.BindInt64(2, value)
	}, nil)
	require.NoError(tb, err)
}

func count(tb testing.TB, db Executor) int {
	tb.Helper()
	var rst int
	_, err := db.Exec("select count(*) from testing1", nil, func(stmt *Statement) bool {
		rst = stmt.ColumnInt(0)
		return true
	})
	require.NoError(tb, err)
	return rst
}

func TestTransactionIsolation(t *testing.T) {
	db := InMemory(WithMigrations(testTables))

	tx, err := db.Tx(context.TODO())
	require.NoError(t, err)

	key := "dsada"
	insert(t, tx, key, 20)

	rows, err := tx.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	require.NoError(t, tx.Release())

	rows, err = db.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, rows)
}

func TestEmbeddedMigrations(t *testing.T) {
	db, err := Open(testURI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	var version int
	_, err = db.Exec("PRAGMA user_version;", nil, func(stmt *Statement) bool {
		version = stmt.ColumnInt(0)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 1, version)

	rows, err := db.Exec("select action_sequence from globals where id = 1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rows)
}

func TestObjectExists(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	insert(t, db, "a", 1)
	_, err := db.Exec("insert into testing1(id, field) values ('a', 2)", nil, nil)
	require.ErrorIs(t, err, ErrObjectExists)
}

func TestSessionUndo(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	tx, err := db.Tx(context.Background())
	require.NoError(t, err)
	defer tx.Release()

	insert(t, tx, "block", 1)
	session, err := tx.Session()
	require.NoError(t, err)
	insert(t, session, "trx", 2)
	require.Equal(t, 2, count(t, session))

	require.NoError(t, session.Undo())
	require.True(t, session.Done())
	require.Equal(t, 1, count(t, tx))

	_, err = session.Exec("select 1", nil, nil)
	require.ErrorIs(t, err, ErrSessionDone)
	require.ErrorIs(t, session.Squash(), ErrSessionDone)
}

func TestSessionSquash(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	tx, err := db.Tx(context.Background())
	require.NoError(t, err)

	session, err := tx.Session()
	require.NoError(t, err)
	insert(t, session, "trx", 2)
	require.NoError(t, session.Squash())
	require.Equal(t, 1, count(t, tx))

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Release())
	require.Equal(t, 1, count(t, db))
}

func TestNestedSessions(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	tx, err := db.Tx(context.Background())
	require.NoError(t, err)
	defer tx.Release()

	outer, err := tx.Session()
	require.NoError(t, err)
	insert(t, outer, "outer", 1)

	_, err = tx.Session()
	require.ErrorIs(t, err, ErrSessionNotTop)

	inner, err := outer.Session()
	require.NoError(t, err)
	require.Equal(t, 2, inner.Depth())
	// inner observes parent writes
	require.Equal(t, 1, count(t, inner))
	insert(t, inner, "inner", 2)

	_, err = outer.Exec("select 1", nil, nil)
	require.ErrorIs(t, err, ErrSessionNotTop)
	require.ErrorIs(t, outer.Undo(), ErrSessionNotTop)

	require.NoError(t, inner.Squash())
	require.Equal(t, 2, count(t, outer))
	require.NoError(t, outer.Undo())
	require.Equal(t, 0, count(t, tx))
}

func TestReleaseDiscardsOpenSessions(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	tx, err := db.Tx(context.Background())
	require.NoError(t, err)
	session, err := tx.Session()
	require.NoError(t, err)
	insert(t, session, "trx", 2)
	require.NoError(t, tx.Release())
	require.True(t, session.Done())
	require.Equal(t, 0, count(t, db))
}
