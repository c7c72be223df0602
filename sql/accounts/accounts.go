package accounts

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// Create inserts a new account record.
func Create(db sql.Executor, account *types.Account) error {
	if _, err := db.Exec(`insert into accounts (name, created, privileged, recv_sequence, auth_sequence)
		values (?1, ?2, ?3, ?4, ?5);`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account.Name))
			stmt.BindInt64(2, account.Created.UnixMicro())
			stmt.BindBool(3, account.Privileged)
			stmt.BindInt64(4, int64(account.RecvSequence))
			stmt.BindInt64(5, int64(account.AuthSequence))
		}, nil); err != nil {
		return fmt.Errorf("insert account %s: %w", account.Name, err)
	}
	return nil
}

// Has the account in the database.
func Has(db sql.Executor, name types.Name) (bool, error) {
	rows, err := db.Exec("select 1 from accounts where name = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(name))
		}, nil,
	)
	if err != nil {
		return false, fmt.Errorf("has account %s: %w", name, err)
	}
	return rows > 0, nil
}

// Get account record.
func Get(db sql.Executor, name types.Name) (types.Account, error) {
	account := types.Account{Name: name}
	rows, err := db.Exec(`select created, privileged, recv_sequence, auth_sequence
		from accounts where name = ?1;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(name))
		}, func(stmt *sql.Statement) bool {
			account.Created = time.UnixMicro(stmt.ColumnInt64(0)).UTC()
			account.Privileged = stmt.ColumnInt(1) != 0
			account.RecvSequence = uint64(stmt.ColumnInt64(2))
			account.AuthSequence = uint64(stmt.ColumnInt64(3))
			return false
		})
	if err != nil {
		return types.Account{}, fmt.Errorf("get account %s: %w", name, err)
	}
	if rows == 0 {
		return types.Account{}, fmt.Errorf("%w: account %s", sql.ErrNotFound, name)
	}
	return account, nil
}

func next(db sql.Executor, name types.Name, column string) (uint64, error) {
	var seq uint64
	rows, err := db.Exec("update accounts set "+column+" = "+column+" + 1 where name = ?1 returning "+column+";",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(name))
		}, func(stmt *sql.Statement) bool {
			seq = uint64(stmt.ColumnInt64(0))
			return true
		})
	if err != nil {
		return 0, fmt.Errorf("increment %s for %s: %w", column, name, err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: account %s", sql.ErrNotFound, name)
	}
	return seq, nil
}

// NextRecvSequence increments and returns the number of actions received by the account.
func NextRecvSequence(db sql.Executor, name types.Name) (uint64, error) {
	return next(db, name, "recv_sequence")
}

// NextAuthSequence increments and returns the number of actions authorized by the account.
func NextAuthSequence(db sql.Executor, name types.Name) (uint64, error) {
	return next(db, name, "auth_sequence")
}

// AddPermission registers a named permission for the owner.
func AddPermission(db sql.Executor, level types.PermissionLevel) error {
	if _, err := db.Exec("insert into permissions (owner, name) values (?1, ?2);",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(level.Actor))
			stmt.BindInt64(2, int64(level.Permission))
		}, nil); err != nil {
		return fmt.Errorf("insert permission %s: %w", level, err)
	}
	return nil
}

// HasPermission returns true if the permission exists.
func HasPermission(db sql.Executor, level types.PermissionLevel) (bool, error) {
	rows, err := db.Exec("select 1 from permissions where owner = ?1 and name = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(level.Actor))
			stmt.BindInt64(2, int64(level.Permission))
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has permission %s: %w", level, err)
	}
	return rows > 0, nil
}
