package staticaccounts

import (
	"fmt"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// Add registers action as callable on the static account.
func Add(db sql.Executor, account, action types.Name) error {
	if _, err := db.Exec("insert into static_accounts (account, action) values (?1, ?2);",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, int64(action))
		}, nil); err != nil {
		return fmt.Errorf("add static %s::%s: %w", account, action, err)
	}
	return nil
}

// IsStatic returns true if account has at least one registered action.
func IsStatic(db sql.Executor, account types.Name) (bool, error) {
	rows, err := db.Exec("select 1 from static_accounts where account = ?1 limit 1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
		}, nil)
	if err != nil {
		return false, fmt.Errorf("is static %s: %w", account, err)
	}
	return rows > 0, nil
}

// Has returns true if action is registered on the static account.
func Has(db sql.Executor, account, action types.Name) (bool, error) {
	rows, err := db.Exec("select 1 from static_accounts where account = ?1 and action = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, int64(action))
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has static %s::%s: %w", account, action, err)
	}
	return rows > 0, nil
}
