package fees

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// ErrInsufficientBalance is returned if account can't cover a debit.
var ErrInsufficientBalance = errors.New("fees: insufficient balance")

// ActionFee is a fee schedule for a single action. Zero limits are not enforced.
type ActionFee struct {
	Fee      int64 `mapstructure:"fee"`
	CPULimit int64 `mapstructure:"cpu-limit"`
	NetLimit int64 `mapstructure:"net-limit"`
}

// Balance returns fee balance of the account. Accounts without record have zero balance.
func Balance(db sql.Executor, account types.Name) (int64, error) {
	var balance int64
	if _, err := db.Exec("select balance from fee_balances where account = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
		}, func(stmt *sql.Statement) bool {
			balance = stmt.ColumnInt64(0)
			return false
		}); err != nil {
		return 0, fmt.Errorf("balance %s: %w", account, err)
	}
	return balance, nil
}

// Credit increases fee balance of the account.
func Credit(db sql.Executor, account types.Name, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %s: negative amount %d", account, amount)
	}
	if _, err := db.Exec(`insert into fee_balances (account, balance) values (?1, ?2)
		on conflict(account) do update set balance = balance + ?2;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, amount)
		}, nil); err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

// Debit decreases fee balance of the account and returns the remaining balance.
func Debit(db sql.Executor, account types.Name, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit %s: negative amount %d", account, amount)
	}
	var balance int64
	rows, err := db.Exec(`update fee_balances set balance = balance - ?2
		where account = ?1 and balance >= ?2 returning balance;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, amount)
		}, func(stmt *sql.Statement) bool {
			balance = stmt.ColumnInt64(0)
			return true
		})
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", account, err)
	}
	if rows == 0 {
		if amount == 0 {
			return Balance(db, account)
		}
		return 0, fmt.Errorf("%w: %s can't pay %d", ErrInsufficientBalance, account, amount)
	}
	return balance, nil
}

// SetActionFee overwrites fee schedule of the action.
func SetActionFee(db sql.Executor, account, action types.Name, fee ActionFee) error {
	if _, err := db.Exec(`insert into action_fees (account, action, fee, cpu_limit, net_limit)
		values (?1, ?2, ?3, ?4, ?5)
		on conflict(account, action) do update set fee = ?3, cpu_limit = ?4, net_limit = ?5;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, int64(action))
			stmt.BindInt64(3, fee.Fee)
			stmt.BindInt64(4, fee.CPULimit)
			stmt.BindInt64(5, fee.NetLimit)
		}, nil); err != nil {
		return fmt.Errorf("set fee %s::%s: %w", account, action, err)
	}
	return nil
}

// GetActionFee returns fee schedule of the action or sql.ErrNotFound.
func GetActionFee(db sql.Executor, account, action types.Name) (ActionFee, error) {
	var fee ActionFee
	rows, err := db.Exec("select fee, cpu_limit, net_limit from action_fees where account = ?1 and action = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, int64(action))
		}, func(stmt *sql.Statement) bool {
			fee.Fee = stmt.ColumnInt64(0)
			fee.CPULimit = stmt.ColumnInt64(1)
			fee.NetLimit = stmt.ColumnInt64(2)
			return false
		})
	if err != nil {
		return fee, fmt.Errorf("get fee %s::%s: %w", account, action, err)
	}
	if rows == 0 {
		return fee, fmt.Errorf("%w: fee %s::%s", sql.ErrNotFound, account, action)
	}
	return fee, nil
}
