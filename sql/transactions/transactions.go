package transactions

import (
	"fmt"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// Record inserts id of the executed transaction. Returns sql.ErrObjectExists on duplicates.
func Record(db sql.Executor, id types.TransactionID, expiration uint32) error {
	if _, err := db.Exec("insert into transactions (id, expiration) values (?1, ?2);",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
			stmt.BindInt64(2, int64(expiration))
		}, nil); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	return nil
}

// Has returns true if transaction with id was recorded.
func Has(db sql.Executor, id types.TransactionID) (bool, error) {
	rows, err := db.Exec("select 1 from transactions where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", id, err)
	}
	return rows > 0, nil
}

// DeleteExpired removes records with expiration before the now (seconds since epoch).
func DeleteExpired(db sql.Executor, now uint32) (int, error) {
	rows, err := db.Exec("delete from transactions where expiration < ?1 returning id;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(now))
		}, nil)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return rows, nil
}
