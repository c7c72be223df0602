package generated

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

const fullQuery = `select id, sender, sender_id, payer, published, delay_until, expiration, packed
	from generated_transactions`

func decode(stmt *sql.Statement) types.GeneratedTransaction {
	var gtx types.GeneratedTransaction
	stmt.ColumnBytes(0, gtx.ID[:])
	gtx.Sender = types.Name(stmt.ColumnInt64(1))
	stmt.ColumnBytes(2, gtx.SenderID[:])
	gtx.Payer = types.Name(stmt.ColumnInt64(3))
	gtx.Published = time.UnixMicro(stmt.ColumnInt64(4)).UTC()
	gtx.DelayUntil = time.UnixMicro(stmt.ColumnInt64(5)).UTC()
	gtx.Expiration = time.UnixMicro(stmt.ColumnInt64(6)).UTC()
	gtx.Packed = make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, gtx.Packed)
	return gtx
}

// Add stores generated transaction. Returns sql.ErrObjectExists if id is already scheduled.
func Add(db sql.Executor, gtx *types.GeneratedTransaction) error {
	if _, err := db.Exec(`insert into generated_transactions
		(id, sender, sender_id, payer, published, delay_until, expiration, packed)
		values (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8);`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, gtx.ID.Bytes())
			stmt.BindInt64(2, int64(gtx.Sender))
			stmt.BindBytes(3, gtx.SenderID.Bytes())
			stmt.BindInt64(4, int64(gtx.Payer))
			stmt.BindInt64(5, gtx.Published.UnixMicro())
			stmt.BindInt64(6, gtx.DelayUntil.UnixMicro())
			stmt.BindInt64(7, gtx.Expiration.UnixMicro())
			stmt.BindBytes(8, gtx.Packed)
		}, nil); err != nil {
		return fmt.Errorf("add generated %s: %w", gtx.ID, err)
	}
	return nil
}

// Get generated transaction by id.
func Get(db sql.Executor, id types.TransactionID) (types.GeneratedTransaction, error) {
	var gtx types.GeneratedTransaction
	rows, err := db.Exec(fullQuery+" where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		}, func(stmt *sql.Statement) bool {
			gtx = decode(stmt)
			return false
		})
	if err != nil {
		return gtx, fmt.Errorf("get generated %s: %w", id, err)
	}
	if rows == 0 {
		return gtx, fmt.Errorf("%w: generated %s", sql.ErrNotFound, id)
	}
	return gtx, nil
}

// Delete generated transaction by id.
func Delete(db sql.Executor, id types.TransactionID) error {
	rows, err := db.Exec("delete from generated_transactions where id = ?1 returning id;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		}, nil)
	if err != nil {
		return fmt.Errorf("delete generated %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: generated %s", sql.ErrNotFound, id)
	}
	return nil
}

// Ready returns generated transactions with delay elapsed at now, ordered by delay and id.
func Ready(db sql.Executor, now time.Time, limit int) ([]types.GeneratedTransaction, error) {
	var rst []types.GeneratedTransaction
	if _, err := db.Exec(fullQuery+" where delay_until <= ?1 order by delay_until, id limit ?2;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, now.UnixMicro())
			stmt.BindInt64(2, int64(limit))
		}, func(stmt *sql.Statement) bool {
			rst = append(rst, decode(stmt))
			return true
		}); err != nil {
		return nil, fmt.Errorf("ready generated: %w", err)
	}
	return rst, nil
}
