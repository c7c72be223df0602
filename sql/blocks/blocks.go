package blocks

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

const fullQuery = `select num, time, transactions, net_usage, cpu_usage, action_root, transaction_root from blocks`

func decode(stmt *sql.Statement) types.BlockHeader {
	header := types.BlockHeader{
		Num:          uint32(stmt.ColumnInt64(0)),
		Time:         time.UnixMicro(stmt.ColumnInt64(1)).UTC(),
		Transactions: uint32(stmt.ColumnInt64(2)),
		NetUsage:     uint64(stmt.ColumnInt64(3)),
		CPUUsage:     uint64(stmt.ColumnInt64(4)),
	}
	stmt.ColumnBytes(5, header.ActionRoot[:])
	stmt.ColumnBytes(6, header.TransactionRoot[:])
	return header
}

// Add block header to the database.
func Add(db sql.Executor, header *types.BlockHeader) error {
	if _, err := db.Exec(`insert into blocks
		(num, time, transactions, net_usage, cpu_usage, action_root, transaction_root)
		values (?1, ?2, ?3, ?4, ?5, ?6, ?7);`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(header.Num))
			stmt.BindInt64(2, header.Time.UnixMicro())
			stmt.BindInt64(3, int64(header.Transactions))
			stmt.BindInt64(4, int64(header.NetUsage))
			stmt.BindInt64(5, int64(header.CPUUsage))
			stmt.BindBytes(6, header.ActionRoot.Bytes())
			stmt.BindBytes(7, header.TransactionRoot.Bytes())
		}, nil); err != nil {
		return fmt.Errorf("insert block %d: %w", header.Num, err)
	}
	return nil
}

// Get block header by number.
func Get(db sql.Executor, num uint32) (types.BlockHeader, error) {
	var header types.BlockHeader
	rows, err := db.Exec(fullQuery+" where num = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(num))
		}, func(stmt *sql.Statement) bool {
			header = decode(stmt)
			return false
		})
	if err != nil {
		return header, fmt.Errorf("get block %d: %w", num, err)
	}
	if rows == 0 {
		return header, fmt.Errorf("%w: block %d", sql.ErrNotFound, num)
	}
	return header, nil
}

// Latest returns header of the last committed block or sql.ErrNotFound if there are none.
func Latest(db sql.Executor) (types.BlockHeader, error) {
	var header types.BlockHeader
	rows, err := db.Exec(fullQuery+" order by num desc limit 1;", nil,
		func(stmt *sql.Statement) bool {
			header = decode(stmt)
			return false
		})
	if err != nil {
		return header, fmt.Errorf("latest block: %w", err)
	}
	if rows == 0 {
		return header, fmt.Errorf("%w: no blocks", sql.ErrNotFound)
	}
	return header, nil
}
