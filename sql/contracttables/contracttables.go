package contracttables

import (
	"fmt"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// RowOverhead is ram billed for every stored row in addition to its value.
const RowOverhead = 112

// Row is a single record of a contract table.
type Row struct {
	Code  types.Name
	Scope types.Name
	Table types.Name
	Key   uint64
	Payer types.Name
	Value []byte
}

// RAM returns number of bytes billed for the row.
func (r *Row) RAM() int64 {
	return RowOverhead + int64(len(r.Value))
}

// Get row by primary key.
func Get(db sql.Executor, code, scope, table types.Name, key uint64) (Row, error) {
	row := Row{Code: code, Scope: scope, Table: table, Key: key}
	rows, err := db.Exec(`select payer, value from contract_rows
		where code = ?1 and scope = ?2 and tbl = ?3 and pk = ?4;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(code))
			stmt.BindInt64(2, int64(scope))
			stmt.BindInt64(3, int64(table))
			stmt.BindInt64(4, int64(key))
		}, func(stmt *sql.Statement) bool {
			row.Payer = types.Name(stmt.ColumnInt64(0))
			row.Value = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, row.Value)
			return false
		})
	if err != nil {
		return row, fmt.Errorf("get row %s/%s/%s/%d: %w", code, scope, table, key, err)
	}
	if rows == 0 {
		return row, fmt.Errorf("%w: row %s/%s/%s/%d", sql.ErrNotFound, code, scope, table, key)
	}
	return row, nil
}

// Put inserts or overwrites the row and returns ram deltas of affected payers.
func Put(db sql.Executor, row *Row) ([]types.AccountDelta, error) {
	var deltas []types.AccountDelta
	prev, err := Get(db, row.Code, row.Scope, row.Table, row.Key)
	switch {
	case err == nil:
		if prev.Payer == row.Payer {
			if delta := row.RAM() - prev.RAM(); delta != 0 {
				deltas = append(deltas, types.AccountDelta{Account: row.Payer, Delta: delta})
			}
		} else {
			deltas = append(deltas,
				types.AccountDelta{Account: prev.Payer, Delta: -prev.RAM()},
				types.AccountDelta{Account: row.Payer, Delta: row.RAM()},
			)
		}
	case sql.IsNotFound(err):
		deltas = append(deltas, types.AccountDelta{Account: row.Payer, Delta: row.RAM()})
	default:
		return nil, err
	}
	if _, err := db.Exec(`insert into contract_rows (code, scope, tbl, pk, payer, value)
		values (?1, ?2, ?3, ?4, ?5, ?6)
		on conflict(code, scope, tbl, pk) do update set payer = ?5, value = ?6;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(row.Code))
			stmt.BindInt64(2, int64(row.Scope))
			stmt.BindInt64(3, int64(row.Table))
			stmt.BindInt64(4, int64(row.Key))
			stmt.BindInt64(5, int64(row.Payer))
			stmt.BindBytes(6, row.Value)
		}, nil); err != nil {
		return nil, fmt.Errorf("put row %s/%s/%s/%d: %w", row.Code, row.Scope, row.Table, row.Key, err)
	}
	return deltas, nil
}

// Delete row and return ram delta of its payer.
func Delete(db sql.Executor, code, scope, table types.Name, key uint64) (types.AccountDelta, error) {
	prev, err := Get(db, code, scope, table, key)
	if err != nil {
		return types.AccountDelta{}, err
	}
	if _, err := db.Exec(`delete from contract_rows
		where code = ?1 and scope = ?2 and tbl = ?3 and pk = ?4;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(code))
			stmt.BindInt64(2, int64(scope))
			stmt.BindInt64(3, int64(table))
			stmt.BindInt64(4, int64(key))
		}, nil); err != nil {
		return types.AccountDelta{}, fmt.Errorf("delete row %s/%s/%s/%d: %w", code, scope, table, key, err)
	}
	return types.AccountDelta{Account: prev.Payer, Delta: -prev.RAM()}, nil
}
