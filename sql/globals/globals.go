package globals

import (
	"fmt"

	"github.com/spacemeshos/go-trxexec/sql"
)

// NextActionSequence increments and returns the global sequence of executed actions.
func NextActionSequence(db sql.Executor) (uint64, error) {
	var seq uint64
	if _, err := db.Exec("update globals set action_sequence = action_sequence + 1 where id = 1 returning action_sequence;",
		nil, func(stmt *sql.Statement) bool {
			seq = uint64(stmt.ColumnInt64(0))
			return true
		}); err != nil {
		return 0, fmt.Errorf("increment action sequence: %w", err)
	}
	return seq, nil
}

// ActionSequence returns the global sequence of the last executed action.
func ActionSequence(db sql.Executor) (uint64, error) {
	var seq uint64
	if _, err := db.Exec("select action_sequence from globals where id = 1;",
		nil, func(stmt *sql.Statement) bool {
			seq = uint64(stmt.ColumnInt64(0))
			return true
		}); err != nil {
		return 0, fmt.Errorf("load action sequence: %w", err)
	}
	return seq, nil
}
