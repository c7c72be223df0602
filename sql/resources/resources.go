package resources

import (
	"fmt"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// GetLimits returns limits of the account. Accounts without record are unlimited.
func GetLimits(db sql.Executor, account types.Name) (types.ResourceLimits, error) {
	limits := types.UnlimitedResources()
	if _, err := db.Exec("select net_weight, cpu_weight, ram_bytes from resource_limits where account = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
		}, func(stmt *sql.Statement) bool {
			limits.NetWeight = stmt.ColumnInt64(0)
			limits.CPUWeight = stmt.ColumnInt64(1)
			limits.RAMBytes = stmt.ColumnInt64(2)
			return false
		}); err != nil {
		return limits, fmt.Errorf("get limits %s: %w", account, err)
	}
	return limits, nil
}

// SetLimits overwrites limits of the account.
func SetLimits(db sql.Executor, account types.Name, limits types.ResourceLimits) error {
	if _, err := db.Exec(`insert into resource_limits (account, net_weight, cpu_weight, ram_bytes)
		values (?1, ?2, ?3, ?4)
		on conflict(account) do update set net_weight = ?2, cpu_weight = ?3, ram_bytes = ?4;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			stmt.BindInt64(2, limits.NetWeight)
			stmt.BindInt64(3, limits.CPUWeight)
			stmt.BindInt64(4, limits.RAMBytes)
		}, nil); err != nil {
		return fmt.Errorf("set limits %s: %w", account, err)
	}
	return nil
}

// GetUsage returns usage of the account. Accounts without record have zero usage.
func GetUsage(db sql.Executor, account types.Name) (types.ResourceUsage, error) {
	var usage types.ResourceUsage
	if _, err := db.Exec(`select net_last_ordinal, net_value_ex, net_consumed,
		cpu_last_ordinal, cpu_value_ex, cpu_consumed, ram_usage
		from resource_usage where account = ?1;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
		}, func(stmt *sql.Statement) bool {
			usage.Net = decodeAccumulator(stmt, 0)
			usage.CPU = decodeAccumulator(stmt, 3)
			usage.RAMUsage = stmt.ColumnInt64(6)
			return false
		}); err != nil {
		return usage, fmt.Errorf("get usage %s: %w", account, err)
	}
	return usage, nil
}

// SetUsage overwrites usage of the account.
func SetUsage(db sql.Executor, account types.Name, usage *types.ResourceUsage) error {
	if _, err := db.Exec(`insert into resource_usage (account, net_last_ordinal, net_value_ex, net_consumed,
		cpu_last_ordinal, cpu_value_ex, cpu_consumed, ram_usage)
		values (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
		on conflict(account) do update set
		net_last_ordinal = ?2, net_value_ex = ?3, net_consumed = ?4,
		cpu_last_ordinal = ?5, cpu_value_ex = ?6, cpu_consumed = ?7, ram_usage = ?8;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(account))
			encodeAccumulator(stmt, 2, &usage.Net)
			encodeAccumulator(stmt, 5, &usage.CPU)
			stmt.BindInt64(8, usage.RAMUsage)
		}, nil); err != nil {
		return fmt.Errorf("set usage %s: %w", account, err)
	}
	return nil
}

// GetState returns the chain wide resource state.
func GetState(db sql.Executor) (types.ResourceState, error) {
	var state types.ResourceState
	rows, err := db.Exec(`select total_net_weight, total_cpu_weight, virtual_net_limit, virtual_cpu_limit,
		pending_net_usage, pending_cpu_usage,
		avg_net_last_ordinal, avg_net_value_ex, avg_net_consumed,
		avg_cpu_last_ordinal, avg_cpu_value_ex, avg_cpu_consumed
		from resource_state where id = 1;`,
		nil, func(stmt *sql.Statement) bool {
			state.TotalNetWeight = uint64(stmt.ColumnInt64(0))
			state.TotalCPUWeight = uint64(stmt.ColumnInt64(1))
			state.VirtualNetLimit = uint64(stmt.ColumnInt64(2))
			state.VirtualCPULimit = uint64(stmt.ColumnInt64(3))
			state.PendingNetUsage = uint64(stmt.ColumnInt64(4))
			state.PendingCPUUsage = uint64(stmt.ColumnInt64(5))
			state.AverageNet = decodeAccumulator(stmt, 6)
			state.AverageCPU = decodeAccumulator(stmt, 9)
			return false
		})
	if err != nil {
		return state, fmt.Errorf("get resource state: %w", err)
	}
	if rows == 0 {
		return state, fmt.Errorf("%w: resource state", sql.ErrNotFound)
	}
	return state, nil
}

// SetState overwrites the chain wide resource state.
func SetState(db sql.Executor, state *types.ResourceState) error {
	if _, err := db.Exec(`insert into resource_state (id, total_net_weight, total_cpu_weight,
		virtual_net_limit, virtual_cpu_limit, pending_net_usage, pending_cpu_usage,
		avg_net_last_ordinal, avg_net_value_ex, avg_net_consumed,
		avg_cpu_last_ordinal, avg_cpu_value_ex, avg_cpu_consumed)
		values (1, ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12)
		on conflict(id) do update set
		total_net_weight = ?1, total_cpu_weight = ?2, virtual_net_limit = ?3, virtual_cpu_limit = ?4,
		pending_net_usage = ?5, pending_cpu_usage = ?6,
		avg_net_last_ordinal = ?7, avg_net_value_ex = ?8, avg_net_consumed = ?9,
		avg_cpu_last_ordinal = ?10, avg_cpu_value_ex = ?11, avg_cpu_consumed = ?12;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(state.TotalNetWeight))
			stmt.BindInt64(2, int64(state.TotalCPUWeight))
			stmt.BindInt64(3, int64(state.VirtualNetLimit))
			stmt.BindInt64(4, int64(state.VirtualCPULimit))
			stmt.BindInt64(5, int64(state.PendingNetUsage))
			stmt.BindInt64(6, int64(state.PendingCPUUsage))
			encodeAccumulator(stmt, 7, &state.AverageNet)
			encodeAccumulator(stmt, 10, &state.AverageCPU)
		}, nil); err != nil {
		return fmt.Errorf("set resource state: %w", err)
	}
	return nil
}

func decodeAccumulator(stmt *sql.Statement, col int) types.UsageAccumulator {
	return types.UsageAccumulator{
		LastOrdinal: uint32(stmt.ColumnInt64(col)),
		ValueEx:     uint64(stmt.ColumnInt64(col + 1)),
		Consumed:    uint64(stmt.ColumnInt64(col + 2)),
	}
}

func encodeAccumulator(stmt *sql.Statement, param int, acc *types.UsageAccumulator) {
	stmt.BindInt64(param, int64(acc.LastOrdinal))
	stmt.BindInt64(param+1, int64(acc.ValueEx))
	stmt.BindInt64(param+2, int64(acc.Consumed))
}
