package trxcontext

import (
	"time"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
)

// ActionHost is the capability handed to an Executor while a single action executes.
type ActionHost interface {
	// Receiver of the executing action. Differs from Action().Account for notifications.
	Receiver() types.Name
	// Action that is executing.
	Action() *types.Action
	// ContextFree is true for context free actions.
	ContextFree() bool
	// ActionOrdinal of the executing action.
	ActionOrdinal() uint32
	// RecurseDepth of the executing action, 0 for actions included in the transaction.
	RecurseDepth() uint32
	// BlockTime of the pending block.
	BlockTime() time.Time
	// Ledger is the session of the transaction.
	Ledger() sql.Executor
	// ContextFreeData returns prunable data by index.
	ContextFreeData(i int) ([]byte, bool)

	// HasRecipient is true if receiver was already notified of the action.
	HasRecipient(receiver types.Name) bool
	// RequireRecipient notifies receiver of the action.
	RequireRecipient(receiver types.Name) error
	// SendInline schedules action to execute after the current action.
	SendInline(act types.Action) error
	// SendContextFreeInline schedules context free action to execute after the current action.
	SendContextFreeInline(act types.Action) error
	// AddRAMUsage bills ram delta to the account.
	AddRAMUsage(account types.Name, delta int64) error
	// Checktime fails if the transaction is out of time.
	Checktime() error
}

// Ledger opens nested sessions. Implemented by *sql.Tx and *sql.Session.
type Ledger interface {
	Session() (*sql.Session, error)
}
