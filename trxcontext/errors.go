package trxcontext

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not valid in the current state of the context.
	ErrInvalidState = errors.New("trxcontext: invalid state")
	// ErrDeadlineExceeded is matched by every *DeadlineError.
	ErrDeadlineExceeded = errors.New("trxcontext: deadline exceeded")
	// ErrNetUsageExceeded is matched by every *UsageError.
	ErrNetUsageExceeded = errors.New("trxcontext: net usage exceeded")
	// ErrTooMuchActionRecursion is returned when inline actions nest deeper than allowed.
	ErrTooMuchActionRecursion = errors.New("trxcontext: max inline action depth reached")
	// ErrInvalidAuthorization is returned for unknown actors, permissions or unsatisfied inline authorizations.
	ErrInvalidAuthorization = errors.New("trxcontext: invalid authorization")
	// ErrNoAuthorizations is returned for transactions without authorizations.
	ErrNoAuthorizations = errors.New("trxcontext: transaction must have at least one authorization")
	// ErrActorWhitelistBlacklist is returned when an actor is not allowed by actor lists.
	ErrActorWhitelistBlacklist = errors.New("trxcontext: actor whitelist/blacklist violation")
	// ErrUnknownAccount is returned when referenced account doesn't exist.
	ErrUnknownAccount = errors.New("trxcontext: account does not exist")
	// ErrContextFree is returned when context free actions use authorizations or
	// contextual capabilities.
	ErrContextFree = errors.New("trxcontext: not allowed for context free actions")
	// ErrUnsupportedTransactionExtension is returned for transactions with extensions.
	ErrUnsupportedTransactionExtension = errors.New("trxcontext: unsupported transaction extension")
	// ErrSubjective marks failures that depend on the local node being a block producer.
	ErrSubjective = errors.New("trxcontext: subjective block production failure")
	// ErrExpiredTransaction is returned for transactions that expired before the pending block.
	ErrExpiredTransaction = errors.New("trxcontext: transaction expired")
	// ErrExpirationTooFar is returned when expiration exceeds max transaction lifetime.
	ErrExpirationTooFar = errors.New("trxcontext: transaction expiration is too far in the future")
	// ErrDelayTooLong is returned when delay exceeds max transaction delay.
	ErrDelayTooLong = errors.New("trxcontext: transaction delay is too long")
	// ErrDuplicateTransaction is returned for already recorded transactions.
	ErrDuplicateTransaction = errors.New("trxcontext: duplicate transaction")
	// ErrBilledCPUBelowMinimum is returned when billed cpu is less than the minimum.
	ErrBilledCPUBelowMinimum = errors.New("trxcontext: billed cpu time below minimum")
	// ErrInsufficientFee is returned when fee payer can't pay for the transaction.
	ErrInsufficientFee = errors.New("trxcontext: insufficient fee")
	// ErrFeeModelDisabled is returned when fee operations are used with stake based billing.
	ErrFeeModelDisabled = errors.New("trxcontext: fee resource model is disabled")
	// ErrEmptyFeePayer is returned when the first action has no authorization.
	ErrEmptyFeePayer = errors.New("trxcontext: fee payer is empty")
	// ErrStaticAccountAction is returned for actions not registered on a static account.
	ErrStaticAccountAction = errors.New("trxcontext: action is not registered on static account")
	// ErrUnknownActionOrdinal is returned for ordinals that were not scheduled.
	ErrUnknownActionOrdinal = errors.New("trxcontext: unknown action ordinal")
	// ErrMalformedTransaction is returned for transactions that can't be encoded canonically.
	ErrMalformedTransaction = errors.New("trxcontext: malformed transaction")
	// ErrActionDataTooLarge is returned for actions with too large payload.
	ErrActionDataTooLarge = errors.New("trxcontext: action data is too large")
)

// Scope distinguishes a full block from a pathological transaction.
type Scope uint8

const (
	// ScopeTransaction means the transaction exceeded its own budget.
	ScopeTransaction Scope = iota
	// ScopeBlock means the pending block has no capacity left for the transaction.
	ScopeBlock
)

func (s Scope) String() string {
	if s == ScopeBlock {
		return "block"
	}
	return "transaction"
}

// DeadlineCode identifies which cpu limit was hit.
type DeadlineCode uint8

const (
	// BlockCPUUsageExceeded is raised when the block has no cpu left.
	BlockCPUUsageExceeded DeadlineCode = iota
	// TxCPUUsageExceeded is raised when the transaction exceeds its own cpu limit.
	TxCPUUsageExceeded
	// GreylistCPUUsageExceeded is raised when the limit was lowered by greylisting.
	GreylistCPUUsageExceeded
	// LeewayDeadlineExceeded is raised when billed accounts can't pay for more cpu.
	LeewayDeadlineExceeded
	// DeadlineCallerExceeded is raised when the caller provided deadline passes.
	DeadlineCallerExceeded
)

func (c DeadlineCode) String() string {
	switch c {
	case BlockCPUUsageExceeded:
		return "block_cpu_usage_exceeded"
	case TxCPUUsageExceeded:
		return "tx_cpu_usage_exceeded"
	case GreylistCPUUsageExceeded:
		return "greylist_cpu_usage_exceeded"
	case LeewayDeadlineExceeded:
		return "leeway_deadline_exceeded"
	case DeadlineCallerExceeded:
		return "deadline_exceeded"
	}
	return fmt.Sprintf("deadline_code(%d)", uint8(c))
}

// Scope of the code.
func (c DeadlineCode) Scope() Scope {
	if c == BlockCPUUsageExceeded {
		return ScopeBlock
	}
	return ScopeTransaction
}

// DeadlineError is returned when transaction runs out of cpu time.
type DeadlineError struct {
	Scope  Scope
	Code   DeadlineCode
	Reason string
}

func newDeadlineError(code DeadlineCode, format string, args ...any) *DeadlineError {
	err := &DeadlineError{Scope: code.Scope(), Code: code, Reason: fmt.Sprintf(format, args...)}
	deadlineErrors.WithLabelValues(err.Scope.String(), code.String()).Inc()
	return err
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("%s (%s scope): %s", e.Code, e.Scope, e.Reason)
}

// Is allows to match any *DeadlineError with ErrDeadlineExceeded.
func (e *DeadlineError) Is(target error) bool {
	return target == ErrDeadlineExceeded
}

// UsageCode identifies which net limit was hit.
type UsageCode uint8

const (
	// BlockNetUsageExceeded is raised when the block has no net left.
	BlockNetUsageExceeded UsageCode = iota
	// TxNetUsageExceeded is raised when the transaction exceeds its own net limit.
	TxNetUsageExceeded
	// GreylistNetUsageExceeded is raised when the limit was lowered by greylisting.
	GreylistNetUsageExceeded
)

func (c UsageCode) String() string {
	switch c {
	case BlockNetUsageExceeded:
		return "block_net_usage_exceeded"
	case TxNetUsageExceeded:
		return "tx_net_usage_exceeded"
	case GreylistNetUsageExceeded:
		return "greylist_net_usage_exceeded"
	}
	return fmt.Sprintf("usage_code(%d)", uint8(c))
}

// UsageError is returned when transaction net usage exceeds its limit.
type UsageError struct {
	Code  UsageCode
	Usage uint64
	Limit uint64
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: net usage %d exceeds limit %d", e.Code, e.Usage, e.Limit)
}

// Is allows to match any *UsageError with ErrNetUsageExceeded.
func (e *UsageError) Is(target error) bool {
	return target == ErrNetUsageExceeded
}
