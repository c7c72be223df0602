package native

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

var (
	// ErrUnknownAction is returned when contract doesn't implement the action.
	ErrUnknownAction = errors.New("native: unknown action")
	// ErrMissingAuthority is returned when action is not authorized by the required actor.
	ErrMissingAuthority = errors.New("native: missing required authority")
	// ErrMalformed is returned for payloads that can't be decoded or are invalid.
	ErrMalformed = errors.New("native: malformed payload")
)

// Contract is a native contract deployed on an account.
type Contract interface {
	// Apply executes the action for the receiver. Called for notifications as well,
	// in which case receiver differs from the action account.
	Apply(host trxcontext.ActionHost) ([]byte, error)
}

// Opt to modify Registry.
type Opt func(*Registry)

// WithLogger sets logger for the registry.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty Registry.
func New(opts ...Opt) *Registry {
	r := &Registry{
		logger:    zap.NewNop(),
		contracts: map[types.Name]Contract{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry dispatches actions to contracts deployed on receivers.
// Receivers without a contract accept every action.
type Registry struct {
	logger    *zap.Logger
	contracts map[types.Name]Contract
}

// Register deploys contract on the account. Panics if account already has a contract.
func (r *Registry) Register(account types.Name, contract Contract) {
	if _, exist := r.contracts[account]; exist {
		panic(fmt.Sprintf("%s already registered", account))
	}
	r.contracts[account] = contract
}

// Get contract deployed on the account.
func (r *Registry) Get(account types.Name) Contract {
	return r.contracts[account]
}

// Apply implements trxcontext.Executor.
func (r *Registry) Apply(host trxcontext.ActionHost) ([]byte, error) {
	contract := r.contracts[host.Receiver()]
	if contract == nil {
		return nil, nil
	}
	ret, err := contract.Apply(host)
	if err != nil {
		r.logger.Debug("contract failed",
			zap.Stringer("receiver", host.Receiver()),
			zap.Inline(host.Action()),
			zap.Error(err),
		)
	}
	return ret, err
}

var _ trxcontext.Executor = (*Registry)(nil)

// requireAuth fails unless actor authorized the executing action.
func requireAuth(host trxcontext.ActionHost, actor types.Name) error {
	if slices.ContainsFunc(host.Action().Authorization, func(level types.PermissionLevel) bool {
		return level.Actor == actor
	}) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingAuthority, actor)
}

// notification is true if the receiver was notified of an action of another account.
func notification(host trxcontext.ActionHost) bool {
	return host.Receiver() != host.Action().Account
}
