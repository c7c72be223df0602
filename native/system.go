package native

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/resource"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/fees"
	"github.com/spacemeshos/go-trxexec/sql/staticaccounts"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

// NewAccountRAM is ram billed to the creator of an account.
const NewAccountRAM = 2996

var (
	ActionOnFee      = types.MustName("onfee")
	ActionNewAccount = types.MustName("newaccount")
	ActionSetLimits  = types.MustName("setlimits")
	ActionSetFee     = types.MustName("setfee")
	ActionSetStatic  = types.MustName("setstatic")
	ActionOnBlock    = types.MustName("onblock")

	activePermission = types.MustName("active")
)

// System is the contract of the system account. It manages accounts, resource limits,
// fee schedules and collects transaction fees.
type System struct {
	account types.Name
	rl      *resource.Manager
	logger  *zap.Logger
}

// NewSystem creates system contract deployed on account.
func NewSystem(account types.Name, rl *resource.Manager, logger *zap.Logger) *System {
	return &System{account: account, rl: rl, logger: logger}
}

// Apply implements Contract.
func (s *System) Apply(host trxcontext.ActionHost) ([]byte, error) {
	if notification(host) {
		return nil, nil
	}
	act := host.Action()
	switch act.Name {
	case ActionOnFee:
		var payload types.OnFee
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return nil, s.onFee(host, &payload)
	case ActionNewAccount:
		var payload NewAccount
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return nil, s.newAccount(host, &payload)
	case ActionSetLimits:
		var payload SetLimits
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return nil, s.setLimits(host, &payload)
	case ActionSetFee:
		var payload SetFee
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return nil, s.setFee(host, &payload)
	case ActionSetStatic:
		var payload SetStatic
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return nil, s.setStatic(host, &payload)
	case ActionOnBlock:
		return nil, requireAuth(host, s.account)
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrUnknownAction, act.Account, act.Name)
}

func (s *System) onFee(host trxcontext.ActionHost, payload *types.OnFee) error {
	if err := requireAuth(host, payload.Payer); err != nil {
		return err
	}
	if payload.Fee < 0 {
		return fmt.Errorf("%w: negative fee %d", ErrMalformed, payload.Fee)
	}
	if err := fees.Credit(host.Ledger(), s.account, payload.Fee); err != nil {
		return err
	}
	s.logger.Debug("fee collected",
		zap.Stringer("payer", payload.Payer),
		zap.Int64("fee", payload.Fee),
	)
	return nil
}

func (s *System) newAccount(host trxcontext.ActionHost, payload *NewAccount) error {
	if err := requireAuth(host, payload.Creator); err != nil {
		return err
	}
	if payload.Name.Empty() {
		return fmt.Errorf("%w: empty account name", ErrMalformed)
	}
	if err := accounts.Create(host.Ledger(), &types.Account{
		Name:    payload.Name,
		Created: host.BlockTime(),
	}); err != nil {
		return err
	}
	if err := accounts.AddPermission(host.Ledger(), types.PermissionLevel{
		Actor:      payload.Name,
		Permission: activePermission,
	}); err != nil {
		return err
	}
	return host.AddRAMUsage(payload.Creator, NewAccountRAM)
}

func (s *System) setLimits(host trxcontext.ActionHost, payload *SetLimits) error {
	if err := requireAuth(host, s.account); err != nil {
		return err
	}
	decreased, err := s.rl.SetAccountLimits(host.Ledger(), payload.Account, payload.Limits)
	if err != nil {
		return err
	}
	if decreased {
		return s.rl.VerifyAccountRAMUsage(host.Ledger(), payload.Account)
	}
	return nil
}

func (s *System) setFee(host trxcontext.ActionHost, payload *SetFee) error {
	if err := requireAuth(host, s.account); err != nil {
		return err
	}
	if payload.Fee < 0 {
		return fmt.Errorf("%w: negative fee %d", ErrMalformed, payload.Fee)
	}
	return fees.SetActionFee(host.Ledger(), payload.Account, payload.Action, fees.ActionFee{
		Fee:      payload.Fee,
		CPULimit: payload.CPULimit,
		NetLimit: payload.NetLimit,
	})
}

func (s *System) setStatic(host trxcontext.ActionHost, payload *SetStatic) error {
	if err := requireAuth(host, s.account); err != nil {
		return err
	}
	if len(payload.Actions) == 0 {
		return fmt.Errorf("%w: static account %s without actions", ErrMalformed, payload.Account)
	}
	for _, action := range payload.Actions {
		if err := staticaccounts.Add(host.Ledger(), payload.Account, action); err != nil {
			return err
		}
	}
	return nil
}

func decode(act *types.Action, payload codec.Decodable) error {
	if err := codec.Decode(act.Data, payload); err != nil {
		return fmt.Errorf("%w: %s::%s: %w", ErrMalformed, act.Account, act.Name, err)
	}
	return nil
}
