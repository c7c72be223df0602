package native

import (
	"errors"
	"fmt"
	"math"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/contracttables"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

// ErrInsufficientBalance is returned when token balance can't cover a transfer.
var ErrInsufficientBalance = errors.New("native: insufficient token balance")

var (
	ActionIssue    = types.MustName("issue")
	ActionTransfer = types.MustName("transfer")

	balancesTable = types.MustName("accounts")
)

// Token is a single token contract. Balances are stored in contract tables
// scoped by owner. Ram of a new balance is paid by the account that funded it.
type Token struct {
	account types.Name
}

// NewToken creates token contract deployed on account. The account is the issuer.
func NewToken(account types.Name) *Token {
	return &Token{account: account}
}

// Apply implements Contract.
func (t *Token) Apply(host trxcontext.ActionHost) ([]byte, error) {
	if notification(host) {
		return nil, nil
	}
	act := host.Action()
	switch act.Name {
	case ActionIssue:
		var payload Issue
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return t.issue(host, &payload)
	case ActionTransfer:
		var payload Transfer
		if err := decode(act, &payload); err != nil {
			return nil, err
		}
		return t.transfer(host, &payload)
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrUnknownAction, act.Account, act.Name)
}

func (t *Token) issue(host trxcontext.ActionHost, payload *Issue) ([]byte, error) {
	if err := requireAuth(host, t.account); err != nil {
		return nil, err
	}
	if payload.Quantity == 0 {
		return nil, fmt.Errorf("%w: issue zero quantity", ErrMalformed)
	}
	if err := t.requireAccount(host, payload.To); err != nil {
		return nil, err
	}
	balance, err := t.add(host, payload.To, payload.Quantity, t.account)
	if err != nil {
		return nil, err
	}
	return codec.Encode(&balance)
}

func (t *Token) transfer(host trxcontext.ActionHost, payload *Transfer) ([]byte, error) {
	if err := requireAuth(host, payload.From); err != nil {
		return nil, err
	}
	if payload.From == payload.To {
		return nil, fmt.Errorf("%w: transfer to self", ErrMalformed)
	}
	if payload.Quantity == 0 {
		return nil, fmt.Errorf("%w: transfer zero quantity", ErrMalformed)
	}
	if err := t.requireAccount(host, payload.To); err != nil {
		return nil, err
	}
	if err := host.RequireRecipient(payload.From); err != nil {
		return nil, err
	}
	if err := host.RequireRecipient(payload.To); err != nil {
		return nil, err
	}
	balance, err := t.sub(host, payload.From, payload.Quantity)
	if err != nil {
		return nil, err
	}
	if _, err := t.add(host, payload.To, payload.Quantity, payload.From); err != nil {
		return nil, err
	}
	return codec.Encode(&balance)
}

func (t *Token) requireAccount(host trxcontext.ActionHost, account types.Name) error {
	exists, err := accounts.Has(host.Ledger(), account)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", trxcontext.ErrUnknownAccount, account)
	}
	return nil
}

// BalanceOf returns token balance of the owner.
func (t *Token) BalanceOf(db sql.Executor, owner types.Name) (Balance, error) {
	var balance Balance
	row, err := contracttables.Get(db, t.account, owner, balancesTable, 0)
	switch {
	case sql.IsNotFound(err):
		return balance, nil
	case err != nil:
		return balance, err
	}
	if err := codec.Decode(row.Value, &balance); err != nil {
		return balance, fmt.Errorf("balance of %s: %w", owner, err)
	}
	return balance, nil
}

func (t *Token) add(host trxcontext.ActionHost, owner types.Name, quantity uint64, payer types.Name) (Balance, error) {
	balance, err := t.BalanceOf(host.Ledger(), owner)
	if err != nil {
		return balance, err
	}
	if balance.Amount > math.MaxInt64-quantity {
		return balance, fmt.Errorf("%w: balance of %s overflows", ErrMalformed, owner)
	}
	balance.Amount += quantity
	return balance, t.store(host, owner, balance, payer)
}

func (t *Token) sub(host trxcontext.ActionHost, owner types.Name, quantity uint64) (Balance, error) {
	balance, err := t.BalanceOf(host.Ledger(), owner)
	if err != nil {
		return balance, err
	}
	if balance.Amount < quantity {
		return balance, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, owner, balance.Amount, quantity)
	}
	balance.Amount -= quantity
	return balance, t.store(host, owner, balance, owner)
}

// store writes the balance keeping the payer of an existing row.
func (t *Token) store(host trxcontext.ActionHost, owner types.Name, balance Balance, payer types.Name) error {
	value, err := codec.Encode(&balance)
	if err != nil {
		return err
	}
	row := contracttables.Row{
		Code:  t.account,
		Scope: owner,
		Table: balancesTable,
		Payer: payer,
		Value: value,
	}
	prev, err := contracttables.Get(host.Ledger(), t.account, owner, balancesTable, 0)
	switch {
	case err == nil:
		row.Payer = prev.Payer
	case !sql.IsNotFound(err):
		return err
	}
	deltas, err := contracttables.Put(host.Ledger(), &row)
	if err != nil {
		return err
	}
	for _, delta := range deltas {
		if err := host.AddRAMUsage(delta.Account, delta.Delta); err != nil {
			return err
		}
	}
	return nil
}
