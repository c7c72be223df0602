package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spacemeshos/go-trxexec/chain"
	"github.com/spacemeshos/go-trxexec/common/types"
)

// DefaultGenesisTime is used unless genesis time is configured.
var DefaultGenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	errNoAccounts       = errors.New("no genesis accounts")
	errDuplicateAccount = errors.New("duplicate genesis account")
	errNoSystemAccount  = errors.New("system account is not privileged genesis account")
)

// DefaultGenesis creates the privileged system account with unlimited resources.
func DefaultGenesis() chain.Genesis {
	return chain.Genesis{
		Time: DefaultGenesisTime,
		Accounts: []chain.GenesisAccount{{
			Name:       types.MustName("eosio"),
			Privileged: true,
			NetWeight:  -1,
			CPUWeight:  -1,
			RAMBytes:   -1,
		}},
	}
}

// ValidateGenesis checks that accounts are unique and system account is privileged.
func ValidateGenesis(genesis *chain.Genesis, system types.Name) error {
	if genesis.Time.IsZero() {
		return errors.New("genesis time is not set")
	}
	if len(genesis.Accounts) == 0 {
		return errNoAccounts
	}
	seen := make(map[types.Name]struct{}, len(genesis.Accounts))
	privileged := false
	for _, account := range genesis.Accounts {
		if account.Name.Empty() {
			return errors.New("empty genesis account name")
		}
		if _, exist := seen[account.Name]; exist {
			return fmt.Errorf("%w: %s", errDuplicateAccount, account.Name)
		}
		seen[account.Name] = struct{}{}
		if account.FeeBalance < 0 {
			return fmt.Errorf("negative fee balance of %s", account.Name)
		}
		if account.Name == system && account.Privileged {
			privileged = true
		}
	}
	if !privileged {
		return fmt.Errorf("%w: %s", errNoSystemAccount, system)
	}
	return nil
}
