package trxcontext

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/codec"
	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/generated"
	"github.com/spacemeshos/go-trxexec/sql/transactions"
)

// ValidateReferencedAccounts checks that code accounts, actors and permissions of the transaction exist.
// Actors are checked against actor lists if enforceActorLists is true.
func (c *Context) ValidateReferencedAccounts(tx *types.Transaction, enforceActorLists bool) error {
	for i := range tx.ContextFreeActions {
		act := &tx.ContextFreeActions[i]
		if err := c.validateCodeAccount(act); err != nil {
			return err
		}
		if len(act.Authorization) > 0 {
			return fmt.Errorf("%w: %s::%s has authorizations", ErrContextFree, act.Account, act.Name)
		}
	}
	var actors []types.Name
	for i := range tx.Actions {
		act := &tx.Actions[i]
		if err := c.validateCodeAccount(act); err != nil {
			return err
		}
		for _, auth := range act.Authorization {
			if err := c.validatePermission(auth); err != nil {
				return err
			}
			actors = append(actors, auth.Actor)
		}
	}
	if len(actors) == 0 {
		return ErrNoAuthorizations
	}
	if enforceActorLists {
		return c.cfg.checkActors(actors)
	}
	return nil
}

func (c *Context) validateCodeAccount(act *types.Action) error {
	exists, err := accounts.Has(c.session, act.Account)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: code account %s of action %s", ErrUnknownAccount, act.Account, act.Name)
	}
	return nil
}

// RecordTransaction stores the transaction id until expiration to reject duplicates.
func (c *Context) RecordTransaction(id types.TransactionID, expiration uint32) error {
	err := transactions.Record(c.session, id, expiration)
	if errors.Is(err, sql.ErrObjectExists) {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	return err
}

// ScheduleTransaction stores the delayed transaction for execution after its delay.
// Ram is billed to the first authorizer.
func (c *Context) ScheduleTransaction() error {
	tx := c.tx()
	packed, err := codec.Encode(tx)
	if err != nil {
		return err
	}
	published := c.block.Time
	delayUntil := published.Add(c.delay)
	gtx := types.GeneratedTransaction{
		ID:         c.id,
		SenderID:   c.id.Hash32(),
		Payer:      tx.FirstAuthorizer(),
		Published:  published,
		DelayUntil: delayUntil,
		Expiration: delayUntil.Add(c.cfg.DeferredTrxExpirationWindow),
		Packed:     packed,
	}
	if err := generated.Add(c.session, &gtx); err != nil {
		return err
	}
	delta := int64(GeneratedTransactionOverhead + len(packed))
	if err := c.addRAMUsage(gtx.Payer, delta); err != nil {
		return err
	}
	c.trace.AccountRAMDelta = &types.AccountDelta{Account: gtx.Payer, Delta: delta}
	c.logger.Debug("transaction scheduled", zap.Inline(&gtx))
	return nil
}
