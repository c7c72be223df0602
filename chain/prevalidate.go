package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-trxexec/common/types"
	"github.com/spacemeshos/go-trxexec/sql"
	"github.com/spacemeshos/go-trxexec/sql/accounts"
	"github.com/spacemeshos/go-trxexec/sql/transactions"
	"github.com/spacemeshos/go-trxexec/trxcontext"
)

// Prevalidate runs objective checks of input transactions against the head state
// before they are pushed to a block. Checks run concurrently.
// The result has an error for every transaction, nil if the transaction passed.
func (c *Controller) Prevalidate(ctx context.Context, trxs []*types.SignedTransaction) ([]error, error) {
	if c.pending != nil {
		return nil, ErrPendingBlock
	}
	head, err := c.Head()
	if err != nil {
		return nil, err
	}
	results := make([]error, len(trxs))
	var eg errgroup.Group
	eg.SetLimit(c.cfg.Prevalidators)
	for i := range trxs {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			results[i] = c.prevalidate(head.Time, trxs[i])
			if results[i] != nil {
				prevalidateFailed.Inc()
				c.logger.Debug("transaction rejected",
					zap.Int("index", i),
					zap.Error(results[i]),
				)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}

func (c *Controller) prevalidate(headTime time.Time, trx *types.SignedTransaction) error {
	tx := &trx.Transaction
	if len(tx.Extensions) > 0 {
		return trxcontext.ErrUnsupportedTransactionExtension
	}
	if len(tx.Actions) == 0 {
		return fmt.Errorf("%w: no actions", trxcontext.ErrNoAuthorizations)
	}
	expiration := tx.ExpirationTime()
	if expiration.Before(headTime) {
		return fmt.Errorf("%w: at %s", trxcontext.ErrExpiredTransaction, expiration)
	}
	if limit := headTime.Add(c.trxCfg.MaxTransactionLifetime); expiration.After(limit) {
		return fmt.Errorf("%w: %s is after %s", trxcontext.ErrExpirationTooFar, expiration, limit)
	}
	if tx.Delay() > c.trxCfg.MaxTransactionDelay {
		return fmt.Errorf("%w: %s", trxcontext.ErrDelayTooLong, tx.Delay())
	}
	unprunable, prunable, err := trx.PackedSizes()
	if err != nil {
		return fmt.Errorf("%w: %w", trxcontext.ErrMalformedTransaction, err)
	}
	if size := unprunable + prunable; size > c.trxCfg.MaxTransactionNetUsage {
		return fmt.Errorf("%w: packed size %d", trxcontext.ErrNetUsageExceeded, size)
	}
	id, err := tx.ID()
	if err != nil {
		return fmt.Errorf("%w: %w", trxcontext.ErrMalformedTransaction, err)
	}
	dup, err := transactions.Has(c.db, id)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: %s", trxcontext.ErrDuplicateTransaction, id)
	}
	return c.prevalidateAccounts(c.db, tx)
}

func (c *Controller) prevalidateAccounts(db sql.Executor, tx *types.Transaction) error {
	authorized := false
	for n, acts := range [][]types.Action{tx.ContextFreeActions, tx.Actions} {
		for i := range acts {
			act := &acts[i]
			exists, err := accounts.Has(db, act.Account)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: code account %s", trxcontext.ErrUnknownAccount, act.Account)
			}
			if n == 0 && len(act.Authorization) > 0 {
				return fmt.Errorf("%w: %s::%s has authorizations", trxcontext.ErrContextFree, act.Account, act.Name)
			}
			for _, auth := range act.Authorization {
				exists, err := accounts.HasPermission(db, auth)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("%w: permission %s does not exist", trxcontext.ErrInvalidAuthorization, auth)
				}
				authorized = true
			}
		}
	}
	if !authorized {
		return trxcontext.ErrNoAuthorizations
	}
	return nil
}
