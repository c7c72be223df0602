package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-trxexec/chain"
	"github.com/spacemeshos/go-trxexec/common/types"
)

// blockInput is a block read from the input file.
type blockInput struct {
	Time         time.Time                 `json:"time"`
	Producing    bool                      `json:"producing"`
	Transactions []types.SignedTransaction `json:"transactions"`
}

type traceOutput struct {
	Trace *types.TransactionTrace `json:"trace"`
	// Rejected is set when the transaction failed prevalidation and was not pushed.
	Rejected string `json:"rejected,omitempty"`
}

type blockOutput struct {
	Block types.BlockHeader `json:"block"`
}

func newGenesisCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "create genesis accounts and commit the first block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(conf, cmd.ErrOrStderr(), types.Name(0))
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.chain.ApplyGenesis(cmd.Context(), &conf.Genesis); err != nil {
				return err
			}
			head, err := a.chain.Head()
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(blockOutput{Block: head})
		},
	}
}

func newRunCmd(opts *rootOpts) *cobra.Command {
	var (
		token       string
		prevalidate bool
	)
	cmd := &cobra.Command{
		Use:   "run <blocks.json>",
		Short: "apply blocks of transactions and print their traces",
		Long: `Applies blocks from a json file to the ledger. Genesis is applied first if the ledger is empty.
Every block executes due deferred transactions before its input transactions.
Prints a json line with the trace of every transaction followed by the header of the committed block.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks, err := readBlocks(args[0])
			if err != nil {
				return err
			}
			conf, err := opts.load()
			if err != nil {
				return err
			}
			tokenAccount, err := types.NewName(token)
			if err != nil {
				return fmt.Errorf("token account: %w", err)
			}
			a, err := newApp(conf, cmd.ErrOrStderr(), tokenAccount)
			if err != nil {
				return err
			}
			defer a.Close()
			r := &runner{app: a, out: json.NewEncoder(cmd.OutOrStdout()), prevalidate: prevalidate}
			return r.run(cmd, blocks)
		},
	}
	cmd.Flags().StringVar(&token, "token", "token", "account of the token contract")
	cmd.Flags().BoolVar(&prevalidate, "prevalidate", true, "skip transactions that fail prevalidation")
	return cmd
}

func readBlocks(path string) ([]blockInput, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}
	var blocks []blockInput
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode blocks %s: %w", path, err)
	}
	return blocks, nil
}

type runner struct {
	*app
	out         *json.Encoder
	prevalidate bool
}

func (r *runner) run(cmd *cobra.Command, blocks []blockInput) error {
	ctx := cmd.Context()
	if _, err := r.chain.Head(); errors.Is(err, chain.ErrNoGenesis) {
		if err := r.chain.ApplyGenesis(ctx, &r.conf.Genesis); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	for i := range blocks {
		if err := r.block(cmd, &blocks[i]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func (r *runner) block(cmd *cobra.Command, block *blockInput) error {
	trxs := make([]*types.SignedTransaction, len(block.Transactions))
	for i := range block.Transactions {
		trxs[i] = &block.Transactions[i]
	}
	rejected := make([]error, len(trxs))
	if r.prevalidate {
		var err error
		rejected, err = r.chain.Prevalidate(cmd.Context(), trxs)
		if err != nil {
			return err
		}
	}
	if _, err := r.chain.StartBlock(cmd.Context(), block.Time, block.Producing); err != nil {
		return err
	}
	deferred, err := r.chain.ExecuteDeferred()
	if err != nil {
		r.chain.AbortBlock()
		return err
	}
	for _, trace := range deferred {
		if err := r.out.Encode(traceOutput{Trace: trace}); err != nil {
			r.chain.AbortBlock()
			return err
		}
	}
	for i, trx := range trxs {
		output := traceOutput{}
		if rejected[i] != nil {
			output.Rejected = rejected[i].Error()
		} else if output.Trace, err = r.chain.PushTransaction(trx); err != nil {
			r.logger.Debug("transaction failed", zap.Int("index", i), zap.Error(err))
			if output.Trace == nil {
				output.Rejected = err.Error()
			}
		}
		if err := r.out.Encode(output); err != nil {
			r.chain.AbortBlock()
			return err
		}
	}
	header, err := r.chain.FinalizeBlock()
	if err != nil {
		return err
	}
	return r.out.Encode(blockOutput{Block: header})
}
