package chain

import "github.com/spacemeshos/go-trxexec/metrics"

const subsystem = "chain"

var (
	pushed = metrics.NewCounter(
		"transactions",
		subsystem,
		"number of transactions pushed to pending blocks by kind and outcome",
		[]string{"kind", "outcome"},
	)
	inputApplied      = pushed.WithLabelValues("input", "applied")
	inputFailed       = pushed.WithLabelValues("input", "failed")
	implicitApplied   = pushed.WithLabelValues("implicit", "applied")
	implicitFailed    = pushed.WithLabelValues("implicit", "failed")
	deferredApplied   = pushed.WithLabelValues("deferred", "applied")
	deferredFailed    = pushed.WithLabelValues("deferred", "failed")
	deferredExpired   = pushed.WithLabelValues("deferred", "expired")
	prevalidateFailed = pushed.WithLabelValues("prevalidate", "failed")

	committedBlocks = metrics.NewCounter(
		"blocks",
		subsystem,
		"number of blocks by outcome",
		[]string{"outcome"},
	)
	blocksCommitted = committedBlocks.WithLabelValues("committed")
	blocksAborted   = committedBlocks.WithLabelValues("aborted")

	blockTransactions = metrics.NewHistogramWithBuckets(
		"block_transactions",
		subsystem,
		"number of transactions in committed blocks",
		[]string{},
		[]float64{0, 1, 10, 100, 1000, 10000},
	).WithLabelValues()
)
