package trxcontext

import "github.com/spacemeshos/go-trxexec/metrics"

const subsystem = "trxcontext"

var (
	trxOutcomes = metrics.NewCounter(
		"transactions",
		subsystem,
		"number of transactions by outcome",
		[]string{"outcome"},
	)
	squashed  = trxOutcomes.WithLabelValues("squashed")
	discarded = trxOutcomes.WithLabelValues("discarded")

	deadlineErrors = metrics.NewCounter(
		"deadline_errors",
		subsystem,
		"number of deadline errors by scope and code",
		[]string{"scope", "code"},
	)

	executedActions = metrics.NewCounter(
		"executed_actions",
		subsystem,
		"number of executed actions",
		[]string{"kind"},
	)
	executedOriginal     = executedActions.WithLabelValues("original")
	executedInline       = executedActions.WithLabelValues("inline")
	executedNotification = executedActions.WithLabelValues("notification")

	billedCPU = metrics.NewHistogramWithBuckets(
		"billed_cpu_us",
		subsystem,
		"billed cpu time of finalized transactions",
		[]string{},
		[]float64{100, 500, 1_000, 5_000, 10_000, 50_000, 150_000},
	).WithLabelValues()
	netUsage = metrics.NewHistogramWithBuckets(
		"net_usage_bytes",
		subsystem,
		"net usage of finalized transactions",
		[]string{},
		[]float64{64, 128, 256, 512, 1024, 4096, 16384, 65536},
	).WithLabelValues()
)
