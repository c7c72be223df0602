package resource

import "github.com/spacemeshos/go-trxexec/metrics"

const subsystem = "resource"

var (
	blockVirtualCPU = metrics.NewGauge(
		"virtual_cpu_limit",
		subsystem,
		"elastic block cpu limit in microseconds",
		[]string{},
	).WithLabelValues()
	blockVirtualNet = metrics.NewGauge(
		"virtual_net_limit",
		subsystem,
		"elastic block net limit in bytes",
		[]string{},
	).WithLabelValues()
)
