package checktime

import "github.com/spacemeshos/go-trxexec/metrics"

var timerFires = metrics.NewCounter(
	"timer_fires",
	"checktime",
	"number of expired checktime timers",
	[]string{},
).WithLabelValues()
