package sundials

import kitlog "github.com/go-kit/kit/log"

// MonitorFunc observes every accepted internal step. The y slice is only
// valid for the duration of the call.
type MonitorFunc func(t, h float64, order int, y []float64)

// StreamMonitor returns a MonitorFunc that logs each accepted step to a
// go-kit logger, one logfmt line per step.
func StreamMonitor(logger kitlog.Logger) MonitorFunc {
	return func(t, h float64, order int, y []float64) {
		logger.Log("level", "debug", "subsys", "solver", "t", t, "h", h, "order", order)
	}
}
