package sundials

import (
	"os"

	kitlog "github.com/go-kit/kit/log"
)

// Phase identifies where in the step pipeline a failure event originated.
type Phase uint8

const (
	PhaseInit Phase = iota + 1
	PhaseDriver
	PhaseCorrector
	PhaseErrorTest
	PhaseLinearSolver
	PhaseRhs
	PhaseConstraints
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseDriver:
		return "driver"
	case PhaseCorrector:
		return "corrector"
	case PhaseErrorTest:
		return "errtest"
	case PhaseLinearSolver:
		return "linsolve"
	case PhaseRhs:
		return "rhs"
	case PhaseConstraints:
		return "constraints"
	}
	return "unknown"
}

// Event is the typed record emitted on failure escalation. Per-attempt
// recoveries do not produce events; only the escalation that surfaces a
// Status to the caller does, plus the rate-limited t+h==t warnings.
type Event struct {
	Phase   Phase
	Code    Status
	T       float64
	H       float64
	Order   int
	Steps   int64
	Warning bool
	Detail  string
}

// Sink receives failure events. Implementations must be write-only and may
// not call back into the integrator.
type Sink interface {
	Post(Event)
}

// NullSink drops all events.
type NullSink struct{}

func (NullSink) Post(Event) {}

// LogSink writes events to a go-kit logger in logfmt form.
type LogSink struct {
	Logger kitlog.Logger
}

// NewLogSink returns a sink writing logfmt lines to stderr.
func NewLogSink() LogSink {
	return LogSink{Logger: kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))}
}

func (s LogSink) Post(ev Event) {
	level := "error"
	if ev.Warning {
		level = "warning"
	}
	s.Logger.Log("level", level, "subsys", "solver", "phase", ev.Phase.String(),
		"code", ev.Code.String(), "t", ev.T, "h", ev.H, "order", ev.Order,
		"nst", ev.Steps, "detail", ev.Detail)
}

// warnCounter rate-limits the t+h == t warnings to a per-lifetime cap;
// a negative cap disables the warnings entirely.
type warnCounter struct {
	max  int
	seen int
}

func (w *warnCounter) allow() bool {
	if w.max < 0 {
		return false
	}
	if w.seen >= w.max {
		return false
	}
	w.seen++
	return true
}
