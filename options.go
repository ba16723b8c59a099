package sundials

import (
	"fmt"

	"github.com/spf13/viper"
)

// Options collects the optional inputs of both cores. A zero value in any
// field means "use the default".
type Options struct {
	// MaxOrder caps the method order; may only shrink across a ReInit.
	MaxOrder int
	// MaxSteps caps internal steps per Solve call (default 500).
	MaxSteps int
	// MaxWarnTiny caps the t+h==t warnings per lifetime (default 10,
	// -1 disables).
	MaxWarnTiny int
	// MaxNewton caps corrector iterations per attempt in the ODE core; the
	// DAE core uses a fixed cap of 4.
	MaxNewton int

	// InitialStep, if nonzero, overrides the startup step heuristic.
	InitialStep float64
	// MinStep is the smallest permitted |h|.
	MinStep float64
	// MaxStep is the largest permitted |h|.
	MaxStep float64

	// Tstop, when TstopSet, is a time the integrator must not step past.
	Tstop    float64
	TstopSet bool

	// StabLimDet enables the BDF stability-limit-detection hook.
	StabLimDet bool

	// Constraints, if non-nil, holds per-component inequality constraints
	// with |c_i| of 1 for a sign constraint and 2 for a strict one.
	Constraints []float64

	// Sink receives failure events; nil means a stderr logfmt sink.
	Sink Sink

	// Monitor, if non-nil, observes every accepted step.
	Monitor MonitorFunc
}

// LoadOptions reads an Options set from a viper-readable config file, in
// the solver section of a conf.toml:
//
//	[solver]
//	max_steps = 2000
//	reltol = 1e-6
//	abstol = 1e-9
//
// The returned tolerances are zero when absent so callers can fall back to
// their own.
func LoadOptions(path string) (Options, float64, float64, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Options{}, 0, 0, fmt.Errorf("reading solver config: %w", err)
	}

	opts := Options{
		MaxOrder:    v.GetInt("solver.max_order"),
		MaxSteps:    v.GetInt("solver.max_steps"),
		MaxWarnTiny: v.GetInt("solver.max_warn_tiny"),
		MaxNewton:   v.GetInt("solver.max_newton"),
		InitialStep: v.GetFloat64("solver.initial_step"),
		MinStep:     v.GetFloat64("solver.min_step"),
		MaxStep:     v.GetFloat64("solver.max_step"),
		StabLimDet:  v.GetBool("solver.stability_limit_detection"),
	}
	if v.IsSet("solver.tstop") {
		opts.Tstop = v.GetFloat64("solver.tstop")
		opts.TstopSet = true
	}
	return opts, v.GetFloat64("solver.reltol"), v.GetFloat64("solver.abstol"), nil
}

func (o *Options) setDefaults(method Method) Status {
	if o.MaxOrder == 0 {
		o.MaxOrder = method.maxOrder()
	}
	if o.MaxOrder < 1 || o.MaxOrder > method.maxOrder() {
		return ErrIllInput
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.MaxWarnTiny == 0 {
		o.MaxWarnTiny = DefaultMaxWarnTiny
	}
	if o.MaxNewton == 0 {
		o.MaxNewton = DefaultMaxNewton
	}
	if o.MinStep < 0 || o.MaxStep < 0 {
		return ErrIllInput
	}
	if o.MaxStep != 0 && o.MinStep > o.MaxStep {
		return ErrIllInput
	}
	if o.Sink == nil {
		o.Sink = NewLogSink()
	}
	return Success
}

// hmaxInv returns the reciprocal step bound, zero meaning unbounded.
func (o *Options) hmaxInv() float64 {
	if o.MaxStep == 0 {
		return 0
	}
	return 1 / o.MaxStep
}
