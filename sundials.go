// Package sundials provides variable-step, variable-order linear multistep
// integrators for initial-value problems, with forward sensitivity analysis
// and quadrature integration.
//
// Two cores are provided. CVODE integrates explicit-form ODEs y' = f(t,y)
// with Adams-Moulton or BDF methods and a functional or Newton corrector.
// IDA integrates implicit-form DAEs F(t,y,y') = 0 with fixed-leading-
// coefficient BDF and a Newton corrector. Both adapt step size and order to
// a weighted root-mean-square error test, and both can carry sensitivity
// and quadrature variables alongside the states.
package sundials

import "math"

// Basic method constants.
const (
	// AdamsQMax is the maximum method order for Adams-Moulton.
	AdamsQMax = 12
	// BDFQMax is the maximum method order for BDF.
	BDFQMax = 5

	qMax = AdamsQMax
	lMax = qMax + 1

	numTests = 5
)

// Defaults used when the corresponding Options field is zero.
const (
	DefaultMaxSteps    = 500
	DefaultMaxWarnTiny = 10
	DefaultMaxNewton   = 3

	maxNewtonIDA = 4

	mxncf  = 10 // max corrector convergence failures per step attempt
	mxnef  = 7  // max error test failures per step attempt
	mxnef1 = 3  // error test failures before forcing order 1

	epcon = 0.33 // nonlinear convergence safety factor (DAE core)
)

var uround = math.Nextafter(1, 2) - 1

// Method selects the linear multistep family.
type Method uint8

const (
	// Adams selects the Adams-Moulton family (non-stiff, up to order 12).
	Adams Method = iota + 1
	// BDF selects the backward differentiation family (stiff, up to order 5).
	BDF
)

func (m Method) String() string {
	switch m {
	case Adams:
		return "adams"
	case BDF:
		return "bdf"
	}
	return "unknown"
}

func (m Method) maxOrder() int {
	if m == Adams {
		return AdamsQMax
	}
	return BDFQMax
}

// Iteration selects the corrector iteration used on each step.
type Iteration uint8

const (
	// Functional is fixed-point iteration; no linear solver is needed.
	Functional Iteration = iota + 1
	// Newton iteration requires a LinearSolver.
	Newton
)

func (it Iteration) String() string {
	switch it {
	case Functional:
		return "functional"
	case Newton:
		return "newton"
	}
	return "unknown"
}

// ToleranceKind says how absolute tolerances are supplied.
type ToleranceKind uint8

const (
	// ScalarTol uses scalar reltol and scalar abstol.
	ScalarTol ToleranceKind = iota + 1
	// VectorTol uses scalar reltol and a per-component abstol vector.
	VectorTol
)

// SensMethod selects how state and sensitivity correctors are coupled.
type SensMethod uint8

const (
	// Simultaneous corrects states and all sensitivities as one system.
	Simultaneous SensMethod = iota + 1
	// Staggered corrects states first, then all sensitivities together.
	Staggered
	// Staggered1 corrects states first, then each sensitivity on its own.
	Staggered1
)

func (m SensMethod) String() string {
	switch m {
	case Simultaneous:
		return "simultaneous"
	case Staggered:
		return "staggered"
	case Staggered1:
		return "staggered1"
	}
	return "unknown"
}

// SensRhsKind says whether a user sensitivity RHS computes all sensitivity
// derivatives at once or one at a time.
type SensRhsKind uint8

const (
	AllSens SensRhsKind = iota + 1
	OneSens
)

// ErrCon selects whether auxiliary variables take part in the local error
// test or only in their corrector convergence test.
type ErrCon uint8

const (
	ErrConFull ErrCon = iota + 1
	ErrConPartial
)

// Task selects the driver-loop mode.
type Task uint8

const (
	// TaskNormal steps until the output time is passed, then interpolates.
	TaskNormal Task = iota + 1
	// TaskOneStep takes a single internal step and returns.
	TaskOneStep
	// TaskNormalTstop is TaskNormal with a hard stop time.
	TaskNormalTstop
	// TaskOneStepTstop is TaskOneStep with a hard stop time.
	TaskOneStepTstop
)

func (t Task) oneStep() bool { return t == TaskOneStep || t == TaskOneStepTstop }
func (t Task) hasTstop() bool {
	return t == TaskNormalTstop || t == TaskOneStepTstop
}

// Status is the numeric return code of the public entry points.
// Zero is success, positive values are informational, negative are errors.
type Status int

const (
	Success     Status = 0
	TstopReturn Status = 1

	ErrNoMem       Status = -1
	ErrIllInput    Status = -2
	ErrTooMuchWork Status = -3
	ErrTooMuchAcc  Status = -4
	ErrErrFailure  Status = -5
	ErrConvFailure Status = -6
	ErrSetupFail   Status = -7
	ErrSolveFail   Status = -8
	ErrRhsFail     Status = -9
	ErrRepRhs      Status = -10
	ErrConstrFail  Status = -11

	ErrBadK       Status = -21
	ErrBadT       Status = -22
	ErrNullOutput Status = -23

	ErrNoSens Status = -31
	ErrNoQuad Status = -32
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case TstopReturn:
		return "tstop reached"
	case ErrNoMem:
		return "allocation failed"
	case ErrIllInput:
		return "illegal input"
	case ErrTooMuchWork:
		return "maximum steps taken before reaching tout"
	case ErrTooMuchAcc:
		return "too much accuracy requested"
	case ErrErrFailure:
		return "repeated error test failures"
	case ErrConvFailure:
		return "repeated corrector convergence failures"
	case ErrSetupFail:
		return "linear solver setup failed"
	case ErrSolveFail:
		return "linear solver solve failed"
	case ErrRhsFail:
		return "unrecoverable right-hand side failure"
	case ErrRepRhs:
		return "repeated recoverable right-hand side failures"
	case ErrConstrFail:
		return "unable to satisfy inequality constraints"
	case ErrBadK:
		return "derivative order out of range"
	case ErrBadT:
		return "time outside the last step interval"
	case ErrNullOutput:
		return "nil output vector"
	case ErrNoSens:
		return "sensitivities were not initialized"
	case ErrNoQuad:
		return "quadratures were not initialized"
	}
	return "unknown status"
}

// RhsFunc evaluates ydot = f(t, y) for the explicit ODE form.
type RhsFunc func(t float64, y, ydot []float64)

// ResFunc evaluates the residual F(t, y, y') for the implicit DAE form.
// Return 0 on success, a positive value to request a step retry, or a
// negative value to abort the integration.
type ResFunc func(t float64, y, yp, res []float64) int

// SensRhsFunc evaluates all sensitivity derivatives (or residuals, for the
// DAE core) at once. Return semantics follow ResFunc.
type SensRhsFunc func(ns int, t float64, y, ydot []float64, yS, ySdot [][]float64, tmp1, tmp2 []float64) int

// SensRhs1Func evaluates the derivative (or residual) of sensitivity is
// only. Return semantics follow ResFunc.
type SensRhs1Func func(ns int, t float64, y, ydot []float64, is int, ySi, ySdoti []float64, tmp1, tmp2 []float64) int

// QuadRhsFunc evaluates the quadrature derivative at the accepted state.
// Return semantics follow ResFunc.
type QuadRhsFunc func(t float64, y, qdot []float64) int

// Stats carries the cumulative counters of an integrator.
type Stats struct {
	Steps         int64 // internal steps taken
	RhsEvals      int64 // f or F evaluations
	LinSetups     int64 // linear solver setup calls
	NewtonIters   int64 // Newton iterations
	ConvFails     int64 // corrector convergence failures
	ErrTestFails  int64 // local error test failures
	OrderReds     int64 // stability-limit order reductions
	LastOrder     int
	NextOrder     int
	LastStep      float64
	NextStep      float64
	CurrentTime   float64
	TolScale      float64 // suggested tolerance scale factor on ErrTooMuchAcc
	SensRhsEvals  int64
	SensNewton    int64
	SensConvFails int64
	SensErrFails  int64
	SensSetups    int64
	QuadRhsEvals  int64
	QuadErrFails  int64
}

// SensCounters are the per-sensitivity counters maintained under the
// Staggered1 strategy.
type SensCounters struct {
	NewtonIters  int64
	ConvFails    int64
	ErrTestFails int64
}
