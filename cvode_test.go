package sundials

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func quietOpts() Options {
	return Options{Sink: NullSink{}}
}

// y' = y cos t has the solution y = y0 exp(sin t).
func TestAdamsNonStiff(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = y[0] * math.Cos(t)
	}
	cv, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()

	yout := make([]float64, 1)
	tret, st := cv.Solve(5, yout, TaskNormal)
	if st != Success {
		t.Fatalf("Solve: %v", st)
	}
	if tret != 5 {
		t.Fatalf("tret = %v, want 5", tret)
	}
	exact := math.Exp(math.Sin(5))
	if !scalar.EqualWithinAbs(yout[0], exact, 5e-5) {
		t.Errorf("y(5) = %v, want %v", yout[0], exact)
	}

	stats := cv.GetStats()
	if stats.Steps == 0 || stats.RhsEvals == 0 {
		t.Errorf("counters not advanced: %+v", stats)
	}
	if stats.LastOrder < 1 {
		t.Errorf("last order = %d", stats.LastOrder)
	}
}

// y' = -100(y - cos t) - sin t with y(0)=1 has the exact solution y = cos t.
func TestBDFStiff(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = -100*(y[0]-math.Cos(t)) - math.Sin(t)
	}
	jac := func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
		dense.Set(0, 0, -100)
		return 0
	}
	cv, st := NewCVODE(BDF, Newton, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-8}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()
	if st := cv.SetLinearSolver(NewDenseSolver(1, jac)); st != Success {
		t.Fatalf("SetLinearSolver: %v", st)
	}

	yout := make([]float64, 1)
	if _, st := cv.Solve(2, yout, TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	if !scalar.EqualWithinAbs(yout[0], math.Cos(2), 1e-4) {
		t.Errorf("y(2) = %v, want %v", yout[0], math.Cos(2))
	}

	// With an analytic Jacobian the Newton iteration should stay cheap.
	stats := cv.GetStats()
	if stats.NewtonIters > 3*stats.Steps+10 {
		t.Errorf("newton iterations %d too high for %d steps", stats.NewtonIters, stats.Steps)
	}
}

func TestVanDerPolStiff(t *testing.T) {
	if testing.Short() {
		t.Skip("long stiff run")
	}
	const mu = 1000.0
	f := func(t float64, y, ydot []float64) {
		ydot[0] = y[1]
		ydot[1] = mu*(1-y[0]*y[0])*y[1] - y[0]
	}
	jac := func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
		dense.Set(0, 0, 0)
		dense.Set(0, 1, 1)
		dense.Set(1, 0, -2*mu*y[0]*y[1]-1)
		dense.Set(1, 1, mu*(1-y[0]*y[0]))
		return 0
	}
	cv, st := NewCVODE(BDF, Newton, f, 0, []float64{2, 0}, VectorTol, 1e-4, []float64{1e-6, 1e-6}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()
	if st := cv.SetLinearSolver(NewDenseSolver(2, jac)); st != Success {
		t.Fatalf("SetLinearSolver: %v", st)
	}

	yout := make([]float64, 2)
	tcur := 0.0
	for tout := 300.0; tout <= 3000; tout += 300 {
		var st Status
		tcur, st = cv.Solve(tout, yout, TaskNormal)
		if st != Success {
			t.Fatalf("Solve to %v: %v at t=%v", tout, st, tcur)
		}
	}

	stats := cv.GetStats()
	if stats.Steps < 100 || stats.Steps > 20000 {
		t.Errorf("steps = %d, outside plausible range", stats.Steps)
	}
	if math.Abs(yout[0]) > 2.5 {
		t.Errorf("|y1(3000)| = %v, limit cycle bound exceeded", math.Abs(yout[0]))
	}
}

// y' = 1 with a tstop short of tout must stop exactly at tstop.
func TestTstop(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = 1
	}
	opts := quietOpts()
	opts.Tstop = 0.37
	opts.TstopSet = true
	cv, st := NewCVODE(Adams, Functional, f, 0, []float64{0}, ScalarTol, 1e-8, []float64{1e-12}, opts)
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()

	yout := make([]float64, 1)
	tret, st := cv.Solve(1.0, yout, TaskNormalTstop)
	if st != TstopReturn {
		t.Fatalf("Solve status = %v, want TstopReturn", st)
	}
	if !scalar.EqualWithinAbs(tret, 0.37, 1e-10) {
		t.Errorf("tret = %v, want 0.37", tret)
	}
	if !scalar.EqualWithinAbs(yout[0], 0.37, 1e-7) {
		t.Errorf("y = %v, want 0.37", yout[0])
	}
}

func TestTstopTaskWithoutTstop(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = 1 }
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{0}, ScalarTol, 1e-8, []float64{1e-12}, quietOpts())
	defer cv.Free()
	if _, st := cv.Solve(1, make([]float64, 1), TaskNormalTstop); st != ErrIllInput {
		t.Fatalf("status = %v, want ErrIllInput", st)
	}
}

func TestOneStepMode(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = -y[0]
	}
	cv, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()

	yout := make([]float64, 1)
	prev := 0.0
	for i := 0; i < 20; i++ {
		tret, st := cv.Solve(10, yout, TaskOneStep)
		if st != Success {
			t.Fatalf("one-step %d: %v", i, st)
		}
		if tret <= prev {
			t.Fatalf("time not advancing: %v after %v", tret, prev)
		}
		prev = tret
	}
}

func TestTooMuchWork(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = math.Sin(t) * y[0]
	}
	opts := quietOpts()
	opts.MaxSteps = 3
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-10, []float64{1e-12}, opts)
	defer cv.Free()

	yout := make([]float64, 1)
	if _, st := cv.Solve(100, yout, TaskNormal); st != ErrTooMuchWork {
		t.Fatalf("status = %v, want ErrTooMuchWork", st)
	}
}

// Re-initializing onto the same problem must reproduce the counter
// trajectory of a fresh integrator exactly.
func TestReInitRoundTrip(t *testing.T) {
	f := func(t float64, y, ydot []float64) {
		ydot[0] = -2 * t * y[0]
	}
	run := func(cv *CVODE) Stats {
		yout := make([]float64, 1)
		if _, st := cv.Solve(2, yout, TaskNormal); st != Success {
			t.Fatalf("Solve: %v", st)
		}
		return cv.GetStats()
	}

	cv, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()
	first := run(cv)

	if st := cv.ReInit(0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}); st != Success {
		t.Fatalf("ReInit: %v", st)
	}
	second := run(cv)

	if first.Steps != second.Steps || first.RhsEvals != second.RhsEvals ||
		first.ErrTestFails != second.ErrTestFails || first.ConvFails != second.ConvFails {
		t.Errorf("counter trajectories differ:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestInvalidInputs(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = 0 }

	if _, st := NewCVODE(Adams, Functional, nil, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts()); st != ErrIllInput {
		t.Errorf("nil f: %v", st)
	}
	if _, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, -1, []float64{1e-10}, quietOpts()); st != ErrIllInput {
		t.Errorf("negative reltol: %v", st)
	}
	if _, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, VectorTol, 1e-6, []float64{1e-10, 1}, quietOpts()); st != ErrIllInput {
		t.Errorf("abstol length mismatch: %v", st)
	}
	if _, st := NewCVODE(BDF, Newton, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10},
		Options{MaxOrder: 9, Sink: NullSink{}}); st != ErrIllInput {
		t.Errorf("BDF order 9: %v", st)
	}

	cv, _ := NewCVODE(BDF, Newton, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	defer cv.Free()
	if _, st := cv.Solve(1, make([]float64, 1), TaskNormal); st != ErrIllInput {
		t.Errorf("newton without linear solver: %v", st)
	}
}

func TestMonitorObservesSteps(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = -y[0] }
	calls := 0
	opts := quietOpts()
	opts.Monitor = func(t, h float64, order int, y []float64) { calls++ }
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, opts)
	defer cv.Free()

	yout := make([]float64, 1)
	if _, st := cv.Solve(1, yout, TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	if int64(calls) != cv.GetStats().Steps {
		t.Errorf("monitor calls %d != steps %d", calls, cv.GetStats().Steps)
	}
}

func TestStatusStrings(t *testing.T) {
	for _, s := range []Status{Success, TstopReturn, ErrIllInput, ErrTooMuchWork,
		ErrTooMuchAcc, ErrErrFailure, ErrConvFailure, ErrSetupFail, ErrSolveFail,
		ErrRhsFail, ErrRepRhs, ErrConstrFail, ErrBadK, ErrBadT, ErrNullOutput,
		ErrNoSens, ErrNoQuad} {
		if s.String() == "unknown status" {
			t.Errorf("missing String for %d", int(s))
		}
	}
	if Adams.String() != "adams" || BDF.String() != "bdf" {
		t.Error("method strings")
	}
}
