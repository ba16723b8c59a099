package sundials

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// For y' = lambda*y, y(0) = y0, the sensitivity w.r.t. lambda is
// s(t) = t*exp(lambda*t)*y0 and must come out the same under all three
// coupling strategies.
func TestSensExponentialAllStrategies(t *testing.T) {
	const (
		lambda = -0.5
		y0     = 2.0
		tend   = 2.0
	)
	exactS := tend * math.Exp(lambda*tend) * y0

	for _, ism := range []SensMethod{Simultaneous, Staggered, Staggered1} {
		p := []float64{lambda}
		f := func(t float64, y, ydot []float64) {
			ydot[0] = p[0] * y[0]
		}
		jac := func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
			dense.Set(0, 0, p[0])
			return 0
		}

		cv, st := NewCVODE(BDF, Newton, f, 0, []float64{y0}, ScalarTol, 1e-7, []float64{1e-9}, quietOpts())
		if st != Success {
			t.Fatalf("%v: NewCVODE: %v", ism, st)
		}
		if st := cv.SetLinearSolver(NewDenseSolver(1, jac)); st != Success {
			t.Fatalf("%v: SetLinearSolver: %v", ism, st)
		}
		if st := cv.SensInit(1, ism, p, []float64{1}, nil, [][]float64{{0}}); st != Success {
			t.Fatalf("%v: SensInit: %v", ism, st)
		}

		yout := make([]float64, 1)
		if _, st := cv.Solve(tend, yout, TaskNormal); st != Success {
			t.Fatalf("%v: Solve: %v", ism, st)
		}
		if !scalar.EqualWithinAbs(yout[0], y0*math.Exp(lambda*tend), 1e-5) {
			t.Errorf("%v: y = %v", ism, yout[0])
		}

		s := make([]float64, 1)
		if st := cv.SensDky(cv.GetStats().CurrentTime, 0, 0, s); st != Success {
			t.Fatalf("%v: SensDky: %v", ism, st)
		}
		// Compare at the internal time actually reached.
		tn := cv.GetStats().CurrentTime
		want := tn * math.Exp(lambda*tn) * y0
		if !scalar.EqualWithinAbs(s[0], want, 2e-2) {
			t.Errorf("%v: s(%v) = %v, want %v", ism, tn, s[0], want)
		}
		_ = exactS

		stats := cv.GetStats()
		if stats.SensRhsEvals == 0 {
			t.Errorf("%v: sensitivity RHS never evaluated", ism)
		}
		cv.Free()
	}
}

// Staggered1 requires a one-at-a-time sensitivity RHS; a batch RHS must be
// rejected as illegal input at the next Solve.
func TestStaggered1RejectsBatchRhs(t *testing.T) {
	p := []float64{1}
	f := func(t float64, y, ydot []float64) { ydot[0] = p[0] * y[0] }
	jac := func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
		dense.Set(0, 0, p[0])
		return 0
	}
	cv, _ := NewCVODE(BDF, Newton, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-8}, quietOpts())
	defer cv.Free()
	cv.SetLinearSolver(NewDenseSolver(1, jac))
	if st := cv.SensInit(1, Staggered1, p, nil, nil, [][]float64{{0}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	batch := func(ns int, t float64, y, ydot []float64, yS, ySdot [][]float64, tmp1, tmp2 []float64) int {
		ySdot[0][0] = y[0] + p[0]*yS[0][0]
		return 0
	}
	if st := cv.SetSensRhs(batch); st != Success {
		t.Fatalf("SetSensRhs: %v", st)
	}
	if _, st := cv.Solve(1, make([]float64, 1), TaskNormal); st != ErrIllInput {
		t.Fatalf("status = %v, want ErrIllInput", st)
	}
}

// The DQ scheme switch: rhomax >= 0 selects centered differences (two f
// calls per quotient), rhomax < 0 forward ones (a single call), so the
// sensitivity RHS evaluation counts must differ between the two runs.
func TestSensDQSchemeSwitch(t *testing.T) {
	run := func(rhomax float64) (float64, Stats) {
		p := []float64{-1.0}
		f := func(t float64, y, ydot []float64) { ydot[0] = p[0] * y[0] }
		cv, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
		if st != Success {
			t.Fatalf("NewCVODE: %v", st)
		}
		defer cv.Free()
		if st := cv.SensInit(1, Simultaneous, p, []float64{1}, nil, [][]float64{{0}}); st != Success {
			t.Fatalf("SensInit: %v", st)
		}
		if st := cv.SetSensDQRhoMax(rhomax); st != Success {
			t.Fatalf("SetSensDQRhoMax: %v", st)
		}
		yout := make([]float64, 1)
		if _, st := cv.Solve(1, yout, TaskNormal); st != Success {
			t.Fatalf("Solve: %v", st)
		}
		s := make([]float64, 1)
		tn := cv.GetStats().CurrentTime
		if st := cv.SensDky(tn, 0, 0, s); st != Success {
			t.Fatalf("SensDky: %v", st)
		}
		return s[0] - tn*math.Exp(-tn), cv.GetStats()
	}

	errCentered, statsCentered := run(0)
	errForward, statsForward := run(-1e5)

	if math.Abs(errCentered) > 2e-2 || math.Abs(errForward) > 5e-2 {
		t.Errorf("DQ sensitivity errors too large: centered %v, forward %v", errCentered, errForward)
	}
	// Centered differencing costs twice the f evaluations per quotient.
	if statsCentered.SensRhsEvals <= statsForward.SensRhsEvals {
		t.Errorf("expected more RHS work for centered: centered %d, forward %d",
			statsCentered.SensRhsEvals, statsForward.SensRhsEvals)
	}
}

// A negative plist entry marks an initial-condition-only parameter; the
// integrator must leave it untouched by DQ perturbations.
func TestSensPlistNegativeSkipsParam(t *testing.T) {
	p := []float64{-1.0, 3.5}
	seen := make([]float64, 0, 64)
	f := func(t float64, y, ydot []float64) {
		seen = append(seen, p[1])
		ydot[0] = p[0] * y[0]
	}
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	defer cv.Free()
	// Sensitivity of parameter 2 (index 1), IC-only, separate scheme.
	if st := cv.SensInit(1, Simultaneous, p, []float64{1}, []int{-2}, [][]float64{{1}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	cv.SetSensDQRhoMax(1e-8) // force the separate perturbation schemes
	if _, st := cv.Solve(0.5, make([]float64, 1), TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	for _, v := range seen {
		if v != 3.5 {
			t.Fatalf("IC-only parameter was perturbed to %v", v)
		}
	}
}

func TestSensInitValidation(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = -y[0] }
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	defer cv.Free()

	if st := cv.SensInit(0, Staggered, []float64{1}, nil, nil, nil); st != ErrIllInput {
		t.Errorf("ns=0: %v", st)
	}
	if st := cv.SensInit(1, Staggered, nil, nil, nil, [][]float64{{0}}); st != ErrIllInput {
		t.Errorf("nil p: %v", st)
	}
	if st := cv.SensInit(1, Staggered, []float64{1}, []float64{0}, nil, [][]float64{{0}}); st != ErrIllInput {
		t.Errorf("zero pbar: %v", st)
	}
	if st := cv.SetSensErrCon(ErrConPartial); st != ErrNoSens {
		t.Errorf("SetSensErrCon before init: %v", st)
	}
	if _, st := cv.SensCounters1(); st != ErrNoSens {
		t.Errorf("SensCounters1 before init: %v", st)
	}
}

// Staggered1 keeps per-sensitivity counter records.
func TestStaggered1Counters(t *testing.T) {
	p := []float64{-1.0, -2.0}
	f := func(t float64, y, ydot []float64) {
		ydot[0] = p[0]*y[0] + p[1]*y[1]
		ydot[1] = p[1] * y[1]
	}
	jac := func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
		dense.Set(0, 0, p[0])
		dense.Set(0, 1, p[1])
		dense.Set(1, 0, 0)
		dense.Set(1, 1, p[1])
		return 0
	}
	cv, _ := NewCVODE(BDF, Newton, f, 0, []float64{1, 1}, ScalarTol, 1e-6, []float64{1e-9}, quietOpts())
	defer cv.Free()
	cv.SetLinearSolver(NewDenseSolver(2, jac))
	if st := cv.SensInit(2, Staggered1, p, nil, nil, [][]float64{{0, 0}, {0, 0}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	if _, st := cv.Solve(1, make([]float64, 2), TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	counters, st := cv.SensCounters1()
	if st != Success {
		t.Fatalf("SensCounters1: %v", st)
	}
	if len(counters) != 2 {
		t.Fatalf("len(counters) = %d", len(counters))
	}
	if counters[0].NewtonIters == 0 || counters[1].NewtonIters == 0 {
		t.Errorf("per-sensitivity Newton counters not advanced: %+v", counters)
	}
}
