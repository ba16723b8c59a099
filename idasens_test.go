package sundials

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// Sensitivity of y' = p*y w.r.t. p in residual form, for every strategy:
// s(t) = t*exp(p*t)*y0.
func TestIDASensExponentialAllStrategies(t *testing.T) {
	const (
		lambda = -0.5
		y0     = 2.0
		tend   = 2.0
	)

	for _, ism := range []SensMethod{Simultaneous, Staggered, Staggered1} {
		p := []float64{lambda}
		res := func(t float64, y, yp, r []float64) int {
			r[0] = yp[0] - p[0]*y[0]
			return 0
		}
		jac := func(t, cj float64, y, yp, resv []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int {
			dense.Set(0, 0, cj-p[0])
			return 0
		}

		da, st := NewIDA(res, 0, []float64{y0}, []float64{lambda * y0}, ScalarTol, 1e-7, []float64{1e-9}, quietOpts())
		if st != Success {
			t.Fatalf("%v: NewIDA: %v", ism, st)
		}
		da.SetLinearSolver(NewIDADenseSolver(1, jac))
		if st := da.SensInit(1, ism, p, []float64{1}, nil,
			[][]float64{{0}}, [][]float64{{y0}}); st != Success {
			t.Fatalf("%v: SensInit: %v", ism, st)
		}

		yret := make([]float64, 1)
		ypret := make([]float64, 1)
		if _, st := da.Solve(tend, yret, ypret, TaskNormal); st != Success {
			t.Fatalf("%v: Solve: %v", ism, st)
		}
		if !scalar.EqualWithinAbs(yret[0], y0*math.Exp(lambda*tend), 1e-4) {
			t.Errorf("%v: y = %v", ism, yret[0])
		}

		tn := da.GetStats().CurrentTime
		s := make([]float64, 1)
		if st := da.GetSens1(tn, 0, s); st != Success {
			t.Fatalf("%v: GetSens1: %v", ism, st)
		}
		want := tn * math.Exp(lambda*tn) * y0
		if !scalar.EqualWithinAbs(s[0], want, 2e-2) {
			t.Errorf("%v: s(%v) = %v, want %v", ism, tn, s[0], want)
		}
		da.Free()
	}
}

// Staggered1 with a batch sensitivity residual is rejected at Solve.
func TestIDAStaggered1RejectsBatch(t *testing.T) {
	p := []float64{1}
	res := func(t float64, y, yp, r []float64) int {
		r[0] = yp[0] - p[0]*y[0]
		return 0
	}
	da, _ := NewIDA(res, 0, []float64{1}, []float64{1}, ScalarTol, 1e-6, []float64{1e-8}, quietOpts())
	defer da.Free()
	da.SetLinearSolver(NewIDADenseSolver(1, nil))
	if st := da.SensInit(1, Staggered1, p, nil, nil, [][]float64{{0}}, [][]float64{{1}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	batch := func(ns int, t float64, y, yp []float64, yS, resS [][]float64, tmp1, tmp2 []float64) int {
		return 0
	}
	if st := da.SetSensResidual(batch); st != Success {
		t.Fatalf("SetSensResidual: %v", st)
	}
	if _, st := da.Solve(1, make([]float64, 1), make([]float64, 1), TaskNormal); st != ErrIllInput {
		t.Fatalf("status = %v, want ErrIllInput", st)
	}
}

// Supplying a batch residual after init clears the DQ default and flips
// the kind to AllSens; supplying a one-at-a-time residual flips it back.
func TestIDASensResidualSetters(t *testing.T) {
	p := []float64{1}
	res := func(t float64, y, yp, r []float64) int {
		r[0] = yp[0] - p[0]*y[0]
		return 0
	}
	da, _ := NewIDA(res, 0, []float64{1}, []float64{1}, ScalarTol, 1e-6, []float64{1e-8}, quietOpts())
	defer da.Free()
	if st := da.SensInit(1, Staggered, p, nil, nil, [][]float64{{0}}, [][]float64{{1}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	if !da.sens.resDQ {
		t.Fatal("DQ default not set after init")
	}
	da.SetSensResidual(func(ns int, t float64, y, yp []float64, yS, resS [][]float64, tmp1, tmp2 []float64) int {
		return 0
	})
	if da.sens.resDQ || da.sens.resS == nil || da.sens.resS1 != nil {
		t.Error("batch setter state wrong")
	}
	da.SetSensResidual1(func(ns int, t float64, y, yp []float64, is int, ySi, resSi []float64, tmp1, tmp2 []float64) int {
		return 0
	})
	if da.sens.resDQ || da.sens.resS1 == nil || da.sens.resS != nil {
		t.Error("one-at-a-time setter state wrong")
	}
	da.SetSensResidual1(nil)
	if !da.sens.resDQ {
		t.Error("nil setter must restore the DQ default")
	}
}

func TestIDASensCountersStaggered1(t *testing.T) {
	p := []float64{-1}
	res := func(t float64, y, yp, r []float64) int {
		r[0] = yp[0] - p[0]*y[0]
		return 0
	}
	da, _ := NewIDA(res, 0, []float64{1}, []float64{-1}, ScalarTol, 1e-6, []float64{1e-8}, quietOpts())
	defer da.Free()
	da.SetLinearSolver(NewIDADenseSolver(1, nil))
	if st := da.SensInit(1, Staggered1, p, nil, nil, [][]float64{{0}}, [][]float64{{1}}); st != Success {
		t.Fatalf("SensInit: %v", st)
	}
	if _, st := da.Solve(1, make([]float64, 1), make([]float64, 1), TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	counters, st := da.SensCounters1()
	if st != Success {
		t.Fatalf("SensCounters1: %v", st)
	}
	if counters[0].NewtonIters == 0 {
		t.Errorf("per-sensitivity counters not advanced: %+v", counters)
	}
}
