package sundials

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

// With y' = -y, y(0) = 1 the quadrature of y is 1 - exp(-t).
func TestQuadratureIntegration(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = -y[0] }
	fQ := func(t float64, y, qdot []float64) int {
		qdot[0] = y[0]
		return 0
	}
	cv, st := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-7, []float64{1e-11}, quietOpts())
	if st != Success {
		t.Fatalf("NewCVODE: %v", st)
	}
	defer cv.Free()
	if st := cv.QuadInit(fQ, []float64{0}); st != Success {
		t.Fatalf("QuadInit: %v", st)
	}
	if st := cv.SetQuadTolerances(ScalarTol, 1e-7, []float64{1e-9}); st != Success {
		t.Fatalf("SetQuadTolerances: %v", st)
	}
	if st := cv.SetQuadErrCon(ErrConFull); st != Success {
		t.Fatalf("SetQuadErrCon: %v", st)
	}

	yout := make([]float64, 1)
	if _, st := cv.Solve(2, yout, TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	q := make([]float64, 1)
	if st := cv.Quad(2, q); st != Success {
		t.Fatalf("Quad: %v", st)
	}
	if !scalar.EqualWithinAbs(q[0], 1-math.Exp(-2), 1e-4) {
		t.Errorf("quad = %v, want %v", q[0], 1-math.Exp(-2))
	}
	if cv.GetStats().QuadRhsEvals == 0 {
		t.Error("quadrature RHS never evaluated")
	}
}

// Under partial error control a wildly wrong quadrature cannot fail the
// step: quadratures then only feed their own extraction.
func TestQuadraturePartialErrorControl(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = -y[0] }
	fQ := func(t float64, y, qdot []float64) int {
		qdot[0] = 1e6 * math.Sin(1e3*t)
		return 0
	}
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	defer cv.Free()
	if st := cv.QuadInit(fQ, []float64{0}); st != Success {
		t.Fatalf("QuadInit: %v", st)
	}
	// ErrConPartial is the default: no tolerances needed, no error test.

	yout := make([]float64, 1)
	if _, st := cv.Solve(1, yout, TaskNormal); st != Success {
		t.Fatalf("Solve: %v", st)
	}
	stats := cv.GetStats()
	if stats.QuadErrFails != 0 {
		t.Errorf("quadrature error failures = %d with partial control", stats.QuadErrFails)
	}
	if !scalar.EqualWithinAbs(yout[0], math.Exp(-1), 1e-4) {
		t.Errorf("state corrupted by quadrature: %v", yout[0])
	}
}

func TestQuadBeforeInit(t *testing.T) {
	f := func(t float64, y, ydot []float64) { ydot[0] = -y[0] }
	cv, _ := NewCVODE(Adams, Functional, f, 0, []float64{1}, ScalarTol, 1e-6, []float64{1e-10}, quietOpts())
	defer cv.Free()
	if st := cv.Quad(0, make([]float64, 1)); st != ErrNoQuad {
		t.Errorf("Quad before init: %v", st)
	}
	if st := cv.SetQuadErrCon(ErrConFull); st != ErrNoQuad {
		t.Errorf("SetQuadErrCon before init: %v", st)
	}
	if st := cv.QuadDky(0, 0, make([]float64, 1)); st != ErrNoQuad {
		t.Errorf("QuadDky before init: %v", st)
	}
}
