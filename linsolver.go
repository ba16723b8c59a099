package sundials

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ConvFail is the hint passed from the Newton corrector to the linear
// solver setup describing the immediately prior failure context.
type ConvFail uint8

const (
	// NoFailure means this is a first attempt, or only an error test
	// failed on the last step.
	NoFailure ConvFail = iota + 1
	// FailBadJ means the previous Newton failed with stale Jacobian data.
	FailBadJ
	// FailOther means the previous Newton failed with current Jacobian
	// data.
	FailOther
)

// LinearSolver is the capability set driven by the CVODE Newton corrector.
// Setup may recompute Jacobian data and must report whether it did through
// jcur; Solve overwrites b with the solution of the Newton system P x = b
// where P approximates I - gamma*J. Flag returns follow the callback
// convention: 0 ok, positive recoverable, negative fatal.
type LinearSolver interface {
	Init(cv *CVODE) Status
	Setup(cv *CVODE, convfail ConvFail, ypred, fpred, tmp1, tmp2, tmp3 []float64) (jcur bool, flag int)
	Solve(cv *CVODE, b, ycur, fcur []float64) int
	// SolveSens solves the same system for the is-th sensitivity
	// correction.
	SolveSens(cv *CVODE, b, ycur, fcur []float64, is int) int
	Free(cv *CVODE)
}

// JacFunc fills dense into df/dy at (t, y). fy holds f(t, y). Return
// semantics follow the callback convention.
type JacFunc func(t float64, y, fy []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int

const (
	msbj  = 50  // max steps between Jacobian evaluations
	dgmaxJ = 0.2 // gamma drift below which a BadJ hint forces a refresh
)

// DenseSolver is the direct dense linear solver for the ODE form. Without
// a user JacFunc it approximates the Jacobian column-wise by difference
// quotients.
type DenseSolver struct {
	Jac JacFunc

	n      int
	savedJ *mat.Dense
	m      *mat.Dense
	lu     mat.LU
	x      *mat.VecDense

	nstlj int64 // step count at last Jacobian evaluation
	nje   int64
	nfeDQ int64
}

// NewDenseSolver returns a dense solver for an n-dimensional problem. jac
// may be nil to request difference-quotient Jacobians.
func NewDenseSolver(n int, jac JacFunc) *DenseSolver {
	return &DenseSolver{Jac: jac, n: n}
}

func (d *DenseSolver) Init(cv *CVODE) Status {
	if d.n != cv.n {
		return ErrIllInput
	}
	d.savedJ = mat.NewDense(d.n, d.n, nil)
	d.m = mat.NewDense(d.n, d.n, nil)
	d.x = mat.NewVecDense(d.n, nil)
	d.nstlj = 0
	d.nje = 0
	d.nfeDQ = 0
	return Success
}

func (d *DenseSolver) Setup(cv *CVODE, convfail ConvFail, ypred, fpred, tmp1, tmp2, tmp3 []float64) (bool, int) {
	dgamma := math.Abs(cv.gamrat - 1)
	jbad := cv.stats.Steps == 0 ||
		cv.stats.Steps > d.nstlj+msbj ||
		(convfail == FailBadJ && dgamma < dgmaxJ) ||
		convfail == FailOther

	jcur := false
	if jbad {
		d.nje++
		d.nstlj = cv.stats.Steps
		var flag int
		if d.Jac != nil {
			d.savedJ.Zero()
			flag = d.Jac(cv.tn, ypred, fpred, d.savedJ, tmp1, tmp2, tmp3)
		} else {
			flag = d.dqJac(cv, ypred, fpred, tmp1)
		}
		if flag != 0 {
			return false, flag
		}
		jcur = true
	}

	// M = I - gamma*J
	d.m.Scale(-cv.gamma, d.savedJ)
	for i := 0; i < d.n; i++ {
		d.m.Set(i, i, d.m.At(i, i)+1)
	}

	d.lu.Factorize(d.m)
	if c := d.lu.Cond(); math.IsInf(c, 1) || math.IsNaN(c) {
		return jcur, 1
	}
	return jcur, 0
}

// dqJac approximates J column-wise: J[:,j] = (f(t, y+del*e_j) - fy)/del.
func (d *DenseSolver) dqJac(cv *CVODE, y, fy, ftemp []float64) int {
	srur := math.Sqrt(uround)
	fnorm := wrmsNorm(fy, cv.ewt)
	minInc := 1.0
	if fnorm != 0 {
		minInc = 1000 * math.Abs(cv.h) * uround * float64(d.n) * fnorm
	}
	for j := 0; j < d.n; j++ {
		ysave := y[j]
		del := math.Max(srur*math.Abs(ysave), minInc/cv.ewt[j])
		y[j] += del
		cv.f(cv.tn, y, ftemp)
		d.nfeDQ++
		y[j] = ysave
		inv := 1 / del
		for i := 0; i < d.n; i++ {
			d.savedJ.Set(i, j, inv*(ftemp[i]-fy[i]))
		}
	}
	return 0
}

func (d *DenseSolver) Solve(cv *CVODE, b, ycur, fcur []float64) int {
	if err := d.lu.SolveVecTo(d.x, false, mat.NewVecDense(d.n, b)); err != nil {
		return 1
	}
	copy(b, d.x.RawVector().Data)
	// Scale the correction to account for gamma drift since the last setup.
	if cv.gamrat != 1 {
		scaleInPlace(2/(1+cv.gamrat), b)
	}
	return 0
}

func (d *DenseSolver) SolveSens(cv *CVODE, b, ycur, fcur []float64, is int) int {
	return d.Solve(cv, b, ycur, fcur)
}

func (d *DenseSolver) Free(cv *CVODE) {
	d.savedJ = nil
	d.m = nil
	d.x = nil
}

// NumJacEvals reports the Jacobian evaluations performed so far.
func (d *DenseSolver) NumJacEvals() int64 { return d.nje }

// IDAJacFunc fills dense into dF/dy + cj*dF/dy' at (t, y, y'). res holds
// the current residual F(t, y, y').
type IDAJacFunc func(t, cj float64, y, yp, res []float64, dense *mat.Dense, tmp1, tmp2, tmp3 []float64) int

// IDALinearSolver is the capability set driven by the IDA Newton corrector.
// Solve receives the current error weights so iterative implementations can
// form weighted norms.
type IDALinearSolver interface {
	Init(da *IDA) Status
	Setup(da *IDA, y, yp, res, tmp1, tmp2, tmp3 []float64) int
	Solve(da *IDA, b, weight, ycur, ypcur, rescur []float64) int
	Free(da *IDA)
}

// IDADenseSolver is the direct dense solver for the DAE form, factoring
// the iteration matrix dF/dy + cj*dF/dy'.
type IDADenseSolver struct {
	Jac IDAJacFunc

	n     int
	m     *mat.Dense
	lu    mat.LU
	x     *mat.VecDense
	nje   int64
	nreDQ int64
}

func NewIDADenseSolver(n int, jac IDAJacFunc) *IDADenseSolver {
	return &IDADenseSolver{Jac: jac, n: n}
}

func (d *IDADenseSolver) Init(da *IDA) Status {
	if d.n != da.n {
		return ErrIllInput
	}
	d.m = mat.NewDense(d.n, d.n, nil)
	d.x = mat.NewVecDense(d.n, nil)
	d.nje = 0
	d.nreDQ = 0
	return Success
}

func (d *IDADenseSolver) Setup(da *IDA, y, yp, res, tmp1, tmp2, tmp3 []float64) int {
	d.nje++
	d.m.Zero()
	var flag int
	if d.Jac != nil {
		flag = d.Jac(da.tn, da.cj, y, yp, res, d.m, tmp1, tmp2, tmp3)
	} else {
		flag = d.dqJac(da, y, yp, res, tmp1, tmp2)
	}
	if flag != 0 {
		return flag
	}
	d.lu.Factorize(d.m)
	if c := d.lu.Cond(); math.IsInf(c, 1) || math.IsNaN(c) {
		return 1
	}
	return 0
}

// dqJac perturbs y_j and y'_j together so a single residual call yields a
// column of dF/dy + cj*dF/dy'.
func (d *IDADenseSolver) dqJac(da *IDA, y, yp, res, restemp, unused []float64) int {
	srur := math.Sqrt(uround)
	for j := 0; j < d.n; j++ {
		ysave, ypsave := y[j], yp[j]
		del := srur * math.Max(math.Abs(ysave), math.Abs(da.hh*ypsave))
		del = math.Max(del, 1/da.ewt[j])
		if da.hh*ypsave < 0 {
			del = -del
		}
		y[j] += del
		yp[j] += da.cj * del
		ret := da.res(da.tn, y, yp, restemp)
		da.stats.RhsEvals++
		d.nreDQ++
		y[j], yp[j] = ysave, ypsave
		if ret != 0 {
			return ret
		}
		inv := 1 / del
		for i := 0; i < d.n; i++ {
			d.m.Set(i, j, inv*(restemp[i]-res[i]))
		}
	}
	return 0
}

func (d *IDADenseSolver) Solve(da *IDA, b, weight, ycur, ypcur, rescur []float64) int {
	if err := d.lu.SolveVecTo(d.x, false, mat.NewVecDense(d.n, b)); err != nil {
		return 1
	}
	copy(b, d.x.RawVector().Data)
	if da.cjratio != 1 {
		scaleInPlace(2/(1+da.cjratio), b)
	}
	return 0
}

func (d *IDADenseSolver) Free(da *IDA) {
	d.m = nil
	d.x = nil
}

// NumJacEvals reports the Jacobian evaluations performed so far.
func (d *IDADenseSolver) NumJacEvals() int64 { return d.nje }
