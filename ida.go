package sundials

import "math"

// IDA integrates the implicit DAE form F(t, y, y') = 0 with
// fixed-leading-coefficient BDF methods over a modified divided-difference
// history. An IDA value is owned by a single goroutine.
type IDA struct {
	res ResFunc
	n   int

	tolKind ToleranceKind
	reltol  float64
	abstol  []float64

	opts  Options
	sink  Sink
	warns warnCounter

	maxord int

	// phi[j] holds the j-th scaled divided difference of the solution.
	phi [][]float64

	psi, alpha, beta, sigma, gam [BDFQMax + 1]float64

	ewt []float64

	yy, yp         []float64
	delta, ee      []float64
	tempv1, tempv2 []float64
	savres         []float64

	// id flags differential (1) vs algebraic (0) components when algebraic
	// variables are suppressed from error tests.
	id          []float64
	suppressAlg bool

	constraints    []float64
	constraintMask []float64

	kk, kused, knew int
	phase           int
	ns              int

	hh, hused, rr              float64
	cj, cjold, cjlast, cjratio float64
	ss                         float64
	epsNewt, toldel            float64
	lastEst                    float64

	tn, tretp     float64
	h0u           float64
	hmin, hmaxInv float64

	ls           IDALinearSolver
	setupNonNull bool
	forceSetup   bool

	stats Stats

	sens *idaSensState
	quad *idaQuadState

	setupDone bool
	freed     bool
}

// NewIDA allocates a DAE integrator for the residual res with consistent
// initial values (y0, yp0) at t0.
func NewIDA(res ResFunc, t0 float64, y0, yp0 []float64,
	tolKind ToleranceKind, reltol float64, abstol []float64, opts Options) (*IDA, Status) {

	if res == nil || len(y0) == 0 || len(yp0) != len(y0) {
		return nil, ErrIllInput
	}
	if st := checkTolerances(tolKind, reltol, abstol, len(y0)); st != Success {
		return nil, st
	}
	if st := opts.setDefaults(BDF); st != Success {
		return nil, st
	}

	n := len(y0)
	da := &IDA{
		res:     res,
		n:       n,
		tolKind: tolKind,
		reltol:  reltol,
		abstol:  cloneVec(abstol),
		opts:    opts,
		sink:    opts.Sink,
		warns:   warnCounter{max: opts.MaxWarnTiny},
		maxord:  opts.MaxOrder,
		hmin:    opts.MinStep,
		hmaxInv: opts.hmaxInv(),
	}
	if opts.MaxWarnTiny == -1 {
		da.warns.max = -1
	}

	da.phi = make([][]float64, da.maxord+1)
	for j := range da.phi {
		da.phi[j] = newVec(n)
	}
	da.ewt = newVec(n)
	da.yy = newVec(n)
	da.yp = newVec(n)
	da.delta = newVec(n)
	da.ee = newVec(n)
	da.tempv1 = newVec(n)
	da.tempv2 = newVec(n)
	da.savres = newVec(n)

	if opts.Constraints != nil {
		if len(opts.Constraints) != n {
			return nil, ErrIllInput
		}
		da.constraints = cloneVec(opts.Constraints)
		da.constraintMask = newVec(n)
	}

	copy(da.phi[0], y0)
	copy(da.phi[1], yp0)
	da.tn = t0
	da.tretp = t0
	da.cjratio = 1
	da.stats.TolScale = 1

	return da, Success
}

// SetLinearSolver attaches the Newton linear solver; required before Solve.
func (da *IDA) SetLinearSolver(ls IDALinearSolver) Status {
	if st := ls.Init(da); st != Success {
		return st
	}
	da.ls = ls
	da.setupNonNull = true
	return Success
}

// SetSuppressAlg excludes algebraic components (id_i = 0) from all error
// norms; differential components carry id_i = 1.
func (da *IDA) SetSuppressAlg(id []float64) Status {
	if len(id) != da.n {
		return ErrIllInput
	}
	da.id = cloneVec(id)
	da.suppressAlg = true
	return Success
}

// ReInit reuses the allocation for a new problem of the same size.
func (da *IDA) ReInit(t0 float64, y0, yp0 []float64, tolKind ToleranceKind, reltol float64, abstol []float64) Status {
	if da.freed || len(y0) != da.n || len(yp0) != da.n {
		return ErrIllInput
	}
	if st := checkTolerances(tolKind, reltol, abstol, da.n); st != Success {
		return st
	}
	da.tolKind = tolKind
	da.reltol = reltol
	da.abstol = cloneVec(abstol)

	for j := range da.phi {
		constVec(0, da.phi[j])
	}
	copy(da.phi[0], y0)
	copy(da.phi[1], yp0)
	da.tn = t0
	da.tretp = t0
	da.kk = 0
	da.kused = 0
	da.knew = 0
	da.phase = 0
	da.ns = 0
	da.hh = 0
	da.hused = 0
	da.rr = 0
	da.cj = 0
	da.cjold = 0
	da.cjlast = 0
	da.cjratio = 1
	da.ss = 0
	da.forceSetup = false
	da.stats = Stats{TolScale: 1}
	da.warns = warnCounter{max: da.opts.MaxWarnTiny}
	da.setupDone = false
	if da.sens != nil {
		da.sens.reset()
	}
	return Success
}

// Free releases the history and the linear solver's resources.
func (da *IDA) Free() {
	if da.freed {
		return
	}
	if da.ls != nil {
		da.ls.Free(da)
	}
	da.phi = nil
	da.sens = nil
	da.quad = nil
	da.freed = true
}

// GetStats returns a copy of the cumulative counters.
func (da *IDA) GetStats() Stats {
	s := da.stats
	s.LastOrder = da.kused
	s.NextOrder = da.kk
	s.LastStep = da.hused
	s.NextStep = da.hh
	s.CurrentTime = da.tn
	return s
}

// Solve advances the solution toward tout and writes the state and its
// derivative into yret and ypret.
func (da *IDA) Solve(tout float64, yret, ypret []float64, task Task) (float64, Status) {
	if da.freed {
		return da.tn, ErrNoMem
	}
	if yret == nil || ypret == nil {
		return da.tn, ErrNullOutput
	}
	if da.ls == nil {
		return da.tn, da.fail(PhaseDriver, ErrIllInput, "no linear solver attached")
	}
	if task.hasTstop() && !da.opts.TstopSet {
		return da.tn, da.fail(PhaseDriver, ErrIllInput, "tstop task without tstop")
	}
	if da.sens != nil {
		if da.sens.ism == Staggered1 && !da.sens.resDQ && da.sens.resS1 == nil {
			return da.tn, da.fail(PhaseDriver, ErrIllInput, "staggered1 with batch sensitivity residual")
		}
	}

	if da.stats.Steps == 0 {
		if st := da.firstCall(tout, task); st != Success {
			return da.tn, st
		}
	} else {
		if st, done := da.stopTest1(tout, yret, ypret, task); done {
			return da.tretp, st
		}
	}

	nstloc := 0
	for {
		if nstloc >= da.opts.MaxSteps {
			da.tretp = da.tn
			da.GetSolution(da.tn, yret, ypret)
			return da.tn, da.fail(PhaseDriver, ErrTooMuchWork, "max steps before tout")
		}

		if da.stats.Steps > 0 {
			if !ewtSet(da.tolKind, da.reltol, da.abstol, da.phi[0], da.ewt) {
				da.tretp = da.tn
				da.GetSolution(da.tn, yret, ypret)
				return da.tn, da.fail(PhaseDriver, ErrIllInput, "error weight became nonpositive")
			}
			if da.quad != nil && da.quad.errcon == ErrConFull {
				if !ewtSet(da.quad.tolKind, da.quad.reltol, da.quad.abstol, da.quad.phiQ[0], da.quad.ewtQ) {
					da.tretp = da.tn
					return da.tn, da.fail(PhaseDriver, ErrIllInput, "quadrature weight became nonpositive")
				}
			}
			if da.sens != nil {
				if !da.sens.ewtSetAll(da) {
					da.tretp = da.tn
					return da.tn, da.fail(PhaseDriver, ErrIllInput, "sensitivity weight became nonpositive")
				}
			}

			nrm := da.wrms(da.phi[0], da.ewt)
			if da.quad != nil && da.quad.errcon == ErrConFull {
				nrm = math.Max(nrm, wrmsNorm(da.quad.phiQ[0], da.quad.ewtQ))
			}
			if da.sens != nil && da.sens.errcon == ErrConFull {
				nrm = math.Max(nrm, da.sens.maxWrms(da, da.sens.phiS[0], da.sens.ewtS))
			}
			tolsf := uround * nrm
			if tolsf > 1 {
				da.stats.TolScale = tolsf * 10
				da.tretp = da.tn
				da.GetSolution(da.tn, yret, ypret)
				return da.tn, da.fail(PhaseDriver, ErrTooMuchAcc, "tolerances too tight")
			}
			da.stats.TolScale = 1
		}

		if da.tn+da.hh == da.tn {
			if da.warns.allow() {
				da.sink.Post(Event{Phase: PhaseDriver, T: da.tn, H: da.hh, Order: da.kk,
					Steps: da.stats.Steps, Warning: true, Detail: "internal t + h = t"})
			}
		}

		sflag := da.step()
		if sflag != Success {
			da.tretp = da.tn
			da.GetSolution(da.tn, yret, ypret)
			return da.tn, da.fail(failurePhase(sflag), sflag, "step failed")
		}
		nstloc++

		if da.opts.Monitor != nil {
			da.opts.Monitor(da.tn, da.hused, da.kused, da.phi[0])
		}

		if st, done := da.stopTest2(tout, yret, ypret, task); done {
			return da.tretp, st
		}
	}
}

// firstCall runs the deferred initial setup: weight checks, the trial step
// size, and scaling of the derivative row.
func (da *IDA) firstCall(tout float64, task Task) Status {
	if !ewtSet(da.tolKind, da.reltol, da.abstol, da.phi[0], da.ewt) {
		return da.fail(PhaseInit, ErrIllInput, "nonpositive error weight")
	}
	if da.suppressAlg && da.id == nil {
		return da.fail(PhaseInit, ErrIllInput, "suppressalg without id vector")
	}
	if da.constraints != nil {
		if !constrMask(da.constraints, da.phi[0], da.constraintMask) {
			return da.fail(PhaseInit, ErrIllInput, "y0 fails constraints")
		}
	}
	if da.quad != nil {
		if ret := da.quad.rhsQ(da.tn, da.phi[0], da.quad.phiQ[1]); ret != 0 {
			return da.fail(PhaseInit, ErrRhsFail, "quadrature RHS at t0")
		}
		da.stats.QuadRhsEvals++
		if da.quad.errcon == ErrConFull {
			if !ewtSet(da.quad.tolKind, da.quad.reltol, da.quad.abstol, da.quad.phiQ[0], da.quad.ewtQ) {
				return da.fail(PhaseInit, ErrIllInput, "nonpositive quadrature weight")
			}
		}
	}
	if da.sens != nil && !da.sens.ewtSetAll(da) {
		return da.fail(PhaseInit, ErrIllInput, "nonpositive sensitivity weight")
	}

	tdist := math.Abs(tout - da.tn)
	troundoff := 2 * uround * (math.Abs(da.tn) + math.Abs(tout))
	if tdist < troundoff {
		return da.fail(PhaseInit, ErrIllInput, "tout too close to t0")
	}

	hh := da.opts.InitialStep
	if hh != 0 && (tout-da.tn)*hh < 0 {
		return da.fail(PhaseInit, ErrIllInput, "h0 against integration direction")
	}
	if hh == 0 {
		hh = 0.001 * tdist
		ypnorm := da.wrms(da.phi[1], da.ewt)
		if da.quad != nil && da.quad.errcon == ErrConFull {
			ypnorm = math.Max(ypnorm, wrmsNorm(da.quad.phiQ[1], da.quad.ewtQ))
		}
		if da.sens != nil && da.sens.errcon == ErrConFull {
			ypnorm = math.Max(ypnorm, da.sens.maxWrms(da, da.sens.phiS[1], da.sens.ewtS))
		}
		if ypnorm > 0.5/hh {
			hh = 0.5 / ypnorm
		}
		if tout < da.tn {
			hh = -hh
		}
	}
	if rh := math.Abs(hh) * da.hmaxInv; rh > 1 {
		hh /= rh
	}
	if task.hasTstop() {
		tstop := da.opts.Tstop
		if (tstop-da.tn)*hh < 0 {
			return da.fail(PhaseInit, ErrIllInput, "tstop behind t0")
		}
		if (da.tn+hh-tstop)*hh > 0 {
			hh = tstop - da.tn
		}
	}

	da.hh = hh
	da.h0u = hh
	scaleInPlace(hh, da.phi[1])
	if da.quad != nil {
		scaleInPlace(hh, da.quad.phiQ[1])
	}
	if da.sens != nil {
		for is := 0; is < da.sens.ns; is++ {
			scaleInPlace(hh, da.sens.phiS[1][is])
		}
	}
	da.kk = 0
	da.kused = 0
	da.epsNewt = epcon
	da.toldel = 0.0001 * da.epsNewt
	da.setupDone = true
	return Success
}

// stopTest1 checks stop conditions on entry for continuation calls.
func (da *IDA) stopTest1(tout float64, yret, ypret []float64, task Task) (Status, bool) {
	troundoff := 100 * uround * (math.Abs(da.tn) + math.Abs(da.hh))

	if task.hasTstop() {
		tstop := da.opts.Tstop
		if (da.tn-tstop)*da.hh > 0 {
			return da.fail(PhaseDriver, ErrIllInput, "tstop behind current t"), true
		}
		if math.Abs(da.tn-tstop) <= troundoff {
			da.GetSolution(tstop, yret, ypret)
			da.tretp = tstop
			return TstopReturn, true
		}
	}

	if !task.oneStep() {
		if tout == da.tretp {
			return Success, true
		}
		if (da.tn-tout)*da.hh >= 0 {
			if st := da.GetSolution(tout, yret, ypret); st != Success {
				return da.fail(PhaseDriver, ErrIllInput, "tout outside last step"), true
			}
			da.tretp = tout
			return Success, true
		}
	} else if (da.tn-da.tretp)*da.hh > 0 {
		da.GetSolution(da.tn, yret, ypret)
		da.tretp = da.tn
		return Success, true
	}

	if task.hasTstop() {
		tstop := da.opts.Tstop
		if (da.tn+da.hh-tstop)*da.hh > 0 {
			da.hh = tstop - da.tn
		}
	}
	return Success, false
}

// stopTest2 checks stop conditions after a successful step.
func (da *IDA) stopTest2(tout float64, yret, ypret []float64, task Task) (Status, bool) {
	troundoff := 100 * uround * (math.Abs(da.tn) + math.Abs(da.hh))

	if task.hasTstop() {
		tstop := da.opts.Tstop
		if math.Abs(da.tn-tstop) <= troundoff {
			da.GetSolution(tstop, yret, ypret)
			da.tretp = tstop
			return TstopReturn, true
		}
		if (da.tn+da.hh-tstop)*da.hh > 0 {
			da.hh = tstop - da.tn
		}
	}

	if task.oneStep() {
		da.GetSolution(da.tn, yret, ypret)
		da.tretp = da.tn
		return Success, true
	}

	if (da.tn-tout)*da.hh >= 0 {
		da.GetSolution(tout, yret, ypret)
		da.tretp = tout
		return Success, true
	}
	return Success, false
}

// GetSolution evaluates y(t) and y'(t) from the interpolating polynomial
// over the divided-difference history. t must lie within the last step.
func (da *IDA) GetSolution(t float64, yret, ypret []float64) Status {
	if yret == nil || ypret == nil {
		return ErrNullOutput
	}

	tfuzz := 100 * uround * (math.Abs(da.tn) + math.Abs(da.hh))
	if da.hh < 0 {
		tfuzz = -tfuzz
	}
	tp := da.tn - da.hused - tfuzz
	if (t-tp)*da.hh < 0 {
		return ErrBadT
	}
	if tn1 := da.tn + tfuzz; (t-tn1)*da.hh > 0 {
		return ErrBadT
	}

	copy(yret, da.phi[0])
	constVec(0, ypret)
	kord := da.kused
	if da.kused == 0 {
		kord = 1
	}

	delt := t - da.tn
	c, d := 1.0, 0.0
	gam := delt / da.psi[0]
	for j := 1; j <= kord; j++ {
		d = d*gam + c/da.psi[j-1]
		c = c * gam
		gam = (delt + da.psi[j-1]) / da.psi[j]
		linearSum(1, yret, c, da.phi[j], yret)
		linearSum(1, ypret, d, da.phi[j], ypret)
	}
	return Success
}

// wrms applies the algebraic-suppression mask when enabled.
func (da *IDA) wrms(x, w []float64) float64 {
	if da.suppressAlg {
		return wrmsNormMask(x, w, da.id)
	}
	return wrmsNorm(x, w)
}

// wrmsNls never masks: the nonlinear solver controls all components.
func (da *IDA) wrmsNls(x, w []float64) float64 {
	return wrmsNorm(x, w)
}

func (da *IDA) fail(phase Phase, code Status, detail string) Status {
	da.sink.Post(Event{Phase: phase, Code: code, T: da.tn, H: da.hh, Order: da.kk,
		Steps: da.stats.Steps, Detail: detail})
	return code
}
