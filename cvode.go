package sundials

import (
	"math"
)

// CVODE integrates the explicit ODE form y' = f(t, y) with variable-step,
// variable-order Adams-Moulton or BDF methods over a Nordsieck history
// array. A CVODE value is owned by a single goroutine; none of its methods
// may be called concurrently.
type CVODE struct {
	method Method
	iter   Iteration
	f      RhsFunc
	n      int

	tolKind ToleranceKind
	reltol  float64
	abstol  []float64

	opts  Options
	sink  Sink
	warns warnCounter

	// zn[j] holds (h^j/j!) y^(j) at tn, for j in [0, maxord].
	zn    [][]float64
	ewt   []float64
	y     []float64
	acor  []float64
	tempv []float64
	ftemp []float64

	constraints    []float64
	constraintMask []float64

	q, qprime, qwait int
	qu               int

	h, hprime, eta float64
	hscale, hu     float64
	hmin, hmaxInv  float64
	etamax         float64
	tn, tretlast   float64

	tau [lMax + 2]float64
	tq  [numTests + 1]float64
	l   [lMax + 1]float64

	rl1, gamma, gammap, gamrat float64
	crate                      float64
	acnrm                      float64
	savedTq5                   float64
	constrEta                  float64
	nstlp                      int64

	ls           LinearSolver
	setupNonNull bool
	forceSetup   bool
	jcur         bool
	convfail     ConvFail

	nscon int // steps since stability-limit order reduction

	stats Stats

	sens *cvSensState
	quad *cvQuadState

	setupDone bool
	freed     bool
}

// NewCVODE allocates an integrator for f with initial condition y0 at t0.
// abstol carries one entry for ScalarTol and len(y0) entries for VectorTol.
func NewCVODE(method Method, iter Iteration, f RhsFunc, t0 float64, y0 []float64,
	tolKind ToleranceKind, reltol float64, abstol []float64, opts Options) (*CVODE, Status) {

	if f == nil || len(y0) == 0 {
		return nil, ErrIllInput
	}
	if method != Adams && method != BDF {
		return nil, ErrIllInput
	}
	if iter != Functional && iter != Newton {
		return nil, ErrIllInput
	}
	if st := checkTolerances(tolKind, reltol, abstol, len(y0)); st != Success {
		return nil, st
	}
	if st := opts.setDefaults(method); st != Success {
		return nil, st
	}

	n := len(y0)
	cv := &CVODE{
		method:  method,
		iter:    iter,
		f:       f,
		n:       n,
		tolKind: tolKind,
		reltol:  reltol,
		abstol:  cloneVec(abstol),
		opts:    opts,
		sink:    opts.Sink,
		warns:   warnCounter{max: opts.MaxWarnTiny},
		hmin:    opts.MinStep,
		hmaxInv: opts.hmaxInv(),
	}
	if opts.MaxWarnTiny == -1 {
		cv.warns.max = -1
	}

	maxord := opts.MaxOrder
	cv.zn = make([][]float64, maxord+2)
	for j := range cv.zn {
		cv.zn[j] = newVec(n)
	}
	cv.ewt = newVec(n)
	cv.y = newVec(n)
	cv.acor = newVec(n)
	cv.tempv = newVec(n)
	cv.ftemp = newVec(n)

	if opts.Constraints != nil {
		if len(opts.Constraints) != n {
			return nil, ErrIllInput
		}
		for _, c := range opts.Constraints {
			a := math.Abs(c)
			if a != 0 && a != 1 && a != 2 {
				return nil, ErrIllInput
			}
		}
		cv.constraints = cloneVec(opts.Constraints)
		cv.constraintMask = newVec(n)
	}

	copy(cv.zn[0], y0)
	cv.tn = t0
	cv.tretlast = t0
	cv.q = 1
	cv.qwait = 2
	cv.etamax = etamx1
	cv.stats.TolScale = 1

	return cv, Success
}

func checkTolerances(kind ToleranceKind, reltol float64, abstol []float64, n int) Status {
	if reltol < 0 {
		return ErrIllInput
	}
	switch kind {
	case ScalarTol:
		if len(abstol) < 1 || abstol[0] < 0 {
			return ErrIllInput
		}
	case VectorTol:
		if len(abstol) != n {
			return ErrIllInput
		}
		if minVec(abstol) < 0 {
			return ErrIllInput
		}
	default:
		return ErrIllInput
	}
	return Success
}

// SetLinearSolver attaches the Newton linear solver. Required for Newton
// iteration; under functional iteration it returns ErrIllInput.
func (cv *CVODE) SetLinearSolver(ls LinearSolver) Status {
	if cv.iter != Newton {
		return ErrIllInput
	}
	if st := ls.Init(cv); st != Success {
		return st
	}
	cv.ls = ls
	cv.setupNonNull = true
	return Success
}

// ReInit reuses the existing allocation for a new problem of the same size,
// resetting the counters and the state history. Quadrature and sensitivity
// histories are kept; QuadReInit and SensReInit reset them. The method,
// iteration type and maximum order are unchanged.
func (cv *CVODE) ReInit(t0 float64, y0 []float64, tolKind ToleranceKind, reltol float64, abstol []float64) Status {
	if cv.freed || len(y0) != cv.n {
		return ErrIllInput
	}
	if st := checkTolerances(tolKind, reltol, abstol, cv.n); st != Success {
		return st
	}
	cv.tolKind = tolKind
	cv.reltol = reltol
	cv.abstol = cloneVec(abstol)

	for j := range cv.zn {
		constVec(0, cv.zn[j])
	}
	copy(cv.zn[0], y0)
	cv.tn = t0
	cv.tretlast = t0
	cv.q = 1
	cv.qprime = 0
	cv.qwait = 2
	cv.qu = 0
	cv.h = 0
	cv.hprime = 0
	cv.hscale = 0
	cv.hu = 0
	cv.eta = 0
	cv.etamax = etamx1
	cv.crate = 0
	cv.acnrm = 0
	cv.gamma = 0
	cv.gammap = 0
	cv.gamrat = 1
	cv.forceSetup = false
	cv.jcur = false
	cv.convfail = NoFailure
	cv.nscon = 0
	cv.savedTq5 = 0
	cv.constrEta = 0
	cv.nstlp = 0
	cv.stats = Stats{TolScale: 1}
	cv.warns = warnCounter{max: cv.opts.MaxWarnTiny}
	cv.setupDone = false
	if cv.sens != nil {
		cv.sens.reset(cv)
	}
	if cv.quad != nil {
		cv.quad.reset(cv)
	}
	return Success
}

// Free releases the history arrays and the linear solver's resources.
// The integrator must not be used afterwards.
func (cv *CVODE) Free() {
	if cv.freed {
		return
	}
	if cv.ls != nil {
		cv.ls.Free(cv)
	}
	cv.zn = nil
	cv.sens = nil
	cv.quad = nil
	cv.freed = true
}

// GetStats returns a copy of the cumulative counters.
func (cv *CVODE) GetStats() Stats {
	s := cv.stats
	s.LastOrder = cv.qu
	s.NextOrder = cv.qprime
	if s.NextOrder == 0 {
		s.NextOrder = cv.q
	}
	s.LastStep = cv.hu
	s.NextStep = cv.hprime
	if s.NextStep == 0 {
		s.NextStep = cv.h
	}
	s.CurrentTime = cv.tn
	return s
}

// Solve advances the solution toward tout under the given task mode and
// writes the output state into yout. It returns the reached time and a
// status; positive statuses are informational.
func (cv *CVODE) Solve(tout float64, yout []float64, task Task) (float64, Status) {
	if cv.freed {
		return cv.tn, ErrNoMem
	}
	if yout == nil {
		return cv.tn, ErrNullOutput
	}
	if task.hasTstop() && !cv.opts.TstopSet {
		return cv.tn, cv.fail(PhaseDriver, ErrIllInput, "tstop task without tstop")
	}
	if cv.iter == Newton && cv.ls == nil {
		return cv.tn, cv.fail(PhaseDriver, ErrIllInput, "newton iteration without linear solver")
	}
	if cv.sens != nil {
		if st := cv.sens.check(cv); st != Success {
			return cv.tn, cv.fail(PhaseDriver, st, "sensitivity configuration")
		}
	}

	if cv.stats.Steps == 0 {
		if st := cv.initialStep(tout, task); st != Success {
			return cv.tn, st
		}
	} else {
		if st, done := cv.stopTestBefore(tout, yout, task); done {
			return cv.tretlast, st
		}
	}

	nstloc := 0
	for {
		if nstloc >= cv.opts.MaxSteps {
			cv.dky(cv.tn, 0, yout)
			cv.tretlast = cv.tn
			return cv.tn, cv.fail(PhaseDriver, ErrTooMuchWork, "max steps before tout")
		}

		if cv.stats.Steps > 0 {
			if st := cv.resetWeights(yout); st != Success {
				return cv.tn, st
			}
			// Too much accuracy requested?
			nrm := wrmsNorm(cv.zn[0], cv.ewt)
			if cv.quad != nil && cv.quad.errcon == ErrConFull {
				nrm = math.Max(nrm, wrmsNorm(cv.quad.znQ[0], cv.quad.ewtQ))
			}
			if cv.sens != nil && cv.sens.errcon == ErrConFull {
				nrm = math.Max(nrm, cv.sens.maxWrms(cv.sens.znS[0], cv.sens.ewtS))
			}
			tolsf := uround * nrm
			if tolsf > 1 {
				cv.stats.TolScale = tolsf * 10
				cv.dky(cv.tn, 0, yout)
				cv.tretlast = cv.tn
				return cv.tn, cv.fail(PhaseDriver, ErrTooMuchAcc, "tolerances too tight")
			}
			cv.stats.TolScale = 1
		}

		if cv.tn+cv.h == cv.tn {
			if cv.warns.allow() {
				cv.sink.Post(Event{Phase: PhaseDriver, T: cv.tn, H: cv.h, Order: cv.q,
					Steps: cv.stats.Steps, Warning: true, Detail: "internal t + h = t"})
			}
		}

		kflag := cv.step()
		if kflag != Success {
			cv.dky(cv.tn, 0, yout)
			cv.tretlast = cv.tn
			return cv.tn, cv.fail(failurePhase(kflag), kflag, "step failed")
		}
		nstloc++

		if cv.opts.Monitor != nil {
			cv.opts.Monitor(cv.tn, cv.hu, cv.qu, cv.zn[0])
		}

		if st, done := cv.stopTestAfter(tout, yout, task); done {
			return cv.tretlast, st
		}
	}
}

// initialStep performs the first-call work: weight setup, the startup
// right-hand side evaluation, and the trial step size.
func (cv *CVODE) initialStep(tout float64, task Task) Status {
	if !ewtSet(cv.tolKind, cv.reltol, cv.abstol, cv.zn[0], cv.ewt) {
		return cv.fail(PhaseInit, ErrIllInput, "nonpositive error weight")
	}
	if cv.quad != nil && cv.quad.errcon == ErrConFull {
		if !ewtSet(cv.quad.tolKind, cv.quad.reltol, cv.quad.abstol, cv.quad.znQ[0], cv.quad.ewtQ) {
			return cv.fail(PhaseInit, ErrIllInput, "nonpositive quadrature weight")
		}
	}
	if cv.sens != nil {
		if !cv.sens.ewtSetAll(cv) {
			return cv.fail(PhaseInit, ErrIllInput, "nonpositive sensitivity weight")
		}
	}
	if cv.constraints != nil {
		if !constrMask(cv.constraints, cv.zn[0], cv.constraintMask) {
			return cv.fail(PhaseInit, ErrIllInput, "y0 fails constraints")
		}
	}

	tdist := math.Abs(tout - cv.tn)
	troundoff := 2 * uround * (math.Abs(cv.tn) + math.Abs(tout))
	if tdist < troundoff {
		return cv.fail(PhaseInit, ErrIllInput, "tout too close to t0")
	}

	cv.f(cv.tn, cv.zn[0], cv.zn[1])
	cv.stats.RhsEvals++
	if cv.quad != nil {
		cv.quad.fQ(cv.tn, cv.zn[0], cv.quad.znQ[1])
		cv.stats.QuadRhsEvals++
	}
	if cv.sens != nil {
		if ret := cv.sens.rhs(cv, cv.tn, cv.zn[0], cv.zn[1], cv.sens.znS[0], cv.sens.znS[1]); ret != 0 {
			return cv.fail(PhaseInit, ErrRhsFail, "sensitivity RHS at t0")
		}
	}

	h := cv.opts.InitialStep
	if h != 0 && (tout-cv.tn)*h < 0 {
		return cv.fail(PhaseInit, ErrIllInput, "h0 against integration direction")
	}
	if h == 0 {
		ypnorm := wrmsNorm(cv.zn[1], cv.ewt)
		if cv.quad != nil && cv.quad.errcon == ErrConFull {
			ypnorm = math.Max(ypnorm, wrmsNorm(cv.quad.znQ[1], cv.quad.ewtQ))
		}
		if cv.sens != nil && cv.sens.errcon == ErrConFull {
			ypnorm = math.Max(ypnorm, cv.sens.maxWrms(cv.sens.znS[1], cv.sens.ewtS))
		}
		h = 0.5 / math.Max(ypnorm, 1/tdist)
		if tout < cv.tn {
			h = -h
		}
	}
	if rh := math.Abs(h) * cv.hmaxInv; rh > 1 {
		h /= rh
	}
	if cv.hmin > 0 && math.Abs(h) < cv.hmin {
		if h < 0 {
			h = -cv.hmin
		} else {
			h = cv.hmin
		}
	}
	if task.hasTstop() {
		tstop := cv.opts.Tstop
		if (tstop-cv.tn)*h < 0 {
			return cv.fail(PhaseInit, ErrIllInput, "tstop behind t0")
		}
		if (cv.tn+h-tstop)*h > 0 {
			h = tstop - cv.tn
		}
	}

	cv.h = h
	cv.hprime = h
	cv.hscale = h
	scaleInPlace(h, cv.zn[1])
	if cv.quad != nil {
		scaleInPlace(h, cv.quad.znQ[1])
	}
	if cv.sens != nil {
		for is := range cv.sens.znS[1] {
			scaleInPlace(h, cv.sens.znS[1][is])
		}
	}
	cv.setupDone = true
	return Success
}

// resetWeights rebuilds all error weight vectors from the current states.
func (cv *CVODE) resetWeights(yout []float64) Status {
	if !ewtSet(cv.tolKind, cv.reltol, cv.abstol, cv.zn[0], cv.ewt) {
		cv.dky(cv.tn, 0, yout)
		cv.tretlast = cv.tn
		return cv.fail(PhaseDriver, ErrIllInput, "error weight became nonpositive")
	}
	if cv.quad != nil && cv.quad.errcon == ErrConFull {
		if !ewtSet(cv.quad.tolKind, cv.quad.reltol, cv.quad.abstol, cv.quad.znQ[0], cv.quad.ewtQ) {
			cv.tretlast = cv.tn
			return cv.fail(PhaseDriver, ErrIllInput, "quadrature weight became nonpositive")
		}
	}
	if cv.sens != nil {
		if !cv.sens.ewtSetAll(cv) {
			cv.tretlast = cv.tn
			return cv.fail(PhaseDriver, ErrIllInput, "sensitivity weight became nonpositive")
		}
	}
	return Success
}

// stopTestBefore handles stop conditions on entry for continuation calls.
func (cv *CVODE) stopTestBefore(tout float64, yout []float64, task Task) (Status, bool) {
	troundoff := 100 * uround * (math.Abs(cv.tn) + math.Abs(cv.h))

	if task.hasTstop() {
		tstop := cv.opts.Tstop
		if (cv.tn-tstop)*cv.h > 0 {
			return cv.fail(PhaseDriver, ErrIllInput, "tstop behind current t"), true
		}
		if math.Abs(cv.tn-tstop) <= troundoff {
			cv.dky(tstop, 0, yout)
			cv.tretlast = tstop
			return TstopReturn, true
		}
	}

	if !task.oneStep() {
		if tout == cv.tretlast {
			return Success, true
		}
		if (cv.tn-tout)*cv.h >= 0 {
			if st := cv.dky(tout, 0, yout); st != Success {
				return cv.fail(PhaseDriver, ErrIllInput, "tout outside last step"), true
			}
			cv.tretlast = tout
			return Success, true
		}
	} else if (cv.tn-cv.tretlast)*cv.h > 0 {
		cv.dky(cv.tn, 0, yout)
		cv.tretlast = cv.tn
		return Success, true
	}

	if task.hasTstop() {
		tstop := cv.opts.Tstop
		if (cv.tn+cv.hprime-tstop)*cv.h > 0 {
			cv.hprime = tstop - cv.tn
			cv.eta = cv.hprime / cv.h
		}
	}
	return Success, false
}

// stopTestAfter handles stop conditions after a successful step.
func (cv *CVODE) stopTestAfter(tout float64, yout []float64, task Task) (Status, bool) {
	troundoff := 100 * uround * (math.Abs(cv.tn) + math.Abs(cv.h))

	if task.hasTstop() {
		tstop := cv.opts.Tstop
		if math.Abs(cv.tn-tstop) <= troundoff {
			cv.dky(tstop, 0, yout)
			cv.tretlast = tstop
			return TstopReturn, true
		}
		if (cv.tn+cv.hprime-tstop)*cv.h > 0 {
			cv.hprime = tstop - cv.tn
			cv.eta = cv.hprime / cv.h
		}
	}

	if task.oneStep() {
		cv.dky(cv.tn, 0, yout)
		cv.tretlast = cv.tn
		return Success, true
	}

	if (cv.tn-tout)*cv.h >= 0 {
		cv.dky(tout, 0, yout)
		cv.tretlast = tout
		return Success, true
	}
	return Success, false
}

// fail posts a single escalation event and passes the status through.
func (cv *CVODE) fail(phase Phase, code Status, detail string) Status {
	cv.sink.Post(Event{Phase: phase, Code: code, T: cv.tn, H: cv.h, Order: cv.q,
		Steps: cv.stats.Steps, Detail: detail})
	return code
}

// failurePhase maps a step failure status to the pipeline phase it
// originated from, for event reporting.
func failurePhase(code Status) Phase {
	switch code {
	case ErrErrFailure:
		return PhaseErrorTest
	case ErrSetupFail, ErrSolveFail:
		return PhaseLinearSolver
	case ErrRhsFail, ErrRepRhs:
		return PhaseRhs
	case ErrConstrFail:
		return PhaseConstraints
	}
	return PhaseCorrector
}
