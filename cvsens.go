package sundials

import "math"

// cvSensState is the sensitivity substate of a CVODE integrator. It exists
// only after SensInit.
type cvSensState struct {
	ns  int
	ism SensMethod
	ifS SensRhsKind

	p     []float64
	pbar  []float64
	plist []int

	fS    SensRhsFunc
	fS1   SensRhs1Func
	rhsDQ bool

	rhomax float64
	errcon ErrCon

	reltolS float64
	abstolS []float64 // one scalar per sensitivity

	znS [][][]float64 // [row][is][component]

	ewtS   [][]float64
	yS     [][]float64
	acorS  [][]float64
	tempvS [][]float64
	ftempS [][]float64

	tmpy []float64
	tmpf []float64

	crateS   float64
	counters []SensCounters
}

// SensInit adds forward sensitivity analysis for ns parameters under the
// given strategy. p is the problem parameter vector perturbed by the
// difference-quotient RHS, pbar its scaling, and plist an optional
// selection: entry j picks parameter |plist[j]|-1, and a negative entry
// marks a parameter affecting only initial conditions, skipping its RHS
// perturbation. yS0 holds the ns initial sensitivity vectors.
//
// Without a later SetSensRhs or SetSensRhs1 call, sensitivity derivatives
// are approximated by finite differences controlled by SetSensDQRhoMax.
func (cv *CVODE) SensInit(ns int, ism SensMethod, p, pbar []float64, plist []int, yS0 [][]float64) Status {
	if cv.freed || ns <= 0 || len(yS0) != ns {
		return ErrIllInput
	}
	switch ism {
	case Simultaneous, Staggered, Staggered1:
	default:
		return ErrIllInput
	}
	if p == nil {
		return ErrIllInput
	}
	if plist != nil && len(plist) != ns {
		return ErrIllInput
	}
	for _, v := range yS0 {
		if len(v) != cv.n {
			return ErrIllInput
		}
	}
	if pbar != nil {
		for _, b := range pbar {
			if b == 0 {
				return ErrIllInput
			}
		}
	}

	s := &cvSensState{
		ns:     ns,
		ism:    ism,
		ifS:    OneSens,
		p:      p,
		plist:  plist,
		rhsDQ:  true,
		errcon: ErrConFull,
		crateS: 1,
	}
	if pbar == nil {
		s.pbar = make([]float64, ns)
		for i := range s.pbar {
			s.pbar[i] = 1
		}
	} else {
		if len(pbar) != ns {
			return ErrIllInput
		}
		s.pbar = cloneVec(pbar)
	}

	s.reltolS = cv.reltol
	s.abstolS = make([]float64, ns)
	for is := 0; is < ns; is++ {
		s.abstolS[is] = cv.abstol[0] / math.Abs(s.pbar[is])
	}

	maxord := cv.opts.MaxOrder
	s.znS = make([][][]float64, maxord+2)
	for j := range s.znS {
		s.znS[j] = make([][]float64, ns)
		for is := 0; is < ns; is++ {
			s.znS[j][is] = newVec(cv.n)
		}
	}
	for is := 0; is < ns; is++ {
		copy(s.znS[0][is], yS0[is])
	}
	s.ewtS = makeVecs(ns, cv.n)
	s.yS = makeVecs(ns, cv.n)
	s.acorS = makeVecs(ns, cv.n)
	s.tempvS = makeVecs(ns, cv.n)
	s.ftempS = makeVecs(ns, cv.n)
	s.tmpy = newVec(cv.n)
	s.tmpf = newVec(cv.n)
	s.counters = make([]SensCounters, ns)

	cv.sens = s
	return Success
}

func makeVecs(ns, n int) [][]float64 {
	vs := make([][]float64, ns)
	for i := range vs {
		vs[i] = newVec(n)
	}
	return vs
}

// SensReInit resets the sensitivity history for a new problem, keeping the
// allocation. Counters are cleared.
func (cv *CVODE) SensReInit(ism SensMethod, yS0 [][]float64) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	if len(yS0) != cv.sens.ns {
		return ErrIllInput
	}
	cv.sens.ism = ism
	for j := range cv.sens.znS {
		for is := range cv.sens.znS[j] {
			constVec(0, cv.sens.znS[j][is])
		}
	}
	for is, v := range yS0 {
		copy(cv.sens.znS[0][is], v)
	}
	cv.sens.crateS = 1
	cv.sens.counters = make([]SensCounters, cv.sens.ns)
	return Success
}

func (s *cvSensState) reset(cv *CVODE) {
	s.crateS = 1
	s.counters = make([]SensCounters, s.ns)
}

// SetSensRhs supplies a batch sensitivity RHS, clearing the
// difference-quotient default.
func (cv *CVODE) SetSensRhs(fS SensRhsFunc) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	cv.sens.fS = fS
	cv.sens.fS1 = nil
	cv.sens.rhsDQ = fS == nil
	if fS == nil {
		cv.sens.ifS = OneSens
	} else {
		cv.sens.ifS = AllSens
	}
	return Success
}

// SetSensRhs1 supplies a one-at-a-time sensitivity RHS, clearing the
// difference-quotient default.
func (cv *CVODE) SetSensRhs1(fS1 SensRhs1Func) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	cv.sens.fS1 = fS1
	cv.sens.fS = nil
	cv.sens.ifS = OneSens
	cv.sens.rhsDQ = fS1 == nil
	return Success
}

// SetSensErrCon chooses whether sensitivities take part in the local error
// test (ErrConFull) or only in the corrector convergence test
// (ErrConPartial).
func (cv *CVODE) SetSensErrCon(errcon ErrCon) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	cv.sens.errcon = errcon
	return Success
}

// SetSensDQRhoMax tunes the difference-quotient scheme choice: with the
// perturbation ratio within |rhomax| (or rhomax zero) a simultaneous
// perturbation is used, centered for rhomax >= 0 and forward otherwise;
// beyond it the y and p perturbations are separated.
func (cv *CVODE) SetSensDQRhoMax(rhomax float64) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	cv.sens.rhomax = rhomax
	return Success
}

// SetSensTolerances overrides the derived sensitivity tolerances. abstolS
// carries one scalar per sensitivity.
func (cv *CVODE) SetSensTolerances(reltolS float64, abstolS []float64) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	if reltolS < 0 || len(abstolS) != cv.sens.ns || minVec(abstolS) < 0 {
		return ErrIllInput
	}
	cv.sens.reltolS = reltolS
	cv.sens.abstolS = cloneVec(abstolS)
	return Success
}

// SensCounters1 returns the per-sensitivity counters gathered under the
// Staggered1 strategy.
func (cv *CVODE) SensCounters1() ([]SensCounters, Status) {
	if cv.sens == nil {
		return nil, ErrNoSens
	}
	out := make([]SensCounters, cv.sens.ns)
	copy(out, cv.sens.counters)
	return out, Success
}

// check validates the configuration at Solve entry.
func (s *cvSensState) check(cv *CVODE) Status {
	if s.ism == Staggered1 && s.ifS == AllSens {
		return ErrIllInput
	}
	return Success
}

func (s *cvSensState) ewtSetAll(cv *CVODE) bool {
	for is := 0; is < s.ns; is++ {
		if !ewtSet(ScalarTol, s.reltolS, s.abstolS[is:is+1], s.znS[0][is], s.ewtS[is]) {
			return false
		}
	}
	return true
}

func (s *cvSensState) maxWrms(xS, wS [][]float64) float64 {
	nrm := 0.0
	for is := 0; is < s.ns; is++ {
		if n := wrmsNorm(xS[is], wS[is]); n > nrm {
			nrm = n
		}
	}
	return nrm
}

func (s *cvSensState) zeroAcor() {
	for is := 0; is < s.ns; is++ {
		constVec(0, s.acorS[is])
	}
}

// prepFunctional loads the predicted sensitivities and clears the
// accumulated corrections.
func (s *cvSensState) prepFunctional(cv *CVODE) {
	for is := 0; is < s.ns; is++ {
		copy(s.yS[is], s.znS[0][is])
		constVec(0, s.acorS[is])
	}
}

// rhs evaluates all sensitivity derivatives into ySdot, through the user
// callback or the difference-quotient fallback.
func (s *cvSensState) rhs(cv *CVODE, t float64, y, ydot []float64, yS, ySdot [][]float64) int {
	if s.fS != nil {
		s.bumpRhs(cv, 1)
		return s.fS(s.ns, t, y, ydot, yS, ySdot, s.tmpy, s.tmpf)
	}
	for is := 0; is < s.ns; is++ {
		ret := s.rhs1(cv, t, y, ydot, is, yS[is], ySdot[is])
		if ret != 0 {
			return ret
		}
	}
	return 0
}

func (s *cvSensState) rhs1(cv *CVODE, t float64, y, ydot []float64, is int, ySi, ySdoti []float64) int {
	if s.fS1 != nil {
		s.bumpRhs(cv, 1)
		return s.fS1(s.ns, t, y, ydot, is, ySi, ySdoti, s.tmpy, s.tmpf)
	}
	return s.rhs1DQ(cv, t, y, ydot, is, ySi, ySdoti)
}

func (s *cvSensState) bumpRhs(cv *CVODE, n int64) {
	cv.stats.SensRhsEvals += n
}

// The difference-quotient schemes.
const (
	dqCentered1 = iota
	dqCentered2
	dqForward1
	dqForward2
)

// rhs1DQ approximates the is-th sensitivity derivative by finite
// differences of f, choosing between simultaneous and separate y/p
// perturbations from the ratio of their natural increments.
func (s *cvSensState) rhs1DQ(cv *CVODE, t float64, y, ydot []float64, is int, ySi, ySdoti []float64) int {
	del := math.Sqrt(math.Max(cv.reltol, uround))
	rdel := 1 / del

	which := is
	skipFP := false
	if s.plist != nil {
		which = abs(s.plist[is]) - 1
		skipFP = s.plist[is] < 0
	}
	psave := s.p[which]
	pbari := math.Abs(s.pbar[is])

	delp := pbari * del
	norms := wrmsNorm(ySi, cv.ewt) * pbari
	rdely := math.Max(norms, rdel) / pbari
	dely := 1 / rdely

	ratio := dely / delp

	var method int
	if math.Max(1/ratio, ratio) <= math.Abs(s.rhomax) || s.rhomax == 0 {
		if s.rhomax >= 0 {
			method = dqCentered1
		} else {
			method = dqForward1
		}
	} else {
		if s.rhomax > 0 {
			method = dqCentered2
		} else {
			method = dqForward2
		}
	}

	ytemp, ftemp := s.tmpy, s.tmpf

	switch method {
	case dqCentered1:
		d := math.Min(dely, delp)
		r2d := 0.5 / d
		linearSum(d, ySi, 1, y, ytemp)
		if !skipFP {
			s.p[which] = psave + d
		}
		cv.f(t, ytemp, ySdoti)
		s.bumpRhs(cv, 1)
		linearSum(-d, ySi, 1, y, ytemp)
		if !skipFP {
			s.p[which] = psave - d
		}
		cv.f(t, ytemp, ftemp)
		s.bumpRhs(cv, 1)
		linearSum(r2d, ySdoti, -r2d, ftemp, ySdoti)

	case dqCentered2:
		r2dely := 0.5 / dely
		linearSum(dely, ySi, 1, y, ytemp)
		cv.f(t, ytemp, ySdoti)
		s.bumpRhs(cv, 1)
		linearSum(-dely, ySi, 1, y, ytemp)
		cv.f(t, ytemp, ftemp)
		s.bumpRhs(cv, 1)
		linearSum(r2dely, ySdoti, -r2dely, ftemp, ySdoti)
		if !skipFP {
			r2delp := 0.5 / delp
			s.p[which] = psave + delp
			cv.f(t, y, ytemp)
			s.bumpRhs(cv, 1)
			s.p[which] = psave - delp
			cv.f(t, y, ftemp)
			s.bumpRhs(cv, 1)
			linearSum(r2delp, ytemp, -r2delp, ftemp, ftemp)
			linearSum(1, ySdoti, 1, ftemp, ySdoti)
		}

	case dqForward1:
		d := math.Min(dely, delp)
		rd := 1 / d
		linearSum(d, ySi, 1, y, ytemp)
		if !skipFP {
			s.p[which] = psave + d
		}
		cv.f(t, ytemp, ySdoti)
		s.bumpRhs(cv, 1)
		linearSum(rd,ySdoti, -rd, ydot, ySdoti)

	case dqForward2:
		linearSum(dely, ySi, 1, y, ytemp)
		cv.f(t, ytemp, ySdoti)
		s.bumpRhs(cv, 1)
		linearSum(rdely, ySdoti, -rdely, ydot, ySdoti)
		if !skipFP {
			rdelp := 1 / delp
			s.p[which] = psave + delp
			cv.f(t, y, ftemp)
			s.bumpRhs(cv, 1)
			linearSum(rdelp, ftemp, -rdelp, ydot, ftemp)
			linearSum(1, ySdoti, 1, ftemp, ySdoti)
		}
	}

	s.p[which] = psave
	return 0
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// functionalUpdate applies one fixed-point pass to every sensitivity block
// and returns the largest increment norm.
func (s *cvSensState) functionalUpdate(cv *CVODE) float64 {
	del := 0.0
	for is := 0; is < s.ns; is++ {
		linearSum(cv.h, s.ftempS[is], -1, s.znS[1][is], s.tempvS[is])
		scaleInPlace(cv.rl1, s.tempvS[is])
		linearSum(1, s.znS[0][is], 1, s.tempvS[is], s.yS[is])

		linearSum(1, s.tempvS[is], -1, s.acorS[is], s.acorS[is])
		if d := wrmsNorm(s.acorS[is], s.ewtS[is]); d > del {
			del = d
		}
		copy(s.acorS[is], s.tempvS[is])
	}
	return del
}

// newtonUpdate performs one Newton correction on every sensitivity block
// under the Simultaneous strategy, reusing the state iteration matrix.
func (s *cvSensState) newtonUpdate(cv *CVODE) (float64, int) {
	del := 0.0
	for is := 0; is < s.ns; is++ {
		b := s.tempvS[is]
		linearSum(cv.rl1, s.znS[1][is], 1, s.acorS[is], b)
		linearSum(cv.gamma, s.ftempS[is], -1, b, b)
		ret := cv.ls.SolveSens(cv, b, cv.y, cv.ftemp, is)
		if ret < 0 {
			return 0, nfSolveFail
		}
		if ret > 0 {
			return 0, nfConvRecvr
		}
		if d := wrmsNorm(b, s.ewtS[is]); d > del {
			del = d
		}
		linearSum(1, s.acorS[is], 1, b, s.acorS[is])
		linearSum(1, s.znS[0][is], 1, s.acorS[is], s.yS[is])
	}
	return del, nfSolved
}

// staggeredNls advances the sensitivities after the states of the step
// have been accepted, under the Staggered or Staggered1 strategy.
func (s *cvSensState) staggeredNls(cv *CVODE) int {
	// Fresh RHS at the corrected state; the staggered residuals and the
	// difference quotients are built around it.
	cv.f(cv.tn, cv.y, cv.ftemp)
	cv.stats.RhsEvals++

	if cv.iter == Functional {
		flag := s.stgrFunctional(cv)
		if flag != nfSolved {
			cv.stats.SensConvFails++
		}
		return flag
	}

	if s.ism == Staggered {
		flag := s.stgrSolve(cv, -1)
		if flag != nfSolved {
			cv.stats.SensConvFails++
		}
		return flag
	}

	for is := 0; is < s.ns; is++ {
		flag := s.stgrSolve(cv, is)
		if flag != nfSolved {
			cv.stats.SensConvFails++
			s.counters[is].ConvFails++
			return flag
		}
	}
	return nfSolved
}

// stgrFunctional is the fixed-point staggered corrector used when the
// state corrector itself is functional.
func (s *cvSensState) stgrFunctional(cv *CVODE) int {
	s.prepFunctional(cv)
	if ret := s.rhs(cv, cv.tn, cv.y, cv.ftemp, s.yS, s.ftempS); ret != 0 {
		if ret > 0 {
			return nfRhsRecvr
		}
		return nfRhsFail
	}

	s.crateS = 1
	m := 0
	delp := 0.0
	for {
		del := s.functionalUpdate(cv)

		if m > 0 {
			s.crateS = math.Max(crdown*s.crateS, del/delp)
		}
		r := s.crateS
		dcon := r * del / (1 - math.Min(r, 0.9))
		if dcon < cv.tq[4] {
			return nfSolved
		}

		m++
		if m == cv.opts.MaxNewton || (m >= 2 && del > rdiv*delp) {
			return nfConvRecvr
		}
		delp = del

		if ret := s.rhs(cv, cv.tn, cv.y, cv.ftemp, s.yS, s.ftempS); ret != 0 {
			if ret > 0 {
				return nfRhsRecvr
			}
			return nfRhsFail
		}
	}
}

// stgrSolve runs the staggered corrector over all sensitivities (is < 0)
// or over the single sensitivity is. The state Jacobian is reused; a
// recoverable failure with stale data forces one setup and a retry.
func (s *cvSensState) stgrSolve(cv *CVODE, is int) int {
	callSetup := false
	for {
		if is < 0 {
			s.prepFunctional(cv)
			if ret := s.rhs(cv, cv.tn, cv.y, cv.ftemp, s.yS, s.ftempS); ret != 0 {
				if ret > 0 {
					return nfRhsRecvr
				}
				return nfRhsFail
			}
		} else {
			copy(s.yS[is], s.znS[0][is])
			constVec(0, s.acorS[is])
			if ret := s.rhs1(cv, cv.tn, cv.y, cv.ftemp, is, s.yS[is], s.ftempS[is]); ret != 0 {
				if ret > 0 {
					return nfRhsRecvr
				}
				return nfRhsFail
			}
		}

		if callSetup {
			jcur, flag := cv.ls.Setup(cv, FailBadJ, cv.y, cv.ftemp, cv.tempv, s.tmpy, s.tmpf)
			cv.stats.SensSetups++
			cv.jcur = jcur
			cv.gammap = cv.gamma
			cv.gamrat = 1
			s.crateS = 1
			if flag < 0 {
				return nfSetupFail
			}
			if flag > 0 {
				return nfConvRecvr
			}
		}

		flag := s.stgrNewtonIter(cv, is)
		if flag == tryAgain && cv.setupNonNull && !callSetup {
			callSetup = true
			continue
		}
		if flag == tryAgain {
			return nfConvRecvr
		}
		return flag
	}
}

func (s *cvSensState) stgrNewtonIter(cv *CVODE, is int) int {
	m := 0
	delp := 0.0
	lo, hi := 0, s.ns
	if is >= 0 {
		lo, hi = is, is+1
	}
	for {
		cv.stats.SensNewton++
		if is >= 0 {
			s.counters[is].NewtonIters++
		}

		del := 0.0
		for j := lo; j < hi; j++ {
			b := s.tempvS[j]
			linearSum(cv.rl1, s.znS[1][j], 1, s.acorS[j], b)
			linearSum(cv.gamma, s.ftempS[j], -1, b, b)
			ret := cv.ls.SolveSens(cv, b, cv.y, cv.ftemp, j)
			if ret < 0 {
				return nfSolveFail
			}
			if ret > 0 {
				if !cv.jcur {
					return tryAgain
				}
				return nfConvRecvr
			}
			if d := wrmsNorm(b, s.ewtS[j]); d > del {
				del = d
			}
			linearSum(1, s.acorS[j], 1, b, s.acorS[j])
			linearSum(1, s.znS[0][j], 1, s.acorS[j], s.yS[j])
		}

		if m > 0 {
			s.crateS = math.Max(crdown*s.crateS, del/delp)
		}
		r := s.crateS
		dcon := r * del / (1 - math.Min(r, 0.9))
		if dcon < cv.tq[4] {
			return nfSolved
		}

		m++
		if m == cv.opts.MaxNewton || (m >= 2 && del > rdiv*delp) {
			if !cv.jcur && cv.setupNonNull {
				return tryAgain
			}
			return nfConvRecvr
		}
		delp = del

		var ret int
		if is < 0 {
			ret = s.rhs(cv, cv.tn, cv.y, cv.ftemp, s.yS, s.ftempS)
		} else {
			ret = s.rhs1(cv, cv.tn, cv.y, cv.ftemp, is, s.yS[is], s.ftempS[is])
		}
		if ret != 0 {
			if ret > 0 {
				return nfRhsRecvr
			}
			return nfRhsFail
		}
	}
}
