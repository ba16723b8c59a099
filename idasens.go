package sundials

import "math"

// idaSensState is the sensitivity substate of an IDA integrator.
type idaSensState struct {
	ns  int
	ism SensMethod

	p     []float64
	pbar  []float64
	plist []int

	resS  SensRhsFunc
	resS1 SensRhs1Func
	resDQ bool

	rhomax float64
	errcon ErrCon

	reltolS float64
	abstolS []float64

	phiS [][][]float64 // [row][is][component]

	ewtS   [][]float64
	yyS    [][]float64
	ypS    [][]float64
	deltaS [][]float64
	eeS    [][]float64

	yyS1, ypS1, deltaS1 []float64

	tmpS1, tmpS2, tmpS3 []float64

	ssS  float64
	ssS1 []float64

	counters []SensCounters
}

// SensInit adds forward sensitivity analysis to the DAE integrator. The
// arguments follow CVODE.SensInit; yS0 and ypS0 hold the ns initial
// sensitivity values and derivatives.
func (da *IDA) SensInit(ns int, ism SensMethod, p, pbar []float64, plist []int, yS0, ypS0 [][]float64) Status {
	if da.freed || ns <= 0 || len(yS0) != ns || len(ypS0) != ns {
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
	for is := 0; is < ns; is++ {
		if len(yS0[is]) != da.n || len(ypS0[is]) != da.n {
			return ErrIllInput
		}
	}
	if pbar != nil {
		if len(pbar) != ns {
			return ErrIllInput
		}
		for _, b := range pbar {
			if b == 0 {
				return ErrIllInput
			}
		}
	}

	s := &idaSensState{
		ns:     ns,
		ism:    ism,
		p:      p,
		plist:  plist,
		resDQ:  true,
		errcon: ErrConFull,
	}
	if pbar == nil {
		s.pbar = make([]float64, ns)
		for i := range s.pbar {
			s.pbar[i] = 1
		}
	} else {
		s.pbar = cloneVec(pbar)
	}

	s.reltolS = da.reltol
	s.abstolS = make([]float64, ns)
	for is := 0; is < ns; is++ {
		s.abstolS[is] = da.abstol[0] / math.Abs(s.pbar[is])
	}

	s.phiS = make([][][]float64, da.maxord+1)
	for j := range s.phiS {
		s.phiS[j] = makeVecs(ns, da.n)
	}
	for is := 0; is < ns; is++ {
		copy(s.phiS[0][is], yS0[is])
		copy(s.phiS[1][is], ypS0[is])
	}
	s.ewtS = makeVecs(ns, da.n)
	s.yyS = makeVecs(ns, da.n)
	s.ypS = makeVecs(ns, da.n)
	s.deltaS = makeVecs(ns, da.n)
	s.eeS = makeVecs(ns, da.n)
	s.yyS1 = newVec(da.n)
	s.ypS1 = newVec(da.n)
	s.deltaS1 = newVec(da.n)
	s.tmpS1 = newVec(da.n)
	s.tmpS2 = newVec(da.n)
	s.tmpS3 = newVec(da.n)
	s.ssS1 = make([]float64, ns)
	s.counters = make([]SensCounters, ns)

	da.sens = s
	return Success
}

// SetSensResidual supplies a batch sensitivity residual, clearing the
// difference-quotient default.
func (da *IDA) SetSensResidual(resS SensRhsFunc) Status {
	if da.sens == nil {
		return ErrNoSens
	}
	da.sens.resS = resS
	da.sens.resS1 = nil
	da.sens.resDQ = resS == nil
	return Success
}

// SetSensResidual1 supplies a one-at-a-time sensitivity residual.
func (da *IDA) SetSensResidual1(resS1 SensRhs1Func) Status {
	if da.sens == nil {
		return ErrNoSens
	}
	da.sens.resS1 = resS1
	da.sens.resS = nil
	da.sens.resDQ = resS1 == nil
	return Success
}

// SetSensErrCon chooses whether sensitivities enter the local error test.
func (da *IDA) SetSensErrCon(errcon ErrCon) Status {
	if da.sens == nil {
		return ErrNoSens
	}
	da.sens.errcon = errcon
	return Success
}

// SetSensDQRhoMax tunes the difference-quotient scheme selection.
func (da *IDA) SetSensDQRhoMax(rhomax float64) Status {
	if da.sens == nil {
		return ErrNoSens
	}
	da.sens.rhomax = rhomax
	return Success
}

// SensCounters1 returns the per-sensitivity counters gathered under the
// Staggered1 strategy.
func (da *IDA) SensCounters1() ([]SensCounters, Status) {
	if da.sens == nil {
		return nil, ErrNoSens
	}
	out := make([]SensCounters, da.sens.ns)
	copy(out, da.sens.counters)
	return out, Success
}

// GetSens interpolates the sensitivities to t.
func (da *IDA) GetSens(t float64, yS [][]float64) Status {
	if da.sens == nil {
		return ErrNoSens
	}
	if len(yS) != da.sens.ns {
		return ErrIllInput
	}
	for is := range yS {
		if st := da.GetSens1(t, is, yS[is]); st != Success {
			return st
		}
	}
	return Success
}

// GetSens1 interpolates sensitivity is to t.
func (da *IDA) GetSens1(t float64, is int, yS []float64) Status {
	s := da.sens
	if s == nil {
		return ErrNoSens
	}
	if is < 0 || is >= s.ns {
		return ErrIllInput
	}
	if yS == nil || len(yS) != da.n {
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

	copy(yS, s.phiS[0][is])
	kord := da.kused
	if da.kused == 0 {
		kord = 1
	}
	delt := t - da.tn
	c := 1.0
	gam := delt / da.psi[0]
	for j := 1; j <= kord; j++ {
		c = c * gam
		gam = (delt + da.psi[j-1]) / da.psi[j]
		linearSum(1, yS, c, s.phiS[j][is], yS)
	}
	return Success
}

func (s *idaSensState) reset() {
	s.ssS = 0
	for i := range s.ssS1 {
		s.ssS1[i] = 0
	}
	s.counters = make([]SensCounters, s.ns)
}

func (s *idaSensState) ewtSetAll(da *IDA) bool {
	for is := 0; is < s.ns; is++ {
		if !ewtSet(ScalarTol, s.reltolS, s.abstolS[is:is+1], s.phiS[0][is], s.ewtS[is]) {
			return false
		}
	}
	return true
}

func (s *idaSensState) maxWrms(da *IDA, xS, wS [][]float64) float64 {
	nrm := 0.0
	for is := 0; is < s.ns; is++ {
		if n := da.wrms(xS[is], wS[is]); n > nrm {
			nrm = n
		}
	}
	return nrm
}

func (s *idaSensState) maxWrmsNls(xS, wS [][]float64) float64 {
	nrm := 0.0
	for is := 0; is < s.ns; is++ {
		if n := wrmsNorm(xS[is], wS[is]); n > nrm {
			nrm = n
		}
	}
	return nrm
}

func (s *idaSensState) zeroEE() {
	for is := 0; is < s.ns; is++ {
		constVec(0, s.eeS[is])
	}
}

// predict loads the predicted values for sensitivity is.
func (s *idaSensState) predict(da *IDA, is int, yySens, ypSens []float64) {
	copy(yySens, s.phiS[0][is])
	constVec(0, ypSens)
	for j := 1; j <= da.kk; j++ {
		linearSum(1, s.phiS[j][is], 1, yySens, yySens)
		linearSum(da.gam[j], s.phiS[j][is], 1, ypSens, ypSens)
	}
}

// resAll evaluates all sensitivity residuals, through the batch callback,
// the one-at-a-time callback, or the difference-quotient fallback.
func (s *idaSensState) resAll(da *IDA, t float64, yy, yp, resval []float64, yyS, ypS, resS [][]float64) int {
	if s.resS != nil {
		da.stats.SensRhsEvals++
		return s.resS(s.ns, t, yy, yp, yyS, resS, s.tmpS1, s.tmpS2)
	}
	for is := 0; is < s.ns; is++ {
		ret := s.res1(da, t, yy, yp, resval, is, yyS[is], ypS[is], resS[is])
		if ret != 0 {
			return ret
		}
	}
	return 0
}

func (s *idaSensState) res1(da *IDA, t float64, yy, yp, resval []float64, is int, yySi, ypSi, resSi []float64) int {
	if s.resS1 != nil {
		da.stats.SensRhsEvals++
		return s.resS1(s.ns, t, yy, yp, is, yySi, resSi, s.tmpS1, s.tmpS2)
	}
	return s.res1DQ(da, t, yy, yp, resval, is, yySi, ypSi, resSi)
}

// res1DQ estimates the is-th sensitivity residual by finite differences of
// the DAE residual, perturbing y, y' and the parameter together or
// separately depending on the increment ratio against rhomax.
func (s *idaSensState) res1DQ(da *IDA, t float64, yy, yp, resval []float64, is int, yySi, ypSi, resSi []float64) int {
	del := math.Sqrt(math.Max(da.reltol, uround))
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
	norms := wrmsNorm(yySi, da.ewt) * pbari
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

	ytemp, yptemp, restemp := s.tmpS1, s.tmpS2, s.tmpS3
	call := func(y, yprime, out []float64) int {
		ret := da.res(t, y, yprime, out)
		da.stats.RhsEvals++
		da.stats.SensRhsEvals++
		return ret
	}

	switch method {
	case dqCentered1:
		d := math.Min(dely, delp)
		r2d := 0.5 / d
		linearSum(d, yySi, 1, yy, ytemp)
		linearSum(d, ypSi, 1, yp, yptemp)
		if !skipFP {
			s.p[which] = psave + d
		}
		if ret := call(ytemp, yptemp, resSi); ret != 0 {
			s.p[which] = psave
			return ret
		}
		linearSum(-d, yySi, 1, yy, ytemp)
		linearSum(-d, ypSi, 1, yp, yptemp)
		if !skipFP {
			s.p[which] = psave - d
		}
		if ret := call(ytemp, yptemp, restemp); ret != 0 {
			s.p[which] = psave
			return ret
		}
		linearSum(r2d, resSi, -r2d, restemp, resSi)

	case dqCentered2:
		r2delp := 0.5 / delp
		r2dely := 0.5 / dely
		linearSum(dely, yySi, 1, yy, ytemp)
		linearSum(dely, ypSi, 1, yp, yptemp)
		if ret := call(ytemp, yptemp, resSi); ret != 0 {
			return ret
		}
		linearSum(-dely, yySi, 1, yy, ytemp)
		linearSum(-dely, ypSi, 1, yp, yptemp)
		if ret := call(ytemp, yptemp, restemp); ret != 0 {
			return ret
		}
		linearSum(r2dely, resSi, -r2dely, restemp, resSi)
		if !skipFP {
			s.p[which] = psave + delp
			if ret := call(yy, yp, ytemp); ret != 0 {
				s.p[which] = psave
				return ret
			}
			s.p[which] = psave - delp
			if ret := call(yy, yp, yptemp); ret != 0 {
				s.p[which] = psave
				return ret
			}
			linearSum(r2delp, ytemp, -r2delp, yptemp, restemp)
			linearSum(1, resSi, 1, restemp, resSi)
		}

	case dqForward1:
		d := math.Min(dely, delp)
		rd := 1 / d
		linearSum(d, yySi, 1, yy, ytemp)
		linearSum(d, ypSi, 1, yp, yptemp)
		if !skipFP {
			s.p[which] = psave + d
		}
		if ret := call(ytemp, yptemp, resSi); ret != 0 {
			s.p[which] = psave
			return ret
		}
		linearSum(rd, resSi, -rd, resval, resSi)

	case dqForward2:
		linearSum(dely, yySi, 1, yy, ytemp)
		linearSum(dely, ypSi, 1, yp, yptemp)
		if ret := call(ytemp, yptemp, resSi); ret != 0 {
			return ret
		}
		linearSum(rdely, resSi, -rdely, resval, resSi)
		if !skipFP {
			s.p[which] = psave + delp
			if ret := call(yy, yp, restemp); ret != 0 {
				s.p[which] = psave
				return ret
			}
			linearSum(1/delp, restemp, -1/delp, resval, restemp)
			linearSum(1, resSi, 1, restemp, resSi)
		}
	}

	s.p[which] = psave
	return 0
}

// staggeredAdvance runs the staggered sensitivity correctors after the
// states and quadratures of the step have been accepted, then the
// sensitivity error test when enabled.
func (s *idaSensState) staggeredAdvance(da *IDA, ck float64, errK, errKm1 *float64) int {
	// Residual at the corrected state seeds the sensitivity residuals.
	if ret := da.res(da.tn, da.yy, da.yp, da.delta); ret != 0 {
		if ret > 0 {
			return nfRhsRecvr
		}
		return nfRhsFail
	}
	da.stats.RhsEvals++
	da.stats.SensRhsEvals++

	if s.ism == Staggered {
		if flag := s.stgrNls(da); flag != nfSolved {
			return flag
		}
		if s.errcon == ErrConFull {
			if flag := s.stgrTestError(da, ck, errK, errKm1); flag != nfSolved {
				return flag
			}
		}
		return nfSolved
	}

	for is := 0; is < s.ns; is++ {
		if flag := s.stgr1Nls(da, is); flag != nfSolved {
			return flag
		}
		if s.errcon == ErrConFull {
			if flag := s.stgr1TestError(da, is, ck, errK, errKm1); flag != nfSolved {
				return flag
			}
		}
	}
	return nfSolved
}

// stgrNls solves all sensitivity systems together with the cached state
// iteration matrix, retrying once with a fresh setup on a recoverable
// failure.
func (s *idaSensState) stgrNls(da *IDA) int {
	callSetup := false
	var retval int
	for {
		for is := 0; is < s.ns; is++ {
			s.predict(da, is, s.yyS[is], s.ypS[is])
		}
		retval = s.resAll(da, da.tn, da.yy, da.yp, da.delta, s.yyS, s.ypS, s.deltaS)
		if retval != 0 {
			break
		}

		if callSetup {
			retval = da.ls.Setup(da, da.yy, da.yp, da.delta, s.tmpS1, s.tmpS2, s.tmpS3)
			da.stats.SensSetups++
			da.cjold = da.cj
			da.cjratio = 1
			da.setSS(ssFresh)
			if retval != 0 {
				break
			}
		}

		retval = s.stgrNewtonIter(da)

		if retval > 0 && da.setupNonNull && !callSetup {
			callSetup = true
			continue
		}
		break
	}

	if retval != 0 {
		da.stats.SensConvFails++
		return da.mapResFlag(retval)
	}
	return nfSolved
}

func (s *idaSensState) stgrNewtonIter(da *IDA) int {
	mnewt := 0
	var oldnrm float64
	s.zeroEE()

	for {
		da.stats.SensNewton++

		for is := 0; is < s.ns; is++ {
			retval := da.ls.Solve(da, s.deltaS[is], s.ewtS[is], da.yy, da.yp, da.delta)
			if retval < 0 {
				return nfSolveFail
			}
			if retval > 0 {
				return nfConvRecvr
			}
			linearSum(1, s.eeS[is], -1, s.deltaS[is], s.eeS[is])
			linearSum(1, s.yyS[is], -1, s.deltaS[is], s.yyS[is])
			linearSum(1, s.ypS[is], -da.cj, s.deltaS[is], s.ypS[is])
		}

		delnrm := s.maxWrmsNls(s.deltaS, s.ewtS)

		if mnewt == 0 {
			if delnrm <= da.toldel {
				return nfSolved
			}
			oldnrm = delnrm
		} else {
			rate := math.Pow(delnrm/oldnrm, 1/float64(mnewt))
			if rate > rateMax {
				return nfConvRecvr
			}
			s.ssS = rate / (1 - rate)
		}

		if s.ssS*delnrm <= da.epsNewt {
			return nfSolved
		}

		mnewt++
		if mnewt >= maxNewtonIDA {
			return nfConvRecvr
		}

		retval := s.resAll(da, da.tn, da.yy, da.yp, da.delta, s.yyS, s.ypS, s.deltaS)
		if retval != 0 {
			return da.mapResFlag(retval)
		}
	}
}

// stgr1Nls solves the is-th sensitivity system on its own, with
// per-sensitivity diagnostics.
func (s *idaSensState) stgr1Nls(da *IDA, is int) int {
	callSetup := false
	var retval int
	for {
		s.predict(da, is, s.yyS1, s.ypS1)
		retval = s.res1(da, da.tn, da.yy, da.yp, da.delta, is, s.yyS1, s.ypS1, s.deltaS1)
		if retval != 0 {
			break
		}

		if callSetup {
			retval = da.ls.Setup(da, da.yy, da.yp, da.delta, s.tmpS1, s.tmpS2, s.tmpS3)
			da.stats.SensSetups++
			da.cjold = da.cj
			da.cjratio = 1
			da.setSS(ssFresh)
			if retval != 0 {
				break
			}
		}

		retval = s.stgr1NewtonIter(da, is)

		if retval > 0 && da.setupNonNull && !callSetup {
			callSetup = true
			continue
		}
		break
	}

	if retval != 0 {
		da.stats.SensConvFails++
		s.counters[is].ConvFails++
		return da.mapResFlag(retval)
	}

	// Keep the converged values for the error test and history update.
	copy(s.yyS[is], s.yyS1)
	copy(s.ypS[is], s.ypS1)
	return nfSolved
}

func (s *idaSensState) stgr1NewtonIter(da *IDA, is int) int {
	mnewt := 0
	var oldnrm float64
	constVec(0, s.eeS[is])

	for {
		da.stats.SensNewton++
		s.counters[is].NewtonIters++

		retval := da.ls.Solve(da, s.deltaS1, s.ewtS[is], da.yy, da.yp, da.delta)
		if retval < 0 {
			return nfSolveFail
		}
		if retval > 0 {
			return nfConvRecvr
		}

		linearSum(1, s.eeS[is], -1, s.deltaS1, s.eeS[is])
		linearSum(1, s.yyS1, -1, s.deltaS1, s.yyS1)
		linearSum(1, s.ypS1, -da.cj, s.deltaS1, s.ypS1)

		delnrm := wrmsNorm(s.deltaS1, s.ewtS[is])

		if mnewt == 0 {
			if delnrm <= da.toldel {
				return nfSolved
			}
			oldnrm = delnrm
		} else {
			rate := math.Pow(delnrm/oldnrm, 1/float64(mnewt))
			if rate > rateMax {
				return nfConvRecvr
			}
			s.ssS1[is] = rate / (1 - rate)
		}

		if s.ssS1[is]*delnrm <= da.epsNewt {
			return nfSolved
		}

		mnewt++
		if mnewt >= maxNewtonIDA {
			return nfConvRecvr
		}

		retval = s.res1(da, da.tn, da.yy, da.yp, da.delta, is, s.yyS1, s.ypS1, s.deltaS1)
		if retval != 0 {
			return da.mapResFlag(retval)
		}
	}
}

// stgrTestError runs the sensitivity error test over all sensitivities.
func (s *idaSensState) stgrTestError(da *IDA, ck float64, errK, errKm1 *float64) int {
	enormS := s.maxWrms(da, s.eeS, s.ewtS)
	erSk := da.sigma[da.kk] * enormS
	terSk := float64(da.kk+1) * erSk
	if erSk > *errK {
		*errK = erSk
	}

	if da.kk > 1 {
		for is := 0; is < s.ns; is++ {
			linearSum(1, s.phiS[da.kk][is], 1, s.eeS[is], s.deltaS[is])
		}
		erSkm1 := da.sigma[da.kk-1] * s.maxWrms(da, s.deltaS, s.ewtS)
		terSkm1 := float64(da.kk) * erSkm1
		if erSkm1 > *errKm1 {
			*errKm1 = erSkm1
		}

		if da.knew == da.kk {
			if da.kk == 2 && terSkm1 <= 0.5*terSk {
				da.knew = da.kk - 1
			}
			if da.kk > 2 {
				for is := 0; is < s.ns; is++ {
					linearSum(1, s.phiS[da.kk-1][is], 1, s.deltaS[is], s.deltaS[is])
				}
				erSkm2 := da.sigma[da.kk-2] * s.maxWrms(da, s.deltaS, s.ewtS)
				terSkm2 := float64(da.kk-1) * erSkm2
				if math.Max(terSkm1, terSkm2) <= terSk {
					da.knew = da.kk - 1
				}
			}
		}
	}

	if ck*enormS > 1 {
		da.stats.SensErrFails++
		da.lastEst = erSk
		return nfErrTestFail
	}
	return nfSolved
}

// stgr1TestError is the per-sensitivity error test of the Staggered1
// strategy.
func (s *idaSensState) stgr1TestError(da *IDA, is int, ck float64, errK, errKm1 *float64) int {
	enormS := da.wrms(s.eeS[is], s.ewtS[is])
	erSk := da.sigma[da.kk] * enormS
	terSk := float64(da.kk+1) * erSk
	if erSk > *errK {
		*errK = erSk
	}

	if da.kk > 1 {
		linearSum(1, s.phiS[da.kk][is], 1, s.eeS[is], s.deltaS1)
		erSkm1 := da.sigma[da.kk-1] * da.wrms(s.deltaS1, s.ewtS[is])
		terSkm1 := float64(da.kk) * erSkm1
		if erSkm1 > *errKm1 {
			*errKm1 = erSkm1
		}

		if da.knew == da.kk {
			if da.kk == 2 && terSkm1 <= 0.5*terSk {
				da.knew = da.kk - 1
			}
			if da.kk > 2 {
				linearSum(1, s.phiS[da.kk-1][is], 1, s.deltaS1, s.deltaS1)
				erSkm2 := da.sigma[da.kk-2] * da.wrms(s.deltaS1, s.ewtS[is])
				terSkm2 := float64(da.kk-1) * erSkm2
				if math.Max(terSkm1, terSkm2) <= terSk {
					da.knew = da.kk - 1
				}
			}
		}
	}

	if ck*enormS > 1 {
		da.stats.SensErrFails++
		s.counters[is].ErrTestFails++
		da.lastEst = erSk
		return nfErrTestFail
	}
	return nfSolved
}
