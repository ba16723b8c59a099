package sundials

import "math"

// Newton and controller constants for the DAE core.
const (
	xrate    = 0.25 // cj ratio window outside which a setup is forced
	rateMax  = 0.9  // Newton divergence threshold
	ssFresh  = 20.0 // ss value after a Jacobian refresh
	ssNewCj  = 100.0
	idaLower = 1 // completeStep order actions
	idaRaise = 2
	idaMaint = 3
)

// step performs one internal step from tn to tn + hh, with retries on
// recoverable failures.
func (da *IDA) step() Status {
	savedT := da.tn
	ncf, nef := 0, 0

	if da.stats.Steps == 0 {
		da.kk = 1
		da.kused = 0
		da.hused = 0
		da.psi[0] = da.hh
		da.cj = 1 / da.hh
		da.phase = 0
		da.ns = 0
	}

	var errK, errKm1 float64

	for {
		ck := da.setCoeffs()

		nflag := da.nls()
		if nflag == nfSolved {
			var est float64
			nflag, est, errK, errKm1 = da.testError(ck)
			da.lastEst = est
		}

		if nflag != nfSolved {
			da.restore(savedT)
			kflag, st := da.handleNFlag(nflag, &ncf, &nef)
			if st != Success {
				return st
			}
			_ = kflag
			if da.stats.Steps == 0 {
				da.resetFirst()
			}
			continue
		}

		// Advance quadrature variables at the accepted state.
		if da.quad != nil {
			nflag = da.quadAdvance(ck, &errK, &errKm1)
			if nflag != nfSolved {
				da.restore(savedT)
				_, st := da.handleNFlag(nflag, &ncf, &nef)
				if st != Success {
					return st
				}
				if da.stats.Steps == 0 {
					da.resetFirst()
				}
				continue
			}
		}

		// Advance sensitivities under the staggered strategies.
		if da.sens != nil && da.sens.ism != Simultaneous {
			nflag = da.sens.staggeredAdvance(da, ck, &errK, &errKm1)
			if nflag != nfSolved {
				da.restore(savedT)
				_, st := da.handleNFlag(nflag, &ncf, &nef)
				if st != Success {
					return st
				}
				if da.stats.Steps == 0 {
					da.resetFirst()
				}
				continue
			}
		}

		break
	}

	da.completeStep(errK, errKm1)
	return Success
}

// setCoeffs computes the step coefficients from the psi history. ns counts
// consecutive steps at constant order and step size, capped at kused+2;
// beyond it the leading coefficients need no reset.
func (da *IDA) setCoeffs() float64 {
	if da.hh != da.hused || da.kk != da.kused {
		da.ns = 0
	}
	da.ns = minInt(da.ns+1, da.kused+2)
	if da.kk+1 >= da.ns {
		da.beta[0] = 1
		da.alpha[0] = 1
		temp1 := da.hh
		da.gam[0] = 0
		da.sigma[0] = 1
		for i := 1; i <= da.kk; i++ {
			temp2 := da.psi[i-1]
			da.psi[i-1] = temp1
			da.beta[i] = da.beta[i-1] * da.psi[i-1] / temp2
			temp1 = temp2 + da.hh
			da.alpha[i] = da.hh / temp1
			da.sigma[i] = float64(i) * da.sigma[i-1] * da.alpha[i]
			da.gam[i] = da.gam[i-1] + da.alpha[i-1]/da.hh
		}
		da.psi[da.kk] = temp1
	}

	var alphas, alpha0 float64
	for i := 0; i < da.kk; i++ {
		alphas -= 1 / float64(i+1)
		alpha0 -= da.alpha[i]
	}

	da.cjlast = da.cj
	da.cj = -alphas / da.hh

	ck := math.Abs(da.alpha[da.kk] + alphas - alpha0)
	ck = math.Max(ck, da.alpha[da.kk])

	// Change phi to phi-star.
	for i := da.ns; i <= da.kk; i++ {
		scaleInPlace(da.beta[i], da.phi[i])
	}
	if da.quad != nil {
		for i := da.ns; i <= da.kk; i++ {
			scaleInPlace(da.beta[i], da.quad.phiQ[i])
		}
	}
	if da.sens != nil {
		for is := 0; is < da.sens.ns; is++ {
			for i := da.ns; i <= da.kk; i++ {
				scaleInPlace(da.beta[i], da.sens.phiS[i][is])
			}
		}
	}

	da.tn += da.hh
	return ck
}

// predict loads the predicted yy and yp from the history.
func (da *IDA) predict() {
	copy(da.yy, da.phi[0])
	constVec(0, da.yp)
	for j := 1; j <= da.kk; j++ {
		linearSum(1, da.phi[j], 1, da.yy, da.yy)
		linearSum(da.gam[j], da.phi[j], 1, da.yp, da.yp)
	}
}

// setSS resets the Newton convergence scalars after a Jacobian refresh or
// a cj change.
func (da *IDA) setSS(value float64) {
	da.ss = value
	if da.sens == nil {
		return
	}
	switch da.sens.ism {
	case Staggered:
		da.sens.ssS = value
	case Staggered1:
		for is := range da.sens.ssS1 {
			da.sens.ssS1[is] = value
		}
	}
}

// nls solves the nonlinear system for the states (and the sensitivities
// under the Simultaneous strategy), then enforces the optional inequality
// constraints.
func (da *IDA) nls() int {
	sensSim := da.sens != nil && da.sens.ism == Simultaneous

	callSetup := false
	if da.stats.Steps == 0 {
		da.cjold = da.cj
		da.setSS(ssFresh)
		if da.setupNonNull {
			callSetup = true
		}
	}

	if da.setupNonNull {
		da.cjratio = da.cj / da.cjold
		temp1 := (1 - xrate) / (1 + xrate)
		temp2 := 1 / temp1
		if da.cjratio < temp1 || da.cjratio > temp2 {
			callSetup = true
		}
		if da.forceSetup {
			callSetup = true
		}
		if da.cj != da.cjlast {
			da.setSS(ssNewCj)
		}
	}

	// The loop runs at most twice; the second pass only after a
	// recoverable failure with old Jacobian data.
	var retval int
	for {
		da.predict()
		retval = da.res(da.tn, da.yy, da.yp, da.delta)
		da.stats.RhsEvals++
		if retval != 0 {
			break
		}

		if sensSim {
			for is := 0; is < da.sens.ns; is++ {
				da.sens.predict(da, is, da.sens.yyS[is], da.sens.ypS[is])
			}
			retval = da.sens.resAll(da, da.tn, da.yy, da.yp, da.delta, da.sens.yyS, da.sens.ypS, da.sens.deltaS)
			if retval != 0 {
				break
			}
		}

		if callSetup {
			retval = da.ls.Setup(da, da.yy, da.yp, da.delta, da.tempv1, da.tempv2, da.ee)
			da.stats.LinSetups++
			da.forceSetup = false
			da.cjold = da.cj
			da.cjratio = 1
			da.setSS(ssFresh)
			if retval < 0 {
				return nfSetupFail
			}
			if retval > 0 {
				return nfConvRecvr
			}
		}

		retval = da.newtonIter(sensSim)

		if retval > 0 && da.setupNonNull && !callSetup {
			callSetup = true
			continue
		}
		break
	}

	if retval != 0 {
		return da.mapResFlag(retval)
	}

	return da.checkConstraints()
}

// mapResFlag converts a residual/linear-solver return into a corrector
// outcome flag.
func (da *IDA) mapResFlag(retval int) int {
	switch {
	case retval == 0:
		return nfSolved
	case retval > 0:
		if retval == nfConvRecvr || retval == nfRhsRecvr || retval == nfConstrRecvr {
			return retval
		}
		return nfRhsRecvr
	default:
		if retval == nfSolveFail || retval == nfSetupFail {
			return retval
		}
		return nfRhsFail
	}
}

// newtonIter runs the Newton iteration; delta holds the residual at the
// predictor on entry.
func (da *IDA) newtonIter(sensSim bool) int {
	mnewt := 0
	var oldnrm float64
	constVec(0, da.ee)
	if sensSim {
		da.sens.zeroEE()
	}

	for {
		da.stats.NewtonIters++

		copy(da.savres, da.delta)

		retval := da.ls.Solve(da, da.delta, da.ewt, da.yy, da.yp, da.savres)
		if retval < 0 {
			return nfSolveFail
		}
		if retval > 0 {
			return nfConvRecvr
		}

		if sensSim {
			for is := 0; is < da.sens.ns; is++ {
				retval = da.ls.Solve(da, da.sens.deltaS[is], da.sens.ewtS[is], da.yy, da.yp, da.savres)
				if retval < 0 {
					return nfSolveFail
				}
				if retval > 0 {
					return nfConvRecvr
				}
			}
		}

		linearSum(1, da.yy, -1, da.delta, da.yy)
		linearSum(1, da.ee, -1, da.delta, da.ee)
		linearSum(1, da.yp, -da.cj, da.delta, da.yp)
		delnrm := da.wrmsNls(da.delta, da.ewt)

		if sensSim {
			for is := 0; is < da.sens.ns; is++ {
				linearSum(1, da.sens.eeS[is], -1, da.sens.deltaS[is], da.sens.eeS[is])
				linearSum(1, da.sens.yyS[is], -1, da.sens.deltaS[is], da.sens.yyS[is])
				linearSum(1, da.sens.ypS[is], -da.cj, da.sens.deltaS[is], da.sens.ypS[is])
			}
			delnrm = math.Max(delnrm, da.sens.maxWrmsNls(da.sens.deltaS, da.sens.ewtS))
		}

		if mnewt == 0 {
			oldnrm = delnrm
			if delnrm <= da.toldel {
				return nfSolved
			}
		} else {
			rate := math.Pow(delnrm/oldnrm, 1/float64(mnewt))
			if rate > rateMax {
				return nfConvRecvr
			}
			da.ss = rate / (1 - rate)
		}

		if da.ss*delnrm <= da.epsNewt {
			return nfSolved
		}

		mnewt++
		if mnewt >= maxNewtonIDA {
			return nfConvRecvr
		}

		retval = da.res(da.tn, da.yy, da.yp, da.delta)
		da.stats.RhsEvals++
		if retval < 0 {
			return nfRhsFail
		}
		if retval > 0 {
			return nfRhsRecvr
		}

		if sensSim {
			retval = da.sens.resAll(da, da.tn, da.yy, da.yp, da.delta, da.sens.yyS, da.sens.ypS, da.sens.deltaS)
			if retval < 0 {
				return nfRhsFail
			}
			if retval > 0 {
				return nfRhsRecvr
			}
		}
	}
}

// checkConstraints enforces the optional inequality constraints after a
// converged Newton iteration, following the retry-ratio formula of the
// nonlinear solver.
func (da *IDA) checkConstraints() int {
	if da.constraints == nil {
		return nfSolved
	}
	if constrMask(da.constraints, da.yy, da.constraintMask) {
		return nfSolved
	}
	t := da.tempv1
	for i := range t {
		a := 0.0
		if math.Abs(da.constraints[i]) > 1.5 {
			a = 1
		}
		t[i] = a * da.constraints[i] / da.ewt[i]
	}
	linearSum(1, da.yy, -0.1, t, t)
	prodVec(da.constraintMask, t, t)
	vnorm := da.wrmsNls(t, da.ewt)
	if vnorm <= da.epsNewt {
		linearSum(1, da.ee, -1, t, da.ee)
		linearSum(1, da.yy, -1, t, da.yy)
		return nfSolved
	}
	linearSum(1, da.phi[0], -1, da.yy, t)
	prodVec(da.constraintMask, t, t)
	da.rr = 0.9 * minQuotient(da.phi[0], t)
	da.rr = math.Max(da.rr, 0.1)
	return nfConstrRecvr
}

// testError estimates the errors at orders k, k-1, k-2, decides whether to
// reduce the order, and performs the local error test.
func (da *IDA) testError(ck float64) (nflag int, est, errK, errKm1 float64) {
	sensSim := da.sens != nil && da.sens.ism == Simultaneous && da.sens.errcon == ErrConFull

	enormK := da.wrms(da.ee, da.ewt)
	if sensSim {
		enormK = math.Max(enormK, da.sens.maxWrms(da, da.sens.eeS, da.sens.ewtS))
	}
	erk := da.sigma[da.kk] * enormK
	terk := float64(da.kk+1) * erk

	da.knew = da.kk
	est = erk
	errK = erk

	if da.kk > 1 {
		linearSum(1, da.phi[da.kk], 1, da.ee, da.delta)
		enormKm1 := da.wrms(da.delta, da.ewt)
		if sensSim {
			for is := 0; is < da.sens.ns; is++ {
				linearSum(1, da.sens.phiS[da.kk][is], 1, da.sens.eeS[is], da.sens.deltaS[is])
			}
			enormKm1 = math.Max(enormKm1, da.sens.maxWrms(da, da.sens.deltaS, da.sens.ewtS))
		}
		erkm1 := da.sigma[da.kk-1] * enormKm1
		terkm1 := float64(da.kk) * erkm1
		errKm1 = erkm1

		if da.kk == 2 && terkm1 <= 0.5*terk {
			da.knew = da.kk - 1
			est = erkm1
		}

		if da.kk > 2 {
			linearSum(1, da.phi[da.kk-1], 1, da.delta, da.delta)
			enormKm2 := da.wrms(da.delta, da.ewt)
			if sensSim {
				for is := 0; is < da.sens.ns; is++ {
					linearSum(1, da.sens.phiS[da.kk-1][is], 1, da.sens.deltaS[is], da.sens.deltaS[is])
				}
				enormKm2 = math.Max(enormKm2, da.sens.maxWrms(da, da.sens.deltaS, da.sens.ewtS))
			}
			erkm2 := da.sigma[da.kk-2] * enormKm2
			terkm2 := float64(da.kk-1) * erkm2
			if math.Max(terkm1, terkm2) <= terk {
				da.knew = da.kk - 1
				est = erkm1
			}
		}
	}

	if ck*enormK > 1 {
		return nfErrTestFail, est, errK, errKm1
	}
	return nfSolved, est, errK, errKm1
}

// quadAdvance predicts and corrects the quadrature variables and runs
// their error test when enabled.
func (da *IDA) quadAdvance(ck float64, errK, errKm1 *float64) int {
	q := da.quad

	copy(q.yyQ, q.phiQ[0])
	constVec(0, q.ypQ)
	for j := 1; j <= da.kk; j++ {
		linearSum(1, q.phiQ[j], 1, q.yyQ, q.yyQ)
		linearSum(da.gam[j], q.phiQ[j], 1, q.ypQ, q.ypQ)
	}

	ret := q.rhsQ(da.tn, da.yy, q.eeQ)
	da.stats.QuadRhsEvals++
	if ret < 0 {
		return nfRhsFail
	}
	if ret > 0 {
		return nfRhsRecvr
	}
	linearSum(1, q.eeQ, -1, q.ypQ, q.eeQ)
	scaleInPlace(1/da.cj, q.eeQ)
	linearSum(1, q.yyQ, 1, q.eeQ, q.yyQ)

	if q.errcon != ErrConFull {
		return nfSolved
	}

	enormQ := wrmsNorm(q.eeQ, q.ewtQ)
	erQk := da.sigma[da.kk] * enormQ
	terQk := float64(da.kk+1) * erQk
	if erQk > *errK {
		*errK = erQk
	}

	if da.kk > 1 {
		linearSum(1, q.phiQ[da.kk], 1, q.eeQ, q.ypQ)
		erQkm1 := da.sigma[da.kk-1] * wrmsNorm(q.ypQ, q.ewtQ)
		terQkm1 := float64(da.kk) * erQkm1
		if erQkm1 > *errKm1 {
			*errKm1 = erQkm1
		}

		if da.knew == da.kk {
			if da.kk == 2 && terQkm1 <= 0.5*terQk {
				da.knew = da.kk - 1
			}
			if da.kk > 2 {
				linearSum(1, q.phiQ[da.kk-1], 1, q.ypQ, q.ypQ)
				erQkm2 := da.sigma[da.kk-2] * wrmsNorm(q.ypQ, q.ewtQ)
				terQkm2 := float64(da.kk-1) * erQkm2
				if math.Max(terQkm1, terQkm2) <= terQk {
					da.knew = da.kk - 1
				}
			}
		}
	}

	if ck*enormQ > 1 {
		da.stats.QuadErrFails++
		da.lastEst = erQk
		return nfErrTestFail
	}
	return nfSolved
}

// restore puts tn, psi, and phi back to their pre-step values, undoing the
// phi-star scaling applied by setCoeffs.
func (da *IDA) restore(savedT float64) {
	da.tn = savedT
	for j := 1; j <= da.kk; j++ {
		da.psi[j-1] = da.psi[j] - da.hh
	}
	for j := da.ns; j <= da.kk; j++ {
		scaleInPlace(1/da.beta[j], da.phi[j])
	}
	if da.quad != nil {
		for j := da.ns; j <= da.kk; j++ {
			scaleInPlace(1/da.beta[j], da.quad.phiQ[j])
		}
	}
	if da.sens != nil {
		for is := 0; is < da.sens.ns; is++ {
			for j := da.ns; j <= da.kk; j++ {
				scaleInPlace(1/da.beta[j], da.sens.phiS[j][is])
			}
		}
	}
}

// resetFirst resets phi[1] and psi[0] when the very first step must be
// retried with a reduced hh.
func (da *IDA) resetFirst() {
	da.psi[0] = da.hh
	scaleInPlace(da.rr, da.phi[1])
	if da.quad != nil {
		scaleInPlace(da.rr, da.quad.phiQ[1])
	}
	if da.sens != nil {
		for is := 0; is < da.sens.ns; is++ {
			scaleInPlace(da.rr, da.sens.phiS[1][is])
		}
	}
}

// handleNFlag adjusts step size and order on recoverable failures and
// escalates the rest. On a scheduled retry it returns Success with the
// state restored and hh reduced.
func (da *IDA) handleNFlag(nflag int, ncf, nef *int) (int, Status) {
	da.phase = 1

	if nflag != nfErrTestFail {
		da.stats.ConvFails++

		switch nflag {
		case nfSetupFail:
			return 0, ErrSetupFail
		case nfSolveFail:
			return 0, ErrSolveFail
		case nfRhsFail:
			return 0, ErrRhsFail
		}

		*ncf++
		if nflag != nfConstrRecvr {
			da.rr = 0.25
		}
		da.hh *= da.rr

		if *ncf < mxncf && (da.hmin == 0 || math.Abs(da.hh) >= da.hmin*onepsm) {
			return kfPredictAgain, Success
		}
		switch nflag {
		case nfRhsRecvr:
			return 0, ErrRepRhs
		case nfConstrRecvr:
			return 0, ErrConstrFail
		default:
			return 0, ErrConvFailure
		}
	}

	// Error test failed.
	*nef++
	da.stats.ErrTestFails++

	switch {
	case *nef == 1:
		// Lower the order if so decided; set the new step from the error
		// estimate of the surviving order.
		da.kk = da.knew
		est := da.lastEst
		da.rr = 0.9 * math.Pow(2*est+0.0001, -1/float64(da.kk+1))
		da.rr = math.Max(0.25, math.Min(0.9, da.rr))
		da.hh *= da.rr
		return kfPredictAgain, Success
	case *nef == 2:
		da.kk = da.knew
		da.rr = 0.25
		da.hh *= da.rr
		return kfPredictAgain, Success
	case *nef < mxnef:
		da.kk = 1
		da.rr = 0.25
		da.hh *= da.rr
		return kfPredictAgain, Success
	}
	return 0, ErrErrFailure
}

// completeStep commits a successful step: counters, the order decision for
// the next step, and the phi update.
func (da *IDA) completeStep(errK, errKm1 float64) {
	da.stats.Steps++
	kdiff := da.kk - da.kused
	da.kused = da.kk
	da.hused = da.hh

	if da.knew == da.kk-1 || da.kk == da.maxord {
		da.phase = 1
	}

	if da.phase == 0 {
		if da.stats.Steps > 1 {
			da.kk++
			da.hh *= 2
			if temp := math.Abs(da.hh) * da.hmaxInv; temp > 1 {
				da.hh /= temp
			}
		}
	} else {
		action := 0

		switch {
		case da.knew == da.kk-1:
			action = idaLower
		case da.kk == da.maxord:
			action = idaMaint
		case da.kk+1 >= da.ns || kdiff == 1:
			action = idaMaint
		}

		var errKp1 float64
		if action == 0 {
			// Estimate the error at order k+1.
			linearSum(1, da.ee, -1, da.phi[da.kk+1], da.tempv1)
			temp := da.wrms(da.tempv1, da.ewt)
			errKp1 = temp / float64(da.kk+2)
			if da.quad != nil && da.quad.errcon == ErrConFull {
				linearSum(1, da.quad.eeQ, -1, da.quad.phiQ[da.kk+1], da.quad.ypQ)
				erQ := wrmsNorm(da.quad.ypQ, da.quad.ewtQ) / float64(da.kk+2)
				if erQ > errKp1 {
					errKp1 = erQ
				}
			}
			if da.sens != nil && da.sens.errcon == ErrConFull {
				for is := 0; is < da.sens.ns; is++ {
					linearSum(1, da.sens.eeS[is], -1, da.sens.phiS[da.kk+1][is], da.tempv1)
					erS := da.wrms(da.tempv1, da.sens.ewtS[is]) / float64(da.kk+2)
					if erS > errKp1 {
						errKp1 = erS
					}
				}
			}

			terk := float64(da.kk+1) * errK
			terkp1 := float64(da.kk+2) * errKp1
			if da.kk == 1 {
				if terkp1 >= 0.5*terk {
					action = idaMaint
				} else {
					action = idaRaise
				}
			} else {
				terkm1 := float64(da.kk) * errKm1
				if terkm1 <= math.Min(terk, terkp1) {
					action = idaLower
				} else if terkp1 >= terk {
					action = idaMaint
				} else {
					action = idaRaise
				}
			}
		}

		var est float64
		switch action {
		case idaRaise:
			da.kk++
			est = errKp1
		case idaLower:
			da.kk--
			est = errKm1
		default:
			est = errK
		}
		da.lastEst = est

		// rr is the tentative ratio hnew/hh: keep hh for 1 < rr < 2, double
		// it for rr >= 2, and for rr <= 1 reduce it by rr restricted to
		// [0.5, 0.9].
		hnew := da.hh
		da.rr = math.Pow(2*est+0.0001, -1/float64(da.kk+1))
		if da.rr >= 2 {
			hnew = 2 * da.hh
			if temp := math.Abs(hnew) * da.hmaxInv; temp > 1 {
				hnew /= temp
			}
		} else if da.rr <= 1 {
			da.rr = math.Max(0.5, math.Min(0.9, da.rr))
			hnew = da.hh * da.rr
		}
		da.hh = hnew
	}

	// Save ee for a possible order increase on the next step.
	if da.kused < da.maxord {
		copy(da.phi[da.kused+1], da.ee)
		if da.quad != nil && da.quad.errcon == ErrConFull {
			copy(da.quad.phiQ[da.kused+1], da.quad.eeQ)
		}
		if da.sens != nil && da.sens.errcon == ErrConFull {
			for is := 0; is < da.sens.ns; is++ {
				copy(da.sens.phiS[da.kused+1][is], da.sens.eeS[is])
			}
		}
	}

	// Update the phi arrays.
	linearSum(1, da.ee, 1, da.phi[da.kused], da.phi[da.kused])
	for j := da.kused - 1; j >= 0; j-- {
		linearSum(1, da.phi[j], 1, da.phi[j+1], da.phi[j])
	}
	if da.quad != nil {
		linearSum(1, da.quad.eeQ, 1, da.quad.phiQ[da.kused], da.quad.phiQ[da.kused])
		for j := da.kused - 1; j >= 0; j-- {
			linearSum(1, da.quad.phiQ[j], 1, da.quad.phiQ[j+1], da.quad.phiQ[j])
		}
	}
	if da.sens != nil {
		for is := 0; is < da.sens.ns; is++ {
			linearSum(1, da.sens.eeS[is], 1, da.sens.phiS[da.kused][is], da.sens.phiS[da.kused][is])
			for j := da.kused - 1; j >= 0; j-- {
				linearSum(1, da.sens.phiS[j][is], 1, da.sens.phiS[j+1][is], da.sens.phiS[j][is])
			}
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
