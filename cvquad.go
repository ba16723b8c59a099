package sundials

// cvQuadState is the quadrature substate of a CVODE integrator. It exists
// only after QuadInit. Quadrature variables obey q' = fQ(t, y); they never
// enter the nonlinear system and receive a single explicit correction per
// accepted step.
type cvQuadState struct {
	fQ QuadRhsFunc
	nq int

	tolKind ToleranceKind
	reltol  float64
	abstol  []float64
	errcon  ErrCon

	znQ    [][]float64
	ewtQ   []float64
	acorQ  []float64
	tempvQ []float64
}

// QuadInit adds nq quadrature variables with initial values yQ0. Error
// control defaults to ErrConPartial; enable ErrConFull with
// SetQuadErrCon after supplying tolerances.
func (cv *CVODE) QuadInit(fQ QuadRhsFunc, yQ0 []float64) Status {
	if cv.freed || fQ == nil || len(yQ0) == 0 {
		return ErrIllInput
	}
	q := &cvQuadState{
		fQ:      fQ,
		nq:      len(yQ0),
		tolKind: ScalarTol,
		reltol:  cv.reltol,
		abstol:  []float64{cv.abstol[0]},
		errcon:  ErrConPartial,
	}
	maxord := cv.opts.MaxOrder
	q.znQ = make([][]float64, maxord+2)
	for j := range q.znQ {
		q.znQ[j] = newVec(q.nq)
	}
	copy(q.znQ[0], yQ0)
	q.ewtQ = newVec(q.nq)
	q.acorQ = newVec(q.nq)
	q.tempvQ = newVec(q.nq)
	cv.quad = q
	return Success
}

// QuadReInit resets the quadrature history, keeping the allocation.
func (cv *CVODE) QuadReInit(yQ0 []float64) Status {
	if cv.quad == nil {
		return ErrNoQuad
	}
	if len(yQ0) != cv.quad.nq {
		return ErrIllInput
	}
	for j := range cv.quad.znQ {
		constVec(0, cv.quad.znQ[j])
	}
	copy(cv.quad.znQ[0], yQ0)
	return Success
}

// SetQuadTolerances supplies quadrature tolerances; required before
// enabling full error control.
func (cv *CVODE) SetQuadTolerances(kind ToleranceKind, reltol float64, abstol []float64) Status {
	if cv.quad == nil {
		return ErrNoQuad
	}
	if st := checkTolerances(kind, reltol, abstol, cv.quad.nq); st != Success {
		return st
	}
	cv.quad.tolKind = kind
	cv.quad.reltol = reltol
	cv.quad.abstol = cloneVec(abstol)
	return Success
}

// SetQuadErrCon chooses whether quadratures take part in the local error
// test.
func (cv *CVODE) SetQuadErrCon(errcon ErrCon) Status {
	if cv.quad == nil {
		return ErrNoQuad
	}
	cv.quad.errcon = errcon
	return Success
}

func (q *cvQuadState) reset(cv *CVODE) {}

// advance applies the explicit quadrature correction at the accepted
// state: acorQ = rl1*(h*fQ(tn, y) - znQ[1]).
func (q *cvQuadState) advance(cv *CVODE) int {
	ret := q.fQ(cv.tn, cv.y, q.tempvQ)
	cv.stats.QuadRhsEvals++
	if ret < 0 {
		return nfRhsFail
	}
	if ret > 0 {
		return nfRhsRecvr
	}
	linearSum(cv.h, q.tempvQ, -1, q.znQ[1], q.acorQ)
	scaleInPlace(cv.rl1, q.acorQ)
	return nfSolved
}

// Quad returns the current quadrature values, interpolated to t.
func (cv *CVODE) Quad(t float64, yQ []float64) Status {
	if cv.quad == nil {
		return ErrNoQuad
	}
	return cv.QuadDky(t, 0, yQ)
}
