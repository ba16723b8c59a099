package sundials

import "math"

// idaQuadState is the quadrature substate of an IDA integrator.
type idaQuadState struct {
	rhsQ QuadRhsFunc
	nq   int

	tolKind ToleranceKind
	reltol  float64
	abstol  []float64
	errcon  ErrCon

	phiQ [][]float64

	yyQ, ypQ, eeQ []float64
	ewtQ          []float64
}

// QuadInit adds quadrature variables with initial values yQ0.
func (da *IDA) QuadInit(rhsQ QuadRhsFunc, yQ0 []float64) Status {
	if da.freed || rhsQ == nil || len(yQ0) == 0 {
		return ErrIllInput
	}
	q := &idaQuadState{
		rhsQ:    rhsQ,
		nq:      len(yQ0),
		tolKind: ScalarTol,
		reltol:  da.reltol,
		abstol:  []float64{da.abstol[0]},
		errcon:  ErrConPartial,
	}
	q.phiQ = make([][]float64, da.maxord+1)
	for j := range q.phiQ {
		q.phiQ[j] = newVec(q.nq)
	}
	copy(q.phiQ[0], yQ0)
	q.yyQ = newVec(q.nq)
	q.ypQ = newVec(q.nq)
	q.eeQ = newVec(q.nq)
	q.ewtQ = newVec(q.nq)
	da.quad = q
	return Success
}

// QuadReInit resets the quadrature history, keeping the allocation.
func (da *IDA) QuadReInit(yQ0 []float64) Status {
	if da.quad == nil {
		return ErrNoQuad
	}
	if len(yQ0) != da.quad.nq {
		return ErrIllInput
	}
	for j := range da.quad.phiQ {
		constVec(0, da.quad.phiQ[j])
	}
	copy(da.quad.phiQ[0], yQ0)
	return Success
}

// SetQuadTolerances supplies quadrature tolerances.
func (da *IDA) SetQuadTolerances(kind ToleranceKind, reltol float64, abstol []float64) Status {
	if da.quad == nil {
		return ErrNoQuad
	}
	if st := checkTolerances(kind, reltol, abstol, da.quad.nq); st != Success {
		return st
	}
	da.quad.tolKind = kind
	da.quad.reltol = reltol
	da.quad.abstol = cloneVec(abstol)
	return Success
}

// SetQuadErrCon chooses whether quadratures enter the local error test.
func (da *IDA) SetQuadErrCon(errcon ErrCon) Status {
	if da.quad == nil {
		return ErrNoQuad
	}
	da.quad.errcon = errcon
	return Success
}

// GetQuad interpolates the quadrature variables to t.
func (da *IDA) GetQuad(t float64, yQ []float64) Status {
	q := da.quad
	if q == nil {
		return ErrNoQuad
	}
	if yQ == nil || len(yQ) != q.nq {
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

	copy(yQ, q.phiQ[0])
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
		linearSum(1, yQ, c, q.phiQ[j], yQ)
	}
	return Success
}
