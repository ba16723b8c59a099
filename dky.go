package sundials

import "math"

// Dky writes the k-th derivative of the solution interpolant at t into
// dky. t must lie in [tn - hu, tn], the interval of the last successful
// step, and k in [0, q].
func (cv *CVODE) Dky(t float64, k int, dky []float64) Status {
	return cv.dkyInto(t, k, cv.zn, len(cv.zn[0]), dky)
}

// SensDky is Dky for the is-th sensitivity.
func (cv *CVODE) SensDky(t float64, k, is int, dky []float64) Status {
	if cv.sens == nil {
		return ErrNoSens
	}
	if is < 0 || is >= cv.sens.ns {
		return ErrIllInput
	}
	rows := make([][]float64, len(cv.sens.znS))
	for j := range rows {
		rows[j] = cv.sens.znS[j][is]
	}
	return cv.dkyInto(t, k, rows, cv.n, dky)
}

// QuadDky is Dky for the quadrature variables.
func (cv *CVODE) QuadDky(t float64, k int, dky []float64) Status {
	if cv.quad == nil {
		return ErrNoQuad
	}
	return cv.dkyInto(t, k, cv.quad.znQ, cv.quad.nq, dky)
}

// dky is the internal entry used by the driver loop; it applies the same
// range checks as Dky.
func (cv *CVODE) dky(t float64, k int, dky []float64) Status {
	return cv.dkyInto(t, k, cv.zn, len(cv.zn[0]), dky)
}

func (cv *CVODE) dkyInto(t float64, k int, rows [][]float64, n int, dky []float64) Status {
	if dky == nil {
		return ErrNullOutput
	}
	if len(dky) != n {
		return ErrNullOutput
	}
	if k < 0 || k > cv.q {
		return ErrBadK
	}

	tfuzz := 100 * uround * (math.Abs(cv.tn) + math.Abs(cv.hu))
	if cv.hu < 0 {
		tfuzz = -tfuzz
	}
	tp := cv.tn - cv.hu - tfuzz
	tn1 := cv.tn + tfuzz
	if (t-tp)*(t-tn1) > 0 {
		return ErrBadT
	}

	h := cv.h
	if h == 0 {
		if k == 0 {
			copy(dky, rows[0])
			return Success
		}
		return ErrBadT
	}
	s := (t - cv.tn) / h

	constVec(0, dky)
	for j := cv.q; j >= k; j-- {
		c := 1.0
		for i := j; i > j-k; i-- {
			c *= float64(i)
		}
		for i := range dky {
			dky[i] = c*rows[j][i] + s*dky[i]
		}
	}
	if k == 0 {
		return Success
	}
	r := math.Pow(h, -float64(k))
	scaleInPlace(r, dky)
	return Success
}
