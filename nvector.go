package sundials

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// The integrator cores see vectors as plain []float64 slices and go through
// the kernel set below for every operation. The set mirrors the minimum
// operation contract of the external vector abstraction: linear-sum,
// constant-fill, product, division, scale, abs, inverse, add-constant,
// WRMS norm (plain and masked), min, max-norm, constraint-mask and
// min-quotient.

func newVec(n int) []float64 { return make([]float64, n) }

func cloneVec(v []float64) []float64 {
	w := make([]float64, len(v))
	copy(w, v)
	return w
}

func cloneVecs(vs [][]float64) [][]float64 {
	ws := make([][]float64, len(vs))
	for i, v := range vs {
		ws[i] = cloneVec(v)
	}
	return ws
}

// linearSum sets z = a*x + b*y. Any of the slices may alias.
func linearSum(a float64, x []float64, b float64, y, z []float64) {
	switch {
	case a == 1 && b == 1:
		for i := range z {
			z[i] = x[i] + y[i]
		}
	case a == 1 && b == -1:
		for i := range z {
			z[i] = x[i] - y[i]
		}
	default:
		for i := range z {
			z[i] = a*x[i] + b*y[i]
		}
	}
}

func constVec(c float64, z []float64) {
	for i := range z {
		z[i] = c
	}
}

func prodVec(x, y, z []float64) {
	for i := range z {
		z[i] = x[i] * y[i]
	}
}

func divVec(x, y, z []float64) {
	for i := range z {
		z[i] = x[i] / y[i]
	}
}

func scaleVec(c float64, x, z []float64) {
	if c == 1 {
		if &x[0] != &z[0] {
			copy(z, x)
		}
		return
	}
	floats.ScaleTo(z, c, x)
}

// scaleInPlace is the common z *= c case.
func scaleInPlace(c float64, z []float64) { floats.Scale(c, z) }

func absVec(x, z []float64) {
	for i := range z {
		z[i] = math.Abs(x[i])
	}
}

// invVec sets z_i = 1/x_i without checking for zeros; callers test the
// result through ewt validation.
func invVec(x, z []float64) {
	for i := range z {
		z[i] = 1 / x[i]
	}
}

func addConst(x []float64, b float64, z []float64) {
	copy(z, x)
	floats.AddConst(b, z)
}

// wrmsNorm returns sqrt((1/N) sum (x_i w_i)^2).
func wrmsNorm(x, w []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for i := range x {
		p := x[i] * w[i]
		sum += p * p
	}
	return math.Sqrt(sum / float64(len(x)))
}

// wrmsNormMask is wrmsNorm restricted to components with id_i > 0.
func wrmsNormMask(x, w, id []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for i := range x {
		if id[i] > 0 {
			p := x[i] * w[i]
			sum += p * p
		}
	}
	return math.Sqrt(sum / float64(len(x)))
}

func minVec(x []float64) float64 { return floats.Min(x) }

func maxNorm(x []float64) float64 {
	var m float64
	for _, v := range x {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// constrMask checks y against the constraint vector c, with |c_i| = 1 for a
// sign constraint and |c_i| = 2 for a strict sign constraint. It fills the
// mask m with 1 where the constraint failed and reports whether all passed.
func constrMask(c, y, m []float64) bool {
	ok := true
	for i := range y {
		m[i] = 0
		ci := c[i]
		if ci == 0 {
			continue
		}
		fail := (math.Abs(ci) > 1.5 && y[i]*ci <= 0) || (math.Abs(ci) > 0.5 && math.Abs(ci) < 1.5 && y[i]*ci < 0)
		if fail {
			m[i] = 1
			ok = false
		}
	}
	return ok
}

// minQuotient returns min(num_i/den_i) over components with den_i != 0, or
// +Inf when every denominator is zero.
func minQuotient(num, den []float64) float64 {
	m := math.Inf(1)
	for i := range num {
		if den[i] == 0 {
			continue
		}
		if q := num[i] / den[i]; q < m {
			m = q
		}
	}
	return m
}

// ewtSet fills w with 1/(reltol*|y_i| + abstol_i) and reports whether every
// weight is positive and finite.
func ewtSet(kind ToleranceKind, reltol float64, abstol []float64, y, w []float64) bool {
	for i := range y {
		var atol float64
		if kind == ScalarTol {
			atol = abstol[0]
		} else {
			atol = abstol[i]
		}
		d := reltol*math.Abs(y[i]) + atol
		if d <= 0 {
			return false
		}
		w[i] = 1 / d
	}
	return true
}
