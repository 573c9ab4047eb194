package pricing

import "math"

// Abramowitz & Stegun 7.1.26 rational approximation of erf(x) for x >= 0:
//
//	erf(x) ≈ 1 − (a1·t + a2·t² + a3·t³ + a4·t⁴ + a5·t⁵)·e^(−x²),  t = 1/(1 + p·x)
//
// Maximum absolute error is 1.5e-7. Quotes must be reproducible across
// implementations, so these coefficients are part of the pricing contract and
// must not be swapped for math.Erf.
const (
	erfP  = 0.3275911
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
)

// Erf evaluates the A&S 7.1.26 approximation, extended to x < 0 by symmetry.
func Erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	t := 1.0 / (1.0 + erfP*x)
	poly := ((((erfA5*t+erfA4)*t+erfA3)*t+erfA2)*t + erfA1) * t
	return sign * (1.0 - poly*math.Exp(-x*x))
}

// NormCDF is the standard normal cumulative distribution Φ(x).
func NormCDF(x float64) float64 {
	return 0.5 * (1.0 + Erf(x/math.Sqrt2))
}
