// Package randvar generates random variates from the distributions the
// statistical engine needs: standard Normal, Gamma, and Beta.
//
// All samplers are pure functions of an injected Source. There is no
// package-level RNG state, so tests can seed a source and get
// reproducible draws.
package randvar

import "math"

// Source supplies uniform randomness in [0, 1). *math/rand.Rand
// satisfies it directly.
type Source interface {
	Float64() float64
}

// Normal draws a standard normal variate via the Box-Muller transform.
func Normal(src Source) float64 {
	u1 := src.Float64()
	for u1 == 0 { // log(0) guard
		u1 = src.Float64()
	}
	u2 := src.Float64()
	return math.Sqrt(-2.0*math.Log(u1)) * math.Cos(2.0*math.Pi*u2)
}

// Gamma draws from Gamma(shape, 1) using the Marsaglia-Tsang method.
//
// For shape < 1 it boosts through Gamma(shape+1) scaled by
// U^(1/shape), which preserves the target distribution.
func Gamma(src Source, shape float64) float64 {
	if shape < 1 {
		u := src.Float64()
		for u == 0 {
			u = src.Float64()
		}
		return Gamma(src, shape+1) * math.Pow(u, 1.0/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)

	for {
		var x, v float64
		for {
			x = Normal(src)
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v

		u := src.Float64()
		x2 := x * x

		// Squeeze check first, then the full log acceptance test.
		if u < 1.0-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}

// Beta draws from Beta(alpha, beta) as the ratio of two Gamma variates:
// Beta(a,b) = Ga/(Ga+Gb) with Ga~Gamma(a), Gb~Gamma(b).
func Beta(src Source, alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0.5
	}

	ga := Gamma(src, alpha)
	gb := Gamma(src, beta)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}
