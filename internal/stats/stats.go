// Package stats wraps the variate library into the Bayesian machinery
// the allocator and lifecycle controller share: per-variant posterior
// draws and Monte Carlo probability-best estimates.
package stats

import (
	"github.com/siteloop/optimizer/internal/randvar"
)

// VariantCounts is the minimal observable state of one arm.
type VariantCounts struct {
	Visitors    int64
	Conversions int64
}

// MinTrials is the floor for Monte Carlo probability-best estimates.
const MinTrials = 2000

// PosteriorSample draws once from the Beta-Bernoulli conjugate posterior
// of a variant's conversion rate, starting from a uniform Beta(1,1) prior:
// Beta(conversions+1, visitors-conversions+1).
//
// With zero visitors this is uniform on [0,1], so a fresh variant always
// keeps a nonzero chance of selection.
func PosteriorSample(src randvar.Source, c VariantCounts) float64 {
	alpha := float64(c.Conversions) + 1
	beta := float64(c.Visitors-c.Conversions) + 1
	return randvar.Beta(src, alpha, beta)
}

// ProbabilityBest estimates, for each variant, the probability that its
// true conversion rate is the highest, by drawing one joint posterior
// sample per variant per trial and tallying wins.
//
// The returned fractions sum to 1 up to Monte Carlo noise. trials below
// MinTrials is raised to MinTrials.
func ProbabilityBest(src randvar.Source, variants []VariantCounts, trials int) []float64 {
	probs := make([]float64, len(variants))
	if len(variants) == 0 {
		return probs
	}
	if trials < MinTrials {
		trials = MinTrials
	}

	wins := make([]int, len(variants))
	for t := 0; t < trials; t++ {
		best := 0
		maxSample := -1.0
		for i, v := range variants {
			sample := PosteriorSample(src, v)
			if sample > maxSample {
				maxSample = sample
				best = i
			}
		}
		wins[best]++
	}

	for i := range probs {
		probs[i] = float64(wins[i]) / float64(trials)
	}
	return probs
}
