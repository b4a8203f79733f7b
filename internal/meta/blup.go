package meta

import (
	"fmt"
	"math"

	"mstat/internal/errors"
)

// Influence carries the per-observation shrinkage predictions and leverages
// implied by a fitted random-effects model.
type Influence struct {
	Shrunken   []float64 // BLUP: pooled estimate plus the study's predicted deviation
	ShrunkenSE []float64
	Leverage   []float64 // hat-matrix diagonal; non-negative, sums to 1
}

// ComputeInfluence derives BLUPs and leverages for the observations the fit
// was computed from. The shrinkage factor for observation i is
// tau2/(tau2 + se_i^2): the noisier a study, the harder its deviation is
// pulled toward the pooled estimate.
func ComputeInfluence(beta, se []float64, fit *Fit) (*Influence, error) {
	n := len(beta)
	if fit == nil || len(fit.Weights) != n || len(se) != n {
		return nil, errors.InternalError(fmt.Sprintf(
			"influence diagnostics need a fit over the same %d observations", n))
	}

	var sw float64
	for _, w := range fit.Weights {
		sw += w
	}
	varPooled := 1 / sw

	inf := &Influence{
		Shrunken:   make([]float64, n),
		ShrunkenSE: make([]float64, n),
		Leverage:   make([]float64, n),
	}
	for i := range beta {
		vi := se[i] * se[i]
		lambda := fit.Tau2 / (fit.Tau2 + vi)

		inf.Shrunken[i] = fit.Estimate + lambda*(beta[i]-fit.Estimate)

		// Var(xbu_i) for xbu_i = lambda*beta_i + (1-lambda)*b, with
		// cov(beta_i, b) = 1/sum(w) under the random-effects weights:
		// lambda^2 * (v_i + tau2) + (1 - lambda^2) * var(b).
		variance := lambda*lambda*(vi+fit.Tau2) + (1-lambda*lambda)*varPooled
		if variance < 0 {
			variance = 0
		}
		inf.ShrunkenSE[i] = math.Sqrt(variance)

		// Intercept-only weighted hat diagonal: w_i / sum(w).
		inf.Leverage[i] = fit.Weights[i] / sw
	}
	return inf, nil
}
