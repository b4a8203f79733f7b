package meta

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"mstat/internal/errors"
)

// Estimator selects the between-study variance estimator
type Estimator string

const (
	// EstimatorDL is the closed-form DerSimonian-Laird moment estimator
	EstimatorDL Estimator = "DL"
	// EstimatorREML is the iterative restricted maximum likelihood estimator
	EstimatorREML Estimator = "REML"
)

// ParseEstimator validates an estimator name
func ParseEstimator(s string) (Estimator, error) {
	switch Estimator(s) {
	case EstimatorDL, EstimatorREML:
		return Estimator(s), nil
	}
	return "", errors.ConfigInvalid(fmt.Sprintf("unknown estimator %q (want DL or REML)", s))
}

// Options controls the random-effects fit
type Options struct {
	Estimator Estimator
	Tol       float64 // REML convergence tolerance on tau2
	MaxIter   int     // REML iteration cap
}

// DefaultOptions returns the standard fit configuration
func DefaultOptions() Options {
	return Options{
		Estimator: EstimatorDL,
		Tol:       1e-8,
		MaxIter:   10000,
	}
}

// Fit is the result of an intercept-only weighted random-effects model
// across the studies measuring one variant.
type Fit struct {
	Estimate   float64   // pooled effect
	SE         float64   // Knapp-Hartung adjusted standard error of Estimate
	Tau2       float64   // between-study variance, >= 0
	Q          float64   // Cochran heterogeneity statistic
	QPValue    float64   // chi-square p-value for Q on n-1 df
	I2         float64   // percent of total variance due to heterogeneity
	Weights    []float64 // random-effects weights 1/(se_i^2 + tau2)
	Iterations int       // REML iterations used (0 for DL)
}

// FitRandomEffects fits the model to one variant's (beta, se) pairs.
// It needs at least two observations; the caller validates se > 0 up front.
func FitRandomEffects(beta, se []float64, opts Options) (*Fit, error) {
	n := len(beta)
	if n < 2 || len(se) != n {
		return nil, errors.InvalidInput(fmt.Sprintf(
			"random-effects fit needs >= 2 aligned (beta, se) pairs, got %d and %d", len(beta), len(se)))
	}

	v := make([]float64, n)
	for i := range se {
		if !(se[i] > 0) {
			return nil, errors.InvalidInput(fmt.Sprintf("non-positive standard error %g at index %d", se[i], i))
		}
		v[i] = se[i] * se[i]
	}

	q, tau2DL := dersimonianLaird(beta, v)

	fit := &Fit{Q: q, Tau2: tau2DL}
	if opts.Estimator == EstimatorREML {
		tau2, iters, err := remlTau2(beta, v, tau2DL, opts)
		if err != nil {
			return nil, err
		}
		fit.Tau2 = tau2
		fit.Iterations = iters
	}

	finalize(fit, beta, v)
	return fit, nil
}

// dersimonianLaird computes Cochran's Q and the moment estimate of tau2
func dersimonianLaird(beta, v []float64) (q, tau2 float64) {
	n := len(beta)
	var sumW, sumW2, sumWB float64
	for i := range beta {
		w := 1 / v[i]
		sumW += w
		sumW2 += w * w
		sumWB += w * beta[i]
	}
	bFixed := sumWB / sumW

	for i := range beta {
		d := beta[i] - bFixed
		q += d * d / v[i]
	}

	df := float64(n - 1)
	c := sumW - sumW2/sumW
	if c > 0 {
		tau2 = (q - df) / c
	}
	if tau2 < 0 {
		tau2 = 0
	}
	return q, tau2
}

// remlTau2 iterates Fisher scoring on tau2 with step-halving. Steps that
// would leave the restricted log-likelihood lower, or tau2 negative, are
// halved; hitting the iteration cap without meeting the tolerance is a
// convergence failure.
func remlTau2(beta, v []float64, tau2 float64, opts Options) (float64, int, error) {
	tol := opts.Tol
	if tol <= 0 {
		tol = 1e-8
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 10000
	}

	ll := restrictedLogLik(beta, v, tau2)
	for iter := 1; iter <= maxIter; iter++ {
		score, info := remlScore(beta, v, tau2)
		if info <= 0 {
			return tau2, iter, nil
		}

		step := score / info
		next := tau2 + step
		llNext := restrictedLogLik(beta, v, next)

		// Step-halving: shrink until the step is admissible and improving.
		halvings := 0
		for (next < 0 || llNext < ll) && halvings < 64 {
			step /= 2
			next = tau2 + step
			llNext = restrictedLogLik(beta, v, next)
			halvings++
		}
		if next < 0 {
			next = 0
			llNext = restrictedLogLik(beta, v, next)
		}

		delta := math.Abs(next - tau2)
		tau2, ll = next, llNext
		if delta <= tol*(tau2+tol) {
			return tau2, iter, nil
		}
	}

	return 0, maxIter, errors.ConvergenceFailure(fmt.Sprintf(
		"REML did not converge within %d iterations (tol %g)", maxIter, tol))
}

// remlScore returns the restricted score and expected information for tau2
func remlScore(beta, v []float64, tau2 float64) (score, info float64) {
	var sw, sw2, sw3, swb float64
	n := len(beta)
	w := make([]float64, n)
	for i := range beta {
		w[i] = 1 / (v[i] + tau2)
		sw += w[i]
		sw2 += w[i] * w[i]
		sw3 += w[i] * w[i] * w[i]
		swb += w[i] * beta[i]
	}
	b := swb / sw

	var swr2 float64
	for i := range beta {
		r := beta[i] - b
		swr2 += w[i] * w[i] * r * r
	}

	score = 0.5 * (swr2 - sw + sw2/sw)
	info = 0.5 * (sw2 - 2*sw3/sw + (sw2/sw)*(sw2/sw))
	return score, info
}

// restrictedLogLik evaluates the REML objective at tau2 (up to a constant)
func restrictedLogLik(beta, v []float64, tau2 float64) float64 {
	if tau2 < 0 {
		return math.Inf(-1)
	}
	var sw, swb float64
	for i := range beta {
		sw += 1 / (v[i] + tau2)
		swb += beta[i] / (v[i] + tau2)
	}
	b := swb / sw

	ll := -0.5 * math.Log(sw)
	for i := range beta {
		r := beta[i] - b
		ll -= 0.5 * (math.Log(v[i]+tau2) + r*r/(v[i]+tau2))
	}
	return ll
}

// finalize fills the pooled estimate, its Knapp-Hartung standard error,
// the heterogeneity summaries, and the random-effects weights.
func finalize(fit *Fit, beta, v []float64) {
	n := len(beta)
	w := make([]float64, n)
	var sw, swb float64
	for i := range beta {
		w[i] = 1 / (v[i] + fit.Tau2)
		sw += w[i]
		swb += w[i] * beta[i]
	}
	fit.Weights = w
	fit.Estimate = swb / sw

	// Knapp-Hartung: scale the inverse-variance variance of the pooled
	// estimate by the weighted residual mean square. Heavier tails than the
	// plain Wald model, required for nominal coverage downstream.
	var swr2 float64
	for i := range beta {
		r := beta[i] - fit.Estimate
		swr2 += w[i] * r * r
	}
	kh := swr2 / float64(n-1)
	fit.SE = math.Sqrt(kh / sw)

	df := float64(n - 1)
	fit.QPValue = distuv.ChiSquared{K: df}.Survival(fit.Q)
	if fit.Q > df {
		fit.I2 = 100 * (fit.Q - df) / fit.Q
	}
}
