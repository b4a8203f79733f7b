package pipeline

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"

	"mstat/domain/core"
	"mstat/domain/mstat"
	"mstat/internal/errors"
)

// Aggregator folds a study's standardized residuals into its M statistic.
// The confidence bound is Bonferroni-adjusted for running one test per
// study: a t critical value at level alpha/(2*nStudies) on n-1 df.
//
// Variants a study never measured contribute exactly zero to its mean; the
// M statistic averages only the variants the study observed (unbalanced
// designs are expected).
type Aggregator struct {
	alpha    float64
	nStudies int
}

// NewAggregator creates an aggregator for a run with nStudies studies
func NewAggregator(alpha float64, nStudies int) *Aggregator {
	return &Aggregator{alpha: alpha, nStudies: nStudies}
}

// Aggregate computes the M statistic for one study's usta values.
// A single-observation study has zero degrees of freedom and no defined
// interval; that is a numerical anomaly, not an infinite bound.
func (a *Aggregator) Aggregate(studyID core.StudyID, usta []float64) (mstat.MStatistic, error) {
	n := len(usta)
	if n == 0 {
		return mstat.MStatistic{}, errors.InternalError(fmt.Sprintf("study %s has no standardized observations", studyID))
	}
	if n == 1 {
		return mstat.MStatistic{}, errors.NumericalAnomaly(fmt.Sprintf(
			"study %s has a single observation: the Bonferroni interval needs n-1 > 0 degrees of freedom", studyID))
	}

	mean, err := stats.Mean(usta)
	if err != nil {
		return mstat.MStatistic{}, errors.Wrapf(err, "aggregating study %s", studyID)
	}
	sd, err := stats.StandardDeviationSample(usta)
	if err != nil {
		return mstat.MStatistic{}, errors.Wrapf(err, "aggregating study %s", studyID)
	}
	se := sd / math.Sqrt(float64(n))

	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	tCrit := tDist.Quantile(1 - a.alpha/(2*float64(a.nStudies)))
	margin := tCrit * se

	return mstat.MStatistic{
		StudyID: studyID,
		Mean:    mean,
		SE:      se,
		SD:      sd,
		N:       n,
		Lower:   mean - margin,
		Upper:   mean + margin,
	}, nil
}
