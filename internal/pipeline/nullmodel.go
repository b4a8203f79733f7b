package pipeline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"mstat/domain/mstat"
	"mstat/internal/errors"
)

// ComputeNullModel derives the M statistic's null distribution. Under the
// null of no systematic heterogeneity each study's M is a mean of nVariants
// approximately independent unit-variance standardized residuals, so
//
//	expected_mean = 0
//	expected_sd   = sqrt(nVariants * (1/nVariants)^2) = sqrt(1/nVariants)
//
// and the critical threshold is the two-sided normal critical value at
// alpha/nStudies (Bonferroni across the simultaneous per-study tests)
// scaled by expected_sd.
func ComputeNullModel(nVariants, nStudies int, alpha float64) (mstat.NullModel, error) {
	if nVariants < 1 {
		return mstat.NullModel{}, errors.InvalidInput(fmt.Sprintf("null model needs nVariants >= 1, got %d", nVariants))
	}
	if nStudies < 1 {
		return mstat.NullModel{}, errors.InvalidInput(fmt.Sprintf("null model needs nStudies >= 1, got %d", nStudies))
	}
	if !(alpha > 0 && alpha <= 1) {
		return mstat.NullModel{}, errors.ConfigInvalid(fmt.Sprintf("alpha must be in (0, 1], got %g", alpha))
	}

	sd := math.Sqrt(1 / float64(nVariants))
	z := distuv.UnitNormal.Quantile(1 - alpha/(2*float64(nStudies)))

	return mstat.NullModel{
		ExpectedMean:      0,
		ExpectedSD:        sd,
		CriticalThreshold: math.Abs(z) * sd,
	}, nil
}
