package pipeline

import (
	"fmt"
	"math"

	"mstat/domain/mstat"
	"mstat/internal/errors"
)

// StandardizeVariant maps every fitted observation of a variant to its
// standardized predicted random effect:
//
//	usta = (beta - xb) / sqrt(se^2 + tau2 - xbse^2)
//
// A negative radicand means tau2 underestimates the heterogeneity relative
// to the precision of the pooled estimate; that is a reportable numerical
// anomaly naming the (variant, study) pair, never a silent NaN.
func StandardizeVariant(fit *mstat.VariantFit) ([]mstat.StandardizedObservation, error) {
	out := make([]mstat.StandardizedObservation, 0, len(fit.Obs))
	for _, fo := range fit.Obs {
		radicand := fo.SE*fo.SE + fit.Tau2 - fo.PredictedFixedSE*fo.PredictedFixedSE
		if radicand < 0 {
			return nil, errors.NumericalAnomaly(fmt.Sprintf(
				"negative unconditional variance %g for variant %s, study %s",
				radicand, fo.VariantID, fo.StudyID))
		}

		residual := fo.Beta - fo.PredictedFixed
		uncondSE := math.Sqrt(radicand)

		var usta float64
		switch {
		case uncondSE > 0:
			usta = residual / uncondSE
		case residual != 0:
			return nil, errors.NumericalAnomaly(fmt.Sprintf(
				"zero unconditional standard error with residual %g for variant %s, study %s",
				residual, fo.VariantID, fo.StudyID))
		}

		out = append(out, mstat.StandardizedObservation{
			FittedObservation: fo,
			Tau2:              fit.Tau2,
			RawResidual:       residual,
			UncondSE:          uncondSE,
			Usta:              usta,
		})
	}
	return out, nil
}
