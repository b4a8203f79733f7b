package mstat

import (
	"fmt"

	"mstat/domain/core"
)

// ============================================================================
// INPUT PRIMITIVES
// ============================================================================

// Observation is one (variant, study) effect-size measurement. Observations
// are read-only input; identity is the (VariantID, StudyID) pair.
type Observation struct {
	VariantID core.VariantID `json:"variant_id" db:"variant_id"`
	StudyID   core.StudyID   `json:"study_id" db:"study_id"`
	Beta      float64        `json:"beta" db:"beta"`
	SE        float64        `json:"se" db:"se"`
}

// Validate checks the per-observation input invariants
func (o Observation) Validate() error {
	if o.VariantID == "" {
		return fmt.Errorf("observation has empty variant_id")
	}
	if o.StudyID == "" {
		return fmt.Errorf("observation has empty study_id")
	}
	if !(o.SE > 0) {
		return fmt.Errorf("observation (%s, %s) has non-positive standard error %g",
			o.VariantID, o.StudyID, o.SE)
	}
	return nil
}

// VariantGroup holds every observation sharing a variant.
// INVARIANT: at least 2 observations (the regression needs >= 2 studies).
// Flipped records whether the sign convention negated the group's betas.
type VariantGroup struct {
	VariantID    core.VariantID `json:"variant_id"`
	Observations []Observation  `json:"observations"`
	Flipped      bool           `json:"flipped"`
}

// NewVariantGroup creates a variant group with invariant validation
func NewVariantGroup(variantID core.VariantID, obs []Observation) (*VariantGroup, error) {
	if len(obs) < 2 {
		return nil, fmt.Errorf("variant %s measured in %d study(ies), need at least 2", variantID, len(obs))
	}
	for _, o := range obs {
		if o.VariantID != variantID {
			return nil, fmt.Errorf("observation for variant %s grouped under %s", o.VariantID, variantID)
		}
	}
	return &VariantGroup{VariantID: variantID, Observations: obs}, nil
}

// ============================================================================
// PER-VARIANT FIT
// ============================================================================

// FittedObservation is an observation plus its per-observation fit outputs.
type FittedObservation struct {
	Observation
	PredictedFixed      float64 `json:"xb"`     // pooled fixed-effect prediction
	PredictedFixedSE    float64 `json:"xbse"`   // its (Knapp-Hartung adjusted) SE
	PredictedShrunken   float64 `json:"xbu"`    // BLUP prediction
	PredictedShrunkenSE float64 `json:"stdxbu"` // BLUP SE
	Leverage            float64 `json:"hat"`    // hat-matrix diagonal
}

// VariantFit is the result of fitting a random-effects model to one variant.
type VariantFit struct {
	VariantID core.VariantID      `json:"variant_id"`
	Tau2      float64             `json:"tau2"` // between-study variance, >= 0
	Q         float64             `json:"q"`    // Cochran heterogeneity statistic
	QPValue   float64             `json:"q_p_value"`
	I2        float64             `json:"i2"` // percent of variance from heterogeneity
	Estimate  float64             `json:"estimate"`
	SE        float64             `json:"se"`
	Flipped   bool                `json:"flipped"`
	Obs       []FittedObservation `json:"observations"`
}

// StandardizedObservation carries the standardized predicted random effect.
type StandardizedObservation struct {
	FittedObservation
	Tau2        float64 `json:"tau2"`
	RawResidual float64 `json:"raw_residual"` // beta - xb
	UncondSE    float64 `json:"uncond_se"`    // sqrt(se^2 + tau2 - xbse^2)
	Usta        float64 `json:"usta"`         // raw_residual / uncond_se
}

// ============================================================================
// PER-STUDY AGGREGATES
// ============================================================================

// MStatistic summarizes one study's standardized residuals.
type MStatistic struct {
	StudyID core.StudyID `json:"study_id"`
	Mean    float64      `json:"m"` // the M statistic
	SE      float64      `json:"m_se"`
	SD      float64      `json:"m_sd"`
	N       int          `json:"n"`     // variants measured in this study
	Lower   float64      `json:"lower"` // Bonferroni-adjusted t bound
	Upper   float64      `json:"upper"`
}

// StudyLabel classifies a study against the null threshold
type StudyLabel string

const (
	LabelInfluential     StudyLabel = "influential"
	LabelUnderperforming StudyLabel = "underperforming"
	LabelNeutral         StudyLabel = "neutral"
)

// ClassifiedStudy is an MStatistic with its significance verdict.
type ClassifiedStudy struct {
	MStatistic
	Z           float64    `json:"z"`
	PValue      float64    `json:"p_value"`
	BonferroniP float64    `json:"bonferroni_p"`
	FDRQ        float64    `json:"fdr_q"`
	Label       StudyLabel `json:"label"`
	Rank        int        `json:"rank"` // 1 = smallest M, ties broken by study ID
}

// StudyCall is one row of the influential / underperforming tables.
type StudyCall struct {
	StudyID     core.StudyID `json:"study_id"`
	M           float64      `json:"m"`
	BonferroniP float64      `json:"bonferroni_p"`
}

// NullModel holds the null distribution of the M statistic.
// Under the symmetric alignment convention the expected mean is exactly 0
// and each study's M averages n_variants unit-variance residuals.
type NullModel struct {
	ExpectedMean      float64 `json:"expected_mean"`
	ExpectedSD        float64 `json:"expected_sd"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

// MergedObservation is a standardized observation with its study's
// classification broadcast onto it (the final merged dataset of the run).
type MergedObservation struct {
	StandardizedObservation
	StudyM           float64    `json:"usta_mean"`
	StudyMSE         float64    `json:"usta_mean_se"`
	StudyMSD         float64    `json:"usta_mean_sd"`
	StudyN           int        `json:"study_n"`
	StudyLower       float64    `json:"study_lower"`
	StudyUpper       float64    `json:"study_upper"`
	StudyBonferroniP float64    `json:"study_bonferroni_p"`
	StudyFDRQ        float64    `json:"study_fdr_q"`
	StudyLabel       StudyLabel `json:"study_label"`
}
