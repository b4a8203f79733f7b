package mstat

import (
	"mstat/domain/core"
)

// RunManifest captures the complete specification of one pipeline run
type RunManifest struct {
	RunID             core.RunID     `json:"run_id"`
	Estimator         string         `json:"estimator"`
	Alpha             float64        `json:"alpha"`
	ConvergencePolicy string         `json:"convergence_policy"`
	Observations      int            `json:"observations"`
	Variants          int            `json:"variants"`
	Studies           int            `json:"studies"`
	ExcludedVariants  int            `json:"excluded_variants"`
	RuntimeMs         int64          `json:"runtime_ms"`
	CreatedAt         core.Timestamp `json:"created_at"`
}

// AnalysisResult is everything one invocation produces. Derived values live
// only in memory; rendering and persistence are downstream consumers.
type AnalysisResult struct {
	Merged           []MergedObservation `json:"merged"`
	Studies          []ClassifiedStudy   `json:"studies"`
	Influential      []StudyCall         `json:"influential"`
	Underperforming  []StudyCall         `json:"underperforming"`
	Null             NullModel           `json:"null_model"`
	NVariants        int                 `json:"n_variants"`
	NStudies         int                 `json:"n_studies"`
	ExcludedVariants []core.VariantID    `json:"excluded_variants,omitempty"`
	Manifest         RunManifest         `json:"manifest"`
}

// StudyByID looks up a classified study by its identifier
func (r *AnalysisResult) StudyByID(id core.StudyID) (ClassifiedStudy, bool) {
	for _, s := range r.Studies {
		if s.StudyID == id {
			return s, true
		}
	}
	return ClassifiedStudy{}, false
}
