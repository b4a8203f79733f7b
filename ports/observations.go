package ports

import (
	"context"

	"mstat/domain/mstat"
)

// ObservationSource supplies the raw per-variant, per-study observations
type ObservationSource interface {
	Load(ctx context.Context) ([]mstat.Observation, error)
}

// ResultWriter consumes an analysis result. Writers render or persist the
// numbers; they never alter them.
type ResultWriter interface {
	Write(ctx context.Context, result *mstat.AnalysisResult) error
}
