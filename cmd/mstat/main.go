package main

import (
	"context"
	"log"
	"path/filepath"

	"github.com/joho/godotenv"

	"mstat/adapters/excel"
	"mstat/adapters/postgres"
	"mstat/adapters/report"
	"mstat/domain/mstat"
	"mstat/internal"
	"mstat/internal/config"
	"mstat/internal/meta"
	"mstat/internal/pipeline"
	"mstat/ports"
)

// logSink traces per-variant and per-study summaries through the app logger
type logSink struct {
	logger *internal.Logger
}

func (s logSink) VariantFitted(fit mstat.VariantFit) {
	s.logger.Debug("variant %s: estimate=%.4f se=%.4f tau2=%.4g Q=%.3f I2=%.1f%% flipped=%t",
		fit.VariantID, fit.Estimate, fit.SE, fit.Tau2, fit.Q, fit.I2, fit.Flipped)
}

func (s logSink) StudyAggregated(m mstat.MStatistic) {
	s.logger.Debug("study %s: M=%.4f se=%.4f sd=%.4f n=%d bound=[%.4f, %.4f]",
		m.StudyID, m.Mean, m.SE, m.SD, m.N, m.Lower, m.Upper)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := internal.NewDefaultLogger()

	source, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize observation source: %v", err)
	}

	ctx := context.Background()
	observations, err := source.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load observations: %v", err)
	}
	logger.Info("Loaded %d observations", len(observations))

	p, err := pipeline.New(pipeline.Options{
		Estimator:   meta.Estimator(cfg.Pipeline.Estimator),
		Alpha:       cfg.Pipeline.Alpha,
		REMLTol:     cfg.Pipeline.REMLTol,
		REMLMaxIter: cfg.Pipeline.REMLMaxIter,
		Policy:      pipeline.ConvergencePolicy(cfg.Pipeline.ConvergencePolicy),
		Workers:     cfg.Pipeline.Workers,
		Sink:        logSink{logger: logger},
	})
	if err != nil {
		log.Fatalf("Failed to configure pipeline: %v", err)
	}

	result, err := p.Run(ctx, observations)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	logger.Info("Run %s: %d variants, %d studies, %d influential, %d underperforming, threshold %.4f",
		result.Manifest.RunID, result.NVariants, result.NStudies,
		len(result.Influential), len(result.Underperforming), result.Null.CriticalThreshold)
	for _, v := range result.ExcludedVariants {
		logger.Warn("Variant %s excluded: estimator did not converge", v)
	}

	writers := []ports.ResultWriter{
		excel.NewResultWriter(filepath.Join(cfg.Paths.OutputDir, "mstatistics.xlsx")),
		report.NewWriter(
			filepath.Join(cfg.Paths.OutputDir, "mstatistics.md"),
			filepath.Join(cfg.Paths.OutputDir, "mstatistics.html"),
		),
	}
	for _, w := range writers {
		if err := w.Write(ctx, result); err != nil {
			log.Fatalf("Failed to write results: %v", err)
		}
	}
	logger.Info("Results written to %s", cfg.Paths.OutputDir)
}

// buildSource picks the observation source: an input file when configured,
// otherwise the observations table in Postgres.
func buildSource(cfg *config.Config) (ports.ObservationSource, error) {
	if cfg.Paths.InputFile != "" {
		return excel.NewDataReader(cfg.Paths.InputFile), nil
	}
	db, err := postgres.Connect(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return postgres.NewObservationSource(db, ""), nil
}
