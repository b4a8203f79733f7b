package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstat/domain/core"
	"mstat/domain/mstat"
	"mstat/internal/errors"
	"mstat/internal/meta"
	"mstat/internal/testkit"
)

func defaultTestOptions() Options {
	return Options{
		Estimator: meta.EstimatorDL,
		Alpha:     0.05,
		Policy:    PolicyAbort,
		Workers:   2,
	}
}

func mustRun(t *testing.T, opts Options, obs []mstat.Observation) *mstat.AnalysisResult {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	result, err := p.Run(context.Background(), obs)
	require.NoError(t, err)
	return result
}

func TestPipeline_OutlierStudyIsInfluential(t *testing.T) {
	gen := testkit.NewGenerator(1)
	obs := gen.OutlierStudy(3, 5, "B", 1.0, 5.0, 0.1)

	result := mustRun(t, defaultTestOptions(), obs)

	assert.Equal(t, 5, result.NVariants)
	assert.Equal(t, 3, result.NStudies)
	assert.Empty(t, result.ExcludedVariants)

	b, ok := result.StudyByID("B")
	require.True(t, ok)
	a, ok := result.StudyByID("A")
	require.True(t, ok)
	c, ok := result.StudyByID("C")
	require.True(t, ok)

	// Every variant shows the same 1-vs-5 split, so each study's usta is
	// constant across variants: +sqrt(2) for the outlier, -sqrt(0.5) for
	// the agreeing pair.
	assert.InDelta(t, math.Sqrt2, b.Mean, 1e-6)
	assert.InDelta(t, -math.Sqrt(0.5), a.Mean, 1e-6)
	assert.InDelta(t, a.Mean, c.Mean, 1e-9)

	assert.Equal(t, mstat.LabelInfluential, b.Label)
	assert.Equal(t, mstat.LabelNeutral, a.Label)
	assert.Equal(t, mstat.LabelNeutral, c.Label)

	require.Len(t, result.Influential, 1)
	assert.Equal(t, core.StudyID("B"), result.Influential[0].StudyID)
	assert.Empty(t, result.Underperforming)
	assert.Equal(t, 3, b.Rank)
}

func TestPipeline_HomogeneousGridIsAllNeutral(t *testing.T) {
	gen := testkit.NewGenerator(1)
	obs := gen.Homogeneous(4, 10, 0.8, 0.3)

	result := mustRun(t, defaultTestOptions(), obs)

	require.Len(t, result.Studies, 4)
	for _, s := range result.Studies {
		assert.InDelta(t, 0.0, s.Mean, 1e-9)
		assert.Equal(t, mstat.LabelNeutral, s.Label)
		assert.Equal(t, 10, s.N)
	}
	assert.Empty(t, result.Influential)
	assert.Empty(t, result.Underperforming)
}

func TestPipeline_SingleObservationStudyIsAnomaly(t *testing.T) {
	// Study C appears in exactly one variant: its M statistic has zero
	// degrees of freedom.
	obs := []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0003", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0003", StudyID: "C", Beta: 1, SE: 0.5},
	}

	p, err := New(defaultTestOptions())
	require.NoError(t, err)
	_, err = p.Run(context.Background(), obs)
	require.Error(t, err)
	assert.True(t, errors.IsNumericalAnomaly(err))
	assert.Contains(t, err.Error(), "C")
}

func TestPipeline_MergedCarriesStudyClassification(t *testing.T) {
	gen := testkit.NewGenerator(7)
	obs := gen.Unbalanced(4, 12, 0.5, 0.2, 0.2)

	result := mustRun(t, defaultTestOptions(), obs)
	require.NotEmpty(t, result.Merged)

	for _, m := range result.Merged {
		study, ok := result.StudyByID(m.StudyID)
		require.True(t, ok, "merged observation for unknown study %s", m.StudyID)
		assert.Equal(t, study.Mean, m.StudyM)
		assert.Equal(t, study.SE, m.StudyMSE)
		assert.Equal(t, study.N, m.StudyN)
		assert.Equal(t, study.Lower, m.StudyLower)
		assert.Equal(t, study.Upper, m.StudyUpper)
		assert.Equal(t, study.BonferroniP, m.StudyBonferroniP)
		assert.Equal(t, study.Label, m.StudyLabel)
	}
}

func TestPipeline_ExcludePolicyDropsNonConvergentVariant(t *testing.T) {
	// Tol below representable precision: only variants whose scoring step
	// clamps to an exact zero move can converge within one iteration, which
	// holds for the homogeneous variants and fails for the heterogeneous one.
	obs := []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "C", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "C", Beta: 1, SE: 0.5},
		{VariantID: "rs0003", StudyID: "A", Beta: 0.1, SE: 0.1},
		{VariantID: "rs0003", StudyID: "B", Beta: 2.7, SE: 0.1},
		{VariantID: "rs0003", StudyID: "C", Beta: -1.4, SE: 0.1},
	}

	opts := defaultTestOptions()
	opts.Estimator = meta.EstimatorREML
	opts.REMLTol = 1e-300
	opts.REMLMaxIter = 1
	opts.Policy = PolicyExclude

	result := mustRun(t, opts, obs)

	assert.Equal(t, []core.VariantID{"rs0003"}, result.ExcludedVariants)
	assert.Equal(t, 2, result.NVariants)
	assert.Equal(t, 3, result.NStudies)
	assert.Equal(t, 1, result.Manifest.ExcludedVariants)

	// The null model is built from the variants that survived.
	assert.InDelta(t, math.Sqrt(0.5), result.Null.ExpectedSD, 1e-12)
}

func TestPipeline_AbortPolicyFailsRun(t *testing.T) {
	obs := []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "A", Beta: 0.1, SE: 0.1},
		{VariantID: "rs0002", StudyID: "B", Beta: 2.7, SE: 0.1},
	}

	opts := defaultTestOptions()
	opts.Estimator = meta.EstimatorREML
	opts.REMLTol = 1e-300
	opts.REMLMaxIter = 1
	opts.Policy = PolicyAbort

	p, err := New(opts)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), obs)
	require.Error(t, err)
	assert.True(t, errors.IsConvergenceFailure(err))
}

func TestPipeline_AllVariantsExcludedFailsRun(t *testing.T) {
	obs := []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 0.1, SE: 0.1},
		{VariantID: "rs0001", StudyID: "B", Beta: 2.7, SE: 0.1},
		{VariantID: "rs0001", StudyID: "C", Beta: -1.4, SE: 0.1},
	}

	opts := defaultTestOptions()
	opts.Estimator = meta.EstimatorREML
	opts.REMLTol = 1e-300
	opts.REMLMaxIter = 1
	opts.Policy = PolicyExclude

	p, err := New(opts)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), obs)
	require.Error(t, err)
	assert.True(t, errors.IsConvergenceFailure(err))
}

func TestPipeline_InputValidation(t *testing.T) {
	p, err := New(defaultTestOptions())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Run(ctx, nil)
	assert.True(t, errors.IsInvalidInput(err), "empty input")

	_, err = p.Run(ctx, []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
	})
	assert.True(t, errors.IsInvalidInput(err), "non-positive se")

	_, err = p.Run(ctx, []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
		{VariantID: "rs0002", StudyID: "A", Beta: 1, SE: 0.5},
	})
	assert.True(t, errors.IsInvalidInput(err), "variant measured in a single study")

	_, err = p.Run(ctx, []mstat.Observation{
		{VariantID: "rs0001", StudyID: "A", Beta: 1, SE: 0.5},
		{VariantID: "rs0001", StudyID: "A", Beta: 2, SE: 0.5},
		{VariantID: "rs0001", StudyID: "B", Beta: 1, SE: 0.5},
	})
	assert.True(t, errors.IsInvalidInput(err), "duplicate (variant, study) pair")
}

func TestPipeline_OptionsValidation(t *testing.T) {
	opts := defaultTestOptions()
	opts.Estimator = "PM"
	_, err := New(opts)
	assert.True(t, errors.IsConfigInvalid(err))

	opts = defaultTestOptions()
	opts.Alpha = 0
	_, err = New(opts)
	assert.True(t, errors.IsConfigInvalid(err))

	opts = defaultTestOptions()
	opts.Policy = ""
	_, err = New(opts)
	assert.True(t, errors.IsConfigInvalid(err))

	opts = defaultTestOptions()
	opts.Policy = "ignore"
	_, err = New(opts)
	assert.True(t, errors.IsConfigInvalid(err))
}

type recordingSink struct {
	fits    []mstat.VariantFit
	studies []mstat.MStatistic
}

func (r *recordingSink) VariantFitted(fit mstat.VariantFit) { r.fits = append(r.fits, fit) }
func (r *recordingSink) StudyAggregated(m mstat.MStatistic) { r.studies = append(r.studies, m) }

func TestPipeline_SinkReceivesOrderedTrace(t *testing.T) {
	gen := testkit.NewGenerator(3)
	obs := gen.Noisy(3, 6, 0.4, 0.3, 0.2)

	sink := &recordingSink{}
	opts := defaultTestOptions()
	opts.Sink = sink

	result := mustRun(t, opts, obs)

	require.Len(t, sink.fits, result.NVariants)
	for i := 1; i < len(sink.fits); i++ {
		assert.Less(t, sink.fits[i-1].VariantID, sink.fits[i].VariantID,
			"variant trace events arrive in ID order")
	}
	require.Len(t, sink.studies, result.NStudies)
	for i := 1; i < len(sink.studies); i++ {
		assert.Less(t, sink.studies[i-1].StudyID, sink.studies[i].StudyID,
			"study trace events arrive in ID order")
	}
}

func TestPipeline_ManifestDescribesRun(t *testing.T) {
	gen := testkit.NewGenerator(5)
	obs := gen.Homogeneous(3, 4, 1.0, 0.5)

	result := mustRun(t, defaultTestOptions(), obs)

	m := result.Manifest
	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, "DL", m.Estimator)
	assert.Equal(t, 0.05, m.Alpha)
	assert.Equal(t, string(PolicyAbort), m.ConvergencePolicy)
	assert.Equal(t, len(obs), m.Observations)
	assert.Equal(t, 4, m.Variants)
	assert.Equal(t, 3, m.Studies)
	assert.Equal(t, 0, m.ExcludedVariants)
}
