package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"mstat/domain/core"
	"mstat/domain/mstat"
	"mstat/internal/errors"
	"mstat/internal/meta"
)

// ConvergencePolicy decides what a REML convergence failure does to the run
type ConvergencePolicy string

const (
	// PolicyExclude drops the offending variant from every downstream stage
	// and lists it in AnalysisResult.ExcludedVariants.
	PolicyExclude ConvergencePolicy = "exclude"
	// PolicyAbort fails the whole run on the first convergence failure.
	PolicyAbort ConvergencePolicy = "abort"
)

// TraceSink receives structured intermediate values. It replaces console
// narration: the pipeline's correctness never depends on it.
type TraceSink interface {
	VariantFitted(fit mstat.VariantFit)
	StudyAggregated(m mstat.MStatistic)
}

// NopSink discards all trace events
type NopSink struct{}

func (NopSink) VariantFitted(mstat.VariantFit) {}
func (NopSink) StudyAggregated(mstat.MStatistic) {}

// Options configures a pipeline run
type Options struct {
	Estimator   meta.Estimator
	Alpha       float64
	REMLTol     float64 // 0 means the estimator default
	REMLMaxIter int     // 0 means the estimator default
	Policy      ConvergencePolicy
	Workers     int // parallel variant fits; 0 means NumCPU
	Sink        TraceSink
}

func (o Options) validate() error {
	if _, err := meta.ParseEstimator(string(o.Estimator)); err != nil {
		return err
	}
	if !(o.Alpha > 0 && o.Alpha <= 1) {
		return errors.ConfigInvalid(fmt.Sprintf("alpha must be in (0, 1], got %g", o.Alpha))
	}
	switch o.Policy {
	case PolicyExclude, PolicyAbort:
	case "":
		return errors.ConfigInvalid("convergence policy must be set to exclude or abort")
	default:
		return errors.ConfigInvalid(fmt.Sprintf("unknown convergence policy %q", o.Policy))
	}
	return nil
}

// Pipeline runs the full M-statistic computation: align, fit, standardize,
// aggregate, threshold, classify. A strict linear DAG with two barriers
// (all variants fit, all studies aggregated) and no shared mutable state.
type Pipeline struct {
	opts Options
}

// New creates a pipeline, validating the configuration up front
func New(opts Options) (*Pipeline, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Pipeline{opts: opts}, nil
}

// variantOutcome is one variant's result from the parallel stage
type variantOutcome struct {
	fit      *mstat.VariantFit
	std      []mstat.StandardizedObservation
	excluded bool
}

// Run executes the pipeline over the observations
func (p *Pipeline) Run(ctx context.Context, observations []mstat.Observation) (*mstat.AnalysisResult, error) {
	start := time.Now()

	groups, variantIDs, err := partition(observations)
	if err != nil {
		return nil, err
	}

	outcomes, err := p.fitVariants(ctx, groups, variantIDs)
	if err != nil {
		return nil, err
	}

	var (
		standardized []mstat.StandardizedObservation
		excluded     []core.VariantID
		nVariants    int
	)
	for i, id := range variantIDs {
		if outcomes[i].excluded {
			excluded = append(excluded, id)
			continue
		}
		nVariants++
		p.opts.Sink.VariantFitted(*outcomes[i].fit)
		standardized = append(standardized, outcomes[i].std...)
	}
	if nVariants == 0 {
		return nil, errors.ConvergenceFailure(fmt.Sprintf(
			"all %d variants failed to converge; nothing to aggregate", len(variantIDs)))
	}

	byStudy, studyIDs := groupByStudy(standardized)
	nStudies := len(studyIDs)

	mstats, err := p.aggregateStudies(studyIDs, byStudy)
	if err != nil {
		return nil, err
	}
	for _, m := range mstats {
		p.opts.Sink.StudyAggregated(m)
	}

	null, err := ComputeNullModel(nVariants, nStudies, p.opts.Alpha)
	if err != nil {
		return nil, err
	}

	classified := Classify(mstats, null, nStudies)
	influential, underperforming := tables(classified)
	merged := merge(standardized, classified)

	return &mstat.AnalysisResult{
		Merged:           merged,
		Studies:          classified,
		Influential:      influential,
		Underperforming:  underperforming,
		Null:             null,
		NVariants:        nVariants,
		NStudies:         nStudies,
		ExcludedVariants: excluded,
		Manifest: mstat.RunManifest{
			RunID:             core.NewRunID(),
			Estimator:         string(p.opts.Estimator),
			Alpha:             p.opts.Alpha,
			ConvergencePolicy: string(p.opts.Policy),
			Observations:      len(observations),
			Variants:          nVariants,
			Studies:           nStudies,
			ExcludedVariants:  len(excluded),
			RuntimeMs:         time.Since(start).Milliseconds(),
			CreatedAt:         core.Now(),
		},
	}, nil
}

// partition validates the raw input and splits it into variant groups,
// keyed and ordered by variant ID. All input errors surface here, before
// any computation begins.
func partition(observations []mstat.Observation) (map[core.VariantID]*mstat.VariantGroup, []core.VariantID, error) {
	if len(observations) == 0 {
		return nil, nil, errors.InvalidInput("no observations supplied")
	}

	type pair struct {
		v core.VariantID
		s core.StudyID
	}
	seen := make(map[pair]bool, len(observations))
	byVariant := make(map[core.VariantID][]mstat.Observation)
	for _, o := range observations {
		if err := o.Validate(); err != nil {
			return nil, nil, errors.Wrap(errors.InvalidInput(err.Error()), "input validation failed")
		}
		key := pair{o.VariantID, o.StudyID}
		if seen[key] {
			return nil, nil, errors.InvalidInput(fmt.Sprintf(
				"duplicate observation for variant %s, study %s", o.VariantID, o.StudyID))
		}
		seen[key] = true
		byVariant[o.VariantID] = append(byVariant[o.VariantID], o)
	}

	variantIDs := make([]core.VariantID, 0, len(byVariant))
	for id := range byVariant {
		variantIDs = append(variantIDs, id)
	}
	sort.Slice(variantIDs, func(a, b int) bool { return variantIDs[a] < variantIDs[b] })

	groups := make(map[core.VariantID]*mstat.VariantGroup, len(byVariant))
	for _, id := range variantIDs {
		obs := byVariant[id]
		sort.Slice(obs, func(a, b int) bool { return obs[a].StudyID < obs[b].StudyID })
		group, err := mstat.NewVariantGroup(id, obs)
		if err != nil {
			return nil, nil, errors.Wrap(errors.InvalidInput(err.Error()), "input validation failed")
		}
		groups[id] = group
	}
	return groups, variantIDs, nil
}

// fitVariants runs alignment, fitting, influence diagnostics and residual
// standardization for every variant in parallel. Per-variant work shares no
// mutable state; results land in an indexed slice.
func (p *Pipeline) fitVariants(ctx context.Context, groups map[core.VariantID]*mstat.VariantGroup, variantIDs []core.VariantID) ([]variantOutcome, error) {
	fitOpts := meta.Options{
		Estimator: p.opts.Estimator,
		Tol:       p.opts.REMLTol,
		MaxIter:   p.opts.REMLMaxIter,
	}
	aligner := NewAligner(fitOpts)

	outcomes := make([]variantOutcome, len(variantIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, id := range variantIDs {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			group := groups[id]

			fit, err := aligner.Align(group)
			if err != nil {
				if errors.IsConvergenceFailure(err) && p.opts.Policy == PolicyExclude {
					outcomes[i] = variantOutcome{excluded: true}
					return nil
				}
				return err
			}

			variantFit, err := buildVariantFit(group, fit)
			if err != nil {
				return err
			}
			std, err := StandardizeVariant(variantFit)
			if err != nil {
				return err
			}
			outcomes[i] = variantOutcome{fit: variantFit, std: std}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// buildVariantFit attaches the per-observation predictions to the group
func buildVariantFit(group *mstat.VariantGroup, fit *meta.Fit) (*mstat.VariantFit, error) {
	beta := make([]float64, len(group.Observations))
	se := make([]float64, len(group.Observations))
	for i, o := range group.Observations {
		beta[i] = o.Beta
		se[i] = o.SE
	}
	influence, err := meta.ComputeInfluence(beta, se, fit)
	if err != nil {
		return nil, errors.Wrapf(err, "variant %s", group.VariantID)
	}

	obs := make([]mstat.FittedObservation, len(group.Observations))
	for i, o := range group.Observations {
		obs[i] = mstat.FittedObservation{
			Observation:         o,
			PredictedFixed:      fit.Estimate,
			PredictedFixedSE:    fit.SE,
			PredictedShrunken:   influence.Shrunken[i],
			PredictedShrunkenSE: influence.ShrunkenSE[i],
			Leverage:            influence.Leverage[i],
		}
	}
	return &mstat.VariantFit{
		VariantID: group.VariantID,
		Tau2:      fit.Tau2,
		Q:         fit.Q,
		QPValue:   fit.QPValue,
		I2:        fit.I2,
		Estimate:  fit.Estimate,
		SE:        fit.SE,
		Flipped:   group.Flipped,
		Obs:       obs,
	}, nil
}

// groupByStudy splits the standardized dataset per study, ordered by ID
func groupByStudy(standardized []mstat.StandardizedObservation) (map[core.StudyID][]mstat.StandardizedObservation, []core.StudyID) {
	byStudy := make(map[core.StudyID][]mstat.StandardizedObservation)
	for _, s := range standardized {
		byStudy[s.StudyID] = append(byStudy[s.StudyID], s)
	}
	studyIDs := make([]core.StudyID, 0, len(byStudy))
	for id := range byStudy {
		studyIDs = append(studyIDs, id)
	}
	sort.Slice(studyIDs, func(a, b int) bool { return studyIDs[a] < studyIDs[b] })
	return byStudy, studyIDs
}

// aggregateStudies computes every study's M statistic concurrently; the
// per-study work is independent once the standardized dataset exists.
func (p *Pipeline) aggregateStudies(studyIDs []core.StudyID, byStudy map[core.StudyID][]mstat.StandardizedObservation) ([]mstat.MStatistic, error) {
	aggregator := NewAggregator(p.opts.Alpha, len(studyIDs))

	type indexed struct {
		index int
		m     mstat.MStatistic
		err   error
	}
	results := make(chan indexed, len(studyIDs))

	for i, id := range studyIDs {
		go func(index int, studyID core.StudyID) {
			obs := byStudy[studyID]
			usta := make([]float64, len(obs))
			for j, s := range obs {
				usta[j] = s.Usta
			}
			m, err := aggregator.Aggregate(studyID, usta)
			results <- indexed{index: index, m: m, err: err}
		}(i, id)
	}

	mstats := make([]mstat.MStatistic, len(studyIDs))
	var firstErr error
	for range studyIDs {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		mstats[r.index] = r.m
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return mstats, nil
}

// tables extracts the influential and underperforming study tables.
// Influential studies are listed largest M first, underperforming smallest
// first, so the strongest signals lead both tables.
func tables(classified []mstat.ClassifiedStudy) (influential, underperforming []mstat.StudyCall) {
	for _, s := range classified {
		call := mstat.StudyCall{StudyID: s.StudyID, M: s.Mean, BonferroniP: s.BonferroniP}
		switch s.Label {
		case mstat.LabelInfluential:
			influential = append(influential, call)
		case mstat.LabelUnderperforming:
			underperforming = append(underperforming, call)
		}
	}
	sort.SliceStable(influential, func(a, b int) bool { return influential[a].M > influential[b].M })
	sort.SliceStable(underperforming, func(a, b int) bool { return underperforming[a].M < underperforming[b].M })
	return influential, underperforming
}

// merge broadcasts each study's classification onto its observations.
// Joining by study ID is idempotent: every observation of a study carries
// exactly that study's M, SE and bounds.
func merge(standardized []mstat.StandardizedObservation, classified []mstat.ClassifiedStudy) []mstat.MergedObservation {
	byID := make(map[core.StudyID]mstat.ClassifiedStudy, len(classified))
	for _, s := range classified {
		byID[s.StudyID] = s
	}

	merged := make([]mstat.MergedObservation, len(standardized))
	for i, s := range standardized {
		study := byID[s.StudyID]
		merged[i] = mstat.MergedObservation{
			StandardizedObservation: s,
			StudyM:                  study.Mean,
			StudyMSE:                study.SE,
			StudyMSD:                study.SD,
			StudyN:                  study.N,
			StudyLower:              study.Lower,
			StudyUpper:              study.Upper,
			StudyBonferroniP:        study.BonferroniP,
			StudyFDRQ:               study.FDRQ,
			StudyLabel:              study.Label,
		}
	}
	return merged
}
