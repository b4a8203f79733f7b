package testkit

import (
	"fmt"
	"math/rand"

	"mstat/domain/core"
	"mstat/domain/mstat"
)

// Generator produces deterministic synthetic observation sets for tests and
// demos. The same seed always yields the same dataset.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator with a fixed seed
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// StudyID returns the canonical synthetic study name for an index (A, B, ...)
func StudyID(i int) core.StudyID {
	return core.StudyID(string(rune('A' + i)))
}

// VariantID returns the canonical synthetic variant name for an index
func VariantID(i int) core.VariantID {
	return core.VariantID(fmt.Sprintf("rs%04d", i+1))
}

// Homogeneous builds a balanced grid where every observation is identical.
// No study deviates, so every M statistic should be approximately zero.
func (g *Generator) Homogeneous(nStudies, nVariants int, beta, se float64) []mstat.Observation {
	obs := make([]mstat.Observation, 0, nStudies*nVariants)
	for v := 0; v < nVariants; v++ {
		for s := 0; s < nStudies; s++ {
			obs = append(obs, mstat.Observation{
				VariantID: VariantID(v),
				StudyID:   StudyID(s),
				Beta:      beta,
				SE:        se,
			})
		}
	}
	return obs
}

// OutlierStudy builds a balanced grid where one study's effects sit at
// outlierBeta while every other study reports baseBeta for every variant.
func (g *Generator) OutlierStudy(nStudies, nVariants int, outlier core.StudyID, baseBeta, outlierBeta, se float64) []mstat.Observation {
	obs := make([]mstat.Observation, 0, nStudies*nVariants)
	for v := 0; v < nVariants; v++ {
		for s := 0; s < nStudies; s++ {
			beta := baseBeta
			if StudyID(s) == outlier {
				beta = outlierBeta
			}
			obs = append(obs, mstat.Observation{
				VariantID: VariantID(v),
				StudyID:   StudyID(s),
				Beta:      beta,
				SE:        se,
			})
		}
	}
	return obs
}

// Noisy builds a grid with per-variant true effects drawn from N(mu, spread)
// and per-observation noise scaled by the reported standard error.
func (g *Generator) Noisy(nStudies, nVariants int, mu, spread, se float64) []mstat.Observation {
	obs := make([]mstat.Observation, 0, nStudies*nVariants)
	for v := 0; v < nVariants; v++ {
		truth := mu + g.rng.NormFloat64()*spread
		for s := 0; s < nStudies; s++ {
			obs = append(obs, mstat.Observation{
				VariantID: VariantID(v),
				StudyID:   StudyID(s),
				Beta:      truth + g.rng.NormFloat64()*se,
				SE:        se,
			})
		}
	}
	return obs
}

// Unbalanced builds a grid and then drops each (variant, study) cell with
// probability dropRate, always keeping at least two studies per variant so
// the input stays valid. Missing combinations are deliberately absent, not
// imputed.
func (g *Generator) Unbalanced(nStudies, nVariants int, mu, se, dropRate float64) []mstat.Observation {
	var obs []mstat.Observation
	for v := 0; v < nVariants; v++ {
		kept := make([]int, 0, nStudies)
		for s := 0; s < nStudies; s++ {
			if g.rng.Float64() >= dropRate {
				kept = append(kept, s)
			}
		}
		// Keep the regression well-posed: at least two studies per variant.
		for len(kept) < 2 {
			s := g.rng.Intn(nStudies)
			if !contains(kept, s) {
				kept = append(kept, s)
			}
		}
		for _, s := range kept {
			obs = append(obs, mstat.Observation{
				VariantID: VariantID(v),
				StudyID:   StudyID(s),
				Beta:      mu + g.rng.NormFloat64()*se,
				SE:        se,
			})
		}
	}
	return obs
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
