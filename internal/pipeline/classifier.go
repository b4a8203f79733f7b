package pipeline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"mstat/domain/mstat"
)

// Classify scores every study's M statistic against the null model:
// z-score, two-sided normal p-value, Bonferroni p-value across nStudies
// tests, and a Benjamini-Hochberg q-value over the Bonferroni p-values.
// Studies are labeled influential when M reaches the critical threshold,
// underperforming when it reaches the negative threshold, neutral
// otherwise, and ranked by ascending M with study ID breaking ties.
func Classify(studies []mstat.MStatistic, null mstat.NullModel, nStudies int) []mstat.ClassifiedStudy {
	out := make([]mstat.ClassifiedStudy, len(studies))
	bonferroni := make([]float64, len(studies))

	for i, s := range studies {
		z := (s.Mean - null.ExpectedMean) / null.ExpectedSD
		p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
		if p > 1 {
			p = 1
		}
		bp := math.Min(1, p*float64(nStudies))
		bonferroni[i] = bp

		label := mstat.LabelNeutral
		switch {
		case s.Mean >= null.CriticalThreshold:
			label = mstat.LabelInfluential
		case s.Mean <= -null.CriticalThreshold:
			label = mstat.LabelUnderperforming
		}

		out[i] = mstat.ClassifiedStudy{
			MStatistic:  s,
			Z:           z,
			PValue:      p,
			BonferroniP: bp,
			Label:       label,
		}
	}

	for i, q := range benjaminiHochberg(bonferroni) {
		out[i].FDRQ = q
	}

	rank(out)
	return out
}

// benjaminiHochberg computes step-up FDR q-values, returned in the input's
// ordering. q_(k) = min over j >= k of p_(j) * m / j, clamped to 1.
func benjaminiHochberg(p []float64) []float64 {
	m := len(p)
	q := make([]float64, m)
	if m == 0 {
		return q
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })

	running := math.Inf(1)
	for k := m - 1; k >= 0; k-- {
		idx := order[k]
		adjusted := p[idx] * float64(m) / float64(k+1)
		if adjusted < running {
			running = adjusted
		}
		q[idx] = math.Min(1, running)
	}
	return q
}

// rank orders studies by ascending M, ties broken by study ID, and stamps
// ranks 1..n. The slice order itself is left for the caller.
func rank(studies []mstat.ClassifiedStudy) {
	order := make([]int, len(studies))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := studies[order[a]], studies[order[b]]
		if sa.Mean != sb.Mean {
			return sa.Mean < sb.Mean
		}
		return sa.StudyID < sb.StudyID
	})
	for r, idx := range order {
		studies[idx].Rank = r + 1
	}
}
