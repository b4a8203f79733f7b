package excel

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"mstat/domain/mstat"
	"mstat/internal/meta"
	"mstat/internal/pipeline"
	"mstat/internal/testkit"
)

func analysisResult(t *testing.T) *mstat.AnalysisResult {
	t.Helper()
	gen := testkit.NewGenerator(1)
	obs := gen.OutlierStudy(3, 5, "B", 1.0, 5.0, 0.1)

	p, err := pipeline.New(pipeline.Options{
		Estimator: meta.EstimatorDL,
		Alpha:     0.05,
		Policy:    pipeline.PolicyAbort,
		Workers:   2,
	})
	require.NoError(t, err)
	result, err := p.Run(context.Background(), obs)
	require.NoError(t, err)
	return result
}

func TestResultWriter_WorkbookLayout(t *testing.T) {
	result := analysisResult(t)
	path := filepath.Join(t.TempDir(), "result.xlsx")

	require.NoError(t, NewResultWriter(path).Write(context.Background(), result))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Merged", "Influential", "Underperforming", "Summary"}, f.GetSheetList())

	rows, err := f.GetRows("Merged")
	require.NoError(t, err)
	require.Len(t, rows, len(result.Merged)+1)
	assert.Equal(t, "variant_id", rows[0][0])
	assert.Equal(t, "usta", rows[0][12])
	assert.Equal(t, "study_label", rows[0][21])

	// First merged row survives the round trip.
	first := result.Merged[0]
	assert.Equal(t, first.VariantID.String(), rows[1][0])
	assert.Equal(t, first.StudyID.String(), rows[1][1])
	beta, err := strconv.ParseFloat(rows[1][2], 64)
	require.NoError(t, err)
	assert.InDelta(t, first.Beta, beta, 1e-9)
	assert.Equal(t, string(first.StudyLabel), rows[1][21])
}

func TestResultWriter_InfluentialSheet(t *testing.T) {
	result := analysisResult(t)
	require.NotEmpty(t, result.Influential)

	path := filepath.Join(t.TempDir(), "result.xlsx")
	require.NoError(t, NewResultWriter(path).Write(context.Background(), result))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Influential")
	require.NoError(t, err)
	require.Len(t, rows, len(result.Influential)+1)
	assert.Equal(t, []string{"study_id", "m", "bonferroni_p"}, rows[0])
	assert.Equal(t, "B", rows[1][0])
}

func TestResultWriter_SummarySheet(t *testing.T) {
	result := analysisResult(t)
	path := filepath.Join(t.TempDir(), "result.xlsx")
	require.NoError(t, NewResultWriter(path).Write(context.Background(), result))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Summary")
	require.NoError(t, err)

	summary := map[string]string{}
	for _, row := range rows {
		if len(row) >= 2 {
			summary[row[0]] = row[1]
		}
	}
	assert.Equal(t, "5", summary["n_variants"])
	assert.Equal(t, "3", summary["n_studies"])
	assert.Equal(t, "DL", summary["estimator"])
	assert.Equal(t, result.Manifest.RunID.String(), summary["run_id"])
}
