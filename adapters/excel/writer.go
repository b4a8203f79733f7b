package excel

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"mstat/domain/mstat"
	"mstat/ports"
)

// ResultWriter writes an analysis result as an Excel workbook with four
// sheets: Merged (per-observation dataset), Influential, Underperforming,
// and Summary (the null-model scalars and run manifest).
type ResultWriter struct {
	filePath string
}

// NewResultWriter creates a workbook writer targeting filePath
func NewResultWriter(filePath string) *ResultWriter {
	return &ResultWriter{filePath: filePath}
}

var _ ports.ResultWriter = (*ResultWriter)(nil)

// Write renders the result and saves the workbook
func (w *ResultWriter) Write(ctx context.Context, result *mstat.AnalysisResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := w.writeMerged(f, result); err != nil {
		return err
	}
	if err := w.writeCalls(f, "Influential", result.Influential); err != nil {
		return err
	}
	if err := w.writeCalls(f, "Underperforming", result.Underperforming); err != nil {
		return err
	}
	if err := w.writeSummary(f, result); err != nil {
		return err
	}

	// Replace the default sheet with Merged as the first sheet.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}
	if err := f.SaveAs(w.filePath); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", w.filePath, err)
	}
	return nil
}

func (w *ResultWriter) writeMerged(f *excelize.File, result *mstat.AnalysisResult) error {
	const sheet = "Merged"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	header := []interface{}{
		"variant_id", "study_id", "beta", "se",
		"xb", "xbse", "xbu", "stdxbu", "hat",
		"tau2", "raw_residual", "uncond_se", "usta",
		"usta_mean", "usta_mean_se", "usta_mean_sd", "study_n",
		"study_lower", "study_upper", "study_bonferroni_p", "study_fdr_q", "study_label",
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, m := range result.Merged {
		row := []interface{}{
			m.VariantID.String(), m.StudyID.String(), m.Beta, m.SE,
			m.PredictedFixed, m.PredictedFixedSE, m.PredictedShrunken, m.PredictedShrunkenSE, m.Leverage,
			m.Tau2, m.RawResidual, m.UncondSE, m.Usta,
			m.StudyM, m.StudyMSE, m.StudyMSD, m.StudyN,
			m.StudyLower, m.StudyUpper, m.StudyBonferroniP, m.StudyFDRQ, string(m.StudyLabel),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to address row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	return nil
}

func (w *ResultWriter) writeCalls(f *excelize.File, sheet string, calls []mstat.StudyCall) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	header := []interface{}{"study_id", "m", "bonferroni_p"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, c := range calls {
		row := []interface{}{c.StudyID.String(), c.M, c.BonferroniP}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to address row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	return nil
}

func (w *ResultWriter) writeSummary(f *excelize.File, result *mstat.AnalysisResult) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	rows := [][]interface{}{
		{"expected_mean", result.Null.ExpectedMean},
		{"expected_sd", result.Null.ExpectedSD},
		{"critical_threshold", result.Null.CriticalThreshold},
		{"n_variants", result.NVariants},
		{"n_studies", result.NStudies},
		{"excluded_variants", len(result.ExcludedVariants)},
		{"run_id", result.Manifest.RunID.String()},
		{"estimator", result.Manifest.Estimator},
		{"alpha", result.Manifest.Alpha},
		{"convergence_policy", result.Manifest.ConvergencePolicy},
		{"runtime_ms", result.Manifest.RuntimeMs},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to address row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	return nil
}
