package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"mstat/domain/core"
	"mstat/domain/mstat"
	"mstat/ports"
)

// DataReader reads observations from Excel or CSV files. Expected columns,
// by header name: variant_id, study_id, beta, se.
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
}

// NewDataReader creates a reader that handles both Excel and CSV files
func NewDataReader(filePath string) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	return &DataReader{filePath: filePath, fileType: fileType}
}

var _ ports.ObservationSource = (*DataReader)(nil)

// Load reads the observations from the configured file
func (r *DataReader) Load(ctx context.Context) ([]mstat.Observation, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s file not found: %s", strings.ToUpper(r.fileType), r.filePath)
	}

	var rows [][]string
	var err error
	switch r.fileType {
	case "csv":
		rows, err = r.readCSVRows()
	case "xlsx":
		rows, err = r.readExcelRows()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", r.fileType)
	}
	if err != nil {
		return nil, err
	}
	return parseObservations(rows)
}

func (r *DataReader) readCSVRows() ([][]string, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

func (r *DataReader) readExcelRows() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("Excel file has no sheets: %s", r.filePath)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

// parseObservations maps header-addressed rows into observations
func parseObservations(rows [][]string) ([]mstat.Observation, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("input needs a header row and at least one data row, got %d rows", len(rows))
	}

	columns := map[string]int{}
	for i, name := range rows[0] {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"variant_id", "study_id", "beta", "se"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("input is missing required column %q", required)
		}
	}

	observations := make([]mstat.Observation, 0, len(rows)-1)
	for rowIdx, row := range rows[1:] {
		cell := func(name string) string {
			idx := columns[name]
			if idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		beta, err := strconv.ParseFloat(cell("beta"), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid beta %q", rowIdx+2, cell("beta"))
		}
		se, err := strconv.ParseFloat(cell("se"), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid se %q", rowIdx+2, cell("se"))
		}

		observations = append(observations, mstat.Observation{
			VariantID: core.VariantID(cell("variant_id")),
			StudyID:   core.StudyID(cell("study_id")),
			Beta:      beta,
			SE:        se,
		})
	}
	return observations, nil
}
