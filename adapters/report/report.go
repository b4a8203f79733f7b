package report

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"mstat/domain/mstat"
	"mstat/ports"
)

// Writer renders an analysis result as a Markdown report and, next to it,
// the same report rendered to HTML. Purely a consumer of the result.
type Writer struct {
	markdownPath string
	htmlPath     string
}

// NewWriter creates a report writer. htmlPath may be empty to skip HTML.
func NewWriter(markdownPath, htmlPath string) *Writer {
	return &Writer{markdownPath: markdownPath, htmlPath: htmlPath}
}

var _ ports.ResultWriter = (*Writer)(nil)

// Write renders and saves the report files
func (w *Writer) Write(ctx context.Context, result *mstat.AnalysisResult) error {
	md := Markdown(result)
	if err := os.WriteFile(w.markdownPath, []byte(md), 0644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", w.markdownPath, err)
	}
	if w.htmlPath != "" {
		if err := os.WriteFile(w.htmlPath, RenderHTML(md), 0644); err != nil {
			return fmt.Errorf("failed to write report %s: %w", w.htmlPath, err)
		}
	}
	return nil
}

// Markdown builds the report text from the result
func Markdown(result *mstat.AnalysisResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Heterogeneity report %s\n\n", result.Manifest.RunID)
	fmt.Fprintf(&b, "Estimator %s, alpha %g, %d variants x %d studies.\n\n",
		result.Manifest.Estimator, result.Manifest.Alpha, result.NVariants, result.NStudies)

	fmt.Fprintf(&b, "- expected mean: %g\n", result.Null.ExpectedMean)
	fmt.Fprintf(&b, "- expected sd: %.6f\n", result.Null.ExpectedSD)
	fmt.Fprintf(&b, "- critical threshold: %.6f\n\n", result.Null.CriticalThreshold)

	if len(result.ExcludedVariants) > 0 {
		b.WriteString("## Excluded variants\n\n")
		for _, v := range result.ExcludedVariants {
			fmt.Fprintf(&b, "- %s (estimator did not converge)\n", v)
		}
		b.WriteString("\n")
	}

	writeCallTable(&b, "Influential studies", result.Influential)
	writeCallTable(&b, "Underperforming studies", result.Underperforming)

	b.WriteString("## All studies\n\n")
	b.WriteString("| rank | study | M | 95% bound | bonferroni p | FDR q | label |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, s := range result.Studies {
		fmt.Fprintf(&b, "| %d | %s | %.4f | [%.4f, %.4f] | %.4g | %.4g | %s |\n",
			s.Rank, s.StudyID, s.Mean, s.Lower, s.Upper, s.BonferroniP, s.FDRQ, s.Label)
	}
	return b.String()
}

func writeCallTable(b *strings.Builder, title string, calls []mstat.StudyCall) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(calls) == 0 {
		b.WriteString("None.\n\n")
		return
	}
	b.WriteString("| study | M | bonferroni p |\n")
	b.WriteString("|---|---|---|\n")
	for _, c := range calls {
		fmt.Fprintf(b, "| %s | %.4f | %.4g |\n", c.StudyID, c.M, c.BonferroniP)
	}
	b.WriteString("\n")
}

// RenderHTML converts the Markdown report to a standalone HTML fragment
func RenderHTML(md string) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.Tables)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	return markdown.ToHTML([]byte(md), p, renderer)
}
