package evaluate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ecg-diagnosis/internal/render"

	"github.com/rs/zerolog/log"
)

// Reporter writes evaluation reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes the summary, the per-sample log, the JSON results
// and the per-class recall chart into the output directory.
func (r *Reporter) GenerateReport() error {
	// Create output directory
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}

	if err := r.generatePredictionLog(); err != nil {
		return err
	}

	if err := r.generateJSONReport(); err != nil {
		return err
	}

	if r.results.Evaluated > 0 {
		if err := r.generateRecallChart(); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, "evaluation_summary.txt")
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.results

	fmt.Fprintf(w, "EVALUATION SUMMARY\n")
	fmt.Fprintf(w, "==================\n\n")
	fmt.Fprintf(w, "Samples: %d\n", res.Total)
	fmt.Fprintf(w, "Evaluated: %d\n", res.Evaluated)
	fmt.Fprintf(w, "Failed: %d\n", res.Failed)
	fmt.Fprintf(w, "Unlabeled: %d\n", res.Unlabeled)
	fmt.Fprintf(w, "Accuracy: %.2f%%\n", res.Accuracy*100)
	fmt.Fprintf(w, "Macro F1: %.3f\n", res.MacroF1)
	fmt.Fprintf(w, "Duration: %s\n\n", res.EndTime.Sub(res.StartTime).Round(time.Millisecond))

	fmt.Fprintf(w, "PER CLASS\n")
	fmt.Fprintf(w, "---------\n")
	for _, class := range res.Classes {
		s := res.PerClass[class]
		fmt.Fprintf(w, "%-30s support %4d  precision %.3f  recall %.3f  f1 %.3f\n",
			class, s.Support, s.Precision, s.Recall, s.F1)
	}

	fmt.Fprintf(w, "\nCONFUSION (rows expected, columns predicted)\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	for i, class := range res.Classes {
		cells := make([]string, len(res.Confusion[i]))
		for j, n := range res.Confusion[i] {
			cells[j] = fmt.Sprintf("%4d", n)
		}
		fmt.Fprintf(w, "%-30s %s\n", class, strings.Join(cells, " "))
	}

	if len(res.ErrorsByKind) > 0 {
		fmt.Fprintf(w, "\nERRORS BY KIND\n")
		fmt.Fprintf(w, "--------------\n")
		kinds := make([]string, 0, len(res.ErrorsByKind))
		for k := range res.ErrorsByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "%s: %d\n", k, res.ErrorsByKind[k])
		}
	}
}

// generatePredictionLog writes one CSV row per sample
func (r *Reporter) generatePredictionLog() error {
	csvPath := filepath.Join(r.outputPath, "predictions.csv")
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create prediction log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"ID", "Label", "Predicted", "Confidence", "Correct", "Error Kind", "Error", "Duration ms"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range r.results.Outcomes {
		record := []string{
			o.ID,
			o.Label,
			o.Predicted,
			fmt.Sprintf("%.4f", o.Confidence),
			fmt.Sprintf("%t", o.Correct),
			o.ErrorKind,
			o.Error,
			fmt.Sprintf("%.2f", o.DurationMS),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write prediction log: %w", err)
	}

	log.Info().Str("file", csvPath).Msg("Prediction log generated")
	return nil
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, "evaluation_results.json")

	data, err := json.MarshalIndent(r.results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

func (r *Reporter) generateRecallChart() error {
	chartPath := filepath.Join(r.outputPath, "recall_by_class.png")
	file, err := os.Create(chartPath)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer file.Close()

	recall := make([]float64, len(r.results.Classes))
	for i, class := range r.results.Classes {
		recall[i] = r.results.PerClass[class].Recall
	}
	if err := render.ScoresPNG(file, "Recall by class", r.results.Classes, recall); err != nil {
		return err
	}

	log.Info().Str("file", chartPath).Msg("Recall chart generated")
	return nil
}

// PrintSummary prints a summary to w
func (r *Reporter) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "\n=== EVALUATION RESULTS ===")
	r.writeSummary(w)
	fmt.Fprintln(w, "==========================")
}
