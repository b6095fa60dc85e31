package replay

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	SummaryFile = "replay_summary.txt"
	ChangesFile = "replay_changes.csv"
	ResultsFile = "replay_results.json"
)

// Reporter writes replay reports
type Reporter struct {
	results    *Results
	outputPath string
}

func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes the summary, change log and JSON report to the
// output directory.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateChangeLog(); err != nil {
		return err
	}
	if err := r.generateJSONReport(); err != nil {
		return err
	}

	log.Info().Str("path", r.outputPath).Msg("replay reports written")
	return nil
}

func (r *Reporter) generateSummary() error {
	file, err := os.Create(filepath.Join(r.outputPath, SummaryFile))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)
	return nil
}

func (r *Reporter) generateChangeLog() error {
	file, err := os.Create(filepath.Join(r.outputPath, ChangesFile))
	if err != nil {
		return fmt.Errorf("failed to create change log: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{"request_id", "timestamp", "rows", "before_role", "before_version", "after_role", "after_version", "before", "after", "error"}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, c := range r.results.Changes {
		before, _ := json.Marshal(c.Before)
		after := []byte{}
		if c.Error == "" {
			after, _ = json.Marshal(c.After)
		}
		record := []string{
			c.RequestID,
			c.Timestamp.Format(time.RFC3339Nano),
			strconv.Itoa(c.Rows),
			c.BeforeRole,
			c.BeforeVersion,
			c.AfterRole,
			c.AfterVersion,
			string(before),
			string(after),
			c.Error,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func (r *Reporter) generateJSONReport() error {
	data, err := json.MarshalIndent(r.results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.outputPath, ResultsFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}
	return nil
}

// PrintSummary writes a human-readable summary to w
func (r *Reporter) PrintSummary(w io.Writer) {
	r.writeSummary(w)
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.results

	fmt.Fprintf(w, "REPLAY RESULTS\n")
	fmt.Fprintf(w, "==============\n")
	if res.Total > 0 {
		fmt.Fprintf(w, "Period: %s to %s\n",
			res.StartTime.Format("2006-01-02 15:04:05"),
			res.EndTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "Captures: %d\n", res.Total)
	fmt.Fprintf(w, "Unchanged: %d\n", res.Unchanged)
	fmt.Fprintf(w, "Changed: %d\n", res.Changed)
	fmt.Fprintf(w, "Failed: %d\n", res.Failed)
	fmt.Fprintf(w, "Agreement: %.2f%%\n", res.AgreementRate()*100)

	roles := lo.Keys(res.ByRole)
	sort.Strings(roles)
	for _, role := range roles {
		s := res.ByRole[role]
		fmt.Fprintf(w, "\n%s: replayed=%d unchanged=%d changed=%d failed=%d\n",
			role, s.Replayed, s.Unchanged, s.Changed, s.Failed)
	}

	if res.Drift != nil {
		writeDrift(w, res.Drift)
	}
}

func writeDrift(w io.Writer, d *DriftReport) {
	fmt.Fprintf(w, "\nINPUT DRIFT\n")
	fmt.Fprintf(w, "===========\n")
	fmt.Fprintf(w, "Baseline rows: %d\n", d.BaselineRows)
	fmt.Fprintf(w, "Current rows: %d\n", d.CurrentRows)
	for _, f := range d.Features {
		if f.Skipped {
			fmt.Fprintf(w, "%s: skipped (baseline=%d current=%d samples)\n", f.Feature, f.Baseline.SampleCount, f.Current.SampleCount)
			continue
		}
		fmt.Fprintf(w, "%s: mean %.4f -> %.4f, std %.4f -> %.4f\n",
			f.Feature, f.Baseline.Mean, f.Current.Mean, f.Baseline.StandardDev, f.Current.StandardDev)
	}
	if len(d.Alerts) == 0 {
		fmt.Fprintf(w, "No drift alerts\n")
		return
	}
	fmt.Fprintf(w, "Alerts: %d\n", len(d.Alerts))
	for _, a := range d.Alerts {
		fmt.Fprintf(w, "  [%s] %s %s=%.4f (threshold %.2f)\n", a.Severity, a.FeatureName, a.Method, a.DriftScore, a.Threshold)
	}
}
