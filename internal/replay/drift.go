package replay

import (
	"fmt"
	"math"
	"sort"
	"time"

	"registry-scorer/internal/storage"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// DriftMethod names a test comparing two samples of one input feature.
type DriftMethod string

const (
	KolmogorovSmirnov        DriftMethod = "kolmogorov_smirnov"
	PopulationStabilityIndex DriftMethod = "population_stability_index"
	StatisticalMoments       DriftMethod = "statistical_moments"
	ChiSquare                DriftMethod = "chi_square"
)

const driftBins = 10

// DriftConfig configures drift detection between two capture windows
type DriftConfig struct {
	Threshold         float64            `yaml:"threshold"`
	MinSamples        int                `yaml:"min_samples"`
	Methods           []DriftMethod      `yaml:"methods"`
	FeatureThresholds map[string]float64 `yaml:"feature_thresholds"`
}

func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		Threshold:  0.1,
		MinSamples: 30,
		Methods:    []DriftMethod{KolmogorovSmirnov, PopulationStabilityIndex, StatisticalMoments},
	}
}

// FeatureDistribution summarizes the values one input column took in a window.
type FeatureDistribution struct {
	Mean        float64   `json:"mean"`
	StandardDev float64   `json:"standard_dev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Percentiles []float64 `json:"percentiles"` // 25th, 50th, 75th
	SampleCount int       `json:"sample_count"`

	samples []float64
}

// FeatureDrift holds the scores of every configured method for one column.
type FeatureDrift struct {
	Feature  string                  `json:"feature"`
	Baseline FeatureDistribution     `json:"baseline"`
	Current  FeatureDistribution     `json:"current"`
	Scores   map[DriftMethod]float64 `json:"scores,omitempty"`
	Skipped  bool                    `json:"skipped,omitempty"`
}

// DriftAlert is raised when a method's score passes the feature threshold.
type DriftAlert struct {
	Timestamp      time.Time   `json:"timestamp"`
	FeatureName    string      `json:"feature_name"`
	Method         DriftMethod `json:"method"`
	DriftScore     float64     `json:"drift_score"`
	Threshold      float64     `json:"threshold"`
	Severity       string      `json:"severity"`
	Description    string      `json:"description"`
	Recommendation string      `json:"recommendation"`
}

// DriftReport compares the inputs of a baseline window with those of the
// replayed window.
type DriftReport struct {
	BaselineRows int            `json:"baseline_rows"`
	CurrentRows  int            `json:"current_rows"`
	Features     []FeatureDrift `json:"features"`
	Alerts       []DriftAlert   `json:"alerts"`
}

// DriftDetector compares per-column input distributions of two capture sets.
type DriftDetector struct {
	config DriftConfig
	now    func() time.Time
}

func NewDriftDetector(config DriftConfig) *DriftDetector {
	defaults := DefaultDriftConfig()
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.MinSamples <= 0 {
		config.MinSamples = defaults.MinSamples
	}
	if len(config.Methods) == 0 {
		config.Methods = defaults.Methods
	}
	return &DriftDetector{config: config, now: time.Now}
}

// Compare scores every input column present in both windows. Columns are
// named by position since the endpoint does not keep column names.
func (d *DriftDetector) Compare(baseline, current []storage.Capture) *DriftReport {
	base := columns(baseline)
	cur := columns(current)

	report := &DriftReport{
		BaselineRows: rowCount(baseline),
		CurrentRows:  rowCount(current),
	}

	for i := 0; i < min(len(base), len(cur)); i++ {
		name := fmt.Sprintf("feature_%d", i)
		fd := FeatureDrift{
			Feature:  name,
			Baseline: distribution(base[i]),
			Current:  distribution(cur[i]),
		}
		if fd.Baseline.SampleCount < d.config.MinSamples || fd.Current.SampleCount < d.config.MinSamples {
			fd.Skipped = true
			report.Features = append(report.Features, fd)
			continue
		}

		fd.Scores = make(map[DriftMethod]float64, len(d.config.Methods))
		for _, method := range d.config.Methods {
			score, description, ok := runMethod(method, &fd.Baseline, &fd.Current)
			if !ok {
				continue
			}
			fd.Scores[method] = score
			if alert := d.alert(name, method, score, description); alert != nil {
				report.Alerts = append(report.Alerts, *alert)
			}
		}
		report.Features = append(report.Features, fd)
	}

	for _, a := range report.Alerts {
		log.Warn().
			Str("feature", a.FeatureName).
			Str("method", string(a.Method)).
			Float64("score", a.DriftScore).
			Str("severity", a.Severity).
			Msg("input drift detected")
	}
	return report
}

func (d *DriftDetector) alert(feature string, method DriftMethod, score float64, description string) *DriftAlert {
	threshold := d.config.Threshold
	if t, ok := d.config.FeatureThresholds[feature]; ok {
		threshold = t
	}
	if score <= threshold {
		return nil
	}

	severity := "medium"
	if score > threshold*2 {
		severity = "high"
	}
	if score > threshold*3 {
		severity = "critical"
	}

	return &DriftAlert{
		Timestamp:      d.now(),
		FeatureName:    feature,
		Method:         method,
		DriftScore:     score,
		Threshold:      threshold,
		Severity:       severity,
		Description:    description,
		Recommendation: recommendation(severity, feature),
	}
}

func runMethod(method DriftMethod, baseline, current *FeatureDistribution) (float64, string, bool) {
	switch method {
	case KolmogorovSmirnov:
		return ksStatistic(baseline.samples, current.samples),
			"Distribution shape change detected using Kolmogorov-Smirnov test", true
	case PopulationStabilityIndex:
		return psi(baseline, current),
			"Population distribution shift detected using PSI", true
	case StatisticalMoments:
		return momentsScore(baseline, current),
			"Statistical properties (mean, std dev) have changed significantly", true
	case ChiSquare:
		return chiSquare(baseline, current),
			"Distribution comparison shows significant change using Chi-Square test", true
	default:
		return 0, "", false
	}
}

func recommendation(severity, feature string) string {
	switch severity {
	case "critical":
		return fmt.Sprintf("CRITICAL: Feature '%s' shows severe drift. Register a retrained model before relying on the primary version.", feature)
	case "high":
		return fmt.Sprintf("HIGH: Feature '%s' shows significant drift. Schedule model retraining within 24-48 hours.", feature)
	default:
		return fmt.Sprintf("MEDIUM: Feature '%s' shows moderate drift. Monitor closely and consider retraining if trend continues.", feature)
	}
}

// columns transposes the captured inputs into one slice per column. Captures
// narrower than the widest one only contribute to their own columns.
func columns(captures []storage.Capture) [][]float64 {
	width := lo.Max(lo.Map(captures, func(c storage.Capture, _ int) int { return c.Input.Cols() }))
	cols := make([][]float64, width)
	for _, c := range captures {
		for r := 0; r < c.Input.Rows(); r++ {
			for j, v := range c.Input.Row(r) {
				cols[j] = append(cols[j], v)
			}
		}
	}
	return cols
}

func rowCount(captures []storage.Capture) int {
	return lo.SumBy(captures, func(c storage.Capture) int { return c.Input.Rows() })
}

func distribution(values []float64) FeatureDistribution {
	dist := FeatureDistribution{SampleCount: len(values), Percentiles: make([]float64, 3)}
	if len(values) == 0 {
		return dist
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	dist.samples = sorted
	dist.Min = sorted[0]
	dist.Max = sorted[len(sorted)-1]
	dist.Mean = lo.Sum(sorted) / float64(len(sorted))

	if len(sorted) > 1 {
		var ss float64
		for _, v := range sorted {
			ss += (v - dist.Mean) * (v - dist.Mean)
		}
		dist.StandardDev = math.Sqrt(ss / float64(len(sorted)-1))
	}

	n := len(sorted)
	dist.Percentiles[0] = sorted[n/4]
	dist.Percentiles[1] = sorted[n/2]
	dist.Percentiles[2] = sorted[3*n/4]
	return dist
}

// ksStatistic is the largest gap between the two empirical CDFs. Both inputs
// must be sorted.
func ksStatistic(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var maxDiff float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		v := math.Min(a[i], b[j])
		for i < len(a) && a[i] <= v {
			i++
		}
		for j < len(b) && b[j] <= v {
			j++
		}
		diff := math.Abs(float64(i)/float64(len(a)) - float64(j)/float64(len(b)))
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff
}

// bin counts samples into driftBins equal-width bins over [low, high].
func bin(samples []float64, low, high float64) []float64 {
	counts := make([]float64, driftBins)
	width := (high - low) / driftBins
	for _, s := range samples {
		i := int((s - low) / width)
		if i >= driftBins {
			i = driftBins - 1
		}
		if i < 0 {
			i = 0
		}
		counts[i]++
	}
	return counts
}

// psi skips bins empty on either side.
func psi(baseline, current *FeatureDistribution) float64 {
	low := math.Min(baseline.Min, current.Min)
	high := math.Max(baseline.Max, current.Max)
	if high == low {
		return 0
	}

	bb := bin(baseline.samples, low, high)
	cb := bin(current.samples, low, high)
	bt := float64(len(baseline.samples))
	ct := float64(len(current.samples))

	var score float64
	for i := 0; i < driftBins; i++ {
		bp := bb[i] / bt
		cp := cb[i] / ct
		if bp > 0 && cp > 0 {
			score += (cp - bp) * math.Log(cp/bp)
		}
	}
	return math.Abs(score)
}

func momentsScore(baseline, current *FeatureDistribution) float64 {
	mean := math.Abs(baseline.Mean-current.Mean) / (1 + math.Abs(baseline.Mean))
	std := math.Abs(baseline.StandardDev-current.StandardDev) / (1 + baseline.StandardDev)
	return (mean + std) / 2
}

// chiSquare is normalized by the degrees of freedom.
func chiSquare(baseline, current *FeatureDistribution) float64 {
	low := math.Min(baseline.Min, current.Min)
	high := math.Max(baseline.Max, current.Max)
	if high == low {
		return 0
	}

	bb := bin(baseline.samples, low, high)
	cb := bin(current.samples, low, high)
	bt := float64(len(baseline.samples))
	ct := float64(len(current.samples))

	var score float64
	for i := 0; i < driftBins; i++ {
		expected := bb[i] / bt * ct
		if expected > 0 {
			score += (cb[i] - expected) * (cb[i] - expected) / expected
		}
	}
	return score / float64(driftBins-1)
}
