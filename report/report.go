// Package report packages analysis results into the value returned to
// callers and renders it as text or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/metrics"
)

// HealthReport is the result of one analysis. It is not modified after
// Assemble returns it.
type HealthReport struct {
	TablePath         string                 `json:"table_path"`
	TableType         lakehouse.Format       `json:"table_type"`
	AnalysisTimestamp string                 `json:"analysis_timestamp"`
	Metrics           *metrics.HealthMetrics `json:"metrics"`
	HealthScore       float64                `json:"health_score"`
}

// Assemble builds the report. now is rendered as RFC 3339 in UTC.
func Assemble(loc lakehouse.TableLocation, format lakehouse.Format, m *metrics.HealthMetrics, score float64, now time.Time) *HealthReport {
	m.HealthScore = score
	return &HealthReport{
		TablePath:         loc.String(),
		TableType:         format,
		AnalysisTimestamp: now.UTC().Format(time.RFC3339),
		Metrics:           m,
		HealthScore:       score,
	}
}

// Score bands.
const (
	BandExcellent = "excellent"
	BandGood      = "good"
	BandFair      = "fair"
	BandPoor      = "poor"
)

// Band names the range a score falls into.
func Band(score float64) string {
	switch {
	case score >= 0.9:
		return BandExcellent
	case score >= 0.7:
		return BandGood
	case score >= 0.5:
		return BandFair
	default:
		return BandPoor
	}
}

// JSON renders the report as indented JSON.
func JSON(r *HealthReport) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

// FormatBytes formats a byte count with binary units.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// Percent formats a [0,1] ratio.
func Percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
