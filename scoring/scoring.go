// Package scoring reduces HealthMetrics to a single health score and an
// ordered list of recommendations.
package scoring

import (
	"fmt"
	"math"

	"github.com/TFMV/drainage/metrics"
)

// Penalty weights. A factor never subtracts more than its weight.
const (
	WeightUnreferenced     = 0.30
	WeightSmallFiles       = 0.20
	WeightVeryLargeFiles   = 0.10
	WeightManyFilesPerPart = 0.10
	WeightFewFilesPerPart  = 0.05
	WeightPartitionSkew    = 0.15
	WeightFileSizeSkew     = 0.10
	WeightMetadataSize     = 0.05
	WeightRetentionRisk    = 0.10
	WeightDeletionVectors  = 0.15
	WeightSchemaStability  = 0.20
	WeightTimeTravelCost   = 0.10
	WeightRetentionWaste   = 0.05
	WeightDataQuality      = 0.15
	WeightViolationRisk    = 0.10
	WeightCompaction       = 0.10
	WeightEmptyTable       = 0.10
)

// Thresholds that trigger flat penalties or recommendations.
const (
	MaxFilesPerPartition      = 100
	MinFilesPerPartition      = 5
	MetadataSizeLimit         = 100 * metrics.MiB
	UnreferencedRatioLimit    = 0.10
	SmallFileFractionLimit    = 0.30
	VeryLargeFractionLimit    = 0.10
	SkewLimit                 = 0.5
	RetentionRiskLimit        = 0.7
	DeletionVectorImpactLimit = 0.5
	SchemaStabilityFloor      = 0.5
	StorageCostLimit          = 0.5
	DataQualityFloor          = 0.5
)

// Score combines the metric groups into a value in [0,1]. It starts at 1
// and subtracts capped penalties.
func Score(m *metrics.HealthMetrics) float64 {
	score := 1.0
	penalize := func(weight, factor float64) {
		score -= weight * clamp(factor)
	}

	penalize(WeightUnreferenced, UnreferencedRatio(m))

	if m.TotalFiles == 0 {
		penalize(WeightEmptyTable, 1)
	} else {
		d := m.FileSizeDistribution
		total := float64(m.TotalFiles)
		penalize(WeightSmallFiles, float64(d.SmallFiles)/total)
		penalize(WeightVeryLargeFiles, float64(d.VeryLargeFiles)/total)
	}

	if m.PartitionCount > 0 && m.TotalFiles > 0 {
		perPartition := float64(m.TotalFiles) / float64(m.PartitionCount)
		switch {
		case perPartition > MaxFilesPerPartition:
			penalize(WeightManyFilesPerPart, 1)
		case perPartition < MinFilesPerPartition:
			penalize(WeightFewFilesPerPart, 1)
		}
	}

	penalize(WeightPartitionSkew, m.DataSkew.PartitionSkewScore)
	penalize(WeightFileSizeSkew, m.DataSkew.FileSizeSkewScore)

	if m.MetadataHealth.MetadataTotalSizeBytes > MetadataSizeLimit {
		penalize(WeightMetadataSize, 1)
	}
	penalize(WeightRetentionRisk, m.SnapshotHealth.SnapshotRetentionRisk)

	if dv := m.DeletionVectors; dv != nil {
		penalize(WeightDeletionVectors, dv.DeletionVectorImpactScore)
	}
	if se := m.SchemaEvolution; se != nil {
		penalize(WeightSchemaStability, 1-se.SchemaStabilityScore)
	}
	if tt := m.TimeTravel; tt != nil {
		penalize(WeightTimeTravelCost, tt.StorageCostImpactScore)
		penalize(WeightRetentionWaste, 1-tt.RetentionEfficiencyScore)
	}
	if c := m.Constraints; c != nil {
		penalize(WeightDataQuality, 1-c.DataQualityScore)
		penalize(WeightViolationRisk, c.ConstraintViolationRisk)
	}
	if c := m.Compaction; c != nil {
		penalize(WeightCompaction, c.CompactionOpportunityScore)
	}
	return clamp(score)
}

// UnreferencedRatio is the unreferenced share of all listed bytes. When no
// bytes are known it falls back to the share of files.
func UnreferencedRatio(m *metrics.HealthMetrics) float64 {
	if total := m.TotalSizeBytes + m.UnreferencedSizeBytes; total > 0 {
		return float64(m.UnreferencedSizeBytes) / float64(total)
	}
	if total := m.TotalFiles + len(m.UnreferencedFiles); total > 0 {
		return float64(len(m.UnreferencedFiles)) / float64(total)
	}
	return 0
}

// Severity orders recommendations.
type Severity int

const (
	SeverityCritical Severity = iota
	SeverityHigh
	SeverityMedium
	SeverityLow
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Recommendation is one triggered threshold.
type Recommendation struct {
	Severity Severity
	Message  string
}

// Recommend returns one message per crossed threshold, most severe first.
// missing lists active files absent from storage.
func Recommend(m *metrics.HealthMetrics, missing []string) []string {
	recs := Evaluate(m, missing)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

// Evaluate is Recommend with severities attached.
func Evaluate(m *metrics.HealthMetrics, missing []string) []Recommendation {
	tiers := make([][]Recommendation, SeverityLow+1)
	add := func(s Severity, format string, args ...any) {
		tiers[s] = append(tiers[s], Recommendation{Severity: s, Message: fmt.Sprintf(format, args...)})
	}

	if len(missing) > 0 {
		add(SeverityCritical, "%d active data file(s) are missing from storage (first: %s); restore them or repair the table metadata",
			len(missing), missing[0])
	}

	if ratio := UnreferencedRatio(m); ratio > UnreferencedRatioLimit {
		add(SeverityHigh, "%.1f%% of stored data (%d files) is unreferenced; run a cleanup (VACUUM / remove_orphan_files)",
			ratio*100, len(m.UnreferencedFiles))
	}

	if m.TotalFiles == 0 {
		if len(missing) == 0 {
			add(SeverityMedium, "table has no active data files; check that writes are committing or drop the table")
		}
	} else {
		d := m.FileSizeDistribution
		if frac := float64(d.SmallFiles) / float64(m.TotalFiles); frac > SmallFileFractionLimit {
			add(SeverityHigh, "%.1f%% of files are small; run compaction (OPTIMIZE / rewrite_data_files)", frac*100)
		}
		if frac := float64(d.VeryLargeFiles) / float64(m.TotalFiles); frac > VeryLargeFractionLimit {
			add(SeverityLow, "%.1f%% of files are very large; consider a smaller target file size", frac*100)
		}
	}

	if dv := m.DeletionVectors; dv != nil && dv.DeletionVectorImpactScore > DeletionVectorImpactLimit {
		add(SeverityHigh, "deletion vectors cover %d rows across %d files; rewrite affected files to purge deleted rows",
			dv.DeletedRowsCount, dv.DeletionVectorCount)
	}

	if se := m.SchemaEvolution; se != nil && se.BreakingChanges > 0 && se.SchemaStabilityScore < SchemaStabilityFloor {
		add(SeverityMedium, "schema has %d breaking change(s); review downstream readers and coordinate schema changes",
			se.BreakingChanges)
	}

	if m.DataSkew.PartitionSkewScore > SkewLimit {
		add(SeverityMedium, "partition sizes are skewed (score %.2f); revisit the partitioning scheme", m.DataSkew.PartitionSkewScore)
	}
	if m.DataSkew.FileSizeSkewScore > SkewLimit {
		add(SeverityMedium, "file sizes are uneven (score %.2f); compact to a uniform target size", m.DataSkew.FileSizeSkewScore)
	}

	if risk := m.SnapshotHealth.SnapshotRetentionRisk; risk > RetentionRiskLimit {
		add(SeverityMedium, "%d retained versions, oldest %.0f days; expire old snapshots or checkpoint the log",
			m.SnapshotHealth.SnapshotCount, m.SnapshotHealth.OldestSnapshotAgeDays)
	}

	if tt := m.TimeTravel; tt != nil && tt.StorageCostImpactScore > StorageCostLimit {
		add(SeverityMedium, "historical files hold %d bytes; reduce retention to %d days",
			tt.TotalHistoricalSizeBytes, tt.RecommendedRetentionDays)
	}

	if m.PartitionCount > 0 && m.TotalFiles > 0 {
		perPartition := float64(m.TotalFiles) / float64(m.PartitionCount)
		if perPartition > MaxFilesPerPartition {
			add(SeverityMedium, "%.0f files per partition on average; compact within partitions", perPartition)
		}
	}

	if c := m.Compaction; c != nil && c.ZOrderOpportunity {
		add(SeverityLow, "cluster or z-order files by %v to improve data skipping", c.ZOrderColumns)
	}

	if m.MetadataHealth.MetadataTotalSizeBytes > MetadataSizeLimit {
		add(SeverityLow, "metadata is %d bytes across %d files; checkpoint the log or rewrite manifests",
			m.MetadataHealth.MetadataTotalSizeBytes, m.MetadataHealth.MetadataFileCount)
	}

	if c := m.Constraints; c != nil && c.DataQualityScore < DataQualityFloor {
		add(SeverityLow, "constraints cover %.0f%% of columns; declare NOT NULL or CHECK constraints",
			c.ConstraintCoverageScore*100)
	}

	var out []Recommendation
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	if out == nil {
		out = []Recommendation{}
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
