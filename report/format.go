package report

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/TFMV/drainage/metrics"
)

// MaxListed bounds the unreferenced files and partitions printed by Format.
const MaxListed = 10

// Format renders a human readable summary. The output depends only on r.
func Format(r *HealthReport) string {
	var b strings.Builder
	m := r.Metrics

	title := "Table Health Report"
	fmt.Fprintf(&b, "%s\n%s\n", title, strings.Repeat("=", len(title)))

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	row := func(label string, format string, args ...any) {
		fmt.Fprintf(tw, "  %s\t%s\n", label, fmt.Sprintf(format, args...))
	}
	section := func(name string) {
		tw.Flush()
		fmt.Fprintf(&b, "\n%s\n", name)
	}

	row("Table", "%s", r.TablePath)
	row("Type", "%s", r.TableType)
	row("Analyzed", "%s", r.AnalysisTimestamp)
	row("Health score", "%s (%s)", Percent(r.HealthScore), Band(r.HealthScore))

	section("Files")
	row("Active files", "%d", m.TotalFiles)
	row("Active size", "%s", FormatBytes(m.TotalSizeBytes))
	row("Average file size", "%s", FormatBytes(int64(m.AvgFileSizeBytes)))
	row("Unreferenced files", "%d (%s)", len(m.UnreferencedFiles), FormatBytes(m.UnreferencedSizeBytes))
	if len(m.MissingFiles) > 0 {
		row("Missing files", "%d", len(m.MissingFiles))
	}
	row("Partitions", "%d", m.PartitionCount)

	section("File size distribution")
	d := m.FileSizeDistribution
	row("Small", "%d", d.SmallFiles)
	row("Medium", "%d", d.MediumFiles)
	row("Large", "%d", d.LargeFiles)
	row("Very large", "%d", d.VeryLargeFiles)

	section("Data skew")
	row("Partition skew", "%.2f", m.DataSkew.PartitionSkewScore)
	row("File size skew", "%.2f", m.DataSkew.FileSizeSkewScore)
	row("Largest partition", "%s", FormatBytes(m.DataSkew.LargestPartitionSize))
	row("Smallest partition", "%s", FormatBytes(m.DataSkew.SmallestPartitionSize))

	section("Metadata")
	mh := m.MetadataHealth
	row("Metadata files", "%d (%s)", mh.MetadataFileCount, FormatBytes(mh.MetadataTotalSizeBytes))
	row("Manifests", "%d", mh.ManifestFileCount)
	row("Growth rate", "%s/day", FormatBytes(int64(mh.MetadataGrowthRate)))

	section("Snapshots")
	sh := m.SnapshotHealth
	row("Retained versions", "%d", sh.SnapshotCount)
	row("Oldest / newest age", "%.1f / %.1f days", sh.OldestSnapshotAgeDays, sh.NewestSnapshotAgeDays)
	row("Retention risk", "%.2f", sh.SnapshotRetentionRisk)

	if dv := m.DeletionVectors; dv != nil {
		section("Deletion vectors")
		row("Vectors", "%d (%s)", dv.DeletionVectorCount, FormatBytes(dv.TotalDeletionVectorSizeBytes))
		row("Deleted rows", "%d", dv.DeletedRowsCount)
		row("Average age", "%.1f days", dv.DeletionVectorAgeDays)
		row("Impact", "%.2f", dv.DeletionVectorImpactScore)
	}

	if se := m.SchemaEvolution; se != nil {
		section("Schema evolution")
		row("Changes", "%d (%d breaking)", se.TotalSchemaChanges, se.BreakingChanges)
		row("Stability", "%.2f", se.SchemaStabilityScore)
		row("Days since last change", "%.1f", se.DaysSinceLastChange)
		row("Current schema", "%d", se.CurrentSchemaVersion)
	}

	if tt := m.TimeTravel; tt != nil {
		section("Time travel")
		row("Historical size", "%s", FormatBytes(tt.TotalHistoricalSizeBytes))
		row("Storage cost impact", "%.2f", tt.StorageCostImpactScore)
		row("Retention efficiency", "%.2f", tt.RetentionEfficiencyScore)
		row("Recommended retention", "%d days", tt.RecommendedRetentionDays)
	}

	if c := m.Constraints; c != nil {
		section("Constraints")
		row("Declared", "%d (check %d, not null %d, unique %d, foreign key %d)",
			c.TotalConstraints, c.CheckConstraints, c.NotNullConstraints, c.UniqueConstraints, c.ForeignKeyConstraints)
		row("Coverage", "%s", Percent(c.ConstraintCoverageScore))
		row("Data quality", "%.2f", c.DataQualityScore)
	}

	if c := m.Compaction; c != nil {
		section("Compaction")
		row("Small files", "%d (%s)", c.SmallFilesCount, FormatBytes(c.SmallFilesSizeBytes))
		row("Priority", "%s", c.CompactionPriority)
		row("Estimated savings", "%s", FormatBytes(c.EstimatedCompactionSavingsBytes))
		row("Target file size", "%s", FormatBytes(c.RecommendedTargetFileSizeBytes))
		if c.ZOrderOpportunity {
			row("Z-order columns", "%s", strings.Join(c.ZOrderColumns, ", "))
		}
	}

	if cl := m.Clustering; cl != nil {
		section("Clustering")
		row("Columns", "%s", strings.Join(cl.ClusteringColumns, ", "))
		row("Clusters", "%d", cl.ClusterCount)
		row("Files per cluster", "%.1f", cl.AvgFilesPerCluster)
	}

	if len(m.Partitions) > 1 {
		section("Largest partitions")
		for _, p := range LargestPartitions(m, MaxListed) {
			row(p.Key(), "%d files, %s", p.FileCount, FormatBytes(p.TotalSizeBytes))
		}
	}

	if len(m.UnreferencedFiles) > 0 {
		section("Unreferenced files")
		for i, f := range m.UnreferencedFiles {
			if i == MaxListed {
				row("...", "%d more", len(m.UnreferencedFiles)-MaxListed)
				break
			}
			row(f.Path, "%s", FormatBytes(f.SizeBytes))
		}
	}
	tw.Flush()

	b.WriteString("\nRecommendations\n")
	if len(m.Recommendations) == 0 {
		b.WriteString("  none\n")
	}
	for i, rec := range m.Recommendations {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, rec)
	}
	return b.String()
}

// LargestPartitions returns up to n partitions by descending size.
func LargestPartitions(m *metrics.HealthMetrics, n int) []metrics.Partition {
	parts := append([]metrics.Partition{}, m.Partitions...)
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].TotalSizeBytes > parts[j].TotalSizeBytes
	})
	if len(parts) > n {
		parts = parts[:n]
	}
	return parts
}
