package display

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/TFMV/drainage/report"
)

type section struct {
	title  string
	header bool
	rows   [][]string
}

const timeLayout = "2006-01-02 15:04:05"

// sections lays out a report as tables. Groups that do not apply to the
// table are left out.
func sections(r *report.HealthReport, score func(float64) string) []section {
	m := r.Metrics
	out := []section{{
		rows: [][]string{
			{"Table", r.TablePath},
			{"Format", r.TableType.String()},
			{"Analyzed at", r.AnalysisTimestamp},
			{"Health score", score(r.HealthScore)},
			{"Files", strconv.Itoa(m.TotalFiles)},
			{"Total size", report.FormatBytes(m.TotalSizeBytes)},
			{"Average file size", report.FormatBytes(int64(m.AvgFileSizeBytes))},
			{"Partitions", strconv.Itoa(m.PartitionCount)},
		},
	}}

	d := m.FileSizeDistribution
	out = append(out, section{
		title:  "File sizes",
		header: true,
		rows: [][]string{
			{"Bucket", "Files"},
			{"small", strconv.Itoa(d.SmallFiles)},
			{"medium", strconv.Itoa(d.MediumFiles)},
			{"large", strconv.Itoa(d.LargeFiles)},
			{"very large", strconv.Itoa(d.VeryLargeFiles)},
		},
	})

	out = append(out, section{
		title: "Health",
		rows: [][]string{
			{"Partition skew", ratio(m.DataSkew.PartitionSkewScore)},
			{"File size skew", ratio(m.DataSkew.FileSizeSkewScore)},
			{"Metadata files", fmt.Sprintf("%d (%s)", m.MetadataHealth.MetadataFileCount, report.FormatBytes(m.MetadataHealth.MetadataTotalSizeBytes))},
			{"Manifests", strconv.Itoa(m.MetadataHealth.ManifestFileCount)},
			{"Snapshots", strconv.Itoa(m.SnapshotHealth.SnapshotCount)},
			{"Oldest snapshot", days(m.SnapshotHealth.OldestSnapshotAgeDays)},
			{"Retention risk", ratio(m.SnapshotHealth.SnapshotRetentionRisk)},
		},
	})

	if len(m.Partitions) > 1 {
		rows := [][]string{{"Partition", "Files", "Size", "Avg file"}}
		for _, p := range report.LargestPartitions(m, report.MaxListed) {
			rows = append(rows, []string{p.Key(), strconv.Itoa(p.FileCount), report.FormatBytes(p.TotalSizeBytes), report.FormatBytes(int64(p.AvgFileSizeBytes))})
		}
		out = append(out, section{title: "Largest partitions", header: true, rows: rows})
	}

	if len(m.UnreferencedFiles) > 0 {
		rows := [][]string{{"Path", "Size", "Last modified"}}
		for i, f := range m.UnreferencedFiles {
			if i == report.MaxListed {
				rows = append(rows, []string{fmt.Sprintf("... %d more", len(m.UnreferencedFiles)-report.MaxListed), "", ""})
				break
			}
			rows = append(rows, []string{f.Path, report.FormatBytes(f.SizeBytes), f.LastModified.UTC().Format(timeLayout)})
		}
		out = append(out, section{
			title:  fmt.Sprintf("Unreferenced files (%s)", report.FormatBytes(m.UnreferencedSizeBytes)),
			header: true,
			rows:   rows,
		})
	}

	if len(m.MissingFiles) > 0 {
		rows := [][]string{{"Referenced path missing from storage"}}
		for i, p := range m.MissingFiles {
			if i == report.MaxListed {
				rows = append(rows, []string{fmt.Sprintf("... %d more", len(m.MissingFiles)-report.MaxListed)})
				break
			}
			rows = append(rows, []string{p})
		}
		out = append(out, section{title: "Missing files", header: true, rows: rows})
	}

	if c := m.Clustering; c != nil {
		out = append(out, section{title: "Clustering", rows: [][]string{
			{"Columns", strings.Join(c.ClusteringColumns, ", ")},
			{"Clusters", strconv.Itoa(c.ClusterCount)},
			{"Files per cluster", fmt.Sprintf("%.1f", c.AvgFilesPerCluster)},
			{"Average cluster size", report.FormatBytes(int64(c.AvgClusterSizeBytes))},
		}})
	}

	if dv := m.DeletionVectors; dv != nil {
		out = append(out, section{title: "Deletion vectors", rows: [][]string{
			{"Count", strconv.Itoa(dv.DeletionVectorCount)},
			{"Total size", report.FormatBytes(dv.TotalDeletionVectorSizeBytes)},
			{"Deleted rows", strconv.FormatInt(dv.DeletedRowsCount, 10)},
			{"Oldest", days(dv.DeletionVectorAgeDays)},
			{"Impact", ratio(dv.DeletionVectorImpactScore)},
		}})
	}

	if se := m.SchemaEvolution; se != nil {
		out = append(out, section{title: "Schema evolution", rows: [][]string{
			{"Current version", strconv.Itoa(se.CurrentSchemaVersion)},
			{"Changes", fmt.Sprintf("%d (%d breaking)", se.TotalSchemaChanges, se.BreakingChanges)},
			{"Last change", days(se.DaysSinceLastChange)},
			{"Stability", ratio(se.SchemaStabilityScore)},
		}})
	}

	if tt := m.TimeTravel; tt != nil {
		out = append(out, section{title: "Time travel", rows: [][]string{
			{"Snapshots", strconv.Itoa(tt.TotalSnapshots)},
			{"Historical data", report.FormatBytes(tt.TotalHistoricalSizeBytes)},
			{"Storage cost impact", ratio(tt.StorageCostImpactScore)},
			{"Retention efficiency", ratio(tt.RetentionEfficiencyScore)},
			{"Recommended retention", fmt.Sprintf("%d days", tt.RecommendedRetentionDays)},
		}})
	}

	if c := m.Constraints; c != nil {
		out = append(out, section{title: "Constraints", rows: [][]string{
			{"Total", strconv.Itoa(c.TotalConstraints)},
			{"Check / not null", fmt.Sprintf("%d / %d", c.CheckConstraints, c.NotNullConstraints)},
			{"Unique / foreign key", fmt.Sprintf("%d / %d", c.UniqueConstraints, c.ForeignKeyConstraints)},
			{"Coverage", ratio(c.ConstraintCoverageScore)},
			{"Data quality", ratio(c.DataQualityScore)},
		}})
	}

	if c := m.Compaction; c != nil {
		rows := [][]string{
			{"Priority", c.CompactionPriority},
			{"Small files", fmt.Sprintf("%d (%s)", c.SmallFilesCount, report.FormatBytes(c.SmallFilesSizeBytes))},
			{"Estimated savings", report.FormatBytes(c.EstimatedCompactionSavingsBytes)},
			{"Target file size", report.FormatBytes(c.RecommendedTargetFileSizeBytes)},
		}
		if c.ZOrderOpportunity {
			rows = append(rows, []string{"Z-order columns", strings.Join(c.ZOrderColumns, ", ")})
		}
		out = append(out, section{title: "Compaction", rows: rows})
	}

	return out
}

func plainScore(score float64) string {
	return fmt.Sprintf("%s (%s)", report.Percent(score), report.Band(score))
}

func ratio(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func days(v float64) string {
	return fmt.Sprintf("%.1f days ago", v)
}
