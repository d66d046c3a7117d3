package metrics

import (
	"time"

	"github.com/TFMV/drainage/lakehouse"
)

// FileInfo is a physical file as reported to callers.
type FileInfo struct {
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
	IsReferenced bool      `json:"is_referenced"`
}

// Partition aggregates the active files sharing one partition tuple.
type Partition struct {
	PartitionValues  []lakehouse.PartitionValue `json:"partition_values"`
	FileCount        int                        `json:"file_count"`
	TotalSizeBytes   int64                      `json:"total_size_bytes"`
	AvgFileSizeBytes float64                    `json:"avg_file_size_bytes"`
}

// Key renders the partition tuple as col=value/col=value.
func (p Partition) Key() string {
	return lakehouse.PartitionKey(p.PartitionValues)
}

// ClusteringInfo groups active files by the lower bounds of the declared
// clustering columns.
type ClusteringInfo struct {
	ClusteringColumns   []string `json:"clustering_columns"`
	ClusterCount        int      `json:"cluster_count"`
	AvgFilesPerCluster  float64  `json:"avg_files_per_cluster"`
	AvgClusterSizeBytes float64  `json:"avg_cluster_size_bytes"`
}

// FileSizeDistribution counts active files per size bucket.
type FileSizeDistribution struct {
	SmallFiles     int `json:"small_files"`
	MediumFiles    int `json:"medium_files"`
	LargeFiles     int `json:"large_files"`
	VeryLargeFiles int `json:"very_large_files"`
}

// Total returns the number of bucketed files.
func (d FileSizeDistribution) Total() int {
	return d.SmallFiles + d.MediumFiles + d.LargeFiles + d.VeryLargeFiles
}

type DataSkew struct {
	PartitionSkewScore    float64 `json:"partition_skew_score"`
	FileSizeSkewScore     float64 `json:"file_size_skew_score"`
	LargestPartitionSize  int64   `json:"largest_partition_size"`
	SmallestPartitionSize int64   `json:"smallest_partition_size"`
	AvgPartitionSize      int64   `json:"avg_partition_size"`
	PartitionSizeStdDev   float64 `json:"partition_size_std_dev"`
}

type MetadataHealth struct {
	MetadataFileCount      int     `json:"metadata_file_count"`
	MetadataTotalSizeBytes int64   `json:"metadata_total_size_bytes"`
	AvgMetadataFileSize    float64 `json:"avg_metadata_file_size"`
	// MetadataGrowthRate is in bytes per day.
	MetadataGrowthRate float64 `json:"metadata_growth_rate"`
	ManifestFileCount  int     `json:"manifest_file_count"`
}

type SnapshotHealth struct {
	SnapshotCount         int     `json:"snapshot_count"`
	OldestSnapshotAgeDays float64 `json:"oldest_snapshot_age_days"`
	NewestSnapshotAgeDays float64 `json:"newest_snapshot_age_days"`
	AvgSnapshotAgeDays    float64 `json:"avg_snapshot_age_days"`
	SnapshotRetentionRisk float64 `json:"snapshot_retention_risk"`
}

type DeletionVectorMetrics struct {
	DeletionVectorCount          int     `json:"deletion_vector_count"`
	TotalDeletionVectorSizeBytes int64   `json:"total_deletion_vector_size_bytes"`
	AvgDeletionVectorSizeBytes   float64 `json:"avg_deletion_vector_size_bytes"`
	DeletionVectorAgeDays        float64 `json:"deletion_vector_age_days"`
	DeletedRowsCount             int64   `json:"deleted_rows_count"`
	DeletionVectorImpactScore    float64 `json:"deletion_vector_impact_score"`
}

type SchemaEvolution struct {
	TotalSchemaChanges   int     `json:"total_schema_changes"`
	BreakingChanges      int     `json:"breaking_changes"`
	NonBreakingChanges   int     `json:"non_breaking_changes"`
	SchemaStabilityScore float64 `json:"schema_stability_score"`
	DaysSinceLastChange  float64 `json:"days_since_last_change"`
	// SchemaChangeFrequency is in changes per day.
	SchemaChangeFrequency float64 `json:"schema_change_frequency"`
	CurrentSchemaVersion  int     `json:"current_schema_version"`
}

type TimeTravelMetrics struct {
	TotalSnapshots           int     `json:"total_snapshots"`
	OldestSnapshotAgeDays    float64 `json:"oldest_snapshot_age_days"`
	NewestSnapshotAgeDays    float64 `json:"newest_snapshot_age_days"`
	TotalHistoricalSizeBytes int64   `json:"total_historical_size_bytes"`
	AvgSnapshotSizeBytes     float64 `json:"avg_snapshot_size_bytes"`
	StorageCostImpactScore   float64 `json:"storage_cost_impact_score"`
	RetentionEfficiencyScore float64 `json:"retention_efficiency_score"`
	RecommendedRetentionDays int     `json:"recommended_retention_days"`
}

type ConstraintMetrics struct {
	TotalConstraints        int     `json:"total_constraints"`
	CheckConstraints        int     `json:"check_constraints"`
	NotNullConstraints      int     `json:"not_null_constraints"`
	UniqueConstraints       int     `json:"unique_constraints"`
	ForeignKeyConstraints   int     `json:"foreign_key_constraints"`
	ConstraintViolationRisk float64 `json:"constraint_violation_risk"`
	DataQualityScore        float64 `json:"data_quality_score"`
	ConstraintCoverageScore float64 `json:"constraint_coverage_score"`
}

// Compaction priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type CompactionMetrics struct {
	CompactionOpportunityScore      float64  `json:"compaction_opportunity_score"`
	SmallFilesCount                 int      `json:"small_files_count"`
	SmallFilesSizeBytes             int64    `json:"small_files_size_bytes"`
	PotentialCompactionFiles        int      `json:"potential_compaction_files"`
	EstimatedCompactionSavingsBytes int64    `json:"estimated_compaction_savings_bytes"`
	RecommendedTargetFileSizeBytes  int64    `json:"recommended_target_file_size_bytes"`
	CompactionPriority              string   `json:"compaction_priority"`
	ZOrderOpportunity               bool     `json:"z_order_opportunity"`
	ZOrderColumns                   []string `json:"z_order_columns"`
}

// HealthMetrics is the full set of derived metrics for one table. Optional
// groups are nil when they do not apply to the table.
type HealthMetrics struct {
	TotalFiles            int        `json:"total_files"`
	TotalSizeBytes        int64      `json:"total_size_bytes"`
	AvgFileSizeBytes      float64    `json:"avg_file_size_bytes"`
	UnreferencedFiles     []FileInfo `json:"unreferenced_files"`
	UnreferencedSizeBytes int64      `json:"unreferenced_size_bytes"`
	MissingFiles          []string   `json:"missing_files,omitempty"`

	PartitionCount int             `json:"partition_count"`
	Partitions     []Partition     `json:"partitions"`
	Clustering     *ClusteringInfo `json:"clustering"`

	FileSizeDistribution FileSizeDistribution `json:"file_size_distribution"`
	DataSkew             DataSkew             `json:"data_skew"`
	MetadataHealth       MetadataHealth       `json:"metadata_health"`
	SnapshotHealth       SnapshotHealth       `json:"snapshot_health"`

	DeletionVectors *DeletionVectorMetrics `json:"deletion_vector_metrics"`
	SchemaEvolution *SchemaEvolution       `json:"schema_evolution"`
	TimeTravel      *TimeTravelMetrics     `json:"time_travel_metrics"`
	Constraints     *ConstraintMetrics     `json:"table_constraints"`
	Compaction      *CompactionMetrics     `json:"file_compaction"`

	Recommendations []string `json:"recommendations"`
	HealthScore     float64  `json:"health_score"`
}
