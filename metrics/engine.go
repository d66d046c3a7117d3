// Package metrics derives the health metric groups of a table from its
// logical state and the reconciliation of that state against storage.
package metrics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/reconcile"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30

	// DefaultTargetFileSize is the size compaction should aim for.
	DefaultTargetFileSize = 128 * MiB
	// DefaultPerFileOverhead approximates the metadata and request cost of
	// keeping one extra file around.
	DefaultPerFileOverhead = 64 * KiB
)

const day = 24 * time.Hour

// Config holds the fixed thresholds the engine applies.
type Config struct {
	SmallFileThreshold  int64
	MediumFileThreshold int64
	LargeFileThreshold  int64
	TargetFileSize      int64
	PerFileOverhead     int64
}

// DefaultConfig returns the thresholds used by every analysis.
func DefaultConfig() Config {
	return Config{
		SmallFileThreshold:  16 * MiB,
		MediumFileThreshold: 128 * MiB,
		LargeFileThreshold:  GiB,
		TargetFileSize:      DefaultTargetFileSize,
		PerFileOverhead:     DefaultPerFileOverhead,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine thresholds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		def := DefaultConfig()
		if cfg.SmallFileThreshold > 0 {
			def.SmallFileThreshold = cfg.SmallFileThreshold
		}
		if cfg.MediumFileThreshold > 0 {
			def.MediumFileThreshold = cfg.MediumFileThreshold
		}
		if cfg.LargeFileThreshold > 0 {
			def.LargeFileThreshold = cfg.LargeFileThreshold
		}
		if cfg.TargetFileSize > 0 {
			def.TargetFileSize = cfg.TargetFileSize
		}
		if cfg.PerFileOverhead > 0 {
			def.PerFileOverhead = cfg.PerFileOverhead
		}
		e.cfg = def
	}
}

// Engine computes HealthMetrics. It holds no per-table state and is safe
// for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the default thresholds.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the thresholds in use.
func (e *Engine) Config() Config { return e.cfg }

// Input is everything Compute needs.
type Input struct {
	State          *lakehouse.TableState
	Reconciliation *reconcile.Result
	// Now is the analysis time all ages are measured against.
	Now time.Time
}

// Compute derives every metric group. Score and recommendations are left
// empty for the scorer.
func (e *Engine) Compute(in Input) *HealthMetrics {
	st := in.State
	rec := in.Reconciliation
	if rec == nil {
		rec = reconcile.Reconcile(st, nil)
	}

	m := &HealthMetrics{
		UnreferencedFiles: make([]FileInfo, 0, len(rec.Unreferenced)),
		Partitions:        []Partition{},
		Recommendations:   []string{},
	}

	for _, f := range st.ActiveFiles {
		m.TotalFiles++
		m.TotalSizeBytes += f.SizeBytes
		e.bucket(&m.FileSizeDistribution, f.SizeBytes)
	}
	if m.TotalFiles > 0 {
		m.AvgFileSizeBytes = float64(m.TotalSizeBytes) / float64(m.TotalFiles)
	}

	for _, u := range rec.Unreferenced {
		m.UnreferencedFiles = append(m.UnreferencedFiles, FileInfo{
			Path:         u.Path,
			SizeBytes:    u.SizeBytes,
			LastModified: u.LastModified,
		})
	}
	m.UnreferencedSizeBytes = rec.UnreferencedSizeBytes
	for _, f := range rec.Missing {
		m.MissingFiles = append(m.MissingFiles, f.Path)
	}

	m.Partitions = partitionsOf(st.ActiveFiles)
	m.PartitionCount = len(m.Partitions)
	m.DataSkew = dataSkew(m.Partitions, st.ActiveFiles)
	m.Clustering = clusteringOf(st)

	m.MetadataHealth = metadataHealth(st)
	m.SnapshotHealth = snapshotHealth(st.History, in.Now)
	m.DeletionVectors = deletionVectors(st.ActiveFiles, m.TotalSizeBytes, in.Now)
	m.SchemaEvolution = schemaEvolution(st, in.Now)
	m.TimeTravel = timeTravel(st, rec, m.TotalSizeBytes, in.Now)
	m.Constraints = constraints(st)
	m.Compaction = e.compaction(st, m.TotalSizeBytes)
	return m
}

func (e *Engine) bucket(d *FileSizeDistribution, size int64) {
	switch {
	case size < e.cfg.SmallFileThreshold:
		d.SmallFiles++
	case size < e.cfg.MediumFileThreshold:
		d.MediumFiles++
	case size < e.cfg.LargeFileThreshold:
		d.LargeFiles++
	default:
		d.VeryLargeFiles++
	}
}

// partitionsOf groups files by partition tuple. Unpartitioned tables yield
// a single partition with no values.
func partitionsOf(files []lakehouse.LogicalFile) []Partition {
	byKey := make(map[string]*Partition)
	for _, f := range files {
		key := lakehouse.PartitionKey(f.PartitionValues)
		p, ok := byKey[key]
		if !ok {
			p = &Partition{PartitionValues: append([]lakehouse.PartitionValue{}, f.PartitionValues...)}
			byKey[key] = p
		}
		p.FileCount++
		p.TotalSizeBytes += f.SizeBytes
	}

	out := make([]Partition, 0, len(byKey))
	for _, p := range byKey {
		p.AvgFileSizeBytes = float64(p.TotalSizeBytes) / float64(p.FileCount)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func dataSkew(parts []Partition, files []lakehouse.LogicalFile) DataSkew {
	var s DataSkew
	if len(parts) > 0 {
		sizes := make([]float64, len(parts))
		s.SmallestPartitionSize = parts[0].TotalSizeBytes
		var total int64
		for i, p := range parts {
			sizes[i] = float64(p.TotalSizeBytes)
			total += p.TotalSizeBytes
			s.LargestPartitionSize = max(s.LargestPartitionSize, p.TotalSizeBytes)
			s.SmallestPartitionSize = min(s.SmallestPartitionSize, p.TotalSizeBytes)
		}
		s.AvgPartitionSize = total / int64(len(parts))
		s.PartitionSizeStdDev = stdDev(sizes)
		s.PartitionSkewScore = variation(sizes)
	}

	fileSizes := make([]float64, len(files))
	for i, f := range files {
		fileSizes[i] = float64(f.SizeBytes)
	}
	s.FileSizeSkewScore = variation(fileSizes)
	return s
}

func clusteringOf(st *lakehouse.TableState) *ClusteringInfo {
	if len(st.ClusteringColumns) == 0 {
		return nil
	}
	info := &ClusteringInfo{ClusteringColumns: append([]string{}, st.ClusteringColumns...)}

	clusters := make(map[string]struct{})
	var total int64
	for _, f := range st.ActiveFiles {
		bounds := make([]string, len(st.ClusteringColumns))
		for i, c := range st.ClusteringColumns {
			bounds[i] = f.LowerBounds[c]
		}
		clusters[strings.Join(bounds, "\x00")] = struct{}{}
		total += f.SizeBytes
	}

	info.ClusterCount = len(clusters)
	if info.ClusterCount > 0 {
		info.AvgFilesPerCluster = float64(len(st.ActiveFiles)) / float64(info.ClusterCount)
		info.AvgClusterSizeBytes = float64(total) / float64(info.ClusterCount)
	}
	return info
}

func metadataHealth(st *lakehouse.TableState) MetadataHealth {
	h := MetadataHealth{
		MetadataFileCount: len(st.MetadataFiles),
		ManifestFileCount: st.ManifestCount,
	}
	if len(st.MetadataFiles) == 0 {
		return h
	}

	oldest, newest := st.MetadataFiles[0].LastModified, st.MetadataFiles[0].LastModified
	for _, f := range st.MetadataFiles {
		h.MetadataTotalSizeBytes += f.SizeBytes
		if f.LastModified.Before(oldest) {
			oldest = f.LastModified
		}
		if f.LastModified.After(newest) {
			newest = f.LastModified
		}
	}
	h.AvgMetadataFileSize = float64(h.MetadataTotalSizeBytes) / float64(h.MetadataFileCount)

	span := math.Max(1, days(newest.Sub(oldest)))
	h.MetadataGrowthRate = float64(h.MetadataTotalSizeBytes) / span
	return h
}

func snapshotHealth(history []lakehouse.VersionDescriptor, now time.Time) SnapshotHealth {
	h := SnapshotHealth{SnapshotCount: len(history)}
	if len(history) == 0 {
		return h
	}

	h.OldestSnapshotAgeDays = ageDays(now, history[0].Timestamp)
	h.NewestSnapshotAgeDays = h.OldestSnapshotAgeDays
	var sum float64
	for _, v := range history {
		age := ageDays(now, v.Timestamp)
		h.OldestSnapshotAgeDays = math.Max(h.OldestSnapshotAgeDays, age)
		h.NewestSnapshotAgeDays = math.Min(h.NewestSnapshotAgeDays, age)
		sum += age
	}
	h.AvgSnapshotAgeDays = sum / float64(len(history))
	h.SnapshotRetentionRisk = RetentionRisk(len(history), h.OldestSnapshotAgeDays)
	return h
}

// RetentionRisk scores retained history by count and by the age of the
// oldest retained version. The larger factor dominates and the smaller one
// adds a fifth of its value.
func RetentionRisk(count int, oldestAgeDays float64) float64 {
	var countRisk float64
	switch {
	case count > 100:
		countRisk = 0.8
	case count > 50:
		countRisk = 0.5
	case count > 20:
		countRisk = 0.2
	}

	var ageRisk float64
	switch {
	case oldestAgeDays > 90:
		ageRisk = 0.8
	case oldestAgeDays > 30:
		ageRisk = 0.5
	case oldestAgeDays > 7:
		ageRisk = 0.2
	}

	return clamp(math.Max(countRisk, ageRisk) + 0.2*math.Min(countRisk, ageRisk))
}

func deletionVectors(files []lakehouse.LogicalFile, dataBytes int64, now time.Time) *DeletionVectorMetrics {
	var (
		dv     DeletionVectorMetrics
		ageSum float64
	)
	for _, f := range files {
		if f.DeletionVector == nil {
			continue
		}
		dv.DeletionVectorCount++
		dv.TotalDeletionVectorSizeBytes += f.DeletionVector.SizeBytes
		dv.DeletedRowsCount += f.DeletionVector.Cardinality
		ageSum += ageDays(now, f.DeletionVector.CreatedAt)
	}
	if dv.DeletionVectorCount == 0 {
		return nil
	}

	n := float64(dv.DeletionVectorCount)
	dv.AvgDeletionVectorSizeBytes = float64(dv.TotalDeletionVectorSizeBytes) / n
	dv.DeletionVectorAgeDays = ageSum / n

	var sizeImpact float64
	if dataBytes > 0 {
		sizeImpact = math.Min(1, float64(dv.TotalDeletionVectorSizeBytes)/float64(dataBytes)*10)
	}
	ageImpact := math.Min(1, dv.DeletionVectorAgeDays/30)
	spread := math.Min(1, n/float64(len(files)))
	dv.DeletionVectorImpactScore = clamp(0.5*sizeImpact + 0.3*ageImpact + 0.2*spread)
	return &dv
}

func timeTravel(st *lakehouse.TableState, rec *reconcile.Result, activeBytes int64, now time.Time) *TimeTravelMetrics {
	if len(st.History) == 0 {
		return nil
	}

	sh := snapshotHealth(st.History, now)
	tt := &TimeTravelMetrics{
		TotalSnapshots:        sh.SnapshotCount,
		OldestSnapshotAgeDays: sh.OldestSnapshotAgeDays,
		NewestSnapshotAgeDays: sh.NewestSnapshotAgeDays,
	}

	listed := make(map[string]int64, len(rec.Listed))
	for _, e := range rec.Listed {
		listed[e.Path] = e.SizeBytes
	}
	active := st.ActivePaths()
	counted := make(map[string]struct{})
	for _, r := range st.Removed {
		if _, ok := active[r.Path]; ok {
			continue
		}
		if _, dup := counted[r.Path]; dup {
			continue
		}
		size, ok := listed[r.Path]
		if !ok {
			continue
		}
		counted[r.Path] = struct{}{}
		tt.TotalHistoricalSizeBytes += size
	}

	hist := float64(tt.TotalHistoricalSizeBytes)
	act := float64(activeBytes)
	tt.AvgSnapshotSizeBytes = (act + hist) / float64(tt.TotalSnapshots)
	switch {
	case act > 0:
		tt.StorageCostImpactScore = math.Min(1, hist/act)
	case hist > 0:
		tt.StorageCostImpactScore = 1
	}
	if act+hist > 0 {
		tt.RetentionEfficiencyScore = act / (act + hist)
	} else {
		tt.RetentionEfficiencyScore = 1
	}
	tt.RecommendedRetentionDays = recommendedRetention(tt.StorageCostImpactScore, medianInterval(st.History))
	return tt
}

var retentionTiers = []int{7, 14, 30}

// recommendedRetention picks a retention window from the storage cost
// tier, widened by one tier for tables committed to less than weekly.
func recommendedRetention(cost float64, interval time.Duration) int {
	tier := 2
	switch {
	case cost > 0.5:
		tier = 0
	case cost > 0.2:
		tier = 1
	}
	if interval > 7*day && tier < len(retentionTiers)-1 {
		tier++
	}
	return retentionTiers[tier]
}

func medianInterval(history []lakehouse.VersionDescriptor) time.Duration {
	if len(history) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		gaps = append(gaps, history[i].Timestamp.Sub(history[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid]
	}
	return (gaps[mid-1] + gaps[mid]) / 2
}

func constraints(st *lakehouse.TableState) *ConstraintMetrics {
	if len(st.Columns) == 0 {
		return nil
	}

	c := &ConstraintMetrics{TotalConstraints: len(st.Constraints)}
	columns := make(map[string]struct{}, len(st.Columns))
	for _, col := range st.Columns {
		columns[col.Name] = struct{}{}
	}
	covered := make(map[string]struct{})
	for _, con := range st.Constraints {
		switch con.Kind {
		case lakehouse.ConstraintCheck:
			c.CheckConstraints++
		case lakehouse.ConstraintNotNull:
			c.NotNullConstraints++
		case lakehouse.ConstraintUnique:
			c.UniqueConstraints++
		case lakehouse.ConstraintForeignKey:
			c.ForeignKeyConstraints++
		}
		for _, col := range con.Columns {
			if _, ok := columns[col]; ok {
				covered[col] = struct{}{}
			}
		}
	}

	c.ConstraintCoverageScore = float64(len(covered)) / float64(len(columns))
	c.ConstraintViolationRisk = clamp(1 - 0.7*c.ConstraintCoverageScore - 0.1*math.Min(3, float64(c.CheckConstraints)))
	c.DataQualityScore = clamp(0.6*c.ConstraintCoverageScore + 0.4*(1-c.ConstraintViolationRisk))
	return c
}

func (e *Engine) compaction(st *lakehouse.TableState, totalBytes int64) *CompactionMetrics {
	if len(st.ActiveFiles) == 0 {
		return nil
	}

	c := &CompactionMetrics{
		RecommendedTargetFileSizeBytes: e.cfg.TargetFileSize,
		ZOrderColumns:                  []string{},
	}
	for _, f := range st.ActiveFiles {
		if f.SizeBytes < e.cfg.SmallFileThreshold {
			c.SmallFilesCount++
			c.SmallFilesSizeBytes += f.SizeBytes
		}
	}

	smallFrac := float64(c.SmallFilesCount) / float64(len(st.ActiveFiles))
	var byteFrac float64
	if totalBytes > 0 {
		byteFrac = float64(c.SmallFilesSizeBytes) / float64(totalBytes)
	}
	c.CompactionOpportunityScore = clamp(0.7*smallFrac + 0.3*byteFrac)

	switch {
	case smallFrac < 0.1:
		c.CompactionPriority = PriorityLow
	case smallFrac < 0.3:
		c.CompactionPriority = PriorityMedium
	default:
		c.CompactionPriority = PriorityHigh
	}

	if c.SmallFilesCount >= 2 {
		c.PotentialCompactionFiles = c.SmallFilesCount
		groups := (c.SmallFilesSizeBytes + e.cfg.TargetFileSize - 1) / e.cfg.TargetFileSize
		groups = max(groups, 1)
		c.EstimatedCompactionSavingsBytes = max(0, int64(c.SmallFilesCount)-groups) * e.cfg.PerFileOverhead
	}

	if len(st.ClusteringColumns) > 0 && c.CompactionPriority != PriorityLow {
		c.ZOrderOpportunity = true
		c.ZOrderColumns = append(c.ZOrderColumns, st.ClusteringColumns...)
	}
	return c
}

// variation is the coefficient of variation of values clipped to [0,1].
func variation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	if m == 0 {
		return 0
	}
	return clamp(stdDev(values) / m)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

func ageDays(now, t time.Time) float64 {
	return math.Max(0, days(now.Sub(t)))
}
