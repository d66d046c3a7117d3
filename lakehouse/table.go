package lakehouse

import (
	"sort"
	"strings"
	"time"
)

// Format identifies one of the two supported table formats.
type Format string

const (
	FormatDelta   Format = "delta"
	FormatIceberg Format = "iceberg"
)

// ParseFormat parses a user supplied table type, ignoring case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatDelta:
		return FormatDelta, nil
	case FormatIceberg:
		return FormatIceberg, nil
	}
	return "", &ValidationError{Field: "table_type", Message: "must be 'delta' or 'iceberg'", Value: s}
}

func (f Format) String() string { return string(f) }

// FileEntry is a physical object observed in storage.
type FileEntry struct {
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// PartitionValue is one column of a file's partition tuple.
type PartitionValue struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// PartitionKey renders ordered partition values as col=value/col=value.
func PartitionKey(values []PartitionValue) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Column + "=" + v.Value
	}
	return strings.Join(parts, "/")
}

// DeletionVector describes rows soft-deleted from a data file.
type DeletionVector struct {
	StorageType string
	SizeBytes   int64
	Cardinality int64
	CreatedAt   time.Time
}

// LogicalFile is a data file the table metadata currently claims as live.
type LogicalFile struct {
	Path            string
	PartitionValues []PartitionValue
	SizeBytes       int64
	// Origin is the commit version or snapshot id that added the file.
	Origin         int64
	ModifiedAt     time.Time
	RecordCount    int64
	LowerBounds    map[string]string
	DeletionVector *DeletionVector
}

// RemovedFile is a tombstone left in retained history.
type RemovedFile struct {
	Path      string
	SizeBytes int64
	RemovedAt time.Time
}

// Protocol carries the reader/writer versions a table declares.
type Protocol struct {
	MinReaderVersion int
	MinWriterVersion int
}

// Column is a top level column of a table schema.
type Column struct {
	ID       int
	Name     string
	Type     string
	Nullable bool
}

// VersionDescriptor is one retained commit or snapshot.
type VersionDescriptor struct {
	ID        int64
	Timestamp time.Time
	Operation string
	SchemaID  int
}

// SchemaVersion is a schema as first observed at a point in history.
type SchemaVersion struct {
	ID        int
	Timestamp time.Time
	Columns   []Column
}

// ConstraintKind classifies declared constraints.
type ConstraintKind string

const (
	ConstraintCheck      ConstraintKind = "check"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
)

// Constraint is a declared table constraint and the columns it touches.
type Constraint struct {
	Name       string
	Kind       ConstraintKind
	Columns    []string
	Expression string
}

// TableState is the logical view of a table as of its latest committed
// version. It is built by a reader for a single analysis and not modified
// afterwards.
type TableState struct {
	Format        Format
	Location      TableLocation
	FormatVersion int
	Protocol      Protocol

	SchemaID          int
	Columns           []Column
	PartitionColumns  []string
	ClusteringColumns []string

	// ActiveFiles is sorted by path with no duplicates.
	ActiveFiles []LogicalFile
	// History is sorted by ascending version or snapshot timestamp.
	History       []VersionDescriptor
	SchemaHistory []SchemaVersion
	Constraints   []Constraint
	Removed       []RemovedFile

	// MetadataFiles are the log or manifest artifacts found in storage.
	MetadataFiles  []FileEntry
	ManifestCount  int
	MetadataPrefix string
	CurrentVersion int64
	Properties     map[string]string
}

// ActivePaths returns the set of active object keys.
func (s *TableState) ActivePaths() map[string]struct{} {
	paths := make(map[string]struct{}, len(s.ActiveFiles))
	for _, f := range s.ActiveFiles {
		paths[f.Path] = struct{}{}
	}
	return paths
}

// SortFiles orders files by path.
func SortFiles(files []LogicalFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// SortEntries orders entries by path.
func SortEntries(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
