package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/drainage/lakehouse"
)

// Artifact is a generated transaction log object. Name is relative to the
// table root.
type Artifact struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Change is one action of a generated commit.
type Change struct {
	a action
}

// AddFile adds a data file with optional partition values.
func AddFile(path string, size int64, partitions map[string]string) Change {
	add := &addAction{Path: path, Size: size, DataChange: true}
	if len(partitions) > 0 {
		add.PartitionValues = make(map[string]*string, len(partitions))
		for k, v := range partitions {
			add.PartitionValues[k] = &v
		}
	}
	return Change{a: action{Add: add}}
}

// WithStats records the row count and per-column minimum values.
func (c Change) WithStats(records int64, minValues map[string]interface{}) Change {
	if c.a.Add == nil {
		return c
	}
	add := *c.a.Add
	raw, _ := json.Marshal(fileStats{NumRecords: records, MinValues: minValues})
	add.Stats = string(raw)
	c.a.Add = &add
	return c
}

// WithDeletionVector attaches an on-disk deletion vector.
func (c Change) WithDeletionVector(sizeBytes int32, cardinality int64) Change {
	if c.a.Add == nil {
		return c
	}
	add := *c.a.Add
	offset := int32(1)
	add.DeletionVector = &deletionVector{
		StorageType:    "u",
		PathOrInlineDv: "ab^-aqEH.-t@S}K{vb[*k^",
		Offset:         &offset,
		SizeInBytes:    sizeBytes,
		Cardinality:    cardinality,
	}
	c.a.Add = &add
	return c
}

// RemoveFile tombstones a data file.
func RemoveFile(path string, size int64) Change {
	return Change{a: action{Remove: &removeAction{Path: path, DataChange: true, Size: &size}}}
}

// SetSchema replaces the table metadata.
func SetSchema(columns []lakehouse.Column, partitionColumns []string, configuration map[string]string) Change {
	st := structType{Type: "struct"}
	for _, c := range columns {
		typ, _ := json.Marshal(c.Type)
		st.Fields = append(st.Fields, schemaField{Name: c.Name, Type: typ, Nullable: c.Nullable})
	}
	schema, _ := json.Marshal(st)
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	if configuration == nil {
		configuration = map[string]string{}
	}
	return Change{a: action{MetaData: &metadataAction{
		ID:               uuid.NewString(),
		SchemaString:     string(schema),
		PartitionColumns: partitionColumns,
		Configuration:    configuration,
	}}}
}

// SetProtocol sets the reader and writer protocol versions.
func SetProtocol(reader, writer int) Change {
	return Change{a: action{Protocol: &protocolAction{MinReaderVersion: reader, MinWriterVersion: writer}}}
}

// ClusterBy declares liquid clustering columns.
func ClusterBy(columns ...string) Change {
	cfg := struct {
		ClusteringColumns [][]string `json:"clusteringColumns"`
	}{}
	for _, c := range columns {
		cfg.ClusteringColumns = append(cfg.ClusteringColumns, []string{c})
	}
	raw, _ := json.Marshal(cfg)
	return Change{a: action{DomainMetadata: &domainMetadataAction{Domain: clusteringDomain, Configuration: string(raw)}}}
}

// LogWriter produces numbered commits and checkpoints for sample tables.
// It tracks the replayed state so checkpoints can be written at any point.
type LogWriter struct {
	next     int64
	active   map[string]action
	removed  map[string]action
	metadata *action
	protocol *action
	domains  map[string]action
}

// NewLogWriter starts a log at version zero.
func NewLogWriter() *LogWriter {
	return &LogWriter{
		active:  make(map[string]action),
		removed: make(map[string]action),
		domains: make(map[string]action),
	}
}

// Version returns the version of the last commit, or -1.
func (w *LogWriter) Version() int64 {
	return w.next - 1
}

// Commit writes the next numbered commit.
func (w *LogWriter) Commit(ts time.Time, operation string, changes ...Change) (Artifact, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	info := action{CommitInfo: &commitInfo{Timestamp: ts.UnixMilli(), Operation: operation}}
	if err := enc.Encode(info); err != nil {
		return Artifact{}, fmt.Errorf("failed to encode commitInfo: %w", err)
	}
	for _, c := range changes {
		a := c.a
		switch {
		case a.Add != nil:
			add := *a.Add
			if add.ModificationTime == 0 {
				add.ModificationTime = ts.UnixMilli()
			}
			a = action{Add: &add}
			w.active[add.Path] = a
			delete(w.removed, add.Path)
		case a.Remove != nil:
			rm := *a.Remove
			if rm.DeletionTimestamp == nil {
				ms := ts.UnixMilli()
				rm.DeletionTimestamp = &ms
			}
			a = action{Remove: &rm}
			delete(w.active, rm.Path)
			w.removed[rm.Path] = a
		case a.MetaData != nil:
			md := *a.MetaData
			if md.CreatedTime == nil {
				ms := ts.UnixMilli()
				md.CreatedTime = &ms
			}
			a = action{MetaData: &md}
			w.metadata = &a
		case a.Protocol != nil:
			w.protocol = &a
		case a.DomainMetadata != nil:
			w.domains[a.DomainMetadata.Domain] = a
		}
		if err := enc.Encode(a); err != nil {
			return Artifact{}, fmt.Errorf("failed to encode action: %w", err)
		}
	}

	version := w.next
	w.next++
	return Artifact{Name: LogDir + commitName(version), Data: buf.Bytes(), ModTime: ts.UTC()}, nil
}

// Checkpoint writes a single-part checkpoint of the state at the last
// commit, along with the matching _last_checkpoint pointer.
func (w *LogWriter) Checkpoint(ts time.Time) ([]Artifact, error) {
	version := w.Version()
	if version < 0 {
		return nil, fmt.Errorf("cannot checkpoint an empty log")
	}

	var actions []action
	if w.protocol != nil {
		actions = append(actions, *w.protocol)
	}
	if w.metadata != nil {
		actions = append(actions, *w.metadata)
	}
	for _, name := range sortedKeys(w.domains) {
		actions = append(actions, w.domains[name])
	}
	for _, path := range sortedKeys(w.active) {
		actions = append(actions, w.active[path])
	}
	for _, path := range sortedKeys(w.removed) {
		actions = append(actions, w.removed[path])
	}

	var buf bytes.Buffer
	if err := writeCheckpoint(&buf, actions); err != nil {
		return nil, err
	}
	pointer, err := json.Marshal(lastCheckpoint{Version: version, Size: int64(len(actions))})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint pointer: %w", err)
	}
	return []Artifact{
		{Name: LogDir + checkpointName(version), Data: buf.Bytes(), ModTime: ts.UTC()},
		{Name: LogDir + lastCheckpointFile, Data: pointer, ModTime: ts.UTC()},
	}, nil
}

func sortedKeys(m map[string]action) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
