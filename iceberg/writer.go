package iceberg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/apache/iceberg-go/table"
	"github.com/google/uuid"
)

// Artifact is a generated metadata object. Name is relative to the table
// root.
type Artifact struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// DataFile describes a data file added by a generated snapshot. Path is
// relative to the table root.
type DataFile struct {
	Path        string
	SizeBytes   int64
	Records     int64
	Partition   map[string]string
	LowerBounds map[string]string
}

type liveFile struct {
	file       DataFile
	snapshotID int64
}

// TableWriter produces metadata files, manifest lists and manifests for
// sample tables. Every snapshot rewrites the full set of manifests.
type TableWriter struct {
	// MaxManifestEntries splits a snapshot's entries across manifests.
	MaxManifestEntries int

	location   string
	tableUUID  string
	schemas    []*iceberggo.Schema
	partitions []string
	sortBy     []string
	properties map[string]string

	snapshots []table.Snapshot
	live      map[string]liveFile
	version   int
}

// NewTableWriter starts a table at location (a URI ending in "/") whose
// partition spec is the identity transform of partitionBy.
func NewTableWriter(location string, schema *iceberggo.Schema, partitionBy ...string) *TableWriter {
	if !strings.HasSuffix(location, "/") {
		location += "/"
	}
	return &TableWriter{
		MaxManifestEntries: 100,
		location:           location,
		tableUUID:          uuid.NewString(),
		schemas:            []*iceberggo.Schema{schema},
		partitions:         partitionBy,
		properties:         map[string]string{},
		live:               make(map[string]liveFile),
	}
}

// EvolveSchema makes schema current for later snapshots.
func (w *TableWriter) EvolveSchema(schema *iceberggo.Schema) {
	w.schemas = append(w.schemas, schema)
}

// SortBy declares the default sort order.
func (w *TableWriter) SortBy(columns ...string) {
	w.sortBy = columns
}

// SetProperty records a table property.
func (w *TableWriter) SetProperty(key, value string) {
	w.properties[key] = value
}

func (w *TableWriter) schema() *iceberggo.Schema {
	return w.schemas[len(w.schemas)-1]
}

// Metadata renders the current metadata document without writing a
// snapshot. A table with no snapshots has no current snapshot.
func (w *TableWriter) Metadata(ts time.Time) ([]Artifact, error) {
	return w.writeMetadata(ts)
}

// Append commits a snapshot that adds files.
func (w *TableWriter) Append(ts time.Time, files ...DataFile) ([]Artifact, error) {
	id := w.nextSnapshotID()
	for _, f := range files {
		w.live[f.Path] = liveFile{file: f, snapshotID: id}
	}
	return w.commit(ts, id, table.OpAppend, nil)
}

// Delete commits a snapshot that removes files by path.
func (w *TableWriter) Delete(ts time.Time, paths ...string) ([]Artifact, error) {
	id := w.nextSnapshotID()
	var deleted []DataFile
	for _, p := range paths {
		if lf, ok := w.live[p]; ok {
			deleted = append(deleted, lf.file)
			delete(w.live, p)
		}
	}
	return w.commit(ts, id, table.OpDelete, deleted)
}

func (w *TableWriter) nextSnapshotID() int64 {
	return int64(len(w.snapshots)+1) * 1000
}

func (w *TableWriter) commit(ts time.Time, id int64, op table.Operation, deleted []DataFile) ([]Artifact, error) {
	seq := int64(len(w.snapshots) + 1)
	schema := w.schema()

	var entries []manifestEntry
	paths := make([]string, 0, len(w.live))
	for p := range w.live {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		lf := w.live[p]
		status := int32(statusExisting)
		if lf.snapshotID == id {
			status = statusAdded
		}
		entries = append(entries, w.entry(schema, status, lf.snapshotID, seq, lf.file))
	}
	for _, f := range deleted {
		entries = append(entries, w.entry(schema, statusDeleted, id, seq, f))
	}

	var artifacts []Artifact
	var rows []manifestListRow
	chunk := w.MaxManifestEntries
	if chunk <= 0 {
		chunk = len(entries) + 1
	}
	for start, n := 0, 0; start < len(entries); start, n = start+chunk, n+1 {
		end := min(start+chunk, len(entries))
		var buf bytes.Buffer
		if err := writeManifest(&buf, w.partitions, contentData, entries[start:end]); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s%s-m%d.avro", MetadataDir, uuid.NewString(), n)
		artifacts = append(artifacts, Artifact{Name: name, Data: buf.Bytes(), ModTime: ts.UTC()})

		row := manifestListRow{
			ManifestPath:    w.location + name,
			ManifestLength:  int64(buf.Len()),
			Content:         contentData,
			SequenceNumber:  seq,
			AddedSnapshotID: id,
		}
		for _, e := range entries[start:end] {
			switch e.Status {
			case statusAdded:
				row.AddedFilesCount++
				row.AddedRowsCount += e.DataFile.RecordCount
			case statusExisting:
				row.ExistingFilesCount++
				row.ExistingRowsCount += e.DataFile.RecordCount
			case statusDeleted:
				row.DeletedFilesCount++
				row.DeletedRowsCount += e.DataFile.RecordCount
			}
		}
		rows = append(rows, row)
	}

	var list bytes.Buffer
	if err := writeManifestList(&list, rows); err != nil {
		return nil, err
	}
	listName := fmt.Sprintf("%ssnap-%d-1-%s.avro", MetadataDir, id, uuid.NewString())
	artifacts = append(artifacts, Artifact{Name: listName, Data: list.Bytes(), ModTime: ts.UTC()})

	snap := table.Snapshot{
		SnapshotID:     id,
		SequenceNumber: seq,
		TimestampMs:    ts.UnixMilli(),
		ManifestList:   w.location + listName,
		Summary: &table.Summary{
			Operation:  op,
			Properties: map[string]string{"total-data-files": fmt.Sprint(len(w.live))},
		},
	}
	schemaID := schema.ID
	snap.SchemaID = &schemaID
	if n := len(w.snapshots); n > 0 {
		parent := w.snapshots[n-1].SnapshotID
		snap.ParentSnapshotID = &parent
	}
	w.snapshots = append(w.snapshots, snap)

	meta, err := w.writeMetadata(ts)
	if err != nil {
		return nil, err
	}
	return append(artifacts, meta...), nil
}

func (w *TableWriter) entry(schema *iceberggo.Schema, status int32, snapshotID, seq int64, f DataFile) manifestEntry {
	partition := make(map[string]any, len(w.partitions))
	for _, col := range w.partitions {
		partition[col] = f.Partition[col]
	}
	bounds := make(map[int32][]byte)
	for col, v := range f.LowerBounds {
		if field, ok := schema.FindFieldByName(col); ok {
			bounds[int32(field.ID)] = encodeBound(field.Type.String(), v)
		}
	}
	return manifestEntry{
		Status:         status,
		SnapshotID:     &snapshotID,
		SequenceNumber: &seq,
		DataFile: dataFile{
			Content:         contentData,
			FilePath:        w.location + f.Path,
			FileFormat:      "PARQUET",
			Partition:       partition,
			RecordCount:     f.Records,
			FileSizeInBytes: f.SizeBytes,
			LowerBounds:     sortedBounds(bounds),
		},
	}
}

type partitionFieldJSON struct {
	SourceID  int    `json:"source-id"`
	FieldID   int    `json:"field-id"`
	Name      string `json:"name"`
	Transform string `json:"transform"`
}

type sortFieldJSON struct {
	SourceID  int    `json:"source-id"`
	Transform string `json:"transform"`
	Direction string `json:"direction"`
	NullOrder string `json:"null-order"`
}

type snapshotLogJSON struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}

func (w *TableWriter) writeMetadata(ts time.Time) ([]Artifact, error) {
	schema := w.schema()

	schemas := make([]json.RawMessage, len(w.schemas))
	lastColumnID := 0
	for i, s := range w.schemas {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema %d: %w", s.ID, err)
		}
		schemas[i] = raw
		lastColumnID = max(lastColumnID, s.HighestFieldID())
	}

	specFields := []partitionFieldJSON{}
	for i, col := range w.partitions {
		field, ok := schema.FindFieldByName(col)
		if !ok {
			return nil, fmt.Errorf("partition column %q is not in the schema", col)
		}
		specFields = append(specFields, partitionFieldJSON{SourceID: field.ID, FieldID: 1000 + i, Name: col, Transform: "identity"})
	}

	sortOrders := []map[string]any{{"order-id": 0, "fields": []sortFieldJSON{}}}
	defaultSortOrder := 0
	if len(w.sortBy) > 0 {
		var fields []sortFieldJSON
		for _, col := range w.sortBy {
			field, ok := schema.FindFieldByName(col)
			if !ok {
				return nil, fmt.Errorf("sort column %q is not in the schema", col)
			}
			fields = append(fields, sortFieldJSON{SourceID: field.ID, Transform: "identity", Direction: "asc", NullOrder: "nulls-first"})
		}
		sortOrders = append(sortOrders, map[string]any{"order-id": 1, "fields": fields})
		defaultSortOrder = 1
	}

	snapshotLog := []snapshotLogJSON{}
	for _, s := range w.snapshots {
		snapshotLog = append(snapshotLog, snapshotLogJSON{SnapshotID: s.SnapshotID, TimestampMs: s.TimestampMs})
	}

	doc := map[string]any{
		"format-version":        2,
		"table-uuid":            w.tableUUID,
		"location":              strings.TrimSuffix(w.location, "/"),
		"last-sequence-number":  len(w.snapshots),
		"last-updated-ms":       ts.UnixMilli(),
		"last-column-id":        lastColumnID,
		"current-schema-id":     schema.ID,
		"schemas":               schemas,
		"default-spec-id":       0,
		"partition-specs":       []map[string]any{{"spec-id": 0, "fields": specFields}},
		"last-partition-id":     999 + len(specFields),
		"default-sort-order-id": defaultSortOrder,
		"sort-orders":           sortOrders,
		"properties":            w.properties,
		"snapshots":             w.snapshots,
		"snapshot-log":          snapshotLog,
		"metadata-log":          []any{},
	}
	if n := len(w.snapshots); n > 0 {
		current := w.snapshots[n-1].SnapshotID
		doc["current-snapshot-id"] = current
		doc["refs"] = map[string]any{
			"main": map[string]any{"snapshot-id": current, "type": "branch"},
		}
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode table metadata: %w", err)
	}
	w.version++
	return []Artifact{
		{Name: fmt.Sprintf("%sv%d.metadata.json", MetadataDir, w.version), Data: raw, ModTime: ts.UTC()},
		{Name: MetadataDir + VersionHintFile, Data: []byte(fmt.Sprint(w.version)), ModTime: ts.UTC()},
	}, nil
}
