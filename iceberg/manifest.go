package iceberg

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/hamba/avro/v2/ocf"
)

// Manifest entry status values.
const (
	statusExisting = 0
	statusAdded    = 1
	statusDeleted  = 2
)

// Manifest content values.
const (
	contentData    = 0
	contentDeletes = 1
)

// manifestEntry is one row of a manifest as the fixture writer encodes it.
// Reading goes through iceberg-go.
type manifestEntry struct {
	Status         int32    `avro:"status"`
	SnapshotID     *int64   `avro:"snapshot_id"`
	SequenceNumber *int64   `avro:"sequence_number"`
	DataFile       dataFile `avro:"data_file"`
}

type dataFile struct {
	Content         int32          `avro:"content"`
	FilePath        string         `avro:"file_path"`
	FileFormat      string         `avro:"file_format"`
	Partition       map[string]any `avro:"partition"`
	RecordCount     int64          `avro:"record_count"`
	FileSizeInBytes int64          `avro:"file_size_in_bytes"`
	LowerBounds     *[]fieldBound  `avro:"lower_bounds"`
}

// fieldBound is an entry of the int-keyed bounds map, which Avro encodes as
// an array of key/value records.
type fieldBound struct {
	Key   int32  `avro:"key"`
	Value []byte `avro:"value"`
}

const manifestListSchema = `{
  "type": "record",
  "name": "manifest_file",
  "fields": [
    {"name": "manifest_path", "type": "string", "field-id": 500},
    {"name": "manifest_length", "type": "long", "field-id": 501},
    {"name": "partition_spec_id", "type": "int", "field-id": 502},
    {"name": "content", "type": "int", "field-id": 517},
    {"name": "sequence_number", "type": "long", "field-id": 515},
    {"name": "min_sequence_number", "type": "long", "field-id": 516},
    {"name": "added_snapshot_id", "type": "long", "field-id": 503},
    {"name": "added_files_count", "type": "int", "field-id": 504},
    {"name": "existing_files_count", "type": "int", "field-id": 505},
    {"name": "deleted_files_count", "type": "int", "field-id": 506},
    {"name": "added_rows_count", "type": "long", "field-id": 512},
    {"name": "existing_rows_count", "type": "long", "field-id": 513},
    {"name": "deleted_rows_count", "type": "long", "field-id": 514}
  ]
}`

// manifestListRow is the encoding side of manifestFile; it carries every
// required column of the v2 manifest list.
type manifestListRow struct {
	ManifestPath       string `avro:"manifest_path"`
	ManifestLength     int64  `avro:"manifest_length"`
	PartitionSpecID    int32  `avro:"partition_spec_id"`
	Content            int32  `avro:"content"`
	SequenceNumber     int64  `avro:"sequence_number"`
	MinSequenceNumber  int64  `avro:"min_sequence_number"`
	AddedSnapshotID    int64  `avro:"added_snapshot_id"`
	AddedFilesCount    int32  `avro:"added_files_count"`
	ExistingFilesCount int32  `avro:"existing_files_count"`
	DeletedFilesCount  int32  `avro:"deleted_files_count"`
	AddedRowsCount     int64  `avro:"added_rows_count"`
	ExistingRowsCount  int64  `avro:"existing_rows_count"`
	DeletedRowsCount   int64  `avro:"deleted_rows_count"`
}

// manifestSchema renders the v2 manifest entry schema for a partition
// tuple of string-typed fields.
func manifestSchema(partitionFields []string) string {
	fields := make([]string, len(partitionFields))
	for i, name := range partitionFields {
		fields[i] = fmt.Sprintf(`{"name": %q, "type": "string", "field-id": %d}`, name, 1000+i)
	}
	return `{
  "type": "record",
  "name": "manifest_entry",
  "fields": [
    {"name": "status", "type": "int", "field-id": 0},
    {"name": "snapshot_id", "type": ["null", "long"], "default": null, "field-id": 1},
    {"name": "sequence_number", "type": ["null", "long"], "default": null, "field-id": 3},
    {"name": "file_sequence_number", "type": ["null", "long"], "default": null, "field-id": 4},
    {"name": "data_file", "field-id": 2, "type": {
      "type": "record",
      "name": "r2",
      "fields": [
        {"name": "content", "type": "int", "field-id": 134},
        {"name": "file_path", "type": "string", "field-id": 100},
        {"name": "file_format", "type": "string", "field-id": 101},
        {"name": "partition", "field-id": 102, "type": {"type": "record", "name": "r102", "fields": [` + strings.Join(fields, ", ") + `]}},
        {"name": "record_count", "type": "long", "field-id": 103},
        {"name": "file_size_in_bytes", "type": "long", "field-id": 104},
        {"name": "lower_bounds", "default": null, "field-id": 125, "type": ["null", {
          "type": "array",
          "logicalType": "map",
          "items": {"type": "record", "name": "k126_v127", "fields": [
            {"name": "key", "type": "int", "field-id": 126},
            {"name": "value", "type": "bytes", "field-id": 127}
          ]}
        }]}
      ]
    }}
  ]
}`
}

func writeManifestList(w io.Writer, rows []manifestListRow) error {
	enc, err := ocf.NewEncoder(manifestListSchema, w, ocf.WithMetadata(map[string][]byte{
		"format-version": []byte("2"),
	}))
	if err != nil {
		return fmt.Errorf("failed to create manifest list encoder: %w", err)
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode manifest list entry: %w", err)
		}
	}
	return enc.Close()
}

func writeManifest(w io.Writer, partitionFields []string, content int, entries []manifestEntry) error {
	enc, err := ocf.NewEncoder(manifestSchema(partitionFields), w, ocf.WithMetadata(map[string][]byte{
		"format-version": []byte("2"),
		"content":        []byte(contentName(content)),
	}))
	if err != nil {
		return fmt.Errorf("failed to create manifest encoder: %w", err)
	}
	for _, e := range entries {
		if e.DataFile.Partition == nil {
			e.DataFile.Partition = map[string]any{}
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode manifest entry %s: %w", e.DataFile.FilePath, err)
		}
	}
	return enc.Close()
}

func contentName(content int) string {
	if content == contentDeletes {
		return "deletes"
	}
	return "data"
}

// partitionString renders a decoded partition value. Nullable fields may
// arrive wrapped in a single-entry map keyed by the branch type.
func partitionString(v any) (string, bool) {
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for _, inner := range m {
			v = inner
		}
	}
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return hex.EncodeToString(t), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case iceberggo.Date:
		return time.Unix(int64(t)*int64(24*time.Hour/time.Second), 0).UTC().Format(time.DateOnly), true
	default:
		return fmt.Sprint(t), true
	}
}

// decodeBound renders Iceberg's single-value binary encoding of a column
// bound for the given primitive type.
func decodeBound(typ string, b []byte) string {
	switch typ {
	case "string", "uuid":
		return string(b)
	case "boolean":
		return strconv.FormatBool(len(b) > 0 && b[0] != 0)
	case "int", "date":
		if len(b) >= 4 {
			return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(b))), 10)
		}
	case "long", "time", "timestamp", "timestamptz":
		if len(b) >= 8 {
			return strconv.FormatInt(int64(binary.LittleEndian.Uint64(b)), 10)
		}
		if len(b) >= 4 {
			return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(b))), 10)
		}
	case "float":
		if len(b) >= 4 {
			return strconv.FormatFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), 'g', -1, 32)
		}
	case "double":
		if len(b) >= 8 {
			return strconv.FormatFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)), 'g', -1, 64)
		}
	}
	return hex.EncodeToString(b)
}

// encodeBound is the inverse of decodeBound for the types fixtures use.
func encodeBound(typ string, v string) []byte {
	switch typ {
	case "int", "date":
		n, _ := strconv.ParseInt(v, 10, 32)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(n)))
		return b
	case "long", "time", "timestamp", "timestamptz":
		n, _ := strconv.ParseInt(v, 10, 64)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(n))
		return b
	case "double":
		f, _ := strconv.ParseFloat(v, 64)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return b
	}
	return []byte(v)
}

func sortedBounds(bounds map[int32][]byte) *[]fieldBound {
	if len(bounds) == 0 {
		return nil
	}
	out := make([]fieldBound, 0, len(bounds))
	for k, v := range bounds {
		out = append(out, fieldBound{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return &out
}
