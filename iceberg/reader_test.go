package iceberg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/drainage/fs/memory"
	"github.com/TFMV/drainage/lakehouse"
)

const testBucket = "lake"

var baseTime = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	gw        *memory.Gateway
	loc       lakehouse.TableLocation
	w         *TableWriter
	written   []Artifact
	lastMeta  string
	manifests []string
}

func ordersSchema() *iceberggo.Schema {
	return iceberggo.NewSchemaWithIdentifiers(0, []int{1},
		iceberggo.NestedField{ID: 1, Name: "id", Type: iceberggo.PrimitiveTypes.Int64, Required: true},
		iceberggo.NestedField{ID: 2, Name: "region", Type: iceberggo.PrimitiveTypes.String, Required: true},
		iceberggo.NestedField{ID: 3, Name: "amount", Type: iceberggo.PrimitiveTypes.Float64},
	)
}

func newFixture(t *testing.T, partitionBy ...string) *fixture {
	t.Helper()
	loc, err := lakehouse.ParseLocation("memory://lake/warehouse/orders/")
	require.NoError(t, err)
	return &fixture{
		t:   t,
		gw:  memory.NewGateway(),
		loc: loc,
		w:   NewTableWriter(loc.String(), ordersSchema(), partitionBy...),
	}
}

func (f *fixture) put(artifacts []Artifact, err error) {
	f.t.Helper()
	require.NoError(f.t, err)
	for _, a := range artifacts {
		f.gw.PutWithTime(testBucket, f.loc.Key(a.Name), a.Data, a.ModTime)
		f.written = append(f.written, a)
		switch {
		case strings.HasSuffix(a.Name, ".metadata.json"):
			f.lastMeta = a.Name
		case strings.Contains(a.Name, "-m") && !strings.Contains(a.Name, "snap-"):
			f.manifests = append(f.manifests, a.Name)
		}
	}
}

func (f *fixture) read() (*lakehouse.TableState, error) {
	return NewReader(f.gw, WithConcurrency(3)).Read(context.Background(), f.loc)
}

func (f *fixture) rewriteMetadata(edit func(doc map[string]any)) {
	f.t.Helper()
	key := f.loc.Key(f.lastMeta)
	data, err := f.gw.Get(context.Background(), testBucket, key)
	require.NoError(f.t, err)
	var doc map[string]any
	require.NoError(f.t, json.Unmarshal(data, &doc))
	edit(doc)
	data, err = json.Marshal(doc)
	require.NoError(f.t, err)
	f.gw.PutWithTime(testBucket, key, data, baseTime)
}

func day(n int) time.Time {
	return baseTime.AddDate(0, 0, n)
}

func paths(files []lakehouse.LogicalFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func TestReadCurrentSnapshot(t *testing.T) {
	f := newFixture(t, "region")
	f.put(f.w.Append(day(0),
		DataFile{Path: "data/region=eu/a.parquet", SizeBytes: 100, Records: 10, Partition: map[string]string{"region": "eu"}},
		DataFile{Path: "data/region=us/b.parquet", SizeBytes: 200, Records: 20, Partition: map[string]string{"region": "us"}},
	))
	f.put(f.w.Append(day(1),
		DataFile{Path: "data/region=us/c.parquet", SizeBytes: 300, Records: 30, Partition: map[string]string{"region": "us"}},
	))
	f.put(f.w.Delete(day(2), "data/region=eu/a.parquet"))

	state, err := f.read()
	require.NoError(t, err)

	assert.Equal(t, lakehouse.FormatIceberg, state.Format)
	assert.Equal(t, 2, state.FormatVersion)
	assert.Equal(t, int64(3), state.CurrentVersion)
	assert.Equal(t, []string{"region"}, state.PartitionColumns)
	assert.Equal(t, []string{
		"warehouse/orders/data/region=us/b.parquet",
		"warehouse/orders/data/region=us/c.parquet",
	}, paths(state.ActiveFiles))

	b := state.ActiveFiles[0]
	assert.Equal(t, int64(200), b.SizeBytes)
	assert.Equal(t, int64(20), b.RecordCount)
	assert.Equal(t, int64(1000), b.Origin)
	assert.Equal(t, []lakehouse.PartitionValue{{Column: "region", Value: "us"}}, b.PartitionValues)
	assert.Equal(t, int64(2000), state.ActiveFiles[1].Origin)

	require.Len(t, state.Removed, 1)
	assert.Equal(t, "warehouse/orders/data/region=eu/a.parquet", state.Removed[0].Path)
	assert.Equal(t, int64(100), state.Removed[0].SizeBytes)
	assert.Equal(t, day(2), state.Removed[0].RemovedAt)

	require.Len(t, state.History, 3)
	assert.Equal(t, "append", state.History[0].Operation)
	assert.Equal(t, "delete", state.History[2].Operation)
	assert.Equal(t, day(1), state.History[1].Timestamp)

	assert.Equal(t, 1, state.ManifestCount)
	assert.Len(t, state.MetadataFiles, len(f.written)-2) // version hint is rewritten in place
	assert.Equal(t, MetadataDir, state.MetadataPrefix)

	require.Len(t, state.Constraints, 3)
	assert.Equal(t, lakehouse.ConstraintNotNull, state.Constraints[0].Kind)
	assert.Equal(t, lakehouse.ConstraintUnique, state.Constraints[2].Kind)
	assert.Equal(t, []string{"id"}, state.Constraints[2].Columns)
}

func TestReadFansOutAcrossManifests(t *testing.T) {
	f := newFixture(t)
	f.w.MaxManifestEntries = 2
	var files []DataFile
	for i := 0; i < 7; i++ {
		files = append(files, DataFile{Path: fmt.Sprintf("data/part-%02d.parquet", i), SizeBytes: int64(i + 1)})
	}
	f.put(f.w.Append(day(0), files...))

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, 4, state.ManifestCount)
	assert.Len(t, state.ActiveFiles, 7)
	assert.Nil(t, state.ActiveFiles[0].PartitionValues)

	again, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, state, again)
}

func TestReadMissingManifest(t *testing.T) {
	f := newFixture(t)
	f.w.MaxManifestEntries = 1
	f.put(f.w.Append(day(0),
		DataFile{Path: "data/a.parquet", SizeBytes: 1},
		DataFile{Path: "data/b.parquet", SizeBytes: 1},
	))
	require.Len(t, f.manifests, 2)
	f.gw.Delete(testBucket, f.loc.Key(f.manifests[1]))

	state, err := f.read()
	assert.Nil(t, state)
	assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
	assert.Contains(t, err.Error(), f.manifests[1])
}

func TestReadMissingManifestList(t *testing.T) {
	f := newFixture(t)
	f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
	for _, a := range f.written {
		if strings.Contains(a.Name, "snap-") {
			f.gw.Delete(testBucket, f.loc.Key(a.Name))
		}
	}

	_, err := f.read()
	assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
}

func TestReadTableNotFound(t *testing.T) {
	t.Run("no metadata", func(t *testing.T) {
		f := newFixture(t)
		f.gw.PutWithTime(testBucket, f.loc.Key("data/a.parquet"), []byte("x"), baseTime)
		_, err := f.read()
		assert.ErrorIs(t, err, lakehouse.ErrTableNotFound)
	})

	t.Run("no snapshots", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Metadata(day(0)))
		_, err := f.read()
		assert.ErrorIs(t, err, lakehouse.ErrTableNotFound)
	})
}

func TestReadWithoutCurrentSnapshot(t *testing.T) {
	f := newFixture(t)
	f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
	f.rewriteMetadata(func(doc map[string]any) {
		delete(doc, "current-snapshot-id")
		delete(doc, "refs")
	})

	state, err := f.read()
	require.NoError(t, err)
	assert.Empty(t, state.ActiveFiles)
	assert.Len(t, state.History, 1)
}

func TestReadMetadataWithoutRefs(t *testing.T) {
	t.Run("v2", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 10}))
		f.put(f.w.Append(day(1), DataFile{Path: "data/b.parquet", SizeBytes: 20}))
		f.rewriteMetadata(func(doc map[string]any) {
			delete(doc, "refs")
		})

		state, err := f.read()
		require.NoError(t, err)
		assert.Equal(t, []string{
			"warehouse/orders/data/a.parquet",
			"warehouse/orders/data/b.parquet",
		}, paths(state.ActiveFiles))
	})

	t.Run("null refs", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 10}))
		f.rewriteMetadata(func(doc map[string]any) {
			doc["refs"] = nil
		})

		state, err := f.read()
		require.NoError(t, err)
		assert.Len(t, state.ActiveFiles, 1)
	})

	t.Run("v1", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 10, Records: 1}))

		var listName string
		for _, a := range f.written {
			if strings.Contains(a.Name, "snap-") {
				listName = a.Name
			}
		}
		require.NotEmpty(t, listName)

		doc := fmt.Sprintf(`{
  "format-version": 1,
  "table-uuid": "9c12d441-03fe-4693-9a96-a0705ddf69c1",
  "location": "memory://lake/warehouse/orders",
  "last-updated-ms": %[1]d,
  "last-column-id": 3,
  "schema": {"type": "struct", "schema-id": 0, "fields": [
    {"id": 1, "name": "id", "required": true, "type": "long"},
    {"id": 2, "name": "region", "required": true, "type": "string"},
    {"id": 3, "name": "amount", "required": false, "type": "double"}
  ]},
  "partition-spec": [],
  "properties": {},
  "current-snapshot-id": 1000,
  "snapshots": [
    {"snapshot-id": 1000, "timestamp-ms": %[1]d, "manifest-list": "memory://lake/warehouse/orders/%[2]s", "summary": {"operation": "append"}}
  ]
}`, day(0).UnixMilli(), listName)
		f.gw.PutWithTime(testBucket, f.loc.Key(f.lastMeta), []byte(doc), baseTime)

		state, err := f.read()
		require.NoError(t, err)
		assert.Equal(t, 1, state.FormatVersion)
		assert.Equal(t, []string{"warehouse/orders/data/a.parquet"}, paths(state.ActiveFiles))
	})
}

func TestParseMetadataNeverPanics(t *testing.T) {
	docs := map[string]string{
		"not json":             `{"format-version": 2`,
		"bad current snapshot": `{"format-version": 2, "current-snapshot-id": "x"}`,
		"empty object":         `{}`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := parseMetadata("metadata/v1.metadata.json", []byte(doc))
				assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
			})
		})
	}
}

func TestReadInvalidMetadata(t *testing.T) {
	f := newFixture(t)
	f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
	f.gw.PutWithTime(testBucket, f.loc.Key(f.lastMeta), []byte(`{"format-version": 2`), baseTime)

	_, err := f.read()
	assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
}

func TestCurrentMetadataSelection(t *testing.T) {
	t.Run("stale hint falls back to highest version", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
		f.put(f.w.Append(day(1), DataFile{Path: "data/b.parquet", SizeBytes: 1}))
		f.gw.PutWithTime(testBucket, f.loc.Key(MetadataDir+VersionHintFile), []byte("9"), baseTime)

		state, err := f.read()
		require.NoError(t, err)
		assert.Equal(t, int64(2), state.CurrentVersion)
		assert.Len(t, state.ActiveFiles, 2)
	})

	t.Run("hint pins an older version", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
		f.put(f.w.Append(day(1), DataFile{Path: "data/b.parquet", SizeBytes: 1}))
		f.gw.PutWithTime(testBucket, f.loc.Key(MetadataDir+VersionHintFile), []byte("1\n"), baseTime)

		state, err := f.read()
		require.NoError(t, err)
		assert.Equal(t, int64(1), state.CurrentVersion)
		assert.Len(t, state.ActiveFiles, 1)
	})

	t.Run("catalog style names without hint", func(t *testing.T) {
		f := newFixture(t)
		f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
		f.gw.Delete(testBucket, f.loc.Key(MetadataDir+VersionHintFile))
		data, err := f.gw.Get(context.Background(), testBucket, f.loc.Key(f.lastMeta))
		require.NoError(t, err)
		f.gw.Delete(testBucket, f.loc.Key(f.lastMeta))
		f.gw.PutWithTime(testBucket, f.loc.Key(MetadataDir+"00007-6f1c2a4e-9d1b-4b7e-8a3f-2b9c0d1e5f6a.metadata.json"), data, baseTime)

		state, err := f.read()
		require.NoError(t, err)
		assert.Equal(t, int64(7), state.CurrentVersion)

		ok, err := IsTable(context.Background(), f.gw, f.loc)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestReadSortOrderAndBounds(t *testing.T) {
	f := newFixture(t)
	f.w.SortBy("id", "region")
	f.put(f.w.Append(day(0),
		DataFile{Path: "data/a.parquet", SizeBytes: 1, LowerBounds: map[string]string{"id": "42", "region": "ap", "amount": "1.5"}},
		DataFile{Path: "data/b.parquet", SizeBytes: 1},
	))

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "region"}, state.ClusteringColumns)
	assert.Equal(t, map[string]string{"id": "42", "region": "ap"}, state.ActiveFiles[0].LowerBounds)
	assert.Nil(t, state.ActiveFiles[1].LowerBounds)
}

func TestReadSchemaHistory(t *testing.T) {
	f := newFixture(t)
	f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
	f.w.EvolveSchema(iceberggo.NewSchemaWithIdentifiers(1, []int{1},
		iceberggo.NestedField{ID: 1, Name: "id", Type: iceberggo.PrimitiveTypes.Int64, Required: true},
		iceberggo.NestedField{ID: 2, Name: "zone", Type: iceberggo.PrimitiveTypes.String, Required: true},
		iceberggo.NestedField{ID: 3, Name: "amount", Type: iceberggo.PrimitiveTypes.Float64},
		iceberggo.NestedField{ID: 4, Name: "note", Type: iceberggo.PrimitiveTypes.String},
	))
	f.put(f.w.Append(day(3), DataFile{Path: "data/b.parquet", SizeBytes: 1}))

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, 1, state.SchemaID)
	require.Len(t, state.SchemaHistory, 2)
	assert.Equal(t, day(0), state.SchemaHistory[0].Timestamp)
	assert.Equal(t, day(3), state.SchemaHistory[1].Timestamp)
	assert.Equal(t, "zone", state.SchemaHistory[1].Columns[1].Name)
	assert.Equal(t, 2, state.SchemaHistory[1].Columns[1].ID)
	assert.Equal(t, 0, state.History[0].SchemaID)
	assert.Equal(t, 1, state.History[1].SchemaID)
}

func TestIsTable(t *testing.T) {
	f := newFixture(t)
	ok, err := IsTable(context.Background(), f.gw, f.loc)
	require.NoError(t, err)
	assert.False(t, ok)

	f.put(f.w.Append(day(0), DataFile{Path: "data/a.parquet", SizeBytes: 1}))
	ok, err = IsTable(context.Background(), f.gw, f.loc)
	require.NoError(t, err)
	assert.True(t, ok)
}
