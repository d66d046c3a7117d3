package iceberg

import (
	"bytes"
	"testing"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	snap := int64(55)
	seq := int64(3)
	entries := []manifestEntry{
		{Status: statusAdded, SnapshotID: &snap, SequenceNumber: &seq, DataFile: dataFile{
			FilePath: "s3://lake/t/data/a.parquet", FileFormat: "PARQUET",
			Partition: map[string]any{"day": "2024-01-01"}, RecordCount: 9, FileSizeInBytes: 1024,
			LowerBounds: sortedBounds(map[int32][]byte{2: []byte("x"), 1: encodeBound("long", "7")}),
		}},
		{Status: statusDeleted, SnapshotID: &snap, DataFile: dataFile{
			FilePath: "s3://lake/t/data/b.parquet", FileFormat: "PARQUET",
			Partition: map[string]any{"day": "2024-01-02"}, FileSizeInBytes: 10,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeManifest(&buf, []string{"day"}, contentData, entries))

	mf := iceberggo.NewManifestFile(2, "metadata/m0.avro", int64(buf.Len()), 0, snap).
		SequenceNum(seq, seq).
		Build()
	decoded, err := iceberggo.ReadManifest(mf, bytes.NewReader(buf.Bytes()), false)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	a := decoded[0]
	assert.Equal(t, iceberggo.EntryStatusADDED, a.Status())
	assert.Equal(t, int64(55), a.SnapshotID())
	assert.Equal(t, int64(3), a.SequenceNum())
	assert.Equal(t, "s3://lake/t/data/a.parquet", a.DataFile().FilePath())
	assert.Equal(t, int64(1024), a.DataFile().FileSizeBytes())
	assert.Equal(t, int64(9), a.DataFile().Count())
	v, ok := partitionString(a.DataFile().Partition()[1000])
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01", v)
	bounds := a.DataFile().LowerBoundValues()
	require.Len(t, bounds, 2)
	assert.Equal(t, "7", decodeBound("long", bounds[1]))
	assert.Equal(t, "x", decodeBound("string", bounds[2]))

	assert.Equal(t, iceberggo.EntryStatusDELETED, decoded[1].Status())
	assert.Empty(t, decoded[1].DataFile().LowerBoundValues())

	live, err := iceberggo.ReadManifest(mf, bytes.NewReader(buf.Bytes()), true)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestManifestListRoundTrip(t *testing.T) {
	rows := []manifestListRow{
		{ManifestPath: "metadata/a-m0.avro", ManifestLength: 100, Content: contentData, SequenceNumber: 1, AddedSnapshotID: 9, AddedFilesCount: 2},
		{ManifestPath: "metadata/a-m1.avro", ManifestLength: 50, Content: contentDeletes, SequenceNumber: 1, AddedSnapshotID: 9},
	}
	var buf bytes.Buffer
	require.NoError(t, writeManifestList(&buf, rows))

	decoded, err := iceberggo.ReadManifestList(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, 2, decoded[0].Version())
	assert.Equal(t, "metadata/a-m0.avro", decoded[0].FilePath())
	assert.Equal(t, int32(2), decoded[0].AddedDataFiles())
	assert.Equal(t, int64(9), decoded[0].SnapshotID())
	assert.Equal(t, iceberggo.ManifestContentDeletes, decoded[1].ManifestContent())
}

func TestReadManifestRejectsGarbage(t *testing.T) {
	mf := iceberggo.NewManifestFile(2, "metadata/m0.avro", 8, 0, 1).Build()
	_, err := iceberggo.ReadManifest(mf, bytes.NewReader([]byte("not avro")), false)
	assert.Error(t, err)
	_, err = iceberggo.ReadManifestList(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestPartitionString(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  string
		valid bool
	}{
		{"string", "eu", "eu", true},
		{"long", int64(20240101), "20240101", true},
		{"int", int32(7), "7", true},
		{"union wrapped", map[string]any{"string": "us"}, "us", true},
		{"union null", nil, "", false},
		{"bool", true, "true", true},
		{"date", iceberggo.Date(19723), "2024-01-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := partitionString(tt.in)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoundEncoding(t *testing.T) {
	tests := []struct {
		typ   string
		value string
	}{
		{"long", "-12"},
		{"int", "2024"},
		{"date", "19700"},
		{"double", "3.25"},
		{"string", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.value, decodeBound(tt.typ, encodeBound(tt.typ, tt.value)))
		})
	}
	assert.Equal(t, "0a0b", decodeBound("binary", []byte{0x0a, 0x0b}))
}
