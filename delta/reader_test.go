package delta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/drainage/fs/memory"
	"github.com/TFMV/drainage/lakehouse"
)

const testBucket = "lake"

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t   *testing.T
	gw  *memory.Gateway
	loc lakehouse.TableLocation
	log *LogWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := lakehouse.ParseLocation("memory://lake/tables/events/")
	require.NoError(t, err)
	return &fixture{t: t, gw: memory.NewGateway(), loc: loc, log: NewLogWriter()}
}

func (f *fixture) put(artifacts ...Artifact) {
	for _, a := range artifacts {
		f.gw.PutWithTime(testBucket, f.loc.Key(a.Name), a.Data, a.ModTime)
	}
}

func (f *fixture) commit(day int, op string, changes ...Change) {
	f.t.Helper()
	a, err := f.log.Commit(baseTime.AddDate(0, 0, day), op, changes...)
	require.NoError(f.t, err)
	f.put(a)
}

func (f *fixture) checkpoint(day int) {
	f.t.Helper()
	artifacts, err := f.log.Checkpoint(baseTime.AddDate(0, 0, day))
	require.NoError(f.t, err)
	f.put(artifacts...)
}

func (f *fixture) read() (*lakehouse.TableState, error) {
	return NewReader(f.gw, WithConcurrency(4)).Read(context.Background(), f.loc)
}

func eventColumns() []lakehouse.Column {
	return []lakehouse.Column{
		{Name: "id", Type: "long", Nullable: false},
		{Name: "ts", Type: "timestamp", Nullable: true},
		{Name: "region", Type: "string", Nullable: true},
	}
}

func paths(files []lakehouse.LogicalFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func TestReadReplaysCommits(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE",
		SetProtocol(1, 2),
		SetSchema(eventColumns(), []string{"region"}, nil),
		AddFile("region=eu/a.parquet", 100, map[string]string{"region": "eu"}),
		AddFile("region=us/b.parquet", 200, map[string]string{"region": "us"}),
	)
	f.commit(1, "WRITE",
		AddFile("region=us/c.parquet", 300, map[string]string{"region": "us"}),
		RemoveFile("region=eu/a.parquet", 100),
	)
	f.commit(2, "DELETE", RemoveFile("region=eu/never-added.parquet", 5))

	state, err := f.read()
	require.NoError(t, err)

	assert.Equal(t, lakehouse.FormatDelta, state.Format)
	assert.Equal(t, int64(2), state.CurrentVersion)
	assert.Equal(t, []string{
		"tables/events/region=us/b.parquet",
		"tables/events/region=us/c.parquet",
	}, paths(state.ActiveFiles))
	assert.Equal(t, []lakehouse.PartitionValue{{Column: "region", Value: "us"}}, state.ActiveFiles[0].PartitionValues)
	assert.Equal(t, int64(1), state.ActiveFiles[1].Origin)
	assert.Equal(t, []string{"region"}, state.PartitionColumns)
	assert.Equal(t, lakehouse.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}, state.Protocol)

	require.Len(t, state.Removed, 2)
	assert.Equal(t, "tables/events/region=eu/a.parquet", state.Removed[0].Path)
	assert.Equal(t, int64(100), state.Removed[0].SizeBytes)

	require.Len(t, state.History, 3)
	assert.Equal(t, "CREATE TABLE", state.History[0].Operation)
	assert.Equal(t, baseTime.AddDate(0, 0, 2), state.History[2].Timestamp)
	assert.Len(t, state.MetadataFiles, 3)
	assert.Equal(t, LogDir, state.MetadataPrefix)

	require.Len(t, state.Constraints, 1)
	assert.Equal(t, lakehouse.ConstraintNotNull, state.Constraints[0].Kind)
	assert.Equal(t, []string{"id"}, state.Constraints[0].Columns)
}

func TestReadStartsFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetProtocol(1, 2), SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 10, nil))
	f.commit(1, "WRITE", AddFile("b.parquet", 20, nil))
	f.commit(2, "WRITE", RemoveFile("a.parquet", 10), AddFile("c.parquet", 30, nil))
	f.checkpoint(2)
	f.commit(3, "WRITE", AddFile("d.parquet", 40, nil))

	// Log cleanup removed the commits covered by the checkpoint.
	f.gw.Delete(testBucket, f.loc.Key(LogDir+commitName(0)))
	f.gw.Delete(testBucket, f.loc.Key(LogDir+commitName(1)))

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tables/events/b.parquet",
		"tables/events/c.parquet",
		"tables/events/d.parquet",
	}, paths(state.ActiveFiles))
	assert.Equal(t, int64(3), state.CurrentVersion)
	require.Len(t, state.Removed, 1)
	assert.Equal(t, "tables/events/a.parquet", state.Removed[0].Path)
	require.Len(t, state.History, 2)
	assert.Equal(t, int64(2), state.History[0].ID)
	require.Len(t, state.SchemaHistory, 1)
	assert.Len(t, state.SchemaHistory[0].Columns, 3)
}

func TestReadRejectsGaps(t *testing.T) {
	t.Run("without checkpoint", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))
		f.commit(1, "WRITE", AddFile("a.parquet", 1, nil))
		f.commit(2, "WRITE", AddFile("b.parquet", 1, nil))
		f.gw.Delete(testBucket, f.loc.Key(LogDir+commitName(1)))

		_, err := f.read()
		require.Error(t, err)
		assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)

		var corrupt *lakehouse.CorruptMetadataError
		require.True(t, errors.As(err, &corrupt))
		assert.Contains(t, corrupt.Artifact, commitName(1))
	})

	t.Run("after checkpoint", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))
		f.commit(1, "WRITE", AddFile("a.parquet", 1, nil))
		f.checkpoint(1)
		f.commit(2, "WRITE", AddFile("b.parquet", 1, nil))
		f.commit(3, "WRITE", AddFile("c.parquet", 1, nil))
		f.gw.Delete(testBucket, f.loc.Key(LogDir+commitName(2)))

		_, err := f.read()
		assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
	})
}

func TestReadMalformedCommitAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 1, nil))
	f.checkpoint(0)
	f.commit(1, "WRITE", AddFile("b.parquet", 1, nil))
	f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+commitName(2)),
		[]byte("{\"add\":{\"path\":\"c.parquet\",\"size\":1}}\n{not json\n"), baseTime)

	state, err := f.read()
	assert.Nil(t, state)
	require.Error(t, err)
	assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)

	var corrupt *lakehouse.CorruptMetadataError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "tables/events/"+LogDir+commitName(2), corrupt.Artifact)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadSkipsMalformedCommitCoveredByCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 1, nil))
	f.commit(1, "WRITE", AddFile("b.parquet", 1, nil))
	f.checkpoint(1)
	f.commit(2, "WRITE", AddFile("c.parquet", 1, nil))
	f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+commitName(0)), []byte("garbage"), baseTime)

	state, err := f.read()
	require.NoError(t, err)
	assert.Len(t, state.ActiveFiles, 3)
	assert.Len(t, state.History, 3)
}

func TestReadTableNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.read()
	assert.ErrorIs(t, err, lakehouse.ErrTableNotFound)

	f.gw.PutWithTime(testBucket, f.loc.Key("part-0.parquet"), []byte("x"), baseTime)
	f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+"00000000000000000000.crc"), []byte("{}"), baseTime)
	_, err = f.read()
	assert.ErrorIs(t, err, lakehouse.ErrTableNotFound)
}

func TestReadCheckpointPointer(t *testing.T) {
	t.Run("pointer to deleted checkpoint replays from zero", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))
		f.commit(1, "WRITE", AddFile("a.parquet", 1, nil))
		f.checkpoint(1)
		f.gw.Delete(testBucket, f.loc.Key(LogDir+checkpointName(1)))

		state, err := f.read()
		require.NoError(t, err)
		assert.Len(t, state.ActiveFiles, 1)
	})

	t.Run("stale pointer falls back to newest checkpoint", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 1, nil))
		f.commit(1, "WRITE", AddFile("b.parquet", 1, nil))
		f.checkpoint(1)
		f.commit(2, "WRITE", AddFile("c.parquet", 1, nil))
		f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+lastCheckpointFile), []byte(`{"version":0,"size":1}`), baseTime)

		state, err := f.read()
		require.NoError(t, err)
		assert.Len(t, state.ActiveFiles, 3)
	})

	t.Run("invalid pointer", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))
		f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+lastCheckpointFile), []byte("{"), baseTime)

		_, err := f.read()
		assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
	})

	t.Run("incomplete multipart checkpoint", func(t *testing.T) {
		f := newFixture(t)
		f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 1, nil))
		f.commit(1, "WRITE", AddFile("b.parquet", 1, nil))
		f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+multipartName(1, 1, 2)), []byte("PAR1"), baseTime)

		// Without a pointer the incomplete checkpoint is ignored.
		state, err := f.read()
		require.NoError(t, err)
		assert.Len(t, state.ActiveFiles, 2)

		f.gw.PutWithTime(testBucket, f.loc.Key(LogDir+lastCheckpointFile), []byte(`{"version":1,"size":2,"parts":2}`), baseTime)
		_, err = f.read()
		require.Error(t, err)
		assert.ErrorIs(t, err, lakehouse.ErrCorruptMetadata)
		assert.Contains(t, err.Error(), "part 2 of 2")
	})
}

func TestReadSchemaHistoryAndConstraints(t *testing.T) {
	f := newFixture(t)
	cols := eventColumns()
	f.commit(0, "CREATE TABLE", SetSchema(cols, nil, nil))
	f.commit(1, "WRITE", AddFile("a.parquet", 1, nil))

	widened := append(append([]lakehouse.Column(nil), cols...), lakehouse.Column{Name: "amount", Type: "double", Nullable: true})
	f.commit(2, "ADD COLUMNS", SetSchema(widened, nil, map[string]string{
		"delta.constraints.positive_amount": "amount > 0 AND `id` IS NOT NULL",
	}))

	state, err := f.read()
	require.NoError(t, err)
	require.Len(t, state.SchemaHistory, 2)
	assert.Len(t, state.SchemaHistory[1].Columns, 4)
	assert.Equal(t, 1, state.SchemaID)
	assert.Equal(t, 0, state.History[1].SchemaID)
	assert.Equal(t, 1, state.History[2].SchemaID)

	require.Len(t, state.Constraints, 2)
	check := state.Constraints[0]
	assert.Equal(t, lakehouse.ConstraintCheck, check.Kind)
	assert.Equal(t, "positive_amount", check.Name)
	assert.Equal(t, []string{"amount", "id"}, check.Columns)
}

func TestReadClusteringAndDeletionVectors(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetProtocol(3, 7), SetSchema(eventColumns(), nil, nil), ClusterBy("region"))
	f.commit(1, "WRITE",
		AddFile("a.parquet", 1000, nil).WithStats(50, map[string]interface{}{"region": "eu", "id": 1}),
		AddFile("b.parquet", 1000, nil).WithStats(70, map[string]interface{}{"region": "us"}).WithDeletionVector(64, 3),
	)

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, []string{"region"}, state.ClusteringColumns)
	require.Len(t, state.ActiveFiles, 2)
	assert.Equal(t, map[string]string{"region": "eu"}, state.ActiveFiles[0].LowerBounds)
	assert.Equal(t, int64(50), state.ActiveFiles[0].RecordCount)
	assert.Nil(t, state.ActiveFiles[0].DeletionVector)

	dv := state.ActiveFiles[1].DeletionVector
	require.NotNil(t, dv)
	assert.Equal(t, int64(64), dv.SizeBytes)
	assert.Equal(t, int64(3), dv.Cardinality)
	assert.Equal(t, baseTime.AddDate(0, 0, 1), dv.CreatedAt)
}

func TestReadZOrderFallback(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil), AddFile("a.parquet", 1, nil))
	a, err := f.log.Commit(baseTime.AddDate(0, 0, 1), "OPTIMIZE")
	require.NoError(t, err)
	a.Data = append([]byte(`{"commitInfo":{"timestamp":1709380800000,"operation":"OPTIMIZE","operationParameters":{"zOrderBy":"[\"ts\",\"id\"]"}}}`+"\n"), a.Data...)
	f.put(a)

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, []string{"ts", "id"}, state.ClusteringColumns)
}

func TestReadAcceptsAbsoluteAndEscapedPaths(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), []string{"region"}, nil),
		AddFile("memory://lake/tables/events/abs.parquet", 1, map[string]string{"region": "eu"}),
		AddFile("region=a%20b/c.parquet", 1, map[string]string{"region": "a b"}),
	)

	state, err := f.read()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tables/events/abs.parquet",
		"tables/events/region=a b/c.parquet",
	}, paths(state.ActiveFiles))
}

func TestReadCanceled(t *testing.T) {
	f := newFixture(t)
	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := NewReader(f.gw).Read(ctx, f.loc)
	assert.Nil(t, state)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTable(t *testing.T) {
	f := newFixture(t)
	ok, err := IsTable(context.Background(), f.gw, f.loc)
	require.NoError(t, err)
	assert.False(t, ok)

	f.commit(0, "CREATE TABLE", SetSchema(eventColumns(), nil, nil))
	ok, err = IsTable(context.Background(), f.gw, f.loc)
	require.NoError(t, err)
	assert.True(t, ok)
}
