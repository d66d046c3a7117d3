package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/drainage/config"
	"github.com/TFMV/drainage/delta"
	"github.com/TFMV/drainage/lakehouse"
)

var created = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

// writeDeltaTable creates a small Delta table on disk and returns its root.
func writeDeltaTable(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "events")

	write := func(rel string, data []byte, mod time.Time) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	log := delta.NewLogWriter()
	commit := func(day int, op string, changes ...delta.Change) {
		a, err := log.Commit(created.AddDate(0, 0, day), op, changes...)
		require.NoError(t, err)
		write(a.Name, a.Data, a.ModTime)
	}

	cols := []lakehouse.Column{{Name: "id", Type: "long"}, {Name: "day", Type: "string", Nullable: true}}
	commit(0, "CREATE TABLE",
		delta.SetProtocol(1, 2),
		delta.SetSchema(cols, []string{"day"}, nil),
		delta.AddFile("day=1/a.parquet", 100, map[string]string{"day": "1"}),
		delta.AddFile("day=2/b.parquet", 200, map[string]string{"day": "2"}),
	)
	write("day=1/a.parquet", make([]byte, 100), created)
	write("day=2/b.parquet", make([]byte, 200), created)
	write("day=2/orphan.parquet", make([]byte, 50), created)
	return root
}

// execute runs the root command with args and fresh flag values.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	*rootOpts = rootOptions{}
	*analyzeOpts = analyzeOptions{}
	*detectOpts = analyzeOptions{}
	terminalColor = func() bool { return false }

	cfgPath := filepath.Join(t.TempDir(), config.FileName)
	cfg := config.Default()
	cfg.Logging.Level = "error"
	require.NoError(t, config.WriteConfig(cfgPath, cfg))

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestAnalyzeCommandJSON(t *testing.T) {
	root := writeDeltaTable(t)

	out, _, err := execute(t, "analyze", root, "--format", "json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "delta", decoded["table_type"])
	assert.True(t, strings.HasPrefix(decoded["table_path"].(string), "file:///"))

	m := decoded["metrics"].(map[string]any)
	assert.EqualValues(t, 2, m["total_files"])
	assert.EqualValues(t, 300, m["total_size_bytes"])
	assert.Len(t, m["unreferenced_files"], 1)
}

func TestAnalyzeCommandTable(t *testing.T) {
	root := writeDeltaTable(t)

	out, _, err := execute(t, "analyze", "file://"+filepath.ToSlash(root), "--type", "delta", "--color", "never")
	require.NoError(t, err)
	assert.Contains(t, out, "Table Health Report")
	assert.Contains(t, out, "orphan.parquet")
}

func TestAnalyzeCommandFailBelow(t *testing.T) {
	root := writeDeltaTable(t)

	_, errOut, err := execute(t, "analyze", root, "--format", "text", "--fail-below", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, errOut, "below threshold")
}

func TestAnalyzeCommandErrors(t *testing.T) {
	_, errOut, err := execute(t, "analyze", "ftp://bucket/table")
	require.Error(t, err)
	assert.ErrorIs(t, err, lakehouse.ErrValidation)
	assert.Equal(t, 64, ExitCode(err))
	assert.Contains(t, errOut, "Invalid input")

	_, errOut, err = execute(t, "analyze", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, lakehouse.ErrTableNotFound)
	assert.Contains(t, errOut, "No table found")

	_, _, err = execute(t, "analyze", writeDeltaTable(t), "--type", "parquet")
	assert.ErrorIs(t, err, lakehouse.ErrValidation)

	_, _, err = execute(t, "analyze", writeDeltaTable(t), "--format", "xml")
	assert.ErrorIs(t, err, lakehouse.ErrValidation)
}

func TestDetectCommand(t *testing.T) {
	root := writeDeltaTable(t)

	out, _, err := execute(t, "detect", root)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "\tdelta"), out)
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, &analyzeOptions{})
	assert.Nil(t, cfg.Storage.S3)

	applyFlags(cfg, &analyzeOptions{region: "eu-west-1", accessKey: "a", secretKey: "b", pathStyle: true, concurrency: 2, format: "json"})
	require.NotNil(t, cfg.Storage.S3)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.True(t, cfg.Storage.S3.PathStyle)
	assert.Equal(t, 2, cfg.Analysis.Concurrency)
	assert.Equal(t, "json", cfg.Display.Format)
}

func TestResolvePath(t *testing.T) {
	cfg := config.Default()
	p, err := resolvePath(cfg, "s3://lake/events")
	require.NoError(t, err)
	assert.Equal(t, "s3://lake/events", p)

	cfg.Storage.Type = "filesystem"
	cfg.Storage.FileSystem = &config.FileSystemConfig{RootPath: "/data/lake"}
	p, err = resolvePath(cfg, "events")
	require.NoError(t, err)
	assert.Equal(t, "file:///data/lake/events", p)

	p, err = resolvePath(cfg, "/abs/events")
	require.NoError(t, err)
	assert.Equal(t, "file:///abs/events", p)
}

func TestDescribeError(t *testing.T) {
	ambiguous := &lakehouse.TableError{Location: "s3://a/b/", Kind: lakehouse.ErrAmbiguousFormat, Reason: "both"}
	assert.Contains(t, describeError(ambiguous), "--type")

	corrupt := lakehouse.NewCorruptMetadata("_delta_log/00000000000000000003.json", "bad json", nil)
	assert.Contains(t, describeError(corrupt), "corrupt")

	denied := lakehouse.NewStorageError("get", "k", lakehouse.ErrAuthentication, assert.AnError)
	assert.Contains(t, describeError(denied), "Access denied")

	assert.Equal(t, "Analysis canceled", describeError(context.Canceled))
	assert.Equal(t, 1, ExitCode(denied))
	assert.Equal(t, 0, ExitCode(nil))
}
