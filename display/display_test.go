package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/metrics"
	"github.com/TFMV/drainage/report"
)

func sampleReport(t *testing.T) *report.HealthReport {
	t.Helper()
	loc, err := lakehouse.ParseLocation("s3://lake/tables/events")
	require.NoError(t, err)

	m := &metrics.HealthMetrics{
		TotalFiles:     3,
		TotalSizeBytes: 3 * metrics.MiB,
		UnreferencedFiles: []metrics.FileInfo{
			{Path: "tables/events/orphan.parquet", SizeBytes: 2048, LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		UnreferencedSizeBytes: 2048,
		PartitionCount:        2,
		Partitions: []metrics.Partition{
			{PartitionValues: []lakehouse.PartitionValue{{Column: "day", Value: "1"}}, FileCount: 1, TotalSizeBytes: metrics.MiB},
			{PartitionValues: []lakehouse.PartitionValue{{Column: "day", Value: "2"}}, FileCount: 2, TotalSizeBytes: 2 * metrics.MiB},
		},
		FileSizeDistribution: metrics.FileSizeDistribution{SmallFiles: 3},
		Compaction: &metrics.CompactionMetrics{
			SmallFilesCount:    3,
			CompactionPriority: metrics.PriorityHigh,
			ZOrderOpportunity:  true,
			ZOrderColumns:      []string{"user_id"},
		},
		Recommendations: []string{"run compaction"},
	}
	return report.Assemble(loc, lakehouse.FormatDelta, m, 0.82, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, " text ": FormatText, "md": FormatMarkdown} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestParseColorMode(t *testing.T) {
	mode, err := ParseColorMode("")
	require.NoError(t, err)
	assert.Equal(t, ColorAuto, mode)

	mode, err = ParseColorMode("Never")
	require.NoError(t, err)
	assert.Equal(t, ColorNever, mode)

	_, err = ParseColorMode("rainbow")
	assert.Error(t, err)
}

func TestUseColor(t *testing.T) {
	tty := TerminalCapabilities{SupportsColor: true}
	pipe := TerminalCapabilities{}

	assert.True(t, tty.UseColor(ColorAuto))
	assert.False(t, pipe.UseColor(ColorAuto))
	assert.True(t, pipe.UseColor(ColorAlways))
	assert.False(t, tty.UseColor(ColorNever))
}

func TestReportTable(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)
	require.NoError(t, d.Report(sampleReport(t), FormatTable))

	out := buf.String()
	assert.Contains(t, out, "Table Health Report")
	assert.Contains(t, out, "s3://lake/tables/events/")
	assert.Contains(t, out, "82.0% (good)")
	assert.Contains(t, out, "Largest partitions")
	assert.Contains(t, out, "day=2")
	assert.Contains(t, out, "tables/events/orphan.parquet")
	assert.Contains(t, out, "Compaction")
	assert.Contains(t, out, "user_id")
	assert.Contains(t, out, " 1. run compaction")
	assert.NotContains(t, out, "Deletion vectors")
	assert.NotContains(t, out, "\x1b[")
}

func TestReportTableNoRecommendations(t *testing.T) {
	r := sampleReport(t)
	r.Metrics.Recommendations = []string{}

	var buf bytes.Buffer
	require.NoError(t, New(&buf).Report(r, FormatTable))
	assert.Contains(t, buf.String(), "no action needed")
}

func TestReportText(t *testing.T) {
	r := sampleReport(t)
	var buf bytes.Buffer
	require.NoError(t, New(&buf).Report(r, FormatText))
	assert.Equal(t, report.Format(r), buf.String())
}

func TestReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf).Report(sampleReport(t), FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "s3://lake/tables/events/", decoded["table_path"])
	assert.Equal(t, 0.82, decoded["health_score"])
}

func TestReportMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, WithColor(true)).Report(sampleReport(t), FormatMarkdown))
	defer pterm.DisableColor()

	out := buf.String()
	assert.Contains(t, out, "# Table Health Report")
	assert.Contains(t, out, "| Health score | 82.0% (good) |")
	assert.Contains(t, out, "## Largest partitions")
	assert.Contains(t, out, "| Partition | Files | Size | Avg file |")
	assert.Contains(t, out, "| --- | --- | --- | --- |")
	assert.Contains(t, out, "1. run compaction")
	assert.NotContains(t, out, "\x1b[")
}

func TestReportUnknownFormat(t *testing.T) {
	assert.Error(t, New(&bytes.Buffer{}).Report(sampleReport(t), Format("xml")))
}

func TestSectionsTruncate(t *testing.T) {
	r := sampleReport(t)
	r.Metrics.UnreferencedFiles = nil
	for i := 0; i < 12; i++ {
		r.Metrics.UnreferencedFiles = append(r.Metrics.UnreferencedFiles, metrics.FileInfo{Path: fmt.Sprintf("orphan-%02d", i)})
	}
	r.Metrics.MissingFiles = []string{"gone.parquet"}

	var unreferenced, missing *section
	secs := sections(r, plainScore)
	for i := range secs {
		switch {
		case secs[i].title == "Missing files":
			missing = &secs[i]
		case len(secs[i].rows) > 0 && secs[i].rows[0][0] == "Path":
			unreferenced = &secs[i]
		}
	}
	require.NotNil(t, unreferenced)
	require.NotNil(t, missing)

	assert.Len(t, unreferenced.rows, 1+report.MaxListed+1)
	assert.Equal(t, "... 2 more", unreferenced.rows[len(unreferenced.rows)-1][0])
	assert.Equal(t, "gone.parquet", missing.rows[1][0])
}

func TestMessages(t *testing.T) {
	var out, errOut bytes.Buffer
	d := New(&out, WithErrorWriter(&errOut))
	d.Success("analyzed %d tables", 2)
	d.Warning("slow")
	d.Error("boom")
	d.Info("hello")

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "analyzed 2 tables")
	assert.Contains(t, errOut.String(), "slow")
	assert.Contains(t, errOut.String(), "boom")
	assert.Contains(t, errOut.String(), "hello")
}

func TestContext(t *testing.T) {
	d := New(&bytes.Buffer{})
	assert.Same(t, d, FromContext(WithDisplay(context.Background(), d)))
	assert.NotNil(t, FromContext(context.Background()))
}
