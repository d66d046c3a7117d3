// Package display renders health reports and status messages for the
// terminal using pterm. Plain text and JSON are available for pipes.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/TFMV/drainage/report"
)

// Format is an output format for reports.
type Format string

const (
	FormatTable Format = "table"
	FormatText  Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts table, text, json or markdown. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatText, FormatJSON, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown output format %q: must be table, text, json or markdown", s)
}

// Display writes reports to out and messages to errOut.
type Display struct {
	out    io.Writer
	errOut io.Writer
	color  bool
}

// Option configures a Display.
type Option func(*Display)

// WithColor enables ANSI styling.
func WithColor(enabled bool) Option {
	return func(d *Display) { d.color = enabled }
}

// WithErrorWriter sets where messages go. Defaults to the report writer.
func WithErrorWriter(w io.Writer) Option {
	return func(d *Display) { d.errOut = w }
}

// New creates a Display writing to out. Styling is global in pterm, so the
// most recently created Display decides whether color is emitted.
func New(out io.Writer, opts ...Option) *Display {
	d := &Display{out: out}
	for _, opt := range opts {
		opt(d)
	}
	if d.errOut == nil {
		d.errOut = out
	}
	if d.color {
		pterm.EnableColor()
	} else {
		pterm.DisableColor()
	}
	return d
}

// NewTerminal creates a Display on stdout and stderr, resolving mode
// against the attached terminal.
func NewTerminal(mode ColorMode) *Display {
	caps := DetectCapabilities(os.Stdout)
	return New(os.Stdout, WithErrorWriter(os.Stderr), WithColor(caps.UseColor(mode)))
}

// Report renders r in the requested format.
func (d *Display) Report(r *report.HealthReport, format Format) error {
	switch format {
	case FormatJSON:
		data, err := report.JSON(r)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintln(d.out, string(data))
		return err
	case FormatText:
		_, err := io.WriteString(d.out, report.Format(r))
		return err
	case FormatMarkdown:
		_, err := io.WriteString(d.out, renderMarkdown(r))
		return err
	case FormatTable, "":
		out, err := d.renderTables(r)
		if err != nil {
			return err
		}
		_, err = io.WriteString(d.out, out)
		return err
	}
	return fmt.Errorf("unknown output format %q", format)
}

// Success prints a success message.
func (d *Display) Success(format string, args ...any) {
	fmt.Fprint(d.errOut, pterm.Success.Sprintfln(format, args...))
}

// Info prints an informational message.
func (d *Display) Info(format string, args ...any) {
	fmt.Fprint(d.errOut, pterm.Info.Sprintfln(format, args...))
}

// Warning prints a warning.
func (d *Display) Warning(format string, args ...any) {
	fmt.Fprint(d.errOut, pterm.Warning.Sprintfln(format, args...))
}

// Error prints an error message.
func (d *Display) Error(format string, args ...any) {
	fmt.Fprint(d.errOut, pterm.Error.Sprintfln(format, args...))
}

func (d *Display) renderTables(r *report.HealthReport) (string, error) {
	var b strings.Builder
	b.WriteString(pterm.DefaultSection.Sprint("Table Health Report"))

	for _, s := range sections(r, scoreCell) {
		if s.title != "" {
			b.WriteString(pterm.DefaultSection.WithLevel(2).Sprint(s.title))
		}
		table, err := pterm.DefaultTable.
			WithHasHeader(s.header).
			WithBoxed().
			WithData(s.rows).
			Srender()
		if err != nil {
			return "", fmt.Errorf("failed to render table %q: %w", s.title, err)
		}
		b.WriteString(table)
		b.WriteString("\n")
	}

	b.WriteString(pterm.DefaultSection.WithLevel(2).Sprint("Recommendations"))
	recs := r.Metrics.Recommendations
	if len(recs) == 0 {
		b.WriteString(pterm.Success.Sprintln("no action needed"))
	}
	for i, rec := range recs {
		b.WriteString(fmt.Sprintf("%2d. %s\n", i+1, rec))
	}
	return b.String(), nil
}

func scoreCell(score float64) string {
	text := plainScore(score)
	switch report.Band(score) {
	case report.BandExcellent, report.BandGood:
		return pterm.FgGreen.Sprint(text)
	case report.BandFair:
		return pterm.FgYellow.Sprint(text)
	}
	return pterm.FgRed.Sprint(text)
}

func renderMarkdown(r *report.HealthReport) string {
	var b strings.Builder
	b.WriteString("# Table Health Report\n")

	for _, s := range sections(r, plainScore) {
		b.WriteString("\n")
		if s.title != "" {
			fmt.Fprintf(&b, "## %s\n\n", s.title)
		}
		rows := s.rows
		header := []string{"", ""}
		if s.header {
			header, rows = rows[0], rows[1:]
		}
		writeMarkdownRow(&b, header)
		b.WriteString("|")
		for range header {
			b.WriteString(" --- |")
		}
		b.WriteString("\n")
		for _, row := range rows {
			writeMarkdownRow(&b, row)
		}
	}

	b.WriteString("\n## Recommendations\n\n")
	if len(r.Metrics.Recommendations) == 0 {
		b.WriteString("None.\n")
	}
	for i, rec := range r.Metrics.Recommendations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rec)
	}
	return b.String()
}

func writeMarkdownRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, cell := range cells {
		fmt.Fprintf(b, " %s |", strings.ReplaceAll(cell, "|", "\\|"))
	}
	b.WriteString("\n")
}
