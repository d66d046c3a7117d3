// Package analyzer is the entry point of the health analysis. It wires a
// storage gateway, a format reader, reconciliation, metrics and scoring into
// a single call per table.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/drainage/delta"
	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/fs/local"
	"github.com/TFMV/drainage/fs/minio"
	"github.com/TFMV/drainage/iceberg"
	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/logging"
	"github.com/TFMV/drainage/metrics"
	"github.com/TFMV/drainage/reconcile"
	"github.com/TFMV/drainage/report"
	"github.com/TFMV/drainage/scoring"
)

// AnalyzeDeltaLake analyzes the Delta table at path.
func AnalyzeDeltaLake(ctx context.Context, path string, opts ...Option) (*report.HealthReport, error) {
	return analyze(ctx, path, lakehouse.FormatDelta, opts)
}

// AnalyzeIceberg analyzes the Iceberg table at path.
func AnalyzeIceberg(ctx context.Context, path string, opts ...Option) (*report.HealthReport, error) {
	return analyze(ctx, path, lakehouse.FormatIceberg, opts)
}

// AnalyzeTable analyzes the table at path. tableType is "delta", "iceberg"
// or empty to detect the format from the artifacts present.
func AnalyzeTable(ctx context.Context, path, tableType string, opts ...Option) (*report.HealthReport, error) {
	var format lakehouse.Format
	if tableType != "" {
		f, err := lakehouse.ParseFormat(tableType)
		if err != nil {
			return nil, err
		}
		format = f
	}
	return analyze(ctx, path, format, opts)
}

// PrintHealthReport renders r as text.
func PrintHealthReport(r *report.HealthReport) string {
	return report.Format(r)
}

// Detect reports the format of the table at path without reading its
// metadata beyond the checks DetectFormat needs.
func Detect(ctx context.Context, path string, opts ...Option) (lakehouse.Format, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := lakehouse.ParseLocation(path)
	if err != nil {
		return "", err
	}
	if err := lakehouse.ValidateRegion(o.region); err != nil {
		return "", err
	}

	base, err := gatewayFor(loc, o)
	if err != nil {
		return "", err
	}
	gw := fs.NewRetryingGateway(base, o.retry, logging.WithComponent(o.logger, "storage"))
	return DetectFormat(ctx, gw, loc)
}

// DetectFormat decides which format the table at loc uses.
func DetectFormat(ctx context.Context, gw fs.Gateway, loc lakehouse.TableLocation) (lakehouse.Format, error) {
	isDelta, err := delta.IsTable(ctx, gw, loc)
	if err != nil {
		return "", err
	}
	isIceberg, err := iceberg.IsTable(ctx, gw, loc)
	if err != nil {
		return "", err
	}

	switch {
	case isDelta && isIceberg:
		return "", &lakehouse.TableError{
			Location: loc.String(),
			Kind:     lakehouse.ErrAmbiguousFormat,
			Reason:   "both _delta_log/ and Iceberg metadata are present",
		}
	case isDelta:
		return lakehouse.FormatDelta, nil
	case isIceberg:
		return lakehouse.FormatIceberg, nil
	}
	return "", lakehouse.NewTableNotFound(loc.String(), "no _delta_log/ or Iceberg metadata found")
}

func analyze(ctx context.Context, path string, format lakehouse.Format, opts []Option) (*report.HealthReport, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := lakehouse.ParseLocation(path)
	if err != nil {
		return nil, err
	}
	if err := lakehouse.ValidateRegion(o.region); err != nil {
		return nil, err
	}

	logger := logging.WithComponent(o.logger, "analyzer").With().
		Str("run_id", uuid.NewString()).
		Str("table", loc.String()).
		Logger()

	base, err := gatewayFor(loc, o)
	if err != nil {
		return nil, err
	}
	gw := fs.NewRetryingGateway(base, o.retry, logging.WithComponent(logger, "storage"))

	if format == "" {
		format, err = DetectFormat(ctx, gw, loc)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("format", format.String()).Msg("detected table format")
	}

	state, err := readState(ctx, gw, loc, format, o, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Int("active_files", len(state.ActiveFiles)).
		Int64("version", state.CurrentVersion).
		Msg("read table metadata")

	// The listing is taken after the metadata read so files committed in
	// between can only appear as unreferenced.
	objects, err := fs.ListAll(ctx, gw, loc.Bucket, loc.Prefix)
	if err != nil {
		return nil, err
	}
	listing := make([]lakehouse.FileEntry, len(objects))
	for i, obj := range objects {
		listing[i] = obj.Entry()
	}

	rec := reconcile.Reconcile(state, listing)
	if missing := rec.MissingError(); missing != nil {
		logger.Warn().Err(missing).Msg("active files missing from storage")
	}

	now := o.clock()
	m := metrics.NewEngine(metrics.WithConfig(o.engine)).Compute(metrics.Input{
		State:          state,
		Reconciliation: rec,
		Now:            now,
	})
	m.Recommendations = scoring.Recommend(m, m.MissingFiles)
	score := scoring.Score(m)

	logger.Info().
		Int("files", m.TotalFiles).
		Int("unreferenced", len(m.UnreferencedFiles)).
		Float64("health_score", score).
		Msg("analysis complete")

	return report.Assemble(loc, format, m, score, now), nil
}

func readState(ctx context.Context, gw fs.Gateway, loc lakehouse.TableLocation, format lakehouse.Format, o options, logger zerolog.Logger) (*lakehouse.TableState, error) {
	switch format {
	case lakehouse.FormatDelta:
		return delta.NewReader(gw,
			delta.WithConcurrency(o.concurrency),
			delta.WithLogger(logging.WithComponent(logger, "delta")),
		).Read(ctx, loc)
	case lakehouse.FormatIceberg:
		return iceberg.NewReader(gw,
			iceberg.WithConcurrency(o.concurrency),
			iceberg.WithLogger(logging.WithComponent(logger, "iceberg")),
		).Read(ctx, loc)
	}
	return nil, &lakehouse.ValidationError{Field: "table_type", Message: "must be 'delta' or 'iceberg'", Value: string(format)}
}

// gatewayFor builds the storage client for loc unless one was injected.
func gatewayFor(loc lakehouse.TableLocation, o options) (fs.Gateway, error) {
	if o.gateway != nil {
		return o.gateway, nil
	}

	switch loc.Scheme {
	case lakehouse.SchemeFile:
		return local.NewGateway("/"), nil
	case lakehouse.SchemeMemory:
		return nil, &lakehouse.ValidationError{Field: "path", Message: "memory:// locations need an injected gateway", Value: loc.String()}
	}

	cfg := minio.ConfigForScheme(loc.Scheme)
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.region != "" {
		cfg.Region = o.region
	}
	cfg.AccessKeyID = o.accessKey
	cfg.SecretAccessKey = o.secretKey
	cfg.SessionToken = o.sessionToken
	cfg.PathStyle = o.pathStyle

	gw, err := minio.NewGateway(cfg, logging.WithComponent(o.logger, "minio"))
	if err != nil {
		var verr *lakehouse.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create storage gateway: %w", err)
	}
	return gw, nil
}
