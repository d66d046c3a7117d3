// Package iceberg reconstructs the state of an Apache Iceberg table by
// following its pointer chain: metadata file, current snapshot, manifest
// list and manifests.
package iceberg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/apache/iceberg-go/table"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// MetadataDir is the metadata directory relative to the table root.
const MetadataDir = "metadata/"

// VersionHintFile names the current metadata version in Hadoop-style tables.
const VersionHintFile = "version-hint.text"

// DefaultConcurrency bounds parallel manifest fetches.
const DefaultConcurrency = 8

var metadataFilePattern = regexp.MustCompile(`^(?:v(\d+)|(\d+)-[0-9a-fA-F-]+)\.metadata\.json$`)

// Reader reads Iceberg tables through a storage gateway.
type Reader struct {
	gw          fs.Gateway
	concurrency int
	logger      zerolog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithConcurrency sets the maximum number of parallel manifest fetches.
func WithConcurrency(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the reader's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader.
func NewReader(gw fs.Gateway, opts ...Option) *Reader {
	r := &Reader{
		gw:          gw,
		concurrency: DefaultConcurrency,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsTable reports whether loc has a version hint or a metadata file.
func IsTable(ctx context.Context, gw fs.Gateway, loc lakehouse.TableLocation) (bool, error) {
	ok, err := fs.Exists(ctx, gw, loc.Bucket, loc.Key(MetadataDir+VersionHintFile))
	if err != nil || ok {
		return ok, err
	}
	objects, err := fs.ListAll(ctx, gw, loc.Bucket, loc.Key(MetadataDir))
	if err != nil {
		if fs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, obj := range objects {
		if metadataFilePattern.MatchString(strings.TrimPrefix(obj.Key, loc.Key(MetadataDir))) {
			return true, nil
		}
	}
	return false, nil
}

type metadataFile struct {
	version int64
	key     string
}

// Read resolves the current metadata document and builds the active file
// set of its current snapshot.
func (r *Reader) Read(ctx context.Context, loc lakehouse.TableLocation) (*lakehouse.TableState, error) {
	metaPrefix := loc.Key(MetadataDir)

	objects, err := fs.ListAll(ctx, r.gw, loc.Bucket, metaPrefix)
	if err != nil {
		if fs.IsNotFound(err) {
			return nil, lakehouse.NewTableNotFound(loc.String(), "bucket does not exist")
		}
		return nil, err
	}

	current, err := r.currentMetadata(ctx, loc, objects)
	if err != nil {
		return nil, err
	}

	raw, err := r.gw.Get(ctx, loc.Bucket, current.key)
	if err != nil {
		if fs.IsNotFound(err) {
			return nil, lakehouse.NewCorruptMetadata(current.key, "metadata file disappeared during read", err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", current.key, err)
	}
	md, err := parseMetadata(current.key, raw)
	if err != nil {
		return nil, err
	}

	snapshots := md.Snapshots()
	if len(snapshots) == 0 {
		return nil, lakehouse.NewTableNotFound(loc.String(), "table metadata has no snapshots")
	}

	state := newState(loc, md, current.version)
	for _, obj := range objects {
		state.MetadataFiles = append(state.MetadataFiles, obj.Entry())
	}
	state.History = history(md)

	r.logger.Debug().
		Str("table", loc.String()).
		Str("metadata", current.key).
		Int("snapshots", len(snapshots)).
		Msg("table metadata parsed")

	snap := md.CurrentSnapshot()
	if snap == nil || snap.ManifestList == "" {
		r.logger.Warn().Str("table", loc.String()).Msg("table has snapshots but no current snapshot")
		return state, nil
	}

	listKey, ok := loc.ResolveKey(snap.ManifestList)
	if !ok {
		return nil, lakehouse.NewCorruptMetadata(current.key,
			fmt.Sprintf("manifest list %s is outside bucket %s", snap.ManifestList, loc.Bucket), nil)
	}
	listData, err := r.gw.Get(ctx, loc.Bucket, listKey)
	if err != nil {
		if fs.IsNotFound(err) {
			return nil, lakehouse.NewCorruptMetadata(listKey, "manifest list referenced by the current snapshot does not exist", err)
		}
		return nil, fmt.Errorf("failed to read manifest list %s: %w", listKey, err)
	}
	manifests, err := iceberggo.ReadManifestList(bytes.NewReader(listData))
	if err != nil {
		return nil, lakehouse.NewCorruptMetadata(listKey, "unreadable manifest list", err)
	}
	state.ManifestCount = len(manifests)

	results, err := r.fetchManifests(ctx, loc, listKey, manifests)
	if err != nil {
		return nil, err
	}

	merge(state, md, results, snap)

	r.logger.Debug().
		Str("table", loc.String()).
		Int("manifests", len(manifests)).
		Int("active_files", len(state.ActiveFiles)).
		Msg("manifests merged")

	return state, nil
}

// parseMetadata decodes a metadata document. Writers that predate snapshot
// refs omit them, so a main branch is added for the current snapshot before
// the document is handed to iceberg-go.
func parseMetadata(key string, raw []byte) (md table.Metadata, err error) {
	defer func() {
		if p := recover(); p != nil {
			md, err = nil, lakehouse.NewCorruptMetadata(key, fmt.Sprintf("invalid table metadata: %v", p), nil)
		}
	}()

	raw, err = withMainBranch(raw)
	if err != nil {
		return nil, lakehouse.NewCorruptMetadata(key, "invalid table metadata", err)
	}
	md, err = table.ParseMetadataBytes(raw)
	if err != nil {
		return nil, lakehouse.NewCorruptMetadata(key, "invalid table metadata", err)
	}
	return md, nil
}

func withMainBranch(raw []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if refs, ok := doc["refs"]; ok && string(bytes.TrimSpace(refs)) != "null" {
		return raw, nil
	}
	current, ok := doc["current-snapshot-id"]
	if !ok {
		return raw, nil
	}
	var id *int64
	if err := json.Unmarshal(current, &id); err != nil {
		return nil, fmt.Errorf("invalid current-snapshot-id: %w", err)
	}
	if id == nil || *id == -1 {
		return raw, nil
	}

	refs, err := json.Marshal(map[string]any{
		"main": map[string]any{"snapshot-id": *id, "type": "branch"},
	})
	if err != nil {
		return nil, err
	}
	doc["refs"] = refs
	return json.Marshal(doc)
}

// currentMetadata picks the metadata file named by version-hint.text, or
// the highest numbered metadata file when the hint is absent or stale.
func (r *Reader) currentMetadata(ctx context.Context, loc lakehouse.TableLocation, objects []fs.ObjectInfo) (metadataFile, error) {
	metaPrefix := loc.Key(MetadataDir)
	byVersion := make(map[int64]string)
	names := make(map[string]bool)
	hintListed := false
	best := metadataFile{version: -1}

	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, metaPrefix)
		if name == VersionHintFile {
			hintListed = true
			continue
		}
		m := metadataFilePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		digits := m[1]
		if digits == "" {
			digits = m[2]
		}
		v, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			continue
		}
		names[name] = true
		byVersion[v] = obj.Key
		if v > best.version || (v == best.version && obj.Key > best.key) {
			best = metadataFile{version: v, key: obj.Key}
		}
	}

	if hintListed {
		data, err := r.gw.Get(ctx, loc.Bucket, metaPrefix+VersionHintFile)
		if err != nil && !fs.IsNotFound(err) {
			return metadataFile{}, fmt.Errorf("failed to read version hint: %w", err)
		}
		hint := strings.TrimSpace(string(data))
		if n, perr := strconv.ParseInt(hint, 10, 64); perr == nil {
			if key, ok := byVersion[n]; ok {
				return metadataFile{version: n, key: key}, nil
			}
		} else if names[hint] {
			m := metadataFilePattern.FindStringSubmatch(hint)
			digits := m[1]
			if digits == "" {
				digits = m[2]
			}
			n, _ := strconv.ParseInt(digits, 10, 64)
			return metadataFile{version: n, key: metaPrefix + hint}, nil
		}
		r.logger.Warn().Str("hint", hint).Msg("version hint does not match a metadata file, using the highest version")
	}

	if best.version < 0 {
		return metadataFile{}, lakehouse.NewTableNotFound(loc.String(), "no "+VersionHintFile+" or metadata files under "+MetadataDir)
	}
	return best, nil
}

func newState(loc lakehouse.TableLocation, md table.Metadata, version int64) *lakehouse.TableState {
	schema := md.CurrentSchema()
	state := &lakehouse.TableState{
		Format:         lakehouse.FormatIceberg,
		Location:       loc,
		FormatVersion:  md.Version(),
		SchemaID:       schema.ID,
		Columns:        columnsOf(schema),
		MetadataPrefix: MetadataDir,
		CurrentVersion: version,
		Properties:     map[string]string(md.Properties()),
	}

	spec := md.PartitionSpec()
	for field := range spec.Fields() {
		state.PartitionColumns = append(state.PartitionColumns, field.Name)
	}
	for _, sf := range md.SortOrder().Fields {
		if f, ok := schema.FindFieldByID(sf.SourceID); ok {
			state.ClusteringColumns = append(state.ClusteringColumns, f.Name)
		}
	}
	state.SchemaHistory = schemaHistory(md)
	state.Constraints = constraintsOf(schema)
	return state
}

func columnsOf(schema *iceberggo.Schema) []lakehouse.Column {
	fields := schema.Fields()
	cols := make([]lakehouse.Column, len(fields))
	for i, f := range fields {
		cols[i] = lakehouse.Column{ID: f.ID, Name: f.Name, Type: f.Type.String(), Nullable: !f.Required}
	}
	return cols
}

// constraintsOf derives NOT NULL constraints from required fields and a
// UNIQUE constraint from the identifier fields.
func constraintsOf(schema *iceberggo.Schema) []lakehouse.Constraint {
	var out []lakehouse.Constraint
	for _, f := range schema.Fields() {
		if f.Required {
			out = append(out, lakehouse.Constraint{
				Name:    f.Name + "_not_null",
				Kind:    lakehouse.ConstraintNotNull,
				Columns: []string{f.Name},
			})
		}
	}
	var ident []string
	for _, id := range schema.IdentifierFieldIDs {
		if f, ok := schema.FindFieldByID(id); ok {
			ident = append(ident, f.Name)
		}
	}
	if len(ident) > 0 {
		out = append(out, lakehouse.Constraint{
			Name:    "identifier",
			Kind:    lakehouse.ConstraintUnique,
			Columns: ident,
		})
	}
	return out
}

func history(md table.Metadata) []lakehouse.VersionDescriptor {
	current := md.CurrentSchema().ID
	snapshots := md.Snapshots()
	out := make([]lakehouse.VersionDescriptor, 0, len(snapshots))
	for _, s := range snapshots {
		vd := lakehouse.VersionDescriptor{
			ID:        s.SnapshotID,
			Timestamp: time.UnixMilli(s.TimestampMs).UTC(),
			SchemaID:  current,
		}
		if s.Summary != nil {
			vd.Operation = string(s.Summary.Operation)
		}
		if s.SchemaID != nil {
			vd.SchemaID = *s.SchemaID
		}
		out = append(out, vd)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// schemaHistory orders schemas by id. A schema's timestamp is that of the
// first snapshot written with it; schemas no snapshot used fall back to the
// next snapshot written after their predecessor, then to the metadata's
// last update.
func schemaHistory(md table.Metadata) []lakehouse.SchemaVersion {
	firstUse := make(map[int]time.Time)
	var snapTimes []time.Time
	for _, s := range md.Snapshots() {
		ts := time.UnixMilli(s.TimestampMs).UTC()
		snapTimes = append(snapTimes, ts)
		if s.SchemaID == nil {
			continue
		}
		if prev, ok := firstUse[*s.SchemaID]; !ok || ts.Before(prev) {
			firstUse[*s.SchemaID] = ts
		}
	}
	sort.Slice(snapTimes, func(i, j int) bool { return snapTimes[i].Before(snapTimes[j]) })
	lastUpdated := time.UnixMilli(md.LastUpdatedMillis()).UTC()

	schemas := append([]*iceberggo.Schema(nil), md.Schemas()...)
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].ID < schemas[j].ID })

	out := make([]lakehouse.SchemaVersion, 0, len(schemas))
	var prev time.Time
	for _, s := range schemas {
		ts, ok := firstUse[s.ID]
		if !ok {
			ts = lastUpdated
			for _, st := range snapTimes {
				if st.After(prev) {
					ts = st
					break
				}
			}
		}
		if ts.Before(prev) {
			ts = prev
		}
		prev = ts
		out = append(out, lakehouse.SchemaVersion{ID: s.ID, Timestamp: ts, Columns: columnsOf(s)})
	}
	return out
}

type manifestResult struct {
	entries []iceberggo.ManifestEntry
}

func (r *Reader) fetchManifests(ctx context.Context, loc lakehouse.TableLocation, listKey string, manifests []iceberggo.ManifestFile) ([]manifestResult, error) {
	results := make([]manifestResult, len(manifests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, mf := range manifests {
		g.Go(func() error {
			if mf.ManifestContent() == iceberggo.ManifestContentDeletes {
				return nil
			}
			key, ok := loc.ResolveKey(mf.FilePath())
			if !ok {
				return lakehouse.NewCorruptMetadata(listKey,
					fmt.Sprintf("manifest %s is outside bucket %s", mf.FilePath(), loc.Bucket), nil)
			}
			data, err := r.gw.Get(gctx, loc.Bucket, key)
			if err != nil {
				if fs.IsNotFound(err) {
					return lakehouse.NewCorruptMetadata(key, "manifest referenced by the manifest list does not exist", err)
				}
				return fmt.Errorf("failed to read manifest %s: %w", key, err)
			}
			entries, err := iceberggo.ReadManifest(mf, bytes.NewReader(data), false)
			if err != nil {
				return lakehouse.NewCorruptMetadata(key, "unreadable manifest", err)
			}
			results[i].entries = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// merge folds manifest results into the active file set and tombstones.
// Manifests are visited in manifest list order so duplicates resolve the
// same way on every read.
func merge(state *lakehouse.TableState, md table.Metadata, results []manifestResult, current *table.Snapshot) {
	schema := md.CurrentSchema()
	snapTimes := make(map[int64]time.Time)
	for _, s := range md.Snapshots() {
		snapTimes[s.SnapshotID] = time.UnixMilli(s.TimestampMs).UTC()
	}
	currentTime := time.UnixMilli(current.TimestampMs).UTC()

	active := make(map[string]lakehouse.LogicalFile)
	removed := make(map[string]lakehouse.RemovedFile)

	partitionIDs := make(map[string]int)
	spec := md.PartitionSpec()
	for field := range spec.Fields() {
		partitionIDs[field.Name] = field.FieldID
	}

	for _, res := range results {
		for _, e := range res.entries {
			df := e.DataFile()
			if df.ContentType() != iceberggo.EntryContentData {
				continue
			}
			key := resolveDataPath(state.Location, df.FilePath())
			origin := e.SnapshotID()
			when := currentTime
			if ts, ok := snapTimes[origin]; ok {
				when = ts
			}

			switch e.Status() {
			case iceberggo.EntryStatusADDED, iceberggo.EntryStatusEXISTING:
				if _, dup := active[key]; dup {
					continue
				}
				active[key] = lakehouse.LogicalFile{
					Path:            key,
					PartitionValues: partitionValues(state.PartitionColumns, partitionIDs, df.Partition()),
					SizeBytes:       df.FileSizeBytes(),
					Origin:          origin,
					ModifiedAt:      when,
					RecordCount:     df.Count(),
					LowerBounds:     lowerBounds(schema, state.ClusteringColumns, df.LowerBoundValues()),
				}
			case iceberggo.EntryStatusDELETED:
				removed[key] = lakehouse.RemovedFile{Path: key, SizeBytes: df.FileSizeBytes(), RemovedAt: when}
			}
		}
	}

	state.ActiveFiles = make([]lakehouse.LogicalFile, 0, len(active))
	for _, f := range active {
		state.ActiveFiles = append(state.ActiveFiles, f)
	}
	lakehouse.SortFiles(state.ActiveFiles)

	for path, rf := range removed {
		if _, live := active[path]; live {
			continue
		}
		state.Removed = append(state.Removed, rf)
	}
	sort.Slice(state.Removed, func(i, j int) bool { return state.Removed[i].Path < state.Removed[j].Path })
}

func resolveDataPath(loc lakehouse.TableLocation, p string) string {
	if key, ok := loc.ResolveKey(p); ok {
		return key
	}
	return p
}

func partitionValues(columns []string, ids map[string]int, partition map[int]any) []lakehouse.PartitionValue {
	if len(columns) == 0 {
		return nil
	}
	out := make([]lakehouse.PartitionValue, len(columns))
	for i, col := range columns {
		out[i] = lakehouse.PartitionValue{Column: col, Value: "null"}
		id, ok := ids[col]
		if !ok {
			continue
		}
		if v, ok := partitionString(partition[id]); ok {
			out[i].Value = v
		}
	}
	return out
}

func lowerBounds(schema *iceberggo.Schema, columns []string, bounds map[int][]byte) map[string]string {
	if len(columns) == 0 || len(bounds) == 0 {
		return nil
	}
	wanted := make(map[int]bool, len(columns))
	for _, col := range columns {
		if f, ok := schema.FindFieldByName(col); ok {
			wanted[f.ID] = true
		}
	}
	out := make(map[string]string)
	for id, value := range bounds {
		if !wanted[id] {
			continue
		}
		f, ok := schema.FindFieldByID(id)
		if !ok {
			continue
		}
		out[f.Name] = decodeBound(f.Type.String(), value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
