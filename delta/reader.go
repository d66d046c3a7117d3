// Package delta reconstructs the state of a Delta Lake table by replaying
// its transaction log from the newest usable checkpoint.
package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// DefaultConcurrency bounds parallel artifact fetches.
const DefaultConcurrency = 8

const (
	clusteringDomain  = "delta.clustering"
	constraintsPrefix = "delta.constraints."
)

// Reader reads Delta tables through a storage gateway.
type Reader struct {
	gw          fs.Gateway
	concurrency int
	logger      zerolog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithConcurrency sets the maximum number of parallel fetches.
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

// IsTable reports whether loc has a transaction log.
func IsTable(ctx context.Context, gw fs.Gateway, loc lakehouse.TableLocation) (bool, error) {
	ok, err := fs.HasPrefix(ctx, gw, loc.Bucket, loc.Key(LogDir))
	if fs.IsNotFound(err) {
		return false, nil
	}
	return ok, err
}

// Read lists the transaction log, loads the selected checkpoint and replays
// every later commit. No state is returned unless the whole replay succeeds.
func (r *Reader) Read(ctx context.Context, loc lakehouse.TableLocation) (*lakehouse.TableState, error) {
	logPrefix := loc.Key(LogDir)

	objects, err := fs.ListAll(ctx, r.gw, loc.Bucket, logPrefix)
	if err != nil {
		if fs.IsNotFound(err) {
			return nil, lakehouse.NewTableNotFound(loc.String(), "bucket does not exist")
		}
		return nil, err
	}

	listing := parseLogListing(logPrefix, objects)
	head := listing.head()
	if head < 0 {
		return nil, lakehouse.NewTableNotFound(loc.String(), "no Delta commits or checkpoints under "+LogDir)
	}

	var pointer *lastCheckpoint
	pointerKey := logPrefix + lastCheckpointFile
	if listing.pointer != nil {
		data, err := r.gw.Get(ctx, loc.Bucket, pointerKey)
		if err != nil && !fs.IsNotFound(err) {
			return nil, fmt.Errorf("failed to read %s: %w", pointerKey, err)
		}
		if err == nil {
			if pointer, err = parseLastCheckpoint(data); err != nil {
				return nil, lakehouse.NewCorruptMetadata(pointerKey, "invalid checkpoint pointer", err)
			}
		}
	}

	cp, stale, err := listing.selectCheckpoint(pointer, head)
	if err != nil {
		return nil, err
	}
	if stale {
		ev := r.logger.Warn().
			Str("table", loc.String()).
			Int64("pointer_version", pointer.Version)
		if cp != nil {
			ev = ev.Int64("checkpoint", cp.version)
		}
		ev.Msg("_last_checkpoint names a checkpoint that is not in the log, using the newest complete one")
	}

	replayFrom := int64(0)
	if cp != nil {
		replayFrom = cp.version + 1
	}
	if missing, ok := listing.firstGap(replayFrom, head); ok {
		reason := fmt.Sprintf("commit %d is missing between version %d and head %d", missing, replayFrom, head)
		if cp == nil {
			reason = fmt.Sprintf("commit %d is missing and no checkpoint covers it (head %d)", missing, head)
		}
		return nil, lakehouse.NewCorruptMetadata(logPrefix+commitName(missing), reason, nil)
	}

	r.logger.Debug().
		Str("table", loc.String()).
		Int64("head", head).
		Int64("checkpoint", checkpointVersion(cp)).
		Int("commits", len(listing.commits)).
		Msg("transaction log listed")

	cpActions, commits, err := r.fetch(ctx, loc, listing, cp)
	if err != nil {
		return nil, err
	}

	return r.replay(loc, listing, cp, cpActions, commits, head)
}

func checkpointVersion(cp *checkpoint) int64 {
	if cp == nil {
		return -1
	}
	return cp.version
}

// fetch downloads checkpoint parts and commits in parallel. Results land in
// per-index slots and are only read after every fetch has finished.
func (r *Reader) fetch(ctx context.Context, loc lakehouse.TableLocation, listing *logListing, cp *checkpoint) ([]action, []*commit, error) {
	var cpParts [][]action
	if cp != nil {
		cpParts = make([][]action, len(cp.objects))
	}
	commits := make([]*commit, len(listing.commits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range cpParts {
		obj := cp.objects[i]
		g.Go(func() error {
			data, err := r.gw.Get(gctx, loc.Bucket, obj.Key)
			if err != nil {
				if fs.IsNotFound(err) {
					return lakehouse.NewCorruptMetadata(obj.Key, "checkpoint part disappeared during read", err)
				}
				return fmt.Errorf("failed to read checkpoint %s: %w", obj.Key, err)
			}
			actions, err := readCheckpoint(data)
			if err != nil {
				return lakehouse.NewCorruptMetadata(obj.Key, "unreadable checkpoint", err)
			}
			cpParts[i] = actions
			return nil
		})
	}

	for i, cf := range listing.commits {
		required := cp == nil || cf.version > cp.version
		g.Go(func() error {
			data, err := r.gw.Get(gctx, loc.Bucket, cf.object.Key)
			if err != nil {
				if fs.IsNotFound(err) && !required {
					return nil
				}
				if fs.IsNotFound(err) {
					return lakehouse.NewCorruptMetadata(cf.object.Key, "commit disappeared during read", err)
				}
				return fmt.Errorf("failed to read commit %s: %w", cf.object.Key, err)
			}
			c, err := parseCommit(cf.version, data)
			if err != nil {
				if required {
					return lakehouse.NewCorruptMetadata(cf.object.Key, "malformed commit", err)
				}
				r.logger.Warn().Err(err).Str("commit", cf.object.Key).Msg("skipping malformed commit covered by checkpoint")
				return nil
			}
			commits[i] = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var cpActions []action
	for _, part := range cpParts {
		cpActions = append(cpActions, part...)
	}
	return cpActions, commits, nil
}

// tableBuilder accumulates replayed state. It is used by a single goroutine.
type tableBuilder struct {
	loc        lakehouse.TableLocation
	active     map[string]*pendingFile
	removed    map[string]lakehouse.RemovedFile
	metadata   *metadataAction
	protocol   *protocolAction
	clustering []string
	zOrder     []string
}

type pendingFile struct {
	file       lakehouse.LogicalFile
	partitions map[string]*string
	minValues  map[string]interface{}
}

func (b *tableBuilder) apply(version int64, ts time.Time, actions []action) {
	for _, a := range actions {
		switch {
		case a.Add != nil:
			key := b.resolve(a.Add.Path)
			pf := &pendingFile{
				file: lakehouse.LogicalFile{
					Path:       key,
					SizeBytes:  a.Add.Size,
					Origin:     version,
					ModifiedAt: millis(a.Add.ModificationTime),
				},
				partitions: a.Add.PartitionValues,
			}
			if a.Add.Stats != "" {
				var stats fileStats
				if err := json.Unmarshal([]byte(a.Add.Stats), &stats); err == nil {
					pf.file.RecordCount = stats.NumRecords
					pf.minValues = stats.MinValues
				}
			}
			if dv := a.Add.DeletionVector; dv != nil {
				created := pf.file.ModifiedAt
				if created.IsZero() {
					created = ts
				}
				pf.file.DeletionVector = &lakehouse.DeletionVector{
					StorageType: dv.StorageType,
					SizeBytes:   int64(dv.SizeInBytes),
					Cardinality: dv.Cardinality,
					CreatedAt:   created,
				}
			}
			b.active[key] = pf
			delete(b.removed, key)
		case a.Remove != nil:
			key := b.resolve(a.Remove.Path)
			rf := lakehouse.RemovedFile{Path: key, RemovedAt: ts}
			if a.Remove.DeletionTimestamp != nil {
				rf.RemovedAt = millis(*a.Remove.DeletionTimestamp)
			}
			if a.Remove.Size != nil {
				rf.SizeBytes = *a.Remove.Size
			} else if prev, ok := b.active[key]; ok {
				rf.SizeBytes = prev.file.SizeBytes
			}
			// Removing an unknown path is a no-op for the active set.
			delete(b.active, key)
			b.removed[key] = rf
		case a.MetaData != nil:
			b.metadata = a.MetaData
		case a.Protocol != nil:
			b.protocol = a.Protocol
		case a.DomainMetadata != nil && a.DomainMetadata.Domain == clusteringDomain:
			if a.DomainMetadata.Removed {
				b.clustering = nil
			} else {
				b.clustering = clusteringColumns(a.DomainMetadata.Configuration)
			}
		case a.CommitInfo != nil:
			if cols := zOrderColumns(a.CommitInfo); len(cols) > 0 {
				b.zOrder = cols
			}
		}
	}
}

func (b *tableBuilder) resolve(p string) string {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		decoded = p
	}
	if key, ok := b.loc.ResolveKey(decoded); ok {
		return key
	}
	return decoded
}

func (r *Reader) replay(loc lakehouse.TableLocation, listing *logListing, cp *checkpoint, cpActions []action, commits []*commit, head int64) (*lakehouse.TableState, error) {
	b := &tableBuilder{
		loc:     loc,
		active:  make(map[string]*pendingFile),
		removed: make(map[string]lakehouse.RemovedFile),
	}

	commitTimes := make(map[int64]time.Time, len(listing.commits))
	for i, cf := range listing.commits {
		ts := cf.object.LastModified.UTC()
		if c := commits[i]; c != nil && c.info != nil && c.info.Timestamp > 0 {
			ts = millis(c.info.Timestamp)
		}
		commitTimes[cf.version] = ts
	}

	if cp != nil {
		cpTime := cp.objects[0].LastModified.UTC()
		if ts, ok := commitTimes[cp.version]; ok {
			cpTime = ts
		}
		b.apply(cp.version, cpTime, cpActions)
	}

	// Commits are applied strictly by version regardless of fetch order.
	sort.Slice(commits, func(i, j int) bool {
		if commits[i] == nil || commits[j] == nil {
			return commits[j] == nil && commits[i] != nil
		}
		return commits[i].version < commits[j].version
	})
	for _, c := range commits {
		if c == nil || (cp != nil && c.version <= cp.version) {
			continue
		}
		b.apply(c.version, commitTimes[c.version], c.actions)
	}

	if b.metadata == nil {
		return nil, lakehouse.NewCorruptMetadata(loc.Key(LogDir), "no metaData action found in checkpoint or commits", nil)
	}
	schema, err := parseSchemaString(b.metadata.SchemaString)
	if err != nil {
		return nil, lakehouse.NewCorruptMetadata(loc.Key(LogDir), "current metaData has an invalid schema", err)
	}

	state := &lakehouse.TableState{
		Format:           lakehouse.FormatDelta,
		Location:         loc,
		PartitionColumns: append([]string(nil), b.metadata.PartitionColumns...),
		Columns:          columnsOf(schema),
		MetadataFiles:    listing.artifacts,
		MetadataPrefix:   LogDir,
		CurrentVersion:   head,
		Properties:       b.metadata.Configuration,
	}
	if b.protocol != nil {
		state.Protocol = lakehouse.Protocol{
			MinReaderVersion: b.protocol.MinReaderVersion,
			MinWriterVersion: b.protocol.MinWriterVersion,
		}
		state.FormatVersion = b.protocol.MinReaderVersion
	}

	state.ClusteringColumns = b.clustering
	if len(state.ClusteringColumns) == 0 {
		state.ClusteringColumns = b.zOrder
	}

	state.ActiveFiles = make([]lakehouse.LogicalFile, 0, len(b.active))
	for _, pf := range b.active {
		f := pf.file
		f.PartitionValues = orderedPartitions(state.PartitionColumns, pf.partitions)
		if len(state.ClusteringColumns) > 0 && len(pf.minValues) > 0 {
			f.LowerBounds = make(map[string]string, len(state.ClusteringColumns))
			for _, col := range state.ClusteringColumns {
				if v, ok := lookupPath(pf.minValues, col); ok {
					f.LowerBounds[col] = stringify(v)
				}
			}
		}
		state.ActiveFiles = append(state.ActiveFiles, f)
	}
	lakehouse.SortFiles(state.ActiveFiles)

	for _, rf := range b.removed {
		state.Removed = append(state.Removed, rf)
	}
	sort.Slice(state.Removed, func(i, j int) bool { return state.Removed[i].Path < state.Removed[j].Path })

	state.History, state.SchemaHistory = history(listing, commits, cp, cpActions, commitTimes)
	if n := len(state.SchemaHistory); n > 0 {
		state.SchemaID = state.SchemaHistory[n-1].ID
	}
	state.Constraints = constraintsOf(state.Columns, b.metadata.Configuration)

	r.logger.Debug().
		Str("table", loc.String()).
		Int("active_files", len(state.ActiveFiles)).
		Int("tombstones", len(state.Removed)).
		Int("schema_versions", len(state.SchemaHistory)).
		Msg("transaction log replayed")

	return state, nil
}

// history builds version descriptors for every retained commit and the
// sequence of distinct schemas seen across the retained log.
func history(listing *logListing, commits []*commit, cp *checkpoint, cpActions []action, commitTimes map[int64]time.Time) ([]lakehouse.VersionDescriptor, []lakehouse.SchemaVersion) {
	type schemaEvent struct {
		version int64
		ts      time.Time
		md      *metadataAction
	}
	var events []schemaEvent

	byVersion := make(map[int64]*commit, len(commits))
	for _, c := range commits {
		if c != nil {
			byVersion[c.version] = c
		}
	}

	if cp != nil {
		if _, covered := byVersion[0]; !covered {
			for _, a := range cpActions {
				if a.MetaData != nil {
					ts := cp.objects[0].LastModified.UTC()
					if a.MetaData.CreatedTime != nil {
						ts = millis(*a.MetaData.CreatedTime)
					}
					events = append(events, schemaEvent{version: cp.version, ts: ts, md: a.MetaData})
				}
			}
		}
	}

	var versions []lakehouse.VersionDescriptor
	for _, cf := range listing.commits {
		vd := lakehouse.VersionDescriptor{ID: cf.version, Timestamp: commitTimes[cf.version]}
		if c := byVersion[cf.version]; c != nil {
			if c.info != nil {
				vd.Operation = c.info.Operation
			}
			for _, a := range c.actions {
				if a.MetaData != nil {
					events = append(events, schemaEvent{version: cf.version, ts: vd.Timestamp, md: a.MetaData})
				}
			}
		}
		versions = append(versions, vd)
	}
	if len(versions) == 0 && cp != nil {
		versions = append(versions, lakehouse.VersionDescriptor{
			ID:        cp.version,
			Timestamp: cp.objects[0].LastModified.UTC(),
			Operation: "CHECKPOINT",
		})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].version < events[j].version })

	var schemas []lakehouse.SchemaVersion
	var prevSchema string
	for _, ev := range events {
		if ev.md.SchemaString == "" || ev.md.SchemaString == prevSchema {
			continue
		}
		st, err := parseSchemaString(ev.md.SchemaString)
		if err != nil {
			continue
		}
		cols := columnsOf(st)
		if n := len(schemas); n > 0 && sameColumns(schemas[n-1].Columns, cols) {
			prevSchema = ev.md.SchemaString
			continue
		}
		prevSchema = ev.md.SchemaString
		schemas = append(schemas, lakehouse.SchemaVersion{ID: len(schemas), Timestamp: ev.ts, Columns: cols})
	}

	// Tag every version with the schema in force at that point.
	si := 0
	for i := range versions {
		for si+1 < len(schemas) && !schemas[si+1].Timestamp.After(versions[i].Timestamp) {
			si++
		}
		versions[i].SchemaID = si
	}
	return versions, schemas
}

func columnsOf(st *structType) []lakehouse.Column {
	cols := make([]lakehouse.Column, len(st.Fields))
	for i, f := range st.Fields {
		cols[i] = lakehouse.Column{ID: i + 1, Name: f.Name, Type: f.typeName(), Nullable: f.Nullable}
	}
	return cols
}

func sameColumns(a, b []lakehouse.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type || a[i].Nullable != b[i].Nullable {
			return false
		}
	}
	return true
}

func orderedPartitions(columns []string, values map[string]*string) []lakehouse.PartitionValue {
	if len(columns) == 0 {
		return nil
	}
	out := make([]lakehouse.PartitionValue, len(columns))
	for i, col := range columns {
		out[i] = lakehouse.PartitionValue{Column: col, Value: "__HIVE_DEFAULT_PARTITION__"}
		if v, ok := values[col]; ok && v != nil {
			out[i].Value = *v
		}
	}
	return out
}

// lookupPath resolves a dotted column path inside nested stats.
func lookupPath(values map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = values
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

var identifierPattern = regexp.MustCompile("`([^`]+)`|[A-Za-z_][A-Za-z0-9_]*")

// constraintsOf collects CHECK constraints from table properties and a
// NOT NULL constraint per non-nullable column.
func constraintsOf(columns []lakehouse.Column, configuration map[string]string) []lakehouse.Constraint {
	known := make(map[string]string, len(columns))
	for _, c := range columns {
		known[strings.ToLower(c.Name)] = c.Name
	}

	var out []lakehouse.Constraint
	names := make([]string, 0, len(configuration))
	for k := range configuration {
		if strings.HasPrefix(strings.ToLower(k), constraintsPrefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		expr := configuration[k]
		seen := make(map[string]bool)
		var cols []string
		for _, m := range identifierPattern.FindAllStringSubmatch(expr, -1) {
			ident := m[0]
			if m[1] != "" {
				ident = m[1]
			}
			if name, ok := known[strings.ToLower(ident)]; ok && !seen[name] {
				seen[name] = true
				cols = append(cols, name)
			}
		}
		out = append(out, lakehouse.Constraint{
			Name:       k[len(constraintsPrefix):],
			Kind:       lakehouse.ConstraintCheck,
			Columns:    cols,
			Expression: expr,
		})
	}

	for _, c := range columns {
		if !c.Nullable {
			out = append(out, lakehouse.Constraint{
				Name:    c.Name + "_not_null",
				Kind:    lakehouse.ConstraintNotNull,
				Columns: []string{c.Name},
			})
		}
	}
	return out
}
