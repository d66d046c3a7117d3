package main

import (
	"fmt"
	"math/rand/v2"
	"path"
	"path/filepath"
	"time"

	iceberggo "github.com/apache/iceberg-go"
	"github.com/spf13/afero"

	"github.com/TFMV/drainage/delta"
	"github.com/TFMV/drainage/iceberg"
	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/metrics"
)

type options struct {
	outDir     string
	formats    []string
	files      int
	smallRatio float64
	seed       int64
	start      string
	// unit scales every generated size; one unit stands for a MiB.
	unit int64
}

type generated struct {
	format   lakehouse.Format
	location string
}

var regions = []string{"eu", "us", "apac"}

// generate writes every requested table below opts.outDir on fsys.
func generate(fsys afero.Fs, opts *options) ([]generated, error) {
	if opts.unit <= 0 {
		opts.unit = metrics.MiB
	}
	if opts.files < 4 {
		return nil, fmt.Errorf("--files must be at least 4, got %d", opts.files)
	}
	start, err := opts.startTime()
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(opts.outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	var out []generated
	for _, name := range opts.formats {
		format, err := lakehouse.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		g := &generator{
			fsys:  fsys,
			opts:  opts,
			start: start,
			rng:   rand.New(rand.NewPCG(uint64(opts.seed), uint64(opts.seed)>>1|1)),
		}

		var dir string
		switch format {
		case lakehouse.FormatDelta:
			dir = filepath.Join(root, "delta", "events")
			err = g.deltaTable(dir)
		case lakehouse.FormatIceberg:
			dir = filepath.Join(root, "iceberg", "orders")
			err = g.icebergTable(dir)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s table: %w", format, err)
		}
		out = append(out, generated{format: format, location: "file://" + filepath.ToSlash(dir)})
	}
	return out, nil
}

type generator struct {
	fsys  afero.Fs
	opts  *options
	start time.Time
	rng   *rand.Rand
}

func (g *generator) day(n int) time.Time {
	return g.start.AddDate(0, 0, n)
}

// fileSize draws a size below the small file threshold with probability
// smallRatio, otherwise a size between 64 MiB and 256 MiB.
func (g *generator) fileSize() int64 {
	u := g.opts.unit
	if g.rng.Float64() < g.opts.smallRatio {
		return u + g.rng.Int64N(15*u)
	}
	return 64*u + g.rng.Int64N(192*u)
}

func (g *generator) writeFile(p string, data []byte, mod time.Time) error {
	if err := g.fsys.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(g.fsys, p, data, 0o644); err != nil {
		return err
	}
	return g.fsys.Chtimes(p, mod, mod)
}

// writeSized creates a sparse file of the given size.
func (g *generator) writeSized(p string, size int64, mod time.Time) error {
	if err := g.fsys.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := g.fsys.Create(p)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return g.fsys.Chtimes(p, mod, mod)
}

// deltaTable writes a partitioned Delta table with a checkpoint, a
// removed file still in storage, a deletion vector and an orphan.
func (g *generator) deltaTable(dir string) error {
	log := delta.NewLogWriter()
	commit := func(day int, op string, changes ...delta.Change) error {
		a, err := log.Commit(g.day(day), op, changes...)
		if err != nil {
			return err
		}
		return g.writeFile(filepath.Join(dir, filepath.FromSlash(a.Name)), a.Data, a.ModTime)
	}

	columns := []lakehouse.Column{
		{Name: "event_id", Type: "long"},
		{Name: "user_id", Type: "long", Nullable: true},
		{Name: "region", Type: "string", Nullable: true},
		{Name: "payload", Type: "string", Nullable: true},
	}
	if err := commit(0, "CREATE TABLE",
		delta.SetProtocol(3, 7),
		delta.SetSchema(columns, []string{"region"}, map[string]string{
			"delta.constraints.valid_event": "event_id > 0",
		}),
	); err != nil {
		return err
	}

	type added struct {
		path string
		size int64
	}
	var files []added
	perCommit := max(1, g.opts.files/4)
	for i := 0; i < g.opts.files; i += perCommit {
		day := 1 + i/perCommit
		var changes []delta.Change
		for j := i; j < min(i+perCommit, g.opts.files); j++ {
			region := regions[j%len(regions)]
			p := path.Join("region="+region, fmt.Sprintf("part-%05d.parquet", j))
			size := g.fileSize()
			c := delta.AddFile(p, size, map[string]string{"region": region}).
				WithStats(size/100, map[string]interface{}{"user_id": j * 10})
			if j == 0 {
				c = c.WithDeletionVector(64, 12)
			}
			changes = append(changes, c)
			files = append(files, added{path: p, size: size})
			if err := g.writeSized(filepath.Join(dir, filepath.FromSlash(p)), size, g.day(day)); err != nil {
				return err
			}
		}
		if err := commit(day, "WRITE", changes...); err != nil {
			return err
		}
	}

	checkpoint, err := log.Checkpoint(g.day(6))
	if err != nil {
		return err
	}
	for _, a := range checkpoint {
		if err := g.writeFile(filepath.Join(dir, filepath.FromSlash(a.Name)), a.Data, a.ModTime); err != nil {
			return err
		}
	}

	removed := files[len(files)-1]
	if err := commit(7, "DELETE", delta.RemoveFile(removed.path, removed.size)); err != nil {
		return err
	}
	if err := commit(8, "ALTER TABLE", delta.SetSchema(append(columns,
		lakehouse.Column{Name: "session_id", Type: "string", Nullable: true},
	), []string{"region"}, map[string]string{
		"delta.constraints.valid_event": "event_id > 0",
	})); err != nil {
		return err
	}

	return g.writeSized(filepath.Join(dir, "region=eu", "orphan-00000.parquet"), 2*g.opts.unit, g.day(8))
}

// icebergTable writes an Iceberg table with three append snapshots, a
// schema change, a delete and an orphan.
func (g *generator) icebergTable(dir string) error {
	location := "file://" + filepath.ToSlash(dir) + "/"
	schema := iceberggo.NewSchemaWithIdentifiers(0, []int{1},
		iceberggo.NestedField{ID: 1, Name: "order_id", Type: iceberggo.PrimitiveTypes.Int64, Required: true},
		iceberggo.NestedField{ID: 2, Name: "customer_id", Type: iceberggo.PrimitiveTypes.Int64},
		iceberggo.NestedField{ID: 3, Name: "region", Type: iceberggo.PrimitiveTypes.String},
		iceberggo.NestedField{ID: 4, Name: "amount", Type: iceberggo.PrimitiveTypes.Float32},
	)
	w := iceberg.NewTableWriter(location, schema, "region")
	w.SortBy("customer_id")
	w.SetProperty("write.target-file-size-bytes", fmt.Sprint(128*metrics.MiB))

	write := func(artifacts []iceberg.Artifact, err error) error {
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			if err := g.writeFile(filepath.Join(dir, filepath.FromSlash(a.Name)), a.Data, a.ModTime); err != nil {
				return err
			}
		}
		return nil
	}

	var files []iceberg.DataFile
	for i := 0; i < g.opts.files; i++ {
		region := regions[i%len(regions)]
		f := iceberg.DataFile{
			Path:        path.Join("data", "region="+region, fmt.Sprintf("%05d.parquet", i)),
			SizeBytes:   g.fileSize(),
			Partition:   map[string]string{"region": region},
			LowerBounds: map[string]string{"customer_id": fmt.Sprint(i * 100)},
		}
		f.Records = f.SizeBytes / 64
		files = append(files, f)
	}

	third := len(files) / 3
	batches := [][]iceberg.DataFile{files[:third], files[third : 2*third], files[2*third:]}
	for i, batch := range batches {
		if i == 2 {
			w.EvolveSchema(iceberggo.NewSchemaWithIdentifiers(1, []int{1},
				iceberggo.NestedField{ID: 1, Name: "order_id", Type: iceberggo.PrimitiveTypes.Int64, Required: true},
				iceberggo.NestedField{ID: 2, Name: "customer_id", Type: iceberggo.PrimitiveTypes.Int64},
				iceberggo.NestedField{ID: 3, Name: "region", Type: iceberggo.PrimitiveTypes.String},
				iceberggo.NestedField{ID: 4, Name: "amount", Type: iceberggo.PrimitiveTypes.Float64},
				iceberggo.NestedField{ID: 5, Name: "channel", Type: iceberggo.PrimitiveTypes.String},
			))
		}
		ts := g.day(i * 3)
		for _, f := range batch {
			if err := g.writeSized(filepath.Join(dir, filepath.FromSlash(f.Path)), f.SizeBytes, ts); err != nil {
				return err
			}
		}
		if err := write(w.Append(ts, batch...)); err != nil {
			return err
		}
	}

	if err := write(w.Delete(g.day(10), files[0].Path, files[1].Path)); err != nil {
		return err
	}

	return g.writeSized(filepath.Join(dir, "data", "region=us", "orphan-00000.parquet"), g.opts.unit, g.day(10))
}
