// Package reconcile diffs the physical object listing of a table against
// the active file set its metadata claims.
package reconcile

import (
	"strings"

	"github.com/TFMV/drainage/lakehouse"
)

// Result is the outcome of a reconciliation.
type Result struct {
	// Listed holds the data objects considered, sorted by path.
	Listed []lakehouse.FileEntry
	// Unreferenced holds listed objects no active file points at.
	Unreferenced          []lakehouse.FileEntry
	UnreferencedSizeBytes int64
	// Missing holds active files with no listed object.
	Missing []lakehouse.LogicalFile

	unreferenced map[string]struct{}
}

// MissingError returns a MissingDataFileError for the missing files, or nil.
func (r *Result) MissingError() error {
	if len(r.Missing) == 0 {
		return nil
	}
	paths := make([]string, len(r.Missing))
	for i, f := range r.Missing {
		paths[i] = f.Path
	}
	return &lakehouse.MissingDataFileError{Paths: paths}
}

// IsReferenced reports whether a listed path is part of the active set.
func (r *Result) IsReferenced(path string) bool {
	_, unref := r.unreferenced[path]
	return !unref
}

// Reconcile compares state's active files with listing, a complete listing
// of the table root. The listing must be taken after the metadata was read,
// so files committed during the scan can only show up as unreferenced.
func Reconcile(state *lakehouse.TableState, listing []lakehouse.FileEntry) *Result {
	var metaPrefix string
	if state.MetadataPrefix != "" {
		metaPrefix = state.Location.Key(state.MetadataPrefix)
	}

	res := &Result{unreferenced: make(map[string]struct{})}
	seen := make(map[string]struct{}, len(listing))
	for _, e := range listing {
		if !IsDataObject(state.Location.Rel(e.Path), e.Path, metaPrefix) {
			continue
		}
		if _, dup := seen[e.Path]; dup {
			continue
		}
		seen[e.Path] = struct{}{}
		res.Listed = append(res.Listed, e)
	}
	lakehouse.SortEntries(res.Listed)

	active := state.ActivePaths()
	for _, e := range res.Listed {
		if _, ok := active[e.Path]; ok {
			continue
		}
		res.Unreferenced = append(res.Unreferenced, e)
		res.unreferenced[e.Path] = struct{}{}
		res.UnreferencedSizeBytes += e.SizeBytes
	}

	for _, f := range state.ActiveFiles {
		if _, ok := seen[f.Path]; !ok {
			res.Missing = append(res.Missing, f)
		}
	}
	return res
}

// IsDataObject reports whether an object under the table root can hold
// table data. rel is the key relative to the table root. Metadata, folder
// placeholders and hidden files (any segment starting with "_" or ".")
// are excluded.
func IsDataObject(rel, key, metaPrefix string) bool {
	if metaPrefix != "" && strings.HasPrefix(key, metaPrefix) {
		return false
	}
	if rel == "" || strings.HasSuffix(rel, "/") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, "_") || strings.HasPrefix(seg, ".") {
			return false
		}
	}
	return true
}
