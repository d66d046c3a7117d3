// Package fs defines the storage capabilities the analysis engine needs
// from an object store, plus helpers shared by all gateway implementations.
package fs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/drainage/lakehouse"
)

// DefaultPageSize is the number of keys requested per listing page.
const DefaultPageSize = 1000

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Entry converts the object into the engine's physical file record.
func (o ObjectInfo) Entry() lakehouse.FileEntry {
	return lakehouse.FileEntry{Path: o.Key, SizeBytes: o.Size, LastModified: o.LastModified}
}

// Page is one page of a listing. NextToken is empty on the last page.
type Page struct {
	Objects   []ObjectInfo
	NextToken string
}

// Gateway is a read-only view of an object store. Implementations return
// *lakehouse.StorageError values classified as ErrObjectNotFound,
// ErrAuthentication or ErrStorageAccess.
type Gateway interface {
	// List returns up to maxKeys objects under prefix, in key order,
	// starting after the position encoded by token.
	List(ctx context.Context, bucket, prefix, token string, maxKeys int) (Page, error)
	// Get returns the full contents of an object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Stat returns an object's metadata without its body.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// ListAll drains every page of a listing.
func ListAll(ctx context.Context, gw Gateway, bucket, prefix string) ([]ObjectInfo, error) {
	var (
		all   []ObjectInfo
		token string
	)
	for {
		page, err := gw.List(ctx, bucket, prefix, token, DefaultPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
		}
		all = append(all, page.Objects...)
		if page.NextToken == "" {
			return all, nil
		}
		if page.NextToken == token {
			return nil, lakehouse.NewStorageError("list", prefix, lakehouse.ErrStorageAccess,
				fmt.Errorf("listing did not advance past %q", token))
		}
		token = page.NextToken
	}
}

// Exists reports whether a single object is present.
func Exists(ctx context.Context, gw Gateway, bucket, key string) (bool, error) {
	_, err := gw.Stat(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// HasPrefix reports whether at least one object lives under prefix.
func HasPrefix(ctx context.Context, gw Gateway, bucket, prefix string) (bool, error) {
	page, err := gw.List(ctx, bucket, prefix, "", 1)
	if err != nil {
		return false, err
	}
	return len(page.Objects) > 0, nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, lakehouse.ErrObjectNotFound)
}
