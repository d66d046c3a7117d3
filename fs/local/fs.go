package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// Gateway serves tables from a directory tree. Each bucket is a directory
// directly below the root and object keys are slash separated paths inside it.
type Gateway struct {
	fs afero.Fs
}

// NewGateway creates a gateway rooted at basePath on the host filesystem.
func NewGateway(basePath string) *Gateway {
	return NewGatewayFs(afero.NewBasePathFs(afero.NewOsFs(), basePath))
}

// NewGatewayFs creates a gateway over an arbitrary afero filesystem.
func NewGatewayFs(fsys afero.Fs) *Gateway {
	return &Gateway{fs: fsys}
}

// List implements fs.Gateway.
func (g *Gateway) List(ctx context.Context, bucket, prefix, token string, maxKeys int) (fs.Page, error) {
	if maxKeys <= 0 {
		maxKeys = fs.DefaultPageSize
	}

	bucketDir := toLocalPath(bucket, "")
	start := bucketDir
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start = toLocalPath(bucket, prefix[:i])
	}

	if _, err := g.fs.Stat(bucketDir); err != nil {
		return fs.Page{}, classify("list", prefix, err)
	}

	var objects []fs.ObjectInfo
	err := afero.Walk(g.fs, start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > token {
			objects = append(objects, fs.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		}
		return nil
	})
	if err != nil {
		return fs.Page{}, classify("list", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	var page fs.Page
	if len(objects) > maxKeys {
		objects = objects[:maxKeys]
		page.NextToken = objects[len(objects)-1].Key
	}
	page.Objects = objects
	return page, nil
}

// Get implements fs.Gateway.
func (g *Gateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get", key, err)
	}
	data, err := afero.ReadFile(g.fs, toLocalPath(bucket, key))
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

// Stat implements fs.Gateway.
func (g *Gateway) Stat(ctx context.Context, bucket, key string) (fs.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return fs.ObjectInfo{}, classify("stat", key, err)
	}
	info, err := g.fs.Stat(toLocalPath(bucket, key))
	if err != nil {
		return fs.ObjectInfo{}, classify("stat", key, err)
	}
	if info.IsDir() {
		return fs.ObjectInfo{}, lakehouse.NewStorageError("stat", key, lakehouse.ErrObjectNotFound,
			fmt.Errorf("%s is a directory", key))
	}
	return fs.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}, nil
}

// toLocalPath converts a bucket and object key to a path inside the root
func toLocalPath(bucket, key string) string {
	return filepath.Join(string(filepath.Separator), bucket, filepath.FromSlash(key))
}

func classify(op, key string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return lakehouse.NewStorageError(op, key, lakehouse.ErrObjectNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return lakehouse.NewStorageError(op, key, lakehouse.ErrAuthentication, err)
	default:
		return lakehouse.NewStorageError(op, key, lakehouse.ErrStorageAccess, err)
	}
}
