package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// Gateway is an in-memory object store used for fixtures and tests.
type Gateway struct {
	buckets map[string]map[string]*memoryObject
	mu      sync.RWMutex

	// fault, when set, is consulted before every call. A non-nil result is
	// returned in place of the real answer.
	fault func(op, key string) error
	calls map[string]int
}

// memoryObject represents an object stored in memory
type memoryObject struct {
	data    []byte
	modTime time.Time
}

// NewGateway creates an empty in-memory gateway.
func NewGateway() *Gateway {
	return &Gateway{
		buckets: make(map[string]map[string]*memoryObject),
		calls:   make(map[string]int),
	}
}

// Put stores data under bucket/key with the current time.
func (g *Gateway) Put(bucket, key string, data []byte) {
	g.PutWithTime(bucket, key, data, time.Now().UTC())
}

// PutWithTime stores data under bucket/key with an explicit modification time.
func (g *Gateway) PutWithTime(bucket, key string, data []byte, modTime time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	objects, ok := g.buckets[bucket]
	if !ok {
		objects = make(map[string]*memoryObject)
		g.buckets[bucket] = objects
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	objects[key] = &memoryObject{data: buf, modTime: modTime}
}

// PutSized stores an object of the given size filled with zeros. Data files
// in fixtures only need a size.
func (g *Gateway) PutSized(bucket, key string, size int64, modTime time.Time) {
	g.PutWithTime(bucket, key, make([]byte, size), modTime)
}

// Delete removes an object if present.
func (g *Gateway) Delete(bucket, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if objects, ok := g.buckets[bucket]; ok {
		delete(objects, key)
	}
}

// SetFault installs a hook that can fail calls by operation and key.
func (g *Gateway) SetFault(fault func(op, key string) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fault = fault
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calls[op]
}

func (g *Gateway) enter(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return lakehouse.NewStorageError(op, key, lakehouse.ErrStorageAccess, err)
	}
	g.mu.Lock()
	g.calls[op]++
	fault := g.fault
	g.mu.Unlock()
	if fault != nil {
		return fault(op, key)
	}
	return nil
}

// List implements fs.Gateway. The continuation token is the last key of the
// previous page.
func (g *Gateway) List(ctx context.Context, bucket, prefix, token string, maxKeys int) (fs.Page, error) {
	if err := g.enter(ctx, "list", prefix); err != nil {
		return fs.Page{}, err
	}
	if maxKeys <= 0 {
		maxKeys = fs.DefaultPageSize
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	objects, ok := g.buckets[bucket]
	if !ok {
		return fs.Page{}, lakehouse.NewStorageError("list", prefix, lakehouse.ErrObjectNotFound,
			fmt.Errorf("bucket %q does not exist", bucket))
	}

	keys := make([]string, 0, len(objects))
	for key := range objects {
		if strings.HasPrefix(key, prefix) && key > token {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var page fs.Page
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		page.NextToken = keys[len(keys)-1]
	}
	page.Objects = make([]fs.ObjectInfo, len(keys))
	for i, key := range keys {
		obj := objects[key]
		page.Objects[i] = fs.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime}
	}
	return page, nil
}

// Get implements fs.Gateway.
func (g *Gateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := g.enter(ctx, "get", key); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	obj, err := g.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

// Stat implements fs.Gateway.
func (g *Gateway) Stat(ctx context.Context, bucket, key string) (fs.ObjectInfo, error) {
	if err := g.enter(ctx, "stat", key); err != nil {
		return fs.ObjectInfo{}, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	obj, err := g.lookup(bucket, key)
	if err != nil {
		return fs.ObjectInfo{}, err
	}
	return fs.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime}, nil
}

func (g *Gateway) lookup(bucket, key string) (*memoryObject, error) {
	obj, ok := g.buckets[bucket][key]
	if !ok {
		return nil, lakehouse.NewStorageError("get", key, lakehouse.ErrObjectNotFound,
			fmt.Errorf("no object %s/%s", bucket, key))
	}
	return obj, nil
}
