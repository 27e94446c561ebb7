package raster

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobrunner/rastercat/internal/ports/output"
)

// CachedSource is a read-through cache of open raster handles keyed by path.
// Handles are shared between callers, so the wrapped source must return
// handles that are safe for concurrent use. An evicted handle is closed once
// its last caller releases it. Raster files are assumed immutable while the
// cache is alive.
type CachedSource struct {
	source output.RasterSource

	mu    sync.Mutex
	cache *lru.Cache[string, *sharedHandle]
}

// sharedHandle counts the callers currently holding a handle.
type sharedHandle struct {
	output.RasterHandle
	refs    int
	evicted bool
}

// NewCachedSource wraps source with an LRU of at most size open handles.
func NewCachedSource(source output.RasterSource, size int) (*CachedSource, error) {
	c := &CachedSource{source: source}
	cache, err := lru.NewWithEvict[string, *sharedHandle](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// Open implements output.RasterSource. Closing the returned handle releases
// it back to the cache.
func (c *CachedSource) Open(ctx context.Context, path string) (output.RasterHandle, error) {
	c.mu.Lock()
	if h, ok := c.cache.Get(path); ok {
		h.refs++
		c.mu.Unlock()
		return &lease{sharedHandle: h, owner: c}, nil
	}
	c.mu.Unlock()

	raw, err := c.source.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have opened the same path meanwhile.
	if h, ok := c.cache.Get(path); ok {
		_ = raw.Close()
		h.refs++
		return &lease{sharedHandle: h, owner: c}, nil
	}

	h := &sharedHandle{RasterHandle: raw, refs: 1}
	c.cache.Add(path, h)
	return &lease{sharedHandle: h, owner: c}, nil
}

// Len returns the number of cached handles.
func (c *CachedSource) Len() int {
	return c.cache.Len()
}

// Purge evicts every handle. Handles still held by callers are closed when
// released.
func (c *CachedSource) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// onEvict runs synchronously inside Add and Purge, with c.mu held.
func (c *CachedSource) onEvict(_ string, h *sharedHandle) {
	h.evicted = true
	if h.refs == 0 {
		_ = h.RasterHandle.Close()
	}
}

func (c *CachedSource) release(h *sharedHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.evicted {
		_ = h.RasterHandle.Close()
	}
}

// lease is one caller's reference to a shared handle.
type lease struct {
	*sharedHandle
	owner *CachedSource
	once  sync.Once
}

// Close releases the lease. Calling it more than once is harmless.
func (l *lease) Close() error {
	l.once.Do(func() { l.owner.release(l.sharedHandle) })
	return nil
}
