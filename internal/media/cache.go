package media

import (
	"container/list"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache is a content-addressed, size-bounded asset store. Files live under
// root as hash[:4]/hash. Eviction is least-recently-used by total bytes;
// pinned assets are held back until the last pin releases.
type Cache struct {
	logger   *slog.Logger
	root     string
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used
	total   int64
}

type cacheEntry struct {
	asset Asset
	pins  int
	el    *list.Element
}

func NewCache(log *slog.Logger, root string, maxBytes int64) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024 * 1024
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{
		logger:   log.With(slog.String("component", "media.cache")),
		root:     root,
		maxBytes: maxBytes,
		entries:  map[string]*cacheEntry{},
		lru:      list.New(),
	}, nil
}

func (c *Cache) pathFor(hash string) string {
	return filepath.Join(c.root, hash[:4], hash)
}

// Put moves the spooled file at tempPath into the cache under hash. If the
// hash is already cached the temp file is discarded and the existing asset
// returned. Eviction runs after admission so the new asset always fits.
func (c *Cache) Put(hash string, tempPath string, mime, name string, size int64) (Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok {
		os.Remove(tempPath)
		c.lru.MoveToFront(e.el)
		return e.asset, nil
	}
	dest := c.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Asset{}, fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return Asset{}, fmt.Errorf("admit cache file: %w", err)
	}
	asset := Asset{
		Hash:     hash,
		State:    StateReady,
		Mime:     mime,
		Size:     size,
		Name:     name,
		Path:     dest,
		StoredAt: time.Now().UTC(),
	}
	e := &cacheEntry{asset: asset}
	e.el = c.lru.PushFront(e)
	c.entries[hash] = e
	c.total += size
	c.evictLocked()
	return asset, nil
}

// Get returns the asset and marks it recently used.
func (c *Cache) Get(hash string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return Asset{}, false
	}
	c.lru.MoveToFront(e.el)
	return e.asset, true
}

// Open returns a reader over the cached bytes.
func (c *Cache) Open(hash string) (io.ReadCloser, Asset, error) {
	asset, ok := c.Get(hash)
	if !ok {
		return nil, Asset{}, ErrAssetNotFound
	}
	f, err := os.Open(asset.Path)
	if err != nil {
		return nil, Asset{}, fmt.Errorf("open cached asset: %w", err)
	}
	return f, asset, nil
}

// Pin protects the asset from eviction until Unpin. Used while an outbound
// send references the asset.
func (c *Cache) Pin(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return ErrAssetNotFound
	}
	e.pins++
	return nil
}

// Unpin releases one pin. Eviction runs in case the cache is over budget.
func (c *Cache) Unpin(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
	c.evictLocked()
}

// TotalBytes reports the cache's current payload size.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len reports the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops least-recently-used unpinned assets until the cache fits
// its byte budget. Pinned assets are skipped; the cache may temporarily
// exceed the budget when everything over it is pinned.
func (c *Cache) evictLocked() {
	if c.total <= c.maxBytes {
		return
	}
	for el := c.lru.Back(); el != nil && c.total > c.maxBytes; {
		prev := el.Prev()
		e := el.Value.(*cacheEntry)
		if e.pins == 0 {
			c.removeLocked(e)
		}
		el = prev
	}
}

func (c *Cache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.asset.Hash)
	c.lru.Remove(e.el)
	c.total -= e.asset.Size
	if err := os.Remove(e.asset.Path); err != nil {
		c.logger.Warn("failed to remove evicted asset",
			slog.String("hash", e.asset.Hash),
			slog.Any("error", err),
		)
	}
	c.logger.Debug("evicted asset",
		slog.String("hash", e.asset.Hash),
		slog.Int64("size", e.asset.Size),
	)
}
