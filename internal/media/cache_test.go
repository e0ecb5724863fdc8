package media

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func putAsset(t *testing.T, c *Cache, data []byte) Asset {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatalf("write spool: %v", err)
	}
	asset, err := c.Put(hashOf(data), tmp, "application/octet-stream", "blob", int64(len(data)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return asset
}

func TestCachePutGetOpen(t *testing.T) {
	t.Parallel()

	c, err := NewCache(nil, t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	data := []byte("hello media")
	asset := putAsset(t, c, data)
	if asset.State != StateReady || asset.Size != int64(len(data)) {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	got, ok := c.Get(asset.Hash)
	if !ok || got.Hash != asset.Hash {
		t.Fatalf("get failed: %+v ok=%v", got, ok)
	}
	r, _, err := c.Open(asset.Hash)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	buf := make([]byte, len(data))
	if _, err := r.Read(buf); err != nil || string(buf) != string(data) {
		t.Fatalf("cached bytes wrong: %q err=%v", buf, err)
	}

	// Idempotent re-put of the same hash keeps one copy.
	putAsset(t, c, data)
	if c.Len() != 1 || c.TotalBytes() != int64(len(data)) {
		t.Fatalf("duplicate put changed accounting: len=%d total=%d", c.Len(), c.TotalBytes())
	}
}

func TestCacheLRUEviction(t *testing.T) {
	t.Parallel()

	c, err := NewCache(nil, t.TempDir(), 30)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	a := putAsset(t, c, []byte("aaaaaaaaaa")) // 10 bytes
	b := putAsset(t, c, []byte("bbbbbbbbbb"))
	// Touch a so b becomes the eviction candidate.
	c.Get(a.Hash)
	d := putAsset(t, c, []byte("dddddddddddddddddddd")) // 20 bytes, forces eviction

	if _, ok := c.Get(b.Hash); ok {
		t.Fatalf("least recently used asset survived eviction")
	}
	if _, ok := c.Get(a.Hash); !ok {
		t.Fatalf("recently used asset was evicted")
	}
	if _, ok := c.Get(d.Hash); !ok {
		t.Fatalf("new asset missing")
	}
	if _, err := os.Stat(b.Path); !os.IsNotExist(err) {
		t.Fatalf("evicted file still on disk: %v", err)
	}
}

func TestCachePinnedAssetNeverEvicted(t *testing.T) {
	t.Parallel()

	c, err := NewCache(nil, t.TempDir(), 15)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	a := putAsset(t, c, []byte("aaaaaaaaaa"))
	if err := c.Pin(a.Hash); err != nil {
		t.Fatalf("pin: %v", err)
	}
	b := putAsset(t, c, []byte("bbbbbbbbbb"))

	// a is pinned and LRU; eviction must take b instead, even though a is
	// the older entry.
	if _, ok := c.Get(a.Hash); !ok {
		t.Fatalf("pinned asset was evicted")
	}
	if _, ok := c.Get(b.Hash); ok {
		t.Fatalf("expected unpinned asset to be evicted")
	}

	// After unpin the budget is enforced again.
	putAsset(t, c, []byte("cccccccccc"))
	c.Unpin(a.Hash)
	putAsset(t, c, []byte("eeeeeeeeee"))
	if c.TotalBytes() > 15 {
		t.Fatalf("cache over budget after unpin: %d", c.TotalBytes())
	}
	if err := c.Pin("no-such-hash"); err != ErrAssetNotFound {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}
