package media

import "time"

// AssetState tracks an asset through the pipeline.
type AssetState string

const (
	// StatePending means a fetch is in flight.
	StatePending AssetState = "pending"
	// StateReady means the bytes are cached and readable.
	StateReady AssetState = "ready"
	// StateFailed means the fetch or transcode failed; the asset holds no bytes.
	StateFailed AssetState = "failed"
	// StateEvicted means the bytes were dropped by LRU eviction.
	StateEvicted AssetState = "evicted"
)

// Asset describes one content-addressed cached payload.
type Asset struct {
	// Hash is the hex sha256 of the content; it is the cache key.
	Hash  string     `json:"hash"`
	State AssetState `json:"state"`
	Mime  string     `json:"mime"`
	Size  int64      `json:"size"`
	Name  string     `json:"name,omitempty"`
	// Path is the cached file location under the cache root.
	Path     string    `json:"-"`
	StoredAt time.Time `json:"stored_at"`
}
