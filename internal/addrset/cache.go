package addrset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/fsutil"
)

var (
	ErrCacheMiss    = errors.New("cache miss")
	ErrCacheExpired = errors.New("cache expired")
	// ErrCacheCorrupt covers truncated or half-written entries.
	ErrCacheCorrupt = errors.New("cache entry corrupt")
)

// CacheMeta is stored next to every cached feed as <key>.meta.
type CacheMeta struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	Size      int       `json:"size"`
	SHA256    string    `json:"sha256"`
	ETag      string    `json:"etag,omitempty"`
}

// Cache keeps downloaded feeds on disk keyed by URL.
//
// Data is written before metadata and both go through a temp file and
// rename, so the metadata file acts as the commit record: an interrupted
// write leaves either the previous complete entry or a data/meta mismatch
// that Load reports as ErrCacheCorrupt.
type Cache struct {
	dir    string
	maxAge time.Duration
	clock  clock.Clock
}

// NewCache creates a cache rooted at dir. maxAge <= 0 disables expiry.
func NewCache(dir string, maxAge time.Duration) *Cache {
	return &Cache{dir: dir, maxAge: maxAge, clock: clock.Default()}
}

// WithClock replaces the clock used for expiry decisions.
func (c *Cache) WithClock(clk clock.Clock) *Cache {
	c.clock = clk
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) paths(url string) (data, meta string) {
	k := c.key(url)
	return filepath.Join(c.dir, k+".txt"), filepath.Join(c.dir, k+".meta")
}

// Load returns the cached body for url. With allowStale, an intact entry
// older than maxAge is still returned together with ErrCacheExpired.
func (c *Cache) Load(url string, allowStale bool) ([]byte, *CacheMeta, error) {
	dataPath, metaPath := c.paths(url)

	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrCacheMiss
		}
		return nil, nil, fmt.Errorf("read cache metadata: %w", err)
	}

	var meta CacheMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %v", ErrCacheCorrupt, err)
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: data file missing", ErrCacheCorrupt)
		}
		return nil, nil, fmt.Errorf("read cache data: %w", err)
	}
	if len(data) != meta.Size {
		return nil, nil, fmt.Errorf("%w: size %d, expected %d", ErrCacheCorrupt, len(data), meta.Size)
	}
	if checksum(data) != meta.SHA256 {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCacheCorrupt)
	}

	if c.maxAge > 0 && c.clock.Since(meta.FetchedAt) > c.maxAge {
		if allowStale {
			return data, &meta, ErrCacheExpired
		}
		return nil, &meta, ErrCacheExpired
	}
	return data, &meta, nil
}

// Store writes data for url.
func (c *Cache) Store(url string, data []byte, etag string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	dataPath, metaPath := c.paths(url)

	if err := fsutil.WriteFileAtomic(dataPath, data, 0o644); err != nil {
		return fmt.Errorf("write cache data: %w", err)
	}

	meta, err := json.Marshal(CacheMeta{
		URL:       url,
		FetchedAt: c.clock.Now().UTC(),
		Size:      len(data),
		SHA256:    checksum(data),
		ETag:      etag,
	})
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear() error {
	if c.dir == "" {
		return nil
	}
	return os.RemoveAll(c.dir)
}

// CacheInfo summarizes the cache directory.
type CacheInfo struct {
	Dir       string `json:"dir"`
	Entries   int    `json:"entries"`
	TotalSize int64  `json:"total_size"`
}

// Info reports how many feeds are cached and their combined size.
func (c *Cache) Info() (CacheInfo, error) {
	info := CacheInfo{Dir: c.dir}
	files, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".txt") {
			continue
		}
		info.Entries++
		if fi, err := f.Info(); err == nil {
			info.TotalSize += fi.Size()
		}
	}
	return info, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
