// Package serversup implements the Server Supervisor (spec.md §4.D):
// download & cache of editor server builds, process launch, startup-line
// parsing, and process-tree teardown.
package serversup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// lruEntry is one row of the persisted lru.json list.
type lruEntry struct {
	Name       string    `json:"name"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Cache is the content-addressed download cache: a directory of
// `{quality}-{commit}` subdirectories plus an lru.json index, capacity-
// bounded, with two-phase (staging + atomic rename) inserts.
type Cache struct {
	mu       sync.Mutex
	root     string
	capacity int
	entries  []lruEntry
}

// OpenCache loads (or initializes) the cache rooted at dir, keeping at
// most capacity entries.
func OpenCache(dir string, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 5
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "create cache dir", err)
	}
	c := &Cache{root: dir, capacity: capacity}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) lruPath() string { return filepath.Join(c.root, "lru.json") }

func (c *Cache) load() error {
	b, err := os.ReadFile(c.lruPath())
	if err != nil {
		if os.IsNotExist(err) {
			c.entries = nil
			return nil
		}
		return xerrors.Wrap(xerrors.Transport, "read lru.json", err)
	}
	if err := json.Unmarshal(b, &c.entries); err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "parse lru.json", err)
	}
	return nil
}

func (c *Cache) persist() error {
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "encode lru.json", err)
	}
	tmp := c.lruPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return xerrors.Wrap(xerrors.Transport, "write lru.json", err)
	}
	return os.Rename(tmp, c.lruPath())
}

func (c *Cache) entryPath(name string) string { return filepath.Join(c.root, name) }

// Path exposes the on-disk location of a cached entry by name.
func (c *Cache) Path(name string) string { return c.entryPath(name) }

// Entries returns the cached entry names, oldest-used first.
func (c *Cache) Entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// Remove deletes a cached entry's directory and index row unconditionally,
// used by prune once the caller has confirmed it is not alive.
func (c *Cache) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(name)
	if idx < 0 {
		return nil
	}
	if err := os.RemoveAll(c.entryPath(name)); err != nil {
		return xerrors.Wrap(xerrors.Transport, "remove pruned cache entry", err)
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	return c.persist()
}

// Populate is called by the caller to stream+extract a fresh entry into
// name+".staging" before Create performs the atomic rename.
type Populate func(stagingDir string) error

// Create is idempotent: if name already exists, populate is not invoked
// and the existing path is returned (spec.md §8's LRU round-trip law).
// Otherwise it populates a staging directory, atomically renames it into
// place, evicts down to capacity, and persists the index.
func (c *Cache) Create(name string, populate Populate) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx := c.indexOf(name); idx >= 0 {
		c.touch(idx)
		if err := c.persist(); err != nil {
			return "", err
		}
		return c.entryPath(name), nil
	}

	staging := c.entryPath(name + ".staging")
	_ = os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.Transport, "create staging dir", err)
	}
	if err := populate(staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", xerrors.Wrap(xerrors.Corrupt, "populate cache entry", err)
	}

	final := c.entryPath(name)
	if err := renameWithRetry(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return "", xerrors.Wrap(xerrors.Transport, "rename cache entry into place", err)
	}

	c.entries = append(c.entries, lruEntry{Name: name, LastUsedAt: time.Now()})
	c.evict()
	if err := c.persist(); err != nil {
		return "", err
	}
	return final, nil
}

// Exists reports whether name is cached, bumping it to most-recently-used
// if so (spec.md §8's "exists bumps to most-recent").
func (c *Cache) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(name)
	if idx < 0 {
		return false
	}
	c.touch(idx)
	_ = c.persist()
	return true
}

func (c *Cache) indexOf(name string) int {
	for i, e := range c.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (c *Cache) touch(idx int) {
	c.entries[idx].LastUsedAt = time.Now()
	e := c.entries[idx]
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.entries = append(c.entries, e)
}

// evict trims to capacity, oldest first. This resolves the spec's open
// question in favor of the richer original_source/tunnels/download_cache.rs
// behavior: an entry that fails to remove (e.g. a transient Windows sharing
// violation) is retried up to evictRetries times with a short backoff, and
// only then left in place to be retried again on the next insert — it is
// never silently dropped from the LRU index while its directory still
// exists on disk.
const (
	evictRetries = 3
	evictDelay   = 50 * time.Millisecond
)

func (c *Cache) evict() {
	for len(c.entries) > c.capacity {
		victim := c.entries[0]
		if err := removeWithRetry(c.entryPath(victim.Name)); err != nil {
			// Retained: stays first in the list so the next insert's
			// evict() tries it again before anything newer.
			return
		}
		c.entries = c.entries[1:]
	}
}

func removeWithRetry(path string) error {
	var err error
	for i := 0; i < evictRetries; i++ {
		if err = os.RemoveAll(path); err == nil {
			return nil
		}
		time.Sleep(evictDelay)
	}
	return err
}

func renameWithRetry(oldPath, newPath string) error {
	var err error
	for i := 0; i < evictRetries; i++ {
		if err = os.Rename(oldPath, newPath); err == nil {
			return nil
		}
		time.Sleep(evictDelay)
	}
	return err
}
