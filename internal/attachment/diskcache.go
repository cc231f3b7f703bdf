package attachment

import (
	"os"
	"path/filepath"
	"time"
)

// diskCache is the L2 tier: files sharded into subdirectories by the
// first two hex characters of their content MD5, with a TTL enforced via
// mtime, the same shard-by-hash-prefix layout the teacher's local storage
// fallback uses for category directories (internal/storage/storage.go's
// saveToFile, generalized from one flat directory to a sharded one since
// attachment volume is much higher than a metrics cache's).
type diskCache struct {
	dir    string
	ttl    time.Duration
	budget int64
}

func newDiskCache(dir string, budget int64, ttl time.Duration) *diskCache {
	return &diskCache{dir: dir, budget: budget, ttl: ttl}
}

func (c *diskCache) path(md5 string) string {
	if len(md5) < 2 {
		return filepath.Join(c.dir, "_", md5)
	}
	return filepath.Join(c.dir, md5[:2], md5)
}

func (c *diskCache) get(md5 string) ([]byte, bool) {
	p := c.path(md5)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > c.ttl {
		os.Remove(p)
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *diskCache) put(md5 string, data []byte) error {
	p := c.path(md5)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// prune removes cache files older than ttl across every shard, returning
// the number of bytes reclaimed. Intended to be run periodically rather
// than on every put, since a budget-aware disk cache needs to know total
// size before evicting.
func (c *diskCache) prune() (int64, error) {
	var reclaimed int64
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.dir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			if time.Since(info.ModTime()) > c.ttl {
				reclaimed += info.Size()
				os.Remove(filepath.Join(shardPath, f.Name()))
			}
		}
	}
	return reclaimed, nil
}
