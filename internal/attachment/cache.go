package attachment

import "time"

// Cache combines the memory (L1) and disk (L2) tiers behind one Get/Put
// interface, checked by Fetcher before doing any real fetch work.
type Cache struct {
	mem  *memCache
	disk *diskCache
}

// NewCache builds a tiered cache. diskDir empty disables the disk tier.
func NewCache(memBudget int64, memTTL time.Duration, diskDir string, diskBudget int64, diskTTL time.Duration) *Cache {
	c := &Cache{mem: newMemCache(memBudget, memTTL)}
	if diskDir != "" {
		c.disk = newDiskCache(diskDir, diskBudget, diskTTL)
	}
	return c
}

// Get checks memory first, then disk, promoting a disk hit back into
// memory so subsequent lookups for the same batch are in-process.
func (c *Cache) Get(md5 string) ([]byte, bool) {
	if data, ok := c.mem.get(md5); ok {
		return data, true
	}
	if c.disk != nil {
		if data, ok := c.disk.get(md5); ok {
			c.mem.put(md5, data)
			return data, true
		}
	}
	return nil, false
}

// Put writes through both tiers.
func (c *Cache) Put(md5 string, data []byte) {
	c.mem.put(md5, data)
	if c.disk != nil {
		_ = c.disk.put(md5, data)
	}
}

// PruneDisk removes expired disk entries, meant to run on a periodic
// ticker alongside the scheduler loop.
func (c *Cache) PruneDisk() (int64, error) {
	if c.disk == nil {
		return 0, nil
	}
	return c.disk.prune()
}
