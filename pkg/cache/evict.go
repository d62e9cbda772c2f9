package cache

import (
	"context"
	"sort"
	"time"
)

// Evict removes entries stored longer than the TTL, then the least recently
// accessed entries until the total size fits the budget. It returns the
// number of entries removed.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-c.config.TTL)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	removed := 0
	var keep []*Entry
	for _, e := range entries {
		if e.StoredAt.Before(cutoff) {
			ok, err := c.evict(ctx, e)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
			continue
		}
		keep = append(keep, e)
	}

	for _, e := range keep {
		if c.size.Load() <= c.config.BudgetBytes {
			break
		}
		ok, err := c.evict(ctx, e)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		c.log.WithField("count", removed).WithField("bytes", c.size.Load()).Debug("evicted cache entries")
	}
	return removed, nil
}

// evict drops e unless it was replaced or touched since the scan.
func (c *Cache) evict(ctx context.Context, e *Entry) (bool, error) {
	lk := lockKey(e.Resource, e.Path)
	if err := c.locks.Lock(ctx, lk); err != nil {
		return false, err
	}
	defer c.locks.Unlock(lk)

	cur, err := c.lookup(e.Key)
	if err != nil || cur == nil {
		return false, err
	}
	if !cur.LastAccessed.Equal(e.LastAccessed) && !cur.StoredAt.Before(c.now().Add(-c.config.TTL)) {
		return false, nil
	}
	return true, c.drop(cur)
}

// Run evicts every evict interval, and whenever a Put pushes the cache over
// budget, until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if _, err := c.Evict(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("cache eviction failed")
		}
	}
}
