package diskcache

// scheduleTrim enqueues a background trim pass when the cache is over
// budget. At most one pass is pending or running at a time; redundant
// triggers coalesce. Callers must hold c.mu.
func (c *Cache) scheduleTrim() {
	if c.size <= c.maxSize {
		return
	}
	select {
	case c.trimCh <- struct{}{}:
	default:
	}
}

// trimLoop is the single background worker draining trim requests. It
// exits when the cache is closed.
func (c *Cache) trimLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.trimCh:
			c.mu.Lock()
			err := c.trimToSize(c.maxSize)
			c.mu.Unlock()
			if err != nil {
				c.log().Warn("trim pass failed", "error", err)
			}
		}
	}
}

// trimToSize evicts least-recently-used evictable snapshots until the
// cache is at or below target or no candidates remain. Snapshots with open
// readers or an in-flight write are skipped, so the cache may stay
// transiently over budget. Callers must hold c.mu.
func (c *Cache) trimToSize(target int64) error {
	for elem := c.order.Front(); elem != nil && c.size > target; {
		next := elem.Next()
		s := elem.Value.(*Snapshot)
		if s.readCount == 0 && !s.writing {
			var length int64
			if info, err := c.fsys.Stat(s.key); err == nil {
				length = info.Size()
			}
			if err := c.removeIfExists(s.key); err != nil {
				return err
			}
			c.size -= length
			c.order.Remove(elem)
			delete(c.index, s.key)
			c.log().Debug("evicted snapshot", "key", s.key, "length", length)
		}
		elem = next
	}
	return nil
}
