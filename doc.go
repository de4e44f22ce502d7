// Package diskcache provides a persistent, size-bounded LRU cache that
// stores each value as a single file in a local directory.
//
// A [Cache] is opened once per directory and is safe for concurrent use
// within a single process. Values are addressed by short string keys
// (lowercase letters, digits, hyphen and underscore, 1-64 characters) and
// read or written through per-key [Snapshot] handles:
//
//	c, err := diskcache.Open("/var/cache/artifacts", 100<<20)
//	if err != nil {
//	    return err
//	}
//	snap, err := c.Snapshot("build-output")
//	if err != nil {
//	    return err
//	}
//	if w, ok, err := snap.OpenWrite(); err != nil {
//	    return err
//	} else if ok {
//	    io.Copy(w, src)
//	    w.Close() // commit
//	}
//
// # Durability
//
// Writes stream into a sibling dirty file (<key>.tmp) and are atomically
// renamed over the clean file on commit, so readers always observe either
// the old value or the new value, never a torn mix. Dirty files left behind
// by an unclean shutdown are deleted the next time the cache is opened.
//
// # Eviction
//
// When the cache grows past its size bound, a background worker evicts the
// least-recently-used entries until the cache fits. Entries with open read
// handles or an in-flight write are never evicted; the cache may remain
// transiently over budget while they are busy.
//
// # Filling
//
// Use a [Loader] to populate misses from an origin function; concurrent
// requests for the same missing key share a single fill.
package diskcache
