package diskcache

import (
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"
)

// FillFunc produces the value for a missing key by writing it to w.
// Returning an error discards whatever was written.
type FillFunc func(key string, w io.Writer) error

// Loader fills cache misses through a fill function, deduplicating
// concurrent fills for the same key so a miss storm hits the origin once.
type Loader struct {
	cache *Cache
	fill  FillFunc
	group singleflight.Group
}

// NewLoader wraps c with fill-on-miss behavior.
func NewLoader(c *Cache, fill FillFunc) *Loader {
	return &Loader{cache: c, fill: fill}
}

// Get returns a read handle for key, running the fill function first when
// the key has no committed value. Concurrent calls for the same key share
// a single fill; every caller receives its own handle.
func (l *Loader) Get(key string) (io.ReadCloser, error) {
	snap, err := l.cache.Snapshot(key)
	if err != nil {
		return nil, err
	}
	if r, ok := snap.OpenRead(); ok {
		return r, nil
	}
	if _, err, _ := l.group.Do(key, func() (any, error) {
		return nil, l.fillOnce(snap)
	}); err != nil {
		return nil, err
	}
	r, ok := snap.OpenRead()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFillUnavailable, key)
	}
	return r, nil
}

func (l *Loader) fillOnce(snap *Snapshot) error {
	// Another caller may have committed the value between the miss and
	// this flight; treat that as a completed fill.
	if r, ok := snap.OpenRead(); ok {
		return r.Close()
	}
	w, ok, err := snap.OpenWrite()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrWriteInFlight, snap.Key())
	}
	if err := l.fill(snap.Key(), w); err != nil {
		_ = w.Discard()
		return err
	}
	return w.Close()
}
