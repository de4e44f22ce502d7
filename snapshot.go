package diskcache

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/zstd"
)

// Snapshot is the live state of one cache key: its reader count, an
// optional in-flight write and a pending-delete intent. Snapshots are
// created lazily by [Cache.Snapshot] and removed by delete fulfillment or
// eviction; they are shared by all callers holding a reference.
type Snapshot struct {
	cache *Cache
	key   string

	// Guarded by cache.mu.
	readCount  int
	writing    bool
	committed  bool
	hasErrors  bool
	wantDelete bool
}

// Key returns the cache key this snapshot belongs to.
func (s *Snapshot) Key() string {
	return s.key
}

// Length returns the on-disk length of the committed value in bytes, or 0
// when no committed value exists.
func (s *Snapshot) Length() int64 {
	info, err := s.cache.fsys.Stat(s.key)
	if err != nil {
		return 0
	}
	return info.Size()
}

// LastModified returns the modification time of the committed value, or
// the zero time when no committed value exists.
func (s *Snapshot) LastModified() time.Time {
	info, err := s.cache.fsys.Stat(s.key)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// OpenRead returns a read handle over the committed value. It reports
// false when the key has no readable committed value. The handle pins the
// version visible at open time: a write committed while the handle is open
// does not change the bytes it reads.
func (s *Snapshot) OpenRead() (*Reader, bool) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.fsys.Open(s.key)
	if err != nil {
		return nil, false
	}
	r := &Reader{snap: s, file: f, src: f}
	if c.compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, false
		}
		r.dec = dec
		r.src = dec
	}
	s.readCount++
	return r, true
}

// OpenWrite returns a write handle streaming into the key's dirty file.
// It reports ok=false while another write is in flight for the key;
// concurrent writers to the same key are a caller bug, not a cache
// failure, so no error is raised. A non-nil error means the cache
// directory itself is gone or unwritable.
func (s *Snapshot) OpenWrite() (w *Writer, ok bool, err error) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.writing {
		return nil, false, nil
	}
	dirty := s.key + dirtySuffix
	f, err := c.fsys.Create(dirty)
	if err != nil {
		return nil, false, fmt.Errorf("diskcache: open dirty file for %q: %w", s.key, err)
	}
	w = &Writer{snap: s, file: f, dst: f}
	if c.compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			_ = c.removeIfExists(dirty)
			return nil, false, fmt.Errorf("diskcache: compress dirty file for %q: %w", s.key, err)
		}
		w.enc = enc
		w.dst = enc
	}
	s.writing = true
	return w, true, nil
}

// Delete requests removal of the key. The request is idempotent. When the
// key is idle the clean file is removed immediately; otherwise the request
// is latched and applied as soon as the last handle closes.
func (s *Snapshot) Delete() error {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.wantDelete {
		return nil
	}
	s.wantDelete = true
	if s.readCount == 0 && !s.writing {
		return c.deleteSnapshot(s)
	}
	return nil
}

// latchError records a payload stream failure on the snapshot. The commit
// at close time degrades to an abort when the flag is set.
func (s *Snapshot) latchError() {
	s.cache.mu.Lock()
	s.hasErrors = true
	s.cache.mu.Unlock()
}

// Reader is a read handle over one committed value. It owns exactly one
// increment of the snapshot's reader count, released on the first Close.
type Reader struct {
	snap *Snapshot
	file billy.File
	dec  *zstd.Decoder
	src  io.Reader

	mu     sync.Mutex
	closed bool
}

// Read reads from the pinned version of the value.
func (r *Reader) Read(p []byte) (int, error) {
	return r.src.Read(p)
}

// Close releases the handle. It is safe to call more than once; only the
// first call releases the reader count. A failure closing the underlying
// file never blocks the state transition.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.dec != nil {
		r.dec.Close()
	}
	cerr := r.file.Close()
	if cerr != nil {
		r.snap.cache.log().Warn("closing read handle", "key", r.snap.key, "error", cerr)
	}
	c := r.snap.cache
	c.mu.Lock()
	err := c.completeRead(r.snap)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return cerr
}

// Writer is a write handle streaming into the key's dirty file. Payload
// errors are latched rather than returned; Close commits the accumulated
// bytes unless an error was latched, in which case the dirty file is
// discarded and the clean file is left untouched.
type Writer struct {
	snap *Snapshot
	file billy.File
	enc  *zstd.Encoder
	dst  io.Writer

	mu     sync.Mutex
	closed bool
}

// Write appends to the dirty file. It never fails from the caller's
// perspective; any underlying error is latched and resolved at commit time.
func (w *Writer) Write(p []byte) (int, error) {
	if _, err := w.dst.Write(p); err != nil {
		w.snap.latchError()
	}
	return len(p), nil
}

// Close flushes the dirty file and commits the write. The commit is
// finalized immediately when no readers are open, otherwise when the last
// reader closes. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.snap.latchError()
		}
	}
	if err := w.file.Close(); err != nil {
		w.snap.latchError()
		w.snap.cache.log().Warn("closing write handle", "key", w.snap.key, "error", err)
	}
	c := w.snap.cache
	c.mu.Lock()
	err := c.commitWrite(w.snap)
	c.mu.Unlock()
	return err
}

// Discard aborts the write: the dirty file is removed and the previously
// committed value, if any, is left unchanged.
func (w *Writer) Discard() error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		w.snap.latchError()
	}
	return w.Close()
}
