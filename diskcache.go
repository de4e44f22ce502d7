package diskcache

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	dirtySuffix    = ".tmp"
	defaultDirPerm = 0o700
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Cache is a persistent LRU cache storing one file per key in a directory.
//
// A directory must be owned by exactly one Cache instance; concurrent
// external mutation of the directory is undefined behavior. All methods are
// safe for concurrent use within the process.
type Cache struct {
	fsys     billy.Filesystem // rooted at the cache directory
	maxSize  int64
	logger   *slog.Logger
	compress bool

	// mu guards size, order, index and every Snapshot's counters and
	// flags. It is held for bookkeeping and fast metadata operations
	// (stat, rename, delete) only, never across payload streaming.
	mu    sync.Mutex
	size  int64
	order *list.List               // front = least recently used
	index map[string]*list.Element // key -> element holding a *Snapshot

	trimCh    chan struct{} // capacity 1: pending trim passes coalesce
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the cache rooted at dir with the given maximum
// size in bytes. Leftover dirty files from an unclean shutdown are removed,
// existing files are registered in least-recently-modified-first order, and
// an initial trim is scheduled if the directory is already over budget.
func Open(dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("diskcache: max size must be > 0, got %d", maxSize)
	}
	c := &Cache{
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
		trimCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.fsys == nil {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return nil, fmt.Errorf("diskcache: %s is not a directory", dir)
		}
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, fmt.Errorf("diskcache: create cache directory: %w", err)
		}
		c.fsys = osfs.New(dir)
	}
	if err := c.removeDirty(); err != nil {
		return nil, err
	}
	if err := c.loadSnapshots(); err != nil {
		return nil, err
	}
	go c.trimLoop()
	c.mu.Lock()
	c.scheduleTrim()
	c.mu.Unlock()
	return c, nil
}

// Snapshot returns the cache entry for key, creating it if necessary.
// The call itself counts as an access and refreshes the key's recency.
func (c *Cache) Snapshot(key string) (*Snapshot, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q must match [a-z0-9_-]{1,64}", ErrInvalidKey, key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.order.MoveToBack(elem)
		return elem.Value.(*Snapshot), nil
	}
	snap := &Snapshot{cache: c, key: key}
	c.index[key] = c.order.PushBack(snap)
	return snap, nil
}

// Size returns the total length in bytes of all committed files.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured size bound in bytes.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Keys returns all registered keys ordered least-recently-used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Snapshot).key)
	}
	return keys
}

// Clear removes all contents of the cache directory and resets the
// in-memory registry and size counter. It does not cooperate with in-flight
// handles; callers must ensure no concurrent I/O is in progress.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos, err := c.fsys.ReadDir(".")
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := util.RemoveAll(c.fsys, info.Name()); err != nil {
			return err
		}
	}
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.size = 0
	return nil
}

// Close stops the background trim worker. In-flight handles finish
// normally; the cache remains usable for reads and writes, but no further
// eviction takes place.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// removeDirty deletes dirty files left behind by an unclean shutdown.
// They carry no durable data.
func (c *Cache) removeDirty() error {
	infos, err := c.fsys.ReadDir(".")
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !info.Mode().IsRegular() || !strings.HasSuffix(info.Name(), dirtySuffix) {
			continue
		}
		if err := c.removeIfExists(info.Name()); err != nil {
			return err
		}
		c.log().Debug("removed stale dirty file", "name", info.Name())
	}
	return nil
}

// loadSnapshots registers every regular file in the directory, oldest
// modification time first, and seeds the size counter.
func (c *Cache) loadSnapshots() error {
	infos, err := c.fsys.ReadDir(".")
	if err != nil {
		return err
	}
	regular := infos[:0]
	for _, info := range infos {
		if info.Mode().IsRegular() {
			regular = append(regular, info)
		}
	}
	sort.Slice(regular, func(i, j int) bool {
		if regular[i].ModTime().Equal(regular[j].ModTime()) {
			return regular[i].Name() < regular[j].Name()
		}
		return regular[i].ModTime().Before(regular[j].ModTime())
	})
	for _, info := range regular {
		c.size += info.Size()
		snap := &Snapshot{cache: c, key: info.Name()}
		c.index[info.Name()] = c.order.PushBack(snap)
	}
	return nil
}

// completeRead releases one reader. When the last reader leaves, a pending
// commit is finalized or a pending delete is applied. Callers must hold c.mu.
func (c *Cache) completeRead(s *Snapshot) error {
	s.readCount--
	if s.readCount < 0 {
		panic("diskcache: snapshot reader count below zero")
	}
	if s.readCount > 0 {
		return nil
	}
	if s.writing {
		if s.committed {
			return c.completeWrite(s, !s.hasErrors)
		}
		return nil
	}
	if s.wantDelete {
		return c.deleteSnapshot(s)
	}
	return nil
}

// commitWrite marks the in-flight write as committed and finalizes it
// immediately when no readers are outstanding. Callers must hold c.mu.
func (c *Cache) commitWrite(s *Snapshot) error {
	if !s.writing || s.committed {
		panic(fmt.Sprintf("diskcache: commit outside active write: writing=%t committed=%t", s.writing, s.committed))
	}
	s.committed = true
	if s.readCount == 0 {
		return c.completeWrite(s, !s.hasErrors)
	}
	return nil
}

// completeWrite finalizes an in-flight write. On success the dirty file
// atomically replaces the clean file and the size counter is adjusted; on
// failure the dirty file is discarded and the clean file is untouched.
// The write flags are reset, a pending delete is applied and a trim check
// is scheduled even when the filesystem operations fail.
// Callers must hold c.mu.
func (c *Cache) completeWrite(s *Snapshot, success bool) (err error) {
	defer func() {
		s.writing = false
		s.committed = false
		s.hasErrors = false
		if s.wantDelete {
			if derr := c.deleteSnapshot(s); derr != nil && err == nil {
				err = derr
			}
		}
		c.scheduleTrim()
	}()
	dirty := s.key + dirtySuffix
	if !success {
		return c.removeIfExists(dirty)
	}
	info, statErr := c.fsys.Stat(dirty)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return statErr
	}
	var oldLen int64
	if old, err := c.fsys.Stat(s.key); err == nil {
		oldLen = old.Size()
	}
	if err := c.fsys.Rename(dirty, s.key); err != nil {
		return err
	}
	c.size += info.Size() - oldLen
	return nil
}

// deleteSnapshot removes the clean file and unregisters the key. The size
// counter is decremented only while the key is still registered, so evicted
// or cleared entries are not double-counted. Callers must hold c.mu.
func (c *Cache) deleteSnapshot(s *Snapshot) error {
	var length int64
	if info, err := c.fsys.Stat(s.key); err == nil {
		length = info.Size()
		if err := c.removeIfExists(s.key); err != nil {
			return err
		}
	}
	if elem, ok := c.index[s.key]; ok {
		c.order.Remove(elem)
		delete(c.index, s.key)
		c.size -= length
	}
	return nil
}

// removeIfExists deletes name, tolerating an already-missing target.
func (c *Cache) removeIfExists(name string) error {
	if err := c.fsys.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
