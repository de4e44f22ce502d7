package diskcache

import (
	"log/slog"

	"github.com/go-git/go-billy/v5"
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for trim passes, dirty-file cleanup and
// stream-close failures. Logging is disabled when unset.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithFilesystem replaces the filesystem backing the cache. The filesystem
// must be rooted at the cache directory; the dir argument of Open is
// ignored. Intended for in-memory filesystems and fault injection in tests.
func WithFilesystem(fsys billy.Filesystem) Option {
	return func(c *Cache) {
		c.fsys = fsys
	}
}

// WithCompression stores values zstd-compressed. Write handles compress
// transparently and read handles decompress; size accounting and eviction
// operate on the compressed on-disk lengths. A cache directory must be
// used consistently with or without compression.
func WithCompression() Option {
	return func(c *Cache) {
		c.compress = true
	}
}
