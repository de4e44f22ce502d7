package diskcache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondWriterRefused(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 100)
	snap, err := c.Snapshot("k")
	require.NoError(t, err)

	w1, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)

	w2, ok, err := snap.OpenWrite()
	require.NoError(t, err, "a concurrent writer is caller misuse, not a cache failure")
	assert.False(t, ok)
	assert.Nil(t, w2)

	require.NoError(t, w1.Close())

	// After the first write completes, a new write may begin.
	w3, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w3.Close())
}

func TestDiscardLeavesCleanFileUntouched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k", []byte("stable"))

	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	w, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = w.Write([]byte("half-written garbage"))
	require.NoError(t, err)
	require.NoError(t, w.Discard())

	got, ok := get(t, c, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("stable"), got)
	assert.Equal(t, int64(len("stable")), c.Size())

	_, err = os.Stat(filepath.Join(dir, "k"+dirtySuffix))
	assert.True(t, errors.Is(err, os.ErrNotExist), "dirty file should be removed on discard")
}

// failFS wraps a filesystem so that writes to newly created files fail once
// the fail flag is set, simulating a full or broken disk mid-stream.
type failFS struct {
	billy.Filesystem
	fail *atomic.Bool
}

type failFile struct {
	billy.File
	fail *atomic.Bool
}

func (f failFile) Write(p []byte) (int, error) {
	if f.fail.Load() {
		return 0, errors.New("simulated write failure")
	}
	return f.File.Write(p)
}

func (fs failFS) Create(name string) (billy.File, error) {
	f, err := fs.Filesystem.Create(name)
	if err != nil {
		return nil, err
	}
	return failFile{File: f, fail: fs.fail}, nil
}

func TestLatchedWriteErrorAbortsCommit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var fail atomic.Bool
	c, err := Open(dir, 100, WithFilesystem(failFS{Filesystem: osfs.New(dir), fail: &fail}))
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k", []byte("prior"))

	fail.Store(true)
	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	w, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)

	// Stream failures are latched, never surfaced to the writer.
	n, err := w.Write([]byte("doomed"))
	assert.NoError(t, err)
	assert.Equal(t, len("doomed"), n)
	require.NoError(t, w.Close())
	fail.Store(false)

	got, ok := get(t, c, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("prior"), got, "latched error must degrade the commit to an abort")
	assert.Equal(t, int64(len("prior")), c.Size())
}

func TestReaderPinsVersionAcrossCommit(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 1<<20)
	put(t, c, "k", []byte("old"))

	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	r, ok := snap.OpenRead()
	require.True(t, ok)

	// Commit a new version while the reader is open. Finalization is
	// deferred until the last reader closes.
	w, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = w.Write([]byte("new value"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
	require.NoError(t, r.Close())

	got, ok = get(t, c, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new value"), got)
	assert.Equal(t, int64(len("new value")), c.Size())
}

func TestDeleteDeferredUntilReaderCloses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k", []byte("value"))

	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	r, ok := snap.OpenRead()
	require.True(t, ok)

	require.NoError(t, snap.Delete())
	require.NoError(t, snap.Delete(), "delete requests are idempotent")

	_, err = os.Stat(filepath.Join(dir, "k"))
	require.NoError(t, err, "delete must be deferred while a reader is open")

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	require.NoError(t, r.Close())

	_, err = os.Stat(filepath.Join(dir, "k"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "delete applies when the last reader closes")
	assert.Equal(t, int64(0), c.Size())

	// The key is forgotten: a fresh snapshot has no readable value.
	fresh, err := c.Snapshot("k")
	require.NoError(t, err)
	_, ok = fresh.OpenRead()
	assert.False(t, ok)
}

func TestDeleteIdleRemovesImmediately(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k", []byte("value"))
	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	require.NoError(t, snap.Delete())

	_, err = os.Stat(filepath.Join(dir, "k"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, int64(0), c.Size())
	assert.Empty(t, c.Keys())
}

func TestDeleteDuringWriteAppliesAtCommit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()

	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	w, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = w.Write([]byte("value"))
	require.NoError(t, err)

	require.NoError(t, snap.Delete())
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "k"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "pending delete applies at write completion")
	assert.Equal(t, int64(0), c.Size())
	assert.Empty(t, c.Keys())
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 100)
	put(t, c, "k", []byte("value"))

	snap, err := c.Snapshot("k")
	require.NoError(t, err)
	r, ok := snap.OpenRead()
	require.True(t, ok)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "second close is a no-op")

	w, ok, err := snap.OpenWrite()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
}

func TestOpenReadMissingKey(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 100)
	snap, err := c.Snapshot("absent")
	require.NoError(t, err)
	r, ok := snap.OpenRead()
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestSnapshotLengthAndLastModified(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 100)
	snap, err := c.Snapshot("k")
	require.NoError(t, err)

	assert.Equal(t, int64(0), snap.Length())
	assert.True(t, snap.LastModified().IsZero())

	put(t, c, "k", []byte("12345"))
	assert.Equal(t, int64(5), snap.Length())
	assert.False(t, snap.LastModified().IsZero())
}

func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, 1<<20, WithCompression())
	require.NoError(t, err)
	defer c.Close()

	content := make([]byte, 0, 4096)
	for i := 0; i < 256; i++ {
		content = append(content, []byte("compressible ")...)
	}
	put(t, c, "k", content)

	got, ok := get(t, c, "k")
	require.True(t, ok)
	assert.Equal(t, content, got)

	// Size accounting follows the compressed on-disk length.
	info, err := os.Stat(filepath.Join(dir, "k"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), c.Size())
	assert.Less(t, info.Size(), int64(len(content)))
}
