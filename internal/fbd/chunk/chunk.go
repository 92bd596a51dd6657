// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package chunk tracks which chunks of the device have backing
// storage and hands out their file handles. The engine is an arena of
// per-chunk cells, so operations on unrelated chunks never contend
// with each other; only concurrent first-touch writers of the same
// chunk serialize on the cell and exactly one of them creates the
// backing file.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/asch/fbd/internal/fbd/repo"
)

// Notifier is told about fresh allocations that still have to reach
// the durable allocation table. Satisfied by repo.Flusher.
type Notifier interface {
	MarkDirty()
}

// Engine resolves chunk indexes to open backing files, allocating
// them on first write.
type Engine struct {
	repo     *repo.Repository
	table    *repo.Table
	notifier Notifier
	directIO bool

	cells []cell
}

// One cell per chunk. The opened flag is the lock-free fast path for
// chunks whose handle is already cached; everything else happens
// under the cell mutex. f is immutable once opened is set.
type cell struct {
	mu     sync.Mutex
	opened uint32
	f      *os.File
}

// New returns an engine over the repository and its reconciled
// allocation table. With directIO the backing files are opened with
// O_DIRECT, bypassing the page cache.
func New(r *repo.Repository, table *repo.Table, notifier Notifier, directIO bool) *Engine {
	return &Engine{
		repo:     r,
		table:    table,
		notifier: notifier,
		directIO: directIO,
		cells:    make([]cell, table.Count()),
	}
}

// Resolve returns the open backing file of the chunk with the given
// index. For a read of an unallocated chunk it returns (nil, nil) and
// the caller synthesizes zeros without touching disk. For a write it
// allocates the chunk first: the file is created at its full extent
// and made durable, then the allocation is published. Concurrent
// resolvers of the same chunk block until the single in-flight
// allocation finishes and then share the handle. A failed allocation
// leaves the chunk unallocated.
func (e *Engine) Resolve(index int64, forWrite bool) (*os.File, error) {
	if index < 0 || index >= int64(len(e.cells)) {
		return nil, fmt.Errorf("chunk %d out of range", index)
	}

	c := &e.cells[index]

	if atomic.LoadUint32(&c.opened) == 1 {
		return c.f, nil
	}

	// The table bit is set only after an allocation is fully done, so
	// an unset bit means the chunk holds zeros at this instant.
	if !forWrite && !e.table.Allocated(index) {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadUint32(&c.opened) == 1 {
		return c.f, nil
	}

	var f *os.File
	var err error

	if e.table.Allocated(index) {
		f, err = e.open(index)
	} else {
		if !forWrite {
			return nil, nil
		}
		f, err = e.allocate(index)
	}
	if err != nil {
		return nil, err
	}

	c.f = f
	atomic.StoreUint32(&c.opened, 1)

	return f, nil
}

// Opens the backing file of an already allocated chunk. Recovery has
// verified its existence and size before the session started.
func (e *Engine) open(index int64) (*os.File, error) {
	f, err := e.openFile(e.repo.ChunkPath(index), os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("opening chunk %d: %w", index, err)
	}
	return f, nil
}

// Creates the backing file of a previously unallocated chunk, sized
// to its true extent, and makes it durable before the allocation is
// published. The table update may trail behind in the background
// flusher: recovery rediscovers the allocation from the file itself.
func (e *Engine) allocate(index int64) (*os.File, error) {
	path := e.repo.ChunkPath(index)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("allocating chunk %d: %w", index, err)
	}

	f, err := e.openFile(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, fmt.Errorf("allocating chunk %d: %w", index, err)
	}

	err = f.Truncate(e.repo.Params().ChunkExtent(index))
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = repo.SyncDir(dir)
	}
	if err == nil {
		err = repo.SyncDir(e.repo.ChunksDir())
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("allocating chunk %d: %w", index, err)
	}

	e.table.SetAllocated(index)
	e.notifier.MarkDirty()

	return f, nil
}

func (e *Engine) openFile(path string, flags int) (*os.File, error) {
	if e.directIO {
		return directio.OpenFile(path, flags, 0644)
	}
	return os.OpenFile(path, flags, 0644)
}

// FlushAll fdatasyncs every open chunk handle. Chunk files never
// change size after allocation, so fdatasync is enough.
func (e *Engine) FlushAll() error {
	var firstErr error

	for i := range e.cells {
		c := &e.cells[i]
		if atomic.LoadUint32(&c.opened) != 1 {
			continue
		}
		if err := unix.Fdatasync(int(c.f.Fd())); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing chunk %d: %w", i, err)
		}
	}

	return firstErr
}

// CloseAll closes every open chunk handle. The engine must not be
// used afterwards.
func (e *Engine) CloseAll() {
	for i := range e.cells {
		c := &e.cells[i]
		c.mu.Lock()
		if atomic.LoadUint32(&c.opened) == 1 {
			c.f.Close()
			atomic.StoreUint32(&c.opened, 0)
			c.f = nil
		}
		c.mu.Unlock()
	}
}
