// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch turns logical device operations into chunk file
// operations. An operation covering several chunks is split into
// per-chunk parts which are served concurrently; reads of unallocated
// chunks are synthesized as zeros without touching disk. The API is
// plain and synchronous so the dispatcher is testable without the
// kernel ring behind it.
package dispatch

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/asch/fbd/internal/fbd/chunk"
	"github.com/asch/fbd/internal/fbd/repo"
)

// Stride for zeroing ranges of a chunk file in place.
const zeroStride = 1 << 20

// ErrOutOfRange is returned for operations touching bytes past the
// declared logical size of the device.
var ErrOutOfRange = errors.New("operation past the end of the device")

// Syncer makes pending allocation table updates durable. Satisfied by
// repo.Flusher.
type Syncer interface {
	Sync() error
}

// Dispatcher serves read, write, flush and discard operations on the
// logical byte range of the device.
type Dispatcher struct {
	params repo.Params
	engine *chunk.Engine
	syncer Syncer
}

// Part of an operation fully contained in one chunk.
type part struct {
	index  int64 // chunk index
	off    int64 // chunk-relative offset
	bufOff int64 // offset of the part in the operation buffer
	length int64
}

// New returns a dispatcher over the chunk engine.
func New(params repo.Params, engine *chunk.Engine, syncer Syncer) *Dispatcher {
	return &Dispatcher{
		params: params,
		engine: engine,
		syncer: syncer,
	}
}

// Splits [off, off+length) into per-chunk parts in address order. A
// part never crosses a chunk boundary and the whole range must lie
// inside the device.
func (d *Dispatcher) split(off, length int64) ([]part, error) {
	if off < 0 || length < 0 || off+length > d.params.Size {
		return nil, fmt.Errorf("%w: offset %d length %d size %d",
			ErrOutOfRange, off, length, d.params.Size)
	}

	parts := make([]part, 0, length/d.params.ChunkSize+2)

	var bufOff int64
	for length > 0 {
		index := off / d.params.ChunkSize
		within := off % d.params.ChunkSize
		n := d.params.ChunkSize - within
		if n > length {
			n = length
		}

		parts = append(parts, part{
			index:  index,
			off:    within,
			bufOff: bufOff,
			length: n,
		})

		off += n
		bufOff += n
		length -= n
	}

	return parts, nil
}

// ReadAt fills buf with the device contents at off. Parts backed by a
// chunk file are read at their chunk-relative offset, the rest is
// zero-filled.
func (d *Dispatcher) ReadAt(buf []byte, off int64) error {
	parts, err := d.split(off, int64(len(buf)))
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, p := range parts {
		p := p
		g.Go(func() error {
			return d.readPart(p, buf[p.bufOff:p.bufOff+p.length])
		})
	}

	return g.Wait()
}

func (d *Dispatcher) readPart(p part, buf []byte) error {
	f, err := d.engine.Resolve(p.index, false)
	if err != nil {
		return err
	}

	if f == nil {
		// The shared buffer may hold stale bytes from a previous
		// request, zero it explicitly.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	if _, err := f.ReadAt(buf, p.off); err != nil {
		return fmt.Errorf("reading chunk %d: %w", p.index, err)
	}

	return nil
}

// WriteAt writes buf to the device at off, allocating any chunk the
// write is the first to touch.
func (d *Dispatcher) WriteAt(buf []byte, off int64) error {
	parts, err := d.split(off, int64(len(buf)))
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, p := range parts {
		p := p
		g.Go(func() error {
			return d.writePart(p, buf[p.bufOff:p.bufOff+p.length])
		})
	}

	return g.Wait()
}

func (d *Dispatcher) writePart(p part, buf []byte) error {
	f, err := d.engine.Resolve(p.index, true)
	if err != nil {
		return err
	}

	if _, err := f.WriteAt(buf, p.off); err != nil {
		return fmt.Errorf("writing chunk %d: %w", p.index, err)
	}

	return nil
}

// Flush blocks until all previously completed writes and all pending
// allocation table updates are durable.
func (d *Dispatcher) Flush() error {
	if err := d.engine.FlushAll(); err != nil {
		return err
	}

	return d.syncer.Sync()
}

// Discard zeroes [off, off+length) in place. Unallocated chunks
// already read as zeros and stay unallocated; allocated chunks keep
// their backing file at full size, so the allocation table stays
// monotonic and recovery stays simple.
func (d *Dispatcher) Discard(off, length int64) error {
	parts, err := d.split(off, length)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, p := range parts {
		p := p
		g.Go(func() error {
			return d.discardPart(p)
		})
	}

	return g.Wait()
}

func (d *Dispatcher) discardPart(p part) error {
	f, err := d.engine.Resolve(p.index, false)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	zeros := make([]byte, min64(p.length, zeroStride))

	for off, left := p.off, p.length; left > 0; {
		n := min64(left, zeroStride)
		if _, err := f.WriteAt(zeros[:n], off); err != nil {
			return fmt.Errorf("zeroing chunk %d: %w", p.index, err)
		}
		off += n
		left -= n
	}

	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
