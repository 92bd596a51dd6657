// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package repo

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// Table is the allocation table of a device: one bit per chunk, set
// when the chunk has a backing file. Bits are read and set atomically
// so the table can be consulted by many concurrent operations and
// snapshotted by the background flusher without a global lock. Bits
// are only ever set, never cleared; the table is monotonic for the
// lifetime of a device.
type Table struct {
	count int64
	words []uint64
}

// Serialized form of the table. Exported fields because of gob.
type tableFile struct {
	Version int
	Count   int64
	Words   []uint64
}

// NewTable returns a table with count entries, all unallocated.
func NewTable(count int64) *Table {
	return &Table{
		count: count,
		words: make([]uint64, (count+63)/64),
	}
}

// Count returns the number of entries in the table.
func (t *Table) Count() int64 {
	return t.count
}

// Allocated reports whether the chunk with the given index has a
// backing file.
func (t *Table) Allocated(index int64) bool {
	word := atomic.LoadUint64(&t.words[index/64])
	return word&(1<<(index%64)) != 0
}

// SetAllocated marks the chunk with the given index as allocated.
func (t *Table) SetAllocated(index int64) {
	addr := &t.words[index/64]
	bit := uint64(1) << (index % 64)

	for {
		old := atomic.LoadUint64(addr)
		if old&bit != 0 || atomic.CompareAndSwapUint64(addr, old, old|bit) {
			return
		}
	}
}

// AllocatedCount returns the number of allocated chunks.
func (t *Table) AllocatedCount() int64 {
	var n int64
	for i := int64(0); i < t.count; i++ {
		if t.Allocated(i) {
			n++
		}
	}
	return n
}

// Extends the table to count entries, the new entries unallocated.
func (t *Table) grow(count int64) {
	if count <= t.count {
		return
	}

	words := make([]uint64, (count+63)/64)
	copy(words, t.snapshot())

	t.count = count
	t.words = words
}

// Returns a point-in-time copy of the bitmap words. The copy is not
// necessarily a consistent cut across words, which is fine: bits are
// monotonic, so a snapshot can only miss allocations that raced with
// it, never invent or lose ones that were already durable.
func (t *Table) snapshot() []uint64 {
	words := make([]uint64, len(t.words))
	for i := range t.words {
		words[i] = atomic.LoadUint64(&t.words[i])
	}
	return words
}

// PersistTable durably replaces the on-disk allocation table with the
// current state of table. A crash during the call leaves either the
// previous or the new version on disk.
func (r *Repository) PersistTable(table *Table) error {
	var buf bytes.Buffer

	err := gob.NewEncoder(&buf).Encode(tableFile{
		Version: metaVersion,
		Count:   table.count,
		Words:   table.snapshot(),
	})
	if err != nil {
		return err
	}

	sum := blake3.Sum256(buf.Bytes())
	data := append(sum[:], buf.Bytes()...)

	return atomicReplace(r.tablePath(), data)
}

// Reads and verifies the allocation table. A table persisted before a
// crash-interrupted expand may be shorter than the metadata demands;
// it is grown with unallocated entries, which recovery then
// reconciles. A longer table cannot happen and is corruption.
func loadTable(path string, count int64) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: allocation table missing", ErrCorrupt)
		}
		return nil, err
	}

	if len(data) < 32 {
		return nil, fmt.Errorf("%w: allocation table truncated", ErrCorrupt)
	}

	sum := blake3.Sum256(data[32:])
	if !bytes.Equal(sum[:], data[:32]) {
		return nil, fmt.Errorf("%w: allocation table checksum mismatch", ErrCorrupt)
	}

	var tf tableFile
	if err := gob.NewDecoder(bytes.NewReader(data[32:])).Decode(&tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if tf.Version != metaVersion {
		return nil, fmt.Errorf("%w: unsupported table version %d", ErrCorrupt, tf.Version)
	}
	if tf.Count > count || int64(len(tf.Words)) != (tf.Count+63)/64 {
		return nil, fmt.Errorf("%w: allocation table has %d entries, device has %d chunks",
			ErrCorrupt, tf.Count, count)
	}

	table := &Table{count: tf.Count, words: tf.Words}
	table.grow(count)

	return table, nil
}
