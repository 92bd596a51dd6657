// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package repo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestCreateRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		params Params
	}{
		{"zero size", Params{Size: 0, ChunkSize: 1 << 20}},
		{"zero chunk size", Params{Size: 1 << 30, ChunkSize: 0}},
		{"negative size", Params{Size: -1, ChunkSize: 1 << 20}},
		{"unaligned chunk size", Params{Size: 1 << 30, ChunkSize: 4096 + 512}},
		{"giant chunk size", Params{Size: 1 << 40, ChunkSize: 8 << 30}},
		{"negative major", Params{Major: -1, Size: 1 << 30, ChunkSize: 1 << 20}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "repo")

			if _, err := Create(root, c.params); err == nil {
				t.Fatal("expected an error")
			}

			// No repository may be left behind.
			if _, err := os.Stat(filepath.Join(root, metaFileName)); !os.IsNotExist(err) {
				t.Errorf("metadata file exists after failed create: %v", err)
			}
		})
	}
}

func TestCreateRejectsExisting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	params := Params{Size: 1 << 30, ChunkSize: 32 << 20}

	if _, err := Create(root, params); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Create(root, params); err == nil {
		t.Fatal("second create on the same root must fail")
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	params := Params{Major: 3, Size: 1 << 30, ChunkSize: 32 << 20}

	if _, err := Create(root, params); err != nil {
		t.Fatalf("create: %v", err)
	}

	r, table, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if diff := deep.Equal(r.Params(), params); diff != nil {
		t.Error(diff)
	}

	// ceil(1Gi / 32Mi) = 32 chunks, none allocated after init.
	if table.Count() != 32 {
		t.Errorf("table has %d entries, want 32", table.Count())
	}
	if table.AllocatedCount() != 0 {
		t.Errorf("fresh table has %d allocated chunks", table.AllocatedCount())
	}
}

func TestChunkGeometry(t *testing.T) {
	// 100 MiB device with 32 MiB chunks: three full chunks and a
	// partial 4 MiB final one.
	params := Params{Size: 100 << 20, ChunkSize: 32 << 20}

	if params.Chunks() != 4 {
		t.Fatalf("got %d chunks, want 4", params.Chunks())
	}
	if got := params.ChunkExtent(0); got != 32<<20 {
		t.Errorf("chunk 0 extent %d, want %d", got, 32<<20)
	}
	if got := params.ChunkExtent(3); got != 4<<20 {
		t.Errorf("chunk 3 extent %d, want %d", got, 4<<20)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestPersistTableRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, Params{Size: 256 << 20, ChunkSize: 16 << 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	table := NewTable(r.Params().Chunks())
	table.SetAllocated(0)
	table.SetAllocated(7)
	table.SetAllocated(15)

	if err := r.PersistTable(table); err != nil {
		t.Fatalf("persist: %v", err)
	}

	_, loaded, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var got, want []int64
	for i := int64(0); i < table.Count(); i++ {
		if table.Allocated(i) {
			want = append(want, i)
		}
		if loaded.Allocated(i) {
			got = append(got, i)
		}
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestLoadDetectsCorruptTable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	if _, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20}); err != nil {
		t.Fatalf("create: %v", err)
	}

	path := filepath.Join(root, tableFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Flip one payload byte, the checksum has to catch it.
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := Load(root); err == nil {
		t.Fatal("corrupt table must fail to load")
	}
}

func TestLoadDetectsCorruptMeta(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	if _, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		meta string
	}{
		{"missing size", "version 1\nmajor 0\nchunk-size 16777216\n"},
		{"unknown setting", "version 1\nmajor 0\nsize 67108864\nchunk-size 16777216\nbogus 1\n"},
		{"bad value", "version 1\nmajor 0\nsize large\nchunk-size 16777216\n"},
		{"wrong version", "version 9\nmajor 0\nsize 67108864\nchunk-size 16777216\n"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := os.WriteFile(filepath.Join(root, metaFileName), []byte(c.meta), 0644)
			if err != nil {
				t.Fatal(err)
			}

			if _, _, err := Load(root); err == nil {
				t.Fatal("corrupt metadata must fail to load")
			}
		})
	}
}

func TestMetaAllowsComments(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	if _, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20}); err != nil {
		t.Fatalf("create: %v", err)
	}

	meta := "# provisioned by hand\nversion 1\nmajor 2\n\nsize 67108864\nchunk-size 16777216\n"
	if err := os.WriteFile(filepath.Join(root, metaFileName), []byte(meta), 0644); err != nil {
		t.Fatal(err)
	}

	r, _, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Params().Major != 2 {
		t.Errorf("major %d, want 2", r.Params().Major)
	}
}

func TestExpand(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mark a chunk allocated so we can check expansion keeps it.
	table := NewTable(r.Params().Chunks())
	table.SetAllocated(2)
	if err := r.PersistTable(table); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// 1 byte rounds up to a whole extra chunk.
	size, err := r.Expand(1)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if size != 80<<20 {
		t.Errorf("expanded size %d, want %d", size, 80<<20)
	}

	loaded, grown, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Params().Size != 80<<20 {
		t.Errorf("persisted size %d, want %d", loaded.Params().Size, 80<<20)
	}
	if grown.Count() != 5 {
		t.Errorf("table has %d entries, want 5", grown.Count())
	}
	if !grown.Allocated(2) {
		t.Error("expansion lost an allocated chunk")
	}
	if grown.Allocated(4) {
		t.Error("new chunk must start unallocated")
	}

	if _, err := r.Expand(0); err == nil {
		t.Error("expanding by zero must fail")
	}
}

// A table persisted before a crash-interrupted expand is shorter than
// the metadata demands and must load as stale, not corrupt.
func TestLoadGrowsStaleTable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	meta := "version 1\nmajor 0\nsize 134217728\nchunk-size 16777216\n"
	if err := os.WriteFile(filepath.Join(root, metaFileName), []byte(meta), 0644); err != nil {
		t.Fatal(err)
	}

	_, table, err := Load(r.Root())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Count() != 8 {
		t.Errorf("table has %d entries, want 8", table.Count())
	}
}

func TestTableConcurrentSet(t *testing.T) {
	table := NewTable(1024)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 1024; i++ {
				table.SetAllocated(i)
			}
		}()
	}
	wg.Wait()

	if table.AllocatedCount() != 1024 {
		t.Errorf("got %d allocated, want 1024", table.AllocatedCount())
	}
}

func TestFlusherCoalescesAndSyncs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	table := NewTable(r.Params().Chunks())
	f := NewFlusher(r, table, time.Hour) // window never fires in the test

	table.SetAllocated(1)
	f.MarkDirty()
	table.SetAllocated(3)
	f.MarkDirty()

	// Nothing is persisted before Sync since the window is huge.
	if _, loaded, err := Load(root); err != nil {
		t.Fatal(err)
	} else if loaded.AllocatedCount() != 0 {
		t.Error("table persisted before the window expired")
	}

	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, loaded, err := Load(root); err != nil {
		t.Fatal(err)
	} else if !loaded.Allocated(1) || !loaded.Allocated(3) {
		t.Error("sync did not persist pending allocations")
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestFlusherStopPersistsPending(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, Params{Size: 64 << 20, ChunkSize: 16 << 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	table := NewTable(r.Params().Chunks())
	f := NewFlusher(r, table, time.Hour)

	table.SetAllocated(2)
	f.MarkDirty()

	if err := f.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, loaded, err := Load(root); err != nil {
		t.Fatal(err)
	} else if !loaded.Allocated(2) {
		t.Error("stop did not persist the pending allocation")
	}
}
