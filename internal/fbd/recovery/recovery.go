// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package recovery reconciles the persisted allocation table with the
// actual contents of the chunks directory. It runs once per session,
// before any I/O is served, and restores the invariant that a chunk
// is marked allocated exactly when its backing file exists at its
// expected size.
//
// Two kinds of inconsistency can be found after an unclean shutdown:
//
// A chunk file exists but the table does not know it. The allocation
// happened after the last table write landed. The file is durable and
// authoritative, the table is merely stale: the chunk is adopted.
//
// A chunk is marked allocated but its file is missing or has the
// wrong size. That never happens in normal operation and means the
// repository was tampered with or the backing file system lost data.
// The default policy is to repair: the file is re-created (or
// truncated) at its expected size, confining the data loss to that
// chunk, and the repair is logged. With the strict option the session
// refuses to start instead.
package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/asch/fbd/internal/fbd/repo"
)

// ErrInconsistent is returned in strict mode when the chunk directory
// contradicts the allocation table.
var ErrInconsistent = errors.New("repository inconsistent")

// Run reconciles table against the chunks directory of r and, when
// anything had to be corrected, durably writes the table back. The
// table is only ever corrected towards allocated; no bit is cleared.
func Run(r *repo.Repository, table *repo.Table, strict bool) error {
	sizes, err := scanChunks(r)
	if err != nil {
		return err
	}

	changed := 0

	for index, size := range sizes {
		expected := r.Params().ChunkExtent(index)

		if size != expected {
			if strict {
				return fmt.Errorf("%w: chunk %d has size %d, expected %d",
					ErrInconsistent, index, size, expected)
			}
			log.Warn().Int64("chunk", index).Int64("size", size).
				Int64("expected", expected).
				Msg("Chunk file has wrong size, truncating to expected size")
			if err := recreate(r, index, expected); err != nil {
				return err
			}
		}

		if !table.Allocated(index) {
			// Allocated and written before the crash, table write had
			// not landed yet. Adopt.
			log.Info().Int64("chunk", index).Msg("Adopting chunk file unknown to the table")
			table.SetAllocated(index)
			changed++
		}
	}

	for index := int64(0); index < table.Count(); index++ {
		if !table.Allocated(index) {
			continue
		}
		if _, ok := sizes[index]; ok {
			continue
		}

		if strict {
			return fmt.Errorf("%w: chunk %d is allocated but its file is missing",
				ErrInconsistent, index)
		}
		log.Warn().Int64("chunk", index).
			Msg("Backing file of allocated chunk is missing, re-creating it empty")
		if err := recreate(r, index, r.Params().ChunkExtent(index)); err != nil {
			return err
		}
		changed++
	}

	if changed == 0 {
		return nil
	}

	log.Info().Int("chunks", changed).Msg("Corrected the allocation table")

	return r.PersistTable(table)
}

// Walks the chunks directory and returns the size of every chunk file
// found, keyed by chunk index. Entries that cannot belong to the
// device are logged and skipped; data is never deleted here.
func scanChunks(r *repo.Repository) (map[int64]int64, error) {
	sizes := make(map[int64]int64)

	subdirs, err := os.ReadDir(r.ChunksDir())
	if err != nil {
		return nil, fmt.Errorf("reading chunks directory: %w", err)
	}

	for _, subdir := range subdirs {
		if !subdir.IsDir() {
			log.Warn().Str("name", subdir.Name()).Msg("Foreign file in the chunks directory")
			continue
		}

		files, err := os.ReadDir(filepath.Join(r.ChunksDir(), subdir.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading chunks directory: %w", err)
		}

		for _, file := range files {
			index, err := strconv.ParseInt(file.Name(), 10, 64)
			if err != nil || index < 0 || index >= r.Params().Chunks() {
				log.Warn().Str("name", file.Name()).Str("dir", subdir.Name()).
					Msg("Foreign file in the chunks directory")
				continue
			}

			info, err := file.Info()
			if err != nil {
				return nil, err
			}

			sizes[index] = info.Size()
		}
	}

	return sizes, nil
}

// Durably (re-)creates the backing file of a chunk at its expected
// size. Existing contents within the new size survive a truncation;
// a missing file comes back as zeros.
func recreate(r *repo.Repository, index, size int64) error {
	path := r.ChunkPath(index)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("repairing chunk %d: %w", index, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("repairing chunk %d: %w", index, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("repairing chunk %d: %w", index, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("repairing chunk %d: %w", index, err)
	}
	if err := repo.SyncDir(dir); err != nil {
		return err
	}

	return repo.SyncDir(r.ChunksDir())
}
