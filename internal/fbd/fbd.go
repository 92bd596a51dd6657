// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package fbd

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/fbd/internal/config"
	"github.com/asch/fbd/internal/fbd/chunk"
	"github.com/asch/fbd/internal/fbd/dispatch"
	"github.com/asch/fbd/internal/fbd/recovery"
	"github.com/asch/fbd/internal/fbd/repo"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WRITE_ITEM_SIZE = 32

	// Sector is a linux constant, which is always 512, no matter how big your sectors or blocks
	// are. Please be careful since the terminology is ambiguous.
	sectorUnit = 512
)

// Device implements the BuseReadWriter interface which can be passed
// to the buse package. Buse wraps the communication with the BUSE
// kernel module; everything below it is the file-backed storage
// engine. The device session owns the live chunk handles, the
// in-memory allocation table and the background table flusher; it is
// created over an existing repository and destroyed at shutdown.
type Device struct {
	repo       *repo.Repository
	table      *repo.Table
	flusher    *repo.Flusher
	engine     *chunk.Engine
	dispatcher *dispatch.Dispatcher

	// Whether a write batch is made durable before it is acknowledged.
	durable bool

	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	write_item_size int

	// Size of the chunk portion which contains all writes metadata.
	// After this metadata_size offset real data are stored.
	metadata_size int
}

// Open loads the repository at root, runs recovery and returns a
// device session ready to be registered. Recovery has to finish
// before the kernel can deliver the first request, which is why it
// runs here and not in BusePreRun.
func Open(root string) (*Device, error) {
	r, table, err := repo.Load(root)
	if err != nil {
		return nil, err
	}

	if err := recovery.Run(r, table, config.Cfg.Recovery.Strict); err != nil {
		return nil, err
	}

	window := time.Duration(config.Cfg.Flush.WindowMs) * time.Millisecond
	flusher := repo.NewFlusher(r, table, window)
	engine := chunk.New(r, table, flusher, config.Cfg.DirectIO)

	d := &Device{
		repo:            r,
		table:           table,
		flusher:         flusher,
		engine:          engine,
		dispatcher:      dispatch.New(r.Params(), engine, flusher),
		durable:         config.Cfg.Write.Durable,
		write_item_size: WRITE_ITEM_SIZE,
		metadata_size:   config.Cfg.Write.ChunkSize / config.Cfg.BlockSize * WRITE_ITEM_SIZE,
	}

	return d, nil
}

// Params returns the device parameters from the repository metadata.
func (d *Device) Params() repo.Params {
	return d.repo.Params()
}

// Dispatcher exposes the synchronous operation interface backing the
// device, mainly for tests and tooling that bypass the kernel.
func (d *Device) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// One write in the metadata section of a write batch, converted to
// byte units.
type writeItem struct {
	off    int64
	length int64
}

// Parses write extent information from 32 bytes of raw memory. The
// kernel counts in 512 byte sectors; the two trailing words (sequence
// number and flags) are reserved and not needed here.
func parseWriteItem(b []byte) writeItem {
	return writeItem{
		off:    int64(binary.LittleEndian.Uint64(b[:8])) * sectorUnit,
		length: int64(binary.LittleEndian.Uint64(b[8:16])) * sectorUnit,
	}
}

// Handle writes coming from the buse library. writes is the number of
// write commands in this call and chunk is the shared memory where
// they are stored, metadata first until metadata_size, then the data
// of all writes in the same order. Every write is dispatched on its
// own; a batch whose writes all succeed is optionally made durable
// before it is acknowledged to the kernel.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	metadata := chunk[:d.metadata_size]
	data := chunk[d.metadata_size:]

	for i := int64(0); i < writes; i++ {
		w := parseWriteItem(metadata[:d.write_item_size])

		if err := d.dispatcher.WriteAt(data[:w.length], w.off); err != nil {
			log.Error().Err(err).Int64("offset", w.off).Int64("length", w.length).
				Msg("Write failed")
			return err
		}

		metadata = metadata[d.write_item_size:]
		data = data[w.length:]
	}

	if d.durable {
		return d.dispatcher.Flush()
	}

	return nil
}

// Read extent starting at sector with length length into the shared
// buffer chunk. Both are counted in device blocks.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	blockSize := int64(config.Cfg.BlockSize)

	err := d.dispatcher.ReadAt(chunk[:length*blockSize], sector*blockSize)
	if err != nil {
		log.Error().Err(err).Int64("sector", sector).Int64("length", length).
			Msg("Read failed")
	}

	return err
}

// Recovery already ran in Open, before the device registered. Nothing
// left to do before the kernel communication starts.
func (d *Device) BusePreRun() {
	log.Info().
		Int64("size", d.repo.Params().Size).
		Int64("chunk_size", d.repo.Params().ChunkSize).
		Int64("allocated", d.table.AllocatedCount()).
		Msg("Serving")
}

// After disconnecting from the kernel module and just before shutting
// the daemon down, flush everything and close the chunk handles.
func (d *Device) BusePostRemove() {
	d.Close()
}

// Close flushes outstanding data and metadata and closes all chunk
// handles. In-flight operations have already drained when buse calls
// BusePostRemove.
func (d *Device) Close() {
	if err := d.engine.FlushAll(); err != nil {
		log.Error().Err(err).Msg("Flushing chunks during shutdown failed")
	}

	if err := d.flusher.Stop(); err != nil {
		log.Error().Err(err).Msg("Final allocation table write failed")
	}

	d.engine.CloseAll()
}
