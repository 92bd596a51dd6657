// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package repo

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Flusher persists the allocation table in the background. All
// requests are funneled through channels into a single worker, which
// both serializes the persistence and coalesces bursts of allocations
// within one window into a single table write. A chunk allocation is
// already rediscoverable from the chunk file itself, so deferring the
// table write is safe; the table on disk may be stale but never
// corrupt.
type Flusher struct {
	repo  *Repository
	table *Table

	// Coalescing window between the first dirty notification and the
	// table write it triggers.
	window time.Duration

	// Internal channels.
	dirtyChan chan struct{}
	syncChan  chan chan error
	stopChan  chan chan error
}

// NewFlusher returns a running flusher for the table. It has to be
// stopped with Stop to get a final durable table write.
func NewFlusher(repo *Repository, table *Table, window time.Duration) *Flusher {
	f := &Flusher{
		repo:      repo,
		table:     table,
		window:    window,
		dirtyChan: make(chan struct{}, 1),
		syncChan:  make(chan chan error),
		stopChan:  make(chan chan error),
	}

	go f.worker()

	return f
}

// MarkDirty notes that the in-memory table has new allocations. It
// never blocks; a notification is dropped only when one is already
// pending, which carries the same information.
func (f *Flusher) MarkDirty() {
	select {
	case f.dirtyChan <- struct{}{}:
	default:
	}
}

// Sync blocks until every allocation made before the call is durably
// recorded in the on-disk table.
func (f *Flusher) Sync() error {
	reply := make(chan error)
	f.syncChan <- reply
	return <-reply
}

// Stop persists any pending state and shuts the worker down. The
// flusher must not be used afterwards.
func (f *Flusher) Stop() error {
	reply := make(chan error)
	f.stopChan <- reply
	return <-reply
}

// Worker loop. Owns the dirty state and the coalescing timer.
func (f *Flusher) worker() {
	var timerC <-chan time.Time
	var timer *time.Timer
	dirty := false

	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		dirty = false
	}

	for {
		select {
		case <-f.dirtyChan:
			if !dirty {
				dirty = true
				timer = time.NewTimer(f.window)
				timerC = timer.C
			}

		case <-timerC:
			if err := f.persist(); err != nil {
				// The next window retries; allocations stay
				// rediscoverable from the chunk files meanwhile.
				log.Error().Err(err).Msg("Background table write failed")
				timer = time.NewTimer(f.window)
				timerC = timer.C
				continue
			}
			disarm()

		case reply := <-f.syncChan:
			var err error
			if dirty {
				err = f.persist()
			}
			if err == nil {
				disarm()
			}
			reply <- err

		case reply := <-f.stopChan:
			var err error
			if dirty {
				err = f.persist()
			}
			reply <- err
			return
		}
	}
}

func (f *Flusher) persist() error {
	return f.repo.PersistTable(f.table)
}
