package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// OpenDB opens a new pebble database at the provided directory.
func OpenDB(dir string) (*pebble.DB, error) {
	cache := pebble.NewCache(1 << 20)
	defer cache.Unref()

	// the database only holds reputation snapshots, a small memtable is enough
	opts := &pebble.Options{
		Cache:                       cache,
		FormatMajorVersion:          pebble.FormatNewest,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       1000,
		MemTableSize:                4 << 20,
		MemTableStopWritesThreshold: 4,
		MaxOpenFiles:                1024,
	}
	opts.EnsureDefaults()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open db for dir: %s, with: %w", dir, err)
	}
	return db, nil
}

// WithBatch executes f with a new batch and commits it if f succeeds.
func WithBatch(store *Storage, f func(batch *pebble.Batch) error) error {
	batch := store.NewBatch()
	defer func(batch *pebble.Batch) {
		err := batch.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to close batch")
		}
	}(batch)

	err := f(batch)
	if err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}
