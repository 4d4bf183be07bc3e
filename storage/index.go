package storage

import (
	"github.com/cockroachdb/pebble"

	"github.com/Blu-J/rundler/services/reputation"
)

type ReputationIndexer interface {
	// Store replaces the persisted reputation snapshot with records taken
	// at height.
	// Batch is required to batch multiple indexer operations, skipped if nil.
	Store(height uint64, records []reputation.Record, batch *pebble.Batch) error

	// Load returns the persisted snapshot and the height it was taken at.
	// Expected errors:
	// - errors.ErrNotInitialized if no snapshot was ever stored
	Load() (uint64, []reputation.Record, error)
}
