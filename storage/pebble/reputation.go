package pebble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Blu-J/rundler/services/reputation"
	"github.com/Blu-J/rundler/storage"
	errs "github.com/Blu-J/rundler/storage/errors"
)

var _ storage.ReputationIndexer = &Reputation{}

type Reputation struct {
	store *Storage
	mu    sync.Mutex
}

func NewReputation(store *Storage) *Reputation {
	return &Reputation{
		store: store,
	}
}

func (r *Reputation) Store(height uint64, records []reputation.Record, batch *pebble.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.deletePrefix(reputationRecordKey, batch); err != nil {
		return fmt.Errorf("failed to clear reputation records: %w", err)
	}

	for _, record := range records {
		val, err := rlp.EncodeToBytes(record)
		if err != nil {
			return fmt.Errorf("failed to encode reputation of %s: %w", record.Address, err)
		}
		if err := r.store.set(reputationRecordKey, record.Address.Bytes(), val, batch); err != nil {
			return fmt.Errorf("failed to store reputation of %s: %w", record.Address, err)
		}
	}

	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, height)
	if err := r.store.set(reputationHeightKey, nil, h, batch); err != nil {
		return fmt.Errorf("failed to store reputation height %d: %w", height, err)
	}

	return nil
}

func (r *Reputation) Load() (uint64, []reputation.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.store.get(reputationHeightKey, nil)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return 0, nil, errs.ErrNotInitialized
		}
		return 0, nil, fmt.Errorf("failed to get reputation height: %w", err)
	}
	if len(h) != 8 {
		return 0, nil, fmt.Errorf("%w: reputation height of %d bytes", errs.ErrCorrupted, len(h))
	}

	var records []reputation.Record
	err = r.store.iterate(reputationRecordKey, func(_, value []byte) error {
		var record reputation.Record
		if err := rlp.DecodeBytes(value, &record); err != nil {
			return fmt.Errorf("%w: %w", errs.ErrCorrupted, err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load reputation records: %w", err)
	}

	return binary.BigEndian.Uint64(h), records, nil
}
