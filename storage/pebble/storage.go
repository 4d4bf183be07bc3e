package pebble

import (
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	errs "github.com/Blu-J/rundler/storage/errors"
)

type Storage struct {
	db  *pebble.DB
	log zerolog.Logger
}

// New creates a new storage instance using the provided dir location as the storage directory.
func New(dir string, log zerolog.Logger) (*Storage, error) {
	db, err := OpenDB(dir)
	if err != nil {
		return nil, err
	}

	return &Storage{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}, nil
}

func (s *Storage) set(keyCode byte, key []byte, value []byte, batch *pebble.Batch) error {
	prefixedKey := append([]byte{keyCode}, key...)

	if batch != nil {
		return batch.Set(prefixedKey, value, nil)
	}
	// by default, we disable sync since the snapshot is rewritten on every
	// shutdown and losing the last one only resets reputation counters
	return s.db.Set(prefixedKey, value, &pebble.WriteOptions{Sync: false})
}

func (s *Storage) get(keyCode byte, key []byte) ([]byte, error) {
	prefixedKey := append([]byte{keyCode}, key...)

	data, closer, err := s.db.Get(prefixedKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	defer func(closer io.Closer) {
		if err := closer.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to close value")
		}
	}(closer)

	// the value is only valid until the closer is closed
	cpy := make([]byte, len(data))
	copy(cpy, data)
	return cpy, nil
}

// deletePrefix removes every key starting with keyCode.
func (s *Storage) deletePrefix(keyCode byte, batch *pebble.Batch) error {
	start, end := []byte{keyCode}, prefixUpperBound(keyCode)

	if batch != nil {
		return batch.DeleteRange(start, end, nil)
	}
	return s.db.DeleteRange(start, end, &pebble.WriteOptions{Sync: false})
}

// iterate calls f with the key suffix and value of every key starting with
// keyCode, in key order.
func (s *Storage) iterate(keyCode byte, f func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{keyCode},
		UpperBound: prefixUpperBound(keyCode),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() {
		if err := iter.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to close iterator")
		}
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := f(iter.Key()[1:], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Storage) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}

// DiskUsage returns the estimated disk space used by the database.
func (s *Storage) DiskUsage() uint64 {
	return s.db.Metrics().DiskSpaceUsage()
}

func (s *Storage) Close() error {
	return s.db.Close()
}
