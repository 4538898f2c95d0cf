// Package storage is the pebble-backed recovery log: users, balances (plus
// their change logs), orders, trades, positions, candles and faucet state.
// The engine keeps authoritative state in memory; rows written here are what
// restarts rebuild from.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// writeRetries bounds the retry loop around transient pebble write failures.
const writeRetries = 3

// Store wraps a pebble database.
type Store struct {
	db  *pebble.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) the store at path.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// setJSON marshals v and writes it under key with bounded exponential
// backoff. All rows carry client-generated IDs, so a retried write is
// idempotent.
func (s *Store) setJSON(key []byte, v any, sync *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.setWithRetry(key, data, sync)
}

func (s *Store) setWithRetry(key, val []byte, sync *pebble.WriteOptions) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err = s.db.Set(key, val, sync); err == nil {
			return nil
		}
		s.log.Warnw("store_write_retry", "key", string(key), "attempt", attempt+1, "err", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("store write failed after %d attempts: %w", writeRetries, err)
}

// getJSON reads and unmarshals the row at key into v.
// Returns (false, nil) when the key does not exist.
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// scan iterates all rows under prefix in key order, calling fn with each
// value. fn returns false to stop early.
func (s *Store) scan(prefix []byte, fn func(key, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// scanReverse iterates rows under prefix newest-key-first.
func (s *Store) scanReverse(prefix []byte, fn func(key, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.Last(); iter.Valid(); iter.Prev() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (s *Store) delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// unmarshalRow decodes a scanned value. Pebble reuses iterator buffers, so
// rows are decoded before the next step.
func unmarshalRow(val []byte, v any) error {
	return json.Unmarshal(val, v)
}
