// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "snapshot/"

// BadgerStore persists snapshots in an embedded BadgerDB instance.
type BadgerStore struct {
	db       *badger.DB
	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// NewBadgerStore opens (or creates) a BadgerDB snapshot store in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	// Snapshots are rewritten wholesale on every save; fsync per write
	// costs far more than the crash window it would close.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// Save implements Store.
func (s *BadgerStore) Save(_ context.Context, rec Record) error {
	if rec.OwnerID == "" {
		return ErrEmptyOwner
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+rec.OwnerID), raw)
	})
}

// Load implements Store.
func (s *BadgerStore) Load(_ context.Context, ownerID string) (Record, bool, error) {
	if ownerID == "" {
		return Record{}, false, ErrEmptyOwner
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + ownerID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return rec, true, nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(_ context.Context, ownerID string) error {
	if ownerID == "" {
		return ErrEmptyOwner
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerKeyPrefix + ownerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

// runGC periodically reclaims value log space.
func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
