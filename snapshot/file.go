// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FileStore persists one zstd-compressed JSON file per owner under a
// directory. Saves are atomic via rename.
type FileStore struct {
	dir string

	mu     sync.Mutex
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed bool
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &FileStore{dir: dir, enc: enc, dec: dec}, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	if rec.OwnerID == "" {
		return ErrEmptyOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	compressed := s.enc.EncodeAll(raw, nil)

	path := s.path(rec.OwnerID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, ownerID string) (Record, bool, error) {
	if ownerID == "" {
		return Record{}, false, ErrEmptyOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}

	compressed, err := os.ReadFile(s.path(ownerID))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("decompress snapshot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return rec, true, nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context, ownerID string) error {
	if ownerID == "" {
		return ErrEmptyOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := os.Remove(s.path(ownerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return nil
}

func (s *FileStore) path(ownerID string) string {
	// Owner IDs may contain subject-like separators.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(ownerID)
	return filepath.Join(s.dir, safe+".snap")
}
