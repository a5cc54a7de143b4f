// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package history persists finished download jobs and the stored
// provider credential in BadgerDB. History entries survive restarts so
// users can see what a session downloaded even after the in-memory
// queue is gone.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	entryKeyPrefix = "history:"
	credentialKey  = "credential:arl"
)

// Entry is one archived terminal job.
type Entry struct {
	JobID      string          `json:"job_id"`
	SessionID  string          `json:"session_id"`
	Target     models.Target   `json:"target"`
	Title      string          `json:"title,omitempty"`
	Artist     string          `json:"artist,omitempty"`
	State      models.JobState `json:"state"`
	Attempts   int             `json:"attempts"`
	ErrorCode  string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Store is the badger-backed history journal. A nil *Store is a valid
// no-op so history can be disabled by configuration.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// Open opens (or creates) the history database at path.
func Open(path string, retention time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return &Store{db: db, retention: retention}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// entryKey orders entries by finish time within a session so prefix
// scans return them chronologically.
func entryKey(sessionID string, finishedAt time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", entryKeyPrefix, sessionID, finishedAt.UnixNano(), jobID))
}

// Record archives a terminal job. Non-terminal jobs and storage errors
// are logged and dropped; history is advisory and must never fail a
// download.
func (s *Store) Record(job *models.Job) {
	if s == nil {
		return
	}
	if !job.State.Terminal() {
		return
	}
	finished := time.Now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	entry := Entry{
		JobID:      job.ID,
		SessionID:  job.SessionID,
		Target:     job.Target,
		Title:      job.Title,
		Artist:     job.Artist,
		State:      job.State,
		Attempts:   job.Attempts,
		ErrorCode:  job.ErrorCode,
		FinishedAt: finished,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logging.Error().Err(err).Str("job_id", job.ID).Msg("History marshal failed")
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(entryKey(job.SessionID, finished, job.ID), data)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		logging.Error().Err(err).Str("job_id", job.ID).Msg("History write failed")
	}
}

// List returns up to limit entries for the session, most recent first.
func (s *Store) List(sessionID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix + sessionID + ":")
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the prefix range.
		seek := append([]byte(entryKeyPrefix+sessionID+":"), 0xff)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix) && len(entries) < limit; it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode history entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveARL persists the provider credential for single-user auto-login.
func (s *Store) SaveARL(arl string) error {
	if s == nil {
		return errors.New("history store disabled")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(credentialKey), []byte(arl))
	})
}

// LoadARL returns the stored credential, or empty when none is stored.
func (s *Store) LoadARL() (string, error) {
	if s == nil {
		return "", nil
	}
	var arl string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(credentialKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			arl = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	return arl, nil
}

// ClearARL deletes the stored credential (logout in single-user mode).
func (s *Store) ClearARL() error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(credentialKey))
	})
}
