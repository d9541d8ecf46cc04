// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package badgerstore implements the docstore on an embedded BadgerDB.
// Documents live under one key prefix, the term index under another;
// term-index keys are empty values whose presence is the index.
package badgerstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/drover-io/drover/docstore"
)

var _ docstore.Store = (*Store)(nil)

// Key prefixes.
const (
	docPrefix  = "d:" // documents: d:{id}
	termPrefix = "t:" // term index: t:{term}{termSep}{id}

	// termSep separates the term from the document ID in index keys.
	// NUL never appears in UTF-8 text, so terms need no escaping.
	termSep = "\x00"
)

// Config holds BadgerDB docstore configuration.
type Config struct {
	Dir        string        // directory for BadgerDB data
	GCInterval time.Duration // value log GC period, 0 for the default
}

// Store implements docstore.Store on an embedded BadgerDB.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database under cfg.Dir and starts the value log GC
// goroutine.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // BadgerDB's internal logging is noise here
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go s.runGC(interval)

	return s, nil
}

// Put stores doc and indexes it under its terms. A previous version's
// index entries are dropped first so terms removed by the update stop
// matching.
func (s *Store) Put(ctx context.Context, doc docstore.Document) error {
	if doc.ID == "" {
		return docstore.ErrEmptyID
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(doc.ID))
		if err == nil {
			var prev docstore.Document
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
				return err
			}
			for _, term := range prev.Terms {
				if term == "" {
					continue
				}
				if err := txn.Delete(termKey(term, doc.ID)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(docKey(doc.ID), data); err != nil {
			return err
		}
		for _, term := range doc.Terms {
			if term == "" {
				continue
			}
			if err := txn.Set(termKey(term, doc.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get fetches one document by ID.
func (s *Store) Get(ctx context.Context, id string) (docstore.Document, error) {
	var doc docstore.Document

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return docstore.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return docstore.Document{}, err
	}
	return doc, nil
}

// Delete removes a document and its index entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return docstore.ErrNotFound
			}
			return err
		}

		var doc docstore.Document
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
			return err
		}
		for _, term := range doc.Terms {
			if term == "" {
				continue
			}
			if err := txn.Delete(termKey(term, id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return txn.Delete(docKey(id))
	})
}

// Count reports the number of stored documents.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	var count uint64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// Terms lists distinct indexed terms in lexical order, optionally
// restricted to a prefix. Index keys sort by term, so duplicates are
// adjacent and one pass suffices.
func (s *Store) Terms(ctx context.Context, prefix string, limit int) ([]string, error) {
	terms := make([]string, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(termPrefix + prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			sep := strings.Index(key, termSep)
			if sep < 0 {
				continue
			}
			term := key[len(termPrefix):sep]
			if n := len(terms); n > 0 && terms[n-1] == term {
				continue
			}
			terms = append(terms, term)
			if limit > 0 && len(terms) >= limit {
				break
			}
		}
		return nil
	})

	return terms, err
}

// Query returns documents indexed under every given term, in ID order.
// The first term drives the scan; the remaining terms are checked as
// point lookups per candidate.
func (s *Store) Query(ctx context.Context, terms []string, limit int) ([]docstore.Document, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	docs := make([]docstore.Document, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(termPrefix + terms[0] + termSep)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			id := key[strings.Index(key, termSep)+len(termSep):]

			match, err := hasTerms(txn, id, terms[1:])
			if err != nil {
				return err
			}
			if !match {
				continue
			}

			item, err := txn.Get(docKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue // index entry outlived its document
				}
				return err
			}
			var doc docstore.Document
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				return err
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})

	return docs, err
}

// Close stops the GC goroutine and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// May error when nothing needed collecting, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func hasTerms(txn *badger.Txn, id string, terms []string) (bool, error) {
	for _, term := range terms {
		_, err := txn.Get(termKey(term, id))
		if err == badger.ErrKeyNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func docKey(id string) []byte {
	return []byte(docPrefix + id)
}

func termKey(term, id string) []byte {
	return []byte(termPrefix + term + termSep + id)
}
