// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package memory is a map-backed docstore for tests and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/drover-io/drover/docstore"
)

var _ docstore.Store = (*Store)(nil)

// Store is an in-memory implementation of docstore.Store.
type Store struct {
	mu   sync.RWMutex
	docs map[string]docstore.Document
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{docs: make(map[string]docstore.Document)}
}

// Put stores a copy of doc.
func (s *Store) Put(ctx context.Context, doc docstore.Document) error {
	if doc.ID == "" {
		return docstore.ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = copyDoc(doc)
	return nil
}

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return copyDoc(doc), nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return docstore.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// Count reports the number of stored documents.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.docs)), nil
}

// Terms lists distinct indexed terms in lexical order.
func (s *Store) Terms(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, doc := range s.docs {
		for _, term := range doc.Terms {
			if term == "" || !strings.HasPrefix(term, prefix) {
				continue
			}
			seen[term] = struct{}{}
		}
	}
	s.mu.RUnlock()

	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms, nil
}

// Query returns documents indexed under every given term, in ID order.
func (s *Store) Query(ctx context.Context, terms []string, limit int) ([]docstore.Document, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	matched := make([]docstore.Document, 0)
	for _, doc := range s.docs {
		if hasAll(doc, terms) {
			matched = append(matched, copyDoc(doc))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

func hasAll(doc docstore.Document, terms []string) bool {
	for _, want := range terms {
		if want == "" {
			return false
		}
		found := false
		for _, term := range doc.Terms {
			if term == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func copyDoc(doc docstore.Document) docstore.Document {
	out := docstore.Document{ID: doc.ID}
	if doc.Terms != nil {
		out.Terms = append([]string(nil), doc.Terms...)
	}
	if doc.Body != nil {
		out.Body = append([]byte(nil), doc.Body...)
	}
	return out
}
