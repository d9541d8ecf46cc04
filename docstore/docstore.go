// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package docstore defines the term-indexed document store that reader
// workers answer queries from. The dispatch fabric never touches it.
package docstore

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound = errors.New("document not found")
	ErrEmptyID  = errors.New("document id cannot be empty")
)

// Document is an indexed record: an opaque body plus the terms it can
// be found by. Empty terms are never indexed.
type Document struct {
	ID    string   `json:"id"`
	Terms []string `json:"terms,omitempty"`
	Body  []byte   `json:"body,omitempty"`
}

// Store is a term-indexed document store.
//
// Terms and Query treat limit <= 0 as unbounded. Remote callers are
// expected to bound their queries; the reader refuses unbounded ones.
type Store interface {
	// Put stores doc and indexes it under its terms, replacing any
	// previous version and its index entries.
	Put(ctx context.Context, doc Document) error

	// Get fetches one document by ID.
	Get(ctx context.Context, id string) (Document, error)

	// Delete removes a document and its index entries.
	Delete(ctx context.Context, id string) error

	// Count reports the number of stored documents.
	Count(ctx context.Context) (uint64, error)

	// Terms lists distinct indexed terms in lexical order, optionally
	// restricted to a prefix.
	Terms(ctx context.Context, prefix string, limit int) ([]string, error)

	// Query returns documents indexed under every given term, in ID
	// order. No terms matches nothing.
	Query(ctx context.Context, terms []string, limit int) ([]Document, error)

	// Close releases the backing resources.
	Close() error
}
