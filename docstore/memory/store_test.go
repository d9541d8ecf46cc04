// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/docstore"
)

func TestStore_PutGetDelete(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	doc := docstore.Document{
		ID:    "a1",
		Terms: []string{"go", "zmq"},
		Body:  []byte(`{"title":"drover"}`),
	}
	require.NoError(t, s.Put(ctx, doc))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Get(ctx, "a1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a1"), docstore.ErrNotFound)
}

func TestStore_RejectsEmptyID(t *testing.T) {
	s := New()
	err := s.Put(context.Background(), docstore.Document{Body: []byte("x")})
	assert.ErrorIs(t, err, docstore.ErrEmptyID)
}

func TestStore_MutationIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc := docstore.Document{ID: "a1", Terms: []string{"go"}, Body: []byte("hello")}
	require.NoError(t, s.Put(ctx, doc))

	// Caller mutations after Put must not leak into the store.
	doc.Body[0] = 'x'
	doc.Terms[0] = "rust"

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Body))
	assert.Equal(t, []string{"go"}, got.Terms)

	// Nor must mutations of a Get result.
	got.Body[0] = 'y'
	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again.Body))
}

func TestStore_Count(t *testing.T) {
	s := New()
	ctx := context.Background()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a1"}))
	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a2"}))
	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a1"})) // overwrite

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestStore_Terms(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a1", Terms: []string{"apple", "banana"}}))
	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a2", Terms: []string{"apricot", "banana"}}))

	terms, err := s.Terms(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "apricot", "banana"}, terms)

	terms, err = s.Terms(ctx, "ap", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "apricot"}, terms)

	terms, err = s.Terms(ctx, "ap", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple"}, terms)

	terms, err = s.Terms(ctx, "z", 0)
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestStore_Query(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a1", Terms: []string{"go", "zmq"}}))
	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a2", Terms: []string{"go"}}))
	require.NoError(t, s.Put(ctx, docstore.Document{ID: "a3", Terms: []string{"zmq", "go"}}))

	docs, err := s.Query(ctx, []string{"go"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(docs))

	docs, err = s.Query(ctx, []string{"go", "zmq"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a3"}, ids(docs))

	docs, err = s.Query(ctx, []string{"go", "zmq"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(docs))

	docs, err = s.Query(ctx, []string{"missing"}, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.Query(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func ids(docs []docstore.Document) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.ID)
	}
	return out
}
