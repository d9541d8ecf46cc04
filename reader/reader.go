// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package reader implements the query methods a drover worker serves:
// count, get, terms and query, answered from a docstore.
//
// Every store access runs through a circuit breaker so a failing store
// answers fast instead of holding the worker hostage; the broker sees
// an ordinary ERR reply and the worker stays in rotation.
package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/drover-io/drover/config"
	"github.com/drover-io/drover/docstore"
	"github.com/drover-io/drover/rpc"
	"github.com/drover-io/drover/worker"
)

var _ worker.Handler = (*Reader)(nil)

// Method names served by the reader.
const (
	MethodCount = "count"
	MethodGet   = "get"
	MethodTerms = "terms"
	MethodQuery = "query"
)

// ErrLimitRequired rejects unbounded remote queries.
var ErrLimitRequired = errors.New("remote queries require a positive limit")

// GetParams identifies one document.
type GetParams struct {
	ID string `json:"id"`
}

// TermsParams bounds a term listing. Both fields are optional.
type TermsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// QueryParams is a term conjunction with a mandatory positive limit.
type QueryParams struct {
	Terms []string `json:"terms"`
	Limit int      `json:"limit"`
}

// CountResult carries the document count.
type CountResult struct {
	Count uint64 `json:"count"`
}

// TermsResult lists indexed terms.
type TermsResult struct {
	Terms []string `json:"terms"`
}

// QueryResult lists matching documents.
type QueryResult struct {
	Documents []docstore.Document `json:"documents"`
}

// Reader answers document query methods against a docstore.
type Reader struct {
	store      docstore.Store
	dispatcher *rpc.Dispatcher
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a reader over store with breaker settings from cfg.
func New(store docstore.Store, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Reader {
	r := &Reader{store: store, logger: logger}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("docstore circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	r.dispatcher = rpc.NewDispatcher()
	r.dispatcher.Register(MethodCount, r.count)
	r.dispatcher.Register(MethodGet, r.get)
	r.dispatcher.Register(MethodTerms, r.terms)
	r.dispatcher.Register(MethodQuery, r.query)

	return r
}

// Handle implements worker.Handler.
func (r *Reader) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return r.dispatcher.Dispatch(ctx, payload)
}

func (r *Reader) count(ctx context.Context, params json.RawMessage) (any, error) {
	v, err := r.execute(func() (any, error) {
		return r.store.Count(ctx)
	})
	if err != nil {
		return nil, err
	}
	return CountResult{Count: v.(uint64)}, nil
}

func (r *Reader) get(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad get params: %w", err)
	}
	if p.ID == "" {
		return nil, docstore.ErrEmptyID
	}

	v, err := r.execute(func() (any, error) {
		return r.store.Get(ctx, p.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(docstore.Document), nil
}

func (r *Reader) terms(ctx context.Context, params json.RawMessage) (any, error) {
	var p TermsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad terms params: %w", err)
		}
	}

	v, err := r.execute(func() (any, error) {
		return r.store.Terms(ctx, p.Prefix, p.Limit)
	})
	if err != nil {
		return nil, err
	}
	return TermsResult{Terms: v.([]string)}, nil
}

func (r *Reader) query(ctx context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, ErrLimitRequired
	}
	var p QueryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad query params: %w", err)
	}
	if p.Limit <= 0 {
		return nil, ErrLimitRequired
	}

	v, err := r.execute(func() (any, error) {
		return r.store.Query(ctx, p.Terms, p.Limit)
	})
	if err != nil {
		return nil, err
	}
	return QueryResult{Documents: v.([]docstore.Document)}, nil
}

// outcome splits domain answers from store faults inside the breaker:
// a missing document is a valid answer and must not trip it.
type outcome struct {
	value   any
	userErr error
}

func (r *Reader) execute(op func() (any, error)) (any, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		value, err := op()
		if errors.Is(err, docstore.ErrNotFound) {
			return outcome{userErr: err}, nil
		}
		return outcome{value: value}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("document store unavailable: %w", err)
		}
		return nil, err
	}

	out := v.(outcome)
	if out.userErr != nil {
		return nil, out.userErr
	}
	return out.value, nil
}
