// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the JSON envelope carried inside fabric payloads
// and a dispatcher that routes method calls to registered handlers.
//
// The fabric itself treats payloads as opaque bytes; this package is
// the convention readers and their clients agree on: a request names a
// method and carries its parameters, the reply body is the method's
// JSON-encoded result. Handler errors travel as ERR verdicts, so they
// never need an error shape here.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Dispatch errors.
var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrEmptyMethod   = errors.New("method cannot be empty")
)

// Request is the payload envelope: a method name plus its parameters.
// Params stays raw so each handler decodes its own shape.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest encodes a method call payload. A nil params omits the
// params field entirely.
func NewRequest(method string, params any) ([]byte, error) {
	req := Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// HandlerFunc answers one method. The returned value is JSON-encoded
// into the reply body.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes decoded requests to registered methods. Register
// everything during setup; Dispatch may then be called from any
// goroutine.
type Dispatcher struct {
	methods map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]HandlerFunc)}
}

// Register binds a method name to its handler, replacing any previous
// binding.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.methods[method] = fn
}

// Dispatch decodes payload, runs the named method and encodes its
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Method == "" {
		return nil, ErrEmptyMethod
	}

	fn, ok := d.methods[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", req.Method, err)
	}
	return body, nil
}
