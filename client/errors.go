// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoEndpoint = errors.New("no broker endpoint configured")

	// Operation errors.
	ErrTimeout   = errors.New("timed out waiting for reply")
	ErrNoReply   = errors.New("no reply after all attempts")
	ErrAbandoned = errors.New("request abandoned after worker failures")
)

// WorkerError is an application-level failure produced by a worker's
// handler and relayed verbatim through the fabric. It is a definitive
// verdict, not a transport fault, so the client never retries it.
type WorkerError struct {
	RequestID string
	Message   string
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return e.Message
}
