// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package worker runs one request at a time against a handler, speaking
// the broker's assignment protocol over a DEALER socket. A worker never
// decides its own liveness; the supervisor announces it, the broker
// routes to it, and any unrecoverable condition here simply ends the
// process so the supervisor can restart it.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-zeromq/zmq4"

	"github.com/drover-io/drover/protocol"
)

// Handler processes one assignment payload. A returned error becomes an
// ERR reply carrying the error text; the worker itself stays healthy.
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

type socket interface {
	Send(zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Worker is a single-occupancy request processor.
type Worker struct {
	id      string
	sock    socket
	handler Handler
	logger  *slog.Logger
}

// New wraps an already connected socket. Most callers want Dial.
func New(id string, sock socket, handler Handler, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{id: id, sock: sock, handler: handler, logger: logger}
}

// Dial connects a DEALER with the worker's identity to the broker's
// worker endpoint. The identity must match what the supervisor announces
// for this process, or the broker will discard the READY.
func Dial(ctx context.Context, addr, id string, handler Handler, logger *slog.Logger) (*Worker, error) {
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(id)))
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("failed to dial broker at %s: %w", addr, err)
	}
	return New(id, sock, handler, logger), nil
}

// Run announces readiness, then serves assignments until the context
// ends or the conversation with the broker breaks. A malformed
// assignment is unrecoverable: the broker and worker no longer agree on
// the protocol, so Run returns the error and the process should exit
// nonzero.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.sock.Send(protocol.ReadyMsg(w.id)); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	w.logger.Info("worker ready", slog.String("worker", w.id))

	for {
		msg, err := w.sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping", slog.String("worker", w.id))
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}

		req, err := protocol.ParseAssignment(msg)
		if err != nil {
			return fmt.Errorf("malformed assignment: %w", err)
		}

		w.logger.Debug("assignment received",
			slog.String("worker", w.id),
			slog.String("request", req.RequestID))

		body, err := w.handler.Handle(ctx, req.Payload)
		status := protocol.StatusOK
		if err != nil {
			status = protocol.StatusError
			body = []byte(err.Error())
			w.logger.Warn("handler error",
				slog.String("request", req.RequestID),
				slog.Any("error", err))
		}

		if err := w.sock.Send(protocol.WorkerReplyMsg(req.RequestID, status, body)); err != nil {
			return fmt.Errorf("failed to send reply for %s: %w", req.RequestID, err)
		}
	}
}

// Close releases the worker's socket.
func (w *Worker) Close() error {
	return w.sock.Close()
}
