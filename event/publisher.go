// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// sendSocket is the subset of zmq4.Socket the publisher needs.
type sendSocket interface {
	Send(m zmq4.Msg) error
	Close() error
}

// Publisher broadcasts membership events. Sequence numbers are stamped and
// sent under one lock so they reach the wire in order even when several
// supervisor goroutines publish at once.
type Publisher struct {
	mu     sync.Mutex
	sock   sendSocket
	seq    uint64
	logger *slog.Logger
}

// NewPublisher wraps an already-bound PUB socket.
func NewPublisher(sock sendSocket, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sock: sock, logger: logger}
}

// Listen binds a PUB socket at addr and returns a publisher over it.
func Listen(ctx context.Context, addr string, logger *slog.Logger) (*Publisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("bind event publisher at %s: %w", addr, err)
	}
	return NewPublisher(sock, logger), nil
}

// Up announces that a worker process is running.
func (p *Publisher) Up(workerID string) error {
	return p.publish(KindUp, workerID)
}

// Down announces that a worker process has exited.
func (p *Publisher) Down(workerID string) error {
	return p.publish(KindDown, workerID)
}

func (p *Publisher) publish(kind Kind, workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	e := MembershipEvent{
		WorkerID: workerID,
		Kind:     kind,
		Seq:      p.seq,
		At:       time.Now().UTC(),
	}
	msg, err := e.Msg()
	if err != nil {
		return err
	}
	if err := p.sock.Send(msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", kind, workerID, err)
	}
	p.logger.Debug("membership event published",
		slog.String("worker", workerID),
		slog.String("kind", string(kind)),
		slog.Uint64("seq", e.Seq))
	return nil
}

// Close closes the underlying socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
