// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package client is the calling side of the dispatch fabric: it submits
// opaque payloads to the broker frontend and reports the verdict.
//
// Reliability follows the lazy pirate pattern. Every attempt runs on a
// fresh REQ socket with its own request ID, so a lost reply or a broker
// restart costs one timeout, never a wedged connection. These client
// attempts are orthogonal to the broker's worker-death retries: a single
// attempt survives any number of worker restarts as long as the broker
// stays within its own budget.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/drover-io/drover/config"
	"github.com/drover-io/drover/protocol"
)

// retryPauseUnit spaces consecutive attempts; the pause grows linearly
// with the attempt number.
const retryPauseUnit = 10 * time.Millisecond

// socket is the subset of zmq4.Socket the client needs.
type socket interface {
	Send(zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// dialer opens a fresh connection to the broker frontend.
type dialer func(ctx context.Context) (socket, error)

// Client issues requests against the broker frontend. It holds no
// connection state; every Call dials its own socket, so a Client is
// safe for concurrent use by any number of goroutines.
type Client struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	dial   dialer
}

// New creates a client for the configured frontend endpoint.
func New(cfg config.ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.ClientAddr == "" {
		return nil, ErrNoEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: logger}
	c.dial = func(ctx context.Context) (socket, error) {
		sock := zmq4.NewReq(ctx)
		if err := sock.Dial(cfg.ClientAddr); err != nil {
			return nil, fmt.Errorf("failed to dial broker at %s: %w", cfg.ClientAddr, err)
		}
		return sock, nil
	}
	return c, nil
}

// Call sends payload and blocks until a verdict arrives. OK replies
// return the body; ERR replies surface as *WorkerError; FAIL replies
// wrap ErrAbandoned. Timeouts and transport faults are retried on a
// fresh socket up to cfg.Retries times before giving up with ErrNoReply.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying request",
				slog.Int("attempt", attempt+1),
				slog.Any("error", lastErr),
			)
			if err := pause(ctx, time.Duration(attempt)*retryPauseUnit); err != nil {
				return nil, err
			}
		}

		body, retry, err := c.attempt(ctx, payload)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrNoReply, lastErr)
}

// attempt runs one request cycle on its own socket. The bool result
// reports whether the failure is worth another attempt.
func (c *Client) attempt(ctx context.Context, payload []byte) ([]byte, bool, error) {
	sock, err := c.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	defer sock.Close()

	requestID := uuid.NewString()
	if err := sock.Send(protocol.CallMsg(requestID, payload)); err != nil {
		return nil, true, fmt.Errorf("failed to send request %s: %w", requestID, err)
	}

	type recvResult struct {
		msg zmq4.Msg
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		msg, err := sock.Recv()
		recvCh <- recvResult{msg: msg, err: err}
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-recvCh:
		if res.err != nil {
			return nil, true, fmt.Errorf("receive failed: %w", res.err)
		}
		return verdict(requestID, res.msg)
	case <-timer.C:
		// Closing the socket releases the receive goroutine.
		sock.Close()
		return nil, true, fmt.Errorf("%w: request %s after %s", ErrTimeout, requestID, c.cfg.Timeout)
	case <-ctx.Done():
		sock.Close()
		return nil, false, ctx.Err()
	}
}

// verdict decodes a reply addressed to requestID.
func verdict(requestID string, msg zmq4.Msg) ([]byte, bool, error) {
	reply, err := protocol.ParseClientReply(msg)
	if err != nil {
		return nil, true, err
	}
	if reply.RequestID != requestID {
		return nil, true, fmt.Errorf("reply addressed to %s while waiting on %s", reply.RequestID, requestID)
	}

	switch reply.Status {
	case protocol.StatusOK:
		return reply.Body, false, nil
	case protocol.StatusError:
		return nil, false, &WorkerError{RequestID: requestID, Message: string(reply.Body)}
	default:
		// ParseClientReply admits only OK, ERR and FAIL.
		return nil, false, fmt.Errorf("%w: %s", ErrAbandoned, reply.Body)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
