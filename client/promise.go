// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package client

import "context"

// Promise is the pending result of a Submit. It is fulfilled exactly
// once; Ready and Wait may be used from any goroutine.
type Promise struct {
	done chan struct{}
	body []byte
	err  error
}

// Submit starts the request on a background goroutine and returns
// immediately. The Promise yields the same result Call would: the reply
// body, a *WorkerError, or a terminal fabric error. ctx bounds the
// whole request including its retries.
func (c *Client) Submit(ctx context.Context, payload []byte) *Promise {
	p := &Promise{done: make(chan struct{})}
	go func() {
		p.body, p.err = c.Call(ctx, payload)
		close(p.done)
	}()
	return p
}

// Ready reports whether the result has arrived, without blocking.
func (p *Promise) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise is fulfilled or ctx expires. Expiry
// abandons the wait, not the request; a later Wait can still collect
// the result.
func (p *Promise) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.body, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
