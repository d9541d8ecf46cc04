// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package broker

// pendingQueue is the FIFO of requests waiting for a worker. Like the
// registry it belongs to the broker loop goroutine alone.
type pendingQueue struct {
	items []*Envelope
}

// push appends at the tail. Both fresh submissions and death-retried
// requests enter here; a retried request does not jump the line.
func (q *pendingQueue) push(e *Envelope) {
	q.items = append(q.items, e)
}

// pushFront returns an envelope to the head after an assignment that
// never reached its worker, preserving arrival order.
func (q *pendingQueue) pushFront(e *Envelope) {
	q.items = append([]*Envelope{e}, q.items...)
}

// pop removes and returns the head, or nil when empty.
func (q *pendingQueue) pop() *Envelope {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e
}

func (q *pendingQueue) len() int {
	return len(q.items)
}
