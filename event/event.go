// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package event carries worker membership announcements between the
// supervisor and its subscribers over a PUB-SUB pair.
//
// Delivery is best effort: nothing is retained or replayed, and a
// subscriber that connects late has missed whatever came before. Sequence
// numbers let subscribers notice loss; they do not enable recovery.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Topic is the subscription prefix membership events are published under.
const Topic = "drover.membership"

// Kind distinguishes membership transitions.
type Kind string

const (
	KindUp   Kind = "up"
	KindDown Kind = "down"
)

// ErrMalformed reports an event message that could not be decoded.
var ErrMalformed = errors.New("malformed membership event")

// MembershipEvent records one worker lifecycle transition. Seq increases
// by one per event published from a single supervisor.
type MembershipEvent struct {
	WorkerID string    `json:"worker_id"`
	Kind     Kind      `json:"kind"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
}

// Msg encodes the event as [topic, JSON body] for a PUB socket.
func (e MembershipEvent) Msg() (zmq4.Msg, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("encode membership event: %w", err)
	}
	return zmq4.NewMsgFrom([]byte(Topic), body), nil
}

// Parse decodes a [topic, JSON body] message received on a SUB socket.
func Parse(msg zmq4.Msg) (MembershipEvent, error) {
	f := msg.Frames
	if len(f) != 2 {
		return MembershipEvent{}, fmt.Errorf("%w: %d frames", ErrMalformed, len(f))
	}
	if string(f[0]) != Topic {
		return MembershipEvent{}, fmt.Errorf("%w: topic %q", ErrMalformed, string(f[0]))
	}
	var e MembershipEvent
	if err := json.Unmarshal(f[1], &e); err != nil {
		return MembershipEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.WorkerID == "" {
		return MembershipEvent{}, fmt.Errorf("%w: empty worker id", ErrMalformed)
	}
	if e.Kind != KindUp && e.Kind != KindDown {
		return MembershipEvent{}, fmt.Errorf("%w: kind %q", ErrMalformed, e.Kind)
	}
	return e, nil
}
