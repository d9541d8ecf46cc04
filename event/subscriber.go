// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// recvSocket is the subset of zmq4.Socket the subscriber needs.
type recvSocket interface {
	Recv() (zmq4.Msg, error)
	Close() error
}

// Subscriber decodes membership events off a SUB socket onto a typed
// channel. Malformed messages are dropped with a log line; interpreting
// sequence numbers is the consumer's business.
type Subscriber struct {
	sock   recvSocket
	logger *slog.Logger

	events chan MembershipEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSubscriber wraps an already-connected, already-subscribed SUB socket.
func NewSubscriber(sock recvSocket, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		sock:   sock,
		logger: logger,
		events: make(chan MembershipEvent, 64),
		stopCh: make(chan struct{}),
	}
}

// Dial connects a SUB socket to addr, subscribes to the membership topic
// and returns a running subscriber.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Subscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.SetOption(zmq4.OptionSubscribe, Topic); err != nil {
		sock.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Topic, err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial event bus at %s: %w", addr, err)
	}
	s := NewSubscriber(sock, logger)
	s.Start()
	return s, nil
}

// Start launches the receive loop. Events arrive on Events until Close.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Events returns the channel decoded events are delivered on. The channel
// is closed when the subscriber shuts down.
func (s *Subscriber) Events() <-chan MembershipEvent {
	return s.events
}

func (s *Subscriber) loop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Error("event subscriber receive failed", slog.Any("error", err))
			}
			return
		}
		e, err := Parse(msg)
		if err != nil {
			s.logger.Warn("dropping undecodable membership event", slog.Any("error", err))
			continue
		}
		select {
		case s.events <- e:
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the receive loop and closes the socket.
func (s *Subscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		err = s.sock.Close()
		s.wg.Wait()
	})
	return err
}
