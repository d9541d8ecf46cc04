// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/drover-io/drover/event"
	"github.com/drover-io/drover/protocol"
	otelx "github.com/drover-io/drover/server/otel"
)

// ServerConfig holds the broker's socket addresses.
type ServerConfig struct {
	// ClientAddr is the ROUTER endpoint clients connect their REQ sockets to.
	ClientAddr string
	// WorkerAddr is the ROUTER endpoint workers connect their DEALER sockets to.
	WorkerAddr string
	// EventsAddr is the supervisor's PUB endpoint for membership events.
	EventsAddr string
}

// Server hosts the broker's sockets: a ROUTER facing clients, a ROUTER
// facing workers, and a SUB consuming membership events. All socket IO
// happens here; routing decisions stay in the Broker loop. Each socket
// is received from by exactly one goroutine and sent to by exactly one
// goroutine (the Broker loop), so no send locking is needed.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	broker   *Broker
	frontend zmq4.Socket
	backend  zmq4.Socket
	events   *event.Subscriber
}

// NewServer creates a broker server along with the Broker core it hosts.
func NewServer(cfg ServerConfig, core Config, metrics *otelx.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}
	s.broker = New(core, s, s, metrics, logger)
	return s
}

// Broker returns the routing core hosted by this server.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Listen binds the broker's sockets and blocks until the context is
// cancelled. It owns the Broker lifecycle: the routing loop starts once
// the sockets are bound and stops after the receive loops drain.
func (s *Server) Listen(ctx context.Context) error {
	frontend := zmq4.NewRouter(ctx)
	if err := frontend.Listen(s.cfg.ClientAddr); err != nil {
		return fmt.Errorf("failed to bind client endpoint %s: %w", s.cfg.ClientAddr, err)
	}
	s.frontend = frontend

	backend := zmq4.NewRouter(ctx)
	if err := backend.Listen(s.cfg.WorkerAddr); err != nil {
		frontend.Close()
		return fmt.Errorf("failed to bind worker endpoint %s: %w", s.cfg.WorkerAddr, err)
	}
	s.backend = backend

	events, err := event.Dial(ctx, s.cfg.EventsAddr, s.logger)
	if err != nil {
		backend.Close()
		frontend.Close()
		return fmt.Errorf("failed to subscribe to membership events at %s: %w", s.cfg.EventsAddr, err)
	}
	s.events = events

	s.logger.Info("broker listening",
		slog.String("clients", s.cfg.ClientAddr),
		slog.String("workers", s.cfg.WorkerAddr),
		slog.String("events", s.cfg.EventsAddr))

	s.broker.Start()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.frontendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.backendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.eventLoop()
	}()

	<-ctx.Done()

	s.logger.Info("broker shutdown initiated")

	// Closing the sockets unblocks the receive loops.
	s.events.Close()
	backend.Close()
	frontend.Close()
	wg.Wait()

	s.broker.Stop()
	s.logger.Info("broker stopped")
	return nil
}

// frontendLoop receives client submissions and feeds them to the core.
func (s *Server) frontendLoop(ctx context.Context) {
	for {
		msg, err := s.frontend.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("client receive failed", slog.Any("error", err))
			continue
		}

		req, err := protocol.ParseFrontend(msg)
		if err != nil {
			s.broker.Stats().IncrementProtocolErrors()
			s.logger.Warn("dropping malformed client request", slog.Any("error", err))
			continue
		}

		s.broker.Submit(&Envelope{
			ClientID:  req.ClientID,
			RequestID: req.RequestID,
			Payload:   req.Payload,
		})
	}
}

// backendLoop receives worker announcements and replies.
func (s *Server) backendLoop(ctx context.Context) {
	for {
		msg, err := s.backend.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("worker receive failed", slog.Any("error", err))
			continue
		}

		bm, err := protocol.ParseBackend(msg)
		if err != nil {
			s.broker.Stats().IncrementProtocolErrors()
			s.logger.Warn("dropping malformed worker message", slog.Any("error", err))
			continue
		}

		switch bm.Command {
		case protocol.CmdReady:
			// The announced id must match the socket identity, otherwise
			// replies would be routed to a different peer than the one
			// the registry tracks.
			if bm.AnnouncedID != bm.WorkerID {
				s.broker.Stats().IncrementProtocolErrors()
				s.logger.Warn("dropping READY with mismatched identity",
					slog.String("socket_id", bm.WorkerID),
					slog.String("announced_id", bm.AnnouncedID))
				continue
			}
			s.broker.WorkerReady(bm.WorkerID)
		case protocol.CmdReply:
			s.broker.HandleReply(WorkerReply{
				WorkerID:  bm.WorkerID,
				RequestID: bm.RequestID,
				Status:    bm.Status,
				Body:      bm.Body,
			})
		}
	}
}

// eventLoop feeds membership events to the core until the subscriber closes.
func (s *Server) eventLoop() {
	for ev := range s.events.Events() {
		s.broker.HandleEvent(ev)
	}
}

// Reply forwards a request's outcome to the originating client.
// It implements ClientSender over the frontend ROUTER.
func (s *Server) Reply(clientID []byte, requestID, status string, body []byte) error {
	return s.frontend.Send(protocol.ClientReplyMsg(clientID, requestID, status, body))
}

// Assign hands a request to a specific worker over the backend ROUTER.
// It implements WorkerSender. Sending to a worker whose connection is
// gone fails, which the core treats as an undeliverable assignment.
func (s *Server) Assign(workerID, requestID string, payload []byte) error {
	return s.backend.Send(protocol.AssignMsg(workerID, requestID, payload))
}
