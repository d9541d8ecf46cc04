// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the dispatch core: a single authoritative
// router pairing client requests with least-recently-used workers.
//
// All routing state (worker registry, available LRU, pending FIFO) is
// owned by one event loop goroutine fed through channels; nothing locks
// and nothing else mutates. server.go hosts the sockets that feed the
// loop.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover/event"
	"github.com/drover-io/drover/protocol"
	otelx "github.com/drover-io/drover/server/otel"
)

// Config carries the dispatch core settings.
type Config struct {
	// MaxRetries is how many worker deaths a single request survives
	// before the broker abandons it and fails the client. Zero means a
	// request dies with the first worker that held it.
	MaxRetries int
}

// ClientSender delivers verdicts to waiting clients.
type ClientSender interface {
	Reply(clientID []byte, requestID, status string, body []byte) error
}

// WorkerSender delivers assignments to workers.
type WorkerSender interface {
	Assign(workerID, requestID string, payload []byte) error
}

// WorkerReply is a reply read off the backend socket.
type WorkerReply struct {
	WorkerID  string
	RequestID string
	Status    string
	Body      []byte
}

// Broker is the dispatch core event loop.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	stats   *Stats
	metrics *otelx.Metrics

	frontend ClientSender
	backend  WorkerSender

	workers *registry
	pending *pendingQueue

	lastEventSeq uint64

	submitCh chan *Envelope
	replyCh  chan WorkerReply
	eventCh  chan event.MembershipEvent
	readyCh  chan string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a dispatch core wired to the given senders.
func New(cfg Config, frontend ClientSender, backend WorkerSender, metrics *otelx.Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		stats:    NewStats(),
		metrics:  metrics,
		frontend: frontend,
		backend:  backend,
		workers:  newRegistry(),
		pending:  &pendingQueue{},
		submitCh: make(chan *Envelope, 128),
		replyCh:  make(chan WorkerReply, 128),
		eventCh:  make(chan event.MembershipEvent, 64),
		readyCh:  make(chan string, 16),
		stopCh:   make(chan struct{}),
	}
}

// Stats returns the broker's counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Start launches the event loop.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop halts the event loop. Queued and in-flight requests are
// abandoned; blocked clients recover through their own timeout budget.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Submit hands a fresh client request to the loop.
func (b *Broker) Submit(env *Envelope) {
	select {
	case b.submitCh <- env:
	case <-b.stopCh:
	}
}

// HandleReply hands a worker reply to the loop.
func (b *Broker) HandleReply(r WorkerReply) {
	select {
	case b.replyCh <- r:
	case <-b.stopCh:
	}
}

// HandleEvent hands a membership event to the loop.
func (b *Broker) HandleEvent(e event.MembershipEvent) {
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

// WorkerReady tells the loop a worker's backend route is attached.
func (b *Broker) WorkerReady(id string) {
	select {
	case b.readyCh <- id:
	case <-b.stopCh:
	}
}

func (b *Broker) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case env := <-b.submitCh:
			b.submit(env)
		case r := <-b.replyCh:
			b.reply(r)
		case e := <-b.eventCh:
			b.membership(e)
		case id := <-b.readyCh:
			b.workerReady(id)
		}
		b.syncGauges()
	}
}

// submit routes an envelope: straight to the least recently used idle
// worker, or onto the pending tail. Re-submissions after a worker death
// take exactly this path, so a retried request does not jump the line.
func (b *Broker) submit(env *Envelope) {
	if env.Attempts == 0 {
		b.stats.IncrementSubmitted()
		if b.metrics != nil {
			b.metrics.RecordSubmitted()
		}
	}
	if rec := b.workers.popAvailable(); rec != nil {
		b.assign(rec, env)
		return
	}
	b.pending.push(env)
	b.logger.Debug("request queued",
		slog.String("request", env.RequestID),
		slog.Int("depth", b.pending.len()))
}

func (b *Broker) assign(rec *WorkerRecord, env *Envelope) {
	rec.State = StateBusy
	rec.Assigned = env
	if err := b.backend.Assign(rec.ID, env.RequestID, env.Payload); err != nil {
		// Route gone before any DOWN arrived. Hold the request at the
		// queue head, since it never left the broker, and keep the
		// worker out of rotation until it reattaches.
		b.logger.Warn("assignment undeliverable",
			slog.String("worker", rec.ID),
			slog.String("request", env.RequestID),
			slog.Any("error", err))
		rec.State = StateAvailable
		rec.Assigned = nil
		b.workers.detach(rec)
		b.pending.pushFront(env)
		return
	}
	env.assignedAt = time.Now()
	b.stats.IncrementAssigned()
	if b.metrics != nil {
		b.metrics.RecordAssigned()
	}
	b.logger.Debug("request assigned",
		slog.String("worker", rec.ID),
		slog.String("request", env.RequestID),
		slog.Int("attempt", env.Attempts))
}

// reply matches a worker reply against that worker's recorded assignment.
// Anything that does not match is stale: the request it answers was
// already retried or failed, and forwarding it would break at-most-once
// delivery.
func (b *Broker) reply(r WorkerReply) {
	rec := b.workers.get(r.WorkerID)
	if rec == nil || rec.Assigned == nil || rec.Assigned.RequestID != r.RequestID {
		b.stats.IncrementStaleReplies()
		if b.metrics != nil {
			b.metrics.RecordStaleReply()
		}
		b.logger.Warn("dropping stale reply",
			slog.String("worker", r.WorkerID),
			slog.String("request", r.RequestID))
		return
	}
	env := rec.Assigned
	b.workers.markAvailable(rec)
	if b.metrics != nil && !env.assignedAt.IsZero() {
		b.metrics.RecordDispatchDuration(float64(time.Since(env.assignedAt).Microseconds()) / 1000.0)
	}
	if err := b.frontend.Reply(env.ClientID, env.RequestID, r.Status, r.Body); err != nil {
		b.logger.Warn("reply delivery failed",
			slog.String("request", env.RequestID),
			slog.Any("error", err))
	}
	b.stats.IncrementReplied()
	if b.metrics != nil {
		b.metrics.RecordReply(r.Status)
	}
	b.dispatch()
}

func (b *Broker) membership(e event.MembershipEvent) {
	b.stats.IncrementEventsSeen()
	if b.metrics != nil {
		b.metrics.RecordMembershipEvent(string(e.Kind))
	}
	if b.lastEventSeq != 0 && e.Seq != b.lastEventSeq+1 {
		b.stats.IncrementEventGaps()
		if b.metrics != nil {
			b.metrics.RecordSequenceGap()
		}
		b.logger.Warn("membership sequence gap",
			slog.Uint64("last", b.lastEventSeq),
			slog.Uint64("got", e.Seq),
			slog.String("worker", e.WorkerID),
			slog.String("kind", string(e.Kind)))
	}
	if e.Seq > b.lastEventSeq {
		b.lastEventSeq = e.Seq
	}
	switch e.Kind {
	case event.KindUp:
		b.workerUp(e.WorkerID)
	case event.KindDown:
		b.workerDown(e.WorkerID)
	}
}

func (b *Broker) workerUp(id string) {
	rec := b.workers.upsert(id)
	if rec.State == StateBusy {
		// The DOWN for this worker's previous incarnation was lost; its
		// assignment can never complete.
		b.logger.Warn("membership UP for busy worker, recovering lost DOWN",
			slog.String("worker", id))
		b.workers.detach(rec)
		b.recoverAssignment(rec)
	}
	b.workers.markAvailable(rec)
	b.logger.Info("worker up", slog.String("worker", id))
	b.dispatch()
}

func (b *Broker) workerDown(id string) {
	rec := b.workers.get(id)
	if rec == nil {
		b.logger.Debug("membership DOWN for unknown worker", slog.String("worker", id))
		return
	}
	if rec.State == StateDead {
		return
	}
	b.logger.Info("worker down",
		slog.String("worker", id),
		slog.String("state", rec.State.String()))
	if rec.State == StateBusy {
		b.recoverAssignment(rec)
	}
	b.workers.markDead(rec)
}

// recoverAssignment pulls the envelope off a worker that cannot answer
// anymore and either re-submits it or fails the client, depending on how
// many workers have already died holding it.
func (b *Broker) recoverAssignment(rec *WorkerRecord) {
	env := rec.Assigned
	rec.Assigned = nil
	if env == nil {
		return
	}
	env.Attempts++
	if env.Attempts > b.cfg.MaxRetries {
		b.stats.IncrementFailed()
		if b.metrics != nil {
			b.metrics.RecordFailure()
		}
		b.logger.Warn("request abandoned",
			slog.String("request", env.RequestID),
			slog.Int("attempts", env.Attempts))
		body := fmt.Sprintf("request abandoned after %d worker failures", env.Attempts)
		if err := b.frontend.Reply(env.ClientID, env.RequestID, protocol.StatusFailed, []byte(body)); err != nil {
			b.logger.Warn("failure delivery failed",
				slog.String("request", env.RequestID),
				slog.Any("error", err))
		}
		return
	}
	b.stats.IncrementRetried()
	if b.metrics != nil {
		b.metrics.RecordRetry()
	}
	b.logger.Info("request retried",
		slog.String("request", env.RequestID),
		slog.Int("attempt", env.Attempts))
	b.submit(env)
}

// workerReady handles the READY handshake: an idempotent UP that also
// marks the backend route usable.
func (b *Broker) workerReady(id string) {
	rec := b.workers.upsert(id)
	rec.Attached = true
	if rec.State == StateBusy {
		// A READY from a busy identity is a restarted process whose
		// DOWN has not arrived yet; the old assignment cannot complete.
		b.logger.Warn("READY from busy worker, recovering assignment",
			slog.String("worker", id))
		b.recoverAssignment(rec)
	}
	b.workers.markAvailable(rec)
	b.logger.Info("worker attached", slog.String("worker", id))
	b.dispatch()
}

// dispatch pairs queued requests with idle workers until one side runs
// out.
func (b *Broker) dispatch() {
	for b.pending.len() > 0 {
		rec := b.workers.popAvailable()
		if rec == nil {
			return
		}
		b.assign(rec, b.pending.pop())
	}
}

func (b *Broker) syncGauges() {
	available, busy, dead := b.workers.counts()
	b.stats.SetWorkerCounts(int64(available), int64(busy), int64(dead))
	b.stats.SetPendingDepth(int64(b.pending.len()))
	if b.metrics != nil {
		b.metrics.RecordQueueState(int64(available), int64(busy), int64(b.pending.len()))
	}
}
