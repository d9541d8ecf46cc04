// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks detailed dispatch statistics.
type Stats struct {
	startTime time.Time

	// Request stats
	submitted atomic.Uint64
	assigned  atomic.Uint64
	replied   atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64

	// Anomaly stats
	staleReplies   atomic.Uint64
	protocolErrors atomic.Uint64

	// Membership stats
	eventsSeen atomic.Uint64
	eventGaps  atomic.Uint64

	// Point-in-time gauges, mirrored out of the loop goroutine so
	// observers never touch routing state.
	pendingDepth     atomic.Int64
	availableWorkers atomic.Int64
	busyWorkers      atomic.Int64
	deadWorkers      atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Request tracking.
func (s *Stats) IncrementSubmitted() {
	s.submitted.Add(1)
}

func (s *Stats) IncrementAssigned() {
	s.assigned.Add(1)
}

func (s *Stats) IncrementReplied() {
	s.replied.Add(1)
}

func (s *Stats) IncrementRetried() {
	s.retried.Add(1)
}

func (s *Stats) IncrementFailed() {
	s.failed.Add(1)
}

func (s *Stats) GetSubmitted() uint64 {
	return s.submitted.Load()
}

func (s *Stats) GetAssigned() uint64 {
	return s.assigned.Load()
}

func (s *Stats) GetReplied() uint64 {
	return s.replied.Load()
}

func (s *Stats) GetRetried() uint64 {
	return s.retried.Load()
}

func (s *Stats) GetFailed() uint64 {
	return s.failed.Load()
}

// Anomaly tracking.
func (s *Stats) IncrementStaleReplies() {
	s.staleReplies.Add(1)
}

func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) GetStaleReplies() uint64 {
	return s.staleReplies.Load()
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

// Membership tracking.
func (s *Stats) IncrementEventsSeen() {
	s.eventsSeen.Add(1)
}

func (s *Stats) IncrementEventGaps() {
	s.eventGaps.Add(1)
}

func (s *Stats) GetEventsSeen() uint64 {
	return s.eventsSeen.Load()
}

func (s *Stats) GetEventGaps() uint64 {
	return s.eventGaps.Load()
}

// Gauge mirrors.
func (s *Stats) SetPendingDepth(n int64) {
	s.pendingDepth.Store(n)
}

func (s *Stats) SetWorkerCounts(available, busy, dead int64) {
	s.availableWorkers.Store(available)
	s.busyWorkers.Store(busy)
	s.deadWorkers.Store(dead)
}

func (s *Stats) GetPendingDepth() int64 {
	return s.pendingDepth.Load()
}

func (s *Stats) GetAvailableWorkers() int64 {
	return s.availableWorkers.Load()
}

func (s *Stats) GetBusyWorkers() int64 {
	return s.busyWorkers.Load()
}

func (s *Stats) GetDeadWorkers() int64 {
	return s.deadWorkers.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of every counter, shaped for the
// stats endpoint.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Submitted        uint64  `json:"submitted"`
	Assigned         uint64  `json:"assigned"`
	Replied          uint64  `json:"replied"`
	Retried          uint64  `json:"retried"`
	Failed           uint64  `json:"failed"`
	StaleReplies     uint64  `json:"stale_replies"`
	ProtocolErrors   uint64  `json:"protocol_errors"`
	EventsSeen       uint64  `json:"events_seen"`
	EventGaps        uint64  `json:"event_gaps"`
	PendingDepth     int64   `json:"pending_depth"`
	AvailableWorkers int64   `json:"available_workers"`
	BusyWorkers      int64   `json:"busy_workers"`
	DeadWorkers      int64   `json:"dead_workers"`
}

// Snapshot captures current values of all counters and gauges.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		Submitted:        s.submitted.Load(),
		Assigned:         s.assigned.Load(),
		Replied:          s.replied.Load(),
		Retried:          s.retried.Load(),
		Failed:           s.failed.Load(),
		StaleReplies:     s.staleReplies.Load(),
		ProtocolErrors:   s.protocolErrors.Load(),
		EventsSeen:       s.eventsSeen.Load(),
		EventGaps:        s.eventGaps.Load(),
		PendingDepth:     s.pendingDepth.Load(),
		AvailableWorkers: s.availableWorkers.Load(),
		BusyWorkers:      s.busyWorkers.Load(),
		DeadWorkers:      s.deadWorkers.Load(),
	}
}
