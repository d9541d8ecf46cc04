// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the dispatch broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	requestsSubmitted metric.Int64Counter
	requestsAssigned  metric.Int64Counter
	repliesTotal      metric.Int64Counter
	retriesTotal      metric.Int64Counter
	failuresTotal     metric.Int64Counter
	staleReplies      metric.Int64Counter
	membershipEvents  metric.Int64Counter
	sequenceGaps      metric.Int64Counter

	// Gauges
	workersAvailable metric.Int64Gauge
	workersBusy      metric.Int64Gauge
	pendingDepth     metric.Int64Gauge

	// Histograms
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("drover-broker"),
	}

	var err error

	// Initialize counters
	m.requestsSubmitted, err = m.meter.Int64Counter(
		"drover.requests.submitted.total",
		metric.WithDescription("Total requests accepted from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsSubmitted counter: %w", err)
	}

	m.requestsAssigned, err = m.meter.Int64Counter(
		"drover.requests.assigned.total",
		metric.WithDescription("Total request assignments handed to workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsAssigned counter: %w", err)
	}

	m.repliesTotal, err = m.meter.Int64Counter(
		"drover.replies.total",
		metric.WithDescription("Total replies forwarded to clients by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repliesTotal counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"drover.retries.total",
		metric.WithDescription("Total requests requeued after a worker death"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriesTotal counter: %w", err)
	}

	m.failuresTotal, err = m.meter.Int64Counter(
		"drover.failures.total",
		metric.WithDescription("Total requests abandoned after exhausting the retry budget"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failuresTotal counter: %w", err)
	}

	m.staleReplies, err = m.meter.Int64Counter(
		"drover.replies.stale.total",
		metric.WithDescription("Total replies dropped because no live assignment matched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create staleReplies counter: %w", err)
	}

	m.membershipEvents, err = m.meter.Int64Counter(
		"drover.membership.events.total",
		metric.WithDescription("Total membership events consumed by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create membershipEvents counter: %w", err)
	}

	m.sequenceGaps, err = m.meter.Int64Counter(
		"drover.membership.gaps.total",
		metric.WithDescription("Total gaps observed in the membership event sequence"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequenceGaps counter: %w", err)
	}

	// Initialize gauges
	m.workersAvailable, err = m.meter.Int64Gauge(
		"drover.workers.available",
		metric.WithDescription("Workers currently idle and eligible for assignment"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersAvailable gauge: %w", err)
	}

	m.workersBusy, err = m.meter.Int64Gauge(
		"drover.workers.busy",
		metric.WithDescription("Workers currently holding an assignment"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersBusy gauge: %w", err)
	}

	m.pendingDepth, err = m.meter.Int64Gauge(
		"drover.pending.depth",
		metric.WithDescription("Requests waiting for an available worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingDepth gauge: %w", err)
	}

	// Initialize histograms
	m.dispatchDuration, err = m.meter.Float64Histogram(
		"drover.dispatch.duration.ms",
		metric.WithDescription("Time from assignment to reply in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSubmitted records a request accepted from a client.
func (m *Metrics) RecordSubmitted() {
	m.requestsSubmitted.Add(context.Background(), 1)
}

// RecordAssigned records a request handed to a worker.
func (m *Metrics) RecordAssigned() {
	m.requestsAssigned.Add(context.Background(), 1)
}

// RecordReply records a reply forwarded to a client.
func (m *Metrics) RecordReply(status string) {
	m.repliesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordRetry records a request requeued after its worker died.
func (m *Metrics) RecordRetry() {
	m.retriesTotal.Add(context.Background(), 1)
}

// RecordFailure records a request abandoned after too many worker deaths.
func (m *Metrics) RecordFailure() {
	m.failuresTotal.Add(context.Background(), 1)
}

// RecordStaleReply records a reply dropped because its request was reassigned.
func (m *Metrics) RecordStaleReply() {
	m.staleReplies.Add(context.Background(), 1)
}

// RecordMembershipEvent records a membership event by kind.
func (m *Metrics) RecordMembershipEvent(kind string) {
	m.membershipEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSequenceGap records a gap in the membership event sequence.
func (m *Metrics) RecordSequenceGap() {
	m.sequenceGaps.Add(context.Background(), 1)
}

// RecordDispatchDuration records the time a worker held an assignment.
func (m *Metrics) RecordDispatchDuration(durationMs float64) {
	m.dispatchDuration.Record(context.Background(), durationMs)
}

// RecordQueueState records the current worker and queue gauges.
func (m *Metrics) RecordQueueState(available, busy, pending int64) {
	ctx := context.Background()
	m.workersAvailable.Record(ctx, available)
	m.workersBusy.Record(ctx, busy)
	m.pendingDepth.Record(ctx, pending)
}
