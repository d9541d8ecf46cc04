// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drover-io/drover/event"
	"github.com/drover-io/drover/protocol"
	otelx "github.com/drover-io/drover/server/otel"
)

type clientReply struct {
	clientID  string
	requestID string
	status    string
	body      string
}

type fakeClientSender struct {
	mu      sync.Mutex
	replies []clientReply
}

func (f *fakeClientSender) Reply(clientID []byte, requestID, status string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, clientReply{string(clientID), requestID, status, string(body)})
	return nil
}

func (f *fakeClientSender) all() []clientReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]clientReply, len(f.replies))
	copy(out, f.replies)
	return out
}

type assignment struct {
	workerID  string
	requestID string
}

type fakeWorkerSender struct {
	mu      sync.Mutex
	assigns []assignment
	failFor map[string]bool
}

func (f *fakeWorkerSender) Assign(workerID, requestID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[workerID] {
		return errors.New("no route to worker")
	}
	f.assigns = append(f.assigns, assignment{workerID, requestID})
	return nil
}

func (f *fakeWorkerSender) all() []assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]assignment, len(f.assigns))
	copy(out, f.assigns)
	return out
}

func (f *fakeWorkerSender) failSendsTo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[id] = true
}

func (f *fakeWorkerSender) restoreSendsTo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failFor, id)
}

func newTestBroker(t *testing.T, maxRetries int) (*Broker, *fakeClientSender, *fakeWorkerSender) {
	t.Helper()
	front := &fakeClientSender{}
	back := &fakeWorkerSender{failFor: make(map[string]bool)}
	metrics, err := otelx.NewMetrics()
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{MaxRetries: maxRetries}, front, back, metrics, logger), front, back
}

func submitNew(b *Broker, client, requestID string) {
	b.submit(&Envelope{
		ClientID:  []byte(client),
		RequestID: requestID,
		Payload:   []byte("payload"),
	})
}

func sendUp(b *Broker, seq uint64, id string) {
	b.membership(event.MembershipEvent{WorkerID: id, Kind: event.KindUp, Seq: seq, At: time.Now()})
}

func sendDown(b *Broker, seq uint64, id string) {
	b.membership(event.MembershipEvent{WorkerID: id, Kind: event.KindDown, Seq: seq, At: time.Now()})
}

func assertAssigns(t *testing.T, back *fakeWorkerSender, want []assignment) {
	t.Helper()
	got := back.all()
	if len(got) != len(want) {
		t.Fatalf("expected %d assignments, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignment %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestAssignsLeastRecentlyUsedWorker(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	b.workerReady("w1")
	b.workerReady("w2")
	b.workerReady("w3")

	submitNew(b, "c1", "r1")
	submitNew(b, "c1", "r2")
	submitNew(b, "c1", "r3")

	// w2 finishes first and rejoins at the tail, so the next request
	// still goes to it: it is the only idle worker.
	b.reply(WorkerReply{WorkerID: "w2", RequestID: "r2", Status: protocol.StatusOK})
	submitNew(b, "c1", "r4")

	// w1 then w3 finish; w1 has waited longest.
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK})
	b.reply(WorkerReply{WorkerID: "w3", RequestID: "r3", Status: protocol.StatusOK})
	submitNew(b, "c1", "r5")

	assertAssigns(t, back, []assignment{
		{"w1", "r1"}, {"w2", "r2"}, {"w3", "r3"}, {"w2", "r4"}, {"w1", "r5"},
	})
}

func TestReplyForwardedVerbatim(t *testing.T) {
	b, front, _ := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "client-a", "r1")
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusError, Body: []byte("boom")})

	replies := front.all()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	got := replies[0]
	if got.clientID != "client-a" || got.requestID != "r1" {
		t.Fatalf("reply misrouted: %+v", got)
	}
	if got.status != protocol.StatusError || got.body != "boom" {
		t.Fatalf("reply altered in transit: %+v", got)
	}
	if b.stats.GetReplied() != 1 {
		t.Fatalf("expected 1 replied, got %d", b.stats.GetReplied())
	}
}

func TestQueuesUntilWorkerAttaches(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	submitNew(b, "c1", "r1")
	submitNew(b, "c1", "r2")
	if len(back.all()) != 0 {
		t.Fatal("assigned without any worker")
	}
	if b.pending.len() != 2 {
		t.Fatalf("expected 2 pending, got %d", b.pending.len())
	}

	b.workerReady("w1")
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK})

	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w1", "r2"}})
	if b.pending.len() != 0 {
		t.Fatalf("expected drained queue, got depth %d", b.pending.len())
	}
}

func TestWorkerDeathRetriesOnAnotherWorker(t *testing.T) {
	b, front, back := newTestBroker(t, 3)

	b.workerReady("w1")
	b.workerReady("w2")
	submitNew(b, "c1", "r1")

	sendDown(b, 1, "w1")

	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w2", "r1"}})
	if len(front.all()) != 0 {
		t.Fatal("client answered before the retry completed")
	}
	if b.stats.GetRetried() != 1 {
		t.Fatalf("expected 1 retry, got %d", b.stats.GetRetried())
	}

	b.reply(WorkerReply{WorkerID: "w2", RequestID: "r1", Status: protocol.StatusOK, Body: []byte("done")})
	replies := front.all()
	if len(replies) != 1 || replies[0].status != protocol.StatusOK {
		t.Fatalf("expected one OK reply, got %v", replies)
	}
}

func TestRetriedRequestJoinsThePendingTail(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")
	submitNew(b, "c1", "r2")
	submitNew(b, "c1", "r3")

	// r1 dies with w1. It must requeue behind r2 and r3.
	sendDown(b, 1, "w1")
	b.workerReady("w1")
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r2", Status: protocol.StatusOK})
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r3", Status: protocol.StatusOK})

	assertAssigns(t, back, []assignment{
		{"w1", "r1"}, {"w1", "r2"}, {"w1", "r3"}, {"w1", "r1"},
	})
}

func TestRetryBudgetExhaustionFailsTheClient(t *testing.T) {
	b, front, back := newTestBroker(t, 2)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")

	for seq := uint64(1); seq <= 3; seq++ {
		sendDown(b, seq, "w1")
		if seq < 3 {
			b.workerReady("w1")
		}
	}

	// Two retries allowed: assigned three times in total, then abandoned.
	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w1", "r1"}, {"w1", "r1"}})

	replies := front.all()
	if len(replies) != 1 {
		t.Fatalf("expected exactly one verdict, got %d", len(replies))
	}
	if replies[0].status != protocol.StatusFailed {
		t.Fatalf("expected %s, got %s", protocol.StatusFailed, replies[0].status)
	}
	want := fmt.Sprintf("request abandoned after %d worker failures", 3)
	if replies[0].body != want {
		t.Fatalf("expected body %q, got %q", want, replies[0].body)
	}
	if b.stats.GetFailed() != 1 || b.stats.GetRetried() != 2 {
		t.Fatalf("expected 1 failed / 2 retried, got %d/%d", b.stats.GetFailed(), b.stats.GetRetried())
	}
}

func TestZeroRetryBudgetFailsOnFirstDeath(t *testing.T) {
	b, front, _ := newTestBroker(t, 0)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")
	sendDown(b, 1, "w1")

	replies := front.all()
	if len(replies) != 1 || replies[0].status != protocol.StatusFailed {
		t.Fatalf("expected immediate failure, got %v", replies)
	}
	if b.stats.GetRetried() != 0 {
		t.Fatalf("expected no retries, got %d", b.stats.GetRetried())
	}
}

func TestStaleReplyDropped(t *testing.T) {
	b, front, back := newTestBroker(t, 3)

	b.workerReady("w1")
	b.workerReady("w2")
	submitNew(b, "c1", "r1")
	sendDown(b, 1, "w1")

	// r1 now lives on w2. A late reply from the dead w1 must not reach
	// the client.
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK, Body: []byte("stale")})
	if len(front.all()) != 0 {
		t.Fatal("stale reply forwarded to client")
	}
	if b.stats.GetStaleReplies() != 1 {
		t.Fatalf("expected 1 stale reply, got %d", b.stats.GetStaleReplies())
	}

	// The live assignment still completes, exactly once.
	b.reply(WorkerReply{WorkerID: "w2", RequestID: "r1", Status: protocol.StatusOK, Body: []byte("fresh")})
	replies := front.all()
	if len(replies) != 1 || replies[0].body != "fresh" {
		t.Fatalf("expected single fresh reply, got %v", replies)
	}
	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w2", "r1"}})
}

func TestReplyFromWorkerWithDifferentAssignmentDropped(t *testing.T) {
	b, front, _ := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")

	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r0", Status: protocol.StatusOK})
	if len(front.all()) != 0 {
		t.Fatal("mismatched reply forwarded")
	}
	if b.stats.GetStaleReplies() != 1 {
		t.Fatalf("expected 1 stale reply, got %d", b.stats.GetStaleReplies())
	}

	// The real reply still lands.
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK})
	if len(front.all()) != 1 {
		t.Fatal("genuine reply lost")
	}
}

func TestDuplicateDownIsNoOp(t *testing.T) {
	b, front, _ := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")
	sendDown(b, 1, "w1")
	sendDown(b, 2, "w1")

	// The first DOWN put r1 back in pending with one attempt spent. The
	// duplicate must not spend another.
	if b.stats.GetRetried() != 1 {
		t.Fatalf("expected 1 retry, got %d", b.stats.GetRetried())
	}
	if len(front.all()) != 0 {
		t.Fatalf("duplicate DOWN produced a verdict: %v", front.all())
	}
	if b.stats.GetEventGaps() != 0 {
		t.Fatalf("consecutive sequences flagged as gap")
	}
}

func TestDownForUnknownWorkerIgnored(t *testing.T) {
	b, _, _ := newTestBroker(t, 3)

	sendDown(b, 1, "ghost")
	if b.workers.get("ghost") != nil {
		t.Fatal("DOWN created a record for an unknown worker")
	}
	if b.stats.GetEventsSeen() != 1 {
		t.Fatalf("expected event counted, got %d", b.stats.GetEventsSeen())
	}
}

func TestMembershipSequenceGapCounted(t *testing.T) {
	b, _, _ := newTestBroker(t, 3)

	// First observed sequence sets the baseline without a gap.
	sendUp(b, 5, "w1")
	if b.stats.GetEventGaps() != 0 {
		t.Fatalf("baseline event flagged as gap")
	}

	sendUp(b, 6, "w2")
	sendUp(b, 9, "w3")
	if b.stats.GetEventGaps() != 1 {
		t.Fatalf("expected 1 gap, got %d", b.stats.GetEventGaps())
	}
	if b.lastEventSeq != 9 {
		t.Fatalf("expected last sequence 9, got %d", b.lastEventSeq)
	}

	// Routing proceeds despite the gap.
	if b.stats.GetEventsSeen() != 3 {
		t.Fatalf("expected 3 events seen, got %d", b.stats.GetEventsSeen())
	}
}

func TestUpForBusyWorkerRecoversLostDown(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")

	// The supervisor restarted w1 but its DOWN never arrived. The UP for
	// the new incarnation reveals the old assignment is lost.
	sendUp(b, 1, "w1")

	if b.stats.GetRetried() != 1 {
		t.Fatalf("expected recovery retry, got %d", b.stats.GetRetried())
	}
	// The new incarnation has not sent READY yet, so the request waits.
	if b.pending.len() != 1 {
		t.Fatalf("expected request pending, got depth %d", b.pending.len())
	}

	b.workerReady("w1")
	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w1", "r1"}})
}

func TestReadyFromBusyWorkerRecoversAssignment(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	b.workerReady("w1")
	submitNew(b, "c1", "r1")

	// A second READY from the same identity means the process restarted
	// before its DOWN was delivered.
	b.workerReady("w1")

	if b.stats.GetRetried() != 1 {
		t.Fatalf("expected recovery retry, got %d", b.stats.GetRetried())
	}
	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w1", "r1"}})
}

func TestUndeliverableAssignmentHoldsRequest(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	back.failSendsTo("w1")
	b.workerReady("w1")
	submitNew(b, "c1", "r1")

	if len(back.all()) != 0 {
		t.Fatal("assignment recorded despite send failure")
	}
	if b.pending.len() != 1 {
		t.Fatalf("expected request held, got depth %d", b.pending.len())
	}
	// The send never left the broker, so the death budget is untouched.
	if b.stats.GetRetried() != 0 || b.stats.GetFailed() != 0 {
		t.Fatal("send failure consumed the retry budget")
	}

	// The worker reattaches with a working route and drains the queue.
	back.restoreSendsTo("w1")
	b.workerReady("w1")
	assertAssigns(t, back, []assignment{{"w1", "r1"}})
}

func TestUndeliverableAssignmentPreservesOrder(t *testing.T) {
	b, _, back := newTestBroker(t, 3)

	back.failSendsTo("w1")
	b.workerReady("w1")
	submitNew(b, "c1", "r1")
	submitNew(b, "c1", "r2")

	back.restoreSendsTo("w1")
	b.workerReady("w1")
	b.reply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK})

	assertAssigns(t, back, []assignment{{"w1", "r1"}, {"w1", "r2"}})
}

func TestLoopWiring(t *testing.T) {
	b, front, back := newTestBroker(t, 3)
	b.Start()
	defer b.Stop()

	b.WorkerReady("w1")
	b.Submit(&Envelope{ClientID: []byte("c1"), RequestID: "r1", Payload: []byte("p")})

	waitFor(t, func() bool { return len(back.all()) == 1 })

	b.HandleReply(WorkerReply{WorkerID: "w1", RequestID: "r1", Status: protocol.StatusOK, Body: []byte("done")})
	waitFor(t, func() bool { return len(front.all()) == 1 })

	b.HandleEvent(event.MembershipEvent{WorkerID: "w1", Kind: event.KindDown, Seq: 1, At: time.Now()})
	waitFor(t, func() bool { return b.stats.GetDeadWorkers() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
