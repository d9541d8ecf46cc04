// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"slices"
	"time"
)

// State identifies where a worker is in its lifecycle.
type State int

const (
	// StateAvailable means the worker is idle and eligible for work.
	StateAvailable State = iota
	// StateBusy means the worker holds exactly one assignment.
	StateBusy
	// StateDead means the supervisor reported the worker down.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Envelope is a request in flight through the broker.
type Envelope struct {
	ClientID  []byte
	RequestID string
	Payload   []byte

	// Attempts counts worker deaths while holding this request. Only the
	// broker loop mutates it; it never travels on the wire.
	Attempts int

	assignedAt time.Time
}

// WorkerRecord tracks one worker identity known to the broker.
type WorkerRecord struct {
	ID    string
	State State

	// Assigned is the envelope the worker holds, non-nil only while busy.
	Assigned *Envelope

	// Attached reports whether the worker's backend route exists, i.e.
	// its READY has been seen since it last connected. Assignments are
	// only sent to attached workers.
	Attached bool
}

// registry holds every worker identity the broker has heard of and the
// LRU order of the ones eligible for work. It is confined to the broker
// loop goroutine; nothing here locks.
//
// Invariant: avail lists exactly the identities whose record is
// StateAvailable and Attached, each at most once, head least recently
// assigned.
type registry struct {
	records map[string]*WorkerRecord
	avail   []string
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*WorkerRecord)}
}

func (r *registry) get(id string) *WorkerRecord {
	return r.records[id]
}

// upsert returns the record for id, creating it out of rotation if the
// identity is new. Callers decide the state transition.
func (r *registry) upsert(id string) *WorkerRecord {
	if rec, ok := r.records[id]; ok {
		return rec
	}
	rec := &WorkerRecord{ID: id, State: StateDead}
	r.records[id] = rec
	return rec
}

// popAvailable removes and returns the least recently assigned eligible
// worker, or nil when none is idle.
func (r *registry) popAvailable() *WorkerRecord {
	for len(r.avail) > 0 {
		id := r.avail[0]
		r.avail[0] = ""
		r.avail = r.avail[1:]
		rec := r.records[id]
		if rec != nil && rec.State == StateAvailable && rec.Attached {
			return rec
		}
	}
	return nil
}

// markAvailable clears any assignment and returns the worker to the tail
// of the rotation. Unattached workers stay out of the rotation until
// their READY arrives.
func (r *registry) markAvailable(rec *WorkerRecord) {
	rec.State = StateAvailable
	rec.Assigned = nil
	if !rec.Attached {
		return
	}
	if !slices.Contains(r.avail, rec.ID) {
		r.avail = append(r.avail, rec.ID)
	}
}

// markDead takes the worker out of rotation and severs its route.
func (r *registry) markDead(rec *WorkerRecord) {
	rec.State = StateDead
	rec.Attached = false
	r.dropAvail(rec.ID)
}

// detach severs the worker's route without declaring it dead, used when a
// send to it fails before any DOWN event arrives.
func (r *registry) detach(rec *WorkerRecord) {
	rec.Attached = false
	r.dropAvail(rec.ID)
}

func (r *registry) dropAvail(id string) {
	if i := slices.Index(r.avail, id); i >= 0 {
		r.avail = slices.Delete(r.avail, i, i+1)
	}
}

// counts tallies records by state for gauges and logs.
func (r *registry) counts() (available, busy, dead int) {
	for _, rec := range r.records {
		switch rec.State {
		case StateAvailable:
			available++
		case StateBusy:
			busy++
		case StateDead:
			dead++
		}
	}
	return available, busy, dead
}
