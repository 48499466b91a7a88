// internal/server/fairqueue.go
package server

import (
	"fmt"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

// Source supplies the next outbound packet for a Flow. Packets are
// complete sc_header frames (a wire.Message for normal chat traffic, a
// wire.ResetPeer for a flow whose input has been swapped to the one-shot
// resetpeer source). Pop returns ok == false when the flow currently has
// nothing queued.
type Source interface {
	Pop() (payload []byte, ok bool)
}

// FlowState is a Flow's membership state in its Queue.
type FlowState int

const (
	FlowConnected FlowState = iota
	FlowDisconnected
	FlowDying
)

func (s FlowState) String() string {
	switch s {
	case FlowConnected:
		return "connected"
	case FlowDisconnected:
		return "disconnected"
	case FlowDying:
		return "dying"
	default:
		return "unknown"
	}
}

// Flow is one peer's lane in the server fair queue. At most one packet is
// ever "in flight" (busy) per flow at a time; a flow asked to close while
// busy is marked dying instead of freed immediately, so the packet already
// handed to the transport is never orphaned mid-write.
type Flow struct {
	PeerID uint16
	state  FlowState
	src    Source
	busy   bool
	q      *Queue
}

func (f *Flow) State() FlowState { return f.state }

// SwapSource replaces the flow's input, switching it between the peer's
// chat output and the one-shot resetpeer source. Any packet already in
// flight is unaffected.
func (f *Flow) SwapSource(src Source) {
	f.src = src
}

// Kick schedules a pump pass for this flow's queue.
func (f *Flow) Kick() {
	f.q.Kick()
}

// send hands pkt to the queue's write sink while the flow is marked busy.
// Pump calls this after popping pkt from the flow's source.
func (f *Flow) send(pkt []byte) error {
	f.busy = true
	err := f.q.write(pkt)
	f.busy = false
	f.onIdle()
	return err
}

// onIdle runs whenever a flow's in-flight packet completes (here,
// synchronously after send, since the queue's write sink is synchronous).
// It is also the hook that frees a dying flow once its last packet clears.
func (f *Flow) onIdle() {
	if f.state == FlowDying {
		f.q.free(f)
	}
}

// Close removes the flow from its queue. If the flow has no packet
// in-flight it is freed immediately; otherwise it is marked dying and
// freed once its current send completes. There is at most one dying flow
// per queue at a time; additional concurrent closes are deferred
// until the current dying flow is freed.
func (f *Flow) Close() {
	f.q.close(f)
}

// Queue is a round-robin fair queue of per-peer Flows, sharing one
// downstream write sink (the server connection's send side).
type Queue struct {
	r         *reactor.Reactor
	write     func(payload []byte) error
	flows     []*Flow
	byPeer    map[uint16]*Flow
	cursor    int
	dying     *Flow
	pendingRm []*Flow
	kicked    bool
}

// NewQueue builds a fair queue that writes ready packets through write.
// Kick posts pump passes as pending jobs on r; pass nil only from tests
// that drive Pump directly.
func NewQueue(r *reactor.Reactor, write func(payload []byte) error) *Queue {
	return &Queue{
		r:      r,
		write:  write,
		byPeer: make(map[uint16]*Flow),
	}
}

// Kick schedules a job that pumps the queue dry. Multiple kicks before
// the job runs coalesce into one pass.
func (q *Queue) Kick() {
	if q.kicked || q.r == nil {
		return
	}
	q.kicked = true
	q.r.PostJob(func() {
		q.kicked = false
		for q.Pump() {
		}
	})
}

// NewFlow registers a new connected flow for peerID, sourcing packets from
// src.
func (q *Queue) NewFlow(peerID uint16, src Source) (*Flow, error) {
	if _, exists := q.byPeer[peerID]; exists {
		return nil, fmt.Errorf("server: flow for peer %d already exists", peerID)
	}
	f := &Flow{PeerID: peerID, state: FlowConnected, src: src, q: q}
	q.flows = append(q.flows, f)
	q.byPeer[peerID] = f
	return f, nil
}

// Flow looks up the flow for a peer, if any.
func (q *Queue) Flow(peerID uint16) (*Flow, bool) {
	f, ok := q.byPeer[peerID]
	return f, ok
}

// Pump advances the round robin by one slot: it finds the next connected
// flow with a queued packet and sends it. It returns false when no flow
// had anything to send.
func (q *Queue) Pump() bool {
	n := len(q.flows)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		f := q.flows[idx]
		if f.state != FlowConnected || f.busy {
			continue
		}
		pkt, ok := f.src.Pop()
		if !ok {
			continue
		}
		q.cursor = (idx + 1) % n
		_ = f.send(pkt)
		return true
	}
	return false
}

func (q *Queue) close(f *Flow) {
	if f.state == FlowDying {
		return // already tearing down; idempotent
	}
	if !f.busy {
		q.free(f)
		return
	}
	if q.dying != nil && q.dying != f {
		// Another flow is already the sole dying slot (invariant);
		// defer this one until that slot is freed.
		q.pendingRm = append(q.pendingRm, f)
		f.state = FlowDisconnected // stop scheduling new sends immediately
		return
	}
	f.state = FlowDying
	q.dying = f
}

func (q *Queue) free(f *Flow) {
	if q.dying == f {
		q.dying = nil
	}
	delete(q.byPeer, f.PeerID)
	for i, other := range q.flows {
		if other == f {
			q.flows = append(q.flows[:i], q.flows[i+1:]...)
			break
		}
	}
	if len(q.flows) > 0 {
		q.cursor = q.cursor % len(q.flows)
	} else {
		q.cursor = 0
	}
	q.promotePending()
}

// FlowSnapshot is a read-only view of one flow, for introspection
// surfaces (internal/diag) that must not hold a reference to the live
// Flow itself.
type FlowSnapshot struct {
	PeerID uint16
	State  FlowState
	Busy   bool
}

// Snapshot returns the current state of every flow in round-robin order.
func (q *Queue) Snapshot() []FlowSnapshot {
	out := make([]FlowSnapshot, len(q.flows))
	for i, f := range q.flows {
		out[i] = FlowSnapshot{PeerID: f.PeerID, State: f.state, Busy: f.busy}
	}
	return out
}

// promotePending hands the dying slot to the next deferred removal, if
// any, once it has become free.
func (q *Queue) promotePending() {
	if q.dying != nil || len(q.pendingRm) == 0 {
		return
	}
	next := q.pendingRm[0]
	q.pendingRm = q.pendingRm[1:]
	if !next.busy {
		q.free(next)
		return
	}
	next.state = FlowDying
	q.dying = next
}
