// internal/reactor/timer.go
package reactor

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// Timer is an absolute-expiration timer scheduled on a Reactor. The two
// constructors cover the "small" one-shot style (NewTimer, absolute
// deadline) and the relative convenience form (NewTimerFunc); both build
// the same node, only the ergonomics differ.
type Timer struct {
	id       uuid.UUID
	deadline time.Time
	handler  func()
	active   bool
	index    int // heap index, -1 when not in the heap
	r        *Reactor
}

// NewTimer arms a one-shot timer that fires handler at deadline. The timer
// starts active; re-arming inside handler is legal because the reactor pops
// the timer and marks it inactive before invoking handler.
func (r *Reactor) NewTimer(deadline time.Time, handler func()) *Timer {
	t := &Timer{
		id:       uuid.New(),
		deadline: deadline,
		handler:  handler,
		index:    -1,
		r:        r,
	}
	r.arm(t)
	return t
}

// NewTimerFunc is sugar for NewTimer(time.Now().Add(d), handler).
func (r *Reactor) NewTimerFunc(d time.Duration, handler func()) *Timer {
	return r.NewTimer(time.Now().Add(d), handler)
}

func (r *Reactor) arm(t *Timer) {
	t.active = true
	heap.Push(&r.timers, t)
}

// Rearm re-schedules an existing (possibly already-fired) timer for a new
// deadline. Safe to call from inside the timer's own handler.
func (t *Timer) Rearm(deadline time.Time) {
	if t.active {
		t.deadline = deadline
		heap.Fix(&t.r.timers, t.index)
		return
	}
	t.deadline = deadline
	t.r.arm(t)
}

// Remove cancels the timer. Idempotent; safe to call even if the timer has
// already fired or was never armed. Once removed, a dispatch already
// in-flight for this id cannot invoke the handler.
func (t *Timer) Remove() {
	if !t.active {
		return
	}
	heap.Remove(&t.r.timers, t.index)
	t.active = false
	t.index = -1
	t.handler = func() {}
}

// Active reports whether the timer is still armed (not yet fired, not
// removed).
func (t *Timer) Active() bool { return t.active }

// timerHeap orders Timers by deadline, tie-broken on id bytes so two
// timers with equal deadlines pop in a deterministic total order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id.String() < h[j].id.String()
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// peekExpired returns the earliest timer if it has already expired, else
// nil. It does not mutate the heap.
func (h *timerHeap) peekExpired() *Timer {
	if len(*h) == 0 {
		return nil
	}
	top := (*h)[0]
	if top.deadline.After(time.Now()) {
		return nil
	}
	return top
}

// nextDeadline returns the earliest armed timer's deadline and whether one
// exists.
func (h *timerHeap) nextDeadline() (time.Time, bool) {
	if len(*h) == 0 {
		return time.Time{}, false
	}
	return (*h)[0].deadline, true
}
