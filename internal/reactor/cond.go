// internal/reactor/cond.go
package reactor

// Cond is a zero-cost wait queue signalled explicitly by producer code.
// Unlike sync.Cond it never blocks a goroutine: Wait registers a callback
// that Signal/Broadcast schedule as a pending job, so waiters are resumed
// in FIFO dispatch order on the reactor goroutine, never via OS-level
// blocking.
type Cond struct {
	r       *Reactor
	waiters []*condWaiter
}

type condWaiter struct {
	fn        func()
	cancelled bool
}

// run invokes fn unless the wait was removed after being signalled.
func (w *condWaiter) run() {
	if !w.cancelled {
		w.fn()
	}
}

// NewCond creates a condition bound to r.
func (r *Reactor) NewCond() *Cond {
	return &Cond{r: r}
}

// Wait registers fn to run (as a pending job) the next time Signal or
// Broadcast is called. Returns a handle whose Remove unregisters fn before
// it fires; Remove is idempotent and safe even after the wait has already
// been delivered.
func (c *Cond) Wait(fn func()) *CondWaitHandle {
	w := &condWaiter{fn: fn}
	c.waiters = append(c.waiters, w)
	return &CondWaitHandle{w: w}
}

// CondWaitHandle lets a caller cancel a pending Wait registration.
type CondWaitHandle struct{ w *condWaiter }

// Remove cancels the wait registration. Safe to call at any time, including
// from inside an unrelated handler.
func (h *CondWaitHandle) Remove() {
	if h == nil || h.w == nil {
		return
	}
	h.w.cancelled = true
}

// Signal wakes exactly one still-registered waiter (FIFO), posting its
// callback to the pending-job queue.
func (c *Cond) Signal() {
	for len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		if w.cancelled {
			continue
		}
		c.r.PostJob(w.run)
		return
	}
}

// Broadcast wakes all still-registered waiters, posting each callback to
// the pending-job queue in registration order.
func (c *Cond) Broadcast() {
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		if w.cancelled {
			continue
		}
		c.r.PostJob(w.run)
	}
}
