// internal/reactor/io.go
package reactor

import (
	"github.com/google/uuid"
)

// IOHandle represents a registered fd/completion source. The reactor
// itself is backend-neutral: a socket or other blocking source is read
// from a dedicated goroutine, which calls Notify to
// hand a ready completion back to the single reactor goroutine, playing
// the role epoll/kqueue/poll/IOCP would in a platform-specific loop
// without committing this package to any one polling API.
type IOHandle struct {
	id uuid.UUID
	r  *Reactor
}

// RegisterIO creates a new completion source. The caller is responsible for
// running whatever blocking operation produces events and calling Notify
// once per completion.
func (r *Reactor) RegisterIO() *IOHandle {
	id := uuid.New()
	r.ioValidMu.Lock()
	if r.ioValid == nil {
		r.ioValid = make(map[uuid.UUID]bool)
	}
	r.ioValid[id] = true
	r.ioValidMu.Unlock()
	return &IOHandle{id: id, r: r}
}

// Notify hands a ready completion to the reactor goroutine. Safe to call
// from any goroutine, at any time, including after Remove has been called
// (in which case the notification is silently dropped). fn runs on the
// reactor goroutine once dispatched, unless the handle was removed in the
// meantime: an earlier handler in the same wakeup batch may free this
// handle before its event is delivered, and the removal must also
// invalidate the already-dispatched result.
func (h *IOHandle) Notify(fn func()) {
	h.r.ioValidMu.Lock()
	valid := h.r.ioValid[h.id]
	h.r.ioValidMu.Unlock()
	if !valid {
		return
	}
	select {
	case h.r.ioWaiters <- ioEvent{id: h.id, fn: fn}:
	default:
		// Backlog full; drop rather than block the producer goroutine.
		// A future retry (e.g. the next socket read) will re-notify.
	}
}

// Remove idempotently invalidates this handle. Any Notify already queued
// but not yet dispatched will be skipped; the handler itself is never
// invoked after Remove returns.
func (h *IOHandle) Remove() {
	h.r.ioValidMu.Lock()
	delete(h.r.ioValid, h.id)
	h.r.ioValidMu.Unlock()
}

func (r *Reactor) isIOValid(id uuid.UUID) bool {
	r.ioValidMu.Lock()
	defer r.ioValidMu.Unlock()
	return r.ioValid[id]
}
