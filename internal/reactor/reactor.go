// internal/reactor/reactor.go
// Package reactor implements the single-threaded cooperative event loop
// that drives the whole meshvpn core: timers, pending jobs, conditions, and
// I/O readiness all flow through one goroutine so that every other package
// in this module gets single-writer semantics without locks.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("reactor")

// Reactor is the event loop. Exactly one goroutine ever calls Run; every
// other method is safe to call from within a handler running on that
// goroutine, and Post is additionally safe to call from any other
// goroutine to hand work back to the loop.
type Reactor struct {
	mu sync.Mutex // guards only the cross-goroutine handoff queues below

	// externalJobs holds callbacks enqueued from outside the reactor
	// goroutine (e.g. a reader goroutine on a socket). They are drained
	// into the pending-job FIFO at the top of every iteration.
	externalJobs []func()

	jobs   jobQueue
	timers timerHeap

	ioQueue   []ioEvent
	ioWaiters chan ioEvent // fed by registered readers; single consumer

	ioValidMu sync.Mutex
	ioValid   map[uuid.UUID]bool

	exiting  bool
	exitCode int
	doneCh   chan struct{}

	// admission limits: maxJobsPerIteration caps the jobs run by one
	// runPendingJobs call, whose count starts from zero on every call
	// rather than when the loop blocks; maxIOPerIteration caps the I/O
	// events blockForEvents takes in each time it wakes.
	maxJobsPerIteration int
	maxIOPerIteration   int
}

type ioEvent struct {
	id uuid.UUID
	fn func()
}

// New creates a Reactor. jobLimit caps how many pending jobs one
// runPendingJobs call runs before Run goes back to the top of its loop,
// drains posted jobs and resumes the job queue; timers and I/O are
// dispatched only once the job queue is empty. ioLimit caps how many ready
// I/O events are taken in each time the loop wakes from blocking. 0 means
// unbounded.
func New(jobLimit, ioLimit int) *Reactor {
	r := &Reactor{
		ioWaiters:           make(chan ioEvent, 1024),
		doneCh:              make(chan struct{}),
		maxJobsPerIteration: jobLimit,
		maxIOPerIteration:   ioLimit,
	}
	heap.Init(&r.timers)
	return r
}

// Run drives the loop until Quit is called or ctx is cancelled. It returns
// the exit code passed to Quit (0 if ctx cancellation was the cause).
func (r *Reactor) Run(ctx context.Context) int {
	for {
		r.drainExternalJobs()

		// (1) drain all pending jobs
		if r.runPendingJobs() {
			continue
		}

		if r.exiting {
			close(r.doneCh)
			return r.exitCode
		}

		// (2) dispatch one expired timer
		if r.dispatchOneTimer() {
			continue
		}

		// (3) dispatch one ready I/O completion
		if r.dispatchOneIO() {
			continue
		}

		// (4) nothing ready: block until the next timer, an IO event, a
		// posted job, or context cancellation.
		if !r.blockForEvents(ctx) {
			r.Quit(0)
		}
	}
}

// Quit requests the loop drain to a quiescent point and return code.
// Idempotent: subsequent calls are no-ops.
func (r *Reactor) Quit(code int) {
	if r.exiting {
		return
	}
	r.exiting = true
	r.exitCode = code
}

// Done is closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} { return r.doneCh }

func (r *Reactor) drainExternalJobs() {
	r.mu.Lock()
	if len(r.externalJobs) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.externalJobs
	r.externalJobs = nil
	r.mu.Unlock()
	for _, fn := range batch {
		r.jobs.push(fn)
	}
}

// Post schedules fn to run on the reactor goroutine, after all currently
// queued pending jobs and before any further timer or I/O dispatch. Safe to
// call from any goroutine.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.externalJobs = append(r.externalJobs, fn)
	r.mu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	select {
	case r.ioWaiters <- ioEvent{fn: nil}:
	default:
	}
}

func (r *Reactor) runPendingJobs() bool {
	ran := 0
	for !r.jobs.empty() {
		fn := r.jobs.pop()
		fn()
		ran++
		if r.maxJobsPerIteration > 0 && ran >= r.maxJobsPerIteration {
			return true
		}
		r.drainExternalJobs()
	}
	return ran > 0
}

func (r *Reactor) dispatchOneTimer() bool {
	t := r.timers.peekExpired()
	if t == nil {
		return false
	}
	heap.Pop(&r.timers)
	t.active = false
	t.index = -1
	t.handler()
	return true
}

func (r *Reactor) dispatchOneIO() bool {
	for len(r.ioQueue) > 0 {
		ev := r.ioQueue[0]
		r.ioQueue = r.ioQueue[1:]
		if ev.fn == nil {
			continue // a bare wake() ping, not a real completion
		}
		// Re-check validity at dispatch time, not just at enqueue time:
		// an earlier handler in this same batch may have removed this
		// handle (e.g. freed the peer it belonged to) after the event
		// was queued but before it was delivered.
		if !r.isIOValid(ev.id) {
			continue
		}
		ev.fn()
		return true
	}
	return false
}

// blockForEvents waits for the next timer deadline, an I/O completion, a
// posted job, or ctx cancellation — whichever comes first. It drains as
// many ready ioWaiters entries as are immediately available (up to
// maxIOPerIteration) into ioQueue before returning. It resets no job
// admission count. Returns false if ctx was cancelled.
func (r *Reactor) blockForEvents(ctx context.Context) bool {
	var timerC <-chan time.Time
	if deadline, ok := r.timers.nextDeadline(); ok {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case ev := <-r.ioWaiters:
		r.ioQueue = append(r.ioQueue, ev)
		r.drainAvailableIO()
		return true
	case <-timerC:
		return true
	}
}

// drainAvailableIO pulls any further already-ready events off ioWaiters
// without blocking, bounded by maxIOPerIteration.
func (r *Reactor) drainAvailableIO() {
	n := 1
	for r.maxIOPerIteration == 0 || n < r.maxIOPerIteration {
		select {
		case ev := <-r.ioWaiters:
			r.ioQueue = append(r.ioQueue, ev)
			n++
		default:
			return
		}
	}
}
