// Package offload runs the bounded worker pools for blocking work the
// reactor must never do inline: SSL handshakes, name resolution, tap
// reads. Submitted work runs on a goroutine pool; its result is handed
// back to the owning Reactor via Reactor.Post, so callers never need their
// own locking around what the work touches.
package offload

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

var log = logging.Logger("offload")

// Pool bounds a set of concurrent blocking operations (SSL handshakes,
// DNS/name resolution) and delivers each completion back onto the
// reactor goroutine that submitted it.
type Pool struct {
	r   *reactor.Reactor
	g   *errgroup.Group
	ctx context.Context
}

// New builds a Pool that runs at most concurrency operations at once,
// cancelled when ctx is done. completions are always delivered through
// r.Post, so handlers passed to Submit run with the same single-writer
// guarantees as every other reactor callback.
func New(ctx context.Context, r *reactor.Reactor, concurrency int) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	return &Pool{r: r, g: g, ctx: gctx}
}

// Submit runs work on the pool and posts done(result, err) back onto the
// reactor once it returns. work must not touch any reactor-owned state
// directly — only done's arguments should cross back.
func Submit[T any](p *Pool, work func(ctx context.Context) (T, error), done func(T, error)) {
	p.g.Go(func() error {
		val, err := work(p.ctx)
		p.r.Post(func() {
			done(val, err)
		})
		return nil // errors are reported to done, not to the errgroup
	})
}

// Wait blocks until every submitted task has returned. Intended for
// shutdown: callers should stop submitting new work, then Wait before
// tearing down whatever Submit callbacks might still touch.
func (p *Pool) Wait() error {
	if err := p.g.Wait(); err != nil {
		return fmt.Errorf("offload: pool wait: %w", err)
	}
	return nil
}
