package cache

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// group coalesces concurrent builds of the same fingerprint: the first
// caller runs the build, later callers wait for its result.
//
// Cancellation is per caller, not per build. The build runs on a context
// detached from any single caller; each caller holds a reference, and the
// build is cancelled only when the last interested caller detaches. This
// gives the documented semantics: if the originator cancels, waiters are
// promoted (the build keeps running for them); if a waiter cancels, it
// detaches without affecting the others.
type group struct {
	flights *xsync.Map[string, *flight]
}

type flight struct {
	mu     sync.Mutex
	refs   int
	cancel context.CancelFunc

	done chan struct{}
	res  *domain.Result
	err  error
}

func newGroup() *group {
	return &group{flights: xsync.NewMap[string, *flight]()}
}

// do runs build under the key, or joins an identical in-flight build.
// The second return reports whether this caller shared another's build.
func (g *group) do(ctx context.Context, key string, build func(ctx context.Context) (*domain.Result, error)) (*domain.Result, bool, error) {
	var f *flight
	owner := false

	g.flights.Compute(key, func(old *flight, loaded bool) (*flight, xsync.ComputeOp) {
		if loaded {
			old.mu.Lock()
			old.refs++
			old.mu.Unlock()
			f = old
			return old, xsync.CancelOp
		}
		buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		nf := &flight{refs: 1, cancel: cancel, done: make(chan struct{})}
		f = nf
		owner = true
		go func() {
			nf.res, nf.err = build(buildCtx)
			cancel()
			close(nf.done)
			g.flights.Delete(key)
		}()
		return nf, xsync.UpdateOp
	})

	select {
	case <-f.done:
		return f.res, !owner, f.err
	case <-ctx.Done():
		g.detach(key, f)
		return nil, !owner, domain.FromContextErr(ctx.Err())
	}
}

// detach releases one caller's interest in the flight. The last one out
// cancels the build.
func (g *group) detach(key string, f *flight) {
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if last {
		f.cancel()
		g.flights.Delete(key)
	}
}
