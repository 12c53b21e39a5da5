package mutation

import (
	"context"

	"github.com/syncwell/dualstore/internal/latch"
)

// Op is one leg of a batched mutation. The op starts the work and settles the
// supplied handle itself; a returned error reports a failure to even start
// and rejects the handle on the op's behalf.
type Op[T any] func(ctx context.Context, h *Handle[T]) error

// ExecuteBatched fans one logical mutation into a remote and a local leg.
//
// The remote leg starts immediately. The local leg starts only once the
// remote leg's Written latch settles, so local remains the settled state of
// the pair once visible. A rejected remote leg still lets the local leg run;
// the merged handle then rejects with the first error observed.
//
// target.Written resolves once both legs' Written latches resolve, with the
// local leg's value. Under ConsistencyCommitted the Committed latches are
// merged the same way; under ConsistencyWritten they are left untouched.
//
// ExecuteBatched returns once target reaches level. Callers that passed the
// handle along may ignore the return entirely and await the handle later.
func ExecuteBatched[T any](ctx context.Context, target *Handle[T], remoteOp, localOp Op[T], level Consistency) (T, error) {
	remote := NewHandle[T]()
	local := NewHandle[T]()

	go func() {
		if err := remoteOp(ctx, remote); err != nil {
			remote.Reject(err)
		}
	}()

	go func() {
		select {
		case <-remote.Written.Done():
		case <-ctx.Done():
			local.Reject(ctx.Err())
			return
		}
		if err := localOp(ctx, local); err != nil {
			local.Reject(err)
		}
	}()

	go mergeLatches(ctx, remote.Written, local.Written, target.Written)
	if level == ConsistencyCommitted {
		go mergeLatches(ctx, remote.Committed, local.Committed, target.Committed)
	}

	return target.Await(ctx, level)
}

// mergeLatches resolves dst once both a and b resolve, with b's value, or
// rejects it with the first rejection observed.
func mergeLatches[T any](ctx context.Context, a, b, dst *latch.Latch[T]) {
	if _, err := a.Get(ctx); err != nil {
		dst.Reject(err)
		return
	}
	v, err := b.Get(ctx)
	if err != nil {
		dst.Reject(err)
		return
	}
	dst.Resolve(v)
}
