package mutation

import (
	"context"
	"log/slog"

	"github.com/syncwell/dualstore/internal/latch"
)

// Consistency selects which completion point of a mutation a caller waits
// for: written means the operation is applied but possibly not yet durable,
// committed means it is durably persisted.
type Consistency string

const (
	ConsistencyWritten   Consistency = "written"
	ConsistencyCommitted Consistency = "committed"
)

// Handle tracks the two observable completion points of one write or delete.
// Written always settles before Committed for the same handle.
type Handle[T any] struct {
	Written   *latch.Latch[T]
	Committed *latch.Latch[T]
}

func NewHandle[T any]() *Handle[T] {
	return &Handle[T]{
		Written:   latch.New[T](),
		Committed: latch.New[T](),
	}
}

// Resolve settles both latches, Written first.
func (h *Handle[T]) Resolve(v T) {
	h.Written.Resolve(v)
	h.Committed.Resolve(v)
}

// Reject settles both latches with the same error, Written first.
func (h *Handle[T]) Reject(err error) {
	h.Written.Reject(err)
	h.Committed.Reject(err)
}

// Await blocks until the handle reaches the given consistency level.
func (h *Handle[T]) Await(ctx context.Context, level Consistency) (T, error) {
	if level == ConsistencyCommitted {
		return h.Committed.Get(ctx)
	}
	return h.Written.Get(ctx)
}

// Pipe forwards src's outcome into dst through a value transform, latch by
// latch. A convert failure is logged and rejects dst; it never corrupts src
// or leaves dst unsettled.
func Pipe[A, B any](ctx context.Context, src *Handle[A], dst *Handle[B], convert func(A) (B, error)) {
	go pipeLatch(ctx, src.Written, dst.Written, convert)
	go pipeLatch(ctx, src.Committed, dst.Committed, convert)
}

func pipeLatch[A, B any](ctx context.Context, src *latch.Latch[A], dst *latch.Latch[B], convert func(A) (B, error)) {
	v, err := src.Get(ctx)
	if err != nil {
		dst.Reject(err)
		return
	}
	out, err := convert(v)
	if err != nil {
		slog.Error("mutation pipe convert", "error", err)
		dst.Reject(err)
		return
	}
	dst.Resolve(out)
}
