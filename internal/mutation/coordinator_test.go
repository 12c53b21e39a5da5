package mutation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteBatched_MergesBothLegs(t *testing.T) {
	ctx := context.Background()
	target := NewHandle[string]()

	remoteDone := make(chan time.Time, 1)
	remoteOp := func(ctx context.Context, h *Handle[string]) error {
		go func() {
			time.Sleep(20 * time.Millisecond)
			remoteDone <- time.Now()
			h.Resolve("remote")
		}()
		return nil
	}
	var localStarted time.Time
	localOp := func(ctx context.Context, h *Handle[string]) error {
		localStarted = time.Now()
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.Resolve("local")
		}()
		return nil
	}

	v, err := ExecuteBatched(ctx, target, remoteOp, localOp, ConsistencyWritten)
	if err != nil {
		t.Fatal(err)
	}
	if v != "local" {
		t.Fatalf("merged value should be the local leg's, got %q", v)
	}

	// local leg must not start before the remote leg's written point
	remoteAt := <-remoteDone
	if localStarted.Before(remoteAt) {
		t.Fatalf("local leg started %v before remote written", remoteAt.Sub(localStarted))
	}

	// target resolves no earlier than the slower leg
	if !target.Written.Settled() {
		t.Fatal("target written should be settled")
	}
}

func TestExecuteBatched_RemoteRejectionSurfaces(t *testing.T) {
	ctx := context.Background()
	target := NewHandle[int]()
	cause := errors.New("remote down")

	remoteOp := func(ctx context.Context, h *Handle[int]) error {
		return cause
	}
	localRan := make(chan struct{})
	localOp := func(ctx context.Context, h *Handle[int]) error {
		close(localRan)
		h.Resolve(1)
		return nil
	}

	_, err := ExecuteBatched(ctx, target, remoteOp, localOp, ConsistencyWritten)
	if !errors.Is(err, cause) {
		t.Fatalf("expected remote error, got %v", err)
	}

	// a rejected remote leg still lets the local leg run
	select {
	case <-localRan:
	case <-time.After(time.Second):
		t.Fatal("local leg never ran after remote rejection")
	}
}

func TestExecuteBatched_CommittedPolicyMergesCommitted(t *testing.T) {
	ctx := context.Background()
	target := NewHandle[int]()

	op := func(v int) Op[int] {
		return func(ctx context.Context, h *Handle[int]) error {
			h.Written.Resolve(v)
			go func() {
				time.Sleep(10 * time.Millisecond)
				h.Committed.Resolve(v)
			}()
			return nil
		}
	}

	v, err := ExecuteBatched(ctx, target, op(1), op(2), ConsistencyCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected local committed value, got %d", v)
	}
	if !target.Written.Settled() || !target.Committed.Settled() {
		t.Fatal("both latches should be settled under committed policy")
	}
}

func TestExecuteBatched_WrittenPolicyLeavesCommittedUntouched(t *testing.T) {
	ctx := context.Background()
	target := NewHandle[int]()

	op := func(ctx context.Context, h *Handle[int]) error {
		h.Resolve(1)
		return nil
	}

	if _, err := ExecuteBatched(ctx, target, op, op, ConsistencyWritten); err != nil {
		t.Fatal(err)
	}
	if target.Committed.Settled() {
		t.Fatal("committed latch must not be used under written policy")
	}
}

func TestPipe_TransformsOutcome(t *testing.T) {
	ctx := context.Background()
	src := NewHandle[int]()
	dst := NewHandle[string]()

	Pipe(ctx, src, dst, func(v int) (string, error) {
		if v == 0 {
			return "", errors.New("zero")
		}
		return "ok", nil
	})

	src.Resolve(5)
	v, err := dst.Await(ctx, ConsistencyCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if v != "ok" {
		t.Fatalf("expected transformed value, got %q", v)
	}
}

func TestPipe_ConvertErrorRejectsDstOnly(t *testing.T) {
	ctx := context.Background()
	src := NewHandle[int]()
	dst := NewHandle[string]()

	Pipe(ctx, src, dst, func(v int) (string, error) {
		return "", errors.New("broken converter")
	})

	src.Resolve(0)
	if _, err := dst.Written.Get(ctx); err == nil {
		t.Fatal("expected dst rejection")
	}
	// src keeps its settled value
	v, err := src.Written.Get(ctx)
	if err != nil || v != 0 {
		t.Fatalf("src outcome corrupted: (%d, %v)", v, err)
	}
}

func TestHandle_WrittenBeforeCommitted(t *testing.T) {
	h := NewHandle[int]()
	h.Resolve(1)
	select {
	case <-h.Written.Done():
	default:
		t.Fatal("written not settled")
	}
	select {
	case <-h.Committed.Done():
	default:
		t.Fatal("committed not settled")
	}
}
