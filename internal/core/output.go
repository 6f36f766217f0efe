package core

import (
	"context"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
)

// CoreOutput is the committed result of one operation, fanned out to
// the persistence worker (blocking) and projection workers (lossy).
type CoreOutput struct {
	Envelope   *event.OperationEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Outbound   []event.Outbound
}

// OperationResult is the synchronous outcome reported to the submitter.
type OperationResult struct {
	// Sequence the operation committed at (only valid when Err is nil
	// and Duplicate is false)
	Sequence int64

	// StateHash after the operation was applied
	StateHash [32]byte

	// Duplicate is true when the idempotency key was already processed;
	// the operation was skipped, not re-applied
	Duplicate bool

	// Skipped is true when a stale price update was silently ignored
	Skipped bool

	// Err carries a rejection or processing failure; nil on commit
	Err error
}

// Request pairs an operation with the channel its outcome is sent on.
// Reply may be nil when the submitter does not wait for the outcome.
type Request struct {
	Op    event.Operation
	Reply chan OperationResult
}

// Submit enqueues an operation for the engine loop and waits for its
// outcome. The returned error is the operation's own rejection (if any)
// or the context error when the caller gives up first.
func (e *StabilityEngine) Submit(ctx context.Context, op event.Operation) (OperationResult, error) {
	req := Request{Op: op, Reply: make(chan OperationResult, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return OperationResult{}, ctx.Err()
	}

	select {
	case res := <-req.Reply:
		return res, res.Err
	case <-ctx.Done():
		return OperationResult{}, ctx.Err()
	}
}

// Run drains the request channel until ctx is cancelled. All state
// access happens on this goroutine; it is the serialization point the
// rest of the package's "not thread-safe" types rely on.
func (e *StabilityEngine) Run(ctx context.Context) {
	defer close(e.runDone)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			res := e.ProcessOperation(req.Op)
			if req.Reply != nil {
				req.Reply <- res
			}
		case req := <-e.snapshots:
			req.reply <- e.CreateSnapshotState()
		}
	}
}

// Done is closed when Run returns. Shutdown paths that touch engine
// state directly must wait on it first: Run may still be mid-operation
// when its context is cancelled.
func (e *StabilityEngine) Done() <-chan struct{} {
	return e.runDone
}

type snapshotRequest struct {
	reply chan *SnapshotState
}

// Snapshot captures the engine state on the Run goroutine, serialized
// with operation processing. Only valid while Run is active; once Run
// has returned, call CreateSnapshotState directly.
func (e *StabilityEngine) Snapshot(ctx context.Context) (*SnapshotState, error) {
	req := snapshotRequest{reply: make(chan *SnapshotState, 1)}

	select {
	case e.snapshots <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
