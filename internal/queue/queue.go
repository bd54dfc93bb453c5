// Package queue implements the bounded background activity queue (spec
// §4.5, Component G): a FIFO of pending turns, drained by a fixed worker
// pool, with an exactly-once on_complete guarantee per entry.
//
// Grounded on the reference implementation's errgroup-based fan-out
// (internal/channels/zalo/personal/zalomethods/contacts.go,
// internal/channels/zalo/personal/protocol/auth.go: errgroup.WithContext
// plus g.Go per concurrent unit of work), generalized from "run N fixed
// fetches in parallel" to "run a fixed pool of workers draining a
// channel until told to stop".
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// Dispatcher is the narrow turn.Dispatcher capability the queue depends
// on, kept as an interface so the queue is testable without a real route
// table, flow machine, or storage backend.
type Dispatcher interface {
	Run(ctx context.Context, act activity.Activity, adapter turnctx.Adapter) (*turnctx.InvokeResponse, error)
}

// OnComplete is invoked exactly once per entry, on success, failure, or
// cancellation (spec Invariant P4). resp is the harvested invoke
// response, if the turn produced one.
type OnComplete func(resp *turnctx.InvokeResponse, err error)

// Entry is one unit of background work (spec §4.5): the caller identity,
// the adapter that will carry the turn's outbound activities, the
// activity itself, the agent type the worker should instantiate, and the
// completion callback.
type Entry struct {
	CallerID   string
	Adapter    turnctx.Adapter
	Activity   activity.Activity
	AgentType  string
	OnComplete OnComplete
}

// Queue is a bounded FIFO of Entry values drained by a fixed pool of
// workers, each calling into a Dispatcher.
type Queue struct {
	entries    chan Entry
	dispatcher Dispatcher
	workers    int
}

// New creates a Queue with the given capacity and worker pool size
// (workers below 1 become 1). capacity is the number of entries that can
// wait in the queue; with a capacity of 0, Enqueue succeeds only when a
// worker is idle and ready to take the entry at once.
func New(dispatcher Dispatcher, capacity, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		entries:    make(chan Entry, capacity),
		dispatcher: dispatcher,
		workers:    workers,
	}
}

// Enqueue appends e to the queue. It never waits for a slot: if the queue
// is at capacity it fails at once with errs.KindQueueFull (spec §4.5
// backpressure), the way an ingress handler needs to answer "try again
// later" synchronously. If ctx is already done it may return ctx.Err()
// instead.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.entries <- e:
		return nil
	default:
		return errs.New(errs.KindQueueFull, "background activity queue is at capacity").
			WithContext("callerId", e.CallerID)
	}
}

// Run starts the worker pool and blocks until ctx is cancelled, at which
// point every worker finishes its current entry and returns. Run is
// typically called once, from its own goroutine, for the lifetime of the
// process.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			return q.worker(gctx)
		})
	}
	return g.Wait()
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Entries still queued at shutdown are completed with the
			// cancellation error so each OnComplete still fires once.
			for {
				select {
				case e := <-q.entries:
					q.process(ctx, e)
				default:
					return nil
				}
			}
		case e, ok := <-q.entries:
			if !ok {
				return nil
			}
			q.process(ctx, e)
		}
	}
}

// process guarantees e.OnComplete runs exactly once (spec P4), including
// when the dispatcher panics or ctx is already cancelled by the time this
// entry is dequeued.
func (q *Queue) process(ctx context.Context, e Entry) {
	complete := onceComplete(e.OnComplete)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue.worker.panic", "callerId", e.CallerID, "recovered", r)
			complete(nil, fmt.Errorf("queue: worker panic processing entry for %q: %v", e.CallerID, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		complete(nil, err)
		return
	}

	resp, err := q.dispatcher.Run(ctx, e.Activity, e.Adapter)
	complete(resp, err)
}

func onceComplete(cb OnComplete) OnComplete {
	called := false
	return func(resp *turnctx.InvokeResponse, err error) {
		if called {
			return
		}
		called = true
		if cb != nil {
			cb(resp, err)
		}
	}
}
