// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boundary provides the single gate through which producer
// goroutines affect consumer-owned state.
//
// Actions posted to a Queue are run in FIFO order by a single pump on the
// consumer's execution context. Posting never blocks on the consumer.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kortschak/goroutine"
)

// ErrUnavailable is returned when the consumer context has gone.
var ErrUnavailable = errors.New("consumer context unavailable")

// ErrWrongContext is returned when a Queue is pumped from a goroutine
// other than the one that owns its consumer context.
var ErrWrongContext = errors.New("pump called off consumer context")

// Queue is an unbounded FIFO task queue with a single consumer.
type Queue struct {
	log *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool

	// ready has a value when tasks may be
	// waiting to be run.
	ready chan struct{}
	// done is closed when the queue is closed.
	done chan struct{}

	// owner is the goid of the consumer
	// context or zero if not yet bound.
	owner atomic.Int64
}

// New returns a new Queue.
func New(log *slog.Logger) *Queue {
	return &Queue{
		log:   log.With(slog.String("component", "boundary")),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Post schedules action to be run on the consumer context and returns
// without waiting for it to run. Post returns ErrUnavailable if the queue
// has been closed or its pump has stopped.
func (q *Queue) Post(action func()) error {
	if action == nil {
		return errors.New("nil action")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrUnavailable
	}
	q.tasks = append(q.tasks, action)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Run binds the consumer context to the calling goroutine and runs posted
// actions until ctx is done or the queue is closed. When ctx is done the
// queue is closed, so later calls to Post return ErrUnavailable.
func (q *Queue) Run(ctx context.Context) error {
	err := q.bind()
	if err != nil {
		return err
	}
	q.log.LogAttrs(ctx, slog.LevelDebug, "pump start")
	for {
		select {
		case <-ctx.Done():
			n := q.Close()
			q.log.LogAttrs(ctx, slog.LevelDebug, "pump stop", slog.Any("error", ctx.Err()), slog.Int("dropped", n))
			return ctx.Err()
		case <-q.done:
			q.log.LogAttrs(ctx, slog.LevelDebug, "pump stop", slog.String("reason", "closed"))
			return ErrUnavailable
		case <-q.ready:
			q.drain(ctx)
		}
	}
}

// Tick runs all actions that are pending at the time of the call on the
// calling goroutine and returns the number run. The first call to Tick
// or Run binds the consumer context to the calling goroutine.
func (q *Queue) Tick() (int, error) {
	err := q.bind()
	if err != nil {
		return 0, err
	}
	select {
	case <-q.done:
		return 0, ErrUnavailable
	default:
	}
	return q.drain(context.Background()), nil
}

func (q *Queue) bind() error {
	id := goroutine.ID()
	if q.owner.CompareAndSwap(0, id) || q.owner.Load() == id {
		return nil
	}
	return ErrWrongContext
}

func (q *Queue) drain(ctx context.Context) int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for i, action := range tasks {
		select {
		case <-q.done:
			q.log.LogAttrs(ctx, slog.LevelDebug, "dropping actions", slog.Int("count", len(tasks)-i))
			return i
		default:
		}
		q.run(ctx, action)
	}
	return len(tasks)
}

func (q *Queue) run(ctx context.Context, action func()) {
	defer func() {
		r := recover()
		if r != nil {
			q.log.LogAttrs(ctx, slog.LevelError, "action panicked", slog.Any("error", fmt.Sprint(r)))
		}
	}()
	action()
}

// OnContext returns whether the caller is running on the queue's consumer
// context.
func (q *Queue) OnContext() bool {
	owner := q.owner.Load()
	return owner != 0 && owner == goroutine.ID()
}

// Close closes the queue, dropping any pending actions and returning the
// number dropped. Subsequent calls to Post return ErrUnavailable.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	close(q.done)
	n := len(q.tasks)
	q.tasks = nil
	return n
}
