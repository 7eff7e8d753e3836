package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/metrics"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"go.uber.org/zap"
)

// ErrClosed is returned by Enqueue after shutdown has begun.
var ErrClosed = errors.New("queue: closed")

// Result is the dispatch outcome returned to the enqueuer.
type Result struct {
	Propagations []rib.Propagation
}

// Handler runs plan→commit→dispatch for one action. It is invoked by the
// single consumer, so it owns all mutable state for the duration of the call.
type Handler func(ctx context.Context, act action.Action) (Result, error)

type envelope struct {
	act   action.Action
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

// Queue serializes concurrent mutations through one consumer. Ordering of
// results matches arrival order; a failing or panicking handler reports to
// its enqueuer and the consumer keeps draining.
type Queue struct {
	handler Handler
	in      chan envelope
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(handler Handler, buffer int, logger *zap.Logger) *Queue {
	return &Queue{
		handler: handler,
		in:      make(chan envelope, buffer),
		logger:  logger,
	}
}

// Enqueue appends an action and blocks until the consumer has processed it
// or ctx is done. The action is still processed if the caller gives up
// waiting.
func (q *Queue) Enqueue(ctx context.Context, act action.Action) (Result, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return Result{}, ErrClosed
	}
	env := envelope{act: act, reply: make(chan outcome, 1)}
	select {
	case q.in <- env:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return Result{}, ctx.Err()
	}
	metrics.QueueDepth.Set(float64(len(q.in)))

	select {
	case out := <-env.reply:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run drains the queue until Close. The passed context is handed to the
// handler for its downstream I/O; cancellation does not abandon actions
// already enqueued.
func (q *Queue) Run(ctx context.Context) {
	for env := range q.in {
		metrics.QueueDepth.Set(float64(len(q.in)))
		res, err := q.process(ctx, env.act)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ActionsTotal.WithLabelValues(string(env.act.Type), result).Inc()
		env.reply <- outcome{res: res, err: err}
	}
}

// Close stops accepting enqueues. Run returns once the backlog drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.in)
}

func (q *Queue) process(ctx context.Context, act action.Action) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("action handler panicked",
				zap.String("action", string(act.Type)),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("queue: handler panic: %v", rec)
		}
	}()
	return q.handler(ctx, act)
}
