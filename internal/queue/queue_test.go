package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"go.uber.org/zap"
)

func TestQueue_SerializesActions(t *testing.T) {
	var mu sync.Mutex
	var order []action.Type
	inFlight := 0

	q := New(func(ctx context.Context, act action.Action) (Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			mu.Unlock()
			t.Error("handler invoked concurrently")
			return Result{}, nil
		}
		order = append(order, act.Type)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return Result{}, nil
	}, 16, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick}); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 processed actions, got %d", len(order))
	}
}

func TestQueue_ReturnsHandlerError(t *testing.T) {
	wantErr := errors.New("Route not found")
	q := New(func(context.Context, action.Action) (Result, error) {
		return Result{}, wantErr
	}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error back, got %v", err)
	}
}

func TestQueue_SurvivesPanic(t *testing.T) {
	calls := 0
	q := New(func(context.Context, action.Action) (Result, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return Result{}, nil
	}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	defer q.Close()

	if _, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick}); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if _, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick}); err != nil {
		t.Fatalf("consumer must survive a panic, got %v", err)
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(func(context.Context, action.Action) (Result, error) {
		return Result{}, nil
	}, 4, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(context.Background())
	}()

	q.Close()
	<-done

	if _, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueue_DrainsBacklogOnClose(t *testing.T) {
	var mu sync.Mutex
	processed := 0
	q := New(func(context.Context, action.Action) (Result, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		return Result{}, nil
	}, 16, zap.NewNop())

	var wg sync.WaitGroup
	enqueued := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), action.Action{Type: action.InternalProtocolTick})
			enqueued <- err == nil
		}()
	}

	// Let the enqueuers land in the buffer, then stop intake and drain.
	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(context.Background())
	}()
	wg.Wait()
	<-done

	succeeded := 0
	for i := 0; i < 10; i++ {
		if <-enqueued {
			succeeded++
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if processed != succeeded {
		t.Fatalf("expected %d backlogged actions processed, got %d", succeeded, processed)
	}
	if succeeded == 0 {
		t.Fatal("expected at least one accepted enqueue")
	}
}
