package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("worker: pool closed")

type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Pool runs handle for every submitted item on a fixed, resizable set of
// goroutines. The queue is bounded: Submit blocks while it is full.
type Pool[T any] struct {
	queue  chan T
	handle func(T)
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	stops []chan struct{}
	wg    sync.WaitGroup
}

func New[T any](size, depth int, handle func(T), opts ...Option) *Pool[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if size < 1 {
		size = 1
	}
	if depth < 0 {
		depth = 0
	}

	pool := &Pool[T]{
		queue:  make(chan T, depth),
		handle: handle,
		logger: o.logger,
		done:   make(chan struct{}),
	}

	pool.mu.Lock()
	pool.spawn(size)
	pool.mu.Unlock()

	return pool
}

// Submit queues item, blocking while the queue is full. It fails with
// ErrClosed once Shutdown has been called, or with ctx's error.
func (pool *Pool[T]) Submit(ctx context.Context, item T) error {
	select {
	case <-pool.done:
		return ErrClosed
	default:
	}

	select {
	case pool.queue <- item:
		return nil
	case <-pool.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resize grows or shrinks the number of workers. Removed workers finish the
// item they are processing before exiting.
func (pool *Pool[T]) Resize(size int) error {
	if size < 1 {
		size = 1
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	select {
	case <-pool.done:
		return ErrClosed
	default:
	}

	current := len(pool.stops)
	switch {
	case size > current:
		pool.spawn(size - current)
	case size < current:
		for _, stop := range pool.stops[size:] {
			close(stop)
		}
		pool.stops = pool.stops[:size]
	}

	return nil
}

// Size reports the number of workers the pool is running towards.
func (pool *Pool[T]) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.stops)
}

// Shutdown stops every worker after its current item and waits for them.
// Items still queued are not processed.
func (pool *Pool[T]) Shutdown() {
	pool.closeOnce.Do(func() {
		pool.mu.Lock()
		close(pool.done)
		pool.stops = nil
		pool.mu.Unlock()
	})

	pool.wg.Wait()
}

// Pending drains items left in the queue after Shutdown so their owner can
// release them.
func (pool *Pool[T]) Pending() []T {
	var items []T
	for {
		select {
		case item := <-pool.queue:
			items = append(items, item)
		default:
			return items
		}
	}
}

// spawn must be called with mu held.
func (pool *Pool[T]) spawn(n int) {
	for range n {
		stop := make(chan struct{})
		pool.stops = append(pool.stops, stop)

		pool.wg.Add(1)
		go pool.work(stop)
	}
}

func (pool *Pool[T]) work(stop <-chan struct{}) {
	defer pool.wg.Done()

	for {
		select {
		case <-pool.done:
			return
		case <-stop:
			return
		case item := <-pool.queue:
			pool.run(item)
		}
	}
}

func (pool *Pool[T]) run(item T) {
	defer func() {
		if r := recover(); r != nil {
			pool.logger.Error("worker panic", "panic", r)
		}
	}()

	pool.handle(item)
}
