// Package workerpool runs background tasks on a bounded number of goroutines.
// Tasks start in submission order. Submitting never blocks the caller: a task
// waits in a FIFO queue until a worker is free.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 16

type task struct {
	name string
	fn   func()
	done chan error
}

// Pool bounds concurrently running tasks.
type Pool struct {
	// sem counts live workers; a worker holds one unit until the queue is empty.
	sem    *semaphore.Weighted
	size   int64
	logger zerolog.Logger
	wg     sync.WaitGroup

	mu    sync.Mutex
	queue []task
}

// New creates a pool that runs at most size tasks at once.
func New(size int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		logger: logger,
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return int(p.size)
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Go schedules fn. A panic inside fn is logged and swallowed so one bad
// task cannot take down the process.
func (p *Pool) Go(name string, fn func()) {
	p.submit(task{name: name, fn: fn})
}

// Do runs fn on the pool and waits for it to return. It returns an error if
// fn panicked or ctx ended first; in the latter case fn may still run later
// and must not touch state the caller reads after Do returns.
func (p *Pool) Do(ctx context.Context, name string, fn func()) error {
	done := make(chan error, 1)
	p.submit(task{name: name, fn: fn, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) submit(t task) {
	p.wg.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, t)
	if p.sem.TryAcquire(1) {
		go p.work()
	}
}

// work drains the queue head first and exits once it is empty.
func (p *Pool) work() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.sem.Release(1)
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		err := p.run(t)
		if t.done != nil {
			t.done <- err
		}
		p.wg.Done()
	}
}

func (p *Pool) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			p.logger.Error().
				Str("task", t.name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered")
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	t.fn()
	return nil
}

// Wait blocks until every scheduled task has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
