// Package scheduler provides the two execution contexts genbridge moves work
// between: a Worker that runs blocking, thread-affine engine calls in the
// background, and a FrameLoop that advances a cooperative foreground in
// discrete ticks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrWorkerClosed is returned for jobs submitted after Close.
var ErrWorkerClosed = errors.New("scheduler: worker closed")

// Task is the handle of a job submitted with Go.
type Task struct {
	done chan struct{}
	err  error
}

// Done is closed once the job finished or was skipped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job's error. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Finished reports whether Done is closed without blocking.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	task *Task
}

// Worker runs jobs one at a time on a single goroutine locked to its OS
// thread. Native engines that keep per-thread state see every call from the
// same thread.
type Worker struct {
	mu      sync.Mutex
	pending []job
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

// NewWorker starts a worker.
func NewWorker() *Worker {
	w := &Worker{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Go queues fn and returns immediately. When the worker picks the job up it
// first checks ctx; a cancelled job is skipped and its task reports ctx.Err().
// Panics inside fn are recovered into the task error.
func (w *Worker) Go(ctx context.Context, fn func(ctx context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		t.finish(ErrWorkerClosed)
		return t
	}
	w.pending = append(w.pending, job{ctx: ctx, fn: fn, task: t})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return t
}

// Do runs fn on the worker and waits for it. Once fn has started Do waits for
// it to return even if ctx is cancelled: engine calls cannot be abandoned
// halfway.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := w.Go(ctx, fn)
	<-t.Done()
	return t.Err()
}

// Close stops accepting jobs, lets already queued jobs run, and waits for the
// worker goroutine to exit. Safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.mu.Unlock()
	<-w.stopped
}

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.stopped)
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			if w.closed {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.wake
			continue
		}
		j := w.pending[0]
		w.pending[0] = job{}
		w.pending = w.pending[1:]
		w.mu.Unlock()
		j.task.finish(run(j))
	}
}

func run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduler: panic in job: %v", rec)
		}
	}()
	return j.fn(j.ctx)
}
