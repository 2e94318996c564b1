package scheduler

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultFPS is the tick rate used when none is configured.
const DefaultFPS = 60

// FrameLoop is a cooperative foreground scheduler. Waiters park in NextFrame
// and are all released together on the next tick. Ticks come either from Run,
// paced at a fixed rate, or from explicit Tick calls.
type FrameLoop struct {
	mu      sync.Mutex
	next    chan struct{}
	frame   uint64
	posted  []func()
	limiter *rate.Limiter
}

// NewFrameLoop returns a loop that Run paces at fps ticks per second.
func NewFrameLoop(fps float64) *FrameLoop {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &FrameLoop{
		next:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
	}
}

// Run ticks the loop until ctx is done and returns ctx.Err().
func (l *FrameLoop) Run(ctx context.Context) error {
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}
		l.Tick()
	}
}

// Post queues fn to run on the ticking goroutine during the next tick, before
// NextFrame waiters are released.
func (l *FrameLoop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
}

// Tick runs posted callbacks, advances one frame, wakes every NextFrame
// waiter and returns the new frame number.
func (l *FrameLoop) Tick() uint64 {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range posted {
		fn()
	}

	l.mu.Lock()
	close(l.next)
	l.next = make(chan struct{})
	l.frame++
	n := l.frame
	l.mu.Unlock()
	return n
}

// Frame returns the number of ticks so far.
func (l *FrameLoop) Frame() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

// NextFrame blocks until the next tick or until ctx is done.
func (l *FrameLoop) NextFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	ch := l.next
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
