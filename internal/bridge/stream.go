package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"genbridge/internal/scheduler"
)

// State is the lifecycle state of a Stream.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= StateCompleted }

// Stream is one generation session. Nothing runs until Fragments is ranged
// over, and a Stream can only be consumed once.
type Stream struct {
	b      *Bridge
	ctx    context.Context
	prompt string
	id     string

	started   atomic.Bool
	state     atomic.Int32
	delivered atomic.Int64

	mu  sync.Mutex
	err error
}

// GenerateStream prepares a session for prompt. ctx cancels it at any
// checked boundary: the switch to the background worker, every foreground
// frame, and between decode steps.
func (b *Bridge) GenerateStream(ctx context.Context, prompt string) *Stream {
	return &Stream{b: b, ctx: ctx, prompt: prompt, id: uuid.NewString()}
}

// ID identifies the session in logs and traces.
func (s *Stream) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Delivered is the number of fragments handed to the consumer so far.
func (s *Stream) Delivered() int { return int(s.delivered.Load()) }

// Err returns the terminal error. Cancelled streams report a KindCancelled
// error, except when the consumer stopped ranging early, which leaves Err nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fragments yields decoded text in production order, at most one fragment per
// foreground frame unless the bridge drains all queued fragments each frame.
// Once generation has finished, whatever is still queued is yielded before
// the sequence ends.
//
// A failure is yielded as the final pair, after every fragment produced
// before it. Cancellation ends the sequence without yielding an error; check
// State or Err to tell it apart from completion.
//
// Cancellation never interrupts an engine call. At most one decode step still
// runs after cancellation is observed; its fragment is discarded, and the
// sequence ends only after that step returned and the session was closed.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		s.run(yield)
	}
}

// Text drains the stream and returns the concatenated fragments.
func (s *Stream) Text() (string, error) {
	var out []byte
	for frag, err := range s.Fragments() {
		if err != nil {
			return string(out), err
		}
		out = append(out, frag...)
	}
	if err := s.Err(); err != nil {
		return string(out), err
	}
	return string(out), nil
}

func (s *Stream) run(yield func(string, error) bool) {
	b := s.b
	log := b.log.With().Str("session_id", s.id).Logger()
	ctx, span := b.tracer.Start(s.ctx, "bridge.stream", trace.WithAttributes(attribute.String("session.id", s.id)))
	start := time.Now()
	s.state.Store(int32(StateRunning))
	defer func() {
		st := s.State()
		sessionsTotal.WithLabelValues(st.String()).Inc()
		sessionDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("session.state", st.String()), attribute.Int("session.fragments", s.Delivered()))
		endSpan(span, s.Err())
		logEnd(log, st, s.Delivered(), s.Err())
	}()

	if err := b.acquireSlot(); err != nil {
		s.fail(yield, err)
		return
	}

	var sess *session
	err := b.cfg.Background.Do(ctx, func(context.Context) error {
		var serr error
		sess, serr = beginSession(b.handle, s.prompt, b.cfg.PromptTemplate, b.cfg.Bounds)
		return serr
	})
	if err != nil {
		b.releaseSlot()
		s.fail(yield, classify("generate", err))
		return
	}

	q := &fragmentQueue{}
	loopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	unhook := context.AfterFunc(b.ctx, func() { stop(ErrDisposed) })
	defer unhook()

	task := b.cfg.Background.Go(context.WithoutCancel(loopCtx), func(context.Context) error {
		defer b.releaseSlot()
		defer func() {
			if cerr := sess.close(); cerr != nil {
				log.Warn().Err(cerr).Msg("closing session resources")
			}
		}()
		return generate(loopCtx, sess, q)
	})
	if task.Finished() && errors.Is(task.Err(), scheduler.ErrWorkerClosed) {
		_ = sess.close()
		b.releaseSlot()
		s.fail(yield, newError(KindCancelled, "generate", task.Err()))
		return
	}
	// However the consumer leaves, the producer is stopped and awaited, so the
	// session is closed and the engine free once the range returns.
	defer func() {
		stop(nil)
		<-task.Done()
	}()
	log.Debug().Int("min_length", b.cfg.Bounds.MinLength).Int("max_length", b.cfg.Bounds.MaxLength).Msg("generation started")

	for {
		if err := b.cfg.Foreground.NextFrame(ctx); err != nil {
			s.cancel(err)
			return
		}
		if err := ctx.Err(); err != nil {
			s.cancel(err)
			return
		}
		finished := task.Finished()
		if finished || b.cfg.DrainAll {
			for {
				frag, ok := q.pop()
				if !ok {
					break
				}
				if !s.deliver(yield, frag) {
					return
				}
			}
		} else if frag, ok := q.pop(); ok {
			if !s.deliver(yield, frag) {
				return
			}
		}
		if !finished {
			continue
		}
		if err := task.Err(); err != nil {
			if ctx.Err() != nil {
				s.cancel(ctx.Err())
				return
			}
			s.fail(yield, classify("generate", err))
			return
		}
		s.finish(StateCompleted, nil)
		return
	}
}

// generate is the background loop. It checks ctx before every step and stops
// at the session's step budget. Text the decode stream still holds when the
// loop ends is queued as a last fragment.
func generate(ctx context.Context, sess *session, q *fragmentQueue) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in generation loop: %v", rec)
		}
	}()
	for !sess.done() {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		frag, err := sess.next()
		if err != nil {
			return err
		}
		q.push(frag)
	}
	tail, err := sess.flush()
	if err != nil {
		return err
	}
	if tail != "" {
		q.push(tail)
	}
	return nil
}

func (s *Stream) deliver(yield func(string, error) bool, frag string) bool {
	s.delivered.Add(1)
	fragmentsTotal.Inc()
	if !yield(frag, nil) {
		s.finish(StateCancelled, nil)
		return false
	}
	return true
}

func (s *Stream) cancel(err error) {
	s.finish(StateCancelled, classify("generate", err))
}

// fail records err and, unless it is a cancellation, yields it.
func (s *Stream) fail(yield func(string, error) bool, err error) {
	if IsCancelled(err) {
		s.finish(StateCancelled, err)
		return
	}
	s.finish(StateFailed, err)
	yield("", err)
}

func (s *Stream) finish(st State, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(st))
}

func logEnd(log zerolog.Logger, st State, n int, err error) {
	var ev *zerolog.Event
	switch st {
	case StateFailed:
		ev = log.Error().Err(err)
	case StateCancelled:
		ev = log.Info()
	default:
		ev = log.Debug()
	}
	ev.Str("state", st.String()).Int("fragments", n).Msg("generation finished")
}
