package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genbridge/internal/engine/scripted"
	"genbridge/internal/scheduler"
)

const testFPS = 1000

type harness struct {
	eng    *scripted.Engine
	worker *scheduler.Worker
	frames *scheduler.FrameLoop
	cfg    Config
	dir    string
}

// newHarness starts a worker and a fast frame loop, both stopped on cleanup.
func newHarness(t *testing.T, s scripted.Script) *harness {
	t.Helper()
	h := &harness{
		eng:    scripted.New(s),
		worker: scheduler.NewWorker(),
		frames: scheduler.NewFrameLoop(testFPS),
		dir:    t.TempDir(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.frames.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.worker.Close()
	})
	h.cfg = Config{Engine: h.eng, Background: h.worker, Foreground: h.frames}
	return h
}

func (h *harness) init(t *testing.T) *Bridge {
	t.Helper()
	b, err := Initialize(testCtx(t), Options{ModelPath: h.dir}, h.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose() })
	return b
}

// collect ranges over s and returns fragments and the yielded error, if any.
func collect(s *Stream) ([]string, error) {
	var out []string
	for frag, err := range s.Fragments() {
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

// testCtx returns a context with a generous timeout, cancelled on cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// foregroundFunc adapts a function to Foreground.
type foregroundFunc func(ctx context.Context) error

func (f foregroundFunc) NextFrame(ctx context.Context) error { return f(ctx) }
