package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"genbridge/internal/bridge"
	"genbridge/internal/engine/scripted"
	"genbridge/internal/scheduler"
)

type testEnv struct {
	m   *Manager
	eng *scripted.Engine
	pub *MemoryPublisher
	dir string
}

// newTestManager wires a manager to a scripted engine, a real worker and a
// fast frame loop. mutate may adjust the config before construction.
func newTestManager(t *testing.T, s scripted.Script, mutate func(*ManagerConfig)) *testEnv {
	t.Helper()
	eng := scripted.New(s)
	worker := scheduler.NewWorker()
	frames := scheduler.NewFrameLoop(1000)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = frames.Run(ctx)
	}()
	env := &testEnv{eng: eng, pub: NewMemoryPublisher(), dir: t.TempDir()}
	cfg := ManagerConfig{
		Engine:     eng,
		Background: worker,
		Foreground: frames,
		Model:      bridge.Options{ModelPath: env.dir},
		Publisher:  env.pub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.m = NewWithConfig(cfg)
	t.Cleanup(func() {
		_ = env.m.Close()
		cancel()
		<-done
		worker.Close()
	})
	return env
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventNames(p *MemoryPublisher) []string { return p.Names() }

func countEvents(events []string, name string) int {
	n := 0
	for _, e := range events {
		if e == name {
			n++
		}
	}
	return n
}

// errWriter writes once, then returns an error on subsequent writes.
type errWriter struct{ wrote int }

func (e *errWriter) Write(p []byte) (int, error) {
	if e.wrote == 0 {
		e.wrote += len(p)
		return len(p), nil
	}
	return 0, errors.New("client went away")
}
