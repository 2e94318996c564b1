package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"genbridge/internal/bridge"
	"genbridge/internal/engine/scripted"
	"genbridge/internal/httpapi"
	"genbridge/internal/manager"
	"genbridge/internal/scheduler"
)

type stack struct {
	srv *httptest.Server
	mgr *manager.Manager
	eng *scripted.Engine
}

// newStack serves a manager over HTTP, backed by a scripted engine, a real
// worker and a fast frame loop. mutate may adjust the manager config.
func newStack(t *testing.T, s scripted.Script, mutate func(*manager.ManagerConfig)) *stack {
	t.Helper()
	eng := scripted.New(s)
	worker := scheduler.NewWorker()
	frames := scheduler.NewFrameLoop(1000)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = frames.Run(ctx)
	}()

	cfg := manager.ManagerConfig{
		Engine:     eng,
		Background: worker,
		Foreground: frames,
		Model:      bridge.Options{ModelPath: t.TempDir()},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr := manager.NewWithConfig(cfg)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
		cancel()
		<-loopDone
		worker.Close()
	})
	return &stack{srv: srv, mgr: mgr, eng: eng}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
