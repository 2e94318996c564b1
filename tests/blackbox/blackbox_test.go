package blackbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the binary; skipped in -short mode")
	}
	bin := filepath.Join(t.TempDir(), "genbridge")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/genbridge")
	cmd.Dir = projectRoot(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}

type serverProc struct {
	cmd  *exec.Cmd
	base string
	done chan error
}

func startServer(t *testing.T, bin string, extra ...string) *serverProc {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := append([]string{"serve",
		"--addr", fmt.Sprintf("127.0.0.1:%d", port),
		"--engine", "scripted",
		"--log-level", "warn",
	}, extra...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	sp := &serverProc{cmd: cmd, base: base, done: make(chan error, 1)}
	go func() { sp.done <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	bin := buildBinary(t)
	sp := startServer(t, bin, "--model-path", t.TempDir(), "--script", "the tide returns", "--fps", "500")

	// Lazy load: not ready before the first request.
	resp, body := get(t, sp.base+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz initial %d %s", resp.StatusCode, body)
	}

	resp, body = postJSON(t, sp.base+"/generate", []byte(`{"prompt":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("/generate content-type=%s", ct)
	}
	var tokens []string
	var done struct {
		Done    bool   `json:"done"`
		Content string `json:"content"`
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		if tok, ok := line["token"].(string); ok {
			tokens = append(tokens, tok)
			continue
		}
		_ = json.Unmarshal(sc.Bytes(), &done)
	}
	if strings.Join(tokens, "") != "the tide returns" || !done.Done || done.Content != "the tide returns" {
		t.Fatalf("unexpected stream: tokens=%q done=%+v", tokens, done)
	}

	resp, _ = get(t, sp.base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz after generate %d", resp.StatusCode)
	}

	resp, body = get(t, sp.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, body)
	}
	var st struct {
		State            string `json:"state"`
		GenerationsTotal int    `json:"generations_total"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v body=%s", err, body)
	}
	if st.State != "ready" || st.GenerationsTotal != 1 {
		t.Fatalf("unexpected status: %s", body)
	}

	resp, body = get(t, sp.base+"/metrics")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("genbridge_bridge_")) {
		t.Fatalf("/metrics missing bridge metrics (status %d)", resp.StatusCode)
	}

	// Graceful shutdown on SIGTERM.
	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-sp.done:
		if err != nil {
			t.Fatalf("server exited with %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not stop after SIGTERM")
	}
}

func TestBlackbox_Generate_ModelNotFound_404(t *testing.T) {
	bin := buildBinary(t)
	sp := startServer(t, bin, "--model-path", filepath.Join(t.TempDir(), "missing"))

	resp, body := postJSON(t, sp.base+"/generate", []byte(`{"prompt":"hi"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, body)
	}
	resp, body = get(t, sp.base+"/status")
	if !bytes.Contains(body, []byte(`"state":"error"`)) {
		t.Fatalf("expected error state, got %d %s", resp.StatusCode, body)
	}
}

func TestBlackbox_GenerateCommand(t *testing.T) {
	bin := buildBinary(t)
	out, err := exec.Command(bin, "generate",
		"--engine", "scripted",
		"--script", "one two",
		"--model-path", t.TempDir(),
		"--log-level", "error",
		"hi",
	).Output()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(out) != "one two\n" {
		t.Fatalf("unexpected output %q", out)
	}
}
