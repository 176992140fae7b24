package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livetrack/internal/config"
)

// syncBuffer guards a bytes.Buffer shared by the server goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               8080,
		Env:                "test",
		HistoryHorizon:     24 * time.Hour,
		HistoryMaxPoints:   100,
		PruneInterval:      time.Hour,
		FreshnessThreshold: time.Minute,
		SendQueueSize:      8,
		RateLimitPerMinute: 1000,
		OTelExporter:       "otlp-http",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

// startServe runs serve in the background and returns its result channel.
func startServe(ctx context.Context, handler http.Handler, ln net.Listener, logger *slog.Logger) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, newServer(handler), ln, logger)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server failed to stop in time")
	}
}

// TestServe_ShutdownLogOrder tests that cancellation drives a graceful shutdown.
func TestServe_ShutdownLogOrder(t *testing.T) {
	var logBuf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startServe(ctx, http.NotFoundHandler(), ln, logger)

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	waitDone(t, done)

	logs := logBuf.String()
	startIdx := strings.Index(logs, "starting server")
	shutdownIdx := strings.Index(logs, "shutting down server")
	stoppedIdx := strings.Index(logs, "server stopped")

	if startIdx == -1 || shutdownIdx == -1 || stoppedIdx == -1 {
		t.Fatalf("missing lifecycle log lines: %s", logs)
	}
	if startIdx > shutdownIdx || shutdownIdx > stoppedIdx {
		t.Error("expected start, shutdown, stopped in that order")
	}
}

// TestServe_InFlightRequests tests that in-flight requests complete before shutdown returns.
func TestServe_InFlightRequests(t *testing.T) {
	started := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})

	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startServe(ctx, handler, ln, discardLogger())

	type result struct {
		status int
		body   string
		err    error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err != nil {
			results <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, body: string(body)}
	}()

	<-started
	cancel()

	res := <-results
	if res.err != nil {
		t.Fatalf("in-flight request failed: %v", res.err)
	}
	if res.status != http.StatusOK || res.body != "done" {
		t.Errorf("unexpected in-flight response: %d %q", res.status, res.body)
	}
	waitDone(t, done)
}

// TestServe_ListenerError tests that a broken listener surfaces as an error.
func TestServe_ListenerError(t *testing.T) {
	ln := listen(t)
	ln.Close()

	err := serve(context.Background(), newServer(http.NotFoundHandler()), ln, discardLogger())
	if err == nil {
		t.Fatal("expected error from closed listener")
	}
}

// TestApp_InMemoryEndToEnd wires the full relay without external storage and
// drives it over HTTP and WebSocket.
func TestApp_InMemoryEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("newApp() failed: %v", err)
	}
	defer a.Close()
	a.Start(ctx)

	ln := listen(t)
	base := "http://" + ln.Addr().String()
	done := startServe(ctx, a.handler, ln, discardLogger())

	resp, err := http.Get(base + "/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected /ready 200 with in-memory storage, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "track:subscribe", "data": "TRK-MAIN"}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	readUntil(t, conn, "track:subscribed")

	resp, err = http.Post(base+"/api/location", "application/json",
		strings.NewReader(`{"trackId":"TRK-MAIN","lat":48.85,"lng":2.35}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	readUntil(t, conn, "location:updated")

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"livetrack_reports_accepted_total", "livetrack_ws_connections", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in /metrics output", name)
		}
	}

	// Shutdown ends the open WebSocket session.
	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("websocket stayed open after shutdown")
			}
			break
		}
	}
	waitDone(t, done)
}

func TestNewApp_InvalidRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "not-a-redis-url"

	if _, err := newApp(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame struct {
			Event string `json:"event"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return
		}
	}
}

// TestSignalNotifyContext_SIGTERM tests that SIGTERM cancels the serve context.
func TestSignalNotifyContext_SIGTERM(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

// TestSignalNotifyContext_SIGINT tests that SIGINT cancels the serve context.
func TestSignalNotifyContext_SIGINT(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by SIGINT")
	}
}
