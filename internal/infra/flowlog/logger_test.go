package flowlog_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
)

// syncBuf is a thread-safe io.Writer that signals each write on a channel,
// letting tests wait for the background drain goroutine deterministically
// instead of sleeping (same select/time.After idiom eventbus's own tests use).
type syncBuf struct {
	mu     sync.Mutex
	sb     strings.Builder
	notify chan struct{}
}

func newSyncBuf() *syncBuf {
	return &syncBuf{notify: make(chan struct{}, 1024)}
}

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.sb.Write(p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return n, err
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

func waitForWrite(t *testing.T, buf *syncBuf) {
	t.Helper()
	select {
	case <-buf.notify:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flow logger to drain an event")
	}
}

func TestLogger_LogThenRun_WritesEncodedEvent(t *testing.T) {
	t.Parallel()

	buf := newSyncBuf()
	logger := flowlog.New(buf, flowlog.DetailVerbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logger.Run(ctx) //nolint:errcheck

	logger.Log("sess_1", flowlog.QueryStart, flowlog.StatusInProgress, nil, map[string]string{"query": "hi"})
	waitForWrite(t, buf)

	out := buf.String()
	if !strings.Contains(out, "QUERY_START") || !strings.Contains(out, "Session: sess_1") {
		t.Errorf("logged output missing expected fields: %s", out)
	}
}

func TestLogger_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	buf := newSyncBuf()
	logger := flowlog.New(buf, flowlog.DetailVerbose)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- logger.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() error = nil; want context.Canceled")
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestLogger_QueueOverflow_WritesSingleMarker(t *testing.T) {
	t.Parallel()

	buf := newSyncBuf()
	logger := flowlog.New(buf, flowlog.DetailVerbose)

	// The bus channel backing the logger has a fixed capacity; publish well
	// past it before anything drains so the excess is dropped deterministically.
	const total = 130
	for i := 0; i < total; i++ {
		logger.Log("sess_overflow", flowlog.ToolExecution, flowlog.StatusSuccess, nil, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logger.Run(ctx) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for {
		if strings.Count(buf.String(), "Session: sess_overflow") >= 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for drained events, got: %d", strings.Count(buf.String(), "Session: sess_overflow"))
		}
		waitForWrite(t, buf)
	}

	out := buf.String()
	if got := strings.Count(out, "LOG_OVERFLOW"); got != 1 {
		t.Errorf("LOG_OVERFLOW marker count = %d; want exactly 1", got)
	}
}

func TestLogger_ElapsedSinceStart_RelativeToFirstEventInSession(t *testing.T) {
	t.Parallel()

	buf := newSyncBuf()
	logger := flowlog.New(buf, flowlog.DetailVerbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logger.Run(ctx) //nolint:errcheck

	logger.Log("sess_2", flowlog.QueryStart, flowlog.StatusInProgress, nil, nil)
	waitForWrite(t, buf)
	time.Sleep(10 * time.Millisecond)
	logger.Log("sess_2", flowlog.QueryComplete, flowlog.StatusSuccess, nil, nil)
	waitForWrite(t, buf)

	events, err := flowlog.DecodeAll(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("DecodeAll() = %d events; want 2", len(events))
	}
	if events[0].ElapsedSinceStart != 0 {
		t.Errorf("first event ElapsedSinceStart = %v; want 0", events[0].ElapsedSinceStart)
	}
}
