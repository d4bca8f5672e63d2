package flowlog

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/infra/eventbus"
)

// topicFlowEvents is the single eventbus topic the logger's async queue
// rides on — one internal subscriber drains it and serializes events to
// the append-only log file.
const topicFlowEvents = "flow.events"

// Logger is the async, non-blocking flow event writer. Log enqueues
// from the hot path and never blocks; Run drains the queue on a background
// goroutine. Grounded on eventbus.Bus's buffered-channel-per-topic,
// drop-on-full Publish, extended here to notice the drop and write a single
// LOG_OVERFLOW marker before the next event that makes it through.
type Logger struct {
	bus    *eventbus.Bus
	ch     <-chan eventbus.Event
	detail DetailLevel
	w      io.Writer
	closer io.Closer

	dropped int32 // atomic; events dropped since the last written marker

	mu           sync.Mutex
	sessionStart map[string]time.Time
}

// New builds a Logger that writes to w at the given detail level. w is
// closed by Close if it implements io.Closer.
func New(w io.Writer, detail DetailLevel) *Logger {
	bus := eventbus.New()
	l := &Logger{
		bus:          bus,
		ch:           bus.Subscribe(topicFlowEvents),
		detail:       detail,
		w:            w,
		sessionStart: make(map[string]time.Time),
	}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// Log enqueues an event for a session. ElapsedSinceStart is computed
// relative to the first event logged for sessionID (normally QUERY_START).
// The session's start time is forgotten once QUERY_COMPLETE is logged, so a
// session ID reused later starts its elapsed clock over.
func (l *Logger) Log(sessionID string, eventType EventType, status Status, duration *time.Duration, metadata map[string]string) {
	now := time.Now().UTC()
	start := l.sessionStartTime(sessionID, now)
	if eventType == QueryComplete {
		l.forgetSession(sessionID)
	}

	e := Event{
		Timestamp:         now,
		SessionID:         sessionID,
		EventType:         eventType,
		ElapsedSinceStart: now.Sub(start),
		Duration:          duration,
		Status:            status,
		Metadata:          metadata,
	}

	if len(l.ch) == cap(l.ch) {
		atomic.AddInt32(&l.dropped, 1)
	}
	l.bus.Publish(topicFlowEvents, e)
}

func (l *Logger) sessionStartTime(sessionID string, now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.sessionStart[sessionID]
	if !ok {
		l.sessionStart[sessionID] = now
		return now
	}
	return t
}

func (l *Logger) forgetSession(sessionID string) {
	l.mu.Lock()
	delete(l.sessionStart, sessionID)
	l.mu.Unlock()
}

// Run drains the queue until ctx is cancelled or the underlying bus channel
// closes (it never does in practice — Bus has no Unsubscribe). Call it from
// a single background goroutine; Close the Logger to stop accepting writes
// to the backing file afterward.
func (l *Logger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.ch:
			if !ok {
				return nil
			}
			e, ok := raw.Payload.(Event)
			if !ok {
				continue
			}
			if n := atomic.SwapInt32(&l.dropped, 0); n > 0 {
				if _, err := io.WriteString(l.w, overflowMarker(n, e.Timestamp)); err != nil {
					return fmt.Errorf("flowlog: write overflow marker: %w", err)
				}
			}
			if _, err := io.WriteString(l.w, Encode(e, l.detail)); err != nil {
				return fmt.Errorf("flowlog: write event: %w", err)
			}
		}
	}
}

// Close releases the backing writer, if closeable.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
