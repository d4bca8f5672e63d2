package flowlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/segmentio/encoding/json"
)

const tableEvents = "event"

// storedEvent is the memdb-indexed row wrapping an Event. ID is a
// monotonically increasing sequence number so insertion order is
// recoverable without a dedicated index.
type storedEvent struct {
	ID        string
	SessionID string
	EventType string
	Event     Event
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"session": {
						Name:    "session",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "SessionID"},
					},
					"event_type": {
						Name:    "event_type",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "EventType"},
					},
				},
			},
		},
	}
}

// Analyzer indexes a bounded window of recent flow events in memory so the
// filter/timing-stats/export queries spec §4.10 asks for don't require a
// linear scan of the on-disk log. capacity <= 0 means unbounded — the shape
// used when loading an entire log file for offline analysis rather than
// tailing the live queue.
type Analyzer struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	capacity int
	order    []string // FIFO of row ids, oldest first
	events   []Event  // parallel slice, same order, for ordered export
	seq      uint64
}

// NewAnalyzer builds an empty Analyzer bounded to capacity recent events.
func NewAnalyzer(capacity int) (*Analyzer, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("flowlog: build analyzer index: %w", err)
	}
	return &Analyzer{db: db, capacity: capacity}, nil
}

// NewAnalyzerFromReader replays every event in a flow log into a fresh,
// unbounded Analyzer — the offline path over the durable log file rather
// than the live in-memory ring.
func NewAnalyzerFromReader(r io.Reader) (*Analyzer, error) {
	events, err := DecodeAll(r)
	if err != nil {
		return nil, err
	}
	a, err := NewAnalyzer(0)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := a.Ingest(e); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Ingest adds one event to the index, evicting the oldest row once capacity
// is exceeded (capacity <= 0 disables eviction).
func (a *Analyzer) Ingest(e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	id := fmt.Sprintf("%020d", a.seq)
	rec := &storedEvent{ID: id, SessionID: e.SessionID, EventType: string(e.EventType), Event: e}

	txn := a.db.Txn(true)
	if err := txn.Insert(tableEvents, rec); err != nil {
		txn.Abort()
		return fmt.Errorf("flowlog: index event: %w", err)
	}
	txn.Commit()

	a.order = append(a.order, id)
	a.events = append(a.events, e)

	if a.capacity > 0 && len(a.order) > a.capacity {
		oldest := a.order[0]
		a.order = a.order[1:]
		a.events = a.events[1:]

		del := a.db.Txn(true)
		if _, err := del.DeleteAll(tableEvents, "id", oldest); err != nil {
			del.Abort()
			return fmt.Errorf("flowlog: evict event: %w", err)
		}
		del.Commit()
	}
	return nil
}

// FilterBySession returns every indexed event for a session, oldest first.
func (a *Analyzer) FilterBySession(sessionID string) ([]Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	txn := a.db.Txn(false)
	it, err := txn.Get(tableEvents, "session", sessionID)
	if err != nil {
		return nil, fmt.Errorf("flowlog: filter by session: %w", err)
	}
	var out []Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*storedEvent).Event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// TimingStats summarizes durations recorded for one event type: count,
// average, min, max, and p95 (nearest-rank).
type TimingStats struct {
	EventType EventType
	Count     int
	Avg       float64 // milliseconds
	Min       float64
	Max       float64
	P95       float64
}

// Stats computes TimingStats for one event type over the indexed events
// that carry a non-nil Duration.
func (a *Analyzer) Stats(eventType EventType) (TimingStats, error) {
	a.mu.Lock()
	txn := a.db.Txn(false)
	it, err := txn.Get(tableEvents, "event_type", string(eventType))
	a.mu.Unlock()
	if err != nil {
		return TimingStats{}, fmt.Errorf("flowlog: stats: %w", err)
	}

	var durationsMs []float64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*storedEvent).Event
		if e.Duration != nil {
			durationsMs = append(durationsMs, float64(e.Duration.Milliseconds()))
		}
	}
	if len(durationsMs) == 0 {
		return TimingStats{EventType: eventType}, nil
	}
	sort.Float64s(durationsMs)

	stats := TimingStats{EventType: eventType, Count: len(durationsMs), Min: durationsMs[0], Max: durationsMs[len(durationsMs)-1]}
	var sum float64
	for _, d := range durationsMs {
		sum += d
	}
	stats.Avg = sum / float64(len(durationsMs))
	stats.P95 = percentile(durationsMs, 0.95)
	return stats, nil
}

// percentile computes the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Errors returns every indexed event with status ERROR, oldest first.
func (a *Analyzer) Errors() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Event
	for _, e := range a.events {
		if e.Status == StatusError {
			out = append(out, e)
		}
	}
	return out
}

// SlowerThan returns every indexed event whose duration is at or above
// threshold, oldest first.
func (a *Analyzer) SlowerThan(threshold float64) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Event
	for _, e := range a.events {
		if e.Duration != nil && float64(e.Duration.Milliseconds()) >= threshold {
			out = append(out, e)
		}
	}
	return out
}

// ExportJSON writes every indexed event, oldest first, as a JSON array.
func (a *Analyzer) ExportJSON(w io.Writer) error {
	a.mu.Lock()
	events := append([]Event(nil), a.events...)
	a.mu.Unlock()
	return json.NewEncoder(w).Encode(events)
}

// ExportCSV writes every indexed event, oldest first, as CSV with a fixed
// column set; metadata is flattened into a single JSON-encoded column since
// its key set varies per event type.
func (a *Analyzer) ExportCSV(w io.Writer) error {
	a.mu.Lock()
	events := append([]Event(nil), a.events...)
	a.mu.Unlock()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "session_id", "event_type", "elapsed_ms", "duration_ms", "status", "metadata"}); err != nil {
		return fmt.Errorf("flowlog: write csv header: %w", err)
	}
	for _, e := range events {
		durationMs := ""
		if e.Duration != nil {
			durationMs = fmt.Sprintf("%d", e.Duration.Milliseconds())
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("flowlog: marshal metadata: %w", err)
		}
		row := []string{
			e.Timestamp.UTC().Format(timestampLayout),
			e.SessionID,
			string(e.EventType),
			fmt.Sprintf("%d", e.ElapsedSinceStart.Milliseconds()),
			durationMs,
			string(e.Status),
			string(metadata),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("flowlog: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
