package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// MemoryLog keeps events in memory, indexed by run. Suitable for tests and
// as a write-through cache in front of a durable store.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	byRun  map[string][]int
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byRun: make(map[string][]int)}
}

func (l *MemoryLog) Append(ctx context.Context, runID, event string, data any) (*Event, error) {
	evt := newEvent(runID, event, data)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	l.byRun[runID] = append(l.byRun[runID], len(l.events)-1)
	return &evt, nil
}

func (l *MemoryLog) Query(ctx context.Context, runID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indices := l.byRun[runID]
	out := make([]Event, 0, len(indices))
	for _, i := range indices {
		out = append(out, l.events[i])
	}
	return out, nil
}

// WriterLog writes events as JSON lines to an io.Writer (stdout by default).
// Querying a writer-only sink is not supported; deployments that need replay
// compose it with a durable store via Tee.
type WriterLog struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterLog creates a JSONL sink. A nil writer falls back to os.Stdout.
func NewWriterLog(w io.Writer) *WriterLog {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLog{writer: w}
}

func (l *WriterLog) Append(ctx context.Context, runID, event string, data any) (*Event, error) {
	evt := newEvent(runID, event, data)

	line, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return nil, err
	}
	return &evt, nil
}

func (l *WriterLog) Query(ctx context.Context, runID string) ([]Event, error) {
	return nil, nil
}

// Tee fans every append out to all sinks; the first sink is authoritative
// for queries.
type Tee struct {
	sinks []Log
}

// NewTee composes multiple sinks.
func NewTee(sinks ...Log) *Tee { return &Tee{sinks: sinks} }

func (t *Tee) Append(ctx context.Context, runID, event string, data any) (*Event, error) {
	var first *Event
	for _, sink := range t.sinks {
		evt, err := sink.Append(ctx, runID, event, data)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = evt
		}
	}
	return first, nil
}

func (t *Tee) Query(ctx context.Context, runID string) ([]Event, error) {
	if len(t.sinks) == 0 {
		return nil, nil
	}
	return t.sinks[0].Query(ctx, runID)
}
