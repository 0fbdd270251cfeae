// Package ops holds operational plumbing: a bounded in-memory log history
// with pub/sub fan-out, and an slog handler that captures records into it so
// recent logs can be streamed and filtered from the dashboard.
package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// componentKey is the attribute the dashboard log stream groups and filters
// by. Loggers tag themselves with logger.With("component", name).
const componentKey = "component"

// LogEntry is one captured log record. Attributes stay structured; the
// component a logger was tagged with is promoted to its own field.
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogBuffer retains the newest entries up to a fixed capacity and fans new
// entries out to subscribers. Slow subscribers drop entries rather than block
// the logger.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry // ring storage
	next    int        // slot the next entry lands in
	wrapped bool       // true once the ring has evicted its first entry

	subMu sync.RWMutex
	subs  map[string]chan LogEntry
}

// NewLogBuffer allocates a buffer retaining the given number of entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, capacity),
		subs:    make(map[string]chan LogEntry),
	}
}

// Add appends an entry, evicting the oldest once the buffer is full, and
// fans it out to every subscriber.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.next] = entry
	lb.next++
	if lb.next == len(lb.entries) {
		lb.next = 0
		lb.wrapped = true
	}
	lb.mu.Unlock()

	lb.subMu.RLock()
	for _, ch := range lb.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.subMu.RUnlock()
}

// Recent returns up to n of the newest retained entries in chronological
// order, optionally restricted to one component. An empty component matches
// every entry.
func (lb *LogBuffer) Recent(n int, component string) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	size := lb.next
	oldest := 0
	if lb.wrapped {
		size = len(lb.entries)
		oldest = lb.next
	}

	out := make([]LogEntry, 0, size)
	for i := 0; i < size; i++ {
		entry := lb.entries[(oldest+i)%len(lb.entries)]
		if component != "" && entry.Component != component {
			continue
		}
		out = append(out, entry)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Subscribe registers a buffered channel receiving every new entry.
func (lb *LogBuffer) Subscribe(id string) <-chan LogEntry {
	ch := make(chan LogEntry, 100)
	lb.subMu.Lock()
	lb.subs[id] = ch
	lb.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// an unknown id.
func (lb *LogBuffer) Unsubscribe(id string) {
	lb.subMu.Lock()
	ch, ok := lb.subs[id]
	delete(lb.subs, id)
	lb.subMu.Unlock()
	if ok {
		close(ch)
	}
}

// TeeHandler wraps an slog.Handler and captures records at or above a
// threshold into a LogBuffer. Records below the threshold still reach the
// inner handler; the buffer only sees what the dashboard should stream.
type TeeHandler struct {
	inner   slog.Handler
	buf     *LogBuffer
	capture slog.Level
	attrs   []slog.Attr // accumulated via WithAttrs, keys already prefixed
	prefix  string      // accumulated via WithGroup, "a.b." form
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler teeing records at or above capture to buf
// and every record to inner.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer, capture slog.Level) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf, capture: capture}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record into the buffer when it meets the threshold,
// then delegates to inner.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.capture {
		entry := LogEntry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
		for _, a := range h.attrs {
			collect(&entry, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			collect(&entry, h.prefix, a)
			return true
		})
		h.buf.Add(entry)
	}
	return h.inner.Handle(ctx, r)
}

// collect folds one attribute into the entry. The component attribute is
// promoted to its own field; everything else lands in the attrs map.
func collect(entry *LogEntry, prefix string, a slog.Attr) {
	if prefix == "" && a.Key == componentKey {
		if name, ok := a.Value.Any().(string); ok {
			entry.Component = name
			return
		}
	}
	if entry.Attrs == nil {
		entry.Attrs = make(map[string]any)
	}
	entry.Attrs[prefix+a.Key] = a.Value.Any()
}

// WithAttrs returns a handler that carries the attrs into every captured
// entry, alongside the inner handler's own accumulation.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	nh.inner = h.inner.WithAttrs(attrs)
	return nh
}

// WithGroup returns a handler that prefixes subsequent attribute keys with
// the group name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	if name != "" {
		nh.prefix = h.prefix + name + "."
	}
	nh.inner = h.inner.WithGroup(name)
	return nh
}

func (h *TeeHandler) clone() *TeeHandler {
	return &TeeHandler{
		inner:   h.inner,
		buf:     h.buf,
		capture: h.capture,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		prefix:  h.prefix,
	}
}
