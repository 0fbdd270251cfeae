package session

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, source *FuncSource, window time.Duration, onActive func(time.Time)) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Source:   source,
		OnActive: onActive,
		Logger:   testLogger(),
		Window:   window,
	})
	if err != nil {
		t.Fatalf("Expected no error creating monitor, got: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestMonitorDebouncesBursts(t *testing.T) {
	var fired atomic.Int32
	source := NewFuncSource()
	newTestMonitor(t, source, 50*time.Millisecond, func(time.Time) {
		fired.Add(1)
	})

	// A burst of raw events well inside one debounce window
	for i := 0; i < 50; i++ {
		source.Emit(Event{Kind: EventPointerMove, Time: time.Now()})
		time.Sleep(time.Millisecond)
	}

	// Nothing fires while the stream is still busy enough; after the quiet
	// window exactly one notification arrives.
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected exactly 1 notification after burst, got %d", got)
	}
}

func TestMonitorFiresPerQuietPeriod(t *testing.T) {
	var fired atomic.Int32
	source := NewFuncSource()
	newTestMonitor(t, source, 20*time.Millisecond, func(time.Time) {
		fired.Add(1)
	})

	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	time.Sleep(60 * time.Millisecond)
	source.Emit(Event{Kind: EventKeyDown, Time: time.Now()})
	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 2 {
		t.Errorf("Expected one notification per quiet period (2), got %d", got)
	}
}

func TestMonitorIgnoresUnwatchedKinds(t *testing.T) {
	var fired atomic.Int32
	source := NewFuncSource()
	m, err := NewMonitor(MonitorConfig{
		Source:   source,
		OnActive: func(time.Time) { fired.Add(1) },
		Logger:   testLogger(),
		Window:   10 * time.Millisecond,
		Events:   []EventKind{EventClick},
	})
	if err != nil {
		t.Fatalf("Expected no error creating monitor, got: %v", err)
	}
	defer m.Close()

	source.Emit(Event{Kind: EventScroll, Time: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no notification for an unwatched kind, got %d", got)
	}
}

func TestMonitorCloseCancelsPendingTimer(t *testing.T) {
	var fired atomic.Int32
	source := NewFuncSource()
	m := newTestMonitor(t, source, 30*time.Millisecond, func(time.Time) {
		fired.Add(1)
	})

	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	m.Close()

	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no notification after Close, got %d", got)
	}

	// Events after Close stay silent too
	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no notification for events after Close, got %d", got)
	}
}

func TestMonitorStaleTimerDoesNotDoubleNotify(t *testing.T) {
	var fired atomic.Int32
	source := NewFuncSource()
	m := newTestMonitor(t, source, time.Hour, func(time.Time) {
		fired.Add(1)
	})

	// Two events in quick succession: the second re-arms the timer.
	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	source.Emit(Event{Kind: EventClick, Time: time.Now()})

	m.mu.Lock()
	stale := m.timerSeq - 1
	m.mu.Unlock()

	// A superseded timer that already fired must neither notify nor clear
	// the live timer's reference.
	m.fire(stale)
	if got := fired.Load(); got != 0 {
		t.Fatalf("Expected no notification from a superseded timer, got %d", got)
	}
	m.mu.Lock()
	liveTimer := m.timer
	m.mu.Unlock()
	if liveTimer == nil {
		t.Fatal("Expected the live timer reference to survive a stale fire")
	}

	// The current timer still delivers exactly once.
	m.fire(stale + 1)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected exactly 1 notification from the live timer, got %d", got)
	}
}

func TestFuncSourceUnsubscribe(t *testing.T) {
	var delivered atomic.Int32
	source := NewFuncSource()
	unsubscribe, err := source.Subscribe([]EventKind{EventClick}, func(Event) {
		delivered.Add(1)
	})
	if err != nil {
		t.Fatalf("Expected no error subscribing, got: %v", err)
	}

	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	if got := delivered.Load(); got != 1 {
		t.Fatalf("Expected 1 delivery before unsubscribe, got %d", got)
	}

	unsubscribe()
	source.Emit(Event{Kind: EventClick, Time: time.Now()})
	if got := delivered.Load(); got != 1 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", got)
	}
}
