package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a raw user interaction.
type EventKind string

const (
	EventPointerDown EventKind = "pointerdown"
	EventPointerMove EventKind = "pointermove"
	EventKeyDown     EventKind = "keydown"
	EventScroll      EventKind = "scroll"
	EventTouchStart  EventKind = "touchstart"
	EventClick       EventKind = "click"
)

// MonitoredEvents is the fixed set of interaction kinds the monitor watches.
var MonitoredEvents = []EventKind{
	EventPointerDown,
	EventPointerMove,
	EventKeyDown,
	EventScroll,
	EventTouchStart,
	EventClick,
}

// DebounceWindow is the quiet period that must elapse after the last raw
// event before the monitor notifies its callback.
const DebounceWindow = time.Second

// Event is one raw user interaction delivered by an InputSource.
type Event struct {
	Kind EventKind
	Time time.Time
}

// InputSource delivers raw interaction events. Subscribe registers a handler
// for the given kinds and returns an unsubscribe function. Implementations
// must deliver at capture scope: no intermediate consumer may suppress
// events before the handler sees them.
type InputSource interface {
	Subscribe(kinds []EventKind, handler func(Event)) (func(), error)
}

// MonitorConfig holds configuration for creating a new activity Monitor.
type MonitorConfig struct {
	Source   InputSource      // required
	OnActive func(time.Time)  // required
	Logger   *slog.Logger     // required
	Window   time.Duration    // optional - defaults to DebounceWindow
	Events   []EventKind      // optional - defaults to MonitoredEvents
	Now      func() time.Time
}

// Monitor observes raw input events and emits a debounced "user is active"
// signal: at most one callback per quiet window regardless of event volume.
type Monitor struct {
	mu          sync.Mutex
	timer       *time.Timer
	timerSeq    uint64
	closed      bool
	unsubscribe func()

	window   time.Duration
	onActive func(time.Time)
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor subscribes to the input source and starts observing.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errors.New("input source is required")
	}
	if cfg.OnActive == nil {
		return nil, errors.New("activity callback is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DebounceWindow
	}
	if len(cfg.Events) == 0 {
		cfg.Events = MonitoredEvents
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		window:   cfg.Window,
		onActive: cfg.OnActive,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	unsubscribe, err := cfg.Source.Subscribe(cfg.Events, m.handleEvent)
	if err != nil {
		return nil, err
	}
	m.unsubscribe = unsubscribe
	return m, nil
}

// handleEvent restarts the debounce timer. The callback fires only once the
// input stream has been quiet for the full window. Each armed timer carries a
// sequence number so a superseded timer that already fired cannot clear the
// replacement's reference and notify a second time within the window.
func (m *Monitor) handleEvent(Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.window, func() { m.fire(seq) })
}

func (m *Monitor) fire(seq uint64) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	onActive := m.onActive
	at := m.now()
	m.mu.Unlock()

	m.logger.Debug("User activity detected", "at", at)
	onActive(at)
}

// Close cancels any pending notification and unsubscribes from the input
// source. The callback never fires after Close returns.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// FuncSource is an InputSource backed by explicit Emit calls. The server
// wiring feeds it from request middleware; tests feed it directly.
type FuncSource struct {
	mu       sync.RWMutex
	handlers map[int]subscription
	nextID   int
}

type subscription struct {
	kinds   map[EventKind]struct{}
	handler func(Event)
}

// NewFuncSource creates an empty input source.
func NewFuncSource() *FuncSource {
	return &FuncSource{handlers: make(map[int]subscription)}
}

// Subscribe registers a handler for the given event kinds.
func (s *FuncSource) Subscribe(kinds []EventKind, handler func(Event)) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	kindSet := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = subscription{kinds: kindSet, handler: handler}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}, nil
}

// Emit delivers an event to every subscriber registered for its kind.
func (s *FuncSource) Emit(ev Event) {
	s.mu.RLock()
	handlers := make([]func(Event), 0, len(s.handlers))
	for _, sub := range s.handlers {
		if _, ok := sub.kinds[ev.Kind]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
