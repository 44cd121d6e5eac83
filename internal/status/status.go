// Package status implements the engine's structured status callback sink,
// replacing the variadic printf-style debug output of the original design
// with typed events and fields.
package status

import (
	"strings"
	"sync"
	"time"
)

// Kind identifies the category of a status Event.
type Kind string

const (
	KindUpdate    Kind = "UPDATE"
	KindError     Kind = "ERROR"
	KindDone      Kind = "DONE"
	KindStarted   Kind = "STARTED"
	KindNewTrack  Kind = "NEW_TRACK"
	KindTrackDone Kind = "TRACK_DONE"
)

// Code mirrors the session status codes exposed to callers.
type Code int

const (
	CodeBuffering    Code = 0x01
	CodeRipping      Code = 0x02
	CodeReconnecting Code = 0x03
)

// Event is one status callback payload. Fields is a small, typed bag
// rather than a free-form format string — untrusted input never reaches
// a printf verb.
type Event struct {
	Time   time.Time
	Kind   Kind
	Code   Code
	Fatal  bool
	Source string
	Message string
	Fields map[string]any
}

// Sink receives Events. Supervisor and its subordinate components call
// Emit; operators subscribe via Subscribe.
type Sink struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	log *Log
}

// NewSink creates a Sink backed by a ring-buffered Log of the last
// maxLog entries (see Log, adapted from gocast's LogBuffer).
func NewSink(maxLog int) *Sink {
	return &Sink{
		subscribers: make(map[chan Event]struct{}),
		log:         NewLog(maxLog),
	}
}

// Emit records ev in the log and fans it out to current subscribers.
// Subscribers that are not keeping up are skipped rather than blocking
// the emitting component.
func (s *Sink) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.log.Add(ev)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Update is a convenience wrapper for the common UPDATE event.
func (s *Sink) Update(source, message string, code Code, fields map[string]any) {
	s.Emit(Event{Kind: KindUpdate, Code: code, Source: source, Message: message, Fields: fields})
}

// Error is a convenience wrapper for ERROR events.
func (s *Sink) Error(source string, err error, fatal bool) {
	s.Emit(Event{Kind: KindError, Source: source, Message: err.Error(), Fatal: fatal})
}

// Subscribe registers a buffered channel that receives future Events.
// Call the returned func to unsubscribe.
func (s *Sink) Subscribe(buffer int) (chan Event, func()) {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
		close(ch)
	}
}

// Recent returns the last n logged events.
func (s *Sink) Recent(n int) []Event {
	return s.log.Recent(n)
}

// Log is a capped, rate-limited ring buffer of Events, adapted from
// gocast's internal/server/logbuffer.go LogBuffer: identical repeated
// messages within a short window collapse into a single repeat-count
// entry instead of flooding the log.
type Log struct {
	mu      sync.Mutex
	entries []Event
	maxSize int

	lastKey     string
	lastTime    time.Time
	repeatCount int
	rateLimit   time.Duration
}

// NewLog creates a Log capped at maxSize entries.
func NewLog(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &Log{
		entries:   make([]Event, 0, maxSize),
		maxSize:   maxSize,
		rateLimit: time.Second,
	}
}

func (l *Log) key(ev Event) string {
	var b strings.Builder
	b.WriteString(string(ev.Kind))
	b.WriteByte('|')
	b.WriteString(ev.Source)
	b.WriteByte('|')
	b.WriteString(ev.Message)
	return b.String()
}

// Add appends ev, collapsing exact repeats within the rate-limit window.
func (l *Log) Add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := l.key(ev)
	if k == l.lastKey && ev.Time.Sub(l.lastTime) < l.rateLimit {
		l.repeatCount++
		l.lastTime = ev.Time
		return
	}

	if l.repeatCount > 0 {
		l.append(Event{
			Time:    l.lastTime,
			Kind:    KindUpdate,
			Source:  "status",
			Message: "previous message repeated",
			Fields:  map[string]any{"count": l.repeatCount},
		})
		l.repeatCount = 0
	}

	l.append(ev)
	l.lastKey = k
	l.lastTime = ev.Time
}

func (l *Log) append(ev Event) {
	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, ev)
}

// Recent returns the last n entries (all of them if n <= 0 or too large).
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Event, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
