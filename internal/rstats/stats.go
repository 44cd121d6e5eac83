// Package rstats collects engine-wide counters for a ripping session.
package rstats

import (
	"sync/atomic"
	"time"
)

// Session holds the counters a ripstream session accumulates over its
// lifetime: bytes moved, tracks produced, listeners served, reconnects.
type Session struct {
	startTime time.Time

	bytesRead      int64
	bytesWritten   int64
	tracksRipped   int64
	reconnectCount int64

	currentListeners int64
	peakListeners    int64
	listenersTotal   int64
}

// NewSession creates a Session with its clock started now.
func NewSession() *Session {
	return &Session{startTime: time.Now()}
}

func (s *Session) AddBytesRead(n int64)    { atomic.AddInt64(&s.bytesRead, n) }
func (s *Session) AddBytesWritten(n int64) { atomic.AddInt64(&s.bytesWritten, n) }
func (s *Session) IncTracksRipped()        { atomic.AddInt64(&s.tracksRipped, 1) }
func (s *Session) IncReconnects()          { atomic.AddInt64(&s.reconnectCount, 1) }

func (s *Session) BytesRead() int64    { return atomic.LoadInt64(&s.bytesRead) }
func (s *Session) BytesWritten() int64 { return atomic.LoadInt64(&s.bytesWritten) }
func (s *Session) TracksRipped() int64 { return atomic.LoadInt64(&s.tracksRipped) }
func (s *Session) Reconnects() int64   { return atomic.LoadInt64(&s.reconnectCount) }

// IncListeners records a relay listener connecting, updating the peak
// count with the same compare-and-swap loop the teacher uses for its
// per-mount peak-listener tracking.
func (s *Session) IncListeners() {
	n := atomic.AddInt64(&s.currentListeners, 1)
	atomic.AddInt64(&s.listenersTotal, 1)
	for {
		peak := atomic.LoadInt64(&s.peakListeners)
		if n <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&s.peakListeners, peak, n) {
			return
		}
	}
}

// DecListeners records a relay listener disconnecting.
func (s *Session) DecListeners() { atomic.AddInt64(&s.currentListeners, -1) }

func (s *Session) CurrentListeners() int64 { return atomic.LoadInt64(&s.currentListeners) }
func (s *Session) PeakListeners() int64    { return atomic.LoadInt64(&s.peakListeners) }
func (s *Session) ListenersTotal() int64   { return atomic.LoadInt64(&s.listenersTotal) }

func (s *Session) Uptime() time.Duration { return time.Since(s.startTime) }

// Snapshot is a point-in-time copy of Session counters, safe to marshal
// for the /status introspection endpoint.
type Snapshot struct {
	Uptime           int64 `json:"uptime_seconds"`
	BytesRead        int64 `json:"bytes_read"`
	BytesWritten     int64 `json:"bytes_written"`
	TracksRipped     int64 `json:"tracks_ripped"`
	Reconnects       int64 `json:"reconnects"`
	CurrentListeners int64 `json:"current_listeners"`
	PeakListeners    int64 `json:"peak_listeners"`
	ListenersTotal   int64 `json:"listeners_total"`
}

// Snapshot returns a consistent-enough point-in-time view of the counters.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Uptime:           int64(s.Uptime().Seconds()),
		BytesRead:        s.BytesRead(),
		BytesWritten:     s.BytesWritten(),
		TracksRipped:     s.TracksRipped(),
		Reconnects:       s.Reconnects(),
		CurrentListeners: s.CurrentListeners(),
		PeakListeners:    s.PeakListeners(),
		ListenersTotal:   s.ListenersTotal(),
	}
}

// FormatBytes renders bytes as a human-readable IEC size, avoiding an
// extra formatting dependency on a path that runs on every status tick.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return intToString(bytes) + " B"
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return floatToString(float64(bytes)/float64(div), 2) + " " + string("KMGTPE"[exp]) + "iB"
}

// FormatDuration renders d as "1h 2m 3s"-style text.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return intToString(int64(days)) + "d " + intToString(int64(hours)) + "h " + intToString(int64(minutes)) + "m"
	case hours > 0:
		return intToString(int64(hours)) + "h " + intToString(int64(minutes)) + "m " + intToString(int64(seconds)) + "s"
	case minutes > 0:
		return intToString(int64(minutes)) + "m " + intToString(int64(seconds)) + "s"
	default:
		return intToString(int64(seconds)) + "s"
	}
}

func intToString(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		return "-" + string(b)
	}
	return string(b)
}

func floatToString(f float64, precision int) string {
	if f < 0 {
		return "-" + floatToString(-f, precision)
	}
	intPart := int64(f)
	result := intToString(intPart) + "."
	f -= float64(intPart)
	for i := 0; i < precision; i++ {
		f *= 10
		result += string(byte('0' + int(f)%10))
	}
	return result
}
