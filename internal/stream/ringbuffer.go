package stream

import (
	"sync"

	"github.com/ripstream/ripstream/internal/stream/frame"
)

// MetaMarker attaches a TrackInfo snapshot to the byte offset within a
// chunk where it takes effect, per spec.md §3's RingBuffer cell model.
type MetaMarker struct {
	Offset int // byte offset within the chunk
	Info   *TrackInfo
}

// cell is one fixed-size slot of the ring.
type cell struct {
	data   []byte
	marker *MetaMarker  // nil if no metadata event starts in this chunk
	pages  []frame.Page // Ogg page descriptors covering this chunk, if any
}

// cursor is one consumer's read position, expressed in absolute bytes
// written since the buffer was created (monotonic; never wraps).
type cursor struct {
	pos    int64
	relay  bool // relay cursors are evictable; the track-writer cursor never is
	closed bool
}

// RingBuffer is a fixed-size circular buffer of audio chunks with
// metadata and split-point markers, matching spec.md §4.4's explicit
// single-mutex design: one mutex guards (base, item_count,
// read_cursors[]) and a condition variable signals non-empty/non-full.
//
// Deliberately not gocast's lock-free atomic-position design (see
// DESIGN.md): spec.md calls out a TOCTOU bug in the original C where
// item_count was read outside the buffer's mutex, and mandates that
// every item_count-gated decision happen inside the same critical
// section that uses it.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunkSize int
	numChunks int
	cells     []cell

	base       int   // index of the oldest live cell, mod numChunks
	itemCount  int   // number of live cells
	writeBytes int64 // absolute bytes written so far (monotonic)

	cursors map[int]*cursor
	nextID  int

	splitOffset int64 // absolute byte offset of the next chosen split point, -1 if none
	closed      bool

	evictSlackBytes int64 // how far behind a relay cursor may fall before eviction
}

// NewRingBuffer creates a RingBuffer sized for chunkSize-byte chunks
// and numChunks chunks (spec.md §4.4: chunkSize is typically the ICY
// metaint, numChunks sized to cover the silence search window plus
// margin).
func NewRingBuffer(chunkSize, numChunks int) *RingBuffer {
	rb := &RingBuffer{
		chunkSize:       chunkSize,
		numChunks:       numChunks,
		cells:           make([]cell, numChunks),
		cursors:         make(map[int]*cursor),
		splitOffset:     -1,
		evictSlackBytes: int64(chunkSize) * int64(numChunks),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// NewCursor registers a new consumer cursor starting at the current
// write position (or, for a just-connected relay listener, at the
// oldest available data so it gets the "burst" of recent audio).
// relay marks the cursor as evictable when it falls too far behind.
func (rb *RingBuffer) NewCursor(fromOldest bool, relay bool) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	id := rb.nextID
	rb.nextID++

	start := rb.writeBytes
	if fromOldest {
		start = rb.baseOffsetLocked()
	}
	rb.cursors[id] = &cursor{pos: start, relay: relay}
	return id
}

// CloseCursor removes a consumer cursor, e.g. on listener disconnect.
func (rb *RingBuffer) CloseCursor(id int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	delete(rb.cursors, id)
	rb.cond.Broadcast()
}

// baseOffsetLocked returns the absolute byte offset of the oldest live
// byte. Caller must hold rb.mu.
func (rb *RingBuffer) baseOffsetLocked() int64 {
	return rb.writeBytes - int64(rb.itemCount)*int64(rb.chunkSize)
}

// InsertChunk appends one chunk of audio, blocking the producer if
// doing so would overrun the slowest non-evictable consumer's cursor.
// marker, if non-nil, is attached to the chunk at its given offset.
// ogg pages, if non-nil, record page boundaries inside this chunk.
//
// Returns false if the buffer was closed while waiting.
func (rb *RingBuffer) InsertChunk(data []byte, marker *MetaMarker, pages []frame.Page) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for {
		if rb.closed {
			return false
		}
		if rb.itemCount < rb.numChunks {
			break
		}
		// Buffer full: the oldest cell may be overwritten once every
		// live cursor has read past it.
		oldestEnd := rb.baseOffsetLocked() + int64(len(rb.cells[rb.base].data))
		consumed := true
		for _, c := range rb.cursors {
			if c.pos < oldestEnd {
				consumed = false
				break
			}
		}
		if consumed {
			break
		}
		// Otherwise evict any relay cursor that has fallen behind
		// by more than the configured slack before blocking the
		// producer on a client we're allowed to drop.
		if rb.evictSlowCursorsLocked(len(data)) {
			continue
		}
		rb.cond.Wait()
	}

	idx := (rb.base + rb.itemCount) % rb.numChunks
	buf := make([]byte, len(data))
	copy(buf, data)
	rb.cells[idx] = cell{data: buf, marker: marker, pages: pages}

	if rb.itemCount == rb.numChunks {
		rb.base = (rb.base + 1) % rb.numChunks
	} else {
		rb.itemCount++
	}
	rb.writeBytes += int64(len(data))

	rb.cond.Broadcast()
	return true
}

// evictSlowCursorsLocked marks-and-removes any relay cursor that would
// lag more than evictSlackBytes behind the write position once the
// pending incoming bytes are written. Caller must hold rb.mu. Returns
// true if any cursor was evicted (the producer should re-check room
// rather than block).
func (rb *RingBuffer) evictSlowCursorsLocked(incoming int) bool {
	evicted := false
	for id, c := range rb.cursors {
		if !c.relay {
			continue
		}
		if rb.writeBytes+int64(incoming)-c.pos > rb.evictSlackBytes {
			c.closed = true
			delete(rb.cursors, id)
			evicted = true
		}
	}
	return evicted
}

// ReadResult is returned by Read: the bytes copied, whether this
// consumer's cursor crossed a metadata marker (and the marker itself),
// and whether the cursor was evicted by the producer.
type ReadResult struct {
	N       int
	Marker  *MetaMarker
	Evicted bool
}

// Read copies up to len(out) bytes starting at the consumer's current
// cursor into out, advancing the cursor by the number of bytes copied.
// It blocks until at least one byte is available, the buffer is
// closed, or the cursor is evicted. If a metadata marker lies within
// the copied range, it is returned and the caller should treat the
// read as ending exactly at the marker so the marker is observed at
// the correct byte offset (per spec.md §5's ordering guarantee).
func (rb *RingBuffer) Read(id int, out []byte) ReadResult {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for {
		c, ok := rb.cursors[id]
		if !ok || c.closed {
			return ReadResult{Evicted: true}
		}
		if rb.closed && c.pos >= rb.writeBytes {
			return ReadResult{}
		}
		if c.pos < rb.baseOffsetLocked() {
			// Cursor fell behind the overwritten region: fast-forward
			// it to the oldest live byte rather than serving stale
			// (already-overwritten) data.
			c.pos = rb.baseOffsetLocked()
		}
		if c.pos < rb.writeBytes {
			return rb.copyFromLocked(c, out)
		}
		rb.cond.Wait()
	}
}

// copyFromLocked copies available bytes for cursor c into out and
// advances c.pos. Caller holds rb.mu.
func (rb *RingBuffer) copyFromLocked(c *cursor, out []byte) ReadResult {
	base := rb.baseOffsetLocked()
	avail := rb.writeBytes - c.pos
	n := int64(len(out))
	if n > avail {
		n = avail
	}

	// Locate the cell and in-cell offset for c.pos.
	relFromBase := c.pos - base
	cellIdx := (rb.base + int(relFromBase/int64(rb.chunkSize))) % rb.numChunks
	inCellOff := int(relFromBase % int64(rb.chunkSize))

	copied := 0
	var marker *MetaMarker
	for int64(copied) < n {
		cl := rb.cells[cellIdx]
		take := len(cl.data) - inCellOff
		remaining := int(n) - copied
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			break
		}
		if cl.marker != nil && cl.marker.Offset > inCellOff && cl.marker.Offset <= inCellOff+take {
			// Stop exactly at the marker on this pass so the caller
			// observes it at the precise byte offset; a subsequent
			// Read call picks up immediately after it.
			take = cl.marker.Offset - inCellOff
			marker = cl.marker
		}
		copy(out[copied:copied+take], cl.data[inCellOff:inCellOff+take])
		copied += take
		inCellOff += take
		if marker != nil {
			break
		}
		if inCellOff >= len(cl.data) {
			cellIdx = (cellIdx + 1) % rb.numChunks
			inCellOff = 0
		}
	}

	c.pos += int64(copied)
	rb.cond.Broadcast()
	return ReadResult{N: copied, Marker: marker}
}

// SetSplitPoint records the absolute byte offset SilenceDetector chose
// for the next track boundary.
func (rb *RingBuffer) SetSplitPoint(offset int64) {
	rb.mu.Lock()
	rb.splitOffset = offset
	rb.mu.Unlock()
}

// SplitPoint returns the currently pending split point, or -1 if none.
func (rb *RingBuffer) SplitPoint() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.splitOffset
}

// ClearSplitPoint resets the pending split point after it has been applied.
func (rb *RingBuffer) ClearSplitPoint() {
	rb.mu.Lock()
	rb.splitOffset = -1
	rb.mu.Unlock()
}

// WriteOffset returns the current absolute write position (observable
// for tests, per spec.md §4.4's write_index()).
func (rb *RingBuffer) WriteOffset() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writeBytes
}

// Free returns the number of empty chunk slots (observable for tests,
// per spec.md §4.4's get_free()).
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.numChunks - rb.itemCount
}

// PeekRegion copies up to len(out) bytes starting at absolute byte
// offset `offset` without advancing any cursor, used by SilenceDetector
// to inspect the buffer region around a candidate split point.
func (rb *RingBuffer) PeekRegion(offset int64, out []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	base := rb.baseOffsetLocked()
	if offset < base || offset >= rb.writeBytes {
		return 0
	}
	tmp := &cursor{pos: offset}
	res := rb.copyFromLocked(tmp, out)
	return res.N
}

// Close unblocks every waiting producer and consumer; subsequent reads
// drain remaining data then return EOF-like empty results.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
	rb.cond.Broadcast()
}

// CursorCount returns the number of live consumer cursors (test/metrics observable).
func (rb *RingBuffer) CursorCount() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.cursors)
}
