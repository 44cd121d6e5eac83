package stream

import (
	"bytes"
	"io"
)

// MetaEvent is one decoded, trimmed ICY metadata block.
type MetaEvent struct {
	RawMetadata string // trimmed of trailing NULs, not yet parsed
}

// MetaStripper de-interleaves ICY in-band metadata from an audio byte
// stream at a fixed interval, per spec.md §4.2. Grounded directly on
// the reference Shoutcast client's Read() (length-byte read, L*16
// payload splice, "pseudo-sticky" duplicate suppression) — the
// clearest algorithmic match in the retrieved pack — adapted from a
// blocking io.Reader wrapper into a producer loop that emits clean
// audio chunks plus metadata events.
type MetaStripper struct {
	src      io.Reader
	metaInt  int // 0 = no metadata interval advertised
	counter  int // bytes of audio consumed since the last metadata block
	lastMeta string

	raw [1 + 255*16]byte // length byte + max metadata payload
}

// NewMetaStripper wraps src. metaInt is the source's icy-metaint
// header value (0 if absent, in which case Next always returns the
// full underlying read with no metadata events, per spec.md §4.2's
// "no metadata interval advertised" case).
func NewMetaStripper(src io.Reader, metaInt int) *MetaStripper {
	return &MetaStripper{src: src, metaInt: metaInt}
}

// Next reads up to len(out) clean audio bytes into out, stripping any
// ICY metadata block encountered along the way. It returns the number
// of audio bytes written to out and, if a metadata block was decoded
// and differs from the previously active title, the event. A read
// that lands exactly on a metadata block boundary may return n == 0
// with a non-nil event and no error; callers should loop.
func (m *MetaStripper) Next(out []byte) (n int, ev *MetaEvent, err error) {
	if m.metaInt <= 0 {
		return m.src.Read(out)
	}

	toBoundary := m.metaInt - m.counter
	want := len(out)
	if want > toBoundary {
		want = toBoundary
	}
	if want > 0 {
		n, err = io.ReadFull(m.src, out[:want])
		m.counter += n
		if err != nil {
			return n, nil, err
		}
	}

	if m.counter < m.metaInt {
		return n, nil, nil
	}

	// At the boundary: read the length byte, then L*16 bytes of payload.
	m.counter = 0
	if _, err := io.ReadFull(m.src, m.raw[:1]); err != nil {
		return n, nil, err
	}
	length := int(m.raw[0]) * 16
	if length == 0 {
		return n, nil, nil
	}
	if _, err := io.ReadFull(m.src, m.raw[1:1+length]); err != nil {
		return n, nil, err
	}

	payload := bytes.TrimRight(m.raw[1:1+length], "\x00")
	raw := string(payload)

	if raw == m.lastMeta {
		// Pseudo-sticky: identical to the previously active metadata,
		// no new event (spec.md §4.2).
		return n, nil, nil
	}
	m.lastMeta = raw
	return n, &MetaEvent{RawMetadata: raw}, nil
}
