// Package frame implements content-type-specific frame boundary
// detection for the RingBuffer and SilenceDetector: MP3 header scan,
// AAC ADTS scan, and Ogg page assembly.
package frame

// ContentType identifies the audio container detected from the
// source's Content-Type header.
type ContentType int

const (
	Unknown ContentType = iota
	MP3
	AAC
	OGG
	NSV
	Ultravox
	PLS
	M3U
)

func (c ContentType) String() string {
	switch c {
	case MP3:
		return "MP3"
	case AAC:
		return "AAC"
	case OGG:
		return "OGG"
	case NSV:
		return "NSV"
	case Ultravox:
		return "Ultravox"
	case PLS:
		return "PLS"
	case M3U:
		return "M3U"
	default:
		return "unknown"
	}
}

// ContentTypeFromMIME maps a Content-Type header value to a ContentType,
// per spec.md §4.1.
func ContentTypeFromMIME(mime string) ContentType {
	switch mime {
	case "audio/mpeg":
		return MP3
	case "audio/aacp", "audio/aac":
		return AAC
	case "application/ogg", "audio/ogg":
		return OGG
	case "audio/x-scpls":
		return PLS
	case "audio/x-mpegurl":
		return M3U
	default:
		return Unknown
	}
}

// Boundary describes one frame found in a byte region: its start offset
// (relative to the region start) and its length in bytes.
type Boundary struct {
	Offset int
	Length int
}

// Adapter finds frame boundaries within a byte region, used by the
// RingBuffer to align chunk writes and by SilenceDetector to find
// frame-aligned split points. Implementations never allocate per call
// on the hot audio-copy path; they only scan header bytes already
// resident in the caller's buffer.
type Adapter interface {
	// FindBoundaries returns every complete frame found in data,
	// in order. A trailing partial frame (not enough bytes left in
	// data) is not returned.
	FindBoundaries(data []byte) []Boundary

	// NearestBoundary returns the offset of the frame boundary at or
	// after `near`, or -1 if none is found in data.
	NearestBoundary(data []byte, near int) int
}
