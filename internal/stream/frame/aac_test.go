package frame

import "testing"

// A single ADTS header (protection absent, 7-byte header) declaring a
// 20-byte frame (7 header + 13 payload bytes).
var validADTSHeader = []byte{0xFF, 0xF1, 0x00, 0x00, 0x02, 0x80, 0x00}

func TestParseADTSHeaderValid(t *testing.T) {
	data := append(append([]byte{}, validADTSHeader...), make([]byte, 13)...)
	h := parseADTSHeader(data)
	if !h.valid {
		t.Fatal("expected a valid ADTS header")
	}
	if h.frameLength != 20 {
		t.Errorf("frameLength = %d, want 20", h.frameLength)
	}
}

func TestParseADTSHeaderRejectsBadSync(t *testing.T) {
	h := parseADTSHeader(make([]byte, 7))
	if h.valid {
		t.Error("expected all-zero bytes to be rejected")
	}
}

func TestParseADTSHeaderRejectsShortInput(t *testing.T) {
	h := parseADTSHeader(validADTSHeader[:5])
	if h.valid {
		t.Error("expected short input to be rejected")
	}
}

func TestAACAdapterFindBoundariesSingleFrame(t *testing.T) {
	a := AACAdapter{}
	data := append(append([]byte{}, validADTSHeader...), make([]byte, 13)...)
	bounds := a.FindBoundaries(data)
	if len(bounds) != 1 {
		t.Fatalf("got %d boundaries, want 1", len(bounds))
	}
	if bounds[0].Offset != 0 || bounds[0].Length != 20 {
		t.Errorf("boundary = %+v, want {Offset:0 Length:20}", bounds[0])
	}
}

func TestAACAdapterFindBoundariesTwoFrames(t *testing.T) {
	a := AACAdapter{}
	frame := append(append([]byte{}, validADTSHeader...), make([]byte, 13)...)
	data := append(append([]byte{}, frame...), frame...)
	bounds := a.FindBoundaries(data)
	if len(bounds) != 2 {
		t.Fatalf("got %d boundaries, want 2", len(bounds))
	}
	if bounds[1].Offset != 20 {
		t.Errorf("second boundary offset = %d, want 20", bounds[1].Offset)
	}
}

func TestAACAdapterNearestBoundaryOutOfRange(t *testing.T) {
	a := AACAdapter{}
	if got := a.NearestBoundary(make([]byte, 4), 100); got != -1 {
		t.Errorf("NearestBoundary past end = %d, want -1", got)
	}
}

func TestFindADTSSync(t *testing.T) {
	data := []byte{0x00, 0x00, 0xFF, 0xF1, 0x00}
	if got := findADTSSync(data); got != 2 {
		t.Errorf("findADTSSync = %d, want 2", got)
	}
	if got := findADTSSync([]byte{0x00, 0x00}); got != -1 {
		t.Errorf("findADTSSync on sync-free data = %d, want -1", got)
	}
}
