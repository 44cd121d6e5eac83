package frame

import (
	"encoding/binary"
	"testing"
)

func buildOggPage(granule uint64, serial, seq uint32, segments []byte, body []byte) []byte {
	headerLen := 27 + len(segments)
	buf := make([]byte, headerLen+len(body))
	copy(buf[0:4], oggMagic)
	buf[4] = 0 // version
	buf[5] = 0 // flags
	binary.LittleEndian.PutUint64(buf[6:14], granule)
	binary.LittleEndian.PutUint32(buf[14:18], serial)
	binary.LittleEndian.PutUint32(buf[18:22], seq)
	// buf[22:26] (CRC) left zero; callers needing a verifiable CRC fill it in.
	buf[26] = byte(len(segments))
	copy(buf[27:27+len(segments)], segments)
	copy(buf[headerLen:], body)
	return buf
}

func computeOggCRC(data []byte) uint32 {
	buf := make([]byte, len(data))
	copy(buf, data)
	buf[22], buf[23], buf[24], buf[25] = 0, 0, 0, 0
	var crc uint32
	for _, b := range buf {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

func TestFindOggPagesSinglePage(t *testing.T) {
	page := buildOggPage(12345, 7, 0, []byte{5, 3}, make([]byte, 8))
	pages := FindOggPages(page)
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	p := pages[0]
	if p.Offset != 0 || p.Length != len(page) {
		t.Errorf("boundary = %+v, want Offset=0 Length=%d", p.Boundary, len(page))
	}
	if p.GranulePosition != 12345 || p.SerialNumber != 7 || p.SequenceNumber != 0 {
		t.Errorf("got granule=%d serial=%d seq=%d", p.GranulePosition, p.SerialNumber, p.SequenceNumber)
	}
}

func TestFindOggPagesTwoPages(t *testing.T) {
	page1 := buildOggPage(1, 7, 0, []byte{4}, make([]byte, 4))
	page2 := buildOggPage(2, 7, 1, []byte{6}, make([]byte, 6))
	data := append(append([]byte{}, page1...), page2...)

	pages := FindOggPages(data)
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if pages[1].Offset != len(page1) {
		t.Errorf("second page offset = %d, want %d", pages[1].Offset, len(page1))
	}
	if pages[1].SequenceNumber != 1 {
		t.Errorf("second page sequence = %d, want 1", pages[1].SequenceNumber)
	}
}

func TestFindOggPagesIncompleteTrailingPageIgnored(t *testing.T) {
	page1 := buildOggPage(1, 7, 0, []byte{4}, make([]byte, 4))
	// A truncated page: magic plus a handful of header bytes, not enough
	// to read the segment table or body.
	data := append(append([]byte{}, page1...), []byte(oggMagic)...)
	data = append(data, 0, 0, 0)

	pages := FindOggPages(data)
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1 (trailing partial page ignored)", len(pages))
	}
}

func TestOggAdapterFindBoundaries(t *testing.T) {
	a := OggAdapter{}
	page := buildOggPage(1, 7, 0, []byte{4}, make([]byte, 4))
	bounds := a.FindBoundaries(page)
	if len(bounds) != 1 || bounds[0].Length != len(page) {
		t.Errorf("bounds = %+v, want one boundary of length %d", bounds, len(page))
	}
}

func TestVerifyCRCRoundTrip(t *testing.T) {
	page := buildOggPage(1, 7, 0, []byte{4}, []byte("data"))
	crc := computeOggCRC(page)
	binary.LittleEndian.PutUint32(page[22:26], crc)

	if !VerifyCRC(page) {
		t.Error("expected VerifyCRC to accept a correctly computed CRC")
	}

	page[30] ^= 0xFF // corrupt a body byte
	if VerifyCRC(page) {
		t.Error("expected VerifyCRC to reject a corrupted page")
	}
}

func TestIndexMagic(t *testing.T) {
	data := append([]byte{0, 1, 2}, []byte(oggMagic)...)
	if got := indexMagic(data); got != 3 {
		t.Errorf("indexMagic = %d, want 3", got)
	}
	if got := indexMagic([]byte("nope")); got != -1 {
		t.Errorf("indexMagic on non-matching data = %d, want -1", got)
	}
}
