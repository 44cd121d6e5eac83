package stream

import (
	"bytes"
	"testing"
)

func buildICYStream(metaInt int, audioBlocks []string, metaBlocks []string) []byte {
	var buf bytes.Buffer
	for i, audio := range audioBlocks {
		buf.WriteString(audio)
		if i < len(metaBlocks) {
			meta := metaBlocks[i]
			blocks := (len(meta) + 15) / 16
			padded := make([]byte, blocks*16)
			copy(padded, meta)
			buf.WriteByte(byte(blocks))
			buf.Write(padded)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func TestMetaStripperNoInterval(t *testing.T) {
	src := bytes.NewReader([]byte("just audio, no metadata"))
	ms := NewMetaStripper(src, 0)

	out := make([]byte, 64)
	n, ev, err := ms.Next(out)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if ev != nil {
		t.Error("expected no event when metaInt is 0")
	}
	if string(out[:n]) != "just audio, no metadata" {
		t.Errorf("got %q", string(out[:n]))
	}
}

func TestMetaStripperSingleBlock(t *testing.T) {
	raw := buildICYStream(8, []string{"AUDIO1AA"}, []string{"StreamTitle='Foo - Bar';"})
	ms := NewMetaStripper(bytes.NewReader(raw), 8)

	out := make([]byte, 8)
	n, ev, err := ms.Next(out)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if n != 8 || string(out[:n]) != "AUDIO1AA" {
		t.Fatalf("audio mismatch: n=%d data=%q", n, string(out[:n]))
	}
	if ev == nil {
		t.Fatal("expected a metadata event")
	}
	if ev.RawMetadata != "StreamTitle='Foo - Bar';" {
		t.Errorf("RawMetadata = %q", ev.RawMetadata)
	}
}

func TestMetaStripperDuplicateMetadataSuppressed(t *testing.T) {
	raw := buildICYStream(4, []string{"AAAA", "BBBB"}, []string{"StreamTitle='X';", "StreamTitle='X';"})
	ms := NewMetaStripper(bytes.NewReader(raw), 4)

	out := make([]byte, 4)
	_, ev1, err := ms.Next(out)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if ev1 == nil {
		t.Fatal("expected first event")
	}

	_, ev2, err := ms.Next(out)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if ev2 != nil {
		t.Error("expected duplicate (pseudo-sticky) metadata to be suppressed")
	}
}

func TestMetaStripperZeroLengthBlock(t *testing.T) {
	raw := buildICYStream(4, []string{"DATA"}, nil)
	ms := NewMetaStripper(bytes.NewReader(raw), 4)

	out := make([]byte, 4)
	n, ev, err := ms.Next(out)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if n != 4 || ev != nil {
		t.Errorf("n=%d ev=%v, want n=4, ev=nil", n, ev)
	}
}
