package status

import (
	"errors"
	"testing"
	"time"
)

func TestSinkEmitAndRecent(t *testing.T) {
	s := NewSink(16)
	s.Emit(Event{Kind: KindStarted, Source: "test", Message: "hello"})

	recent := s.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("got %d events, want 1", len(recent))
	}
	if recent[0].Message != "hello" {
		t.Errorf("Message = %q, want hello", recent[0].Message)
	}
	if recent[0].Time.IsZero() {
		t.Error("expected Emit to stamp a Time when none is set")
	}
}

func TestSinkUpdateAndError(t *testing.T) {
	s := NewSink(16)
	s.Update("src", "msg", CodeRipping, map[string]any{"k": 1})
	s.Error("src", errors.New("boom"), true)

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}
	if recent[0].Kind != KindUpdate || recent[0].Code != CodeRipping {
		t.Errorf("update event = %+v", recent[0])
	}
	if recent[1].Kind != KindError || recent[1].Message != "boom" || !recent[1].Fatal {
		t.Errorf("error event = %+v", recent[1])
	}
}

func TestSinkSubscribeReceivesAndUnsubscribeStops(t *testing.T) {
	s := NewSink(16)
	ch, unsubscribe := s.Subscribe(4)

	s.Emit(Event{Kind: KindStarted, Source: "test", Message: "one"})
	select {
	case ev := <-ch:
		if ev.Message != "one" {
			t.Errorf("got %q, want one", ev.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestSinkSubscribeDoesNotBlockOnFullChannel(t *testing.T) {
	s := NewSink(16)
	ch, _ := s.Subscribe(1)
	s.Emit(Event{Message: "a"}) // fills the buffer
	s.Emit(Event{Message: "b"}) // must be dropped, not block

	select {
	case ev := <-ch:
		if ev.Message != "a" {
			t.Errorf("got %q, want a", ev.Message)
		}
	default:
		t.Fatal("expected the first event to be buffered")
	}
}

func TestLogCollapsesRepeatedMessages(t *testing.T) {
	l := NewLog(16)
	now := time.Now()

	l.Add(Event{Kind: KindError, Source: "x", Message: "same", Time: now})
	l.Add(Event{Kind: KindError, Source: "x", Message: "same", Time: now.Add(10 * time.Millisecond)})
	l.Add(Event{Kind: KindError, Source: "x", Message: "different", Time: now.Add(20 * time.Millisecond)})

	entries := l.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (original, repeat-summary, new)", len(entries))
	}
	if entries[1].Message != "previous message repeated" {
		t.Errorf("middle entry = %+v, want a repeat summary", entries[1])
	}
	if entries[1].Fields["count"] != 1 {
		t.Errorf("repeat count = %v, want 1", entries[1].Fields["count"])
	}
}

func TestLogRespectsMaxSize(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Add(Event{Message: string(rune('a' + i)), Time: time.Now().Add(time.Duration(i) * time.Second)})
	}
	entries := l.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (capped)", len(entries))
	}
	if entries[len(entries)-1].Message != "e" {
		t.Errorf("last entry = %q, want e (most recent retained)", entries[len(entries)-1].Message)
	}
}
