package chat

import (
	"encoding/json"
	"testing"
)

func TestAppendPartMergesTextDeltas(t *testing.T) {
	var parts []Part
	for _, d := range []string{"Hel", "lo", " world"} {
		parts = AppendPart(parts, Part{Type: PartTypeText, Text: d})
	}
	if len(parts) != 1 {
		t.Fatalf("parts: want=1 got=%d (%+v)", len(parts), parts)
	}
	if parts[0].Text != "Hello world" {
		t.Fatalf("text: want=%q got=%q", "Hello world", parts[0].Text)
	}
}

func TestAppendPartKeepsStructuredSegments(t *testing.T) {
	parts := AppendPart(nil, Part{Text: "a"})
	parts = AppendPart(parts, Part{Type: "tool-call", Data: json.RawMessage(`{"name":"x"}`)})
	parts = AppendPart(parts, Part{Type: PartTypeText, Text: "b"})
	parts = AppendPart(parts, Part{Type: PartTypeText, Text: ""})
	if len(parts) != 3 {
		t.Fatalf("parts: want=3 got=%d", len(parts))
	}
	if parts[0].Type != PartTypeText || parts[1].Type != "tool-call" || parts[2].Text != "b" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
	if got := PlainText(parts); got != "ab" {
		t.Fatalf("PlainText: want=ab got=%q", got)
	}
}

func TestStreamEventPayloadRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventError, ErrorPayload{Kind: "upstream", Message: "boom"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	p, err := ev.Error()
	if err != nil || p.Message != "boom" {
		t.Fatalf("Error(): p=%+v err=%v", p, err)
	}
	if _, err := ev.Chunk(); err == nil {
		t.Fatalf("Chunk() on error event should fail")
	}
	done, _ := NewEvent(EventDone, DonePayload{Stopped: true})
	if !done.Done().Stopped {
		t.Fatalf("Done(): want stopped")
	}
	if !done.Kind.Terminal() || EventChunk.Terminal() {
		t.Fatalf("Terminal(): wrong classification")
	}
}

func TestStreamStateTerminal(t *testing.T) {
	if StreamStateStreaming.Terminal() {
		t.Fatalf("streaming must not be terminal")
	}
	for _, s := range []StreamState{StreamStateCompleted, StreamStateErrored, StreamStateAbandoned} {
		if !s.Terminal() || !s.Valid() {
			t.Fatalf("%s: want terminal and valid", s)
		}
	}
	if StreamState("bogus").Valid() {
		t.Fatalf("bogus state must be invalid")
	}
}
