package events

import (
	"testing"

	"flashpool/core/types"
)

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func (e testEvent) Event() *types.Event { return &types.Event{Type: string(e)} }

type recorder struct{ seen []string }

func (r *recorder) Emit(evt Event) { r.seen = append(r.seen, evt.EventType()) }

func TestBufferFlushesInOrder(t *testing.T) {
	var buf Buffer
	buf.Emit(testEvent("a"))
	buf.Emit(testEvent("b"))
	if got := len(buf.Events()); got != 2 {
		t.Fatalf("expected 2 buffered events, got %d", got)
	}

	first, second := &recorder{}, &recorder{}
	buf.Flush(Multi{first, nil, second})

	if len(first.seen) != 2 || first.seen[0] != "a" || first.seen[1] != "b" {
		t.Fatalf("unexpected flush order: %v", first.seen)
	}
	if len(second.seen) != 2 {
		t.Fatalf("expected fan-out to second emitter, got %v", second.seen)
	}
	if len(buf.Events()) != 0 {
		t.Fatalf("expected buffer to be empty after flush")
	}
}

func TestStreamReplaysFromCursor(t *testing.T) {
	stream := NewStream()
	stream.Emit(testEvent("a"))
	stream.Emit(testEvent("b"))

	updates, cancel, backlog := stream.Subscribe("1")
	defer cancel()
	if len(backlog) != 1 || backlog[0].Event.Type != "b" || backlog[0].Cursor != "2" {
		t.Fatalf("unexpected backlog %+v", backlog)
	}

	stream.Emit(testEvent("c"))
	update := <-updates
	if update.Sequence != 3 || update.Event.Type != "c" {
		t.Fatalf("unexpected live update %+v", update)
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("expected channel to be closed after cancel")
	}
	stream.Emit(testEvent("d"))
}
