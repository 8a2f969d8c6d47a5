package syncengine

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/model"
)

func TestNormalizeClassifiesMessageEvent(t *testing.T) {
	evt := &event.Event{
		ID:        "$evt1",
		Sender:    "@agent_1:example.com",
		Type:      event.EventMessage,
		Timestamp: 100,
	}
	out := normalize("!room:example.com", evt)
	if out.Kind != model.EventKindMessage {
		t.Errorf("Kind = %v, want EventKindMessage", out.Kind)
	}
	if out.EventID != "$evt1" || out.RoomID != "!room:example.com" || out.Sender != "@agent_1:example.com" {
		t.Errorf("normalize() = %+v, fields mismatch", out)
	}
}

func TestNormalizeClassifiesReactionEvent(t *testing.T) {
	evt := &event.Event{ID: "$evt2", Type: event.EventReaction}
	out := normalize("!room:example.com", evt)
	if out.Kind != model.EventKindReaction {
		t.Errorf("Kind = %v, want EventKindReaction", out.Kind)
	}
}

func TestNormalizeClassifiesStateEventByStateKeyPresence(t *testing.T) {
	key := ""
	evt := &event.Event{ID: "$evt3", Type: event.Type{Type: "m.room.name"}, StateKey: &key}
	out := normalize("!room:example.com", evt)
	if out.Kind != model.EventKindStateChange {
		t.Errorf("Kind = %v, want EventKindStateChange", out.Kind)
	}
}

func TestNormalizeDefaultsToUnknownKind(t *testing.T) {
	evt := &event.Event{ID: "$evt4", Type: event.Type{Type: "m.custom.thing"}}
	out := normalize("!room:example.com", evt)
	if out.Kind != model.EventKindUnknown {
		t.Errorf("Kind = %v, want EventKindUnknown", out.Kind)
	}
}

func TestEmitDropsEventsOlderThanWatermark(t *testing.T) {
	out := make(chan *model.IncomingEvent, 10)
	e := &Engine{out: out, watermark: 1000}

	rooms := map[id.RoomID][]*event.Event{
		"!room:example.com": {
			{ID: "$old", Type: event.EventMessage, Timestamp: 500},
			{ID: "$new", Type: event.EventMessage, Timestamp: 1500},
		},
	}
	e.emit(rooms)
	close(out)

	var ids []string
	for evt := range out {
		ids = append(ids, evt.EventID)
	}
	if len(ids) != 1 || ids[0] != "$new" {
		t.Errorf("emitted event ids = %v, want only [$new]", ids)
	}
}

func TestEmitPassesEventsAtOrAfterWatermark(t *testing.T) {
	out := make(chan *model.IncomingEvent, 10)
	e := &Engine{out: out, watermark: 1000}

	rooms := map[id.RoomID][]*event.Event{
		"!room:example.com": {
			{ID: "$boundary", Type: event.EventMessage, Timestamp: 1000},
		},
	}
	e.emit(rooms)
	close(out)

	evt, ok := <-out
	if !ok || evt.EventID != "$boundary" {
		t.Errorf("expected the boundary event to be emitted, got ok=%v evt=%+v", ok, evt)
	}
}
