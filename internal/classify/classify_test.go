package classify

import (
	"context"
	"testing"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/model"
)

type fakeIdentityLookup struct {
	byRoom map[string]*model.AgentIdentity
	byMXID map[string]*model.AgentIdentity
}

func (f *fakeIdentityLookup) GetByRoomID(ctx context.Context, roomID string) (*model.AgentIdentity, error) {
	if ag, ok := f.byRoom[roomID]; ok {
		return ag, nil
	}
	return nil, errs.New("identity", errs.NotFound, "no identity bound to room")
}

func (f *fakeIdentityLookup) GetByMXID(ctx context.Context, mxid string) (*model.AgentIdentity, error) {
	if ag, ok := f.byMXID[mxid]; ok {
		return ag, nil
	}
	return nil, errs.New("identity", errs.NotFound, "no identity for mxid")
}

type fakeConversationBindings struct {
	byKey map[string]string
}

func (f *fakeConversationBindings) Get(ctx context.Context, roomID, agentID string) (string, bool, error) {
	id, ok := f.byKey[roomID+":"+agentID]
	return id, ok, nil
}

func (f *fakeConversationBindings) Create(ctx context.Context, roomID, agentID string) (string, error) {
	id := "conv-" + roomID + "-" + agentID
	if f.byKey == nil {
		f.byKey = make(map[string]string)
	}
	f.byKey[roomID+":"+agentID] = id
	return id, nil
}

func newTestClassifier() (*Classifier, *fakeIdentityLookup, *fakeConversationBindings) {
	identities := &fakeIdentityLookup{
		byRoom: make(map[string]*model.AgentIdentity),
		byMXID: make(map[string]*model.AgentIdentity),
	}
	bindings := &fakeConversationBindings{byKey: make(map[string]string)}
	return New(identities, bindings, nil), identities, bindings
}

func TestClassifyDropsUninterestingEventType(t *testing.T) {
	c, identities, _ := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!room:example.com",
		Type:   "m.room.redaction",
		Sender: "@human:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationDrop || decision.DropReason != "uninteresting_type" {
		t.Errorf("decision = %+v, want drop/uninteresting_type", decision)
	}
}

func TestClassifyDropsUnboundRoom(t *testing.T) {
	c, _, _ := newTestClassifier()

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!unbound:example.com",
		Type:   "m.room.message",
		Sender: "@human:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationDrop || decision.DropReason != "unbound_room" {
		t.Errorf("decision = %+v, want drop/unbound_room", decision)
	}
}

func TestClassifyDropsSelfEcho(t *testing.T) {
	c, identities, _ := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!room:example.com",
		Type:   "m.room.message",
		Sender: "@agent_1:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationDrop || decision.DropReason != "self_echo" {
		t.Errorf("decision = %+v, want drop/self_echo", decision)
	}
}

func TestClassifyDropsLoopMarkedAgentMessage(t *testing.T) {
	c, identities, _ := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}
	identities.byMXID["@agent_2:example.com"] = &model.AgentIdentity{AgentID: "agent-2", MXID: "@agent_2:example.com"}

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID:  "!room:example.com",
		Type:    "m.room.message",
		Sender:  "@agent_2:example.com",
		Content: map[string]interface{}{model.MarkerBridgeOrigin: true},
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationDrop || decision.DropReason != "loop_marker" {
		t.Errorf("decision = %+v, want drop/loop_marker", decision)
	}
}

func TestClassifyForwardsHumanMessageAndCreatesBinding(t *testing.T) {
	c, identities, bindings := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!room:example.com",
		Type:   "m.room.message",
		Sender: "@human:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationRuntime {
		t.Fatalf("decision.Destination = %v, want DestinationRuntime", decision.Destination)
	}
	if decision.AgentID != "agent-1" {
		t.Errorf("decision.AgentID = %q, want agent-1", decision.AgentID)
	}
	if decision.ConversationID == "" {
		t.Error("expected a conversation id to be created")
	}
	if _, ok := bindings.byKey["!room:example.com:agent-1"]; !ok {
		t.Error("expected a conversation binding to be persisted")
	}
}

func TestClassifyReusesExistingConversationBinding(t *testing.T) {
	c, identities, bindings := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}
	bindings.byKey["!room:example.com:agent-1"] = "conv-existing"

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!room:example.com",
		Type:   "m.room.message",
		Sender: "@human:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.ConversationID != "conv-existing" {
		t.Errorf("decision.ConversationID = %q, want conv-existing (reused)", decision.ConversationID)
	}
}

func TestClassifyForwardsNonLoopingAgentMessage(t *testing.T) {
	c, identities, _ := newTestClassifier()
	identities.byRoom["!room:example.com"] = &model.AgentIdentity{AgentID: "agent-1", MXID: "@agent_1:example.com"}
	identities.byMXID["@agent_2:example.com"] = &model.AgentIdentity{AgentID: "agent-2", MXID: "@agent_2:example.com"}

	decision, err := c.Classify(context.Background(), &model.IncomingEvent{
		RoomID: "!room:example.com",
		Type:   "m.room.message",
		Sender: "@agent_2:example.com",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Destination != DestinationRuntime {
		t.Errorf("decision.Destination = %v, want DestinationRuntime for a non-looping agent sender", decision.Destination)
	}
}

func TestEnqueuePreservesPerRoomOrdering(t *testing.T) {
	c, _, _ := newTestClassifier()

	q := c.Enqueue("!room:example.com", &model.IncomingEvent{EventID: "$1"})
	q2 := c.Enqueue("!room:example.com", &model.IncomingEvent{EventID: "$2"})
	if q != q2 {
		t.Fatal("Enqueue should return the same channel for the same room")
	}

	first := <-q
	second := <-q
	if first.EventID != "$1" || second.EventID != "$2" {
		t.Errorf("got order %s, %s; want $1, $2", first.EventID, second.EventID)
	}
}

func TestOrderByOriginTS(t *testing.T) {
	events := []*model.IncomingEvent{
		{EventID: "$3", OriginTS: 300},
		{EventID: "$1", OriginTS: 100},
		{EventID: "$2", OriginTS: 200},
	}
	OrderByOriginTS(events)
	want := []string{"$1", "$2", "$3"}
	for i, evt := range events {
		if evt.EventID != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, evt.EventID, want[i])
		}
	}
}
