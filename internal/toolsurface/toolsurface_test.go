package toolsurface

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	identities := identity.New(s, []string{"agent_"}, nil)
	return New("", identities, nil, nil, nil, nil, nil, nil)
}

func TestDispatchUnknownOperationReturnsValidOperationsList(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.Dispatch(context.Background(), Request{Operation: "not_a_real_op"})
	if resp.Error == nil {
		t.Fatal("expected an error response for an unknown operation")
	}
	if len(resp.Error.ValidOperations) != len(validOperations) {
		t.Errorf("ValidOperations has %d entries, want %d", len(resp.Error.ValidOperations), len(validOperations))
	}
}

func TestDispatchIdentityGetRequiresAgentID(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.Dispatch(context.Background(), Request{Operation: OpIdentityGet, Params: json.RawMessage(`{}`)})
	if resp.Error == nil {
		t.Fatal("expected an error response when agent_id is missing")
	}
}

func TestDispatchIdentityGetReturnsNotFoundForUnknownAgent(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.Dispatch(context.Background(), Request{Operation: OpIdentityGet, Params: json.RawMessage(`{"agent_id":"nonexistent"}`)})
	if resp.Error == nil {
		t.Fatal("expected an error response for an unregistered agent")
	}
}

func TestDispatchIdentityListReturnsActiveIdentities(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.identities.Upsert(context.Background(), "agent-1", "Research Bot", nil, nil); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	resp := srv.Dispatch(context.Background(), Request{Operation: OpIdentityList})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	ags, ok := resp.Result.([]*model.AgentIdentity)
	if !ok || len(ags) != 1 || ags[0].AgentID != "agent-1" {
		t.Errorf("Result = %+v, want a single agent-1 identity", resp.Result)
	}
}

func TestDispatchIdentityDeriveComputesLocalpart(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.Dispatch(context.Background(), Request{Operation: OpIdentityDerive, Params: json.RawMessage(`{"agent_id":"agent-research-1"}`)})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok {
		t.Fatalf("Result = %+v, want map[string]string", resp.Result)
	}
	if result["localpart"] == "" {
		t.Error("expected a non-empty derived localpart")
	}
}

type fakeBus struct {
	subscribedRoom string
	unsubscribed   string
}

func (f *fakeBus) Subscribe(roomID string, sub Subscriber) string {
	f.subscribedRoom = roomID
	return "token-1"
}

func (f *fakeBus) Unsubscribe(token string) {
	f.unsubscribed = token
}

func TestDispatchSubscribeAndUnsubscribe(t *testing.T) {
	bus := &fakeBus{}
	srv := newTestServer(t)
	srv.bus = bus

	resp := srv.Dispatch(context.Background(), Request{Operation: OpSubscribe, Params: json.RawMessage(`{"room_id":"!room:example.com"}`)})
	if resp.Error != nil {
		t.Fatalf("subscribe error: %+v", resp.Error)
	}
	if bus.subscribedRoom != "!room:example.com" {
		t.Errorf("subscribed room = %q, want !room:example.com", bus.subscribedRoom)
	}

	result, ok := resp.Result.(map[string]string)
	if !ok || result["subscription_token"] == "" {
		t.Fatalf("Result = %+v, want a subscription_token", resp.Result)
	}

	unsubResp := srv.Dispatch(context.Background(), Request{Operation: OpUnsubscribe, Params: json.RawMessage(`{"subscription_token":"token-1"}`)})
	if unsubResp.Error != nil {
		t.Fatalf("unsubscribe error: %+v", unsubResp.Error)
	}
	if bus.unsubscribed != "token-1" {
		t.Errorf("unsubscribed token = %q, want token-1", bus.unsubscribed)
	}
}
