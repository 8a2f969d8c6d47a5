package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/store"
)

type fakeRuntimeLister struct {
	agents []RuntimeAgent
}

func (f fakeRuntimeLister) ListAgents(ctx context.Context) ([]RuntimeAgent, error) {
	return f.agents, nil
}

type fakeSpaceStore struct{}

func (fakeSpaceStore) GetAgentsSpace(ctx context.Context) (string, error) {
	return "", errors.New("no space configured yet")
}
func (fakeSpaceStore) SetAgentsSpace(ctx context.Context, spaceID string) error { return nil }

func newTestReconciler(t *testing.T, runtime RuntimeLister) (*Reconciler, *identity.IdentityStore) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	identities := identity.New(s, nil, nil)
	pool := clientpool.New("http://homeserver.invalid", 1, identities, nil)
	admin, err := gateway.New(gateway.Config{HomeserverURL: "http://admin.invalid"})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}

	r := New(Config{Interval: time.Hour, ServerName: "example.com", AgentsSpaceName: "Agents"}, identities, pool, admin, runtime, fakeSpaceStore{}, nil)
	return r, identities
}

func TestTickSoftRemovesAgentsMissingFromRoster(t *testing.T) {
	r, identities := newTestReconciler(t, fakeRuntimeLister{agents: []RuntimeAgent{{ID: "agent-1", Name: "Research Bot"}}})

	mxid1, room1 := "@agent_1:example.com", "!room1:example.com"
	if _, err := identities.Upsert(context.Background(), "agent-1", "Research Bot", &mxid1, &room1); err != nil {
		t.Fatalf("Upsert(agent-1) error = %v", err)
	}
	mxid2, room2 := "@agent_2:example.com", "!room2:example.com"
	if _, err := identities.Upsert(context.Background(), "agent-2", "Old Bot", &mxid2, &room2); err != nil {
		t.Fatalf("Upsert(agent-2) error = %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	removed, err := identities.GetByAgentID(context.Background(), "agent-2")
	if err != nil {
		t.Fatalf("GetByAgentID(agent-2) error = %v", err)
	}
	if removed.Active() {
		t.Error("expected agent-2 to be soft-removed after it dropped out of the roster")
	}

	kept, err := identities.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID(agent-1) error = %v", err)
	}
	if !kept.Active() {
		t.Error("expected agent-1 to remain active, it is still present in the roster")
	}
}

func TestTickIsIdempotentOverRepeatedCalls(t *testing.T) {
	r, identities := newTestReconciler(t, fakeRuntimeLister{agents: nil})

	mxid, room := "@agent_1:example.com", "!room1:example.com"
	if _, err := identities.Upsert(context.Background(), "agent-1", "Research Bot", &mxid, &room); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick() error = %v", err)
	}
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}

	removed, err := identities.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID() error = %v", err)
	}
	if removed.Active() {
		t.Error("expected agent-1 to stay soft-removed across repeated ticks")
	}
}

func TestStartAndStopDoNotPanicWithoutAnyTick(t *testing.T) {
	r, _ := newTestReconciler(t, fakeRuntimeLister{agents: nil})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Start(ctx) // calling Start twice while running must be a no-op, not a panic
	r.Stop()
}
