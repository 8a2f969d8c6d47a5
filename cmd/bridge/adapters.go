package main

import (
	"context"

	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/connector"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/idgen"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/reconciler"
	"github.com/agentbridge/bridge/internal/store"
	"github.com/agentbridge/bridge/internal/toolsurface"
	"github.com/agentbridge/bridge/pkg/eventbus"
)

// runtimeRosterAdapter adapts *connector.Connector's ListAgents (which
// returns its own unexported runtimeAgent type) onto reconciler.RuntimeLister.
type runtimeRosterAdapter struct {
	conn *connector.Connector
}

func (a runtimeRosterAdapter) ListAgents(ctx context.Context) ([]reconciler.RuntimeAgent, error) {
	agents, err := a.conn.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]reconciler.RuntimeAgent, len(agents))
	for i, ag := range agents {
		out[i] = reconciler.RuntimeAgent{ID: ag.ID, Name: ag.Name}
	}
	return out, nil
}

// conversationBindingAdapter adapts *store.Store's upsert/get conversation
// binding methods onto classify.ConversationBindings (a simpler
// get-then-atomically-create surface) and onto rest.ConversationRegistrar.
type conversationBindingAdapter struct {
	store *store.Store
}

func (a conversationBindingAdapter) Get(ctx context.Context, roomID, agentID string) (string, bool, error) {
	cb, err := a.store.GetConversationBinding(ctx, roomID, agentID, "")
	if err == store.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cb.ConversationID, true, nil
}

func (a conversationBindingAdapter) Create(ctx context.Context, roomID, agentID string) (string, error) {
	cb, err := a.store.UpsertConversationBinding(ctx, &model.ConversationBinding{
		RoomID:         roomID,
		AgentID:        agentID,
		UserScope:      "",
		ConversationID: idgen.ConversationID(),
	})
	if err != nil {
		return "", err
	}
	return cb.ConversationID, nil
}

// Register satisfies internal/rest.ConversationRegistrar for the
// POST /conversations/register seeding endpoint.
func (a conversationBindingAdapter) Register(ctx context.Context, roomID, agentID, userScope string) (string, error) {
	cb, err := a.store.UpsertConversationBinding(ctx, &model.ConversationBinding{
		RoomID:         roomID,
		AgentID:        agentID,
		UserScope:      userScope,
		ConversationID: idgen.ConversationID(),
	})
	if err != nil {
		return "", err
	}
	return cb.ConversationID, nil
}

// identityGatewayAdapter adapts the Identity Store and Client Pool onto
// webhook.GatewayForAgent, so the Webhook Ingress can resolve an
// authenticated Gateway for the agent identity a completion claims to be.
type identityGatewayAdapter struct {
	identities *identity.IdentityStore
	pool       *clientpool.Pool
}

func (a identityGatewayAdapter) GatewayForAgentID(ctx context.Context, agentID string) (*gateway.Gateway, *model.AgentIdentity, error) {
	ag, err := a.identities.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	gw, err := a.pool.Get(ctx, ag)
	if err != nil {
		return nil, nil, err
	}
	return gw, ag, nil
}

// toolSurfaceEventBus adapts *eventbus.Bus onto internal/toolsurface.EventBus.
// The two packages each declare their own Subscriber interface (eventbus must
// not import toolsurface, to avoid a cycle back into the concrete components
// it wires), so a *eventbus.Bus doesn't satisfy toolsurface.EventBus on its
// own even though the method shapes line up.
type toolSurfaceEventBus struct {
	bus *eventbus.Bus
}

func (b toolSurfaceEventBus) Subscribe(roomID string, sub toolsurface.Subscriber) string {
	return b.bus.Subscribe(roomID, eventBusSubscriberAdapter{sub})
}

func (b toolSurfaceEventBus) Unsubscribe(token string) {
	b.bus.Unsubscribe(token)
}

// eventBusSubscriberAdapter lets a toolsurface.Subscriber satisfy
// eventbus.Subscriber for the call above.
type eventBusSubscriberAdapter struct {
	sub toolsurface.Subscriber
}

func (a eventBusSubscriberAdapter) Notify(evt *model.IncomingEvent) {
	a.sub.Notify(evt)
}
