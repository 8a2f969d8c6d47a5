// Package classify implements the Event Classifier & Router: an ordered set
// of decision rules applied to each timeline event the Sync Engine emits,
// generalized from simple self-echo/ghost-user filtering into a full rule
// set covering inter-agent loop prevention and conversation-binding
// attachment.
package classify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/idgen"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

// Destination is the routing outcome for one event.
type Destination string

const (
	DestinationRuntime Destination = "runtime"
	DestinationDrop    Destination = "drop"
)

// Decision is the classifier's verdict for one IncomingEvent.
type Decision struct {
	Destination    Destination
	Event          *model.IncomingEvent
	AgentID        string
	ConversationID string
	DropReason     string
}

// IdentityLookup is the read-only query surface the classifier needs from
// the Identity Store.
type IdentityLookup interface {
	GetByRoomID(ctx context.Context, roomID string) (*model.AgentIdentity, error)
	GetByMXID(ctx context.Context, mxid string) (*model.AgentIdentity, error)
}

// ConversationBindings is the read/atomic-create surface the classifier
// needs from the Connector's ConversationBinding store.
type ConversationBindings interface {
	Get(ctx context.Context, roomID, agentID string) (string, bool, error)
	Create(ctx context.Context, roomID, agentID string) (string, error)
}

// interestingTypes are the event types the first classification rule treats
// as "of interest"; anything else is dropped immediately.
var interestingTypes = map[string]bool{
	"m.room.message": true,
	"m.reaction":     true,
}

// Classifier is the Event Classifier & Router component.
type Classifier struct {
	identities    IdentityLookup
	conversations ConversationBindings
	log           *logger.Logger

	mu     sync.Mutex
	queues map[string]chan *model.IncomingEvent // per-room single-producer queues
}

// New constructs a Classifier.
func New(identities IdentityLookup, conversations ConversationBindings, log *logger.Logger) *Classifier {
	if log == nil {
		log = logger.Global()
	}
	return &Classifier{
		identities:    identities,
		conversations: conversations,
		log:           log.WithComponent("classify"),
		queues:        make(map[string]chan *model.IncomingEvent),
	}
}

// Classify applies the ordered rules to one event and returns the routing
// decision, attaching or creating a ConversationBinding when the decision
// is to forward.
func (c *Classifier) Classify(ctx context.Context, evt *model.IncomingEvent) (*Decision, error) {
	// Rule 1: only message-type events of interest proceed.
	if !interestingTypes[evt.Type] {
		return &Decision{Destination: DestinationDrop, Event: evt, DropReason: "uninteresting_type"}, nil
	}

	owner, err := c.identities.GetByRoomID(ctx, evt.RoomID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return &Decision{Destination: DestinationDrop, Event: evt, DropReason: "unbound_room"}, nil
		}
		return nil, fmt.Errorf("classify: resolving room owner: %w", err)
	}

	// Rule 4: self-echo.
	if evt.Sender == owner.MXID {
		return &Decision{Destination: DestinationDrop, Event: evt, DropReason: "self_echo"}, nil
	}

	// Rule 5: sender is another known agent.
	if sender, err := c.identities.GetByMXID(ctx, evt.Sender); err == nil && sender != nil {
		if model.HasMarker(evt.Content, model.MarkerBridgeOrigin) || model.HasMarker(evt.Content, model.MarkerHistorical) {
			return &Decision{Destination: DestinationDrop, Event: evt, DropReason: "loop_marker"}, nil
		}
		// Falls through to rule 7: forward as an inter-agent message.
	} else if err != nil && !errs.Is(err, errs.NotFound) {
		return nil, fmt.Errorf("classify: resolving sender identity: %w", err)
	}

	// Rule 6/7: human, peer, or non-looping agent sender — forward.
	convID, existed, err := c.conversations.Get(ctx, evt.RoomID, owner.AgentID)
	if err != nil {
		return nil, fmt.Errorf("classify: reading conversation binding: %w", err)
	}
	if !existed {
		convID, err = c.conversations.Create(ctx, evt.RoomID, owner.AgentID)
		if err != nil {
			return nil, fmt.Errorf("classify: creating conversation binding: %w", err)
		}
	}

	return &Decision{
		Destination:    DestinationRuntime,
		Event:          evt,
		AgentID:        owner.AgentID,
		ConversationID: convID,
	}, nil
}

// Enqueue places an event on its room's single-producer queue, creating the
// queue on first use. Per-room ordering is preserved by always draining via
// the same channel; across rooms, dispatch is fully parallel.
func (c *Classifier) Enqueue(roomID string, evt *model.IncomingEvent) chan *model.IncomingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[roomID]
	if !ok {
		q = make(chan *model.IncomingEvent, 256)
		c.queues[roomID] = q
	}
	q <- evt
	return q
}

// OrderByOriginTS sorts a batch of events ascending by OriginTS, used when a
// single sync cycle returns multiple events for the same room and dispatch
// order must preserve per-room arrival order.
func OrderByOriginTS(events []*model.IncomingEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].OriginTS < events[j].OriginTS })
}

// newBindingID returns a fresh conversation id from idgen.ConversationID.
func newBindingID() string { return idgen.ConversationID() }
