// Package model holds the data types shared across the bridge: agent
// identities, room bindings, sync cursors, conversation bindings, in-flight
// delivery records, and peer registrations.
package model

import "time"

// AgentIdentity is this system's Matrix materialization of an external agent.
type AgentIdentity struct {
	AgentID          string
	AgentName        string
	MXID             string
	Localpart        string
	AccessCredential string
	PasswordSeed     string
	RoomID           string
	RemovedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the identity is still in routing scope.
func (a *AgentIdentity) Active() bool {
	return a != nil && a.RemovedAt == nil
}

// RoomBinding ties a Matrix room to its single owning agent.
type RoomBinding struct {
	RoomID         string
	AgentID        string
	CanonicalName  string
	SpaceParentID  string
}

// CanonicalRoomName derives the invariant room name for an agent.
func CanonicalRoomName(agentName string) string {
	return agentName + " - Agent Chat"
}

// SyncCursor is the opaque resume token for one sync scope.
type SyncCursor struct {
	Scope     string
	Token     string
	UpdatedAt time.Time
}

// ConversationBinding maps a (room, agent[, user]) tuple to an opaque
// conversation id used when talking to the agent runtime.
type ConversationBinding struct {
	RoomID         string
	AgentID        string
	UserScope      string
	ConversationID string
	LastMessageAt  time.Time
}

// InFlightStatus is the lifecycle state of a logical outbound message as
// tracked by the Delivery Arbiter.
type InFlightStatus string

const (
	InFlightPending    InFlightStatus = "pending"
	InFlightSent       InFlightStatus = "sent"
	InFlightSuppressed InFlightStatus = "suppressed"
	InFlightFailed     InFlightStatus = "failed"
)

// InFlightSource identifies which ingress path first observed a completion.
type InFlightSource string

const (
	SourceStream  InFlightSource = "stream"
	SourceWebhook InFlightSource = "webhook"
	SourcePeer    InFlightSource = "peer"
)

// InFlightRecord is the Delivery Arbiter's bookkeeping entry for one logical
// outbound message, keyed by (agent_id, run_id_or_event_id).
type InFlightRecord struct {
	TrackingID        string
	AgentID           string
	LogicalKey        string
	Source            InFlightSource
	FirstSeenAt       time.Time
	CommittedEventID  string
	Status            InFlightStatus
}

// PeerRegistration is a TTL-refreshed session advertised by peer-bridged
// tooling (e.g. a CLI agent running against a working directory).
type PeerRegistration struct {
	SessionID string
	Directory string
	ListenPort int
	Rooms     []string
	LastSeen  time.Time
}

// IncomingEventKind tags the variant carried by IncomingEvent, replacing the
// duck-typed envelopes of the original source with an explicit sum type.
type IncomingEventKind string

const (
	EventKindMessage     IncomingEventKind = "message"
	EventKindReaction    IncomingEventKind = "reaction"
	EventKindStateChange IncomingEventKind = "state_change"
	EventKindUnknown     IncomingEventKind = "unknown"
)

// IncomingEvent is a normalized timeline event as emitted by the Sync Engine.
type IncomingEvent struct {
	Kind      IncomingEventKind
	EventID   string
	RoomID    string
	Sender    string
	Type      string
	Content   map[string]interface{}
	OriginTS  int64
}

// Bridge-origin markers. Each is independently sufficient to mark an event
// as bridge-originated; neither supersedes the other.
const (
	MarkerBridgeOrigin = "m.bridge.origin"
	MarkerHistorical   = "m.bridge.historical"
)

// HasMarker reports whether content carries a truthy boolean at key.
func HasMarker(content map[string]interface{}, key string) bool {
	if content == nil {
		return false
	}
	v, ok := content[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
