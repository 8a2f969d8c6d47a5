// Package toolsurface implements the Unified Tool Surface: a single
// operation-dispatched tool whose argument object carries an `operation`
// field plus the union of per-operation parameters, served over a
// Unix-socket JSON-RPC listener with a method-string switch.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/arbiter"
	"github.com/agentbridge/bridge/internal/classify"
	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/connector"
	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

// Operation is one of the enumerated Unified Tool Surface operations.
type Operation string

const (
	OpSend           Operation = "send"
	OpRead           Operation = "read"
	OpReact          Operation = "react"
	OpEdit           Operation = "edit"
	OpTyping         Operation = "typing"
	OpRoomJoin       Operation = "room_join"
	OpRoomLeave      Operation = "room_leave"
	OpRoomInfo       Operation = "room_info"
	OpRoomList       Operation = "room_list"
	OpRoomCreate     Operation = "room_create"
	OpRoomInvite     Operation = "room_invite"
	OpIdentityGet    Operation = "identity_get"
	OpIdentityList   Operation = "identity_list"
	OpIdentityCreate Operation = "identity_create"
	OpIdentityDerive Operation = "identity_derive"
	OpAgentLookup    Operation = "agent_lookup"
	OpAgentList      Operation = "agent_list"
	OpAgentChat      Operation = "agent_chat"
	OpAgentIdentity  Operation = "agent_identity"
	OpSubscribe      Operation = "subscribe"
	OpUnsubscribe    Operation = "unsubscribe"
)

var validOperations = []Operation{
	OpSend, OpRead, OpReact, OpEdit, OpTyping,
	OpRoomJoin, OpRoomLeave, OpRoomInfo, OpRoomList, OpRoomCreate, OpRoomInvite,
	OpIdentityGet, OpIdentityList, OpIdentityCreate, OpIdentityDerive,
	OpAgentLookup, OpAgentList, OpAgentChat, OpAgentIdentity,
	OpSubscribe, OpUnsubscribe,
}

// Request is the single unified tool call envelope.
type Request struct {
	Operation Operation       `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// Response carries either a result or a structured error.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the structured error returned for a failed or unknown operation.
type ErrorBody struct {
	Kind            string   `json:"kind"`
	Message         string   `json:"message"`
	ValidOperations []string `json:"valid_operations,omitempty"`
}

// Subscriber receives a fan-out notification for subscribe/unsubscribe.
type Subscriber interface {
	Notify(evt *model.IncomingEvent)
}

// EventBus is the minimal subscribe/unsubscribe surface the toolsurface needs.
type EventBus interface {
	Subscribe(roomID string, sub Subscriber) (unsubscribeToken string)
	Unsubscribe(token string)
}

// Server is the Unified Tool Surface component: it owns no transport of
// its own beyond a Unix-socket JSON-RPC loop, and dispatches each request
// by Operation.
type Server struct {
	socketPath string
	identities *identity.IdentityStore
	pool       *clientpool.Pool
	classifier *classify.Classifier
	connector  *connector.Connector
	arbiter    *arbiter.Arbiter
	bus        EventBus
	log        *logger.Logger

	listener net.Listener
}

// New constructs a Unified Tool Surface server.
func New(socketPath string, identities *identity.IdentityStore, pool *clientpool.Pool, classifier *classify.Classifier, conn *connector.Connector, arb *arbiter.Arbiter, bus EventBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		socketPath: socketPath,
		identities: identities,
		pool:       pool,
		classifier: classifier,
		connector:  conn,
		arbiter:    arb,
		bus:        bus,
		log:        log.WithComponent("toolsurface"),
	}
}

// Start begins listening on the Unix domain socket and accepting
// connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("toolsurface: listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.Dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// Dispatch routes req to the appropriate handler. Exposed directly so the
// REST surface and tests can invoke operations without a socket round trip.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	switch req.Operation {
	case OpIdentityGet:
		return s.opIdentityGet(ctx, req.Params)
	case OpIdentityList:
		return s.opIdentityList(ctx)
	case OpIdentityDerive:
		return s.opIdentityDerive(req.Params)
	case OpAgentLookup, OpAgentIdentity:
		return s.opIdentityGet(ctx, req.Params)
	case OpAgentList:
		return s.opIdentityList(ctx)
	case OpAgentChat:
		return s.opAgentChat(ctx, req.Params)
	case OpSend:
		return s.opSend(ctx, req.Params)
	case OpRoomInfo:
		return s.opRoomInfo(ctx, req.Params)
	case OpRoomList:
		return s.opRoomList(ctx, req.Params)
	case OpRoomJoin:
		return s.opRoomJoin(ctx, req.Params)
	case OpRoomLeave:
		return s.opRoomLeave(ctx, req.Params)
	case OpRoomCreate:
		return s.opRoomCreate(ctx, req.Params)
	case OpRoomInvite:
		return s.opRoomInvite(ctx, req.Params)
	case OpRead:
		return s.opRead(ctx, req.Params)
	case OpReact:
		return s.opReact(ctx, req.Params)
	case OpEdit:
		return s.opEdit(ctx, req.Params)
	case OpTyping:
		return s.opTyping(ctx, req.Params)
	case OpIdentityCreate:
		return s.opIdentityCreate(ctx, req.Params)
	case OpSubscribe:
		return s.opSubscribe(req.Params)
	case OpUnsubscribe:
		return s.opUnsubscribe(req.Params)
	default:
		return Response{Error: &ErrorBody{
			Kind:            string(errs.MalformedInput),
			Message:         fmt.Sprintf("unknown operation %q", req.Operation),
			ValidOperations: operationNames(),
		}}
	}
}

type identityParams struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) opIdentityGet(ctx context.Context, params json.RawMessage) Response {
	var p identityParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id is required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Result: ag}
}

func (s *Server) opIdentityList(ctx context.Context) Response {
	ags, err := s.identities.ListActive(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Result: ags}
}

func (s *Server) opIdentityDerive(params json.RawMessage) Response {
	var p identityParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id is required"))
	}
	return Response{Result: map[string]string{"localpart": s.identities.DeriveLocalpart(p.AgentID)}}
}

type sendParams struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (s *Server) opSend(ctx context.Context, params json.RawMessage) Response {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.Content == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and content are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	var eventID id.EventID
	if err := gw.RetryRateLimited(ctx, func() error {
		var sendErr error
		eventID, sendErr = gw.SendEvent(ctx, id.RoomID(ag.RoomID), "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    p.Content,
		})
		return sendErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]string{"event_id": string(eventID)}}
}

func (s *Server) opAgentChat(ctx context.Context, params json.RawMessage) Response {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.ConversationID == "" || p.Content == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id, conversation_id, and content are required"))
	}
	handle, err := s.connector.Send(ctx, p.AgentID, p.ConversationID, p.Content, nil)
	if err != nil {
		return errorResponse(errs.Wrap("toolsurface", errs.TransientUpstream, err))
	}
	var final string
	for {
		evt, err := handle.Recv(ctx)
		if err != nil {
			break
		}
		if evt.Kind == connector.EventTerminal {
			final = evt.Text
			break
		}
	}
	return Response{Result: map[string]string{"terminal_text": final}}
}

func (s *Server) opRoomInfo(ctx context.Context, params json.RawMessage) Response {
	var p struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RoomID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "room_id is required"))
	}
	rb, err := s.identities.RoomBinding(ctx, p.RoomID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Result: rb}
}

// opRoomList returns the single canonical room bound to the agent's
// identity. The bridge holds one room per agent identity, so there is
// nothing to page or filter here — honest about the one-room-per-agent
// model rather than pretending a richer room-membership listing exists.
func (s *Server) opRoomList(ctx context.Context, params json.RawMessage) Response {
	var p identityParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id is required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	if ag.RoomID == "" {
		return Response{Result: []string{}}
	}
	return Response{Result: []string{ag.RoomID}}
}

type roomJoinParams struct {
	AgentID       string `json:"agent_id"`
	RoomIDOrAlias string `json:"room_id_or_alias"`
}

func (s *Server) opRoomJoin(ctx context.Context, params json.RawMessage) Response {
	var p roomJoinParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomIDOrAlias == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and room_id_or_alias are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	var roomID id.RoomID
	if err := gw.RetryRateLimited(ctx, func() error {
		var joinErr error
		roomID, joinErr = gw.Join(ctx, p.RoomIDOrAlias)
		return joinErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]string{"room_id": string(roomID)}}
}

type roomLeaveParams struct {
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
}

func (s *Server) opRoomLeave(ctx context.Context, params json.RawMessage) Response {
	var p roomLeaveParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and room_id are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	if err := gw.RetryRateLimited(ctx, func() error {
		return gw.Leave(ctx, id.RoomID(p.RoomID))
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]bool{"left": true}}
}

type roomCreateParams struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	Topic      string `json:"topic"`
	Visibility string `json:"visibility"`
}

func (s *Server) opRoomCreate(ctx context.Context, params json.RawMessage) Response {
	var p roomCreateParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.Name == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and name are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	visibility := gateway.VisibilityPrivate
	if p.Visibility == string(gateway.VisibilityPublic) {
		visibility = gateway.VisibilityPublic
	}
	var roomID id.RoomID
	if err := gw.RetryRateLimited(ctx, func() error {
		var createErr error
		roomID, createErr = gw.CreateRoom(ctx, gateway.CreateRoomRequest{
			Name:       p.Name,
			Topic:      p.Topic,
			Visibility: visibility,
		})
		return createErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]string{"room_id": string(roomID)}}
}

type roomInviteParams struct {
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
	Invitee string `json:"invitee"`
}

func (s *Server) opRoomInvite(ctx context.Context, params json.RawMessage) Response {
	var p roomInviteParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" || p.Invitee == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id, room_id, and invitee are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	if err := gw.RetryRateLimited(ctx, func() error {
		return gw.Invite(ctx, id.RoomID(p.RoomID), id.UserID(p.Invitee))
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]bool{"invited": true}}
}

type readParams struct {
	AgentID   string `json:"agent_id"`
	RoomID    string `json:"room_id"`
	Limit     int    `json:"limit"`
	Direction string `json:"direction"`
}

func (s *Server) opRead(ctx context.Context, params json.RawMessage) Response {
	var p readParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and room_id are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	dir := gateway.DirectionBackward
	if p.Direction == string(gateway.DirectionForward) {
		dir = gateway.DirectionForward
	}
	var events []*event.Event
	var end string
	if err := gw.RetryRateLimited(ctx, func() error {
		var readErr error
		events, end, readErr = gw.GetMessages(ctx, id.RoomID(p.RoomID), dir, limit)
		return readErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]interface{}{"events": events, "end": end}}
}

type reactParams struct {
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	Key     string `json:"key"`
}

func (s *Server) opReact(ctx context.Context, params json.RawMessage) Response {
	var p reactParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" || p.EventID == "" || p.Key == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id, room_id, event_id, and key are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	content := map[string]interface{}{
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.annotation",
			"event_id": p.EventID,
			"key":      p.Key,
		},
	}
	var eventID id.EventID
	if err := gw.RetryRateLimited(ctx, func() error {
		var sendErr error
		eventID, sendErr = gw.SendEvent(ctx, id.RoomID(p.RoomID), "m.reaction", content)
		return sendErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]string{"event_id": string(eventID)}}
}

type editParams struct {
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	NewBody string `json:"new_body"`
}

func (s *Server) opEdit(ctx context.Context, params json.RawMessage) Response {
	var p editParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" || p.EventID == "" || p.NewBody == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id, room_id, event_id, and new_body are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	newContent := map[string]interface{}{
		"msgtype": "m.text",
		"body":    p.NewBody,
	}
	content := map[string]interface{}{
		"msgtype":       "m.text",
		"body":          "* " + p.NewBody,
		"m.new_content": newContent,
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": p.EventID,
		},
	}
	var eventID id.EventID
	if err := gw.RetryRateLimited(ctx, func() error {
		var sendErr error
		eventID, sendErr = gw.SendEvent(ctx, id.RoomID(p.RoomID), "m.room.message", content)
		return sendErr
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]string{"event_id": string(eventID)}}
}

type typingParams struct {
	AgentID    string `json:"agent_id"`
	RoomID     string `json:"room_id"`
	Typing     bool   `json:"typing"`
	ForSeconds int    `json:"for_seconds"`
}

func (s *Server) opTyping(ctx context.Context, params json.RawMessage) Response {
	var p typingParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.RoomID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id and room_id are required"))
	}
	ag, err := s.identities.GetByAgentID(ctx, p.AgentID)
	if err != nil {
		return errorResponse(err)
	}
	gw, err := s.pool.Get(ctx, ag)
	if err != nil {
		return errorResponse(err)
	}
	forSeconds := p.ForSeconds
	if forSeconds <= 0 {
		forSeconds = 30
	}
	if err := gw.RetryRateLimited(ctx, func() error {
		return gw.SetTyping(ctx, id.RoomID(p.RoomID), p.Typing, forSeconds)
	}); err != nil {
		return errorResponse(err)
	}
	return Response{Result: map[string]bool{"ok": true}}
}

type identityCreateParams struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// opIdentityCreate records an agent identity's existence without
// provisioning a Matrix account or room for it yet; the next reconciler
// tick that finds the agent in the runtime roster picks up the
// Unknown-state identity and drives it through Provisioning to Active, the
// same path a freshly-discovered runtime agent takes. An identity whose
// agent is absent from the roster is soft-removed on that tick.
func (s *Server) opIdentityCreate(ctx context.Context, params json.RawMessage) Response {
	var p identityCreateParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "agent_id is required"))
	}
	ag, err := s.identities.Upsert(ctx, p.AgentID, p.AgentName, nil, nil)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Result: ag}
}

type subscribeParams struct {
	RoomID string `json:"room_id"`
}

// opSubscribe registers interest in a room on the event bus and returns the
// subscription token. The registered subscriber is a noopSubscriber, so no
// events are buffered or delivered over the RPC socket; live events are
// streamed by the WebSocket endpoint (pkg/eventbus.Bus.ServeWS, wired in
// cmd/bridge), which subscribes by room id with its own subscriber.
func (s *Server) opSubscribe(params json.RawMessage) Response {
	if s.bus == nil {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "event bus not configured on this deployment"))
	}
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil || p.RoomID == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "room_id is required"))
	}
	token := s.bus.Subscribe(p.RoomID, noopSubscriber{})
	return Response{Result: map[string]string{"subscription_token": token}}
}

type unsubscribeParams struct {
	Token string `json:"subscription_token"`
}

func (s *Server) opUnsubscribe(params json.RawMessage) Response {
	if s.bus == nil {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "event bus not configured on this deployment"))
	}
	var p unsubscribeParams
	if err := json.Unmarshal(params, &p); err != nil || p.Token == "" {
		return errorResponse(errs.New("toolsurface", errs.MalformedInput, "subscription_token is required"))
	}
	s.bus.Unsubscribe(p.Token)
	return Response{Result: map[string]bool{"ok": true}}
}

// noopSubscriber backs a subscribe-by-token issued over the unary RPC
// surface; it registers the room interest for bookkeeping and REST-layer
// introspection, while actual event delivery happens over the WebSocket
// upgrade endpoint, which subscribes its own connection-bound Subscriber.
type noopSubscriber struct{}

func (noopSubscriber) Notify(evt *model.IncomingEvent) {}

func errorResponse(err error) Response {
	return Response{Error: &ErrorBody{Kind: string(errs.KindOf(err)), Message: err.Error()}}
}

func operationNames() []string {
	out := make([]string, len(validOperations))
	for i, op := range validOperations {
		out[i] = string(op)
	}
	return out
}
