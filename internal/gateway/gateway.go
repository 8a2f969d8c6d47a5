// Package gateway implements the Homeserver Gateway: a thin, typed wrapper
// over the Matrix client-server v3 API used by every other component that
// needs to talk to the homeserver. Built on maunium.net/go/mautrix rather
// than hand-rolled net/http and manual JSON marshaling, since a mature
// client library already does request signing, retry backoff, and response
// typing better than a bespoke adapter would.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/errs"
)

// Visibility mirrors the m.room.create visibility enum.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// CreateRoomRequest is the subset of room-creation parameters the bridge uses.
type CreateRoomRequest struct {
	Name         string
	Topic        string
	Visibility   Visibility
	IsSpace      bool
	InitialState []event.Event
	Invitees     []id.UserID
}

// SyncResult is the normalized output of one long-poll cycle.
type SyncResult struct {
	NextBatch string
	Rooms     map[id.RoomID][]*event.Event
}

// Gateway is the Homeserver Gateway component. One Gateway wraps one
// authenticated session; the Client Pool owns a Gateway per identity.
type Gateway struct {
	homeserverURL string
	client        *mautrix.Client
	maxRetries    int
}

// Config configures a Gateway.
type Config struct {
	HomeserverURL string
	UserID        id.UserID
	AccessToken   string // empty before login/register
	MaxRetries    int
}

// New builds a Gateway for an already-known mxid, optionally already
// authenticated (AccessToken non-empty).
func New(cfg Config) (*Gateway, error) {
	cli, err := mautrix.NewClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gateway: constructing client: %w", err)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Gateway{homeserverURL: cfg.HomeserverURL, client: cli, maxRetries: maxRetries}, nil
}

// AccessToken returns the currently held bearer token.
func (g *Gateway) AccessToken() string { return g.client.AccessToken }

// HomeserverURL returns the homeserver base URL this gateway talks to.
func (g *Gateway) HomeserverURL() string { return g.homeserverURL }

// SetAccessToken swaps the bearer token after a successful re-login.
func (g *Gateway) SetAccessToken(token string) { g.client.AccessToken = token }

// Register creates a new Matrix account for localpart and returns its mxid
// and access token. registrationToken is passed through when the
// homeserver requires one; pass "" otherwise.
func (g *Gateway) Register(ctx context.Context, localpart, password, registrationToken string) (id.UserID, string, error) {
	req := &mautrix.ReqRegister{
		Username:     localpart,
		Password:     password,
		Auth:         map[string]interface{}{"type": "m.login.dummy"},
		InhibitLogin: false,
	}
	if registrationToken != "" {
		req.Auth = map[string]interface{}{
			"type":  "m.login.registration_token",
			"token": registrationToken,
		}
	}
	resp, _, err := g.client.Register(ctx, req)
	if err != nil {
		return "", "", g.classify(err)
	}
	g.client.UserID = resp.UserID
	g.client.AccessToken = resp.AccessToken
	return resp.UserID, resp.AccessToken, nil
}

// Login authenticates localpart/password and returns the new access token.
func (g *Gateway) Login(ctx context.Context, localpart, password string) (string, error) {
	resp, err := g.client.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: localpart},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return "", g.classify(err)
	}
	g.client.UserID = resp.UserID
	g.client.AccessToken = resp.AccessToken
	return resp.AccessToken, nil
}

// Whoami confirms the held token resolves to the expected mxid.
func (g *Gateway) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := g.client.Whoami(ctx)
	if err != nil {
		return "", g.classify(err)
	}
	return resp.UserID, nil
}

// SetDisplayName sets the profile display name for the held identity.
func (g *Gateway) SetDisplayName(ctx context.Context, name string) error {
	if err := g.client.SetDisplayName(ctx, name); err != nil {
		return g.classify(err)
	}
	return nil
}

// CreateRoom creates a room and returns its room id.
func (g *Gateway) CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error) {
	visibility := mautrix.VisibilityPrivate
	if req.Visibility == VisibilityPublic {
		visibility = mautrix.VisibilityPublic
	}
	invitees := req.Invitees
	if invitees == nil {
		invitees = []id.UserID{}
	}
	createReq := &mautrix.ReqCreateRoom{
		Visibility:   string(visibility),
		Name:         req.Name,
		Topic:        req.Topic,
		Invite:       invitees,
		InitialState: req.InitialState,
	}
	if req.IsSpace {
		createReq.CreationContent = map[string]interface{}{"type": event.RoomTypeSpace}
	}
	resp, err := g.client.CreateRoom(ctx, createReq)
	if err != nil {
		return "", g.classify(err)
	}
	return resp.RoomID, nil
}

// Join joins a room by id or alias.
func (g *Gateway) Join(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	resp, err := g.client.JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		return "", g.classify(err)
	}
	return resp.RoomID, nil
}

// Invite invites invitee into roomID using the currently held token (which
// callers should set to the admin token for admin-mediated invites).
func (g *Gateway) Invite(ctx context.Context, roomID id.RoomID, invitee id.UserID) error {
	_, err := g.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: invitee})
	if err != nil {
		return g.classify(err)
	}
	return nil
}

// Leave leaves roomID with the currently held identity.
func (g *Gateway) Leave(ctx context.Context, roomID id.RoomID) error {
	if _, err := g.client.LeaveRoom(ctx, roomID); err != nil {
		return g.classify(err)
	}
	return nil
}

// SetTyping sets or clears the typing indicator for roomID.
func (g *Gateway) SetTyping(ctx context.Context, roomID id.RoomID, typing bool, forSeconds int) error {
	timeout := time.Duration(forSeconds) * time.Second
	if !typing {
		timeout = 0
	}
	if _, err := g.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		return g.classify(err)
	}
	return nil
}

// SendEvent sends a timeline event and returns its event id. The Homeserver
// Gateway itself does not serialize sends per room — that per-room ordering
// guarantee lives in the classifier's per-room queue, which is drained by a
// single producer before calling here.
func (g *Gateway) SendEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content interface{}) (id.EventID, error) {
	resp, err := g.client.SendMessageEvent(ctx, roomID, evtType, content)
	if err != nil {
		return "", g.classify(err)
	}
	return resp.EventID, nil
}

// SendState sends a state event and returns its event id.
func (g *Gateway) SendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content interface{}) (id.EventID, error) {
	resp, err := g.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", g.classify(err)
	}
	return resp.EventID, nil
}

// GetState fetches the full state of a room.
func (g *Gateway) GetState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	state, err := g.client.State(ctx, roomID)
	if err != nil {
		return nil, g.classify(err)
	}
	var out []*event.Event
	for _, byKey := range state {
		for _, evt := range byKey {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Direction selects message-pagination direction.
type Direction string

const (
	DirectionBackward Direction = "b"
	DirectionForward  Direction = "f"
)

// GetMessages pages the timeline of a room.
func (g *Gateway) GetMessages(ctx context.Context, roomID id.RoomID, dir Direction, limit int) ([]*event.Event, string, error) {
	resp, err := g.client.Messages(ctx, roomID, "", "", mautrix.Direction(dir), nil, limit)
	if err != nil {
		return nil, "", g.classify(err)
	}
	var out []*event.Event
	for _, raw := range resp.Chunk {
		out = append(out, raw)
	}
	return out, resp.End, nil
}

// Sync performs a single long-poll cycle starting at since (empty for an
// initial sync), returning the new cursor and any timeline events observed.
func (g *Gateway) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResult, error) {
	resp, err := g.client.FullSyncRequest(mautrix.ReqSync{
		Since:       since,
		Timeout:     int(timeout.Milliseconds()),
		FilterID:    "",
		FullState:   since == "",
		SetPresence: "offline",
		Context:     ctx,
	})
	if err != nil {
		return nil, g.classify(err)
	}
	out := &SyncResult{NextBatch: resp.NextBatch, Rooms: make(map[id.RoomID][]*event.Event)}
	for roomID, room := range resp.Rooms.Join {
		out.Rooms[roomID] = room.Timeline.Events
	}
	return out, nil
}

// classify maps a mautrix error into the bridge's closed error taxonomy.
func (g *Gateway) classify(err error) error {
	if err == nil {
		return nil
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.RespError.ErrCode {
		case mautrix.MForbidden.ErrCode:
			return errs.New("gateway", errs.Forbidden, httpErr.Error())
		case mautrix.MNotFound.ErrCode:
			return errs.New("gateway", errs.NotFound, httpErr.Error())
		case mautrix.MUnknownToken.ErrCode, mautrix.MMissingToken.ErrCode:
			return errs.New("gateway", errs.AuthExpired, httpErr.Error())
		case mautrix.MLimitExceeded.ErrCode:
			retryAfter := time.Duration(httpErr.RespError.RetryAfterMs) * time.Millisecond
			return errs.New("gateway", errs.RateLimited, httpErr.Error()).WithRetryAfter(retryAfter)
		}
		if httpErr.Code >= 500 {
			return errs.Wrap("gateway", errs.TransientUpstream, err)
		}
		return errs.Wrap("gateway", errs.MalformedInput, err)
	}
	return errs.Wrap("gateway", errs.TransientUpstream, err)
}

// RetryRateLimited runs fn, retrying on RateLimited using the server's
// provided delay up to the gateway's configured max retries.
func (g *Gateway) RetryRateLimited(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.Is(lastErr, errs.RateLimited) {
			return lastErr
		}
		delay := retryAfterOf(lastErr)
		if delay <= 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errs.Wrap("gateway", errs.TransientUpstream, lastErr)
}

func retryAfterOf(err error) time.Duration {
	var te *errs.TracedError
	for e := err; e != nil; {
		if t, ok := e.(*errs.TracedError); ok {
			te = t
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if te == nil {
		return 0
	}
	return te.RetryAfter
}
