package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentbridge/bridge/internal/arbiter"
	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/webhook"
)

type fakeRecordStore struct{}

func (fakeRecordStore) InsertInFlightIfAbsent(ctx context.Context, rec *model.InFlightRecord) (*model.InFlightRecord, bool, error) {
	return rec, true, nil
}
func (fakeRecordStore) UpdateInFlightStatus(ctx context.Context, trackingID string, status model.InFlightStatus, committedEventID string) error {
	return nil
}
func (fakeRecordStore) PurgeExpiredInFlight(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

// webhookGatewayAdapter satisfies webhook.GatewayForAgent without ever being
// exercised by these REST-layer tests (no test here posts a webhook payload
// that resolves an agent).
type webhookGatewayAdapter struct{}

func (webhookGatewayAdapter) GatewayForAgentID(ctx context.Context, agentID string) (*gateway.Gateway, *model.AgentIdentity, error) {
	return nil, nil, errors.New("not used in this test")
}

type fakeHealth struct {
	report HealthReport
}

func (f fakeHealth) Health(ctx context.Context) HealthReport { return f.report }

type fakeIdentities struct {
	active []*model.AgentIdentity
	byID   map[string]*model.AgentIdentity
}

func (f fakeIdentities) ListActive(ctx context.Context) ([]*model.AgentIdentity, error) {
	return f.active, nil
}

func (f fakeIdentities) GetByAgentID(ctx context.Context, agentID string) (*model.AgentIdentity, error) {
	if ag, ok := f.byID[agentID]; ok {
		return ag, nil
	}
	return nil, errs.New("identity", errs.NotFound, "agent not found")
}

type fakeConversations struct {
	registered bool
}

func (f *fakeConversations) Register(ctx context.Context, roomID, agentID, userScope string) (string, error) {
	f.registered = true
	return "conv-1", nil
}

func newTestServer(t *testing.T) (*Server, *fakeIdentities, *fakeConversations) {
	t.Helper()
	identities := &fakeIdentities{byID: map[string]*model.AgentIdentity{
		"agent-1": {AgentID: "agent-1", MXID: "@agent_1:example.com", RoomID: "!room:example.com", AgentName: "Research Bot"},
	}, active: []*model.AgentIdentity{
		{AgentID: "agent-1", MXID: "@agent_1:example.com", RoomID: "!room:example.com", AgentName: "Research Bot"},
	}}
	conversations := &fakeConversations{}
	health := fakeHealth{report: HealthReport{Status: HealthHealthy, ActiveIdentities: 1}}

	arb := arbiter.New(fakeRecordStore{}, time.Minute, nil)
	wh := webhook.New(webhook.Config{Secret: "shh", Mode: webhook.VerifyBypass}, arb, webhookGatewayAdapter{}, nil)

	srv := New(health, identities, conversations, wh, nil)
	return srv, identities, conversations
}

func TestHandleHealthReturnsReport(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if report.Status != HealthHealthy || report.ActiveIdentities != 1 {
		t.Errorf("report = %+v, want healthy/1", report)
	}
}

func TestHandleMappingsListsActiveIdentities(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/mappings", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var mappings []Mapping
	if err := json.Unmarshal(rec.Body.Bytes(), &mappings); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(mappings) != 1 || mappings[0].AgentID != "agent-1" {
		t.Errorf("mappings = %+v, want one agent-1 entry", mappings)
	}
}

func TestHandleAgentRoomReturnsNotFoundForUnknownAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/nonexistent/room", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAgentRoomReturnsMappingForKnownAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/agent-1/room", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var mapping Mapping
	if err := json.Unmarshal(rec.Body.Bytes(), &mapping); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if mapping.RoomID != "!room:example.com" {
		t.Errorf("RoomID = %q, want !room:example.com", mapping.RoomID)
	}
}

func TestHandleRegisterConversationRejectsMissingFields(t *testing.T) {
	srv, _, conversations := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/conversations/register", strings.NewReader(`{"room_id":""}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if conversations.registered {
		t.Error("expected Register not to be called for a malformed request")
	}
}

func TestHandleRegisterConversationSucceeds(t *testing.T) {
	srv, _, conversations := newTestServer(t)
	body := `{"room_id":"!room:example.com","agent_id":"agent-1","user_scope":"user-42"}`
	req := httptest.NewRequest(http.MethodPost, "/conversations/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !conversations.registered {
		t.Error("expected Register to be called")
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %q, want conv-1", resp["conversation_id"])
	}
}
